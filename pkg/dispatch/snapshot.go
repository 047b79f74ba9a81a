package dispatch

import (
	"context"

	"revita/clinic/dispatch-queue-server/pkg/queue"
	"revita/clinic/dispatch-queue-server/pkg/resource"
)

type WaitingEntry struct {
	Item     *queue.Item `json:"item"`
	Position int         `json:"position"`

	// Minutes.
	EstimatedWait int `json:"estimatedWait"`
}

// Snapshot is the full state of one resource queue. Clients that missed
// events rebuild their view from it.
type Snapshot struct {
	Resource          resource.Resource `json:"resource"`
	Online            bool              `json:"online"`
	Current           *queue.Item       `json:"current,omitempty"`
	Waiting           []WaitingEntry    `json:"waiting"`
	Skipped           []*queue.Item     `json:"skipped"`
	Awaiting          []*queue.Item     `json:"awaitingResult"`
	History           []*queue.Item     `json:"history"`
	AvgServiceMinutes int               `json:"avgServiceMinutes"`
	Turn              int64             `json:"turn"`
}

func (a *Allocator) Snapshot(ctx context.Context, resourceId string) (*Snapshot, error) {
	res, err := a.registry.Get(resourceId)
	if err != nil {
		return nil, err
	}
	online, err := a.registry.IsOnline(ctx, res.Id)
	if err != nil {
		a.logger.Warnf("snapshot resourceId[%v] liveness unknown %v", res.Id, err)
	}

	unlock := a.locks.Lock(res.Id)
	defer unlock()

	q := a.queueOf(res)
	snapshot := &Snapshot{
		Resource:          res,
		Online:            online,
		Waiting:           []WaitingEntry{},
		Skipped:           clones(q.Skipped()),
		Awaiting:          clones(q.Awaiting()),
		History:           clones(q.History()),
		AvgServiceMinutes: q.Stats.AvgServiceMinutes(),
		Turn:              q.Turn(),
	}

	ahead := 0
	if current := q.Current(); current != nil {
		snapshot.Current = current.Clone()
		ahead = 1
	}
	for i, item := range q.Waiting() {
		snapshot.Waiting = append(snapshot.Waiting, WaitingEntry{
			Item:          item.Clone(),
			Position:      i,
			EstimatedWait: int(q.Stats.EstimatedWait(ahead + i).Minutes()),
		})
	}
	return snapshot, nil
}

type Status struct {
	Resource    resource.Resource `json:"resource"`
	Online      bool              `json:"online"`
	QueueLength int               `json:"queueLength"`
	ActiveCount int               `json:"activeCount"`

	// Active, online and below capacity.
	Available bool        `json:"available"`
	Current   *queue.Item `json:"current,omitempty"`
}

// Statuses lists every resource of a kind, or all when kind is empty.
func (a *Allocator) Statuses(ctx context.Context, kind resource.Kind) []Status {
	resources := a.registry.List(kind)
	out := make([]Status, 0, len(resources))
	for _, res := range resources {
		online, err := a.registry.IsOnline(ctx, res.Id)
		if err != nil {
			a.logger.Warnf("status resourceId[%v] liveness unknown %v", res.Id, err)
		}

		unlock := a.locks.Lock(res.Id)
		q := a.queueOf(res)
		status := Status{
			Resource:    res,
			Online:      online,
			QueueLength: q.Len(),
			ActiveCount: q.ActiveCount(),
		}
		if current := q.Current(); current != nil {
			status.Current = current.Clone()
		}
		unlock()

		status.Available = res.Active && online && status.ActiveCount < res.Capacity
		out = append(out, status)
	}
	return out
}

func clones(items []*queue.Item) []*queue.Item {
	out := make([]*queue.Item, 0, len(items))
	for _, item := range items {
		out = append(out, item.Clone())
	}
	return out
}
