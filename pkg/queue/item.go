package queue

import (
	"time"

	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/priority"
)

type Patient struct {
	ProfileId     string          `json:"profileId"`
	AppointmentId string          `json:"appointmentId,omitempty"`
	InvoiceId     string          `json:"invoiceId,omitempty"`
	Name          string          `json:"name,omitempty"`
	Age           int             `json:"age"`
	Gender        priority.Gender `json:"gender,omitempty"`
}

type Service struct {
	Id    string  `json:"id,omitempty"`
	Name  string  `json:"name,omitempty"`
	Price float64 `json:"price,omitempty"`
}

type Item struct {
	Id         string `json:"id"`
	ResourceId string `json:"resourceId"`

	Patient Patient          `json:"patient"`
	Service Service          `json:"service"`
	Factors priority.Factors `json:"factors"`
	Score   priority.Score   `json:"score"`

	State State `json:"state"`

	// Human facing number, e.g. A-007. Unique per resource per day.
	QueueNumber string `json:"queueNumber"`

	// Insertion sequence, the final tie breaker of the ordering.
	Seq uint64 `json:"seq"`

	SkipCount int `json:"skipCount"`
	CallCount int `json:"callCount"`

	// Turn of the resource at which a skipped item re-enters. Zero when no
	// re-entry is scheduled.
	ReentryTurn int64 `json:"reentryTurn,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	CalledAt    time.Time `json:"calledAt,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Transition moves the item to another state, stamping the matching time.
func (i *Item) Transition(to State, now time.Time) error {
	if !CanTransition(i.State, to) {
		return errs.New(errs.InvalidTransition, "item[%v] cannot go from %v to %v", i.Id, i.State, to)
	}

	switch to {
	case Preparing:
		i.CalledAt = now
		i.CallCount++
	case Serving:
		i.StartedAt = now
	case Completed, Cancelled:
		i.CompletedAt = now
	case Waiting:
		if i.State == Skipped {
			i.ReentryTurn = 0
		}
	}
	i.State = to
	i.UpdatedAt = now
	return nil
}

// Clone returns a copy safe to hand out of the allocator's lock.
func (i *Item) Clone() *Item {
	c := *i
	if i.Metadata != nil {
		c.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// byPriority orders tier desc, total desc, enqueue time asc, then sequence.
func byPriority(a, b interface{}) int {
	x, y := a.(*Item), b.(*Item)

	switch {
	case x.Score.Tier != y.Score.Tier:
		if x.Score.Tier > y.Score.Tier {
			return -1
		}
		return 1
	case x.Score.Total != y.Score.Total:
		if x.Score.Total > y.Score.Total {
			return -1
		}
		return 1
	case !x.EnqueuedAt.Equal(y.EnqueuedAt):
		if x.EnqueuedAt.Before(y.EnqueuedAt) {
			return -1
		}
		return 1
	case x.Seq != y.Seq:
		if x.Seq < y.Seq {
			return -1
		}
		return 1
	}
	return 0
}
