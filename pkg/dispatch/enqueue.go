package dispatch

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/priority"
	"revita/clinic/dispatch-queue-server/pkg/queue"
	"revita/clinic/dispatch-queue-server/pkg/resource"
)

type EnqueueRequest struct {
	// Explicit target. Empty picks the least loaded candidate of Kind.
	ResourceId string        `json:"resourceId,omitempty"`
	Kind       resource.Kind `json:"kind,omitempty"`

	Patient  queue.Patient    `json:"patient"`
	Service  queue.Service    `json:"service"`
	Factors  priority.Factors `json:"factors"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// Enqueue scores a patient and places it on a resource queue.
func (a *Allocator) Enqueue(ctx context.Context, req EnqueueRequest) (*queue.Item, error) {
	if strings.TrimSpace(req.Patient.ProfileId) == "" {
		return nil, errs.New(errs.Validation, "patient profile id is required")
	}
	if req.Kind == "" {
		req.Kind = resource.Counter
	}
	if !req.Kind.Valid() {
		return nil, errs.New(errs.Validation, "invalid resource kind[%v]", req.Kind)
	}
	if req.Factors.CheckIn.IsZero() {
		req.Factors.CheckIn = a.now()
	}
	a.fillPatient(ctx, &req)
	if err := priority.Validate(req.Factors); err != nil {
		return nil, err
	}

	if req.ResourceId != "" {
		res, err := a.explicitTarget(ctx, req.ResourceId)
		if err != nil {
			return nil, err
		}
		return a.admit(ctx, res, req)
	}

	candidates := a.rank(ctx, req.Kind, req.Service.Id)
	if len(candidates) == 0 {
		return nil, errs.New(errs.NoAvailableResource, "no %v online for service[%v]", req.Kind, req.Service.Id)
	}
	for _, res := range candidates {
		item, err := a.admit(ctx, res, req)
		if errs.Has(err, errs.CapacityExceeded) {
			a.logger.Infof("resourceId[%v] full, trying next candidate", res.Id)
			continue
		}
		return item, err
	}
	return nil, errs.New(errs.NoAvailableResource, "every %v serving service[%v] is full", req.Kind, req.Service.Id)
}

func (a *Allocator) explicitTarget(ctx context.Context, id string) (resource.Resource, error) {
	res, err := a.registry.Get(id)
	if err != nil {
		return resource.Resource{}, err
	}
	if !res.Active {
		return resource.Resource{}, errs.New(errs.ResourceInactive, "resource[%v] is inactive", id)
	}
	online, err := a.registry.IsOnline(ctx, id)
	if err != nil {
		return resource.Resource{}, err
	}
	if !online {
		return resource.Resource{}, errs.New(errs.ResourceOffline, "resource[%v] is offline", id)
	}
	return res, nil
}

// fillPatient completes missing patient metadata from the directory.
// Lookup failures leave the request as it is.
func (a *Allocator) fillPatient(ctx context.Context, req *EnqueueRequest) {
	if a.directory != nil && req.Patient.Name == "" {
		patient, err := a.directory.Patient(ctx, req.Patient.ProfileId)
		if err != nil {
			a.logger.Warnf("patient lookup failed profileId[%v] %v", req.Patient.ProfileId, err)
		} else {
			req.Patient.Name = patient.Name
			if req.Patient.Age == 0 {
				req.Patient.Age = patient.AgeAt(req.Factors.CheckIn)
			}
			if req.Patient.Gender == priority.Unknown {
				req.Patient.Gender = priority.Gender(strings.ToUpper(patient.Gender))
			}
			if !req.Factors.Pregnant && patient.IsPregnant {
				req.Factors.Pregnant = true
				req.Factors.PregnancyWeeks = patient.PregnancyWeeks
			}
			req.Factors.Disabled = req.Factors.Disabled || patient.IsDisabled
			if req.Factors.LastVisit.IsZero() && patient.LastVisitAt != nil {
				req.Factors.LastVisit = *patient.LastVisitAt
			}
		}
	}

	if req.Factors.Age == 0 {
		req.Factors.Age = req.Patient.Age
	}
	if req.Patient.Age == 0 {
		req.Patient.Age = req.Factors.Age
	}
	if req.Factors.Gender == priority.Unknown {
		req.Factors.Gender = req.Patient.Gender
	}
}

type candidate struct {
	res   resource.Resource
	load  int
	score int
}

// loadScore favours short queues and fast resources.
func loadScore(queueLen, avgMinutes int) int {
	score := 0
	if queueLen < 10 {
		score += (10 - queueLen) * 10
	}
	if avgMinutes < 30 {
		score += (30 - avgMinutes) * 2
	}
	return score
}

// rank orders candidates best first: load score desc, shorter queue, code.
func (a *Allocator) rank(ctx context.Context, kind resource.Kind, serviceId string) []resource.Resource {
	var list []candidate
	for _, res := range a.registry.Candidates(ctx, kind, serviceId) {
		unlock := a.locks.Lock(res.Id)
		q := a.queueOf(res)
		load, avg := q.ActiveCount(), q.Stats.AvgServiceMinutes()
		unlock()

		list = append(list, candidate{res: res, load: load, score: loadScore(load, avg)})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		if list[i].load != list[j].load {
			return list[i].load < list[j].load
		}
		return list[i].res.Code < list[j].res.Code
	})

	out := make([]resource.Resource, 0, len(list))
	for _, c := range list {
		out = append(out, c.res)
	}
	return out
}

func (a *Allocator) admit(ctx context.Context, target resource.Resource, req EnqueueRequest) (*queue.Item, error) {
	return a.locked(target.Id, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		if q.ActiveCount()+1 > res.Capacity {
			return nil, errs.New(errs.CapacityExceeded, "resource[%v] is full with %v of %v", res.Id, q.ActiveCount(), res.Capacity)
		}

		now := a.now()
		item := &queue.Item{
			Id:          uuid.NewString(),
			ResourceId:  res.Id,
			Patient:     req.Patient,
			Service:     req.Service,
			Factors:     req.Factors,
			Score:       a.policyOf(res).Score(req.Factors),
			State:       queue.Waiting,
			QueueNumber: q.NextQueueNumber(res.Code, now),
			Seq:         q.NextSeq(),
			Metadata:    req.Metadata,
			CreatedAt:   now,
			EnqueuedAt:  now,
			UpdatedAt:   now,
		}
		if err := a.save(ctx, item); err != nil {
			return nil, err
		}
		if err := q.Admit(item, res.Capacity); err != nil {
			return nil, err
		}

		ahead, _ := q.Position(item.Id)
		if q.Current() != nil {
			ahead++
		}
		wait := int(q.Stats.EstimatedWait(ahead).Minutes())
		a.logger.Infof("enqueued itemId[%v] number[%v] resourceId[%v] score[%v] tier[%v] ahead[%v]",
			item.Id, item.QueueNumber, res.Id, item.Score.Total, item.Score.Tier, ahead)

		a.publish(ctx, assignedEvent(res, item, wait, now))
		return item, nil
	})
}
