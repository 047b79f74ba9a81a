package dispatch

import (
	"context"

	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/msg"
	"revita/clinic/dispatch-queue-server/pkg/queue"
	"revita/clinic/dispatch-queue-server/pkg/resource"
)

// Every action below follows the same order: validate, apply the change to
// a clone, persist the clone, then apply it to the live queue and publish.
// A failed persist leaves the queue untouched.

// CallNext moves the best waiting item to PREPARING. An item already
// being prepared or served is returned unchanged. A call on a queue with
// only skipped items still counts as a turn, so they come back.
func (a *Allocator) CallNext(ctx context.Context, resourceId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		if current := q.Current(); current != nil {
			return current, nil
		}
		if q.Len() == 0 && !q.HasSkipped() {
			return nil, errs.New(errs.Empty, "no item waiting at resource[%v]", res.Id)
		}

		now := a.now()
		for _, released := range q.AdvanceTurn(now, res.Capacity) {
			a.logger.Infof("re-entered itemId[%v] resourceId[%v] turn[%v]", released.Id, res.Id, q.Turn())
			a.saveQuiet(ctx, released)
			a.publish(ctx, stateChangedEvent(res, released, queue.Skipped, now))
		}
		a.saveTurn(ctx, res.Id, q.Turn())

		head, ok := q.Peek()
		if !ok {
			return nil, errs.New(errs.Empty, "no item waiting at resource[%v]", res.Id)
		}
		next := head.Clone()
		if err := next.Transition(queue.Preparing, now); err != nil {
			return nil, err
		}
		if err := a.save(ctx, next); err != nil {
			return nil, err
		}

		item, err := q.Next(now)
		if err != nil {
			return nil, err
		}
		a.logger.Infof("called itemId[%v] number[%v] resourceId[%v] calls[%v]", item.Id, item.QueueNumber, res.Id, item.CallCount)
		a.publish(ctx, calledEvent(msg.NextPatientCalledType, res, item, now))
		return item, nil
	})
}

func currentOf(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
	current := q.Current()
	if current == nil {
		return nil, errs.New(errs.NotFound, "no current item at resource[%v]", res.Id)
	}
	return current, nil
}

// Start begins serving the item being prepared.
func (a *Allocator) Start(ctx context.Context, resourceId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		current, err := currentOf(res, q)
		if err != nil {
			return nil, err
		}
		if current.State != queue.Preparing {
			return nil, errs.New(errs.InvalidTransition, "item[%v] is %v, not %v", current.Id, current.State, queue.Preparing)
		}

		now := a.now()
		next := current.Clone()
		if err := next.Transition(queue.Serving, now); err != nil {
			return nil, err
		}
		if err := a.save(ctx, next); err != nil {
			return nil, err
		}

		*current = *next
		a.publish(ctx, stateChangedEvent(res, current, queue.Preparing, now))
		return current, nil
	})
}

// Complete finishes the item being served.
func (a *Allocator) Complete(ctx context.Context, resourceId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		current, err := currentOf(res, q)
		if err != nil {
			return nil, err
		}
		if current.State != queue.Serving {
			return nil, errs.New(errs.InvalidTransition, "item[%v] is %v, not %v", current.Id, current.State, queue.Serving)
		}

		now := a.now()
		next := current.Clone()
		if err := next.Transition(queue.Completed, now); err != nil {
			return nil, err
		}
		if err := a.save(ctx, next); err != nil {
			return nil, err
		}

		*current = *next
		q.ReleaseCurrent()
		q.Forget(current)
		q.PushHistory(current)
		q.Stats.RecordService(current.CompletedAt.Sub(current.StartedAt))
		a.logger.Infof("completed itemId[%v] resourceId[%v] avgService[%v]", current.Id, res.Id, q.Stats.AvgServiceDuration)

		a.publish(ctx, stateChangedEvent(res, current, queue.Serving, now))
		return current, nil
	})
}

// Skip marks the current item as a no-show. It re-enters after a few
// calls, or is cancelled once it was called too many times.
func (a *Allocator) Skip(ctx context.Context, resourceId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		current, err := currentOf(res, q)
		if err != nil {
			return nil, err
		}

		now := a.now()
		next := current.Clone()
		if err := next.Transition(queue.Skipped, now); err != nil {
			return nil, err
		}
		next.SkipCount++
		exhausted := next.CallCount >= a.options.MaxCallCount
		if exhausted {
			if err := next.Transition(queue.Cancelled, now); err != nil {
				return nil, err
			}
		} else {
			next.ReentryTurn = q.Turn() + int64(a.options.SkipReentryTurns)
		}
		if err := a.save(ctx, next); err != nil {
			return nil, err
		}

		*current = *next
		q.ReleaseCurrent()
		if exhausted {
			q.Forget(current)
			a.logger.Infof("cancelled itemId[%v] resourceId[%v] after calls[%v]", current.Id, res.Id, current.CallCount)
		} else {
			q.ScheduleReentry(current, a.options.SkipReentryTurns)
			q.PushHistory(current)
			a.logger.Infof("skipped itemId[%v] resourceId[%v] reentryTurn[%v]", current.Id, res.Id, current.ReentryTurn)
		}

		a.publish(ctx, calledEvent(msg.PatientSkippedType, res, current, now))
		return current, nil
	})
}

// RecallSkipped puts the earliest skipped item back in the queue now.
func (a *Allocator) RecallSkipped(ctx context.Context, resourceId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		skipped := q.Skipped()
		if len(skipped) == 0 {
			return nil, errs.New(errs.NotFound, "no skipped item at resource[%v]", res.Id)
		}
		if q.ActiveCount()+1 > res.Capacity {
			return nil, errs.New(errs.CapacityExceeded, "resource[%v] is full", res.Id)
		}

		now := a.now()
		next := skipped[0].Clone()
		if err := next.Transition(queue.Waiting, now); err != nil {
			return nil, err
		}
		if err := a.save(ctx, next); err != nil {
			return nil, err
		}

		item, err := q.RecallSkipped(now, res.Capacity)
		if err != nil {
			return nil, err
		}
		a.logger.Infof("recalled itemId[%v] resourceId[%v]", item.Id, res.Id)
		a.publish(ctx, calledEvent(msg.SkippedPatientRecalledType, res, item, now))
		return item, nil
	})
}

// Requeue sends the current item back to the queue with its original
// place in the ordering.
func (a *Allocator) Requeue(ctx context.Context, resourceId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		current, err := currentOf(res, q)
		if err != nil {
			return nil, err
		}

		now := a.now()
		next := current.Clone()
		if err := next.Transition(queue.Waiting, now); err != nil {
			return nil, err
		}
		if err := a.save(ctx, next); err != nil {
			return nil, err
		}

		*current = *next
		q.ReleaseCurrent()
		q.Requeue(current)
		a.logger.Infof("requeued itemId[%v] resourceId[%v]", current.Id, res.Id)

		a.publish(ctx, calledEvent(msg.CurrentPatientReturnedType, res, current, now))
		return current, nil
	})
}

// ReturnToPrevious serves the most recently finished item again. The
// current item, if any, goes back to the queue.
func (a *Allocator) ReturnToPrevious(ctx context.Context, resourceId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		previous, ok := popRecallable(q)
		if !ok {
			return nil, errs.New(errs.NotFound, "no previous item at resource[%v]", res.Id)
		}
		if q.ActiveCount()+1 > res.Capacity {
			q.PushHistory(previous)
			return nil, errs.New(errs.CapacityExceeded, "resource[%v] is full", res.Id)
		}

		now := a.now()
		current := q.Current()
		var requeued *queue.Item
		var currentFrom queue.State
		if current != nil {
			currentFrom = current.State
			requeued = current.Clone()
			if err := requeued.Transition(queue.Waiting, now); err != nil {
				q.PushHistory(previous)
				return nil, err
			}
		}
		recalled := previous.Clone()
		from := recalled.State
		if err := recalled.Transition(queue.Serving, now); err != nil {
			q.PushHistory(previous)
			return nil, err
		}
		recalled.ReentryTurn = 0

		if requeued != nil {
			if err := a.save(ctx, requeued); err != nil {
				q.PushHistory(previous)
				return nil, err
			}
		}
		if err := a.save(ctx, recalled); err != nil {
			q.PushHistory(previous)
			return nil, err
		}

		if current != nil {
			*current = *requeued
			q.ReleaseCurrent()
			q.Requeue(current)
			a.publish(ctx, stateChangedEvent(res, current, currentFrom, now))
		}
		if from == queue.Skipped {
			q.Remove(previous.Id)
		}
		*previous = *recalled
		q.SetCurrent(previous)
		a.logger.Infof("returned to previous itemId[%v] resourceId[%v] from[%v]", previous.Id, res.Id, from)

		a.publish(ctx, calledEvent(msg.ReturnPreviousPatientType, res, previous, now))
		return previous, nil
	})
}

// popRecallable drops history entries that moved on since they were
// finished, e.g. a skipped item that already re-entered.
func popRecallable(q *queue.Queue) (*queue.Item, bool) {
	for {
		item, ok := q.PopHistory()
		if !ok {
			return nil, false
		}
		if item.State == queue.Completed || (item.State == queue.Skipped && item.ReentryTurn > 0) {
			return item, true
		}
	}
}

// SendForResult parks the item being served while it waits for lab or
// imaging results.
func (a *Allocator) SendForResult(ctx context.Context, resourceId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		current, err := currentOf(res, q)
		if err != nil {
			return nil, err
		}
		if current.State != queue.Serving {
			return nil, errs.New(errs.InvalidTransition, "item[%v] is %v, not %v", current.Id, current.State, queue.Serving)
		}

		now := a.now()
		next := current.Clone()
		if err := next.Transition(queue.WaitingResult, now); err != nil {
			return nil, err
		}
		if err := a.save(ctx, next); err != nil {
			return nil, err
		}

		*current = *next
		q.ReleaseCurrent()
		q.Park(current)
		a.logger.Infof("sent for result itemId[%v] resourceId[%v]", current.Id, res.Id)

		a.publish(ctx, stateChangedEvent(res, current, queue.Serving, now))
		return current, nil
	})
}

// ReturnAfterResult brings a parked item back, rescored with the
// returned-after-service bonus.
func (a *Allocator) ReturnAfterResult(ctx context.Context, resourceId, itemId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		item, ok := q.Get(itemId)
		if !ok || item.State != queue.WaitingResult {
			return nil, errs.New(errs.NotFound, "item[%v] is not waiting for results at resource[%v]", itemId, res.Id)
		}
		if q.ActiveCount()+1 > res.Capacity {
			return nil, errs.New(errs.CapacityExceeded, "resource[%v] is full", res.Id)
		}

		now := a.now()
		next := item.Clone()
		if err := next.Transition(queue.Returning, now); err != nil {
			return nil, err
		}
		next.Factors.ReturnedAfterService = true
		next.Score = a.policyOf(res).Score(next.Factors)
		if err := a.save(ctx, next); err != nil {
			return nil, err
		}

		q.Unpark(itemId)
		*item = *next
		q.Requeue(item)
		a.logger.Infof("returned after result itemId[%v] resourceId[%v] score[%v]", item.Id, res.Id, item.Score.Total)

		a.publish(ctx, stateChangedEvent(res, item, queue.WaitingResult, now))
		return item, nil
	})
}

// Cancel withdraws an item that is not being prepared or served.
func (a *Allocator) Cancel(ctx context.Context, resourceId, itemId string) (*queue.Item, error) {
	return a.locked(resourceId, func(res resource.Resource, q *queue.Queue) (*queue.Item, error) {
		item, ok := q.Get(itemId)
		if !ok {
			return nil, errs.New(errs.NotFound, "item[%v] not found at resource[%v]", itemId, res.Id)
		}
		if item == q.Current() {
			return nil, errs.New(errs.InvalidTransition, "item[%v] is %v, skip it instead", item.Id, item.State)
		}

		now := a.now()
		from := item.State
		next := item.Clone()
		if err := next.Transition(queue.Cancelled, now); err != nil {
			return nil, err
		}
		if err := a.save(ctx, next); err != nil {
			return nil, err
		}

		q.Remove(itemId)
		*item = *next
		a.logger.Infof("cancelled itemId[%v] resourceId[%v] from[%v]", item.Id, res.Id, from)

		a.publish(ctx, stateChangedEvent(res, item, from, now))
		return item, nil
	})
}
