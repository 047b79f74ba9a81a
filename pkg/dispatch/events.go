package dispatch

import (
	"context"
	"time"

	"revita/clinic/dispatch-queue-server/pkg/msg"
	"revita/clinic/dispatch-queue-server/pkg/queue"
	"revita/clinic/dispatch-queue-server/pkg/resource"
)

// publish appends an event after the mutation it describes was persisted.
// Failures are retried and then logged; clients recover through Snapshot.
func (a *Allocator) publish(ctx context.Context, ev msg.Event) {
	anyError := func(error) bool { return true }
	var id string
	err := a.retry(ctx, "publish "+string(ev.EventType()), anyError, func(ctx context.Context) error {
		var err error
		id, err = a.log.Publish(ctx, a.options.Topic, ev)
		return err
	})
	if err != nil {
		a.logger.Errorf("publish dropped type[%v] key[%v] %v", ev.EventType(), ev.RoutingKey(), err)
		return
	}
	a.logger.Debugf("published type[%v] key[%v] id[%v]", ev.EventType(), ev.RoutingKey(), id)
}

func patientInfo(item *queue.Item) *msg.PatientInfo {
	if item == nil {
		return nil
	}
	return &msg.PatientInfo{
		ItemId:        item.Id,
		ProfileId:     item.Patient.ProfileId,
		Name:          item.Patient.Name,
		QueueNumber:   item.QueueNumber,
		PriorityScore: item.Score.Total,
		State:         string(item.State),
		SkipCount:     item.SkipCount,
		CallCount:     item.CallCount,
	}
}

func calledEvent(t msg.EventType, res resource.Resource, item *queue.Item, now time.Time) *msg.PatientCalled {
	return &msg.PatientCalled{
		Type:         t,
		CounterId:    res.Id,
		ResourceKind: string(res.Kind),
		Patient:      patientInfo(item),
		Timestamp:    now,
	}
}

func stateChangedEvent(res resource.Resource, item *queue.Item, from queue.State, now time.Time) *msg.QueueItemStateChanged {
	return &msg.QueueItemStateChanged{
		Type:         msg.QueueItemStateChangedType,
		ResourceId:   res.Id,
		ResourceKind: string(res.Kind),
		ItemId:       item.Id,
		From:         string(from),
		To:           string(item.State),
		Timestamp:    now,
	}
}

func assignedEvent(res resource.Resource, item *queue.Item, waitMinutes int, now time.Time) *msg.PatientAssigned {
	return &msg.PatientAssigned{
		Type:             msg.PatientAssignedType,
		ItemId:           item.Id,
		ResourceKind:     string(res.Kind),
		AppointmentId:    item.Patient.AppointmentId,
		PatientProfileId: item.Patient.ProfileId,
		InvoiceId:        item.Patient.InvoiceId,
		PatientName:      item.Patient.Name,
		PatientAge:       item.Patient.Age,
		PatientGender:    string(item.Patient.Gender),
		PriorityScore:    item.Score.Total,
		PriorityTier:     item.Score.Tier.String(),
		QueueNumber:      item.QueueNumber,
		ServiceName:      item.Service.Name,
		ServicePrice:     item.Service.Price,
		AssignedCounter: msg.AssignedCounter{
			CounterId:         res.Id,
			CounterCode:       res.Code,
			CounterName:       res.Name,
			ReceptionistName:  res.StaffName,
			EstimatedWaitTime: waitMinutes,
		},
		Metadata:  item.Metadata,
		Timestamp: now,
	}
}
