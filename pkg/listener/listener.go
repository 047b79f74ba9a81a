package listener

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/config"
	"revita/clinic/dispatch-queue-server/pkg/eventlog"
	"revita/clinic/dispatch-queue-server/pkg/infra"
	"revita/clinic/dispatch-queue-server/pkg/liveness"
	"revita/clinic/dispatch-queue-server/pkg/msg"
)

const seenLimit = 1024

// Display shows an event on the resource's terminal. An error leaves the
// event pending so it is shown again after a restart.
type Display interface {
	Show(ev msg.Event, line string) error
}

type logDisplay struct {
	logger *zap.SugaredLogger
}

func (d *logDisplay) Show(_ msg.Event, line string) error {
	d.logger.Info(line)
	return nil
}

// Listener follows the event log for one resource and keeps the resource
// online while it runs.
type Listener struct {
	resourceId   string
	log          eventlog.Log
	subscription eventlog.Subscription
	heartbeat    *liveness.Heartbeat
	display      Display

	// Recently shown envelope ids, oldest first. Key value: id -> struct{}.
	seen     *linkedhashmap.Map
	seenLock sync.Mutex

	logger *zap.SugaredLogger
}

func New(resourceId string, log eventlog.Log, heartbeat *liveness.Heartbeat, display Display, subscription eventlog.Subscription, logger *zap.SugaredLogger) *Listener {
	if display == nil {
		display = &logDisplay{logger: logger}
	}
	return &Listener{
		resourceId:   resourceId,
		log:          log,
		subscription: subscription,
		heartbeat:    heartbeat,
		display:      display,
		seen:         linkedhashmap.New(),
		logger:       logger,
	}
}

func ProvideListener(resourceId string, cfg *config.Config, log eventlog.Log, tracker liveness.Tracker, loggerFactory *infra.LoggerFactory) *Listener {
	logger := loggerFactory.Create("Listener").Sugar().With("resourceId", resourceId)
	host, _ := os.Hostname()
	subscription := eventlog.Subscription{
		Topic:    cfg.EventTopic,
		Group:    eventlog.GroupName(cfg.ListenerService, resourceId),
		Consumer: fmt.Sprintf("%v-%v", host, os.Getpid()),
	}
	heartbeat := liveness.NewHeartbeat(tracker, cfg.HeartbeatInterval(), logger, resourceId)
	return New(resourceId, log, heartbeat, nil, subscription, logger)
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	if l.heartbeat != nil {
		go l.heartbeat.Run(ctx)
	}
	l.logger.Infof("listening topic[%v] group[%v] consumer[%v]", l.subscription.Topic, l.subscription.Group, l.subscription.Consumer)
	return l.log.Subscribe(ctx, l.subscription, l.handle)
}

func (l *Listener) handle(_ context.Context, d eventlog.Delivery) error {
	if d.Event.RoutingKey() != l.resourceId {
		return nil
	}

	l.seenLock.Lock()
	defer l.seenLock.Unlock()
	if _, ok := l.seen.Get(d.Envelope.Id); ok {
		l.logger.Debugf("skip duplicate event id[%v] type[%v]", d.Envelope.Id, d.Envelope.Type)
		return nil
	}

	if err := l.display.Show(d.Event, DisplayLine(d.Event)); err != nil {
		return err
	}

	l.seen.Put(d.Envelope.Id, struct{}{})
	if l.seen.Size() > seenLimit {
		it := l.seen.Iterator()
		if it.First() {
			l.seen.Remove(it.Key())
		}
	}
	return nil
}

// DisplayLine is the one line summary shown for an event.
func DisplayLine(ev msg.Event) string {
	switch e := ev.(type) {
	case *msg.PatientAssigned:
		return fmt.Sprintf("%v #%v %v age[%v] score[%v] tier[%v] service[%v] wait[%vm]",
			e.Type, e.QueueNumber, e.PatientName, e.PatientAge, e.PriorityScore, e.PriorityTier, e.ServiceName, e.AssignedCounter.EstimatedWaitTime)
	case *msg.PatientCalled:
		if e.Patient == nil {
			return string(e.Type)
		}
		return fmt.Sprintf("%v #%v %v score[%v] status[%v] calls[%v] skips[%v]",
			e.Type, e.Patient.QueueNumber, e.Patient.Name, e.Patient.PriorityScore, e.Patient.State, e.Patient.CallCount, e.Patient.SkipCount)
	case *msg.QueueItemStateChanged:
		return fmt.Sprintf("%v item[%v] %v -> %v", e.Type, e.ItemId, e.From, e.To)
	default:
		return string(ev.EventType())
	}
}
