package client

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/config"
	"revita/clinic/dispatch-queue-server/pkg/eventlog"
	"revita/clinic/dispatch-queue-server/pkg/infra"
	"revita/clinic/dispatch-queue-server/pkg/msg"
)

// FanoutGroup is the consumer group every fan-out instance shares.
const FanoutGroup = "fanout"

// Relay forwards events from the log to the websocket channels of their
// resource.
type Relay struct {
	log      eventlog.Log
	hub      *Hub
	topic    string
	consumer string
	logger   *zap.SugaredLogger
}

func NewRelay(log eventlog.Log, hub *Hub, topic, consumer string, logger *zap.SugaredLogger) *Relay {
	return &Relay{log: log, hub: hub, topic: topic, consumer: consumer, logger: logger}
}

func ProvideRelay(cfg *config.Config, log eventlog.Log, hub *Hub, loggerFactory *infra.LoggerFactory) *Relay {
	host, _ := os.Hostname()
	return NewRelay(log, hub, cfg.EventTopic, fmt.Sprintf("%v-%v", host, os.Getpid()), loggerFactory.Create("Relay").Sugar())
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	return r.log.Subscribe(ctx, eventlog.Subscription{
		Topic:    r.topic,
		Group:    FanoutGroup,
		Consumer: r.consumer,
	}, r.handle)
}

// handle never fails: a broadcast is fire and forget, clients reconcile
// through the queue snapshot.
func (r *Relay) handle(_ context.Context, d eventlog.Delivery) error {
	message, err := msg.EventMessage(d.Event)
	if err != nil {
		r.logger.Errorf("cannot marshal event id[%v] type[%v] %v", d.Envelope.Id, d.Envelope.Type, err)
		return nil
	}

	channels := ChannelsFor(d.Event)
	for _, channel := range channels {
		r.hub.Broadcast(channel, message)
	}
	r.logger.Debugf("relayed type[%v] key[%v] channels[%v]", d.Envelope.Type, d.Envelope.Key, channels)
	return nil
}
