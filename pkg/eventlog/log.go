package eventlog

import (
	"context"

	"revita/clinic/dispatch-queue-server/pkg/msg"
)

// Log is a durable, partitioned, append-only event log. Events with the
// same key are delivered in publish order. Each consumer group receives
// every event; consumers inside a group compete for them.
type Log interface {
	Publish(ctx context.Context, topic string, ev msg.Event) (string, error)

	// Subscribe blocks, delivering events to handler until ctx is done. A
	// handler error retries the same event with backoff; events of the same
	// key wait behind it. An event unfinished when ctx ends stays
	// unacknowledged and is delivered first on the next start. Undecodable
	// events are logged and skipped. Handler may be called concurrently for
	// events of different partitions.
	Subscribe(ctx context.Context, sub Subscription, handler Handler) error
}

type Subscription struct {
	Topic string
	Group string

	// Name of this member of the group. Must be stable across restarts to
	// pick up its own unacknowledged events.
	Consumer string
}

type Delivery struct {
	// Position in the log.
	Id       string
	Envelope msg.Envelope
	Event    msg.Event
}

type Handler func(ctx context.Context, d Delivery) error

// GroupName is the consumer group of a per resource listener.
func GroupName(service, resourceId string) string {
	return service + "-" + resourceId
}
