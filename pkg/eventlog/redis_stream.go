package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/msg"
)

const (
	envelopeField = "envelope"
	keyField      = "key"
	typeField     = "type"

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

type RedisOptions struct {
	// Number of streams a topic is split into. Changing it reshuffles keys.
	Partitions int

	// Where a new group starts: "$" for new events only, "0" for the whole
	// retained log.
	StartFrom string

	// Approximate retention per stream, zero keeps everything.
	MaxLen int64

	BatchSize int64
	Block     time.Duration

	// A failing handler is retried on the same entry, starting at Retry and
	// growing up to RetryMax, until it succeeds or the subscription stops.
	Retry    time.Duration
	RetryMax time.Duration

	// Entries left unacknowledged by another member for this long are
	// claimed. Also the interval between claim scans.
	ClaimIdle time.Duration
}

// RedisLog maps a topic onto Partitions redis streams named topic:n.
type RedisLog struct {
	client  redis.UniversalClient
	options RedisOptions
	now     func() time.Time
	logger  *zap.SugaredLogger
}

func NewRedisLog(client redis.UniversalClient, options RedisOptions, logger *zap.SugaredLogger) *RedisLog {
	if options.Partitions <= 0 {
		options.Partitions = 1
	}
	if options.StartFrom == "" {
		options.StartFrom = "$"
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 10
	}
	if options.Block <= 0 {
		options.Block = 5 * time.Second
	}
	if options.Retry <= 0 {
		options.Retry = 100 * time.Millisecond
	}
	if options.RetryMax < options.Retry {
		options.RetryMax = 5 * time.Second
		if options.RetryMax < options.Retry {
			options.RetryMax = options.Retry
		}
	}
	if options.ClaimIdle <= 0 {
		options.ClaimIdle = time.Minute
	}
	return &RedisLog{
		client:  client,
		options: options,
		now:     time.Now,
		logger:  logger,
	}
}

func StreamName(topic string, partition int) string {
	return fmt.Sprintf("%v:%d", topic, partition)
}

func (l *RedisLog) partitionOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(l.options.Partitions))
}

func (l *RedisLog) streams(topic string) []string {
	out := make([]string, 0, l.options.Partitions)
	for i := 0; i < l.options.Partitions; i++ {
		out = append(out, StreamName(topic, i))
	}
	return out
}

func (l *RedisLog) Publish(ctx context.Context, topic string, ev msg.Event) (string, error) {
	env, err := msg.Encode(ev, l.now())
	if err != nil {
		return "", fmt.Errorf("encode %v: %w", ev.EventType(), err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	stream := StreamName(topic, l.partitionOf(env.Key))
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: l.options.MaxLen,
		Values: map[string]interface{}{
			keyField:      env.Key,
			typeField:     string(env.Type),
			envelopeField: string(raw),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd stream[%v]: %w", stream, err)
	}

	l.logger.Debugf("published type[%v] key[%v] stream[%v] id[%v]", env.Type, env.Key, stream, id)
	return id, nil
}

func (l *RedisLog) ensureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, l.options.StartFrom).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group[%v] on stream[%v]: %w", group, stream, err)
	}
	return nil
}

// Subscribe runs one loop per partition stream. A single XREADGROUP never
// spans partitions, so the streams of a topic may live in different cluster
// slots. Events of one key stay in one partition and keep their order.
func (l *RedisLog) Subscribe(ctx context.Context, sub Subscription, handler Handler) error {
	streams := l.streams(sub.Topic)
	for _, stream := range streams {
		if err := l.ensureGroup(ctx, stream, sub.Group); err != nil {
			return err
		}
	}
	l.logger.Infof("subscribed topic[%v] group[%v] consumer[%v] streams[%v]", sub.Topic, sub.Group, sub.Consumer, len(streams))

	var wg sync.WaitGroup
	for _, stream := range streams {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			l.consume(ctx, stream, sub, handler)
		}(stream)
	}
	wg.Wait()
	return nil
}

func (l *RedisLog) consume(ctx context.Context, stream string, sub Subscription, handler Handler) {
	if err := l.drainPending(ctx, stream, sub, handler); err != nil && ctx.Err() == nil {
		l.logger.Errorf("drain pending stream[%v] group[%v] consumer[%v] %v", stream, sub.Group, sub.Consumer, err)
	}

	var claimed time.Time
	for ctx.Err() == nil {
		if l.now().Sub(claimed) >= l.options.ClaimIdle {
			l.claimStale(ctx, stream, sub, handler)
			claimed = l.now()
		}

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			_, err := l.read(ctx, stream, ">", l.options.Block, sub, handler)
			if err != nil && ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(exponential(minBackoff, maxBackoff)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				l.logger.Errorf("read stream[%v] group[%v] failed, retry in backoff[%v] %v", stream, sub.Group, next, err)
			}),
		)
		if err != nil && ctx.Err() == nil {
			l.logger.Errorf("read stream[%v] group[%v] %v", stream, sub.Group, err)
		}
	}
}

// drainPending redelivers entries this consumer read before but never
// acknowledged, oldest first.
func (l *RedisLog) drainPending(ctx context.Context, stream string, sub Subscription, handler Handler) error {
	cursor := "0"
	for ctx.Err() == nil {
		last, err := l.read(ctx, stream, cursor, -1, sub, handler)
		if err != nil {
			return err
		}
		if last == "" {
			return nil
		}
		cursor = last
	}
	return nil
}

// claimStale takes over entries of the partition left unacknowledged for
// ClaimIdle: those of a member that went away, and this member's own after
// a failed XACK. Runs between reads on the partition's loop, never while
// one of its entries is being handled.
func (l *RedisLog) claimStale(ctx context.Context, stream string, sub Subscription, handler Handler) {
	pending, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  sub.Group,
		Idle:   l.options.ClaimIdle,
		Start:  "-",
		End:    "+",
		Count:  l.options.BatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warnf("xpending stream[%v] group[%v] %v", stream, sub.Group, err)
		}
		return
	}

	if len(pending) == 0 {
		return
	}
	ids := make([]string, 0, len(pending))
	for _, entry := range pending {
		ids = append(ids, entry.ID)
	}

	messages, err := l.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    sub.Group,
		Consumer: sub.Consumer,
		MinIdle:  l.options.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warnf("xclaim stream[%v] group[%v] ids[%v] %v", stream, sub.Group, ids, err)
		}
		return
	}

	l.logger.Infof("claimed stale entries[%v] stream[%v] group[%v] consumer[%v]", len(messages), stream, sub.Group, sub.Consumer)
	for _, message := range messages {
		if !l.deliver(ctx, stream, sub, message, handler) {
			return
		}
	}
}

// read performs one XREADGROUP on a single stream and handles every
// returned entry in order. Returns the id of the last entry handled.
func (l *RedisLog) read(ctx context.Context, stream, id string, block time.Duration, sub Subscription, handler Handler) (string, error) {
	result, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sub.Group,
		Consumer: sub.Consumer,
		Streams:  []string{stream, id},
		Count:    l.options.BatchSize,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	last := ""
	for _, s := range result {
		for _, message := range s.Messages {
			if !l.deliver(ctx, s.Stream, sub, message, handler) {
				return last, nil
			}
			last = message.ID
		}
	}
	return last, nil
}

// deliver hands one entry to handler and acknowledges it. A failing
// handler is retried on the same entry so later entries of the partition
// wait behind it. Returns false when ctx ended first; the entry then stays
// pending for the next start.
func (l *RedisLog) deliver(ctx context.Context, stream string, sub Subscription, message redis.XMessage, handler Handler) bool {
	raw, _ := message.Values[envelopeField].(string)
	env, err := msg.ParseEnvelope([]byte(raw))
	if err != nil {
		l.logger.Warnf("skip malformed entry stream[%v] id[%v] %v", stream, message.ID, err)
		l.ack(ctx, stream, sub.Group, message.ID)
		return true
	}

	ev, err := msg.Decode(env)
	if err != nil {
		l.logger.Warnf("skip malformed event stream[%v] id[%v] type[%v] %v", stream, message.ID, env.Type, err)
		l.ack(ctx, stream, sub.Group, message.ID)
		return true
	}
	if unknown, ok := ev.(*msg.Unknown); ok {
		l.logger.Infof("skip unknown event stream[%v] id[%v] type[%v]", stream, message.ID, unknown.Type)
		l.ack(ctx, stream, sub.Group, message.ID)
		return true
	}

	delivery := Delivery{Id: message.ID, Envelope: env, Event: ev}
	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, handler(ctx, delivery)
	},
		backoff.WithBackOff(exponential(l.options.Retry, l.options.RetryMax)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Errorf("handler failed group[%v] stream[%v] id[%v] type[%v] attempt[%v], retry in backoff[%v] %v", sub.Group, stream, message.ID, env.Type, attempt, next, err)
		}),
	)
	if err != nil {
		l.logger.Warnf("stopped before handling group[%v] stream[%v] id[%v], left pending", sub.Group, stream, message.ID)
		return false
	}
	l.ack(ctx, stream, sub.Group, message.ID)
	return true
}

func (l *RedisLog) ack(ctx context.Context, stream, group, id string) {
	if err := l.client.XAck(ctx, stream, group, id).Err(); err != nil {
		l.logger.Errorf("xack stream[%v] group[%v] id[%v] %v", stream, group, id, err)
	}
}

func exponential(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	return b
}
