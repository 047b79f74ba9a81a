package eventlog

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/msg"
)

// MemoryLog is a single process Log. Topics are not partitioned, a topic
// is totally ordered which also orders every key.
type MemoryLog struct {
	topics map[string]*memoryTopic
	lock   sync.Mutex

	// True starts new groups at the beginning of the log instead of the end.
	FromBeginning bool

	// First delay before a failed handler is tried again on the same
	// event. Later events of the consumer wait behind it.
	RedeliverDelay time.Duration

	now    func() time.Time
	logger *zap.SugaredLogger
}

type memoryTopic struct {
	entries []memoryEntry
	groups  map[string]*memoryGroup

	// Closed and replaced on every append to wake waiting consumers.
	appended chan struct{}
}

type memoryEntry struct {
	id  string
	raw []byte
}

type memoryGroup struct {
	next int

	// Entries a stopped consumer did not finish, ascending. Offered before
	// anything unread.
	retries []int
}

func NewMemoryLog(logger *zap.SugaredLogger) *MemoryLog {
	return &MemoryLog{
		topics:         make(map[string]*memoryTopic),
		RedeliverDelay: 100 * time.Millisecond,
		now:            time.Now,
		logger:         logger,
	}
}

func (l *MemoryLog) topic(name string) *memoryTopic {
	t, ok := l.topics[name]
	if !ok {
		t = &memoryTopic{
			groups:   make(map[string]*memoryGroup),
			appended: make(chan struct{}),
		}
		l.topics[name] = t
	}
	return t
}

func (l *MemoryLog) Publish(_ context.Context, topic string, ev msg.Event) (string, error) {
	env, err := msg.Encode(ev, l.now())
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return l.AppendRaw(topic, raw), nil
}

// AppendRaw appends bytes as they are, whether or not they decode.
func (l *MemoryLog) AppendRaw(topic string, raw []byte) string {
	l.lock.Lock()
	defer l.lock.Unlock()

	t := l.topic(topic)
	id := strconv.Itoa(len(t.entries) + 1)
	t.entries = append(t.entries, memoryEntry{id: id, raw: raw})
	close(t.appended)
	t.appended = make(chan struct{})
	return id
}

// Len is the number of entries ever appended to a topic.
func (l *MemoryLog) Len(topic string) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.topic(topic).entries)
}

func (l *MemoryLog) Subscribe(ctx context.Context, sub Subscription, handler Handler) error {
	l.lock.Lock()
	t := l.topic(sub.Topic)
	if _, ok := t.groups[sub.Group]; !ok {
		g := &memoryGroup{}
		if !l.FromBeginning {
			g.next = len(t.entries)
		}
		t.groups[sub.Group] = g
	}
	l.lock.Unlock()

	l.logger.Infof("subscribed topic[%v] group[%v] consumer[%v]", sub.Topic, sub.Group, sub.Consumer)

	for {
		index, entry, wait, ok := l.claim(sub)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
			}
			continue
		}

		if !l.deliver(ctx, sub, entry, handler) {
			l.release(sub, index)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// claim hands the next entry of the group to one consumer: a released
// entry first, then the next unread entry.
func (l *MemoryLog) claim(sub Subscription) (int, memoryEntry, <-chan struct{}, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	t := l.topics[sub.Topic]
	g := t.groups[sub.Group]

	if len(g.retries) > 0 {
		index := g.retries[0]
		g.retries = g.retries[1:]
		return index, t.entries[index], nil, true
	}

	if g.next < len(t.entries) {
		index := g.next
		g.next++
		return index, t.entries[index], nil, true
	}
	return 0, memoryEntry{}, t.appended, false
}

// release gives an unfinished entry back to the group and wakes waiting
// consumers.
func (l *MemoryLog) release(sub Subscription, index int) {
	l.lock.Lock()
	defer l.lock.Unlock()

	t := l.topics[sub.Topic]
	g := t.groups[sub.Group]
	at := sort.SearchInts(g.retries, index)
	g.retries = append(g.retries, 0)
	copy(g.retries[at+1:], g.retries[at:])
	g.retries[at] = index

	close(t.appended)
	t.appended = make(chan struct{})
}

// deliver reports false when ctx ended before the handler succeeded and
// the entry must be offered again.
func (l *MemoryLog) deliver(ctx context.Context, sub Subscription, entry memoryEntry, handler Handler) bool {
	env, err := msg.ParseEnvelope(entry.raw)
	if err != nil {
		l.logger.Warnf("skip malformed entry topic[%v] id[%v] %v", sub.Topic, entry.id, err)
		return true
	}
	ev, err := msg.Decode(env)
	if err != nil {
		l.logger.Warnf("skip malformed event topic[%v] id[%v] type[%v] %v", sub.Topic, entry.id, env.Type, err)
		return true
	}
	if unknown, ok := ev.(*msg.Unknown); ok {
		l.logger.Infof("skip unknown event topic[%v] id[%v] type[%v]", sub.Topic, entry.id, unknown.Type)
		return true
	}

	delay := l.RedeliverDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	delivery := Delivery{Id: entry.id, Envelope: env, Event: ev}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, handler(ctx, delivery)
	},
		backoff.WithBackOff(exponential(delay, 5*time.Second)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Errorf("handler failed group[%v] id[%v] type[%v], retry in backoff[%v] %v", sub.Group, entry.id, env.Type, next, err)
		}),
	)
	return err == nil
}
