package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/emirpasic/gods/maps/hashmap"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/trees/redblacktree"

	"revita/clinic/dispatch-queue-server/pkg/errs"
)

const historyLimit = 50

// Queue holds every live item of one resource. It is not safe for
// concurrent use; callers serialize access per resource.
type Queue struct {
	ResourceId string

	// Callable items (WAITING, RETURNING) ordered by byPriority. Keys must
	// not be mutated while in the tree: remove, change, reinsert.
	waiting *redblacktree.Tree

	// The single PREPARING or SERVING item, nil when idle.
	current *Item

	// Items out for results. Key value: item.Id -> item.
	awaiting *linkedhashmap.Map

	// Skipped items with a scheduled re-entry, in skip order. Key value:
	// item.Id -> item.
	skipped *linkedhashmap.Map

	// Every live item. Key value: item.Id -> item.
	items *hashmap.Map

	// Items finished this session, most recent last.
	history *arraylist.List

	// Number of calls so far. Skip re-entries are scheduled against it.
	turn int64

	seq uint64

	// Daily queue number sequence.
	seqDay  string
	daySeq  int
	dayZone *time.Location

	Stats *Stats
}

func New(resourceId string, stats *Stats) *Queue {
	return &Queue{
		ResourceId: resourceId,
		waiting:    redblacktree.NewWith(byPriority),
		awaiting:   linkedhashmap.New(),
		skipped:    linkedhashmap.New(),
		items:      hashmap.New(),
		history:    arraylist.New(),
		dayZone:    time.Local,
		Stats:      stats,
	}
}

// ActiveCount is the number of items counting toward capacity.
func (q *Queue) ActiveCount() int {
	n := q.waiting.Size()
	if q.current != nil {
		n++
	}
	return n
}

func (q *Queue) Len() int {
	return q.waiting.Size()
}

func (q *Queue) Turn() int64 {
	return q.turn
}

func (q *Queue) Get(id string) (*Item, bool) {
	value, ok := q.items.Get(id)
	if !ok {
		return nil, false
	}
	return value.(*Item), true
}

// Admit inserts a callable item if the resource has room for it.
func (q *Queue) Admit(item *Item, capacity int) error {
	if !item.State.Callable() {
		return errs.New(errs.InvalidTransition, "item[%v] in state %v cannot be queued", item.Id, item.State)
	}
	if q.ActiveCount()+1 > capacity {
		return errs.New(errs.CapacityExceeded, "resource[%v] is full with %v of %v", q.ResourceId, q.ActiveCount(), capacity)
	}
	q.insert(item)
	return nil
}

func (q *Queue) insert(item *Item) {
	if item.Seq == 0 {
		q.seq++
		item.Seq = q.seq
	} else if item.Seq > q.seq {
		q.seq = item.Seq
	}
	item.ResourceId = q.ResourceId
	q.waiting.Put(item, struct{}{})
	q.items.Put(item.Id, item)
}

// NextSeq reserves an insertion sequence for an item persisted before it
// is admitted.
func (q *Queue) NextSeq() uint64 {
	q.seq++
	return q.seq
}

func (q *Queue) Peek() (*Item, bool) {
	node := q.waiting.Left()
	if node == nil {
		return nil, false
	}
	return node.Key.(*Item), true
}

// Next pops the best callable item and makes it current in PREPARING.
func (q *Queue) Next(now time.Time) (*Item, error) {
	if q.current != nil {
		return nil, errs.New(errs.InvalidTransition, "resource[%v] is busy with item[%v]", q.ResourceId, q.current.Id)
	}
	item, ok := q.Peek()
	if !ok {
		return nil, errs.New(errs.Empty, "no item waiting at resource[%v]", q.ResourceId)
	}
	if err := item.Transition(Preparing, now); err != nil {
		return nil, err
	}
	q.waiting.Remove(item)
	q.current = item
	return item, nil
}

func (q *Queue) Current() *Item {
	return q.current
}

// SetCurrent makes an item that is not in the waiting tree current.
func (q *Queue) SetCurrent(item *Item) {
	q.current = item
	q.items.Put(item.Id, item)
}

// ReleaseCurrent clears the current slot and returns what was in it.
func (q *Queue) ReleaseCurrent() *Item {
	item := q.current
	q.current = nil
	return item
}

// Requeue puts a callable item back into the waiting tree without a
// capacity check, it already held a slot.
func (q *Queue) Requeue(item *Item) {
	q.insert(item)
}

// Remove drops an item from wherever it lives, reporting whether it existed.
func (q *Queue) Remove(id string) (*Item, bool) {
	item, ok := q.Get(id)
	if !ok {
		return nil, false
	}
	q.waiting.Remove(item)
	q.awaiting.Remove(id)
	q.skipped.Remove(id)
	if q.current == item {
		q.current = nil
	}
	q.items.Remove(id)
	return item, true
}

// Forget drops a terminal item from the live index.
func (q *Queue) Forget(item *Item) {
	q.items.Remove(item.Id)
}

func (q *Queue) Park(item *Item) {
	q.awaiting.Put(item.Id, item)
	q.items.Put(item.Id, item)
}

func (q *Queue) Unpark(id string) (*Item, bool) {
	value, ok := q.awaiting.Get(id)
	if !ok {
		return nil, false
	}
	q.awaiting.Remove(id)
	return value.(*Item), true
}

func (q *Queue) ScheduleReentry(item *Item, afterTurns int) {
	item.ReentryTurn = q.turn + int64(afterTurns)
	q.skipped.Put(item.Id, item)
	q.items.Put(item.Id, item)
}

// HasSkipped reports whether any skipped item is waiting for re-entry.
func (q *Queue) HasSkipped() bool {
	return !q.skipped.Empty()
}

// RebaseTurn sets the call counter of a restored queue. The counter is never
// set so low that a skipped item is more than reentryTurns calls away.
func (q *Queue) RebaseTurn(stored int64, reentryTurns int) {
	turn := stored
	it := q.skipped.Iterator()
	for it.Next() {
		if floor := it.Value().(*Item).ReentryTurn - int64(reentryTurns); floor > turn {
			turn = floor
		}
	}
	q.turn = turn
}

// HasDue reports whether a re-entry becomes due by the next call.
func (q *Queue) HasDue() bool {
	it := q.skipped.Iterator()
	for it.Next() {
		if it.Value().(*Item).ReentryTurn <= q.turn+1 {
			return true
		}
	}
	return false
}

// AdvanceTurn counts a call and releases skipped items whose re-entry is
// due, as long as the resource has room. Returns the released items.
func (q *Queue) AdvanceTurn(now time.Time, capacity int) []*Item {
	q.turn++

	var due []*Item
	it := q.skipped.Iterator()
	for it.Next() {
		item := it.Value().(*Item)
		if item.ReentryTurn <= q.turn {
			due = append(due, item)
		}
	}

	var released []*Item
	for _, item := range due {
		if q.ActiveCount() >= capacity {
			break
		}
		if err := item.Transition(Waiting, now); err != nil {
			continue
		}
		q.skipped.Remove(item.Id)
		q.insert(item)
		released = append(released, item)
	}
	return released
}

// RecallSkipped releases the earliest skipped item now.
func (q *Queue) RecallSkipped(now time.Time, capacity int) (*Item, error) {
	it := q.skipped.Iterator()
	if !it.First() {
		return nil, errs.New(errs.NotFound, "no skipped item at resource[%v]", q.ResourceId)
	}
	item := it.Value().(*Item)
	if q.ActiveCount()+1 > capacity {
		return nil, errs.New(errs.CapacityExceeded, "resource[%v] is full", q.ResourceId)
	}
	if err := item.Transition(Waiting, now); err != nil {
		return nil, err
	}
	q.skipped.Remove(item.Id)
	q.insert(item)
	return item, nil
}

// PushHistory records a finished item. An item already in history moves to
// the end.
func (q *Queue) PushHistory(item *Item) {
	if index, _ := q.history.Find(func(_ int, value interface{}) bool {
		return value.(*Item).Id == item.Id
	}); index >= 0 {
		q.history.Remove(index)
	}
	if q.history.Size() >= historyLimit {
		q.history.Remove(0)
	}
	q.history.Add(item)
}

// PopHistory removes the most recently finished item.
func (q *Queue) PopHistory() (*Item, bool) {
	if q.history.Empty() {
		return nil, false
	}
	last := q.history.Size() - 1
	value, _ := q.history.Get(last)
	q.history.Remove(last)
	return value.(*Item), true
}

// Waiting returns callable items in call order.
func (q *Queue) Waiting() []*Item {
	out := make([]*Item, 0, q.waiting.Size())
	it := q.waiting.Iterator()
	for it.Next() {
		out = append(out, it.Key().(*Item))
	}
	return out
}

func (q *Queue) Skipped() []*Item {
	return linkedValues(q.skipped)
}

func (q *Queue) Awaiting() []*Item {
	return linkedValues(q.awaiting)
}

// History returns finished items, most recent first.
func (q *Queue) History() []*Item {
	out := make([]*Item, 0, q.history.Size())
	for i := q.history.Size() - 1; i >= 0; i-- {
		value, _ := q.history.Get(i)
		out = append(out, value.(*Item))
	}
	return out
}

// Position of a callable item, 0 for the next one to be called.
func (q *Queue) Position(id string) (int, bool) {
	position := 0
	it := q.waiting.Iterator()
	for it.Next() {
		if it.Key().(*Item).Id == id {
			return position, true
		}
		position++
	}
	return 0, false
}

// NextQueueNumber returns code-NNN from a sequence that restarts every day.
func (q *Queue) NextQueueNumber(code string, now time.Time) string {
	day := now.In(q.dayZone).Format("20060102")
	if day != q.seqDay {
		q.seqDay = day
		q.daySeq = 0
	}
	q.daySeq++
	return fmt.Sprintf("%v-%03d", code, q.daySeq)
}

// Restore puts a persisted item back where its state says it belongs.
func (q *Queue) Restore(item *Item) {
	switch item.State {
	case Waiting, Returning:
		q.insert(item)
	case Preparing, Serving:
		if q.current == nil {
			q.SetCurrent(item)
			return
		}
		// Two current items can only come from a crash between writes,
		// the later one goes back to the queue.
		item.State = Waiting
		q.insert(item)
	case WaitingResult:
		q.Park(item)
	case Skipped:
		if item.ReentryTurn > 0 {
			q.skipped.Put(item.Id, item)
			q.items.Put(item.Id, item)
		}
	}
	if item.Seq > q.seq {
		q.seq = item.Seq
	}
	day := item.EnqueuedAt.In(q.dayZone).Format("20060102")
	if n, ok := parseQueueNumber(item.QueueNumber); ok && (day > q.seqDay || (day == q.seqDay && n > q.daySeq)) {
		q.seqDay = day
		q.daySeq = n
	}
}

func parseQueueNumber(number string) (int, bool) {
	for i := len(number) - 1; i >= 0; i-- {
		if number[i] == '-' {
			var n int
			if _, err := fmt.Sscanf(number[i+1:], "%d", &n); err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

func linkedValues(m *linkedhashmap.Map) []*Item {
	out := make([]*Item, 0, m.Size())
	it := m.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Item))
	}
	return out
}

// Store keeps one Queue per resource id.
type Store struct {
	queues map[string]*Queue
	lock   sync.Mutex

	initAvgServiceDuration time.Duration
	windowSize             int
}

func NewStore(initAvgServiceDuration time.Duration, windowSize int) *Store {
	return &Store{
		queues:                 make(map[string]*Queue),
		initAvgServiceDuration: initAvgServiceDuration,
		windowSize:             windowSize,
	}
}

// Queue returns the queue of a resource, creating it on first use.
func (s *Store) Queue(resourceId string) *Queue {
	s.lock.Lock()
	defer s.lock.Unlock()

	q, ok := s.queues[resourceId]
	if !ok {
		q = New(resourceId, NewStats(s.initAvgServiceDuration, s.windowSize))
		s.queues[resourceId] = q
	}
	return q
}

// QueueWithDefault is Queue with a per resource initial service duration.
func (s *Store) QueueWithDefault(resourceId string, initAvgServiceDuration time.Duration) *Queue {
	s.lock.Lock()
	defer s.lock.Unlock()

	q, ok := s.queues[resourceId]
	if !ok {
		if initAvgServiceDuration <= 0 {
			initAvgServiceDuration = s.initAvgServiceDuration
		}
		q = New(resourceId, NewStats(initAvgServiceDuration, s.windowSize))
		s.queues[resourceId] = q
	}
	return q
}
