package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/eventlog"
	"revita/clinic/dispatch-queue-server/pkg/liveness"
	"revita/clinic/dispatch-queue-server/pkg/msg"
	"revita/clinic/dispatch-queue-server/pkg/priority"
	"revita/clinic/dispatch-queue-server/pkg/queue"
	"revita/clinic/dispatch-queue-server/pkg/resource"
)

type fakeStore struct {
	lock      sync.Mutex
	resources map[string]resource.Resource
	items     map[string]*queue.Item
	turns     map[string]int64

	// Number of upcoming SaveItem calls that fail with a transient error.
	failSaves int
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		resources: make(map[string]resource.Resource),
		items:     make(map[string]*queue.Item),
		turns:     make(map[string]int64),
	}
}

func (s *fakeStore) ListResources(context.Context) ([]resource.Resource, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []resource.Resource
	for _, r := range s.resources {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) SaveResource(_ context.Context, r resource.Resource) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.resources[r.Id] = r
	return nil
}

func (s *fakeStore) SaveItem(_ context.Context, item *queue.Item) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.saveCalls++
	if s.failSaves > 0 {
		s.failSaves--
		return errs.Transient(errors.New("database is locked"), "save item[%v]", item.Id)
	}
	s.items[item.Id] = item.Clone()
	return nil
}

func (s *fakeStore) ListActiveItems(context.Context) ([]*queue.Item, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*queue.Item
	for _, item := range s.items {
		if item.State.Terminal() || (item.State == queue.Skipped && item.ReentryTurn == 0) {
			continue
		}
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceId != out[j].ResourceId {
			return out[i].ResourceId < out[j].ResourceId
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *fakeStore) SaveTurn(_ context.Context, resourceId string, turn int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.turns[resourceId] = turn
	return nil
}

func (s *fakeStore) ListTurns(context.Context) (map[string]int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make(map[string]int64, len(s.turns))
	for id, turn := range s.turns {
		out[id] = turn
	}
	return out, nil
}

func (s *fakeStore) stored(id string) *queue.Item {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.items[id]
}

type recordingLog struct {
	lock   sync.Mutex
	events []msg.Event
	fail   bool
}

func (l *recordingLog) Publish(_ context.Context, _ string, ev msg.Event) (string, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.fail {
		return "", errors.New("connection refused")
	}
	l.events = append(l.events, ev)
	return "", nil
}

func (l *recordingLog) Subscribe(ctx context.Context, _ eventlog.Subscription, _ eventlog.Handler) error {
	<-ctx.Done()
	return nil
}

func (l *recordingLog) types() []msg.EventType {
	l.lock.Lock()
	defer l.lock.Unlock()
	var out []msg.EventType
	for _, ev := range l.events {
		out = append(out, ev.EventType())
	}
	return out
}

func (l *recordingLog) last() msg.Event {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.events) == 0 {
		return nil
	}
	return l.events[len(l.events)-1]
}

type fixture struct {
	alloc    *Allocator
	registry *resource.Registry
	store    *fakeStore
	tracker  *liveness.MemoryTracker
	log      *recordingLog
	options  Options

	clockLock sync.Mutex
	clock     time.Time
}

func (f *fixture) now() time.Time {
	f.clockLock.Lock()
	defer f.clockLock.Unlock()
	return f.clock
}

func (f *fixture) tick() {
	f.clockLock.Lock()
	defer f.clockLock.Unlock()
	f.clock = f.clock.Add(time.Second)
}

func testOptions() Options {
	return Options{
		Topic:            "counter.assignments",
		CounterPolicy:    priority.Linear{},
		BoothPolicy:      priority.ClassSeparated{},
		SkipReentryTurns: 3,
		MaxCallCount:     5,
		RetryAttempts:    3,
		RetryBackoff:     time.Millisecond,
	}
}

func setup(t *testing.T, options Options, resources ...resource.Resource) *fixture {
	t.Helper()
	f := &fixture{
		store:   newFakeStore(),
		tracker: liveness.NewMemoryTracker(30 * time.Second),
		log:     &recordingLog{},
		options: options,
		clock:   time.Date(2024, 5, 6, 8, 0, 0, 0, time.Local),
	}
	f.tracker.Now = f.now
	f.registry = resource.NewRegistry(f.store, f.tracker, zap.NewNop().Sugar())

	ctx := context.Background()
	for _, res := range resources {
		_, err := f.registry.Provision(ctx, res)
		require.NoError(t, err)
		require.NoError(t, f.tracker.SetOnline(ctx, res.Id))
	}

	f.alloc = f.newAllocator()
	return f
}

// newAllocator builds another allocator over the same store, as after a
// restart.
func (f *fixture) newAllocator() *Allocator {
	alloc := NewAllocator(f.registry, queue.NewStore(15*time.Minute, 50), f.store, f.log, nil, f.options, zap.NewNop().Sugar())
	alloc.now = f.now
	return alloc
}

func counter(id, code string, capacity int) resource.Resource {
	return resource.Resource{Id: id, Kind: resource.Counter, Code: code, Name: "Counter " + code, Capacity: capacity, Active: true, StaffName: "Lan"}
}

func booth(id, code string, capacity int) resource.Resource {
	return resource.Resource{Id: id, Kind: resource.Booth, Code: code, Name: "Booth " + code, Capacity: capacity, Active: true}
}

func (f *fixture) enqueue(t *testing.T, resourceId, profileId string, age int) *queue.Item {
	t.Helper()
	f.tick()
	item, err := f.alloc.Enqueue(context.Background(), EnqueueRequest{
		ResourceId: resourceId,
		Patient:    queue.Patient{ProfileId: profileId, Name: profileId},
		Factors:    priority.Factors{Age: age},
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) call(t *testing.T, resourceId string) *queue.Item {
	t.Helper()
	f.tick()
	item, err := f.alloc.CallNext(context.Background(), resourceId)
	require.NoError(t, err)
	return item
}

// serve calls, starts and completes the next item.
func (f *fixture) serve(t *testing.T, resourceId string) *queue.Item {
	t.Helper()
	ctx := context.Background()
	item := f.call(t, resourceId)
	f.tick()
	_, err := f.alloc.Start(ctx, resourceId)
	require.NoError(t, err)
	f.tick()
	_, err = f.alloc.Complete(ctx, resourceId)
	require.NoError(t, err)
	return item
}

func TestEnqueueOrdersByPriority(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	young := f.enqueue(t, "c1", "young", 30)
	elder := f.enqueue(t, "c1", "elder", 70)
	f.enqueue(t, "c1", "later", 31)

	assert.Equal(t, "A-001", young.QueueNumber)
	assert.Equal(t, "A-002", elder.QueueNumber)
	assert.Equal(t, queue.Waiting, elder.State)
	assert.Equal(t, priority.Medium, elder.Score.Tier)

	first := f.call(t, "c1")
	assert.Equal(t, elder.Id, first.Id)
	assert.Equal(t, queue.Preparing, first.State)
	assert.Equal(t, 1, first.CallCount)

	again := f.call(t, "c1")
	assert.Equal(t, first.Id, again.Id)
	assert.Equal(t, 1, again.CallCount)

	_, err := f.alloc.Start(ctx, "c1")
	require.NoError(t, err)
	done, err := f.alloc.Complete(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, queue.Completed, done.State)
	assert.Equal(t, queue.Completed, f.store.stored(elder.Id).State)

	second := f.call(t, "c1")
	assert.Equal(t, young.Id, second.Id)

	assert.Equal(t, []msg.EventType{
		msg.PatientAssignedType, msg.PatientAssignedType, msg.PatientAssignedType,
		msg.NextPatientCalledType,
		msg.QueueItemStateChangedType, msg.QueueItemStateChangedType,
		msg.NextPatientCalledType,
	}, f.log.types())
}

func TestAssignedEventCarriesCounterAndWait(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))

	f.enqueue(t, "c1", "p1", 30)
	f.enqueue(t, "c1", "p2", 30)

	ev, ok := f.log.last().(*msg.PatientAssigned)
	require.True(t, ok)
	assert.Equal(t, "c1", ev.RoutingKey())
	assert.Equal(t, "A", ev.AssignedCounter.CounterCode)
	assert.Equal(t, "Lan", ev.AssignedCounter.ReceptionistName)
	assert.Equal(t, 15, ev.AssignedCounter.EstimatedWaitTime)
	assert.Equal(t, "A-002", ev.QueueNumber)
	assert.Equal(t, "LOW", ev.PriorityTier)
}

func TestEnqueueExplicitTargetRejections(t *testing.T) {
	inactive := counter("c2", "B", 10)
	inactive.Active = false
	f := setup(t, testOptions(), counter("c1", "A", 1), inactive, counter("c3", "C", 10))
	ctx := context.Background()
	require.NoError(t, f.tracker.SetOffline(ctx, "c3"))

	req := func(id string) EnqueueRequest {
		return EnqueueRequest{ResourceId: id, Patient: queue.Patient{ProfileId: "p"}, Factors: priority.Factors{Age: 40}}
	}

	_, err := f.alloc.Enqueue(ctx, req("nope"))
	assert.True(t, errs.Has(err, errs.NotFound))

	_, err = f.alloc.Enqueue(ctx, req("c2"))
	assert.True(t, errs.Has(err, errs.ResourceInactive))

	_, err = f.alloc.Enqueue(ctx, req("c3"))
	assert.True(t, errs.Has(err, errs.ResourceOffline))

	_, err = f.alloc.Enqueue(ctx, req("c1"))
	require.NoError(t, err)
	_, err = f.alloc.Enqueue(ctx, req("c1"))
	assert.True(t, errs.Has(err, errs.CapacityExceeded))

	_, err = f.alloc.Enqueue(ctx, EnqueueRequest{ResourceId: "c1"})
	assert.True(t, errs.Has(err, errs.Validation))

	_, err = f.alloc.Enqueue(ctx, EnqueueRequest{ResourceId: "c1", Patient: queue.Patient{ProfileId: "p"}, Factors: priority.Factors{Age: 200}})
	assert.True(t, errs.Has(err, errs.Validation))
}

func TestEnqueueAutoSelection(t *testing.T) {
	fast := counter("c1", "A", 1)
	fast.AvgServiceMinutes = 1
	slow := counter("c2", "B", 5)
	slow.AvgServiceMinutes = 29
	f := setup(t, testOptions(), fast, slow)
	ctx := context.Background()

	auto := EnqueueRequest{Kind: resource.Counter, Patient: queue.Patient{ProfileId: "p"}, Factors: priority.Factors{Age: 40}}

	first, err := f.alloc.Enqueue(ctx, auto)
	require.NoError(t, err)
	assert.Equal(t, "c1", first.ResourceId)

	// c1 still scores higher but is full.
	second, err := f.alloc.Enqueue(ctx, auto)
	require.NoError(t, err)
	assert.Equal(t, "c2", second.ResourceId)

	require.NoError(t, f.tracker.SetOffline(ctx, "c2"))
	_, err = f.alloc.Enqueue(ctx, auto)
	assert.True(t, errs.Has(err, errs.NoAvailableResource))

	require.NoError(t, f.tracker.SetOffline(ctx, "c1"))
	_, err = f.alloc.Enqueue(ctx, auto)
	assert.True(t, errs.Has(err, errs.NoAvailableResource))
}

func TestEnqueueAutoTieBreaksByCode(t *testing.T) {
	f := setup(t, testOptions(), counter("c2", "B", 5), counter("c1", "A", 5))

	item, err := f.alloc.Enqueue(context.Background(), EnqueueRequest{Patient: queue.Patient{ProfileId: "p"}, Factors: priority.Factors{Age: 40}})
	require.NoError(t, err)
	assert.Equal(t, "c1", item.ResourceId)
}

func TestLoadScore(t *testing.T) {
	assert.Equal(t, 100+30, loadScore(0, 15))
	assert.Equal(t, 0, loadScore(12, 45))
	assert.Equal(t, 50+60, loadScore(5, 0))
}

func TestCallNextOnEmptyQueueDoesNotMutate(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	_, err := f.alloc.CallNext(ctx, "c1")
	assert.True(t, errs.Has(err, errs.Empty))
	assert.Empty(t, f.log.types())

	snapshot, err := f.alloc.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.Turn)
}

func TestSkipReentersAfterTurns(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	skipped := f.enqueue(t, "c1", "elder", 70)
	for _, id := range []string{"w1", "w2", "w3"} {
		f.enqueue(t, "c1", id, 30)
	}

	assert.Equal(t, skipped.Id, f.call(t, "c1").Id)
	item, err := f.alloc.Skip(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, queue.Skipped, item.State)
	assert.Equal(t, 1, item.SkipCount)
	assert.Equal(t, int64(4), item.ReentryTurn)
	assert.Equal(t, msg.PatientSkippedType, f.log.last().EventType())

	assert.Equal(t, "w1", f.serve(t, "c1").Patient.ProfileId)
	assert.Equal(t, "w2", f.serve(t, "c1").Patient.ProfileId)

	back := f.call(t, "c1")
	assert.Equal(t, skipped.Id, back.Id)
	assert.Equal(t, 2, back.CallCount)
	assert.Equal(t, 1, back.SkipCount)
	assert.True(t, skipped.EnqueuedAt.Equal(back.EnqueuedAt))
}

func TestLoneSkippedPatientComesBack(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	skipped := f.enqueue(t, "c1", "p1", 30)
	f.call(t, "c1")
	_, err := f.alloc.Skip(ctx, "c1")
	require.NoError(t, err)

	// Re-entry is due at turn 4; turns 2 and 3 find nobody to call.
	for i := 0; i < 2; i++ {
		_, err = f.alloc.CallNext(ctx, "c1")
		assert.True(t, errs.Has(err, errs.Empty))
	}

	back := f.call(t, "c1")
	assert.Equal(t, skipped.Id, back.Id)
	assert.Equal(t, queue.Preparing, back.State)
	assert.Equal(t, int64(4), f.store.turns["c1"])
}

func TestReentryWaitsForCapacity(t *testing.T) {
	options := testOptions()
	options.SkipReentryTurns = 1
	f := setup(t, options, counter("c1", "A", 2))
	ctx := context.Background()

	skipped := f.enqueue(t, "c1", "elder", 70)
	f.call(t, "c1")
	_, err := f.alloc.Skip(ctx, "c1")
	require.NoError(t, err)

	f.enqueue(t, "c1", "w1", 30)
	f.enqueue(t, "c1", "w2", 30)

	// Turn 2 is due for the skipped item but both slots are taken.
	assert.Equal(t, "w1", f.call(t, "c1").Patient.ProfileId)
	snapshot, err := f.alloc.Snapshot(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, snapshot.Skipped, 1)
	assert.Equal(t, skipped.Id, snapshot.Skipped[0].Id)
}

func TestSkipCancelsAfterMaxCalls(t *testing.T) {
	options := testOptions()
	options.MaxCallCount = 2
	options.SkipReentryTurns = 1
	f := setup(t, options, counter("c1", "A", 10))
	ctx := context.Background()

	item := f.enqueue(t, "c1", "noshow", 30)

	f.call(t, "c1")
	_, err := f.alloc.Skip(ctx, "c1")
	require.NoError(t, err)

	again := f.call(t, "c1")
	assert.Equal(t, item.Id, again.Id)
	assert.Equal(t, 2, again.CallCount)

	cancelled, err := f.alloc.Skip(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, queue.Cancelled, cancelled.State)
	assert.Equal(t, queue.Cancelled, f.store.stored(item.Id).State)

	_, err = f.alloc.CallNext(ctx, "c1")
	assert.True(t, errs.Has(err, errs.Empty))
}

func TestRecallSkipped(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	_, err := f.alloc.RecallSkipped(ctx, "c1")
	assert.True(t, errs.Has(err, errs.NotFound))

	item := f.enqueue(t, "c1", "p1", 30)
	f.call(t, "c1")
	_, err = f.alloc.Skip(ctx, "c1")
	require.NoError(t, err)

	recalled, err := f.alloc.RecallSkipped(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, item.Id, recalled.Id)
	assert.Equal(t, queue.Waiting, recalled.State)
	assert.Zero(t, recalled.ReentryTurn)
	assert.Equal(t, msg.SkippedPatientRecalledType, f.log.last().EventType())

	assert.Equal(t, item.Id, f.call(t, "c1").Id)
}

func TestRequeueKeepsPlace(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	first := f.enqueue(t, "c1", "p1", 30)
	f.enqueue(t, "c1", "p2", 30)

	f.call(t, "c1")
	requeued, err := f.alloc.Requeue(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, queue.Waiting, requeued.State)
	assert.Equal(t, msg.CurrentPatientReturnedType, f.log.last().EventType())

	assert.Equal(t, first.Id, f.call(t, "c1").Id)
}

func TestReturnToPrevious(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	_, err := f.alloc.ReturnToPrevious(ctx, "c1")
	assert.True(t, errs.Has(err, errs.NotFound))

	a := f.enqueue(t, "c1", "a", 30)
	b := f.enqueue(t, "c1", "b", 30)
	f.serve(t, "c1")
	f.call(t, "c1")

	previous, err := f.alloc.ReturnToPrevious(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, a.Id, previous.Id)
	assert.Equal(t, queue.Serving, previous.State)
	assert.Equal(t, msg.ReturnPreviousPatientType, f.log.last().EventType())
	assert.Equal(t, queue.Waiting, f.store.stored(b.Id).State)

	snapshot, err := f.alloc.Snapshot(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, snapshot.Current)
	assert.Equal(t, a.Id, snapshot.Current.Id)
	require.Len(t, snapshot.Waiting, 1)
	assert.Equal(t, b.Id, snapshot.Waiting[0].Item.Id)
	assert.Empty(t, snapshot.History)
}

func TestReturnToPreviousRecallsSkipped(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	item := f.enqueue(t, "c1", "a", 30)
	f.call(t, "c1")
	_, err := f.alloc.Skip(ctx, "c1")
	require.NoError(t, err)

	previous, err := f.alloc.ReturnToPrevious(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, item.Id, previous.Id)
	assert.Equal(t, queue.Serving, previous.State)

	snapshot, err := f.alloc.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, snapshot.Skipped)
}

func TestReturnToPreviousChecksCapacity(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 1))
	ctx := context.Background()

	f.enqueue(t, "c1", "a", 30)
	f.serve(t, "c1")
	f.enqueue(t, "c1", "b", 30)

	_, err := f.alloc.ReturnToPrevious(ctx, "c1")
	assert.True(t, errs.Has(err, errs.CapacityExceeded))

	snapshot, err := f.alloc.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, snapshot.History, 1)
}

func TestResultRoundTrip(t *testing.T) {
	f := setup(t, testOptions(), booth("b1", "XR", 10))
	ctx := context.Background()

	other := f.enqueue(t, "b1", "other", 30)
	lab := f.enqueue(t, "b1", "lab", 70)
	assert.Equal(t, 440, lab.Score.Total)

	assert.Equal(t, lab.Id, f.call(t, "b1").Id)
	_, err := f.alloc.Start(ctx, "b1")
	require.NoError(t, err)
	parked, err := f.alloc.SendForResult(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, queue.WaitingResult, parked.State)

	assert.Equal(t, other.Id, f.call(t, "b1").Id)
	_, err = f.alloc.Start(ctx, "b1")
	require.NoError(t, err)

	returned, err := f.alloc.ReturnAfterResult(ctx, "b1", lab.Id)
	require.NoError(t, err)
	assert.Equal(t, queue.Returning, returned.State)
	assert.Equal(t, 10440, returned.Score.Total)
	assert.Equal(t, priority.VeryHigh, returned.Score.Tier)

	_, err = f.alloc.ReturnAfterResult(ctx, "b1", lab.Id)
	assert.True(t, errs.Has(err, errs.NotFound))

	_, err = f.alloc.Complete(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, lab.Id, f.call(t, "b1").Id)
}

func TestReturnAfterResultChecksCapacity(t *testing.T) {
	f := setup(t, testOptions(), booth("b1", "XR", 1))
	ctx := context.Background()

	lab := f.enqueue(t, "b1", "lab", 30)
	f.call(t, "b1")
	_, err := f.alloc.Start(ctx, "b1")
	require.NoError(t, err)
	_, err = f.alloc.SendForResult(ctx, "b1")
	require.NoError(t, err)

	f.enqueue(t, "b1", "walk-in", 30)

	_, err = f.alloc.ReturnAfterResult(ctx, "b1", lab.Id)
	assert.True(t, errs.Has(err, errs.CapacityExceeded))
}

func TestStartAndCompleteRequireTheRightState(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	_, err := f.alloc.Start(ctx, "c1")
	assert.True(t, errs.Has(err, errs.NotFound))

	f.enqueue(t, "c1", "p1", 30)
	f.call(t, "c1")

	_, err = f.alloc.Complete(ctx, "c1")
	assert.True(t, errs.Has(err, errs.InvalidTransition))
	_, err = f.alloc.SendForResult(ctx, "c1")
	assert.True(t, errs.Has(err, errs.InvalidTransition))

	_, err = f.alloc.Start(ctx, "c1")
	require.NoError(t, err)
	_, err = f.alloc.Start(ctx, "c1")
	assert.True(t, errs.Has(err, errs.InvalidTransition))
}

func TestCancel(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	current := f.enqueue(t, "c1", "p1", 70)
	waiting := f.enqueue(t, "c1", "p2", 30)
	f.call(t, "c1")

	_, err := f.alloc.Cancel(ctx, "c1", current.Id)
	assert.True(t, errs.Has(err, errs.InvalidTransition))

	_, err = f.alloc.Cancel(ctx, "c1", "missing")
	assert.True(t, errs.Has(err, errs.NotFound))

	cancelled, err := f.alloc.Cancel(ctx, "c1", waiting.Id)
	require.NoError(t, err)
	assert.Equal(t, queue.Cancelled, cancelled.State)
	assert.Equal(t, queue.Cancelled, f.store.stored(waiting.Id).State)

	snapshot, err := f.alloc.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, snapshot.Waiting)
}

func TestTransientStoreErrorsAreRetried(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	f.store.failSaves = 2
	item := f.enqueue(t, "c1", "p1", 30)
	assert.Equal(t, 3, f.store.saveCalls)
	assert.NotNil(t, f.store.stored(item.Id))

	f.store.failSaves = 3
	_, err := f.alloc.CallNext(ctx, "c1")
	assert.True(t, errs.IsTransient(err))

	snapshot, err := f.alloc.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, snapshot.Current)
	require.Len(t, snapshot.Waiting, 1)
	assert.Equal(t, queue.Waiting, snapshot.Waiting[0].Item.State)
}

func TestBusinessRejectionsAreNotRetried(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))

	calls := 0
	err := f.alloc.retry(context.Background(), "op", errs.IsTransient, func(context.Context) error {
		calls++
		return errs.New(errs.CapacityExceeded, "full")
	})
	assert.True(t, errs.Has(err, errs.CapacityExceeded))
	assert.Equal(t, 1, calls)
}

func TestPublishFailureDoesNotFailTheMutation(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	f.log.fail = true

	item := f.enqueue(t, "c1", "p1", 30)
	assert.NotNil(t, f.store.stored(item.Id))
	assert.Equal(t, item.Id, f.call(t, "c1").Id)
}

func TestRestoreRebuildsQueues(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	served := f.enqueue(t, "c1", "p1", 70)
	second := f.enqueue(t, "c1", "p2", 30)
	third := f.enqueue(t, "c1", "p3", 30)
	f.call(t, "c1")

	restarted := f.newAllocator()
	require.NoError(t, restarted.Restore(ctx))

	snapshot, err := restarted.Snapshot(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, snapshot.Current)
	assert.Equal(t, served.Id, snapshot.Current.Id)
	require.Len(t, snapshot.Waiting, 2)
	assert.Equal(t, second.Id, snapshot.Waiting[0].Item.Id)
	assert.Equal(t, third.Id, snapshot.Waiting[1].Item.Id)

	f.alloc = restarted
	next := f.enqueue(t, "c1", "p4", 30)
	assert.Equal(t, "A-004", next.QueueNumber)
}

func TestRestoreKeepsSkipReentryDistance(t *testing.T) {
	for name, forgetTurns := range map[string]bool{"stored turn": false, "lost turn": true} {
		t.Run(name, func(t *testing.T) {
			f := setup(t, testOptions(), counter("c1", "A", 20))
			ctx := context.Background()

			for i := 0; i < 10; i++ {
				f.enqueue(t, "c1", fmt.Sprintf("w%d", i), 30)
				f.serve(t, "c1")
			}
			skipped := f.enqueue(t, "c1", "late", 30)
			f.call(t, "c1")
			item, err := f.alloc.Skip(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, int64(14), item.ReentryTurn)

			if forgetTurns {
				f.store.lock.Lock()
				f.store.turns = make(map[string]int64)
				f.store.lock.Unlock()
			}
			f.alloc = f.newAllocator()
			require.NoError(t, f.alloc.Restore(ctx))

			snapshot, err := f.alloc.Snapshot(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, int64(11), snapshot.Turn)

			for i := 0; i < 2; i++ {
				_, err = f.alloc.CallNext(ctx, "c1")
				assert.True(t, errs.Has(err, errs.Empty))
			}
			assert.Equal(t, skipped.Id, f.call(t, "c1").Id)
		})
	}
}

func TestHistoryHoldsAnItemOnce(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10))
	ctx := context.Background()

	first := f.enqueue(t, "c1", "first", 30)
	f.serve(t, "c1")

	again := f.enqueue(t, "c1", "again", 30)
	f.call(t, "c1")
	_, err := f.alloc.Skip(ctx, "c1")
	require.NoError(t, err)
	_, err = f.alloc.RecallSkipped(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, again.Id, f.serve(t, "c1").Id)

	snapshot, err := f.alloc.Snapshot(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, snapshot.History, 2)
	assert.Equal(t, again.Id, snapshot.History[0].Id)
	assert.Equal(t, first.Id, snapshot.History[1].Id)

	previous, err := f.alloc.ReturnToPrevious(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, again.Id, previous.Id)
	_, err = f.alloc.Complete(ctx, "c1")
	require.NoError(t, err)

	// Completing again moves it to the top of history, the item before it
	// is next in line.
	snapshot, err = f.alloc.Snapshot(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, snapshot.History, 2)
	assert.Equal(t, again.Id, snapshot.History[0].Id)
	assert.Equal(t, first.Id, snapshot.History[1].Id)
}

func TestConcurrentEnqueueRespectsCapacity(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 5))
	ctx := context.Background()

	var wg sync.WaitGroup
	var lock sync.Mutex
	admitted, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.alloc.Enqueue(ctx, EnqueueRequest{ResourceId: "c1", Patient: queue.Patient{ProfileId: "p"}, Factors: priority.Factors{Age: 40}})
			lock.Lock()
			defer lock.Unlock()
			if err == nil {
				admitted++
			} else if errs.Has(err, errs.CapacityExceeded) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 15, rejected)

	statuses := f.alloc.Statuses(ctx, resource.Counter)
	require.Len(t, statuses, 1)
	assert.Equal(t, 5, statuses[0].ActiveCount)
	assert.False(t, statuses[0].Available)
}

func TestStatuses(t *testing.T) {
	f := setup(t, testOptions(), counter("c1", "A", 10), counter("c2", "B", 10), booth("b1", "XR", 5))
	ctx := context.Background()
	require.NoError(t, f.tracker.SetOffline(ctx, "c2"))

	f.enqueue(t, "c1", "p1", 30)
	f.enqueue(t, "c1", "p2", 30)
	f.call(t, "c1")

	statuses := f.alloc.Statuses(ctx, resource.Counter)
	require.Len(t, statuses, 2)
	assert.Equal(t, "c1", statuses[0].Resource.Id)
	assert.True(t, statuses[0].Online)
	assert.True(t, statuses[0].Available)
	assert.Equal(t, 1, statuses[0].QueueLength)
	assert.Equal(t, 2, statuses[0].ActiveCount)
	require.NotNil(t, statuses[0].Current)

	assert.False(t, statuses[1].Online)
	assert.False(t, statuses[1].Available)

	assert.Len(t, f.alloc.Statuses(ctx, ""), 3)
}
