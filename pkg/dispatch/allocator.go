package dispatch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/config"
	"revita/clinic/dispatch-queue-server/pkg/directory"
	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/eventlog"
	"revita/clinic/dispatch-queue-server/pkg/infra"
	"revita/clinic/dispatch-queue-server/pkg/priority"
	"revita/clinic/dispatch-queue-server/pkg/queue"
	"revita/clinic/dispatch-queue-server/pkg/resource"
	"revita/clinic/dispatch-queue-server/pkg/store"
)

// Store persists queue items. Implemented by pkg/store.
type Store interface {
	SaveItem(ctx context.Context, item *queue.Item) error
	ListActiveItems(ctx context.Context) ([]*queue.Item, error)

	// Call counters per resource. Skip re-entries are scheduled against them.
	SaveTurn(ctx context.Context, resourceId string, turn int64) error
	ListTurns(ctx context.Context) (map[string]int64, error)
}

type Options struct {
	Topic string

	CounterPolicy priority.Policy
	BoothPolicy   priority.Policy

	SkipReentryTurns int
	MaxCallCount     int

	// Transient failures are tried this many times in total, doubling the
	// backoff after each attempt.
	RetryAttempts int
	RetryBackoff  time.Duration
}

func OptionsFromConfig(cfg *config.Config) (Options, error) {
	counter, err := priority.Lookup(cfg.CounterScoringPolicy)
	if err != nil {
		return Options{}, err
	}
	booth, err := priority.Lookup(cfg.BoothScoringPolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Topic:            cfg.EventTopic,
		CounterPolicy:    counter,
		BoothPolicy:      booth,
		SkipReentryTurns: cfg.SkipReentryTurns,
		MaxCallCount:     cfg.MaxCallCount,
		RetryAttempts:    cfg.StoreRetryAttempts,
		RetryBackoff:     cfg.StoreRetryBackoff(),
	}, nil
}

// Allocator owns every queue mutation. Work on one resource is serialized
// by a per resource lock, held across persist and publish so events of a
// resource leave in the order the mutations happened.
type Allocator struct {
	registry  *resource.Registry
	queues    *queue.Store
	store     Store
	log       eventlog.Log
	directory directory.Directory
	options   Options

	locks *keyedMutex

	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewAllocator builds an allocator; dir may be nil to disable patient
// lookups.
func NewAllocator(registry *resource.Registry, queues *queue.Store, store Store, log eventlog.Log, dir directory.Directory, options Options, logger *zap.SugaredLogger) *Allocator {
	if options.CounterPolicy == nil {
		options.CounterPolicy = priority.Linear{}
	}
	if options.BoothPolicy == nil {
		options.BoothPolicy = priority.ClassSeparated{}
	}
	if options.RetryAttempts < 1 {
		options.RetryAttempts = 1
	}
	if options.SkipReentryTurns < 1 {
		options.SkipReentryTurns = 3
	}
	if options.MaxCallCount < 1 {
		options.MaxCallCount = 5
	}
	return &Allocator{
		registry:  registry,
		queues:    queues,
		store:     store,
		log:       log,
		directory: dir,
		options:   options,
		locks:     newKeyedMutex(),
		now:       time.Now,
		logger:    logger,
	}
}

func ProvideAllocator(
	cfg *config.Config,
	registry *resource.Registry,
	queues *queue.Store,
	repository *store.Repository,
	log eventlog.Log,
	dir *directory.HttpDirectory,
	loggerFactory *infra.LoggerFactory,
) (*Allocator, error) {
	options, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewAllocator(registry, queues, repository, log, dir, options, loggerFactory.Create("Allocator").Sugar()), nil
}

func (a *Allocator) queueOf(res resource.Resource) *queue.Queue {
	return a.queues.QueueWithDefault(res.Id, time.Duration(res.AvgServiceMinutes)*time.Minute)
}

// policyOf resolves the policy every item of the resource is scored with.
func (a *Allocator) policyOf(res resource.Resource) priority.Policy {
	if res.ScoringPolicy != "" {
		policy, err := priority.Lookup(res.ScoringPolicy)
		if err == nil {
			return policy
		}
		a.logger.Warnf("resourceId[%v] unknown policy[%v], using default", res.Id, res.ScoringPolicy)
	}
	if res.Kind == resource.Booth {
		return a.options.BoothPolicy
	}
	return a.options.CounterPolicy
}

// locked runs fn with the resource's lock held.
func (a *Allocator) locked(resourceId string, fn func(res resource.Resource, q *queue.Queue) (*queue.Item, error)) (*queue.Item, error) {
	res, err := a.registry.Get(resourceId)
	if err != nil {
		return nil, err
	}

	unlock := a.locks.Lock(res.Id)
	defer unlock()

	item, err := fn(res, a.queueOf(res))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	return item.Clone(), nil
}

// retry calls fn until it succeeds, fails with an error retryable rejects,
// runs out of attempts or ctx is done.
func (a *Allocator) retry(ctx context.Context, op string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.options.RetryBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(a.options.RetryAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warnf("%v failed attempt[%v/%v], retry in backoff[%v] %v", op, attempt, a.options.RetryAttempts, next, err)
		}),
	)
	return err
}

func (a *Allocator) save(ctx context.Context, item *queue.Item) error {
	err := a.retry(ctx, "save item["+item.Id+"]", errs.IsTransient, func(ctx context.Context) error {
		return a.store.SaveItem(ctx, item)
	})
	if err != nil {
		a.logger.Errorf("save failed itemId[%v] state[%v] %v", item.Id, item.State, err)
	}
	return err
}

// saveQuiet persists a side effect of another mutation. A failure only
// leaves the stored copy one step behind and is logged.
func (a *Allocator) saveQuiet(ctx context.Context, item *queue.Item) {
	_ = a.save(ctx, item)
}

// saveTurn persists a call counter. A lost write is repaired on restore by
// RebaseTurn, so failures are only logged.
func (a *Allocator) saveTurn(ctx context.Context, resourceId string, turn int64) {
	err := a.retry(ctx, "save turn["+resourceId+"]", errs.IsTransient, func(ctx context.Context) error {
		return a.store.SaveTurn(ctx, resourceId, turn)
	})
	if err != nil {
		a.logger.Errorf("save turn failed resourceId[%v] turn[%v] %v", resourceId, turn, err)
	}
}

// Restore rebuilds every queue from the store. Call once before serving.
func (a *Allocator) Restore(ctx context.Context) error {
	var items []*queue.Item
	err := a.retry(ctx, "list active items", errs.IsTransient, func(ctx context.Context) error {
		var err error
		items, err = a.store.ListActiveItems(ctx)
		return err
	})
	if err != nil {
		return errs.Wrap(err, "restore queues")
	}

	var turns map[string]int64
	err = a.retry(ctx, "list turns", errs.IsTransient, func(ctx context.Context) error {
		var err error
		turns, err = a.store.ListTurns(ctx)
		return err
	})
	if err != nil {
		return errs.Wrap(err, "restore turns")
	}

	restored := 0
	for _, item := range items {
		res, err := a.registry.Get(item.ResourceId)
		if err != nil {
			a.logger.Warnf("skip restoring itemId[%v], %v", item.Id, err)
			continue
		}

		unlock := a.locks.Lock(res.Id)
		a.queueOf(res).Restore(item)
		unlock()
		restored++
	}
	for _, res := range a.registry.List("") {
		unlock := a.locks.Lock(res.Id)
		q := a.queueOf(res)
		q.RebaseTurn(turns[res.Id], a.options.SkipReentryTurns)
		unlock()
	}
	a.logger.Infof("restored items[%v/%v] turns[%v]", restored, len(items), len(turns))
	return nil
}
