package main

import (
	"github.com/go-redis/redis/v8"

	"revita/clinic/dispatch-queue-server/pkg/config"
	"revita/clinic/dispatch-queue-server/pkg/eventlog"
	"revita/clinic/dispatch-queue-server/pkg/infra"
	"revita/clinic/dispatch-queue-server/pkg/liveness"
	"revita/clinic/dispatch-queue-server/pkg/queue"
	"revita/clinic/dispatch-queue-server/pkg/resource"
	"revita/clinic/dispatch-queue-server/pkg/store"
)

const memoryBackend = "memory"

func provideTracker(cfg *config.Config, client redis.UniversalClient) liveness.Tracker {
	if cfg.EventBackend == memoryBackend {
		return liveness.NewMemoryTracker(cfg.LivenessTtl())
	}
	return liveness.NewRedisTracker(client, cfg.LivenessTtl())
}

func provideEventLog(cfg *config.Config, client redis.UniversalClient, loggerFactory *infra.LoggerFactory) eventlog.Log {
	logger := loggerFactory.Create("EventLog").Sugar()
	if cfg.EventBackend == memoryBackend {
		log := eventlog.NewMemoryLog(logger)
		log.RedeliverDelay = cfg.ConsumerRetry()
		return log
	}
	return eventlog.NewRedisLog(client, eventlog.RedisOptions{
		Partitions: cfg.EventPartitions,
		StartFrom:  cfg.EventStartFrom,
		MaxLen:     cfg.EventMaxLen,
		BatchSize:  cfg.ConsumerBatchSize,
		Block:      cfg.ConsumerBlock(),
		Retry:      cfg.ConsumerRetry(),
		ClaimIdle:  cfg.ConsumerClaimIdle(),
	}, logger)
}

func provideRegistry(repository *store.Repository, tracker liveness.Tracker, loggerFactory *infra.LoggerFactory) *resource.Registry {
	return resource.NewRegistry(repository, tracker, loggerFactory.Create("Registry").Sugar())
}

func provideQueueStore(cfg *config.Config) *queue.Store {
	return queue.NewStore(cfg.DefaultServiceDuration(), cfg.AverageWaitWindowSize)
}
