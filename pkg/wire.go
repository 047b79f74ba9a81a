//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"revita/clinic/dispatch-queue-server/pkg/client"
	"revita/clinic/dispatch-queue-server/pkg/config"
	"revita/clinic/dispatch-queue-server/pkg/directory"
	"revita/clinic/dispatch-queue-server/pkg/dispatch"
	"revita/clinic/dispatch-queue-server/pkg/infra"
	"revita/clinic/dispatch-queue-server/pkg/listener"
	"revita/clinic/dispatch-queue-server/pkg/store"
)

var transportSet = wire.NewSet(infra.ProvideLoggerFactory, infra.ProvideRedisClient, provideTracker, provideEventLog)

func SetupServer(cfg *config.Config) (*Server, error) {
	wire.Build(wire.NewSet(
		transportSet,
		ProvideServer, ProvideApplication,
		infra.ProvideHttpClient, infra.ProvideDatabase,
		store.ProvideRepository, directory.ProvideDirectory,
		provideRegistry, provideQueueStore,
		dispatch.ProvideAllocator,
		client.ProvideHub, client.ProvideRelay,
	))
	return nil, nil
}

func SetupListener(cfg *config.Config, resourceId string) (*listener.Listener, error) {
	wire.Build(wire.NewSet(transportSet, listener.ProvideListener))
	return nil, nil
}
