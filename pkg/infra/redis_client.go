package infra

import (
	"context"

	"github.com/go-redis/redis/v8"

	"revita/clinic/dispatch-queue-server/pkg/config"
)

// ProvideRedisClient returns a cluster client when several addresses are
// configured and a plain client otherwise.
func ProvideRedisClient(cfg *config.Config, loggerFactory *LoggerFactory) redis.UniversalClient {
	logger := loggerFactory.Create("RedisClient").Sugar()

	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.RedisAddrs,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDb,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			logger.Infof("redis connected to addrs[%v] db[%v]", cfg.RedisAddrs, cfg.RedisDb)
			return nil
		},
	})
}
