package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/glimte/catalog-sync/catalog"
	"github.com/glimte/catalog-sync/config"
	"github.com/glimte/catalog-sync/interceptors"
	"github.com/glimte/catalog-sync/messaging"
	"github.com/glimte/catalog-sync/store"
	"github.com/redis/go-redis/v9"
)

// repositories holds one repository per catalog index
type repositories struct {
	categories  store.Repository[catalog.Category]
	genres      store.Repository[catalog.Genre]
	castMembers store.Repository[catalog.CastMember]
	close       func() error
}

func memoryRepositories() *repositories {
	return &repositories{
		categories:  store.NewMemoryRepository[catalog.Category](),
		genres:      store.NewMemoryRepository[catalog.Genre](),
		castMembers: store.NewMemoryRepository[catalog.CastMember](),
		close:       func() error { return nil },
	}
}

func redisRepositories(client redis.UniversalClient, prefix string) *repositories {
	return &repositories{
		categories:  store.NewRedisRepository[catalog.Category](client, prefix, catalog.IndexCategories),
		genres:      store.NewRedisRepository[catalog.Genre](client, prefix, catalog.IndexGenres),
		castMembers: store.NewRedisRepository[catalog.CastMember](client, prefix, catalog.IndexCastMembers),
		close:       client.Close,
	}
}

// openRepositories opens the store selected by cfg.Driver
func openRepositories(ctx context.Context, cfg config.StoreConfig) (*repositories, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		client, err := store.OpenRedis(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return redisRepositories(client, cfg.Redis.Prefix), nil
	case config.DriverMemory, "":
		return memoryRepositories(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// services builds every sync service over repos
func (r *repositories) services(logger *slog.Logger) []messaging.Subscriber {
	opts := []catalog.Option{catalog.WithLogger(logger)}
	return []messaging.Subscriber{
		catalog.NewCategorySyncService(r.categories, r.genres, opts...),
		catalog.NewGenreSyncService(r.genres, r.categories, opts...),
		catalog.NewCastMemberSyncService(r.castMembers, opts...),
	}
}

// logMetrics writes one line per subscription with its handler counters
func logMetrics(logger *slog.Logger, counters *interceptors.Counters) {
	for _, stats := range counters.Snapshot() {
		logger.Info("subscription metrics",
			"subscription", stats.Subscription,
			"messages", stats.Messages,
			"errors", stats.Errors,
			"acked", stats.Acked,
			"nacked", stats.Nacked,
			"requeued", stats.Requeued,
			"totalTime", stats.TotalTime)
	}
}

// loadConfig loads the configuration and builds the root logger from it
func loadConfig(path string, envFiles []string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path, envFiles...)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
