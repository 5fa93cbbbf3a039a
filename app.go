package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-core/activity"
	"prism-core/domain"
	"prism-core/storage"
	"prism-core/storage/memory"
	"prism-core/storage/sqlite"
)

// app holds the collaborators shared by the serve and worker commands.
type app struct {
	store     domain.Store
	tasks     domain.TaskService
	redis     *redis.Client
	publisher *activity.Publisher
	closers   []func() error
}

func openStore(ctx context.Context, cfg Config) (domain.Store, func() error, error) {
	switch cfg.StoreBackend {
	case backendTables:
		st, err := storage.NewTableStore(cfg.StorageConnectionString, cfg.ItemsTable)
		if err != nil {
			return nil, nil, fmt.Errorf("table store: %w", err)
		}
		return st, nil, nil
	case backendSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return st, st.Close, nil
	case backendMemory:
		log.Warn("using in-memory store, data is lost on exit")
		return memory.New(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}
	if cfg.RedisConnectionString != "" {
		a.redis = redis.NewClient(parseRedisOptions(cfg.RedisConnectionString))
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable at startup")
		}
		st = storage.NewCache(st, a.redis, cfg.CacheTTL)
	} else {
		log.Info("no REDIS_CONNECTION_STRING, running without cache, deduper or pub/sub")
	}
	a.store = st
	a.tasks = domain.NewTaskService(st)
	a.publisher = activity.NewPublisher(a.redis, cfg.ActivityChannel)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("close")
		}
	}
}
