package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-core/domain"
)

// Cache wraps a store with Redis-backed caching of scope listings. Every
// scope a committed transaction touched is evicted.
type Cache struct {
	base  domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func scopeCacheKey(scope domain.Scope) string {
	if scope.Kind == domain.ScopeSubtasks {
		return subtasksCacheKey(scope.List)
	}
	return "scope:" + scope.Key()
}

func subtasksCacheKey(taskID string) string {
	return "subtasks:" + taskID
}

func (c *Cache) RunInTransaction(ctx context.Context, partition string, fn func(tx domain.Tx) error) error {
	rec := &recordingTx{touched: map[string]struct{}{}}
	err := c.base.RunInTransaction(ctx, partition, func(tx domain.Tx) error {
		rec.Tx = tx
		clear(rec.touched)
		return fn(rec)
	})
	if err != nil {
		return err
	}
	c.evict(ctx, rec.keys())
	return nil
}

func (c *Cache) LocateTask(ctx context.Context, taskID string) (string, error) {
	return c.base.LocateTask(ctx, taskID)
}

func (c *Cache) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return c.base.GetTask(ctx, taskID)
}

func (c *Cache) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	return c.base.ListTasks(ctx, ownerID)
}

func (c *Cache) ListScopeTasks(ctx context.Context, scope domain.Scope) ([]domain.Task, error) {
	key := scopeCacheKey(scope)
	var tasks []domain.Task
	if c.load(ctx, key, &tasks) {
		return tasks, nil
	}
	tasks, err := c.base.ListScopeTasks(ctx, scope)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, tasks)
	return tasks, nil
}

func (c *Cache) ListSubtasks(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	key := subtasksCacheKey(taskID)
	var subs []domain.Subtask
	if c.load(ctx, key, &subs) {
		return subs, nil
	}
	subs, err := c.base.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, subs)
	return subs, nil
}

func (c *Cache) load(ctx context.Context, key string, v any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, keys []string) {
	if c.redis == nil || len(keys) == 0 {
		return
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		log.WithError(err).WithField("keys", keys).Warn("cache eviction failed")
	}
}

// recordingTx remembers the cache keys of every scope a transaction reads or
// writes.
type recordingTx struct {
	domain.Tx
	touched map[string]struct{}
}

func (r *recordingTx) touch(scope domain.Scope) {
	r.touched[scopeCacheKey(scope)] = struct{}{}
}

func (r *recordingTx) keys() []string {
	keys := make([]string, 0, len(r.touched))
	for k := range r.touched {
		keys = append(keys, k)
	}
	return keys
}

func (r *recordingTx) LoadScopeMembers(ctx context.Context, scope domain.Scope) ([]domain.Member, error) {
	r.touch(scope)
	return r.Tx.LoadScopeMembers(ctx, scope)
}

func (r *recordingTx) SaveScopePositions(ctx context.Context, scope domain.Scope, members []domain.Member) error {
	r.touch(scope)
	return r.Tx.SaveScopePositions(ctx, scope, members)
}

func (r *recordingTx) RemoveMember(ctx context.Context, scope domain.Scope, id string) error {
	r.touch(scope)
	return r.Tx.RemoveMember(ctx, scope, id)
}

func (r *recordingTx) LoadTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := r.Tx.LoadTask(ctx, id)
	if t != nil {
		r.touch(t.Scope())
	}
	return t, err
}

func (r *recordingTx) SaveTask(ctx context.Context, t domain.Task) error {
	r.touch(t.Scope())
	return r.Tx.SaveTask(ctx, t)
}

func (r *recordingTx) LoadSubtasksOf(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	r.touched[subtasksCacheKey(taskID)] = struct{}{}
	return r.Tx.LoadSubtasksOf(ctx, taskID)
}

func (r *recordingTx) SaveSubtask(ctx context.Context, s domain.Subtask) error {
	r.touched[subtasksCacheKey(s.TaskID)] = struct{}{}
	return r.Tx.SaveSubtask(ctx, s)
}
