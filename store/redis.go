package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis client
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedis connects to Redis and checks the connection
func OpenRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// RedisRepository stores one index as a Redis hash of id to JSON document
type RedisRepository[T Entity] struct {
	client redis.Cmdable
	index  string
	key    string
}

// NewRedisRepository creates a repository over the hash "<prefix>:<index>"
func NewRedisRepository[T Entity](client redis.Cmdable, prefix, index string) *RedisRepository[T] {
	key := index
	if prefix != "" {
		key = prefix + ":" + index
	}
	return &RedisRepository[T]{client: client, index: index, key: key}
}

// Key returns the Redis key of the hash
func (r *RedisRepository[T]) Key() string {
	return r.key
}

func (r *RedisRepository[T]) fail(op, id string, err error) error {
	return &Error{Op: op, Index: r.index, ID: id, Err: err}
}

func (r *RedisRepository[T]) decode(id, raw string) (T, error) {
	var entity T
	if err := json.Unmarshal([]byte(raw), &entity); err != nil {
		return entity, r.fail("decode", id, err)
	}
	return entity, nil
}

// Get implements Repository
func (r *RedisRepository[T]) Get(ctx context.Context, id string) (T, error) {
	raw, err := r.client.HGet(ctx, r.key, id).Result()
	if err != nil {
		var zero T
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, r.fail("get", id, err)
	}
	return r.decode(id, raw)
}

// Upsert implements Repository
func (r *RedisRepository[T]) Upsert(ctx context.Context, entity T) error {
	id := entity.GetID()
	if id == "" {
		return ErrEmptyID
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return r.fail("encode", id, err)
	}
	if err := r.client.HSet(ctx, r.key, id, data).Err(); err != nil {
		return r.fail("upsert", id, err)
	}
	return nil
}

// Delete implements Repository
func (r *RedisRepository[T]) Delete(ctx context.Context, id string) (bool, error) {
	n, err := r.client.HDel(ctx, r.key, id).Result()
	if err != nil {
		return false, r.fail("delete", id, err)
	}
	return n > 0, nil
}

// FindByIDs implements Repository
func (r *RedisRepository[T]) FindByIDs(ctx context.Context, ids []string) ([]T, error) {
	if len(ids) == 0 {
		return []T{}, nil
	}
	values, err := r.client.HMGet(ctx, r.key, ids...).Result()
	if err != nil {
		return nil, r.fail("find", "", err)
	}

	out := make([]T, 0, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		entity, err := r.decode(ids[i], raw)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

// Find implements Repository
func (r *RedisRepository[T]) Find(ctx context.Context) ([]T, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, r.fail("find", "", err)
	}

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		entity, err := r.decode(id, all[id])
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

// Ping implements Repository
func (r *RedisRepository[T]) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.fail("ping", "", err)
	}
	return nil
}
