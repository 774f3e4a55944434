package kv

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
)

type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(addr string, password string, db int, prefix string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis get %s", key)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return errors.Wrapf(r.client.Set(ctx, r.prefix+key, value, 0).Err(), "redis set %s", key)
}

// SetMany wraps the writes in MULTI/EXEC so readers never see half a commit.
func (r *Redis) SetMany(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range entries {
			pipe.Set(ctx, r.prefix+key, value, 0)
		}
		return nil
	})
	return errors.Wrap(err, "redis multi set")
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, r.prefix+key)
	}
	return errors.Wrap(r.client.Del(ctx, full...).Err(), "redis del")
}

func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, 16)
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis scan")
	}
	return keys, nil
}
