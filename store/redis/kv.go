// Package redis implements storage.KV on a Redis server so that cached
// snapshots and queued operations outlive a single process.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/solanaverse/points-engine/config"
)

const scanCount = 200

// NewClient connects and pings. The caller owns Close.
func NewClient(ctx context.Context, conf config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr(),
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.Database,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", conf.Addr(), err)
	}
	return client, nil
}

type KV struct {
	redis *redis.Client
}

func NewKV(rds *redis.Client) *KV {
	return &KV{redis: rds}
}

func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := k.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores without expiry; cache TTLs are enforced by the manager on read.
func (k *KV) Set(ctx context.Context, key, value string) error {
	return k.redis.Set(ctx, key, value, 0).Err()
}

func (k *KV) Delete(ctx context.Context, key string) error {
	return k.redis.Del(ctx, key).Err()
}

// Keys walks the keyspace with SCAN, never KEYS.
func (k *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
		seen   = make(map[string]struct{})
	)
	match := escapeGlob(prefix) + "*"
	for {
		batch, next, err := k.redis.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, err
		}
		// SCAN may return a key more than once.
		for _, key := range batch {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
