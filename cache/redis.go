package cache

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/voltmind/maestro/core"
)

// RedisCache backs the cache contract with a shared Redis. Entry writes
// and tag-index updates ride a single MULTI/EXEC pipeline so concurrent
// invalidation never observes a half-written entry.
//
// Key layout under the configured prefix:
//
//	entry:<key>   value (with TTL)
//	keytags:<key> set of tags carried by the entry
//	tag:<tag>     set of keys carrying the tag
//	keys          set of live keys
//	stats         hash of hits / misses / evictions / bytes
type RedisCache struct {
	client *redis.Client
	config *Config
}

// NewRedisCache creates a Redis-backed cache over an existing client.
func NewRedisCache(client *redis.Client, config *Config) (*RedisCache, error) {
	if client == nil {
		return nil, core.WrapError(core.CodeInvalidRequest,
			"redis cache requires a client", core.ErrMissingConfiguration)
	}
	return &RedisCache{client: client, config: config.withDefaults()}, nil
}

func (r *RedisCache) entryKey(key string) string   { return r.config.KeyPrefix + "entry:" + key }
func (r *RedisCache) keyTagsKey(key string) string { return r.config.KeyPrefix + "keytags:" + key }
func (r *RedisCache) tagKey(tag string) string     { return r.config.KeyPrefix + "tag:" + tag }
func (r *RedisCache) keysKey() string              { return r.config.KeyPrefix + "keys" }
func (r *RedisCache) statsKey() string             { return r.config.KeyPrefix + "stats" }

// Get returns the value for key. Expired entries disappear via Redis
// TTL; their index records are cleaned up on the first miss.
func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	key = NormalizeKey(key)

	stored, err := r.client.Get(ctx, r.entryKey(key)).Result()
	if err == redis.Nil {
		pipe := r.client.TxPipeline()
		pipe.HIncrBy(ctx, r.statsKey(), "misses", 1)
		removed := pipe.SRem(ctx, r.keysKey(), key)
		pipe.Del(ctx, r.keyTagsKey(key))
		if _, err := pipe.Exec(ctx); err != nil {
			return "", false, wrapRedis("cache get", err)
		}
		if removed.Val() > 0 {
			// The key was indexed but its entry expired.
			r.client.HIncrBy(ctx, r.statsKey(), "evictions", 1)
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedis("cache get", err)
	}

	r.client.HIncrBy(ctx, r.statsKey(), "hits", 1)
	value, err := decodeValue(stored)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores a value with TTL and tags. The old entry's tag memberships
// are replaced in the same transaction.
func (r *RedisCache) Set(ctx context.Context, key, value string, opts *SetOptions) error {
	key = NormalizeKey(key)

	stored, err := encodeValue(value, opts, r.config)
	if err != nil {
		return err
	}

	ttl := r.config.DefaultTTL
	var tags []string
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		tags = opts.Tags
	}

	oldTags, err := r.client.SMembers(ctx, r.keyTagsKey(key)).Result()
	if err != nil && err != redis.Nil {
		return wrapRedis("cache set", err)
	}
	oldSize, err := r.client.StrLen(ctx, r.entryKey(key)).Result()
	if err != nil && err != redis.Nil {
		return wrapRedis("cache set", err)
	}

	pipe := r.client.TxPipeline()
	for _, tag := range oldTags {
		pipe.SRem(ctx, r.tagKey(tag), key)
	}
	pipe.Del(ctx, r.keyTagsKey(key))

	pipe.Set(ctx, r.entryKey(key), stored, ttl)
	pipe.SAdd(ctx, r.keysKey(), key)
	for _, tag := range tags {
		pipe.SAdd(ctx, r.keyTagsKey(key), tag)
		pipe.SAdd(ctx, r.tagKey(tag), key)
	}
	if len(tags) > 0 {
		pipe.Expire(ctx, r.keyTagsKey(key), ttl)
	}
	pipe.HIncrBy(ctx, r.statsKey(), "bytes", int64(len(stored))-oldSize)

	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis("cache set", err)
	}

	r.config.Logger.Debug("Cache entry stored", map[string]interface{}{
		"operation": "cache_set",
		"key":       key,
		"size":      len(stored),
		"tags":      len(tags),
		"ttl_ms":    ttl.Milliseconds(),
	})
	return nil
}

// Delete removes one entry and its index records.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	key = NormalizeKey(key)
	return r.removeKeys(ctx, []string{key}, "cache delete")
}

// Clear drops every entry under the prefix. Counters in the stats hash
// survive except bytes, which resets with the entries.
func (r *RedisCache) Clear(ctx context.Context) error {
	keys, err := r.client.SMembers(ctx, r.keysKey()).Result()
	if err != nil && err != redis.Nil {
		return wrapRedis("cache clear", err)
	}
	if err := r.removeKeys(ctx, keys, "cache clear"); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.statsKey(), "bytes", 0).Err(); err != nil {
		return wrapRedis("cache clear", err)
	}
	return nil
}

// InvalidateByTags removes every entry carrying any of the tags.
func (r *RedisCache) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	tagKeys := make([]string, len(tags))
	for i, tag := range tags {
		tagKeys[i] = r.tagKey(tag)
	}
	keys, err := r.client.SUnion(ctx, tagKeys...).Result()
	if err != nil && err != redis.Nil {
		return 0, wrapRedis("cache invalidate", err)
	}

	if err := r.removeKeys(ctx, keys, "cache invalidate"); err != nil {
		return 0, err
	}
	if err := r.client.Del(ctx, tagKeys...).Err(); err != nil {
		return 0, wrapRedis("cache invalidate", err)
	}

	r.config.Logger.Debug("Cache invalidated by tags", map[string]interface{}{
		"operation": "cache_invalidate",
		"tags":      tags,
		"removed":   len(keys),
	})
	return len(keys), nil
}

// Stats returns the observable counters. Entries is the live-key count;
// byte accounting is approximate once entries expire server-side.
func (r *RedisCache) Stats(ctx context.Context) (Stats, error) {
	entries, err := r.client.SCard(ctx, r.keysKey()).Result()
	if err != nil && err != redis.Nil {
		return Stats{}, wrapRedis("cache stats", err)
	}
	fields, err := r.client.HGetAll(ctx, r.statsKey()).Result()
	if err != nil && err != redis.Nil {
		return Stats{}, wrapRedis("cache stats", err)
	}

	return Stats{
		Entries:    int(entries),
		Hits:       parseCounter(fields["hits"]),
		Misses:     parseCounter(fields["misses"]),
		Evictions:  parseCounter(fields["evictions"]),
		TotalBytes: int64(parseCounter(fields["bytes"])),
	}, nil
}

// removeKeys deletes entries, their tag memberships, and their index
// records in one transaction.
func (r *RedisCache) removeKeys(ctx context.Context, keys []string, op string) error {
	if len(keys) == 0 {
		return nil
	}

	var freed int64
	for _, key := range keys {
		size, err := r.client.StrLen(ctx, r.entryKey(key)).Result()
		if err != nil && err != redis.Nil {
			return wrapRedis(op, err)
		}
		freed += size
	}

	pipe := r.client.TxPipeline()
	for _, key := range keys {
		tags, err := r.client.SMembers(ctx, r.keyTagsKey(key)).Result()
		if err != nil && err != redis.Nil {
			return wrapRedis(op, err)
		}
		for _, tag := range tags {
			pipe.SRem(ctx, r.tagKey(tag), key)
		}
		pipe.Del(ctx, r.entryKey(key), r.keyTagsKey(key))
		pipe.SRem(ctx, r.keysKey(), key)
	}
	pipe.HIncrBy(ctx, r.statsKey(), "bytes", -freed)

	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis(op, err)
	}
	return nil
}

func parseCounter(s string) uint64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return uint64(n)
}

func wrapRedis(op string, err error) error {
	return core.WrapError(core.CodeRepository, op+" failed", err)
}

var _ Cache = (*RedisCache)(nil)
var _ Cache = (*MemoryCache)(nil)
