package cfddns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "cfddns"

// RedisStore keeps the address cache and the change history in Redis,
// so that several hosts (or a restarted container) share one view of the remote records.
//
// Cache entries are strings at "<prefix>:cache:<target key>";
// history is a list at "<prefix>:history" appended with RPUSH.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at redisURL (redis://[user:pass@]host:port/db)
// and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return newRedisStore(client, prefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) cacheKey(key string) string { return r.prefix + ":cache:" + key }

func (r *RedisStore) historyKey() string { return r.prefix + ":history" }

func (r *RedisStore) Read(ctx context.Context, key string) (CacheEntry, bool, error) {
	res, err := r.client.Get(ctx, r.cacheKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, &PersistenceError{Op: "read", Path: r.cacheKey(key), Err: err}
	}
	var entry CacheEntry
	if err := json.Unmarshal([]byte(res), &entry); err != nil {
		return CacheEntry{}, false, &PersistenceError{Op: "read", Path: r.cacheKey(key), Err: err}
	}
	return entry, true, nil
}

// Write replaces the entry with a single SET, which Redis applies atomically.
func (r *RedisStore) Write(ctx context.Context, key string, entry CacheEntry) error {
	if !entry.Addr.IsValid() {
		return &PersistenceError{Op: "write", Path: r.cacheKey(key), Err: errors.New("refusing to cache an invalid address")}
	}
	bs, err := json.Marshal(entry)
	if err != nil {
		return &PersistenceError{Op: "write", Path: r.cacheKey(key), Err: err}
	}
	if err := r.client.Set(ctx, r.cacheKey(key), bs, 0).Err(); err != nil {
		return &PersistenceError{Op: "write", Path: r.cacheKey(key), Err: err}
	}
	return nil
}

func (r *RedisStore) Append(ctx context.Context, record HistoryRecord) error {
	bs, err := json.Marshal(record)
	if err != nil {
		return &PersistenceError{Op: "append", Path: r.historyKey(), Err: err}
	}
	if err := r.client.RPush(ctx, r.historyKey(), bs).Err(); err != nil {
		return &PersistenceError{Op: "append", Path: r.historyKey(), Err: err}
	}
	return nil
}

func (r *RedisStore) Records(ctx context.Context) ([]HistoryRecord, error) {
	items, err := r.client.LRange(ctx, r.historyKey(), 0, -1).Result()
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: r.historyKey(), Err: err}
	}
	records := make([]HistoryRecord, 0, len(items))
	for i, item := range items {
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return records, &PersistenceError{Op: "read", Path: r.historyKey(), Err: fmt.Errorf("item %d: %w", i, err)}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
