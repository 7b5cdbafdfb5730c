package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Each session is one JSON document
// under its own key, and a set indexes the known ids. Save runs the version
// check and the write in a WATCH/MULTI transaction, so a concurrent writer
// that touches the key first turns this save into a conflict.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password,omitempty"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all session keys (default: "agentstate:").
	Prefix string `yaml:"prefix"`
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration `yaml:"session_ttl"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

const defaultRedisPrefix = "agentstate:"

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		// Close client to release connection pool resources
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.SessionTTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Backend implements Named.
func (r *RedisStore) Backend() string { return "redis" }

func (r *RedisStore) sessionKey(id SessionID) string {
	return r.prefix + "session:" + string(id)
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "sessions"
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, s AgentSession) SaveResult {
	if r.isClosed() {
		return Failed(ErrStorageClosed)
	}
	if s.ID() == "" {
		return Failed(errors.New("session id is required"))
	}

	key := r.sessionKey(s.ID())
	var result SaveResult

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if s.Version() != stored {
			result = Conflicted(s.ID(), stored, s.Version())
			return nil
		}

		next := s.Advance(r.now())
		data, err := MarshalDocument(next, false)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			pipe.SAdd(ctx, r.indexKey(), string(s.ID()))
			return nil
		})
		if err != nil {
			return err
		}
		result = Saved(next)
		return nil
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		// Another writer changed the key between WATCH and EXEC.
		current, verr := storedVersion(ctx, r.client, key)
		if verr != nil {
			return Failed(verr)
		}
		return Conflicted(s.ID(), current, s.Version())
	case err != nil:
		var ie *IntegrityError
		if errors.As(err, &ie) {
			return Failed(err)
		}
		return Failed(fmt.Errorf("redis save: %w", err))
	}
	return result
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// storedVersion reads the version currently held under key, 0 when the key is
// absent or holds a document without a header.
func storedVersion(ctx context.Context, c stringGetter, key string) (int64, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	v, _, err := StoredVersion(key, raw)
	return v, err
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, id SessionID) (*AgentSession, error) {
	if r.isClosed() {
		return nil, ErrStorageClosed
	}

	key := r.sessionKey(id)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return UnmarshalDocument(key, raw)
}

// Exists implements Store.
func (r *RedisStore) Exists(ctx context.Context, id SessionID) (bool, error) {
	if r.isClosed() {
		return false, ErrStorageClosed
	}
	n, err := r.client.Exists(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, id SessionID) error {
	if r.isClosed() {
		return ErrStorageClosed
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(id))
	pipe.SRem(ctx, r.indexKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// ListHeaders implements Store. Ids whose key has expired are dropped from
// the index.
func (r *RedisStore) ListHeaders(ctx context.Context) (InfoList, error) {
	if r.isClosed() {
		return nil, ErrStorageClosed
	}

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return InfoList{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(SessionID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make(InfoList, 0, len(ids))
	var expired []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		doc, err := decodeDocument(keys[i], []byte(str))
		if err != nil {
			return nil, err
		}
		if doc.Header == nil {
			return nil, &IntegrityError{Path: keys[i], Reason: "missing or invalid header"}
		}
		out = append(out, *doc.Header)
	}
	if len(expired) > 0 {
		_ = r.client.SRem(ctx, r.indexKey(), expired...).Err()
	}
	sortInfos(out)
	return out, nil
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if r.isClosed() {
		return ErrStorageClosed
	}
	return r.client.Ping(ctx).Err()
}

// Close releases resources held by the store.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

func (r *RedisStore) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
