package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"managed-kvstore/internal/managed"
)

// RedisConfig is read from the db.redis.* settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// redisPutIfAbsentRetries bounds retries when a key vanishes between HSETNX and HGET.
const redisPutIfAbsentRetries = 8

// RedisEngine keeps one store in one Redis hash. Durability is the server's
// concern, so Flush does nothing.
type RedisEngine struct {
	client  *redis.Client
	hash    string
	timeout time.Duration
	release func()
	closed  atomic.Bool
}

var (
	_ Engine      = (*RedisEngine)(nil)
	_ BatchWriter = (*RedisEngine)(nil)
	_ Dropper     = (*RedisEngine)(nil)
)

func (e *RedisEngine) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.timeout)
}

func (e *RedisEngine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	ctx, cancel := e.ctx()
	defer cancel()

	value, err := e.client.HGet(ctx, e.hash, string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (e *RedisEngine) Put(key, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ctx, cancel := e.ctx()
	defer cancel()
	return e.client.HSet(ctx, e.hash, string(key), value).Err()
}

func (e *RedisEngine) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrEngineClosed
	}
	ctx, cancel := e.ctx()
	defer cancel()

	field := string(key)
	for attempt := 0; attempt < redisPutIfAbsentRetries; attempt++ {
		set, err := e.client.HSetNX(ctx, e.hash, field, value).Result()
		if err != nil {
			return nil, false, err
		}
		if set {
			return nil, false, nil
		}
		existing, err := e.client.HGet(ctx, e.hash, field).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	return nil, false, fmt.Errorf("put-if-absent on %s: key kept changing", e.hash)
}

func (e *RedisEngine) Delete(key []byte) (bool, error) {
	if e.closed.Load() {
		return false, ErrEngineClosed
	}
	ctx, cancel := e.ctx()
	defer cancel()

	n, err := e.client.HDel(ctx, e.hash, string(key)).Result()
	return n > 0, err
}

// WriteBatch sends every write in one MULTI/EXEC transaction.
func (e *RedisEngine) WriteBatch(puts []KeyValue, deletes [][]byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	ctx, cancel := e.ctx()
	defer cancel()

	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(puts) > 0 {
			values := make([]interface{}, 0, 2*len(puts))
			for _, item := range puts {
				values = append(values, string(item.Key), item.Value)
			}
			pipe.HSet(ctx, e.hash, values...)
		}
		if len(deletes) > 0 {
			fields := make([]string, len(deletes))
			for i, key := range deletes {
				fields[i] = string(key)
			}
			pipe.HDel(ctx, e.hash, fields...)
		}
		return nil
	})
	return err
}

// Scan walks the hash with HSCAN. HSCAN may return a field more than once, so
// fields already seen are skipped.
func (e *RedisEngine) Scan(fn func(key, value []byte) bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ctx := context.Background()
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		sctx, cancel := context.WithTimeout(ctx, e.timeout)
		pairs, next, err := e.client.HScan(sctx, e.hash, cursor, "", 256).Result()
		cancel()
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			if _, dup := seen[pairs[i]]; dup {
				continue
			}
			seen[pairs[i]] = struct{}{}
			if !fn([]byte(pairs[i]), []byte(pairs[i+1])) {
				return nil
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (e *RedisEngine) Size() (int64, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	ctx, cancel := e.ctx()
	defer cancel()
	return e.client.HLen(ctx, e.hash).Result()
}

func (e *RedisEngine) Clear() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ctx, cancel := e.ctx()
	defer cancel()
	return e.client.Del(ctx, e.hash).Err()
}

func (e *RedisEngine) Flush(managed.FlushMode) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

// Close releases the store. The client is shared and closed by the factory.
func (e *RedisEngine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.release()
	}
	return nil
}

func (e *RedisEngine) Drop() error {
	if err := e.Clear(); err != nil && !errors.Is(err, ErrEngineClosed) {
		return err
	}
	return e.Close()
}

type redisFactory struct {
	config RedisConfig
	client *redis.Client
}

func newRedisFactory(o FactoryOptions) *redisFactory {
	s := o.Settings
	config := RedisConfig{
		Addr:     s.GetString("db.redis.addr", "localhost:6379"),
		Password: s.GetString("db.redis.password", ""),
		DB:       s.GetInt("db.redis.db", 0),
		Prefix:   s.GetString("db.redis.prefix", "kv:"),
		Timeout:  s.GetDuration("db.redis.timeout", 3*time.Second),
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		MaxRetries:   1,
	})
	return &redisFactory{config: config, client: client}
}

func (f *redisFactory) Kind() Kind { return Redis }

// Open pings the server so that an unreachable endpoint fails here rather than
// on the first operation.
func (f *redisFactory) Open(name string) (Engine, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.config.Timeout)
	defer cancel()
	if err := f.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", f.config.Addr, err)
	}

	hash := f.config.Prefix + name
	release, err := processClaims.claim(fmt.Sprintf("redis://%s/%d/%s", f.config.Addr, f.config.DB, hash))
	if err != nil {
		return nil, err
	}
	return &RedisEngine{
		client:  f.client,
		hash:    hash,
		timeout: f.config.Timeout,
		release: release,
	}, nil
}

func (f *redisFactory) Close() error {
	return f.client.Close()
}
