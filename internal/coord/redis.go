package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithTTL applies the expiry in the same atomic unit as the increment,
// so a window counter can never be created without its reset timer.
const incrWithTTL = `
local v = redis.call('INCR', KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`

// RedisStore implements Store on a Redis-compatible server.
type RedisStore struct {
	rdb     *redis.Client
	scripts map[Script]*redis.Script
	incr    *redis.Script
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and preloads the atomic scripts.
func NewRedisStore(ctx context.Context, opts Options) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	scripts := make(map[Script]*redis.Script, len(luaScripts))
	for name, body := range luaScripts {
		scripts[name] = redis.NewScript(body)
	}

	slog.Info("coordination store connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisStore{
		rdb:     rdb,
		scripts: scripts,
		incr:    redis.NewScript(incrWithTTL),
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := s.incr.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("incr %s: unexpected reply %T", key, res)
	}
	return n, nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Decr(ctx, key).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// PTTL returns -2 for a missing key and -1 for a key without expiry.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// CountPrefix iterates the keyspace with SCAN so a large keyspace never
// blocks the server the way KEYS would.
func (s *RedisStore) CountPrefix(ctx context.Context, prefix string) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (s *RedisStore) Eval(ctx context.Context, script Script, keys []string, args []interface{}) (interface{}, error) {
	sc, ok := s.scripts[script]
	if !ok {
		return nil, fmt.Errorf("unknown script %q", script)
	}
	return sc.Run(ctx, s.rdb, keys, args...).Result()
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Receive forces the subscribe round trip so a publish immediately
	// after Subscribe returns cannot be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- msg.Payload
		}
	}()
	return &redisSub{ps: ps, out: out}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

type redisSub struct {
	ps  *redis.PubSub
	out chan string
}

func (r *redisSub) Messages() <-chan string { return r.out }
func (r *redisSub) Close() error            { return r.ps.Close() }
