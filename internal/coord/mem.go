package coord

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemStore implements Store in process memory. It backs single-node dev
// mode and unit tests; the named scripts run under one mutex, which gives
// the same atomicity the Redis backend gets from server-side Lua.
type MemStore struct {
	mu      sync.Mutex
	values  map[string]string
	buckets map[string]bucketState
	expiry  map[string]time.Time
	subs    map[string][]*memSub
	failure error // injected connectivity failure for tests

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

type bucketState struct {
	tokens int64
	last   int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		values:  make(map[string]string),
		buckets: make(map[string]bucketState),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string][]*memSub),
		Now:     time.Now,
	}
}

// Fail makes every subsequent operation return err, simulating a store
// outage. Pass nil to heal.
func (m *MemStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return "", false, m.failure
	}
	m.pruneLocked(key)
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return false, m.failure
	}
	m.pruneLocked(key)
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	if ttl > 0 {
		m.expiry[key] = m.Now().Add(ttl)
	}
	return true, nil
}

func (m *MemStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return 0, m.failure
	}
	m.pruneLocked(key)
	n := m.intLocked(key) + 1
	m.values[key] = strconv.FormatInt(n, 10)
	if n == 1 && ttl > 0 {
		m.expiry[key] = m.Now().Add(ttl)
	}
	return n, nil
}

func (m *MemStore) Decr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return 0, m.failure
	}
	m.pruneLocked(key)
	n := m.intLocked(key) - 1
	m.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	for _, k := range keys {
		delete(m.values, k)
		delete(m.buckets, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *MemStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return 0, false, m.failure
	}
	m.pruneLocked(key)
	exp, ok := m.expiry[key]
	if !ok {
		return 0, false, nil
	}
	return exp.Sub(m.Now()), true, nil
}

func (m *MemStore) CountPrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return 0, m.failure
	}
	count := 0
	for k := range m.values {
		m.pruneLocked(k)
		if _, ok := m.values[k]; ok && strings.HasPrefix(k, prefix) {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) Eval(ctx context.Context, script Script, keys []string, args []interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}

	switch script {
	case ScriptBucketTake:
		return m.bucketTakeLocked(keys[0], args)
	case ScriptSemAcquire:
		return m.semAcquireLocked(keys[0], args)
	case ScriptConnAcquire:
		return m.connAcquireLocked(keys, args)
	case ScriptConnRelease:
		return m.connReleaseLocked(keys)
	default:
		return nil, &UnknownScriptError{Name: string(script)}
	}
}

// bucketTakeLocked mirrors the Lua body of ScriptBucketTake.
func (m *MemStore) bucketTakeLocked(key string, args []interface{}) (interface{}, error) {
	capacity := argInt(args[0])
	refill := argInt(args[1])
	window := argInt(args[2])
	requested := argInt(args[3])
	now := argInt(args[4])

	m.pruneLocked(key)
	b, ok := m.buckets[key]
	if !ok {
		b = bucketState{tokens: capacity, last: now}
	}

	if elapsed := now - b.last; elapsed > 0 {
		b.tokens += elapsed * refill / window
		if b.tokens > capacity {
			b.tokens = capacity
		}
	}

	var allowed, retry int64
	if b.tokens >= requested {
		b.tokens -= requested
		allowed = 1
	} else {
		retry = int64(math.Ceil(float64(requested-b.tokens) * float64(window) / float64(refill)))
	}

	b.last = now
	m.buckets[key] = b
	m.expiry[key] = m.Now().Add(time.Duration(window) * time.Millisecond)
	return []interface{}{allowed, b.tokens, retry}, nil
}

// semAcquireLocked mirrors the Lua body of ScriptSemAcquire.
func (m *MemStore) semAcquireLocked(leaseKey string, args []interface{}) (interface{}, error) {
	pattern, _ := args[0].(string)
	capacity := argInt(args[1])
	ttlMs := argInt(args[2])
	prefix := strings.TrimSuffix(pattern, "*")

	var live int64
	for k := range m.values {
		m.pruneLocked(k)
		if _, ok := m.values[k]; ok && strings.HasPrefix(k, prefix) {
			live++
		}
	}
	if live >= capacity {
		return []interface{}{int64(0), live}, nil
	}
	m.values[leaseKey] = "1"
	m.expiry[leaseKey] = m.Now().Add(time.Duration(ttlMs) * time.Millisecond)
	return []interface{}{int64(1), live + 1}, nil
}

func (m *MemStore) connAcquireLocked(keys []string, args []interface{}) (interface{}, error) {
	globalCap := argInt(args[0])
	identityCap := argInt(args[1])
	ttlMs := argInt(args[2])

	m.pruneLocked(keys[0])
	m.pruneLocked(keys[1])
	if m.intLocked(keys[0]) >= globalCap {
		return []interface{}{int64(0), int64(1)}, nil
	}
	if m.intLocked(keys[1]) >= identityCap {
		return []interface{}{int64(0), int64(2)}, nil
	}
	for _, k := range keys[:2] {
		m.values[k] = strconv.FormatInt(m.intLocked(k)+1, 10)
		if ttlMs > 0 {
			m.expiry[k] = m.Now().Add(time.Duration(ttlMs) * time.Millisecond)
		}
	}
	return []interface{}{int64(1), int64(0)}, nil
}

func (m *MemStore) connReleaseLocked(keys []string) (interface{}, error) {
	for _, k := range keys[:2] {
		if n := m.intLocked(k); n <= 1 {
			delete(m.values, k)
			delete(m.expiry, k)
		} else {
			m.values[k] = strconv.FormatInt(n-1, 10)
		}
	}
	return int64(1), nil
}

func (m *MemStore) Publish(ctx context.Context, channel, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	for _, sub := range m.subs[channel] {
		select {
		case sub.ch <- payload:
		default: // slow subscriber, drop rather than block the publisher
		}
	}
	return nil
}

func (m *MemStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	sub := &memSub{store: m, channel: channel, ch: make(chan string, 16)}
	m.subs[channel] = append(m.subs[channel], sub)
	return sub, nil
}

func (m *MemStore) Close() error { return nil }

// pruneLocked drops key if its TTL has elapsed.
func (m *MemStore) pruneLocked(key string) {
	if exp, ok := m.expiry[key]; ok && !m.Now().Before(exp) {
		delete(m.values, key)
		delete(m.buckets, key)
		delete(m.expiry, key)
	}
}

func (m *MemStore) intLocked(key string) int64 {
	n, _ := strconv.ParseInt(m.values[key], 10, 64)
	return n
}

func argInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		p, _ := strconv.ParseInt(n, 10, 64)
		return p
	default:
		return 0
	}
}

// UnknownScriptError reports an Eval call naming a script neither backend
// implements.
type UnknownScriptError struct {
	Name string
}

func (e *UnknownScriptError) Error() string {
	return "coord: unknown script " + e.Name
}

type memSub struct {
	store   *MemStore
	channel string
	ch      chan string
	once    sync.Once
}

func (s *memSub) Messages() <-chan string { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		subs := s.store.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}
