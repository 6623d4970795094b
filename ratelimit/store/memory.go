package store

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count     int64
	expiresAt time.Time
}

// Memory is an in-memory Store. Counters are local to the process, so it only
// fits single-instance deployments, development, and tests.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counter
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithCleanupInterval sets how often expired counters are evicted (default: 1 minute).
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.interval = d
	}
}

// NewMemory creates an in-memory store and starts its eviction goroutine.
// Call Close to stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		counters: make(map[string]*counter),
		interval: time.Minute,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval > 0 {
		go m.janitor()
	}
	return m
}

func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		m.counters[key] = &counter{count: 1, expiresAt: now.Add(window)}
		return 1, window, nil
	}

	c.count++
	return c.count, c.expiresAt.Sub(now), nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || !time.Now().Before(c.expiresAt) {
		return 0, nil
	}
	return c.count, nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, key)
	return nil
}

// Close stops the eviction goroutine. It is safe to call more than once.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

// Len reports how many counters are held, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) evictExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, key)
		}
	}
}
