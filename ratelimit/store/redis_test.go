package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testPrefix = "test:ratelimit:"

// setupRedisTest connects a store to an in-process Redis server.
func setupRedisTest(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	st, err := NewRedis(RedisConfig{
		URL:    mr.Addr(),
		DB:     15,
		Prefix: testPrefix,
	})
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return st, mr
}

// unreachableRedis points at a port nothing listens on.
func unreachableRedis() *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	return NewRedisFromClient(client, "")
}

func TestNewRedis_Validation(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Error("NewRedis() with empty URL should fail")
	}

	_, err := NewRedis(RedisConfig{URL: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("NewRedis() unreachable error = %v, want ErrUnavailable", err)
	}
}

func TestNewRedisFromClient_DefaultPrefix(t *testing.T) {
	st := unreachableRedis()
	defer st.Close()

	if st.prefix != DefaultPrefix {
		t.Errorf("prefix = %q, want %q", st.prefix, DefaultPrefix)
	}
}

func TestRedis_Unavailable(t *testing.T) {
	st := unreachableRedis()
	defer st.Close()

	ctx := context.Background()

	if _, _, err := st.Increment(ctx, "k", time.Second); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Increment() error = %v, want ErrUnavailable", err)
	}
	if _, err := st.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
	if err := st.Reset(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Reset() error = %v, want ErrUnavailable", err)
	}
}

func TestRedis_Increment(t *testing.T) {
	st, _ := setupRedisTest(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, ttl, err := st.Increment(ctx, "sequential", time.Minute)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if got != want {
			t.Errorf("Increment() = %d, want %d", got, want)
		}
		if ttl <= 0 || ttl > time.Minute {
			t.Errorf("Increment() ttl = %v, want within (0, 1m]", ttl)
		}
	}
}

func TestRedis_Increment_SetsExpiryOnce(t *testing.T) {
	st, mr := setupRedisTest(t)
	ctx := context.Background()
	mr.Select(15)

	if _, ttl, err := st.Increment(ctx, "expiry-once", 2*time.Second); err != nil || ttl != 2*time.Second {
		t.Fatalf("Increment() ttl = %v, err = %v; want 2s, nil", ttl, err)
	}
	mr.FastForward(300 * time.Millisecond)

	count, ttl, err := st.Increment(ctx, "expiry-once", 2*time.Second)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Increment() = %d, want 2", count)
	}
	if ttl != 1700*time.Millisecond {
		t.Errorf("Increment() ttl = %v, want 1.7s", ttl)
	}
	if got := mr.TTL(testPrefix + "expiry-once"); got != 1700*time.Millisecond {
		t.Errorf("server TTL = %v after second increment, want 1.7s", got)
	}
}

func TestRedis_Increment_WindowReset(t *testing.T) {
	st, mr := setupRedisTest(t)
	ctx := context.Background()
	window := 100 * time.Millisecond

	for want := int64(1); want <= 3; want++ {
		got, ttl, err := st.Increment(ctx, "reset", window)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if got != want {
			t.Errorf("Increment() = %d, want %d", got, want)
		}
		if ttl != window {
			t.Errorf("Increment() ttl = %v, want %v", ttl, window)
		}
	}

	mr.FastForward(window)

	got, ttl, err := st.Increment(ctx, "reset", window)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if got != 1 {
		t.Errorf("Increment() after window = %d, want 1", got)
	}
	if ttl != window {
		t.Errorf("Increment() ttl after window = %v, want %v", ttl, window)
	}
}

func TestRedis_Increment_KeyPrefix(t *testing.T) {
	st, mr := setupRedisTest(t)
	mr.Select(15)

	if _, _, err := st.Increment(context.Background(), "ip:10.0.0.1", time.Minute); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if got, err := mr.Get(testPrefix + "ip:10.0.0.1"); err != nil || got != "1" {
		t.Errorf("stored value = %q, %v; want \"1\"", got, err)
	}
}

func TestRedis_Unavailable_AfterShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	st := NewRedisFromClient(client, testPrefix)
	defer st.Close()

	ctx := context.Background()
	if _, _, err := st.Increment(ctx, "k", time.Second); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	mr.Close()

	if _, _, err := st.Increment(ctx, "k", time.Second); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Increment() after shutdown error = %v, want ErrUnavailable", err)
	}
}

func TestRedis_Increment_ConcurrentDistinctCounts(t *testing.T) {
	st, _ := setupRedisTest(t)

	const n = 100

	var (
		mu   sync.Mutex
		seen = make(map[int64]bool, n)
		wg   sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			count, _, err := st.Increment(context.Background(), "concurrent", time.Minute)
			if err != nil {
				t.Errorf("Increment() error = %v", err)
				return
			}
			mu.Lock()
			seen[count] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("got %d distinct counts, want %d", len(seen), n)
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("count %d never observed", i)
		}
	}
}

func TestRedis_GetAndReset(t *testing.T) {
	st, _ := setupRedisTest(t)
	ctx := context.Background()

	got, err := st.Get(ctx, "missing")
	if err != nil || got != 0 {
		t.Errorf("Get(missing) = %d, %v; want 0, nil", got, err)
	}

	for i := 0; i < 3; i++ {
		_, _, _ = st.Increment(ctx, "k", time.Minute)
	}
	if got, _ := st.Get(ctx, "k"); got != 3 {
		t.Errorf("Get(k) = %d, want 3", got)
	}

	if err := st.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got, _ := st.Get(ctx, "k"); got != 0 {
		t.Errorf("Get(k) after Reset = %d, want 0", got)
	}
}

func TestRedis_ContextCancellation(t *testing.T) {
	st, _ := setupRedisTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := st.Increment(ctx, "cancelled", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Increment() with cancelled context error = %v, want ErrUnavailable", err)
	}
}
