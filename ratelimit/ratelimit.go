// Package ratelimit provides fixed-window rate limiting middleware for Chi and
// standard http.Handler chains, backed by a shared counter store.
//
// Every non-skipped request costs exactly one atomic store increment. The
// first increment for a key opens a window of the configured duration; once
// the count passes the limit, requests are diverted to the limit-reached
// handler until the store expires the counter. Windows are fixed, so up to
// twice the limit can pass around a window boundary.
//
// Basic example:
//
//	st, err := store.NewRedis(store.RedisConfig{URL: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	limiter, err := ratelimit.New(st, 100, time.Minute)
//	if err != nil {
//		return err
//	}
//	r.Use(limiter.Handler)
//
// Defaults are conservative: requests over the limit get 429, and a store
// failure gets 500. Both are replaceable with WithLimitReachedHandler and
// WithErrorHandler; the replacement receives the rest of the chain and may
// call it to let the request through.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nhalm/canonlog"
	"github.com/nhalm/windowgate/ratelimit/store"
	"github.com/nhalm/windowgate/wrapper"
)

// ErrEmptyKey is returned by Take when asked to count an empty key. The
// middleware hands it to the error handler, so by default a request whose key
// function finds nothing to key on is refused.
var ErrEmptyKey = errors.New("ratelimit: empty key")

// Outcome values logged under ratelimit_outcome.
const (
	OutcomeAllowed    = "allowed"
	OutcomeRejected   = "rejected"
	OutcomeSkipped    = "skipped"
	OutcomeStoreError = "store_error"
	OutcomeSkipError  = "skip_error"
	OutcomeKeyError   = "key_error"
)

// Limiter implements fixed-window rate limiting middleware.
// It holds no per-key state; all counters live in the store.
type Limiter struct {
	cfg Config
}

// Result is the outcome of a single counter increment.
type Result struct {
	Key   string
	Count int64
	Limit int64
	TTL   time.Duration
}

// Exceeded reports whether the increment pushed the count past the limit.
func (r Result) Exceeded() bool {
	return r.Count > r.Limit
}

// Remaining is the number of requests left in the current window.
func (r Result) Remaining() int64 {
	return max(0, r.Limit-r.Count)
}

// ResetAt is when the current window ends.
func (r Result) ResetAt() time.Time {
	return time.Now().Add(r.TTL)
}

// Config returns a copy of the limiter's configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Take counts one action for key and reports where the count now stands.
// The key is namespaced with the configured name. The increment is not
// undone if ctx is cancelled after the store applied it. Store failures are
// returned wrapped in store.ErrUnavailable.
func (l *Limiter) Take(ctx context.Context, key string) (Result, error) {
	if key == "" {
		return Result{}, ErrEmptyKey
	}
	key = l.namespaced(key)

	count, ttl, err := l.cfg.Store.Increment(ctx, key, l.cfg.Window)
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
		return Result{Key: key, Limit: l.cfg.Limit}, err
	}

	return Result{Key: key, Count: count, Limit: l.cfg.Limit, TTL: ttl}, nil
}

// Handler returns the rate limiting middleware.
//
// Per request, in order:
//   - the skip predicate runs; true passes the request through uncounted
//   - the key function runs
//   - the counter is incremented once
//   - on an empty key or a store error the error handler runs (default: 500)
//   - within the limit the request continues down the chain
//   - over the limit the limit-reached handler runs (default: 429)
//
// Depending on the header mode, RateLimit-Limit, RateLimit-Remaining,
// RateLimit-Reset and (when limited) Retry-After are set, following
// draft-ietf-httpapi-ratelimit-headers.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		skip, err := l.cfg.Skip(r)
		if err != nil {
			logError(ctx, OutcomeSkipError, err)
			l.fail(w, r, fmt.Errorf("ratelimit: skip predicate failed: %w", err))
			return
		}
		if skip {
			logFields(ctx, map[string]any{"ratelimit_outcome": OutcomeSkipped})
			next.ServeHTTP(w, r)
			return
		}

		cont := &continuation{next: next}

		res, err := l.Take(ctx, l.cfg.KeyFunc(r))
		if err != nil {
			outcome := OutcomeStoreError
			if errors.Is(err, ErrEmptyKey) {
				outcome = OutcomeKeyError
			}
			logFields(ctx, map[string]any{"ratelimit_key": res.Key})
			logError(ctx, outcome, err)
			tw := &trackingWriter{ResponseWriter: w}
			l.finish(tw, r, l.cfg.OnError(tw, r, cont, err))
			return
		}

		exceeded := res.Exceeded()
		outcome := OutcomeAllowed
		if exceeded {
			outcome = OutcomeRejected
		}
		logFields(ctx, map[string]any{
			"ratelimit_key":     res.Key,
			"ratelimit_count":   res.Count,
			"ratelimit_limit":   res.Limit,
			"ratelimit_outcome": outcome,
		})

		l.setHeaders(w, r, res)

		if !exceeded {
			next.ServeHTTP(w, r)
			return
		}

		tw := &trackingWriter{ResponseWriter: w}
		l.finish(tw, r, l.cfg.OnLimitReached(tw, r, cont, res.Key, res.Count))
	})
}

func (l *Limiter) namespaced(key string) string {
	if l.cfg.Name == "" {
		return key
	}
	var b strings.Builder
	b.Grow(len(l.cfg.Name) + 1 + len(key))
	b.WriteString(l.cfg.Name)
	b.WriteByte(':')
	b.WriteString(key)
	return b.String()
}

func (l *Limiter) setHeaders(w http.ResponseWriter, r *http.Request, res Result) {
	exceeded := res.Exceeded()
	switch l.cfg.HeaderMode {
	case HeadersNever:
		return
	case HeadersOnLimitExceeded:
		if !exceeded {
			return
		}
	}

	set := w.Header().Set
	if wrapper.HasState(r.Context()) {
		set = func(key, value string) { wrapper.SetHeader(r, key, value) }
	}

	set("RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	set("RateLimit-Remaining", strconv.FormatInt(res.Remaining(), 10))
	set("RateLimit-Reset", strconv.FormatInt(res.ResetAt().Unix(), 10))
	if exceeded {
		set("Retry-After", strconv.Itoa(retryAfterSeconds(res.TTL)))
	}
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(ttl time.Duration) int {
	secs := int((ttl + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// fail writes err as the response. A *wrapper.Error keeps its status; any
// other error becomes a 500.
func (l *Limiter) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := wrapper.AsError(err, wrapper.ErrInternal.With("Rate limit check failed"))
	if wrapper.HasState(r.Context()) {
		wrapper.SetError(r, apiErr)
		return
	}
	http.Error(w, apiErr.Message, apiErr.Status)
}

// finish writes a handler's returned error unless the handler already wrote
// a response, in which case the error is only logged.
func (l *Limiter) finish(tw *trackingWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if tw.wrote {
		logFields(r.Context(), map[string]any{"ratelimit_handler_error": err.Error()})
		return
	}
	l.fail(tw.ResponseWriter, r, err)
}

// trackingWriter records whether a handler started writing the response.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.wrote = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.wrote = true
	return tw.ResponseWriter.Write(b)
}

func (tw *trackingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		tw.wrote = true
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}

// continuation is the rest of the chain handed to handlers. It runs next at
// most once no matter how often a handler calls it.
type continuation struct {
	next http.Handler
	once sync.Once
}

func (c *continuation) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.once.Do(func() {
		c.next.ServeHTTP(w, r)
	})
}

func logFields(ctx context.Context, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, fields)
}

func logError(ctx context.Context, outcome string, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAdd(ctx, "ratelimit_outcome", outcome)
	canonlog.ErrorAdd(ctx, err)
}
