package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/windowgate/ratelimit/store"
	"github.com/nhalm/windowgate/wrapper"
)

// ErrInvalidConfig is returned by New when the configuration is unusable.
var ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on all counted responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only when the limit is exceeded.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers.
	HeadersNever
)

// KeyFunc derives the rate limiting key from a request.
// Returning an empty string is an error: the request is not counted and the
// error handler receives ErrEmptyKey (default: 500).
type KeyFunc func(*http.Request) string

// SkipFunc reports whether a request bypasses rate limiting entirely.
// A returned error is written as a 500 and the chain does not run.
type SkipFunc func(*http.Request) (bool, error)

// LimitReachedFunc handles a request whose count passed the limit. key is the
// namespaced key and count the value returned by the store. Calling
// next.ServeHTTP lets the request through anyway. A non-nil return is written
// as the response: *wrapper.Error keeps its status, anything else is a 500.
// Return nil once anything has been written to w; an error returned after a
// write is logged and otherwise dropped.
type LimitReachedFunc func(w http.ResponseWriter, r *http.Request, next http.Handler, key string, count int64) error

// ErrorFunc handles a request whose counter could not be incremented.
// err wraps store.ErrUnavailable, or ErrEmptyKey when the key function
// returned "". Calling next.ServeHTTP fails open.
// A non-nil return is written as the response like LimitReachedFunc.
type ErrorFunc func(w http.ResponseWriter, r *http.Request, next http.Handler, err error) error

// Config is the immutable configuration of a Limiter.
type Config struct {
	Store          store.Store      `validate:"required"`
	Limit          int64            `validate:"gt=0"`
	Window         time.Duration    `validate:"gte=1ms,whole_ms"`
	Name           string
	KeyFunc        KeyFunc          `validate:"required"`
	Skip           SkipFunc         `validate:"required"`
	OnLimitReached LimitReachedFunc `validate:"required"`
	OnError        ErrorFunc        `validate:"required"`
	HeaderMode     HeaderMode       `validate:"gte=0,lte=2"`
}

// Option configures a Limiter.
type Option func(*Config)

// WithName namespaces every key as "<name>:<key>".
// Use to keep limiters that share a store from counting against each other.
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithKeyFunc replaces the default key function (KeyByIP).
func WithKeyFunc(fn KeyFunc) Option {
	return func(c *Config) {
		c.KeyFunc = fn
	}
}

// WithSkip sets a predicate that bypasses rate limiting when it returns true.
func WithSkip(fn SkipFunc) Option {
	return func(c *Config) {
		c.Skip = fn
	}
}

// WithLimitReachedHandler replaces the default 429 response.
func WithLimitReachedHandler(fn LimitReachedFunc) Option {
	return func(c *Config) {
		c.OnLimitReached = fn
	}
}

// WithErrorHandler replaces the default response to store failures and empty
// keys, which returns the error and so fails closed with a 500.
func WithErrorHandler(fn ErrorFunc) Option {
	return func(c *Config) {
		c.OnError = fn
	}
}

// WithHeaderMode configures when rate limit headers are included in responses.
func WithHeaderMode(mode HeaderMode) Option {
	return func(c *Config) {
		c.HeaderMode = mode
	}
}

var validate = newValidator()

// whole_ms keeps the Redis store (millisecond PEXPIRE) and the memory store
// agreeing on window length.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("whole_ms", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(time.Duration)
		return ok && d%time.Millisecond == 0
	})
	return v
}

// New creates a limiter allowing limit requests per window for each key.
// The window must be a whole number of milliseconds, at least one; counters
// are stored with millisecond expiry.
//
// Options:
//   - WithName: namespace prefix for keys
//   - WithKeyFunc: key derivation (default: KeyByIP)
//   - WithSkip: bypass predicate (default: never skip)
//   - WithLimitReachedHandler: response over the limit (default: 429)
//   - WithErrorHandler: response to store failures (default: 500)
//   - WithHeaderMode: header visibility (default: HeadersAlways)
//
// Returns an error wrapping ErrInvalidConfig when st is nil, limit or window
// are not positive, window has a sub-millisecond part, or an option was given
// a nil function.
func New(st store.Store, limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	cfg := Config{
		Store:      st,
		Limit:      int64(limit),
		Window:     window,
		KeyFunc:    KeyByIP(),
		Skip:       SkipNever,
		OnError:    FailClosed,
		HeaderMode: HeadersAlways,
	}
	cfg.OnLimitReached = rejectWith(wrapper.ErrRateLimited.With(
		fmt.Sprintf("Rate limit exceeded: %d requests per %s", limit, window)))

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, configError(err)
	}

	return &Limiter{cfg: cfg}, nil
}

// MustNew is like New but panics on an invalid configuration.
func MustNew(st store.Store, limit int, window time.Duration, opts ...Option) *Limiter {
	l, err := New(st, limit, window, opts...)
	if err != nil {
		panic(err)
	}
	return l
}

func configError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "whole_ms":
			msgs = append(msgs, fe.Field()+" must be a whole number of milliseconds")
		case "gt", "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), minimum(fe)))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func minimum(fe validator.FieldError) string {
	if fe.Tag() == "gt" {
		return "1"
	}
	return fe.Param()
}
