package ratelimit_test

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/windowgate/ratelimit"
	"github.com/nhalm/windowgate/ratelimit/store"
	"github.com/nhalm/windowgate/wrapper"
)

func ExampleNew() {
	st, err := store.NewRedis(store.RedisConfig{URL: "localhost:6379"})
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	// 100 requests per minute per client IP.
	limiter, err := ratelimit.New(st, 100, time.Minute)
	if err != nil {
		log.Fatal(err)
	}

	r := chi.NewRouter()
	r.Use(wrapper.New(wrapper.WithCanonlog()))
	r.Use(limiter.Handler)
}

func ExampleWithErrorHandler() {
	st := store.NewMemory()
	defer st.Close()

	// Keep serving when the store is down; the failure is still logged.
	limiter := ratelimit.MustNew(st, 1000, time.Hour,
		ratelimit.WithName("api"),
		ratelimit.WithKeyFunc(ratelimit.KeyByHeader("X-API-Key")),
		ratelimit.WithErrorHandler(ratelimit.FailOpen),
	)

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleWithLimitReachedHandler() {
	st := store.NewMemory()
	defer st.Close()

	limiter := ratelimit.MustNew(st, 10, time.Second,
		ratelimit.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request, _ http.Handler, key string, count int64) error {
			http.Error(w, fmt.Sprintf("%s made %d requests", key, count), http.StatusTooManyRequests)
			return nil
		}),
	)

	r := chi.NewRouter()
	r.With(limiter.Handler).Post("/login", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
