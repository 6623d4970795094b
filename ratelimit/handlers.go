package ratelimit

import (
	"net/http"

	"github.com/nhalm/windowgate/wrapper"
)

// SkipNever is the default skip predicate.
func SkipNever(*http.Request) (bool, error) {
	return false, nil
}

// SkipQueryParam skips rate limiting when the query parameter is present and non-empty.
//
// SECURITY: clients control the query string. Only use this where bypassing
// the limit is harmless, such as internal health checks behind auth.
func SkipQueryParam(param string) SkipFunc {
	return func(r *http.Request) (bool, error) {
		return r.URL.Query().Get(param) != "", nil
	}
}

// FailClosed is the default ErrorFunc. It returns the error (a store failure
// or an empty key), so the request is answered with a 500 and the chain does
// not run.
func FailClosed(_ http.ResponseWriter, _ *http.Request, _ http.Handler, err error) error {
	return err
}

// FailOpen is an ErrorFunc that lets requests through while the store is
// unavailable. The error is still recorded on the canonical log line.
func FailOpen(w http.ResponseWriter, r *http.Request, next http.Handler, _ error) error {
	next.ServeHTTP(w, r)
	return nil
}

// FailWith returns an ErrorFunc answering store failures with apiErr,
// e.g. wrapper.ErrServiceUnavailable.
func FailWith(apiErr *wrapper.Error) ErrorFunc {
	return func(_ http.ResponseWriter, _ *http.Request, _ http.Handler, _ error) error {
		return apiErr
	}
}

func rejectWith(apiErr *wrapper.Error) LimitReachedFunc {
	return func(_ http.ResponseWriter, _ *http.Request, _ http.Handler, _ string, _ int64) error {
		return apiErr
	}
}
