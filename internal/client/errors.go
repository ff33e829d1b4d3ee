package client

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/longern/webtransportify/internal/domain"
)

// APIError is a structured error returned by the directory.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap maps the status to a domain sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	}
	return nil
}

// isRetriable reports whether a failed call may succeed when repeated.
// Request-shape and auth errors fail fast.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		if ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode == http.StatusRequestTimeout {
			return true
		}
		return ae.StatusCode >= 500
	}
	return true
}

const (
	retryInitialDelay = 500 * time.Millisecond
	retryMaxDelay     = 30 * time.Second
)

// Retry calls fn until it succeeds, fails with a non-retriable error, the
// attempts are exhausted or ctx is done.
func Retry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var delay time.Duration
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !isRetriable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay = nextBackoff(delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		current = retryInitialDelay / 2
	}
	next := min(current*2, retryMaxDelay)
	// Add ±25% jitter to avoid thundering herd on reconnect.
	jitter := 1.0 + (rand.Float64()-0.5)*0.5 // range [0.75, 1.25]
	return time.Duration(float64(next) * jitter)
}
