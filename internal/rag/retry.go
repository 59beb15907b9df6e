package rag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/SyncWithRaj/ChatWithYT/internal/index"
)

// RetryPolicy retries idempotent upstream reads with exponential backoff.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry is used when no policy is configured.
var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 250 * time.Millisecond}

// Do calls fn until it succeeds, the attempts run out or ctx ends. The delay
// doubles after every failure. Input and configuration errors are returned
// immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}

// statusError is implemented by adapter errors that carry an HTTP status.
type statusError interface {
	HTTPStatus() int
}

// rejected reports a 4xx answer other than 408 and 429, which no retry can fix.
func rejected(err error) bool {
	var se statusError
	if !errors.As(err, &se) {
		return false
	}
	code := se.HTTPStatus()
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

func permanent(err error) bool {
	return IsInputError(err) ||
		rejected(err) ||
		errors.Is(err, index.ErrDimensionMismatch) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
