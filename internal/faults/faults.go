// Package faults defines the error taxonomy surfaced by the core and the
// shared retry policy for transient downstream failures.
package faults

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Sentinel errors; callers classify with errors.Is.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrQueueFull            = errors.New("ingestion queue full")
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrLLMUnavailable       = errors.New("llm unavailable")
	ErrDimensionMismatch    = errors.New("embedding dimension mismatch")
	ErrSessionBusy          = errors.New("session busy")
	ErrDeadlineExceeded     = errors.New("deadline exceeded")
	ErrInternal             = errors.New("internal error")
)

// Kind is the transport-neutral classification of an error.
type Kind string

const (
	KindUnauthorized         Kind = "unauthorized"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not_found"
	KindQueueFull            Kind = "queue_full"
	KindRetrievalUnavailable Kind = "retrieval_unavailable"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindLLMUnavailable       Kind = "llm_unavailable"
	KindDimensionMismatch    Kind = "dimension_mismatch"
	KindSessionBusy          Kind = "session_busy"
	KindDeadlineExceeded     Kind = "deadline_exceeded"
	KindInternal             Kind = "internal"
)

// KindOf maps an error to its taxonomy kind; unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrRetrievalUnavailable):
		return KindRetrievalUnavailable
	case errors.Is(err, ErrEmbeddingUnavailable):
		return KindEmbeddingUnavailable
	case errors.Is(err, ErrLLMUnavailable):
		return KindLLMUnavailable
	case errors.Is(err, ErrDimensionMismatch):
		return KindDimensionMismatch
	case errors.Is(err, ErrSessionBusy):
		return KindSessionBusy
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	default:
		return KindInternal
	}
}

// RetryPolicy controls Retry. Defaults match the core contract: three
// attempts, 500 ms base, exponential doubling, ±20% jitter.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Jitter   float64
}

// DefaultRetry is the policy applied to transient downstream faults.
var DefaultRetry = RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond, Jitter: 0.2}

// Retry runs fn up to p.Attempts times, sleeping base*2^n with jitter
// between attempts. It stops early when ctx is done or fn reports a
// permanent failure via Permanent.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	if p.Attempts <= 0 {
		p = DefaultRetry
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrDeadlineExceeded, ctx.Err())
			case <-time.After(backoff(p, attempt)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}
	return err
}

func backoff(p RetryPolicy, attempt int) time.Duration {
	d := p.Base << (attempt - 1)
	if p.Jitter > 0 {
		// Spread across [1-j, 1+j].
		f := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
