package casefile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/collectivites/gsl/internal/domain"
)

// RetryConfig bounds the attempts made for one case-system operation.
type RetryConfig struct {
	// MaxAttempts counts the first call
	MaxAttempts int
	// AttemptTimeout caps each individual HTTP exchange
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter float64
}

// DefaultRetryConfig returns the retry settings used in production.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		AttemptTimeout: 15 * time.Second,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Jitter:         0.2,
	}
}

func (r RetryConfig) backoff(attempt int) time.Duration {
	d := float64(r.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if d > float64(r.MaxBackoff) {
		d = float64(r.MaxBackoff)
	}
	if r.Jitter > 0 {
		d += d * r.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// statusError is a non-2xx HTTP response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// graphQLError carries the messages of a GraphQL error payload. The request
// reached the server and was rejected, so it is never retried.
type graphQLError struct {
	Messages []string
}

func (e *graphQLError) Error() string {
	return fmt.Sprintf("graphql: %v", e.Messages)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
	}
	var ge *graphQLError
	return !errors.As(err, &ge)
}

// withRetry runs fn under the rate limiter until it succeeds, fails with a
// permanent error or runs out of attempts. Failures come back as
// *domain.ExternalSyncError.
func (c *Client) withRetry(ctx context.Context, op string, number int64, fn func(ctx context.Context) error) error {
	var (
		err     error
		attempt int
	)
	for attempt = 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if werr := c.limiter.Wait(ctx); werr != nil {
			err = werr
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.AttemptTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil || attempt == c.retry.MaxAttempts {
			break
		}

		wait := c.retry.backoff(attempt)
		c.log.Warn().
			Err(err).
			Str("operation", op).
			Int64("dossier_number", number).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Case system call failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
			return &domain.ExternalSyncError{Operation: op, DossierNumber: number, Attempts: attempt, Err: err}
		case <-timer.C:
		}
	}
	if attempt > c.retry.MaxAttempts {
		attempt = c.retry.MaxAttempts
	}
	return &domain.ExternalSyncError{Operation: op, DossierNumber: number, Attempts: attempt, Err: err}
}
