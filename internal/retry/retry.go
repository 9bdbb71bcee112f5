package retry

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"harvester/internal/errs"
)

// Controller re-runs an operation with exponential backoff while the
// failure is retryable. The delay before retry n (0-based) is Base * 2^n.
type Controller struct {
	Base    time.Duration
	Logger  *slog.Logger
	OnRetry func(attempt int, delay time.Duration, err error)
}

func New(base time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{Base: base, Logger: logger}
}

// Do calls op at most maxAttempts times. Non-retryable errors are returned
// unchanged after the call that produced them; a retryable error that
// survives every attempt comes back as *errs.ExhaustedRetries.
func (c *Controller) Do(ctx context.Context, op func(context.Context) error, maxAttempts int, isRetryable func(error) bool) error {
	_, err := Value(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, maxAttempts, isRetryable)
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, c *Controller, op func(context.Context) (T, error), maxAttempts int, isRetryable func(error) bool) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if isRetryable == nil {
		isRetryable = IsRateLimited
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !isRetryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		if ctx.Err() != nil {
			return zero, lastErr
		}

		wait := c.Base * (1 << uint(attempt))
		logger.WarnContext(ctx, "retrying after rate limit",
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"delay", wait,
			"error", err)
		if c.OnRetry != nil {
			c.OnRetry(attempt, wait, err)
		}

		select {
		case <-ctx.Done():
			return zero, lastErr
		case <-time.After(wait):
		}
	}
	return zero, &errs.ExhaustedRetries{Attempts: maxAttempts, Last: lastErr}
}

var reRateLimited = regexp.MustCompile(`(?i)\b(?:http|status)[\s:=]*429\b|too many requests`)

// IsRateLimited is the default retry predicate: typed transient failures,
// or untyped engine errors whose text names an HTTP 429. Exhausted retries
// and navigation failures are never retried, whatever their text says.
func IsRateLimited(err error) bool {
	if err == nil || errs.IsExhausted(err) {
		return false
	}
	if errs.IsTransient(err) {
		return true
	}
	if errs.IsNavigation(err) {
		return false
	}
	return reRateLimited.MatchString(err.Error())
}
