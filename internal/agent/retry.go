package agent

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
	"github.com/tjfontaine/interview-gateway/internal/metrics"
)

// RetryPolicy controls how failed agent calls are retried with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// DefaultRetryPolicy returns a RetryPolicy with 3 attempts, 200ms initial
// delay, 2x multiplier and 2s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and another attempt is allowed.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// IsRetryable reports whether err is a transport failure, a timeout or a 5xx
// answer from the agent. Health check failures and 4xx answers are permanent.
func IsRetryable(err error) bool {
	apiErr := domainerrors.AsAPIError(err)
	if apiErr == nil || apiErr.Type != domainerrors.ErrorTypeUpstream {
		return false
	}
	return apiErr.UpstreamStatus == 0 || apiErr.UpstreamStatus >= http.StatusInternalServerError
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between retries. It
// returns nil on success, the last error when attempts are exhausted or the
// error is permanent, and stops early when ctx is done.
func (p *RetryPolicy) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return lastErr
		}

		delay := p.NextDelay(attempt)
		if p.Logger != nil {
			p.Logger.Info("retrying agent call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		}
		p.Metrics.IncRetry(op)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}
