package agent

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport failure", domainerrors.ErrUpstream("down", 0, "connection refused"), true},
		{"5xx", domainerrors.ErrUpstream("bad", http.StatusBadGateway, ""), true},
		{"4xx", domainerrors.ErrUpstream("bad", http.StatusConflict, ""), false},
		{"health check", domainerrors.ErrUnavailable("Agent service unavailable"), false},
		{"invalid state", domainerrors.ErrInvalidState("nope"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond, 2 * time.Second}
	for i, w := range want {
		if got := p.NextDelay(i + 1); got != w {
			t.Errorf("NextDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryPolicy_Execute(t *testing.T) {
	fast := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := fast.Execute(context.Background(), "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return domainerrors.ErrUpstream("down", 0, "")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		calls := 0
		err := fast.Execute(context.Background(), "op", func(context.Context) error {
			calls++
			return domainerrors.ErrUpstream("down", http.StatusServiceUnavailable, "")
		})
		if !domainerrors.IsType(err, domainerrors.ErrorTypeUpstream) {
			t.Errorf("Execute() error = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		calls := 0
		fast.Execute(context.Background(), "op", func(context.Context) error {
			calls++
			return domainerrors.ErrUpstream("rejected", http.StatusBadRequest, "")
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("context cancel stops backoff", func(t *testing.T) {
		slow := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		calls := 0
		err := slow.Execute(ctx, "op", func(context.Context) error {
			calls++
			return domainerrors.ErrUpstream("down", 0, "")
		})
		if err == nil || calls != 1 {
			t.Errorf("Execute() err = %v calls = %d, want error after 1 call", err, calls)
		}
	})

	t.Run("nil policy runs once", func(t *testing.T) {
		var p *RetryPolicy
		calls := 0
		p.Execute(context.Background(), "op", func(context.Context) error {
			calls++
			return domainerrors.ErrUpstream("down", 0, "")
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}
