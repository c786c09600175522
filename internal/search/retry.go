package search

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// RetryConfig controls the backoff schedule for RetryWithBackoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the per-call policy for catalog requests:
// 3 attempts, 500ms→1s→2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryWithBackoff runs fn until it succeeds, fails hard, or runs out of
// attempts, sleeping a jittered exponential backoff between attempts. A
// catalog that answered gave a final answer; only failures to reach it
// retry. Context cancellation during a backoff sleep is respected.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientError(lastErr) || attempt == attempts {
			return lastErr
		}

		timer := time.NewTimer(cfg.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// backoff yields the delay before retry number attempt: InitialDelay scaled
// by Multiplier per completed attempt, capped at MaxDelay, spread ±25% so
// sources recovering from an outage are not hit in lockstep.
func (cfg RetryConfig) backoff(attempt int) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	if ceiling := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && delay > ceiling {
		delay = ceiling
	}
	delay *= 0.75 + rand.Float64()*0.5
	if ceiling := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay)
}

// isTransientError separates "ask the catalog again" failures from final
// answers. Network-level trouble retries: timeouts, resets, refused or
// broken connections, truncated bodies. An HTTP response is final except
// for 408 and 429, which the upstream itself marks retryable; a detail
// endpoint's 404 in particular means the catalog does not carry the item,
// and asking again will not change that.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	text := strings.ToLower(err.Error())
	if strings.Contains(text, "http 408") || strings.Contains(text, "http 429") {
		return true
	}
	if strings.Contains(text, "http 4") {
		return false
	}
	for _, marker := range []string{
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"tls",
		"eof",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
