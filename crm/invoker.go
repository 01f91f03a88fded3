package crm

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/formsync_backend/clock"
	"github.com/sirupsen/logrus"
)

// Invoker wraps a CRM call. An AuthError forces one token refresh and one
// retry. A RateLimitError waits Retry-After (or a doubling fallback) on the
// injected clock, up to MaxRateLimitWaits times, before surfacing as
// transient. A Retry-After above MaxRateLimitWait is not slept; it surfaces
// at once as a TransientNetworkError carrying the delay.
type Invoker struct {
	Tokens            TokenSource
	Clock             clock.Clock
	MaxRateLimitWaits int
	MaxRateLimitWait  time.Duration
	RateLimitBase     time.Duration
	Logger            *logrus.Logger
}

const DefaultMaxRateLimitWait = time.Minute

func NewInvoker(tokens TokenSource, clk clock.Clock, maxWaits int, base time.Duration, logger *logrus.Logger) *Invoker {
	if clk == nil {
		clk = clock.Real()
	}
	if base <= 0 {
		base = time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Invoker{
		Tokens:            tokens,
		Clock:             clk,
		MaxRateLimitWaits: maxWaits,
		MaxRateLimitWait:  DefaultMaxRateLimitWait,
		RateLimitBase:     base,
		Logger:            logger,
	}
}

// Do runs fn with a valid access token.
func (inv *Invoker) Do(ctx context.Context, op string, fn func(ctx context.Context, token string) error) error {
	_, err := Invoke(ctx, inv, op, func(ctx context.Context, token string) (struct{}, error) {
		return struct{}{}, fn(ctx, token)
	})
	return err
}

// Invoke is Do for calls that return a value.
func Invoke[T any](ctx context.Context, inv *Invoker, op string, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T
	token, err := inv.Tokens.AccessToken(ctx)
	if err != nil {
		return zero, err
	}

	refreshed := false
	waits := 0
	for {
		result, err := fn(ctx, token)
		if err == nil {
			return result, nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) && !refreshed {
			refreshed = true
			inv.Logger.WithFields(logrus.Fields{
				"field": "CRMInvoker",
				"op":    op,
			}).Warn("crm rejected token, forcing refresh")
			token, err = inv.Tokens.ForceRefresh(ctx)
			if err != nil {
				return zero, err
			}
			continue
		}

		var rateErr *RateLimitError
		if errors.As(err, &rateErr) {
			delay := rateErr.RetryAfter
			if inv.MaxRateLimitWait > 0 && delay > inv.MaxRateLimitWait {
				inv.Logger.WithFields(logrus.Fields{
					"field": "CRMInvoker",
					"op":    op,
					"wait":  delay.String(),
				}).Warn("crm rate limit wait too long, deferring")
				return zero, &TransientNetworkError{Message: "rate limit wait exceeds cap for " + op, Err: err, RetryAfter: delay}
			}
			if waits >= inv.MaxRateLimitWaits {
				return zero, &TransientNetworkError{Message: "rate limit wait budget exhausted for " + op, Err: err}
			}
			if delay <= 0 {
				delay = inv.RateLimitBase << waits
			}
			waits++
			inv.Logger.WithFields(logrus.Fields{
				"field": "CRMInvoker",
				"op":    op,
				"wait":  delay.String(),
				"n":     waits,
			}).Warn("crm rate limited, waiting")
			if err := sleepClock(ctx, inv.Clock, delay); err != nil {
				return zero, &TransientNetworkError{Message: "rate limit wait interrupted", Err: err}
			}
			continue
		}

		return zero, err
	}
}

func sleepClock(ctx context.Context, clk clock.Clock, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(delay):
		return nil
	}
}
