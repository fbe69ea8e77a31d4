// Package poller waits for a payment to reach a terminal state by asking for
// its status at a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 30
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeTimeout means the budget ran out before a terminal state was
	// seen. The payment may still settle later.
	OutcomeTimeout Outcome = "timeout"
)

// Snapshot is one answer from the status source.
type Snapshot struct {
	Status     string
	ResultDesc string
}

type Fetcher interface {
	Fetch(ctx context.Context, checkoutRequestID string) (Snapshot, error)
}

type FetcherFunc func(ctx context.Context, checkoutRequestID string) (Snapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, checkoutRequestID string) (Snapshot, error) {
	return f(ctx, checkoutRequestID)
}

type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

type Result struct {
	Outcome    Outcome
	ResultDesc string
	Attempts   int
	// LastErr is the last fetch error seen, if any.
	LastErr error
}

type Poller struct {
	fetcher     Fetcher
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

var errPending = errors.New("poller: payment still pending")

// ErrNotFound is returned by a Fetcher, wrapped or not, when the status
// source does not know the checkout request. Wait stops at once.
var ErrNotFound = errors.New("poller: checkout request not found")

func New(fetcher Fetcher, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		fetcher:     fetcher,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
	}
}

// Wait fetches the status up to MaxAttempts times, Interval apart, and
// stops at the first terminal state. Exhausting the budget is reported as
// OutcomeTimeout with a nil error. A cancelled ctx or an unknown checkout
// request returns an error.
func (p *Poller) Wait(ctx context.Context, checkoutRequestID string) (Result, error) {
	var res Result

	backoff := retry.WithMaxRetries(uint64(p.maxAttempts-1), retry.NewConstant(p.interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res.Attempts++

		snap, err := p.fetcher.Fetch(ctx, checkoutRequestID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrNotFound) {
				res.LastErr = err
				return err
			}
			res.LastErr = err
			p.logger.Warn("status fetch failed",
				"checkout_request_id", checkoutRequestID,
				"attempt", res.Attempts,
				"error", err)
			return retry.RetryableError(err)
		}

		switch snap.Status {
		case string(OutcomeCompleted):
			res.Outcome = OutcomeCompleted
			res.ResultDesc = snap.ResultDesc
			return nil
		case string(OutcomeFailed):
			res.Outcome = OutcomeFailed
			res.ResultDesc = snap.ResultDesc
			return nil
		}

		p.logger.Debug("payment still pending",
			"checkout_request_id", checkoutRequestID,
			"attempt", res.Attempts,
			"status", snap.Status)
		return retry.RetryableError(errPending)
	})

	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if errors.Is(err, ErrNotFound) {
		return res, err
	}

	res.Outcome = OutcomeTimeout
	p.logger.Info("payment still pending after polling budget",
		"checkout_request_id", checkoutRequestID,
		"attempts", res.Attempts,
		"interval", p.interval)
	return res, nil
}

func (r Result) String() string {
	if r.ResultDesc == "" {
		return fmt.Sprintf("%s after %d attempt(s)", r.Outcome, r.Attempts)
	}
	return fmt.Sprintf("%s after %d attempt(s): %s", r.Outcome, r.Attempts, r.ResultDesc)
}
