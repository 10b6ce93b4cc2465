// Package sink persists position assessments to an append-only store with
// bounded retry.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Backend stores one encoded record and returns an opaque reference.
type Backend interface {
	Name() string
	Put(ctx context.Context, rec Record) (string, error)
}

// RetryOptions bound the write retry loop.
type RetryOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryOptions is 5 attempts starting at 250ms, doubling, capped at 5s.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxAttempts: 5, InitialBackoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Writer encodes payloads and hands them to a backend.
type Writer struct {
	backend Backend
	opts    RetryOptions
	logger  zerolog.Logger
	timer   backoff.Timer
}

// NewWriter builds a writer over backend.
func NewWriter(backend Backend, opts RetryOptions, logger zerolog.Logger) *Writer {
	def := DefaultRetryOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	return &Writer{
		backend: backend,
		opts:    opts,
		logger:  logger.With().Str("component", "position_writer").Str("backend", backend.Name()).Logger(),
	}
}

// WithTimer replaces the timer used between attempts.
func (w *Writer) WithTimer(t backoff.Timer) *Writer {
	w.timer = t
	return w
}

// NewBackOff returns the exponential schedule for opts without jitter.
func NewBackOff(opts RetryOptions) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WritePosition encodes p and writes it, retrying failed attempts.
func (w *Writer) WritePosition(ctx context.Context, p Payload) (string, error) {
	rec, err := Encode(p)
	if err != nil {
		return "", err
	}

	var (
		ref     string
		attempt int
	)
	operation := func() error {
		attempt++
		var putErr error
		ref, putErr = w.backend.Put(ctx, rec)
		return putErr
	}
	notify := func(err error, next time.Duration) {
		w.logger.Warn().Err(err).
			Str("position_id", p.PositionID.Hex()).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("position write failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(NewBackOff(w.opts), uint64(w.opts.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotifyWithTimer(operation, policy, notify, w.timer); err != nil {
		return "", fmt.Errorf("write position %s after %d attempts: %w", p.PositionID.Hex(), attempt, err)
	}

	w.logger.Debug().
		Str("position_id", p.PositionID.Hex()).
		Str("ref", ref).
		Int("attempts", attempt).
		Msg("position written")
	return ref, nil
}
