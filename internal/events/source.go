// Package events turns PositionUpdated logs into pipeline updates, either from
// a live subscription (push) or by polling block ranges (pull).
package events

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"position-relayer/internal/ledger"
	"position-relayer/internal/metrics"
	"position-relayer/internal/scheduler"
	"position-relayer/internal/storage"
)

// Handler receives every decoded update in log order.
type Handler func(ctx context.Context, update ledger.PositionUpdate)

// Options configure a Source.
type Options struct {
	Contract         common.Address
	Push             bool
	PollInterval     time.Duration
	StartBlockOffset uint64
	MaxBlockRange    uint64
	RequestTimeout   time.Duration
	ResubscribeMin   time.Duration
	ResubscribeMax   time.Duration
	Counters         *metrics.Counters
	// Locker, when set, keeps pull mode to one replica.
	Locker  storage.AdvisoryLocker
	LockKey int64
}

// Source reads position updates from the ledger.
type Source struct {
	client  ledger.Client
	opts    Options
	handler Handler
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	lastSeen atomic.Uint64

	// pull cursor, owned by the poll loop
	started bool
	next    uint64
}

// New builds a source; handler must not be nil.
func New(client ledger.Client, opts Options, handler Handler, logger zerolog.Logger) *Source {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ResubscribeMin <= 0 {
		opts.ResubscribeMin = time.Second
	}
	if opts.ResubscribeMax <= 0 {
		opts.ResubscribeMax = time.Minute
	}
	if opts.Counters == nil {
		opts.Counters = metrics.NewCounters()
	}
	return &Source{
		client:  client,
		opts:    opts,
		handler: handler,
		logger:  logger.With().Str("component", "events").Logger(),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run starts push or pull mode and blocks until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	if s.opts.Push {
		return s.RunPush(ctx)
	}
	return s.RunPull(ctx)
}

// RunPull polls [next, head] every PollInterval, starting StartBlockOffset
// blocks behind the head. Ticks never overlap.
func (s *Source) RunPull(ctx context.Context) error {
	unlock, err := s.awaitLock(ctx)
	if err != nil {
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	s.logger.Info().
		Str("contract", s.opts.Contract.Hex()).
		Dur("interval", s.opts.PollInterval).
		Msg("pull mode started")
	sched := scheduler.New(scheduler.Options{Interval: s.opts.PollInterval}, s.logger)
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return s.poll(ctx)
	})
}

func (s *Source) awaitLock(ctx context.Context) (func(), error) {
	if s.opts.Locker == nil || s.opts.LockKey == 0 {
		return nil, nil
	}
	for {
		unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
		switch {
		case err != nil && !errors.Is(err, storage.ErrNotConfigured):
			s.logger.Warn().Err(err).Msg("advisory lock attempt failed")
		case errors.Is(err, storage.ErrNotConfigured):
			return nil, nil
		case acquired:
			s.logger.Info().Int64("lock_key", s.opts.LockKey).Msg("acquired poller lock")
			return unlock, nil
		default:
			s.logger.Debug().Msg("poller lock held by another replica, standing by")
		}
		if err := s.sleep(ctx, s.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (s *Source) poll(ctx context.Context) error {
	head, err := s.blockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head block: %w", err)
	}
	if !s.started {
		s.next = startBlock(head, s.opts.StartBlockOffset)
		s.started = true
	}
	if head < s.next {
		return nil
	}
	to := s.clamp(s.next, head)
	if _, err := s.fetch(ctx, s.next, to); err != nil {
		return err
	}
	s.next = to + 1
	return nil
}

func startBlock(head, offset uint64) uint64 {
	if head < offset {
		return 0
	}
	return head - offset
}

func (s *Source) clamp(from, head uint64) uint64 {
	if s.opts.MaxBlockRange == 0 || head-from+1 <= s.opts.MaxBlockRange {
		return head
	}
	return from + s.opts.MaxBlockRange - 1
}

// RunPush subscribes to new logs. On subscription failure it backs off
// (ResubscribeMin doubling to ResubscribeMax), and after reconnecting it
// fetches the blocks it missed before resuming the stream.
func (s *Source) RunPush(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ResubscribeMin
	b.MaxInterval = s.opts.ResubscribeMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := s.subscribeOnce(ctx, b)
		s.opts.Counters.SetConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("subscription lost, resubscribing")
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Source) subscribeOnce(ctx context.Context, b backoff.BackOff) error {
	logs := make(chan types.Log, 128)
	sub, err := s.client.SubscribeFilterLogs(ctx, ledger.Query(s.opts.Contract, nil, nil), logs)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	s.opts.Counters.SetConnected(true)
	b.Reset()
	s.logger.Info().Str("contract", s.opts.Contract.Hex()).Msg("subscribed to position updates")

	s.catchUp(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case lg := <-logs:
			s.dispatch(ctx, []types.Log{lg})
		}
	}
}

// catchUp replays blocks after the last one seen. On the first connection it
// only records the head.
func (s *Source) catchUp(ctx context.Context) {
	head, err := s.blockNumber(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read head block for catch-up")
		return
	}
	last := s.lastSeen.Load()
	if last == 0 {
		s.observe(head)
		return
	}
	if head <= last {
		return
	}
	n, err := s.Replay(ctx, last+1, head)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("from", last+1).Uint64("to", head).Msg("catch-up incomplete")
		return
	}
	s.logger.Info().Uint64("from", last+1).Uint64("to", head).Int("updates", n).Msg("caught up missed blocks")
}

// Replay fetches [from, to] in MaxBlockRange chunks and dispatches every
// update. A zero to means the current head.
func (s *Source) Replay(ctx context.Context, from, to uint64) (int, error) {
	if to == 0 {
		head, err := s.blockNumber(ctx)
		if err != nil {
			return 0, fmt.Errorf("read head block: %w", err)
		}
		to = head
	}
	if from > to {
		return 0, fmt.Errorf("invalid block range %d-%d", from, to)
	}

	total := 0
	for start := from; start <= to; {
		end := s.clamp(start, to)
		n, err := s.fetch(ctx, start, end)
		total += n
		if err != nil {
			return total, err
		}
		if end == to {
			break
		}
		start = end + 1
	}
	return total, nil
}

func (s *Source) fetch(ctx context.Context, from, to uint64) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	q := ledger.Query(s.opts.Contract, new(big.Int).SetUint64(from), new(big.Int).SetUint64(to))
	logs, err := s.client.FilterLogs(reqCtx, q)
	if err != nil {
		return 0, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	s.logger.Debug().Uint64("from", from).Uint64("to", to).Int("logs", len(logs)).Msg("fetched logs")
	return s.dispatch(ctx, logs), nil
}

func (s *Source) dispatch(ctx context.Context, logs []types.Log) int {
	n := 0
	for _, lg := range logs {
		if lg.Removed {
			s.logger.Warn().
				Uint64("block", lg.BlockNumber).
				Str("tx_hash", lg.TxHash.Hex()).
				Msg("skipping removed log")
			continue
		}
		s.observe(lg.BlockNumber)

		update, err := ledger.Decode(lg)
		if err != nil {
			s.opts.Counters.RecordDecodeFailure()
			s.logger.Error().Err(err).
				Uint64("block", lg.BlockNumber).
				Str("tx_hash", lg.TxHash.Hex()).
				Uint("log_index", lg.Index).
				Msg("failed to decode position update")
			continue
		}
		s.opts.Counters.ObserveBlock(update.BlockNumber)
		s.handler(ctx, update)
		n++
	}
	return n
}

func (s *Source) observe(block uint64) {
	for {
		cur := s.lastSeen.Load()
		if block <= cur || s.lastSeen.CompareAndSwap(cur, block) {
			return
		}
	}
}

// LastSeenBlock is the highest block observed.
func (s *Source) LastSeenBlock() uint64 { return s.lastSeen.Load() }

func (s *Source) blockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	return s.client.BlockNumber(ctx)
}
