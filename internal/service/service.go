// Package service wires decoded ledger updates through health assessment,
// the position sink, alerting and the rescue actuator.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"position-relayer/internal/alerting"
	"position-relayer/internal/health"
	"position-relayer/internal/ledger"
	"position-relayer/internal/metrics"
	"position-relayer/internal/oracle"
	"position-relayer/internal/rescue"
	"position-relayer/internal/sink"
)

// PositionWriter persists assessed positions.
type PositionWriter interface {
	WritePosition(ctx context.Context, p sink.Payload) (string, error)
}

// Rescuer receives every assessed update and decides whether to act.
type Rescuer interface {
	ProcessUpdate(ctx context.Context, u rescue.Update) rescue.Outcome
}

// Options configure the pipeline.
type Options struct {
	Protocol        string
	CollateralToken common.Address
	DebtToken       common.Address
	AlertCooldown   time.Duration
	// DryRun assesses updates without writing or rescuing.
	DryRun bool
	Now    func() time.Time
}

// Result is the outcome of one update.
type Result struct {
	Update     ledger.PositionUpdate
	Assessment health.Assessment
	Payload    sink.Payload
	// Live is false when the static fallback prices were used.
	Live     bool
	Ref      string
	WriteErr error
	Rescue   rescue.Outcome
}

// Service orchestrates assessment, persistence, alerting and rescue.
type Service struct {
	engine   *health.Engine
	breaker  *oracle.Breaker
	writer   PositionWriter
	rescuer  Rescuer
	notifier alerting.Notifier
	counters *metrics.Counters
	opts     Options
	logger   zerolog.Logger

	mu      sync.Mutex
	queues  map[common.Hash][]ledger.PositionUpdate
	workers sync.WaitGroup

	alertMu   sync.Mutex
	lastAlert map[common.Hash]time.Time
}

// New constructs the pipeline. breaker, writer, rescuer and notifier may be nil.
func New(engine *health.Engine, breaker *oracle.Breaker, writer PositionWriter, rescuer Rescuer, notifier alerting.Notifier, counters *metrics.Counters, opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if counters == nil {
		counters = metrics.NewCounters()
	}
	return &Service{
		engine:    engine,
		breaker:   breaker,
		writer:    writer,
		rescuer:   rescuer,
		notifier:  notifier,
		counters:  counters,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		queues:    make(map[common.Hash][]ledger.PositionUpdate),
		lastAlert: make(map[common.Hash]time.Time),
	}
}

// Handle queues u behind any in-flight update for the same position and
// returns immediately. Updates for one position are processed in arrival
// order; different positions proceed concurrently.
func (s *Service) Handle(ctx context.Context, u ledger.PositionUpdate) {
	s.mu.Lock()
	pending, active := s.queues[u.PositionID]
	s.queues[u.PositionID] = append(pending, u)
	if !active {
		s.workers.Add(1)
		go s.drain(ctx, u.PositionID)
	}
	s.mu.Unlock()
}

func (s *Service) drain(ctx context.Context, id common.Hash) {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		pending := s.queues[id]
		if len(pending) == 0 {
			delete(s.queues, id)
			s.mu.Unlock()
			return
		}
		next := pending[0]
		s.queues[id] = pending[1:]
		s.mu.Unlock()

		s.Process(ctx, next)
	}
}

// Wait blocks until every queued update has been processed.
func (s *Service) Wait() {
	s.workers.Wait()
}

// Process runs one update through the pipeline synchronously.
func (s *Service) Process(ctx context.Context, u ledger.PositionUpdate) Result {
	start := s.opts.Now()
	res := Result{Update: u}
	res.Assessment, res.Live = s.assess(ctx, u)
	res.Payload = s.payload(u, res.Assessment)

	log := s.logger.With().
		Str("position_id", u.PositionID.Hex()).
		Str("owner", u.Owner.Hex()).
		Uint64("block", u.BlockNumber).
		Logger()

	if s.opts.DryRun {
		log.Info().
			Str("health_factor", res.Assessment.HealthFactor.String()).
			Str("status", string(res.Assessment.Status)).
			Bool("live_prices", res.Live).
			Msg("position assessed (dry run)")
		return res
	}

	if s.writer != nil {
		res.Ref, res.WriteErr = s.writer.WritePosition(ctx, res.Payload)
		if res.WriteErr != nil {
			s.counters.RecordFailure()
			log.Error().Err(res.WriteErr).Msg("failed to write position")
		} else {
			s.counters.RecordWrite()
		}
	}

	log.Info().
		Str("health_factor", res.Assessment.HealthFactor.String()).
		Str("status", string(res.Assessment.Status)).
		Bool("live_prices", res.Live).
		Str("ref", res.Ref).
		Int64("latency_ms", s.opts.Now().Sub(start).Milliseconds()).
		Msg("position processed")

	if res.Assessment.Status == health.StatusAtRisk {
		s.alert(ctx, u, res.Assessment)
	}

	if s.rescuer != nil {
		res.Rescue = s.rescuer.ProcessUpdate(ctx, rescue.Update{
			PositionID:   u.PositionID,
			Owner:        u.Owner,
			Collateral:   u.Collateral,
			Debt:         u.Debt,
			HealthFactor: res.Assessment.HealthFactor,
			Status:       string(res.Assessment.Status),
		})
		if res.Rescue != rescue.OutcomeSkipped {
			log.Info().Str("outcome", string(res.Rescue)).Msg("rescue evaluated")
		}
	}
	return res
}

// assess uses live prices unless the breaker is open or resolution fails.
func (s *Service) assess(ctx context.Context, u ledger.PositionUpdate) (health.Assessment, bool) {
	if s.breaker != nil && !s.breaker.Allow() {
		return s.engine.ComputeHealthSync(u.Collateral, u.Debt), false
	}

	a, err := s.engine.ComputeHealth(ctx, u.Collateral, u.Debt, s.opts.CollateralToken, s.opts.DebtToken)
	if err != nil {
		s.counters.RecordOracleFailure()
		tripped := false
		if s.breaker != nil {
			tripped = s.breaker.RecordFailure()
		}
		ev := s.logger.Warn()
		if tripped {
			ev = s.logger.Error()
		}
		ev.Err(err).
			Str("position_id", u.PositionID.Hex()).
			Bool("breaker_tripped", tripped).
			Msg("live price resolution failed, using fallback prices")
		return s.engine.ComputeHealthSync(u.Collateral, u.Debt), false
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
	return a, true
}

func (s *Service) payload(u ledger.PositionUpdate, a health.Assessment) sink.Payload {
	return sink.Payload{
		PositionID:           u.PositionID,
		Owner:                u.Owner,
		Protocol:             s.opts.Protocol,
		CollateralToken:      s.opts.CollateralToken,
		DebtToken:            s.opts.DebtToken,
		CollateralAmount:     u.Collateral,
		DebtAmount:           u.Debt,
		CollateralValueUSD:   a.CollateralValueUSD,
		DebtValueUSD:         a.DebtValueUSD,
		HealthFactor:         a.HealthFactor,
		LiquidationPrice:     a.LiquidationPrice,
		LiquidationThreshold: a.LiquidationThreshold,
		LastUpdatedAt:        uint64(s.opts.Now().Unix()),
		Status:               string(a.Status),
		BlockNumber:          u.BlockNumber,
	}
}

func (s *Service) alert(ctx context.Context, u ledger.PositionUpdate, a health.Assessment) {
	if s.notifier == nil {
		return
	}
	now := s.opts.Now()

	s.alertMu.Lock()
	last, seen := s.lastAlert[u.PositionID]
	if seen && now.Sub(last) < s.opts.AlertCooldown {
		s.alertMu.Unlock()
		return
	}
	s.lastAlert[u.PositionID] = now
	s.alertMu.Unlock()

	note := alerting.Notification{
		Kind:         alerting.KindAtRisk,
		At:           now,
		PositionID:   u.PositionID.Hex(),
		Owner:        u.Owner.Hex(),
		HealthFactor: a.HealthFactor,
		Status:       string(a.Status),
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("position_id", note.PositionID).Msg("failed to dispatch alert")
	}
}
