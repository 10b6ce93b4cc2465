// Package rescue decides when an at-risk position is topped up and submits the
// privileged rescue transaction.
package rescue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"position-relayer/internal/alerting"
	"position-relayer/internal/metrics"
	"position-relayer/internal/storage"
)

const (
	historySize = 100
	auditLimit  = 5 * time.Second
)

var (
	ErrNotInitialized = errors.New("rescue actuator not initialized")
	ErrNoSigner       = errors.New("bot signing credential not configured")
	ErrNotController  = errors.New("bot wallet is not the rescue helper owner")
	ErrClaimed        = errors.New("position claimed by another relayer")
)

// Outcome is the terminal result of ProcessUpdate.
type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"
)

// Update is the evaluated position handed over by the pipeline.
type Update struct {
	PositionID   common.Hash
	Owner        common.Address
	Collateral   *big.Int
	Debt         *big.Int
	HealthFactor *big.Int
	Status       string
}

// Record is one executed rescue. Timestamp is Unix milliseconds.
type Record struct {
	PositionID string `json:"positionId"`
	Timestamp  int64  `json:"timestamp"`
	TxHash     string `json:"txHash,omitempty"`
}

// ConfigView is the JSON form of Config without the credential.
type ConfigView struct {
	Enabled            bool      `json:"enabled"`
	AutoRescue         bool      `json:"autoRescue"`
	MinHealthFactor    string    `json:"minHealthFactor"`
	MaxTopUpAmount     string    `json:"maxTopUpAmount"`
	RateLimit          RateLimit `json:"rateLimit"`
	MonitoredPositions []string  `json:"monitoredPositions"`
}

// View renders the config for the status endpoint.
func (c Config) View() ConfigView {
	ids := make([]string, 0, len(c.MonitoredPositions))
	for _, id := range c.MonitoredPositions {
		ids = append(ids, id.Hex())
	}
	return ConfigView{
		Enabled:            c.Enabled,
		AutoRescue:         c.AutoRescue,
		MinHealthFactor:    c.MinHealthFactor,
		MaxTopUpAmount:     c.MaxTopUpAmount,
		RateLimit:          c.RateLimit,
		MonitoredPositions: ids,
	}
}

// Status is served at /bot/status. Times are Unix milliseconds.
type Status struct {
	Enabled         bool       `json:"enabled"`
	Initialized     bool       `json:"initialized"`
	LastCheck       *int64     `json:"lastCheck"`
	RescuesExecuted uint64     `json:"rescuesExecuted"`
	LastRescueTime  *int64     `json:"lastRescueTime"`
	Errors          uint64     `json:"errors"`
	LastError       *string    `json:"lastError"`
	Config          ConfigView `json:"config"`
}

// Options wire the actuator's collaborators. Only Factory is required for
// rescues to run; the rest are optional.
type Options struct {
	Config   Config
	Factory  ContractFactory
	Guard    Guard
	Notifier alerting.Notifier
	Audit    storage.RescueStore
	Counters *metrics.Counters
	Now      func() time.Time
}

// Actuator gates and executes rescues.
type Actuator struct {
	cfg      atomic.Pointer[Config]
	factory  ContractFactory
	guard    Guard
	notifier alerting.Notifier
	audit    storage.RescueStore
	counters *metrics.Counters
	now      func() time.Time
	logger   zerolog.Logger

	mu              sync.RWMutex
	contract        Contract
	lastCheck       time.Time
	rescuesExecuted uint64
	lastRescue      time.Time
	// rescues that passed the rate limiter and have not finished yet
	inflight        int
	errorCount      uint64
	lastError       string
	history         []Record
}

// New builds an actuator. Call Initialize before rescues can run.
func New(opts Options, logger zerolog.Logger) *Actuator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Config.minHealthFactor == nil {
		opts.Config = DefaultConfig()
	}
	a := &Actuator{
		factory:  opts.Factory,
		guard:    opts.Guard,
		notifier: opts.Notifier,
		audit:    opts.Audit,
		counters: opts.Counters,
		now:      opts.Now,
		logger:   logger.With().Str("component", "rescue").Logger(),
		history:  make([]Record, 0, historySize),
	}
	cfg := opts.Config
	a.cfg.Store(&cfg)
	return a
}

// Config returns the active configuration.
func (a *Actuator) Config() Config { return *a.cfg.Load() }

// Initialize binds the helper contract and verifies the signer is its owner.
// Any failure disables the actuator; the caller keeps the rest of the
// pipeline running.
func (a *Actuator) Initialize(ctx context.Context) error {
	cfg := a.Config()
	if !cfg.Enabled {
		a.logger.Info().Msg("rescue bot disabled")
		return nil
	}
	contract, err := a.bind(ctx, cfg)
	if err != nil {
		a.disable()
		a.logger.Error().Err(err).Msg("rescue bot initialization failed, bot disabled")
		return err
	}
	a.mu.Lock()
	a.contract = contract
	a.mu.Unlock()
	a.logger.Info().Str("wallet", contract.Sender().Hex()).Msg("rescue bot initialized")
	return nil
}

func (a *Actuator) bind(ctx context.Context, cfg Config) (Contract, error) {
	if !cfg.HasSigner() {
		return nil, ErrNoSigner
	}
	if a.factory == nil {
		return nil, errors.New("rescue helper not configured")
	}
	contract, err := a.factory(cfg.privateKey)
	if err != nil {
		return nil, err
	}
	owner, err := contract.Owner(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify controller: %w", err)
	}
	if owner != contract.Sender() {
		return nil, fmt.Errorf("%w: owner %s, wallet %s", ErrNotController, owner.Hex(), contract.Sender().Hex())
	}
	return contract, nil
}

func (a *Actuator) disable() {
	cfg := a.Config()
	cfg.Enabled = false
	a.cfg.Store(&cfg)
}

func (a *Actuator) initialized() Contract {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.contract
}

// CheckPosition reports whether u passes every rescue gate right now.
func (a *Actuator) CheckPosition(u Update) bool {
	cfg := a.Config()
	if a.eligible(cfg, u) != "" {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.rateLimited(cfg.RateLimit, a.now())
}

// eligible returns "" when u passes the config gates, otherwise the reason
// it does not. The rate limiter is checked separately by reserve.
func (a *Actuator) eligible(cfg Config, u Update) Outcome {
	if !cfg.Enabled || !cfg.AutoRescue || a.initialized() == nil {
		return OutcomeSkipped
	}
	if !cfg.Monitors(u.PositionID) {
		return OutcomeSkipped
	}
	if u.HealthFactor == nil || u.HealthFactor.Cmp(cfg.minHealthFactor) >= 0 {
		return OutcomeSkipped
	}
	return ""
}

// rateLimited must be called with mu held. A rescue still in flight counts
// as the most recent one.
func (a *Actuator) rateLimited(limit RateLimit, now time.Time) bool {
	minDelay := time.Duration(limit.MinDelayBetweenRescues) * time.Second
	if a.inflight > 0 && minDelay > 0 {
		return true
	}
	if !a.lastRescue.IsZero() && now.Sub(a.lastRescue) < minDelay {
		return true
	}
	hourAgo := now.Add(-time.Hour).UnixMilli()
	recent := a.inflight
	for _, rec := range a.history {
		if rec.Timestamp > hourAgo {
			recent++
		}
	}
	return recent >= limit.MaxRescuesPerHour
}

// reserve claims a rescue slot if the rate limiter allows one. The caller
// must release it once the attempt finishes.
func (a *Actuator) reserve(limit RateLimit) bool {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rateLimited(limit, now) {
		return false
	}
	a.inflight++
	return true
}

func (a *Actuator) release() {
	a.mu.Lock()
	a.inflight--
	a.mu.Unlock()
}

// ProcessUpdate stamps lastCheck, runs the gates and executes a rescue when
// they pass. Errors are absorbed into the outcome. Only the rate-limit slot
// is held exclusively, so other positions are checked while a rescue
// transaction is pending.
func (a *Actuator) ProcessUpdate(ctx context.Context, u Update) Outcome {
	a.mu.Lock()
	a.lastCheck = a.now()
	a.mu.Unlock()

	cfg := a.Config()
	if reason := a.eligible(cfg, u); reason != "" {
		return reason
	}
	if !a.reserve(cfg.RateLimit) {
		return OutcomeRateLimited
	}
	defer a.release()

	if _, err := a.execute(ctx, u); err != nil {
		if errors.Is(err, ErrClaimed) {
			return OutcomeRateLimited
		}
		return OutcomeFailed
	}
	return OutcomeSucceeded
}

// ExecuteRescue tops up u by maxTopUpAmount without consulting the gates.
// Failures are counted and returned; they are never retried.
func (a *Actuator) ExecuteRescue(ctx context.Context, u Update) (common.Hash, error) {
	return a.execute(ctx, u)
}

func (a *Actuator) execute(ctx context.Context, u Update) (common.Hash, error) {
	contract := a.initialized()
	if contract == nil {
		return common.Hash{}, ErrNotInitialized
	}
	cfg := a.Config()
	collateral := u.Collateral
	if collateral == nil {
		collateral = new(big.Int)
	}
	debt := u.Debt
	if debt == nil {
		debt = new(big.Int)
	}
	newCollateral := new(big.Int).Add(collateral, cfg.maxTopUp)

	if a.guard != nil {
		ttl := time.Duration(cfg.RateLimit.MinDelayBetweenRescues) * time.Second
		ok, err := a.guard.Acquire(ctx, u.PositionID, ttl)
		if err != nil {
			return common.Hash{}, a.fail(ctx, u, newCollateral, common.Hash{}, err)
		}
		if !ok {
			a.logger.Info().Str("position_id", u.PositionID.Hex()).Msg("rescue already claimed")
			return common.Hash{}, ErrClaimed
		}
	}

	start := a.now()
	txHash, err := contract.RescueTopUp(ctx, u.PositionID, u.Owner, newCollateral, debt)
	if err != nil {
		return txHash, a.fail(ctx, u, newCollateral, txHash, err)
	}

	now := a.now()
	a.mu.Lock()
	a.rescuesExecuted++
	a.lastRescue = now
	rec := Record{PositionID: u.PositionID.Hex(), Timestamp: now.UnixMilli(), TxHash: txHash.Hex()}
	if len(a.history) >= historySize {
		copy(a.history, a.history[1:])
		a.history[len(a.history)-1] = rec
	} else {
		a.history = append(a.history, rec)
	}
	a.mu.Unlock()

	if a.counters != nil {
		a.counters.RecordRescue()
	}
	a.logger.Info().
		Str("position_id", u.PositionID.Hex()).
		Str("owner", u.Owner.Hex()).
		Str("tx_hash", txHash.Hex()).
		Str("new_collateral", newCollateral.String()).
		Int64("latency_ms", now.Sub(start).Milliseconds()).
		Msg("rescue executed")

	a.report(ctx, u, newCollateral, txHash, nil)
	return txHash, nil
}

func (a *Actuator) fail(ctx context.Context, u Update, newCollateral *big.Int, txHash common.Hash, err error) error {
	a.mu.Lock()
	a.errorCount++
	a.lastError = err.Error()
	a.mu.Unlock()

	if a.counters != nil {
		a.counters.RecordRescueError()
	}
	a.logger.Error().Err(err).Str("position_id", u.PositionID.Hex()).Msg("rescue failed")
	a.report(ctx, u, newCollateral, txHash, err)
	return err
}

// report notifies and audits a rescue attempt; failures are only logged.
func (a *Actuator) report(ctx context.Context, u Update, newCollateral *big.Int, txHash common.Hash, rescueErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditLimit)
	defer cancel()

	var tx string
	if txHash != (common.Hash{}) {
		tx = txHash.Hex()
	}

	if a.notifier != nil {
		note := alerting.Notification{
			Kind:          alerting.KindRescueSucceeded,
			At:            a.now(),
			PositionID:    u.PositionID.Hex(),
			Owner:         u.Owner.Hex(),
			HealthFactor:  u.HealthFactor,
			Status:        u.Status,
			TxHash:        tx,
			NewCollateral: newCollateral,
		}
		if rescueErr != nil {
			note.Kind = alerting.KindRescueFailed
			note.Error = rescueErr.Error()
		}
		if err := a.notifier.Notify(ctx, note); err != nil {
			a.logger.Warn().Err(err).Str("position_id", note.PositionID).Msg("rescue notification failed")
		}
	}

	if a.audit != nil {
		rec := storage.RescueRecord{
			PositionID:    u.PositionID.Hex(),
			Owner:         u.Owner.Hex(),
			TxHash:        tx,
			NewCollateral: decimal.NewFromBigInt(newCollateral, 0),
			Succeeded:     rescueErr == nil,
		}
		if u.HealthFactor != nil {
			rec.HealthFactor = decimal.NewFromBigInt(u.HealthFactor, 0)
		}
		if rescueErr != nil {
			msg := rescueErr.Error()
			rec.Error = &msg
		}
		if _, err := a.audit.InsertRescueRecord(ctx, rec); err != nil && !errors.Is(err, storage.ErrNotConfigured) {
			a.logger.Warn().Err(err).Str("position_id", rec.PositionID).Msg("rescue audit insert failed")
		}
	}
}

// GetStatus snapshots the actuator state.
func (a *Actuator) GetStatus() Status {
	cfg := a.Config()
	a.mu.RLock()
	defer a.mu.RUnlock()

	status := Status{
		Enabled:         cfg.Enabled,
		Initialized:     a.contract != nil,
		RescuesExecuted: a.rescuesExecuted,
		Errors:          a.errorCount,
		Config:          cfg.View(),
	}
	if !a.lastCheck.IsZero() {
		ms := a.lastCheck.UnixMilli()
		status.LastCheck = &ms
	}
	if !a.lastRescue.IsZero() {
		ms := a.lastRescue.UnixMilli()
		status.LastRescueTime = &ms
	}
	if a.lastError != "" {
		msg := a.lastError
		status.LastError = &msg
	}
	return status
}

// GetHistory returns the retained rescues, oldest first.
func (a *Actuator) GetHistory() []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Record, len(a.history))
	copy(out, a.history)
	return out
}

// UpdateConfig validates upd and swaps in the resulting config. Enabling an
// uninitialized actuator runs the controller check first; if it fails the
// update is rejected and nothing changes.
func (a *Actuator) UpdateConfig(ctx context.Context, upd ConfigUpdate) (Config, error) {
	next, err := upd.Apply(a.Config())
	if err != nil {
		return Config{}, err
	}
	if next.Enabled && a.initialized() == nil {
		contract, err := a.bind(ctx, next)
		if err != nil {
			return Config{}, &ValidationError{Field: "enabled", Message: err.Error()}
		}
		a.mu.Lock()
		a.contract = contract
		a.mu.Unlock()
	}
	a.cfg.Store(&next)
	a.logger.Info().Interface("config", next.View()).Msg("bot configuration updated")
	return next, nil
}
