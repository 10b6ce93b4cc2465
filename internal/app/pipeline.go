package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"position-relayer/internal/alerting"
	"position-relayer/internal/events"
	"position-relayer/internal/health"
	"position-relayer/internal/ledger"
	"position-relayer/internal/metrics"
	"position-relayer/internal/oracle"
	"position-relayer/internal/rescue"
	"position-relayer/internal/service"
	"position-relayer/internal/sink"
	"position-relayer/internal/storage"
)

type pipelineOptions struct {
	// live wires rescues and at-risk alerts; replays of history leave both out.
	live   bool
	dryRun bool
}

// pipeline holds the components shared by run and backfill.
type pipeline struct {
	counters *metrics.Counters
	rpc      *ledger.Dialer
	client   *ethclient.Client
	chainID  *big.Int
	store    *storage.Store
	oracle   *oracle.Oracle
	breaker  *oracle.Breaker
	engine   *health.Engine
	bot      *rescue.Actuator
	service  *service.Service

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func (a *App) buildPipeline(ctx context.Context, opts pipelineOptions) (_ *pipeline, err error) {
	p := &pipeline{counters: metrics.NewCounters()}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; audit trail and pull lock disabled")
	} else {
		p.store = store
		p.closers = append(p.closers, closeStore)
	}

	p.rpc = ledger.NewDialer(a.rpcURL())
	p.closers = append(p.closers, p.rpc.Close)
	if p.client, err = p.rpc.Client(ctx); err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	if p.chainID, err = a.chainID(ctx, p.client); err != nil {
		return nil, err
	}

	fallback, err := a.fallbackPrices()
	if err != nil {
		return nil, err
	}
	p.oracle = a.newOracle(p.client, fallback)
	p.breaker = oracle.NewBreaker(a.Config.Oracle.Breaker.FailureThreshold, a.Config.Oracle.Breaker.Cooldown)
	p.engine = health.NewEngine(p.oracle, fallback)

	var writer service.PositionWriter
	if !opts.dryRun {
		backend, closeBackend, err := a.newSinkBackend(p)
		if err != nil {
			return nil, err
		}
		if closeBackend != nil {
			p.closers = append(p.closers, closeBackend)
		}
		writer = sink.NewWriter(backend, sink.RetryOptions{
			MaxAttempts:    a.Config.Sink.MaxAttempts,
			InitialBackoff: a.Config.Sink.InitialBackoff,
			MaxBackoff:     a.Config.Sink.MaxBackoff,
		}, a.Logger)
	}

	notifier := a.newNotifier()
	if p.bot, err = a.newActuator(ctx, p, notifier); err != nil {
		return nil, err
	}
	var (
		rescuer service.Rescuer
		alerts  alerting.Notifier
	)
	if opts.live {
		rescuer = p.bot
		alerts = notifier
	}

	p.service = service.New(p.engine, p.breaker, writer, rescuer, alerts, p.counters, service.Options{
		Protocol:        a.Config.Position.Protocol,
		CollateralToken: common.HexToAddress(a.Config.Position.CollateralToken),
		DebtToken:       common.HexToAddress(a.Config.Position.DebtToken),
		AlertCooldown:   a.Config.Alerting.Cooldown,
		DryRun:          opts.dryRun,
	}, a.Logger)
	return p, nil
}

// rpcURL prefers the request/response endpoint; the streaming one also
// serves calls when it is all that is configured.
func (a *App) rpcURL() string {
	if a.Config.Ledger.RPCURL != "" {
		return a.Config.Ledger.RPCURL
	}
	return a.Config.Ledger.WSURL
}

func (a *App) chainID(ctx context.Context, client *ethclient.Client) (*big.Int, error) {
	if a.Config.Ledger.ChainID > 0 {
		return big.NewInt(a.Config.Ledger.ChainID), nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.Config.Ledger.RequestTimeout)
	defer cancel()
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	return id, nil
}

func (a *App) fallbackPrices() (oracle.Fallback, error) {
	collateral, err := usdToScaled(a.Config.Oracle.FallbackCollateralUSD)
	if err != nil {
		return oracle.Fallback{}, fmt.Errorf("oracle.fallback_collateral_usd: %w", err)
	}
	debt, err := usdToScaled(a.Config.Oracle.FallbackDebtUSD)
	if err != nil {
		return oracle.Fallback{}, fmt.Errorf("oracle.fallback_debt_usd: %w", err)
	}
	return oracle.Fallback{Collateral: collateral, Debt: debt}, nil
}

// usdToScaled converts a decimal USD price into its 1e18 fixed-point form.
func usdToScaled(usd string) (*big.Int, error) {
	d, err := decimal.NewFromString(usd)
	if err != nil {
		return nil, err
	}
	if !d.IsPositive() {
		return nil, errors.New("price must be positive")
	}
	return d.Shift(18).Truncate(0).BigInt(), nil
}

func addressMap(in map[string]string) map[common.Address]common.Address {
	out := make(map[common.Address]common.Address, len(in))
	for token, source := range in {
		out[common.HexToAddress(token)] = common.HexToAddress(source)
	}
	return out
}

func (a *App) newOracle(caller ethereum.ContractCaller, fallback oracle.Fallback) *oracle.Oracle {
	cfg := a.Config.Oracle

	var primary, v3, v2, dex oracle.Reader
	if len(cfg.ChainlinkFeeds) > 0 {
		primary = oracle.NewChainlinkReader(caller, addressMap(cfg.ChainlinkFeeds))
	}
	if len(cfg.UniswapV3Pools) > 0 {
		v3 = oracle.NewUniswapV3Reader(caller, addressMap(cfg.UniswapV3Pools))
	}
	if len(cfg.UniswapV2Pairs) > 0 {
		v2 = oracle.NewUniswapV2Reader(caller, addressMap(cfg.UniswapV2Pairs))
	}
	if v3 != nil || v2 != nil {
		dex = oracle.NewDEXReader(v3, v2)
	}

	return oracle.New(oracle.Options{
		CacheTTL:        cfg.CacheTTL,
		MaxStaleness:    cfg.MaxStaleness,
		MaxDeviationPct: cfg.MaxDeviationPct,
		RequestTimeout:  cfg.RequestTimeout,
		Fallback:        fallback,
		Primary:         primary,
		DEX:             dex,
	}, a.Logger)
}

func (a *App) newSinkBackend(p *pipeline) (sink.Backend, func(), error) {
	switch a.Config.Sink.Backend {
	case "postgres":
		if p.store == nil {
			return nil, nil, errors.New("postgres sink requires database.dsn")
		}
		return sink.NewPostgresBackend(p.store), nil, nil
	case "kafka":
		backend := sink.NewKafkaBackend(sink.KafkaOptions{
			Brokers:      a.Config.Kafka.Brokers,
			Topic:        a.Config.Kafka.Topic,
			WriteTimeout: a.Config.Kafka.WriteTimeout,
		})
		closer := func() {
			if err := backend.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer")
			}
		}
		return backend, closer, nil
	default:
		backend, err := sink.NewStreamsBackend(p.client, sink.StreamsOptions{
			Address:    common.HexToAddress(a.Config.Sink.StreamsAddress),
			PrivateKey: a.Config.Sink.PrivateKey,
			ChainID:    p.chainID,
			Timeout:    a.Config.Ledger.RequestTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("streams sink: %w", err)
		}
		return backend, nil, nil
	}
}

func (a *App) newActuator(ctx context.Context, p *pipeline, notifier alerting.Notifier) (*rescue.Actuator, error) {
	cfg, err := rescue.FromSettings(a.Config.Bot)
	if err != nil {
		return nil, fmt.Errorf("bot config: %w", err)
	}

	opts := rescue.Options{
		Config:   cfg,
		Notifier: notifier,
		Counters: p.counters,
		Factory: rescue.NewContractFactory(p.client, rescue.ContractOptions{
			Address:        common.HexToAddress(a.Config.Bot.RescueAddress),
			ChainID:        p.chainID,
			RequestTimeout: a.Config.Ledger.RequestTimeout,
		}),
	}
	if p.store != nil {
		opts.Audit = p.store
	}

	if a.Config.Redis.Addr != "" {
		client, err := rescue.NewRedisClient(ctx, a.Config.Redis)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func() { _ = client.Close() })
		opts.Guard = rescue.NewRedisGuard(client)
	}

	return rescue.New(opts, a.Logger), nil
}

func (a *App) newSource(ctx context.Context, p *pipeline, push bool) (*events.Source, error) {
	if !common.IsHexAddress(a.Config.Ledger.LendingAddress) {
		return nil, errors.New("ledger.lending_address must be configured")
	}

	client := p.client
	if push {
		ws := ledger.NewDialer(a.Config.Ledger.WSURL)
		p.closers = append(p.closers, ws.Close)
		var err error
		if client, err = ws.Client(ctx); err != nil {
			return nil, fmt.Errorf("dial ledger websocket: %w", err)
		}
	}

	opts := events.Options{
		Contract:         common.HexToAddress(a.Config.Ledger.LendingAddress),
		Push:             push,
		PollInterval:     a.Config.Ledger.PollInterval,
		StartBlockOffset: a.Config.Ledger.StartBlockOffset,
		MaxBlockRange:    a.Config.Ledger.MaxBlockRange,
		RequestTimeout:   a.Config.Ledger.RequestTimeout,
		Counters:         p.counters,
		LockKey:          a.Config.Database.PollLockKey,
	}
	if p.store != nil {
		opts.Locker = p.store
	}
	return events.New(client, opts, p.service.Handle, a.Logger), nil
}
