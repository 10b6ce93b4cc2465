package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"position-relayer/internal/alerting"
	"position-relayer/internal/api"
	"position-relayer/internal/config"
	"position-relayer/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newNotifier returns nil when alerting is off. The log channel is always
// present so alerts stay visible without Telegram.
func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running relayer: the event source feeding the
// pipeline plus the HTTP surface, until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := a.buildPipeline(ctx, pipelineOptions{live: true})
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.bot.Initialize(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("rescue bot disabled; position relaying continues")
	}

	source, err := a.newSource(ctx, p, a.Config.PushMode())
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Dependencies{
		Counters: p.counters,
		Breaker:  p.breaker,
		Oracle:   p.oracle,
		Bot:      p.bot,
	}, a.Logger)
	server := api.NewServer(api.Options{
		Port:            a.Config.HTTP.Port,
		ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
	}, router, a.Logger)

	a.Logger.Info().
		Bool("push", a.Config.PushMode()).
		Str("sink", a.Config.Sink.Backend).
		Msg("starting relayer")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return source.Run(gctx) })

	err = g.Wait()
	p.service.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("relayer terminated with error")
		return err
	}

	a.Logger.Info().Msg("relayer stopped")
	return nil
}

// BackfillOptions bound a historical replay.
type BackfillOptions struct {
	FromBlock uint64
	// ToBlock zero means the current head.
	ToBlock uint64
	DryRun  bool
}

// ShowOptions control the show command.
type ShowOptions struct {
	Limit   int
	Rescues bool
}

// ExportOptions hold parameters for exporting persisted positions.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	CSVPath string
}

// SimulateOptions describe a hypothetical position.
type SimulateOptions struct {
	Collateral string
	Debt       string
	Live       bool
}
