// Package app wires all ChartFlow subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithProvider, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/chartflow/chartflow/internal/capture"
	"github.com/chartflow/chartflow/internal/cdi"
	"github.com/chartflow/chartflow/internal/chart"
	chartpg "github.com/chartflow/chartflow/internal/chart/postgres"
	"github.com/chartflow/chartflow/internal/config"
	"github.com/chartflow/chartflow/internal/health"
	"github.com/chartflow/chartflow/internal/httpapi"
	"github.com/chartflow/chartflow/internal/note/extract"
	"github.com/chartflow/chartflow/internal/note/reveal"
	"github.com/chartflow/chartflow/internal/observe"
	"github.com/chartflow/chartflow/internal/pipeline"
	"github.com/chartflow/chartflow/internal/report"
	"github.com/chartflow/chartflow/pkg/provider/llm"
	"github.com/chartflow/chartflow/pkg/provider/llm/anyllm"
	"github.com/chartflow/chartflow/pkg/provider/llm/openai"
)

// App owns all subsystem lifetimes and serves the documentation pipeline.
type App struct {
	cfg *config.Config

	store    chart.Store
	provider llm.Provider
	renderer report.Renderer
	metrics  *observe.Metrics
	pipeline *pipeline.Service
	server   *httpapi.Server

	// ping reports database connectivity for the readiness endpoint. Nil
	// when the store was injected.
	ping func(context.Context) error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a chart store instead of connecting to PostgreSQL.
func WithStore(s chart.Store) Option {
	return func(a *App) { a.store = s }
}

// WithProvider injects a completion provider instead of creating one from
// the config entry.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithRenderer injects the report renderer. Without one the report endpoint
// answers 501.
func WithRenderer(r report.Renderer) Option {
	return func(a *App) { a.renderer = r }
}

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection + schema
// migration, provider construction, pipeline assembly, and HTTP server setup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	provider := observe.InstrumentProvider(a.provider, a.metrics)
	a.pipeline = pipeline.New(
		extract.New(provider),
		cdi.NewImprover(provider),
		a.store,
		pipeline.WithMetrics(a.metrics),
		pipeline.WithProviderName(cfg.Provider.Name),
		pipeline.WithRequestTimeout(cfg.Pipeline.RequestTimeout),
	)

	settle := cfg.Pipeline.SettleDelay
	if settle <= 0 {
		settle = reveal.DefaultSettleDelay
	}
	step := cfg.Pipeline.RevealDelay
	if step <= 0 {
		step = reveal.DefaultRevealDelay
	}
	ws := capture.NewHandler(a.pipeline,
		capture.WithMetrics(a.metrics),
		capture.WithRevealOptions(reveal.WithDelays(settle, step)),
	)

	api := httpapi.NewHandler(a.pipeline, a.store, a.renderer)
	hc := health.New(a.healthCheckers()...)

	srvCfg := httpapi.ServerConfig{ListenAddr: cfg.Server.ListenAddr}
	if cfg.Server.TLS != nil {
		srvCfg.CertFile = cfg.Server.TLS.CertFile
		srvCfg.KeyFile = cfg.Server.TLS.KeyFile
	}
	a.server = httpapi.NewServer(srvCfg, api, ws, hc, a.metrics)

	return a, nil
}

// initStore connects to PostgreSQL and migrates the schema, unless a store
// was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Database.DSN
	if dsn == "" {
		return fmt.Errorf("database.dsn is required when no store is injected")
	}

	store, err := chartpg.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.ping = store.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("connected to chart store")
	return nil
}

// initProvider builds the completion provider from the config entry, unless
// one was injected. The "openai" name uses the openai-go backend; every other
// name goes through any-llm-go.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}

	entry := a.cfg.Provider
	switch entry.Name {
	case "":
		return fmt.Errorf("provider.name is required when no provider is injected")

	case "openai":
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return err
		}
		a.provider = p

	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New(entry.Name, entry.Model, opts...)
		if err != nil {
			return err
		}
		a.provider = p
	}

	slog.Info("provider created", "name", entry.Name, "model", entry.Model)
	return nil
}

// healthCheckers builds the readiness checks: database connectivity when we
// own the connection, plus a static provider-configured check.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if a.ping != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.ping})
	}
	checkers = append(checkers, health.Checker{
		Name: "provider",
		Check: func(context.Context) error {
			if a.provider == nil {
				return fmt.Errorf("no completion provider configured")
			}
			return nil
		},
	})
	return checkers
}

// Pipeline exposes the wired pipeline service. Tests use it to drive
// operations without going through HTTP.
func (a *App) Pipeline() *pipeline.Service { return a.pipeline }

// Server exposes the wired HTTP server.
func (a *App) Server() *httpapi.Server { return a.server }

// Run serves HTTP until ctx is cancelled, then shuts the listener down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	return a.server.Serve(ctx)
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
