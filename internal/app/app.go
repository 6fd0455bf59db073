// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/citefetch/internal/config"
	"github.com/JakeFAU/citefetch/internal/fetch"
	"github.com/JakeFAU/citefetch/internal/logging"
	"github.com/JakeFAU/citefetch/internal/metrics"
	"github.com/JakeFAU/citefetch/internal/ratelimit"
	"github.com/JakeFAU/citefetch/internal/storage"
	"github.com/JakeFAU/citefetch/internal/telemetry"
)

// ExporterOpener opens the blob store behind an export target.
type ExporterOpener func(ctx context.Context, target string) (*storage.Exporter, error)

// App holds the shared, long-lived services: configuration, logger, fetcher
// and the export sinks opened on demand.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	fetcher *fetch.Fetcher
	tracer  *sdktrace.TracerProvider
	open    ExporterOpener

	mu        sync.Mutex
	exporters map[string]*storage.Exporter
}

// Option customizes App construction.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithExporterOpener replaces storage.Open.
func WithExporterOpener(open ExporterOpener) Option {
	return func(a *App) {
		a.open = open
	}
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetFetcher returns the shared fetcher.
func (a *App) GetFetcher() *fetch.Fetcher {
	return a.fetcher
}

// NewApp builds the services described by cfg. It fails fast when the
// fetcher cannot be constructed.
func NewApp(cfg config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		open:      storage.Open,
		exporters: make(map[string]*storage.Exporter),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, err := logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		a.logger = logger
	}

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(context.Background(), telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp

	fetcher, err := fetch.New(cfg.TransportConfig(),
		fetch.WithLogger(a.logger.Named("fetch")),
		fetch.WithAttemptPolicy(cfg.AttemptPolicy()),
		fetch.WithHostLimiter(ratelimit.New(cfg.RateLimit())),
		fetch.WithTracerProvider(tp),
	)
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}
	a.fetcher = fetcher

	a.logger.Debug("application services initialized",
		zap.String("proxy_host", cfg.Proxy.Host),
		zap.Bool("proxy_configured", cfg.Proxy.StaticIP != ""),
	)
	return a, nil
}

// Exporter returns the blob store for target, falling back to the configured
// export.target. It returns nil without error when neither is set. Stores are
// opened once per target and closed by Close.
func (a *App) Exporter(ctx context.Context, target string) (storage.BlobStore, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		target = strings.TrimSpace(a.cfg.Export.Target)
	}
	if target == "" {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if exp, ok := a.exporters[target]; ok {
		return exp, nil
	}
	exp, err := a.open(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("open export target %q: %w", target, err)
	}
	a.exporters[target] = exp
	return exp, nil
}

// Close releases export clients and flushes the logger.
func (a *App) Close() {
	a.mu.Lock()
	var errs []error
	for target, exp := range a.exporters {
		if err := exp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter %s: %w", target, err))
		}
	}
	a.exporters = make(map[string]*storage.Exporter)
	a.mu.Unlock()

	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error releasing services", zap.Error(err))
	}
	// Sync fails on stderr/stdout with some terminals; nothing useful can be done.
	_ = a.logger.Sync()
}
