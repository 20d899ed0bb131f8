// Package app assembles the sync services from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/backend"
	"github.com/orbitthread/dmsync/internal/backend/memory"
	"github.com/orbitthread/dmsync/internal/backend/supabase"
	"github.com/orbitthread/dmsync/internal/config"
	"github.com/orbitthread/dmsync/internal/handler"
	"github.com/orbitthread/dmsync/internal/logging"
	"github.com/orbitthread/dmsync/internal/metrics"
	"github.com/orbitthread/dmsync/internal/realtime"
	"github.com/orbitthread/dmsync/internal/service/compose"
	dmsvc "github.com/orbitthread/dmsync/internal/service/dm"
	"github.com/orbitthread/dmsync/internal/service/inbox"
	"github.com/orbitthread/dmsync/internal/service/thread"
)

// App holds the wired services for one signed-in actor.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	closer   func() error

	Metrics  *metrics.Metrics
	Backend  backend.Backend
	Service  *dmsvc.Service
	Adapter  *realtime.Adapter
	Inbox    *inbox.Inbox
	Thread   *thread.Thread
	Composer *compose.Composer
}

// New builds every service. No network call is made.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	b, closer, err := newBackend(cfg, logger, m)
	if err != nil {
		return nil, err
	}

	svc := dmsvc.NewService(b, logger)
	adapter := realtime.NewAdapter(b, logger, m)

	return &App{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		closer:   closer,
		Metrics:  m,
		Backend:  b,
		Service:  svc,
		Adapter:  adapter,
		Inbox:    inbox.New(svc, adapter, logger),
		Thread: thread.New(svc, adapter, logger, m, thread.Options{
			PageSize:    cfg.Sync.PageSize,
			DropDeleted: cfg.Sync.DropDeleted,
		}),
		Composer: compose.New(svc, logger, m, compose.Options{
			ErrorTTL:      cfg.Compose.ErrorTTL,
			RatePerMinute: cfg.Compose.RatePerMinute,
			Burst:         cfg.Compose.Burst,
			Rollback:      cfg.Compose.Rollback,
		}),
	}, nil
}

func newBackend(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (backend.Backend, func() error, error) {
	switch cfg.Backend.Kind {
	case config.BackendSupabase:
		c, err := supabase.New(supabase.Config{
			URL:         cfg.Backend.URL,
			AnonKey:     cfg.Backend.AnonKey,
			AccessToken: cfg.Backend.AccessToken,
			JWTSecret:   cfg.Backend.JWTSecret,
			HTTPTimeout: cfg.Backend.HTTPTimeout,
			Breaker: supabase.BreakerConfig{
				MaxFailures: cfg.Backend.Breaker.MaxFailures,
				Interval:    cfg.Backend.Breaker.Interval,
				Timeout:     cfg.Backend.Breaker.Timeout,
			},
			Realtime: supabase.RealtimeConfig{
				Heartbeat:    cfg.Realtime.Heartbeat,
				DialTimeout:  cfg.Realtime.DialTimeout,
				WriteTimeout: cfg.Realtime.WriteTimeout,
				MaxRetries:   cfg.Realtime.MaxRetries,
				RetryDelay:   cfg.Realtime.RetryDelay,
			},
		}, logger, supabase.WithObserver(m))
		if err != nil {
			return nil, nil, fmt.Errorf("init supabase backend: %w", err)
		}
		return c, c.Close, nil
	case config.BackendMemory:
		store := memory.NewStore(memory.WithProfiles(memory.SeedProfiles()...))
		logger.Info("using in-memory backend", zap.String("actor", cfg.Backend.Actor))
		return store.Client(cfg.Backend.Actor), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// Start begins inbox sync. The subscriptions it opens live until ctx ends or Close.
func (a *App) Start(ctx context.Context) error {
	return a.Inbox.Start(ctx)
}

// Router returns the HTTP surface. base bounds subscriptions opened by requests.
func (a *App) Router(base context.Context) http.Handler {
	return handler.NewRouter(handler.Deps{
		Base:      base,
		Service:   a.Service,
		Inbox:     a.Inbox,
		Thread:    a.Thread,
		Composer:  a.Composer,
		Gatherer:  a.registry,
		Heartbeat: a.cfg.Realtime.Heartbeat,
		Logger:    a.log,
	})
}

// Close stops every sync and releases the backend.
func (a *App) Close() error {
	a.Composer.Stop()
	a.Thread.Close()
	a.Inbox.Stop()
	return a.closer()
}
