// Package server provides the public entry point for initializing the
// control plane server.
//
// This package exists in pkg/ (not internal/) so embedders can compose the
// full server and layer their own middleware on top of Handler.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/internal/api"
	"github.com/runforge/controlplane/internal/api/handlers"
	cpauth "github.com/runforge/controlplane/internal/auth"
	"github.com/runforge/controlplane/internal/config"
	"github.com/runforge/controlplane/internal/coordinator"
	"github.com/runforge/controlplane/internal/events"
	"github.com/runforge/controlplane/internal/gate"
	"github.com/runforge/controlplane/internal/notify"
	"github.com/runforge/controlplane/internal/queue"
	"github.com/runforge/controlplane/internal/retention"
	"github.com/runforge/controlplane/internal/store"
	"github.com/runforge/controlplane/internal/tools"
	"github.com/runforge/controlplane/internal/worker"
	"github.com/runforge/controlplane/pkg/models"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Config is the loaded runtime configuration.
	Config *config.Config

	// Store is the selected persistence driver.
	Store store.Store

	// Queue is the selected work-distribution driver.
	Queue queue.Driver

	// Coordinator, Worker, Gates, Hub, Tools, and Janitor expose the core
	// components for embedders and tests.
	Coordinator *coordinator.Coordinator
	Worker      *worker.Worker
	Gates       *gate.Engine
	Hub         *events.Hub
	Tools       *tools.Registry
	Janitor     *retention.Janitor

	janitorCancel context.CancelFunc
}

// publisher is the Publish fan-out shared by the coordinator, gate engine,
// and worker: live timeline subscribers first, then notifications.
type publisher struct {
	hub    *events.Hub
	notify *notify.Service
}

func (p publisher) Publish(ev models.Event) {
	p.hub.Publish(ev)
	p.notify.Publish(ev)
}

// New builds the full control plane from environment configuration:
// store and queue drivers, gate engine, coordinator, tool registry,
// worker pool, retention janitor, auth chain, and the HTTP router.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig is New with an explicit configuration, for embedders and
// tests that don't want environment lookups.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	s, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}

	policy := queue.RetryPolicy{
		BaseDelay:   cfg.Worker.BackoffBase,
		MaxBackoff:  cfg.Worker.BackoffMax,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}
	q, err := newQueue(ctx, cfg, policy)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("queue init: %w", err)
	}

	hub := events.NewHub()

	var channels []notify.Channel
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.Channel{
			Kind:   "webhook",
			URL:    cfg.Notify.WebhookURL,
			Secret: cfg.Notify.WebhookSecret,
		})
	}
	notifier := notify.NewService(channels)
	pub := publisher{hub: hub, notify: notifier}

	gates := gate.New(s, pub)
	coord := coordinator.New(s, q, gates, pub, coordinator.Config{
		BackpressureThreshold: cfg.Worker.BackpressureThreshold,
		BackpressureDelay:     cfg.Worker.BackpressureAge,
	})

	registry := tools.NewRegistry()
	registry.Register("test:echo", tools.EchoTool{})
	registry.Register("http:request", tools.NewHTTPTool())
	if len(cfg.Tools.ProcessAllowlist) > 0 {
		registry.Register("process:run", tools.NewProcessTool(cfg.Tools.ProcessAllowlist))
	}

	w := worker.New(s, q, registry, pub, coord, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		StepTimeout:  cfg.Worker.StepTimeout,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		TimeoutGrace: 2 * time.Second,
	})

	janitor := retention.NewJanitor(s, 6*time.Hour, cfg.Retention.Days)
	janitor.RegisterArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, true))

	authChain := cpauth.NewProviderChain()
	authChain.RegisterProvider(cpauth.NewAPIKeyProvider(cfg.Auth.APIKeys))

	h := handlers.New(s, coord, gates, q, hub)
	healthy := func() bool {
		if err := s.Ping(context.Background()); err != nil {
			return false
		}
		return w.Healthy(15 * time.Second)
	}
	router := api.NewRouter(cfg, h, authChain, healthy)

	log.Info().
		Str("data_driver", cfg.Data.Driver).
		Str("queue_driver", cfg.Queue.Driver).
		Int("worker_concurrency", cfg.Worker.Concurrency).
		Strs("tools", registry.Names()).
		Msg("✅ Control plane initialized")

	return &Server{
		Handler:     router,
		Config:      cfg,
		Store:       s,
		Queue:       q,
		Coordinator: coord,
		Worker:      w,
		Gates:       gates,
		Hub:         hub,
		Tools:       registry,
		Janitor:     janitor,
	}, nil
}

// Start subscribes the worker pool to step.ready and starts the retention
// janitor. It returns once the consumers are running.
func (srv *Server) Start(ctx context.Context) error {
	if err := srv.Worker.Start(ctx); err != nil {
		return fmt.Errorf("worker start: %w", err)
	}
	janitorCtx, cancel := context.WithCancel(ctx)
	srv.janitorCancel = cancel
	go srv.Janitor.Start(janitorCtx)
	return nil
}

// Shutdown stops the janitor, drains the queue consumers, and closes the
// store, flushing any pending snapshot.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.janitorCancel != nil {
		srv.janitorCancel()
	}
	if err := srv.Queue.Close(); err != nil {
		log.Warn().Err(err).Msg("queue close failed")
	}
	return srv.Store.Close()
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Data.Driver {
	case "", "memory":
		return store.NewMemoryStore(cfg.Data.Dir), nil
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Data.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown DATA_DRIVER %q", cfg.Data.Driver)
	}
}

func newQueue(ctx context.Context, cfg *config.Config, policy queue.RetryPolicy) (queue.Driver, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return queue.NewMemoryQueue(policy), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return queue.NewRedisQueue(client, policy), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.Queue.Driver)
	}
}
