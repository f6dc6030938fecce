package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/tenantgate/internal/infra/config"
	"github.com/coachpo/tenantgate/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/tenantgate/internal/infra/server/http"
	"github.com/coachpo/tenantgate/internal/infra/telemetry"
	"github.com/coachpo/tenantgate/internal/observability"
)

const (
	readHeaderTimeout        = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tenant gateway HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := newSignalContext(cmd.Context())
			defer cancel()
			return runServe(ctx, cancel, opts)
		},
	}
}

func newSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runServe(ctx context.Context, cancel context.CancelFunc, opts *rootOptions) error {
	gw, err := bootstrap(ctx, opts, postgres.WithPoolMetrics(true))
	if err != nil {
		return err
	}
	logger := gw.logger
	defer func() { _ = logger.Sync() }()

	tel, err := initTelemetry(ctx, gw.cfg.Telemetry, gw.cfg.Environment)
	if err != nil {
		return err
	}
	logger.Info("tenant catalog loaded",
		observability.F("tenants", len(gw.manager.Tenants())),
		observability.F("skipped", len(gw.skipped)),
		observability.F("default_tenant", gw.manager.DefaultTenant()))

	server := buildAPIServer(gw)
	var lifecycle conc.WaitGroup
	serveErr := startAPIServer(&lifecycle, logger, server, cancel)
	logger.Info("api server listening", observability.F("addr", server.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownErr := performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{
		server:        server,
		serverTimeout: gw.cfg.APIServer.ShutdownTimeout,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		manager:       gw.manager,
		telemetry:     tel,
	})
	select {
	case err := <-serveErr:
		return errors.Join(err, shutdownErr)
	default:
		return shutdownErr
	}
}

func initTelemetry(ctx context.Context, cfg config.TelemetryConfig, env config.Environment) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	return provider, nil
}

func buildAPIServer(gw *gateway) *http.Server {
	handler := httpserver.NewHandler(gw.manager, httpserver.Options{
		Logger:   gw.logger.Named("http"),
		Gatherer: gw.registry,
		Metrics:  httpserver.NewMetrics(gw.registry),
	})
	return &http.Server{
		Addr:              gw.cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// startAPIServer runs server on lifecycle. A listen failure cancels the main context and is
// delivered on the returned channel.
func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server, cancel context.CancelFunc) <-chan error {
	serveErr := make(chan error, 1)
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", observability.F("error", err))
			serveErr <- fmt.Errorf("api server: %w", err)
			cancel()
		}
	})
	return serveErr
}

type poolCloser interface {
	Close(ctx context.Context) error
}

type telemetryShutdowner interface {
	Shutdown(ctx context.Context) error
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	manager       poolCloser
	telemetry     telemetryShutdowner
}

// performGracefulShutdown stops intake first, then drains every tenant pool, then flushes
// telemetry. Each step has its own deadline; failures are aggregated.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.F("error", err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			return
		}
		logger.Info("shutdown step completed", observability.F("step", name))
	}

	if cfg.server != nil {
		timeout := cfg.serverTimeout
		if timeout <= 0 {
			timeout = lifecycleShutdownTimeout
		}
		shutdownStep("stopping api server", timeout, cfg.server.Shutdown)
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.manager != nil {
		timeout := cfg.serverTimeout
		if timeout <= 0 {
			timeout = lifecycleShutdownTimeout
		}
		shutdownStep("draining tenant pools", timeout, cfg.manager.Close)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}

	return observability.AggregateErrors(logger, "shutdown", failures)
}
