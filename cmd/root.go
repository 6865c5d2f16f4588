// SPDX-License-Identifier: AGPL-3.0-or-later
// signalbroker - coordination core for a distributed browser synthesizer
// Copyright (C) 2023-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/signalmesh/broker/internal/config"
	"github.com/signalmesh/broker/internal/httpapi"
	"github.com/signalmesh/broker/internal/kv"
	"github.com/signalmesh/broker/internal/leadership"
	"github.com/signalmesh/broker/internal/metrics"
	"github.com/signalmesh/broker/internal/pprof"
	"github.com/signalmesh/broker/internal/pubsub"
	"github.com/signalmesh/broker/internal/queue"
	"github.com/signalmesh/broker/internal/reaper"
	"github.com/signalmesh/broker/internal/registry"
	"github.com/signalmesh/broker/internal/router"
	"github.com/USA-RedDragon/configulator"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

// sweepInterval is how often the scheduler runs a reaper pass in addition
// to the event-triggered sweeps internal/router fires on
// controller-connections. It exists to catch synths left behind by a
// controller that reconnects to a different instance or never reconnects
// at all.
const sweepInterval = 15 * time.Second

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "signalbroker",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	cmd.Flags().Bool("open-browser", false, "open the controller status page in a browser once the server is ready")
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("signalbroker - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	scheduler, err := setupScheduler()
	if err != nil {
		return err
	}
	scheduler.Start()

	cleanup, err := setupTracing(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		if err := cleanup(ctx); err != nil {
			slog.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	startBackgroundServices(cfg)

	res, err := initializeServices(ctx, cfg, scheduler)
	if err != nil {
		return err
	}
	defer res.shutdown(ctx)

	if openBrowser, _ := cmd.Flags().GetBool("open-browser"); openBrowser {
		if err := browser.OpenURL(cfg.HTTP.CanonicalHost + "/controller/status"); err != nil {
			slog.Warn("Failed to open browser", "error", err)
		}
	}

	setupShutdownHandlers(ctx, scheduler, res, cleanup)

	return nil
}

// loadConfig loads the configuration from environment variables, flags, and
// an optional config file, without enforcing validation — invalid config is
// reported by the caller so it can be logged before the process exits.
func loadConfig() (*config.Config, error) {
	cfg, err := configulator.New[config.Config]().LoadWithoutValidation()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// setupLogger configures the structured logger.
func setupLogger(cfg *config.Config) {
	var logger *slog.Logger
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	case config.LogLevelInfo:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	case config.LogLevelWarn:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	case config.LogLevelError:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	default:
		// Fall back to info level for unrecognized log levels to prevent nil logger panic
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)
}

// setupScheduler creates and configures the job scheduler.
func setupScheduler() (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return scheduler, nil
}

// setupTracing initializes OpenTelemetry tracing if configured.
// When tracing is not configured it returns a no-op cleanup function.
func setupTracing(cfg *config.Config) (func(context.Context) error, error) {
	if cfg.Metrics.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	return initTracer(cfg)
}

// startBackgroundServices starts the metrics and pprof listeners.
func startBackgroundServices(cfg *config.Config) {
	go func() {
		if err := metrics.CreateMetricsServer(cfg); err != nil {
			slog.Error("Failed to start metrics server", "error", err)
		}
	}()
	go func() {
		if err := pprof.CreatePProfServer(cfg); err != nil {
			slog.Error("Failed to start pprof server", "error", err)
		}
	}()
}

// services holds every long-lived dependency this process owns, so shutdown
// can tear them down in the right order.
type services struct {
	kv         kv.KV
	redis      *redis.Client
	pubsub     pubsub.PubSub
	registry   *registry.Registry
	leadership *leadership.Leadership
	httpServer httpapi.Server
	ready      *atomic.Bool
	instanceID string
}

// shutdown releases every resource this process holds. If this instance
// currently owns the active controller lock, it's cleared first so a
// waiting sibling can take over immediately instead of waiting out the
// heartbeat timeout.
func (s *services) shutdown(ctx context.Context) {
	s.ready.Store(false)

	active, err := s.leadership.GetActive(ctx)
	if err == nil && active != nil && active.InstanceID == s.instanceID {
		if err := s.leadership.Clear(ctx, active.ID); err != nil {
			slog.Error("Failed to release controller lock during shutdown", "error", err)
		}
	}

	if err := s.httpServer.Stop(ctx); err != nil {
		slog.Error("Failed to stop HTTP server", "error", err)
	}
	if s.pubsub != nil {
		if err := s.pubsub.Close(); err != nil {
			slog.Error("Failed to close pubsub", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
	if err := s.kv.Close(); err != nil {
		slog.Error("Failed to close kv store", "error", err)
	}
}

// initializeServices wires the kv store, domain services, HTTP server, and
// scheduled reaper sweep, then starts the HTTP listener.
func initializeServices(ctx context.Context, cfg *config.Config, scheduler gocron.Scheduler) (*services, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	store, err := kv.MakeKV(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to key-value store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = buildRedisClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect session/rate-limit redis client: %w", err)
		}
	}

	ps, err := pubsub.MakePubSub(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect pubsub fanout: %w", err)
	}

	q := queue.New(store, cfg.Leadership.QueueTTL)
	m := metrics.NewMetrics()

	var rt *router.Router
	notifier := routerNotifier(func(ctx context.Context, event, clientID string) error {
		return rt.NotifyControllers(ctx, event, clientID)
	})

	reg := registry.New(store, cfg.InstanceID, cfg.Leadership.ClientTTL, notifier)
	lead := leadership.New(store, cfg.InstanceID, cfg.Leadership.HeartbeatTimeout, cfg.Leadership.NotificationStaleness)
	lead.SetPubSub(ps)
	lead.SetMetrics(m)
	rp := reaper.New(reg, notifier, cfg.Leadership.GraceDuration)
	rp.SetMetrics(m)
	rt = router.New(reg, lead, rp, q, m, cfg)

	if err := scheduleReaperSweep(scheduler, rp); err != nil {
		return nil, err
	}

	go lead.PollNotifications(ctx, cfg.Leadership.PollInterval, rt)

	ready := &atomic.Bool{}

	httpServer, err := httpapi.MakeServer(httpapi.Deps{
		Config:      cfg,
		KV:          store,
		Registry:    reg,
		Leadership:  lead,
		Router:      rt,
		RedisClient: redisClient,
		Ready:       ready,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	var g errgroup.Group
	httpServer.Start(&g)
	go func() {
		if err := g.Wait(); err != nil {
			slog.Error("HTTP server stopped unexpectedly", "error", err)
		}
	}()

	ready.Store(true)
	slog.Info("Server ready to accept traffic", "instanceId", cfg.InstanceID)

	return &services{
		kv:         store,
		redis:      redisClient,
		pubsub:     ps,
		registry:   reg,
		leadership: lead,
		httpServer: httpServer,
		ready:      ready,
		instanceID: cfg.InstanceID,
	}, nil
}

type routerNotifier func(ctx context.Context, event, clientID string) error

func (f routerNotifier) NotifyControllers(ctx context.Context, event, clientID string) error {
	return f(ctx, event, clientID)
}

// scheduleReaperSweep registers the periodic sweep; errors evicting stale
// synths are logged rather than fatal, since a failed sweep just waits for
// the next tick.
func scheduleReaperSweep(scheduler gocron.Scheduler, rp *reaper.Reaper) error {
	_, err := scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			evicted, err := rp.Sweep(context.Background())
			if err != nil {
				slog.Error("Scheduled reaper sweep failed", "error", err)
				return
			}
			if evicted > 0 {
				slog.Info("Scheduled reaper sweep evicted synths", "count", evicted)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule reaper sweep: %w", err)
	}
	return nil
}

// buildRedisClient connects the shared redis client used for session
// storage and distributed rate limiting, independent of the kv store's own
// connection.
func buildRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	const connsPerCPU = 10
	const maxIdleTime = 10 * time.Minute

	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolFIFO:        true,
		PoolSize:        runtime.GOMAXPROCS(0) * connsPerCPU,
		MinIdleConns:    runtime.GOMAXPROCS(0),
		ConnMaxIdleTime: maxIdleTime,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if cfg.Metrics.OTLPEndpoint != "" {
		if err := redisotel.InstrumentTracing(client); err != nil {
			return nil, fmt.Errorf("failed to trace redis: %w", err)
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			return nil, fmt.Errorf("failed to instrument redis metrics: %w", err)
		}
	}

	return client, nil
}

// setupShutdownHandlers blocks until SIGINT/SIGTERM/SIGQUIT/SIGHUP is
// received, then performs an orderly shutdown of the scheduler, domain
// services, and tracer.
func setupShutdownHandlers(ctx context.Context, scheduler gocron.Scheduler, res *services, cleanup func(context.Context) error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	sig := <-sigCh
	slog.Error("Shutting down due to signal", "signal", sig)

	// Mark unhealthy immediately so Kubernetes stops routing traffic.
	res.ready.Store(false)

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.StopJobs(); err != nil {
			slog.Error("Failed to stop scheduler jobs", "error", err)
		}
		if err := scheduler.Shutdown(); err != nil {
			slog.Error("Failed to stop scheduler", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		res.shutdown(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if cleanup != nil {
			const timeout = 5 * time.Second
			shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := cleanup(shutdownCtx); err != nil {
				slog.Error("Failed to shutdown tracer", "error", err)
			}
		}
	}()

	const timeout = 10 * time.Second

	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		slog.Info("All servers stopped, shutting down gracefully")
		os.Exit(0)
	case <-time.After(timeout):
		slog.Error("Shutdown timed out, forcing exit")
		os.Exit(1)
	}
}

func initTracer(cfg *config.Config) (func(context.Context) error, error) {
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(cfg.Metrics.OTLPEndpoint),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "signalbroker"),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resources: %w", err)
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown, nil
}
