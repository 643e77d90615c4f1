package commands

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/opctl/controlplane/chatcp"
	"github.com/opctl/controlplane/config"
	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/graphstore"
	"github.com/opctl/controlplane/logger"
	"github.com/opctl/controlplane/materialize"
	"github.com/opctl/controlplane/policy"
	"github.com/opctl/controlplane/ratelimit"
	"github.com/opctl/controlplane/retention"
	"github.com/opctl/controlplane/router"
	"github.com/opctl/controlplane/telemetry"
	"github.com/opctl/controlplane/worker"
)

const retentionSweepHandlerName = "retention_sweep"
const retentionSweepInterval = 6 * time.Hour

// ServerCmd wires every domain component into one process: the graph SSoT
// driver, event bus, rate limiter, inference router, GML, async worker
// pool, chat control plane, and the observability endpoints. Grounded on
// server/server.go's explicit-struct-of-dependencies wiring idiom.
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP/WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	ServerCmd.Flags().StringP("config", "c", "config.toml", "path to config.toml")
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "server: load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eventsDir := "data/events"
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return errors.Wrap(err, "server: create events directory")
	}
	bus, err := eventbus.New(eventsDir)
	if err != nil {
		return errors.Wrap(err, "server: create event bus")
	}
	defer bus.Close()

	wsBroadcaster := eventbus.NewWSBroadcaster()
	bus.SetExternalBroadcaster(wsBroadcaster)

	store, err := graphstore.Open(cfg.Graph.Path, graphstore.Config{
		AcquireTimeout:   cfg.Graph.AcquireTimeout,
		FailureThreshold: cfg.Graph.FailureThreshold,
		CooldownPeriod:   cfg.Graph.CooldownPeriod,
	})
	if err != nil {
		return errors.Wrap(err, "server: open graph store")
	}
	defer store.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.DedupePath), 0o755); err != nil {
		return errors.Wrap(err, "server: create data directory")
	}
	dedupeDB, err := sql.Open("sqlite3", cfg.Database.DedupePath)
	if err != nil {
		return errors.Wrap(err, "server: open dedupe database")
	}
	defer dedupeDB.Close()

	materializer, err := materialize.New(bus, store, dedupeDB, materialize.DefaultMutationMap())
	if err != nil {
		return errors.Wrap(err, "server: create materializer")
	}
	go materializer.Run(ctx)

	var redisClient *redis.Client
	if cfg.Async.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Async.RedisAddr})
	}

	limiterRoutes := make([]ratelimit.RouteLimit, 0, len(cfg.RateLimit.Routes))
	for _, r := range cfg.RateLimit.Routes {
		limiterRoutes = append(limiterRoutes, ratelimit.RouteLimit{Route: r.Route, Rate: rate.Limit(r.Rate), Burst: r.Burst})
	}
	var limiterRedis *redis.Client
	if cfg.RateLimit.RedisAddr != "" {
		limiterRedis = redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
	}
	limiter := ratelimit.New(limiterRedis, limiterRoutes, bus)

	rtr := router.New(router.Weights{
		Latency: cfg.Router.WeightLatency, Error: cfg.Router.WeightError,
		Cost: cfg.Router.WeightCost, CtxFit: cfg.Router.WeightCtxFit,
	}, cfg.Router.MaxFallbacks, cfg.Router.CallTimeout, bus)

	policyEngine := policy.NewRegistry(policy.DefaultRules()...)

	workerDB, err := sql.Open("sqlite3", cfg.Database.WorkerPath)
	if err != nil {
		return errors.Wrap(err, "server: open worker database")
	}
	defer workerDB.Close()
	registry := worker.NewRegistry()
	registry.Register(retentionSweepHandlerName, worker.HandlerFunc(func(ctx context.Context, job *worker.Job) error {
		_, err := retention.Sweep(ctx, store, retention.DefaultMaxAge)
		return err
	}))
	pool, err := worker.New(workerDB, registry, redisClient, bus)
	if err != nil {
		return errors.Wrap(err, "server: create worker pool")
	}
	pool.Start(ctx)
	defer pool.Stop()
	go runRetentionScheduler(ctx, pool)

	controller := chatcp.New(limiter, rtr, policyEngine, bus, nil)

	metrics := telemetry.NewMetrics()
	recorder := telemetry.NewRecorder()
	telemetryHandlers := telemetry.New(metrics, recorder, materializer, pool)

	mux := http.NewServeMux()
	mux.Handle("/chat", controller)
	mux.HandleFunc("/health", telemetryHandlers.Health)
	mux.HandleFunc("/telemetry", telemetryHandlers.Telemetry)
	mux.Handle("/metrics", telemetryHandlers.MetricsHandler())
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		wsBroadcaster.ServeWS(eventsDir, w, r)
	})
	mux.Handle("/v1/events", eventbus.ReplayHandler(eventsDir))

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		pterm.Info.Println("shutting down gracefully (press Ctrl+C again to force)...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infow("server: listening", "addr", cfg.Server.ListenAddr)
	pterm.Success.Printf("listening on %s\n", cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "server: listen")
	}
	pterm.Success.Println("server stopped cleanly")
	return nil
}

// runRetentionScheduler periodically enqueues the housekeeping retention
// sweep rather than running it inline, so it goes through the same
// per-queue concurrency cap and retry/backoff path as any other async job.
func runRetentionScheduler(ctx context.Context, pool *worker.Pool) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pool.Enqueue(ctx, worker.QueueHousekeeping, retentionSweepHandlerName, nil); err != nil {
				logger.Infow("server: retention sweep enqueue failed", "error", err.Error())
			}
		}
	}
}
