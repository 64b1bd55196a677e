package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"

	"bustrack/internal/shared/config"
	"bustrack/internal/shared/db"
	"bustrack/internal/shared/metrics"
	"bustrack/internal/shared/mq"
	"bustrack/internal/shared/util"
	"bustrack/internal/tracker/api"
	"bustrack/internal/tracker/app"
	"bustrack/internal/tracker/assignment"
	"bustrack/internal/tracker/auth"
	"bustrack/internal/tracker/hub"
	"bustrack/internal/tracker/store"
	"bustrack/internal/tracker/stream"
	"bustrack/internal/tracker/throttle"
	"bustrack/internal/tracker/worker"
)

func main() {
	log := util.New()

	log.Info("TrackerService", "Starting service initialization...")

	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatal("Config", "Failed to load configuration", err)
	}
	log.OK("Config", "Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := stream.NewHub()
	defer changes.Close()

	// State store: in-memory for a single instance, Postgres for durable
	// deployments.
	var st store.Store
	var pool *pgxpool.Pool
	switch cfg.Store.Driver {
	case "postgres":
		pool, err = db.ConnectToDB(ctx, &cfg.Database)
		if err != nil {
			log.Fatal("Database", "Failed to connect to database", err)
		}
		defer pool.Close()
		log.OK("Database", "Connected successfully")

		pg := store.NewPostgres(pool, changes)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("Database", "Failed to ensure schema", err)
		}
		st = pg
	default:
		st = store.NewMemory(changes)
		log.OK("BusStore", "Using in-memory store")
	}

	// Optional RabbitMQ bridge so a small cluster shares one change fabric.
	var rmqConn *amqp091.Connection
	collector := metrics.NewCollector()
	if cfg.RabbitMQ.Enabled {
		conn, ch, err := mq.ConnectToRMQ(&cfg.RabbitMQ)
		if err != nil {
			log.Fatal("RabbitMQ", "Failed to connect to RabbitMQ", err)
		}
		rmqConn = conn
		defer conn.Close()
		defer ch.Close()
		log.OK("RabbitMQ", "Connected successfully")

		bridge := stream.NewBridge(&cfg.RabbitMQ, changes, log)
		bridge.OnRestart(collector.StreamRestarts.Inc)
		go bridge.Run(ctx)
	}

	registry := hub.NewRegistry()
	sessions := hub.NewSessions()
	gate := throttle.New(time.Duration(cfg.Throttle.MinIntervalMs)*time.Millisecond, cfg.Throttle.MinDistanceM)
	resolver := assignment.NewResolver(st, log)
	verifier := auth.NewVerifier([]byte(cfg.Auth.Secret), st)
	service := app.NewService(st, resolver, gate, log, collector)

	caster := hub.NewBroadcaster(registry, changes, log, collector)
	go caster.Run(ctx)
	log.OK("Broadcaster", "Consuming change stream")

	if cfg.Workers.Enabled {
		stale := worker.NewStaleWorker(st, log, collector,
			time.Duration(cfg.Stale.WindowSec)*time.Second,
			time.Duration(cfg.Stale.TickSec)*time.Second)
		go stale.Run(ctx)
		log.OK("StaleWorker", "Started successfully")

		eta := worker.NewETAWorker(st, caster, changes, log, collector,
			time.Duration(cfg.ETA.TickSec)*time.Second, cfg.ETA.SmoothingAlpha)
		go eta.Run(ctx)
		log.OK("ETAWorker", "Started successfully")
	} else {
		log.Warn("Workers", "Disabled on this instance (singleton runs elsewhere)")
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsPort != "" {
		metricsSrv = collector.Serve(":" + cfg.Server.MetricsPort)
		log.OK("Metrics", "Listening on :"+cfg.Server.MetricsPort)
	}

	handler := api.NewHandler(service, verifier, registry, sessions, st, log, collector, cfg)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler.RegisterRoutes(pool, rmqConn),
	}

	go func() {
		log.OK("HTTP", "tracker-service running on :"+cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP", "Server error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Warn("TrackerService", "Shutting down tracker-service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", "Shutdown error", err)
	} else {
		log.OK("HTTP", "Server stopped gracefully")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	log.Info("TrackerService", "Shutdown complete")
}
