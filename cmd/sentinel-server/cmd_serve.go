package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/config"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/db"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/httpapi"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/broadcast"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/cache"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/service"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store/sqlite"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket hub and background workers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	conn, err := db.Open(ctx, db.Config{Path: cfg.Database.Path, Env: cfg.Database.Env})
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.Database.SeedDev && cfg.Database.Env == "dev" {
		if err := db.SeedDev(ctx, conn, db.SeedDevOptions{KnownKiosks: cfg.Scan.KnownKiosks}); err != nil {
			return fmt.Errorf("seed dev roster: %w", err)
		}
	}

	writer := db.NewWorker(conn)
	defer writer.Close()

	directory := sqlite.NewDirectory(conn)
	checkins := sqlite.NewCheckinStore(conn, writer)
	heartbeats := sqlite.NewHeartbeatStore(conn, writer)
	kiosks := sqlite.NewKioskStore(conn, writer)

	directionCache, err := cache.Open(cfg.Cache)
	if err != nil {
		return err
	}
	defer directionCache.Close()

	// Presence and broadcast
	loc, err := cfg.Scan.Location()
	if err != nil {
		return err
	}
	aggregator, err := newAggregator(cfg, checkins, loc)
	if err != nil {
		return err
	}

	bus, err := broadcast.OpenBus(cfg.Broadcast)
	if err != nil {
		return err
	}
	defer bus.Close()

	coordinator := broadcast.NewCoordinator(bus.Publisher, aggregator, broadcast.Config{
		QueueDepth:   cfg.Broadcast.QueueDepth,
		TopicPrefix:  cfg.Broadcast.TopicPrefix,
		StatsTimeout: cfg.Scan.OpTimeout,
	})
	defer coordinator.Close()

	hub := websocket.NewHub(bus.Subscriber, coordinator.Topics(), websocket.HubConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	// Services
	registry := service.NewKioskRegistry(kiosks, cfg.Scan.RequireKnownKiosk)
	checkinSvc := service.NewCheckinService(service.Deps{
		Directory: directory,
		Checkins:  checkins,
		Cache:     directionCache,
		Kiosks:    registry,
		Stats:     aggregator,
		Broadcast: coordinator,
	}, service.OptionsFromConfig(cfg.Scan))
	heartbeatSvc := service.NewHeartbeatService(heartbeats, registry)
	rollover := service.NewStatsRollover(aggregator, coordinator, service.RolloverConfig{Location: loc})
	pruner := service.NewHeartbeatPruner(heartbeats, service.PrunerConfig{
		RetentionDays: cfg.Heartbeat.RetentionDays,
		IntervalHours: cfg.Heartbeat.PruneIntervalHours,
	})

	srv := httpapi.NewServer(httpapi.Dependencies{
		Addr:            cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Scans:           checkinSvc,
		Stats:           aggregator,
		Heartbeats:      heartbeatSvc,
		WebSocket:       hub,
		Ready:           conn.PingContext,
	})

	// Supervision
	sup := suture.New("sentinel", suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: slog.New(logging.NewSlogHandler())}).MustHook(),
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		Timeout:          cfg.Server.ShutdownTimeout + 5*time.Second,
	})
	sup.Add(coordinator)
	sup.Add(hub)
	sup.Add(rollover)
	sup.Add(pruner)
	sup.Add(srv)

	logging.Info().
		Str("version", version).
		Str("addr", cfg.Server.HTTPAddr).
		Str("db", cfg.Database.Path).
		Str("cache", cfg.Cache.Backend).
		Str("transport", bus.Transport).
		Msg("sentinel server starting")

	err = sup.Serve(ctx)
	logging.Info().Msg("sentinel server stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newAggregator(cfg *config.Config, checkins *sqlite.CheckinStore, loc *time.Location) (*service.PresenceAggregator, error) {
	cutoff, err := cfg.Scan.LateCutoffOffset()
	if err != nil {
		return nil, err
	}
	return service.NewPresenceAggregator(checkins, service.AggregatorConfig{
		TTL:        cfg.Cache.StatsTTL,
		Location:   loc,
		LateCutoff: cutoff,
		OpTimeout:  cfg.Scan.OpTimeout,
	}), nil
}
