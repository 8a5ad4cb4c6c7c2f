// Package main is the entrypoint for the Ferry server.
//
// @title           Ferry API
// @version         1.0
// @description     Ferry moves Docker deployments between servers over SSH and keeps point-in-time snapshots of their volumes.
//
// @license.name  AGPL-3.0
//
// @host      localhost:8080
// @BasePath  /api/v1
//
// @securityDefinitions.apikey SessionAuth
// @in cookie
// @name ferry_session
// @description Session cookie authentication
//
// @tag.name Migrations
// @tag.description Cross-server container migrations
// @tag.name Snapshots
// @tag.description Volume snapshots and restores
// @tag.name Inventory
// @tag.description Servers, deployments and activity
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/ferry/internal/activity"
	"github.com/MacJediWizard/ferry/internal/api"
	"github.com/MacJediWizard/ferry/internal/archive"
	"github.com/MacJediWizard/ferry/internal/auth"
	"github.com/MacJediWizard/ferry/internal/config"
	"github.com/MacJediWizard/ferry/internal/conflict"
	"github.com/MacJediWizard/ferry/internal/db"
	"github.com/MacJediWizard/ferry/internal/docker"
	"github.com/MacJediWizard/ferry/internal/jobs"
	"github.com/MacJediWizard/ferry/internal/maintenance"
	"github.com/MacJediWizard/ferry/internal/metrics"
	"github.com/MacJediWizard/ferry/internal/migration"
	"github.com/MacJediWizard/ferry/internal/remote"
	"github.com/MacJediWizard/ferry/internal/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.LoadServerConfig()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if !cfg.IsProduction() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting Ferry server")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	sessions, err := auth.NewSessionStore(auth.DefaultSessionConfig(cfg.SessionSecret, cfg.IsProduction()), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize session store")
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	// Real-time feed and activity log
	feedCfg := activity.DefaultConfig()
	feedCfg.AllowedOrigins = cfg.CORSOrigins
	feed := activity.NewFeed(feedCfg, logger)
	feed.Start()
	defer feed.Stop()
	recorder := activity.NewRecorder(database, feed, logger)

	// Remote execution
	sshCfg := remote.DefaultConfig()
	sshCfg.ConnectTimeout = cfg.SSHConnectTimeout
	sshCfg.IdleTimeout = cfg.SSHIdleTimeout
	sshCfg.KnownHostsFile = cfg.SSHKnownHosts
	sshCfg.InsecureHostKey = cfg.SSHInsecureHostKey
	if sshCfg.InsecureHostKey {
		logger.Warn().Msg("SSH host key verification is disabled")
	}
	executor := remote.NewSSHExecutor(sshCfg, logger)
	defer executor.Close()

	runtime := docker.NewCLI(executor, logger)
	codec := archive.NewCodec(executor, archive.DefaultOptions(), logger)

	// Migrations
	engine := migration.NewEngine(runtime, codec, database, migration.Config{
		StagingDir:       cfg.StagingDir,
		ProgressInterval: cfg.ProgressInterval,
	}, logger)
	migrations := migration.NewService(migration.ServiceDeps{
		Store:    database,
		Engine:   engine,
		Registry: jobs.NewRegistry(logger),
		Checker:  conflict.NewChecker(database, logger),
		Feed:     feed,
		Activity: recorder,
		Metrics:  promMetrics,
	}, logger)

	// Snapshots
	snapshotDeps := snapshot.Deps{
		Repo:     database,
		Runtime:  runtime,
		Archiver: codec,
		Feed:     feed,
		Activity: recorder,
		Metrics:  promMetrics,
	}
	offsiteCfg := snapshot.S3Config{
		Bucket:    cfg.Offsite.Bucket,
		Prefix:    cfg.Offsite.Prefix,
		Endpoint:  cfg.Offsite.Endpoint,
		Region:    cfg.Offsite.Region,
		AccessKey: cfg.Offsite.AccessKey,
		SecretKey: cfg.Offsite.SecretKey,
	}
	if offsiteCfg.Enabled() {
		offsite, err := snapshot.NewS3Offsite(ctx, offsiteCfg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize offsite storage")
			return 1
		}
		snapshotDeps.Offsite = offsite
		logger.Info().Str("bucket", offsiteCfg.Bucket).Msg("Offsite snapshot copies enabled")
	}
	snapshots, err := snapshot.NewStore(snapshotDeps, snapshot.Config{
		Dir:              cfg.SnapshotDir,
		QuotaBytes:       cfg.SnapshotQuotaBytes,
		ProgressInterval: cfg.ProgressInterval,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize snapshot store")
		return 1
	}

	// Optional Redis for the shared rate limiter
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid REDIS_URL")
			return 1
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, rate limits may fail until it recovers")
		}
	}

	router, err := api.NewRouter(api.Config{
		Environment:       cfg.Environment,
		AllowedOrigins:    cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitPeriod:   cfg.RateLimitPeriod,
		Redis:             redisClient,
	}, api.Deps{
		Sessions:   sessions,
		Migrations: migrations,
		Snapshots:  snapshots,
		Inventory:  database,
		Database:   database,
		Feed:       feed,
		Metrics:    promMetrics.Handler(),
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	// Staging files left behind by a crash are swept hourly
	sweeper := maintenance.NewStagingSweeper(cfg.StagingDir, cfg.StagingMaxAge, promMetrics, logger)
	if err := sweeper.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start staging sweeper")
	}

	// No write timeout: snapshot create and restore answer when the archive work is done.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serveErr:
		logger.Error().Err(err).Msg("HTTP server error")
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	<-sweeper.Stop().Done()

	exitCode := 0
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		exitCode = 1
	}
	if n := migrations.Active(); n > 0 {
		logger.Info().Int("active", n).Msg("Waiting for running migrations")
	}
	if err := migrations.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("active", migrations.Active()).Msg("Migrations still running at shutdown")
		exitCode = 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return exitCode
}
