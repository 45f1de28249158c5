package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/orykevin/chef-pathbound/config"
	"github.com/orykevin/chef-pathbound/handlers"
	"github.com/orykevin/chef-pathbound/middleware"
	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/services"
	"github.com/orykevin/chef-pathbound/utils"
	"github.com/orykevin/chef-pathbound/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := utils.NewLogger("info", "json")
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := utils.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := utils.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	db, err := utils.OpenDatabase(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	scheduler, err := services.NewTaskScheduler(log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	// generation tasks must outlive every story attempt, plus room for db and archive work
	if budget := cfg.Story.Budget(); budget > 0 {
		scheduler.SetTaskTimeout(budget + 30*time.Second)
	}

	generator := services.NewOpenAIStoryGenerator(cfg.Story, log)
	svc := services.NewCampaignService(db, scheduler, generator, log)
	svc.Metrics = metrics

	if cfg.Archive.Enabled() {
		bucket, err := utils.NewBucket(ctx, utils.BucketOptions{
			Endpoint:        cfg.Archive.Endpoint,
			Name:            cfg.Archive.Bucket,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			Region:          cfg.Archive.Region,
			PublicBaseURL:   cfg.Archive.PublicBaseURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize archive bucket")
		}
		svc.Archiver = services.NewBucketArchive(bucket)
	} else {
		log.Warn().Msg("ARCHIVE_BUCKET not set, finished campaigns will not be archived")
	}

	scheduler.HandleAll(svc.TaskHandlers())
	if err := scheduler.StartCampaignCadence(cfg.CampaignInterval); err != nil {
		log.Fatal().Err(err).Msg("failed to register campaign cadence")
	}
	scheduler.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName,
		DisableStartupMessage: true,
	})

	// Probes and scraping bypass the gateway check.
	handlers.SetupSystemRoutes(app, db, registry)

	// 🔐❗ GLOBAL: Only Gateway requests allowed beyond this point
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken, log))

	origins := strings.Split(cfg.AllowedOrigins, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	allowedOrigins := strings.Join(origins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Service-Token, X-User-ID, X-User-Roles, X-User-Name",
		AllowCredentials: allowedOrigins != "*",
		MaxAge:           86400,
	}))

	handlers.SetupCampaignRoutes(app, svc, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("✅ server listening")
		return app.Listen(cfg.HTTPAddr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	sweeper := workers.NewStepSweeper(svc, scheduler, metrics, cfg.SweepInterval, cfg.SweepGrace, cfg.StallThreshold, log)
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.ProfileSync.Enabled() {
		token := cfg.ProfileSync.Token
		if token == "" {
			token = cfg.GatewayToken
		}
		syncWorker := workers.NewProfileSyncWorker(db, cfg.ProfileSync.BaseURL, token, cfg.ProfileSync.Interval, utils.HTTPClient, log)
		g.Go(func() error { return syncWorker.Run(gctx) })
	} else {
		log.Info().Msg("PROFILE_SYNC_BASE_URL not set, profile sync disabled")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("service stopped with error")
	}

	log.Info().Msg("shutting down...")
	if err := scheduler.Shutdown(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown failed")
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Warn().Err(err).Msg("failed to flush traces")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
