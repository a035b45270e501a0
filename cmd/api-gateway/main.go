package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/logexport-api/api/swagger"
	"github.com/noah-isme/logexport-api/internal/handler"
	"github.com/noah-isme/logexport-api/internal/middleware"
	"github.com/noah-isme/logexport-api/internal/repository"
	"github.com/noah-isme/logexport-api/internal/service"
	"github.com/noah-isme/logexport-api/pkg/cache"
	"github.com/noah-isme/logexport-api/pkg/config"
	"github.com/noah-isme/logexport-api/pkg/database"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
	"github.com/noah-isme/logexport-api/pkg/export"
	"github.com/noah-isme/logexport-api/pkg/jobs"
	"github.com/noah-isme/logexport-api/pkg/logger"
	"github.com/noah-isme/logexport-api/pkg/logquery"
	corsmiddleware "github.com/noah-isme/logexport-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/logexport-api/pkg/middleware/requestid"
	"github.com/noah-isme/logexport-api/pkg/progress"
	"github.com/noah-isme/logexport-api/pkg/retry"
	"github.com/noah-isme/logexport-api/pkg/storage"
)

// @title Log Export API
// @version 1.0.0
// @description Asynchronous bulk export of application logs to chunked CSV files.
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, license cache disabled", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	esClient, err := database.NewElasticsearch(cfg.Elasticsearch)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect elasticsearch", "error", err)
	}

	builder, err := logquery.NewBuilder(logquery.Fields{
		Timestamp:  cfg.Elasticsearch.TimestampField,
		Menu:       cfg.Elasticsearch.MenuField,
		Search:     cfg.Elasticsearch.SearchFields,
		Tiebreaker: cfg.Elasticsearch.TiebreakerField,
		Timezone:   cfg.Elasticsearch.Timezone,
	})
	if err != nil {
		logr.Sugar().Fatalw("invalid log store settings", "error", err)
	}

	files, err := storage.NewFileManager(cfg.Exports.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to prepare export storage", "error", err)
	}

	var mirror *storage.S3Mirror
	if cfg.Archive.S3Enabled {
		mirror, err = storage.NewS3Mirror(ctx, storage.S3MirrorConfig{
			Bucket:          cfg.Archive.S3Bucket,
			Region:          cfg.Archive.S3Region,
			Endpoint:        cfg.Archive.S3Endpoint,
			Prefix:          cfg.Archive.S3Prefix,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, logr)
		if err != nil {
			logr.Sugar().Fatalw("failed to configure s3 mirror", "error", err)
		}
	}

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(
		repository.NewCacheRepository(redisClient, repository.DefaultCacheNamespace, logr),
		metricsSvc, cfg.License.CacheTTL, logr, redisClient != nil,
	)

	hub := progress.NewHub(progress.Config{
		ReplaySize:       cfg.Progress.ReplaySize,
		ReplayTTL:        cfg.Progress.ReplayTTL,
		SubscriberBuffer: cfg.Progress.SubscriberBuffer,
		Observer:         metricsSvc,
		Logger:           logr,
	})
	defer hub.Close()

	downloadRepo := repository.NewDownloadRepository(db)
	logRepo := repository.NewLogRepository(esClient, cfg.Elasticsearch.Index)
	links := service.NewFileLinks(storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL), cfg.APIPrefix)

	worker := service.NewExportWorker(downloadRepo, logRepo, builder, files, export.NewCSVChunkWriter(), hub, links, mirror, metricsSvc, logr, service.ExportWorkerConfig{
		ChunkRows: cfg.Exports.ChunkRows,
		Retry: retry.Policy{
			Retries:    cfg.Exports.Retries,
			Factor:     cfg.Exports.RetryFactor,
			MinTimeout: cfg.Exports.RetryMinTimeout,
			MaxTimeout: cfg.Exports.RetryMaxTimeout,
		},
	})
	queue := jobs.NewQueue("exports", worker.Handle, jobs.QueueConfig{
		Workers:    cfg.Exports.WorkerConcurrency,
		BufferSize: cfg.Exports.QueueBuffer,
		Logger:     logr,
	})
	queue.Start(ctx)

	exportSvc := service.NewExportService(downloadRepo, logRepo, builder, files, queue, links, logr, service.ExportServiceConfig{
		ResultTTL:        cfg.Exports.ResultTTL,
		CleanupInterval:  cfg.Exports.CleanupInterval,
		RequireSignedURL: cfg.Exports.RequireSignedURL,
	})
	licenseSvc := service.NewLicenseService(repository.NewLicenseRepository(db), cacheSvc, metricsSvc, logr, service.LicenseServiceConfig{
		WarnDays:      cfg.License.WarnDays,
		CacheTTL:      cfg.License.CacheTTL,
		CheckInterval: cfg.License.CheckInterval,
	})

	exportSvc.RecoverPending(ctx)
	exportSvc.StartCleanup(ctx)
	licenseSvc.StartMonitor(ctx, exportSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	checks := map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
		"elasticsearch": func(ctx context.Context) error {
			return database.PingElasticsearch(ctx, esClient)
		},
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	exportHandler := handler.NewExportHandler(exportSvc, hub, cfg.Progress.Heartbeat, logr)
	searchHandler := handler.NewSearchHandler(exportSvc)
	licenseHandler := handler.NewLicenseHandler(licenseSvc)

	api := r.Group(cfg.APIPrefix)
	api.GET("/license", licenseHandler.Status)
	api.GET("/exports/files", exportHandler.File)
	api.GET("/exports/:id", exportHandler.Status)
	api.DELETE("/exports/:id", exportHandler.Cancel)
	api.GET("/exports/:id/events", exportHandler.Events)
	api.DELETE("/exports/:id/events/:subscriptionId", exportHandler.Unsubscribe)

	licensed := api.Group("", middleware.License(licenseSvc))
	licensed.POST("/exports", exportHandler.Create)
	licensed.POST("/search", searchHandler.Search)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutdown requested")

	halted := exportSvc.HaltAll(appErrors.Clone(appErrors.ErrCancelled, "server shutting down"))
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("server shutdown failed", "error", err)
	}
	queue.Stop()
	logr.Sugar().Infow("server stopped", "halted_exports", halted)
}
