package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"

	imagehandler "imagemill/internal/api/handlers/image"
	jobhandler "imagemill/internal/api/handlers/job"
	"imagemill/internal/api/router"
	"imagemill/internal/api/server"
	"imagemill/internal/cache"
	"imagemill/internal/config"
	"imagemill/internal/delivery"
	"imagemill/internal/infra/kafka/consumer"
	"imagemill/internal/infra/kafka/producer"
	imagemsg "imagemill/internal/kafka/handlers/image"
	"imagemill/internal/ratelimit"
	imagerepo "imagemill/internal/repository/image"
	jobrepo "imagemill/internal/repository/job"
	"imagemill/internal/scheduler"
	imagesvc "imagemill/internal/service/image"
	"imagemill/internal/storage/file"
	"imagemill/internal/storage/minio"
	"imagemill/internal/transform"
)

// blobStorage is the backend-independent view main wires everything against.
type blobStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader, size int64, contentType string) (string, error)
	Load(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Connect to PostgreSQL.
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	db, err := dbpg.New(cfg.Database.DSN(), nil, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Retry strategy for Kafka and other external calls.
	strategy := cfg.Retry.Strategy()

	// Select the blob storage backend.
	var storage blobStorage
	switch cfg.Storage.Backend {
	case "minio":
		storage, err = minio.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey,
			cfg.Storage.SecretKey, cfg.Storage.Bucket, cfg.Storage.UseSSL)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
		}
	case "file":
		storage = file.NewStorage(cfg.Storage.BaseDir)
	default:
		zlog.Logger.Fatal().Str("backend", cfg.Storage.Backend).Msg("unknown storage backend")
	}

	// Repositories, producer, transformation pipeline.
	images := imagerepo.NewRepository(db)
	jobs := jobrepo.NewRepository(db)
	p := producer.New(&cfg.Kafka, strategy)

	executor := transform.New(storage)
	artifacts := cache.NewLRU(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)

	sched := scheduler.New(scheduler.Config{
		Workers:       cfg.Worker.Concurrency,
		QueueDepth:    cfg.Worker.QueueDepth,
		ExecTimeout:   cfg.Worker.ExecTimeout,
		TerminalGrace: cfg.Worker.TerminalGrace,
		SweepInterval: cfg.Worker.SweepInterval,
	}, executor, artifacts, storage, jobs, p)
	sched.Start()

	// Admission controller: per-identity token buckets by traffic class.
	limiter := ratelimit.New(map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassUpload:    {PerSecond: cfg.RateLimit.Upload.PerSecond, Burst: cfg.RateLimit.Upload.Burst},
		ratelimit.ClassTransform: {PerSecond: cfg.RateLimit.Transform.PerSecond, Burst: cfg.RateLimit.Transform.Burst},
		ratelimit.ClassRead:      {PerSecond: cfg.RateLimit.Read.PerSecond, Burst: cfg.RateLimit.Read.Burst},
	})

	// Service and delivery layers.
	service := imagesvc.NewService(storage, images, p)
	resolver := delivery.NewResolver(images, artifacts, sched, limiter)

	// Kafka message handler for uploaded images (thumbnail cache warm-up).
	uploadedHandler := imagemsg.NewUploadedHandler(sched)

	// HTTP handlers.
	imgHandler := imagehandler.NewHandler(service, resolver)
	jobHandler := jobhandler.NewHandler(sched)

	// Kafka consumer for processing uploaded image events.
	c := consumer.New(&cfg.Kafka, strategy, uploadedHandler)

	// Start Kafka consumer in a separate goroutine.
	var wg sync.WaitGroup
	wg.Add(1)
	go c.Consume(ctx, &wg)

	// Start HTTP server in a separate goroutine.
	r := router.Setup(imgHandler, jobHandler, limiter)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for Kafka consumer goroutine to finish.
	wg.Wait()

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Stop the worker pool after the server no longer accepts submissions.
	sched.Stop()

	// Close database and Kafka clients.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close DB: %v", err)
	}
	if err = p.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	if err = c.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}
}
