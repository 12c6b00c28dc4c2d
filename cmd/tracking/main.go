// Command tracking receives provider webhooks, applies delivery and open
// events to recipients, and drains the communication-record queue.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/comm-dispatch/internal/config"
	"github.com/ignite/comm-dispatch/internal/metrics"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/repository/postgres"
	"github.com/ignite/comm-dispatch/internal/storage"
	"github.com/ignite/comm-dispatch/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Env, logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Error("config rejected", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("tracking service exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	records := postgres.NewRecordRepo(db)
	m := metrics.New()

	processor := tracking.NewProcessor(postgres.NewRecipientRepo(db), records, m)
	handler := tracking.NewHandler(processor, cfg.Mailgun.WebhookSigningKey)
	handler.SetObserver(m)

	switch cfg.Tracking.Publisher {
	case "sqs":
		awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region, cfg.AWS.Profile)
		if err != nil {
			return err
		}
		consumer := tracking.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Tracking.QueueURL, records)
		consumer.Start(ctx)
		defer consumer.Stop()
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		go tracking.NewRedisConsumer(rdb, cfg.Tracking.ListKey, records).Run(ctx)
	default:
		logger.Info("record publisher disabled; no consumer started")
	}

	router := handler.Routes(cfg.Server.AllowedOrigins)
	router.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tracking service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("shutting down tracking service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
