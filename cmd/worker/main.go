// Command worker polls for approved communications and sends them through
// the configured transports. It also serves /metrics and /health.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/comm-dispatch/internal/config"
	"github.com/ignite/comm-dispatch/internal/mailing"
	"github.com/ignite/comm-dispatch/internal/metrics"
	"github.com/ignite/comm-dispatch/internal/pkg/distlock"
	"github.com/ignite/comm-dispatch/internal/pkg/httputil"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/repository/memory"
	"github.com/ignite/comm-dispatch/internal/repository/postgres"
	"github.com/ignite/comm-dispatch/internal/repository/redisq"
	"github.com/ignite/comm-dispatch/internal/service/dispatch"
	"github.com/ignite/comm-dispatch/internal/service/responsecode"
	"github.com/ignite/comm-dispatch/internal/storage"
	"github.com/ignite/comm-dispatch/internal/tracking"
	"github.com/ignite/comm-dispatch/internal/worker"
)

// seedBatch caps how many pending recipients are copied into the Redis
// claim queue per communication pass.
const seedBatch = 1000

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
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

// stores groups the persistence collaborators for one backend choice.
type stores struct {
	comms      dispatch.CommunicationStore
	recipients interface {
		dispatch.RecipientStore
		dispatch.ClaimQueue
		worker.PendingLister
		worker.StaleRequeuer
	}
	history dispatch.HistorySink
	codes   responsecode.Repository
}

func run(ctx context.Context, cfg *config.Config) error {
	var (
		db  *sql.DB
		rdb *redis.Client
		st  stores
		err error
	)

	if cfg.Claim.Backend == "memory" {
		logger.Warn("using in-memory stores; nothing survives a restart")
		mem := memory.NewStore()
		st = stores{comms: mem, recipients: mem, history: mem, codes: mem}
	} else {
		db, err = openDB(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		st = stores{
			comms:      postgres.NewCommunicationRepo(db),
			recipients: postgres.NewRecipientRepo(db),
			history:    postgres.NewHistoryRepo(db),
			codes:      postgres.NewResponseCodeRepo(db),
		}
	}

	if cfg.Redis.Enabled() {
		rdb, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region, cfg.AWS.Profile)
			if err != nil {
				return aws.Config{}, err
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	if cfg.History.Backend == "dynamodb" {
		ac, err := loadAWS()
		if err != nil {
			return err
		}
		st.history = storage.NewDynamoHistory(dynamodb.NewFromConfig(ac), cfg.History.Table)
	}

	var publisher dispatch.RecordPublisher
	switch cfg.Tracking.Publisher {
	case "sqs":
		ac, err := loadAWS()
		if err != nil {
			return err
		}
		publisher = tracking.NewPublisher(sqs.NewFromConfig(ac), cfg.Tracking.QueueURL)
	case "redis":
		publisher = tracking.NewRedisPublisher(rdb, cfg.Tracking.ListKey)
	}

	var s3Client storage.S3API
	if cfg.Attachments.Backend == "s3" {
		ac, err := loadAWS()
		if err != nil {
			return err
		}
		s3Client = s3.NewFromConfig(ac)
	}
	blobs, err := storage.NewBlobStore(cfg.Attachments, s3Client)
	if err != nil {
		return fmt.Errorf("attachment store: %w", err)
	}

	registry, err := buildRegistry(ctx, cfg, blobs)
	if err != nil {
		return err
	}
	logger.Info("transports registered", "transports", registry.Names(), "default", cfg.Transport.Default)

	m := metrics.New()

	newLock := func(key string, ttl time.Duration) distlock.DistLock {
		if rdb == nil && db == nil {
			return nil
		}
		return distlock.NewLock(rdb, db, key, ttl)
	}

	codes := responsecode.NewService(st.codes, newLock("comm-dispatch:response-codes", 5*time.Minute))
	if cfg.Worker.PopulateResponseCodes {
		added, err := codes.EnsurePopulated(ctx)
		if err != nil {
			return fmt.Errorf("populate response codes: %w", err)
		}
		logger.Info("response code pool checked", "added", added)
	}

	var (
		claims  dispatch.ClaimQueue = st.recipients
		seed    worker.SeedFunc
		sources = []worker.StaleRequeuer{st.recipients}
	)
	if cfg.Claim.Backend == "redis" {
		q := redisq.New(rdb, st.recipients)
		claims = q
		seed = worker.SeedFrom(st.recipients, q, seedBatch)
		sources = append(sources, q)
	}

	orch := dispatch.NewOrchestrator(dispatch.Deps{
		Communications: st.comms,
		Claims:         claims,
		Recipients:     st.recipients,
		Transports:     registry,
		Builder:        dispatch.NewBuilder(mailing.NewTemplateService(), cfg.Organization.SendContext()),
		Recorder:       dispatch.NewRecorder(st.recipients, st.history, publisher, m),
		Codes:          codes,
	})

	opts := worker.PoolOptions{
		MediumID:     cfg.Worker.MediumID,
		Workers:      cfg.Worker.Concurrency,
		DueBatchSize: cfg.Worker.DueBatchSize,
		PollInterval: cfg.Worker.PollInterval(),
		Seed:         seed,
		OnPoll:       m.ObservePoll,
	}
	if rdb != nil || db != nil {
		opts.Lease = func(id string) distlock.DistLock {
			return newLock("comm-dispatch:send:"+id, cfg.Worker.StaleClaimAge())
		}
	}
	pool := worker.NewSendWorkerPool(st.comms, orch, opts)
	recovery := worker.NewClaimRecoveryWorker(
		newLock("comm-dispatch:claim-recovery", cfg.Worker.RecoveryInterval()),
		cfg.Worker.RecoveryInterval(), cfg.Worker.StaleClaimAge(), sources...)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      opsRouter(m, pool),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("worker ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", "error", err)
		}
	}()

	pool.Start(ctx)
	go recovery.Start(ctx)
	logger.Info("worker running", "claim_backend", cfg.Claim.Backend, "history_backend", cfg.History.Backend)

	<-ctx.Done()
	logger.Info("shutting down worker")
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if c, ok := publisher.(interface{ Close(context.Context) error }); ok {
		if err := c.Close(shutdownCtx); err != nil {
			logger.Warn("record publishes not drained", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", "error", err)
	}
	logger.Info("worker stopped")
	return nil
}

// buildRegistry registers every transport that has credentials configured.
func buildRegistry(ctx context.Context, cfg *config.Config, blobs storage.BlobStore) (*worker.Registry, error) {
	reg := worker.NewRegistry(cfg.Transport.Default)
	if cfg.SendGrid.APIKey != "" {
		reg.Register(worker.NewSendGridTransport(cfg.SendGrid, blobs))
	}
	if cfg.Mailgun.APIKey != "" && cfg.Mailgun.Domain != "" {
		reg.Register(worker.NewMailgunTransport(cfg.Mailgun, blobs))
	}
	if cfg.SparkPost.APIKey != "" {
		reg.Register(worker.NewSparkPostTransport(cfg.SparkPost, blobs))
	}
	if cfg.SES.AccessKey != "" || cfg.Transport.Default == "ses" {
		client, err := worker.NewSESClient(ctx, cfg.SES)
		if err != nil {
			return nil, fmt.Errorf("ses client: %w", err)
		}
		reg.Register(worker.NewSESTransport(client, cfg.SES, blobs))
	}
	if cfg.SMTP.Host != "" {
		reg.Register(worker.NewSMTPTransport(cfg.SMTP, blobs))
	}
	if _, err := reg.Transport(""); err != nil {
		return nil, fmt.Errorf("default transport %q has no credentials: %w", cfg.Transport.Default, err)
	}
	return reg, nil
}

func opsRouter(m *metrics.Metrics, pool *worker.SendWorkerPool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", m.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]interface{}{"status": "ok", "pool": pool.Stats()})
	})
	return r
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database.url is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database")
	return db, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("connected to redis", "addr", cfg.Addr)
	return rdb, nil
}
