package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/readtrack/internal/auth"
	"github.com/hitoshi/readtrack/internal/book"
	"github.com/hitoshi/readtrack/internal/cache"
	"github.com/hitoshi/readtrack/internal/config"
	"github.com/hitoshi/readtrack/internal/database"
	"github.com/hitoshi/readtrack/internal/handler"
	"github.com/hitoshi/readtrack/internal/metrics"
	"github.com/hitoshi/readtrack/internal/middleware"
	"github.com/hitoshi/readtrack/internal/queue"
	"github.com/hitoshi/readtrack/internal/reading"
	"github.com/hitoshi/readtrack/internal/repository"
	"github.com/hitoshi/readtrack/internal/security"
	"github.com/hitoshi/readtrack/internal/user"
	"github.com/hitoshi/readtrack/internal/worker/aggregate"
	"github.com/hitoshi/readtrack/internal/worker/audit"
	"github.com/hitoshi/readtrack/internal/worker/requeue"
)

// components は各サブコマンドが共有する依存関係。
type components struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	registry *prometheus.Registry
	metrics  *metrics.Collector

	userRepo *repository.PostgresUserRepo
	bookRepo *repository.PostgresBookRepo
	subRepo  *repository.PostgresSubmissionRepo
	aggRepo  *repository.PostgresAggregationRepo

	cache cache.RecommendationCache
	redis *redis.Client
}

// newComponents はDB接続を開き、リポジトリとメトリクス、推薦キャッシュを初期化する。
// REDIS_URLが空、またはRedisに接続できない場合はキャッシュなしで動作する。
func newComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	registry := prometheus.NewRegistry()

	c := &components{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		metrics:  metrics.NewCollector(registry),
		userRepo: repository.NewPostgresUserRepo(db),
		bookRepo: repository.NewPostgresBookRepo(db),
		subRepo:  repository.NewPostgresSubmissionRepo(db),
		aggRepo:  repository.NewPostgresAggregationRepo(db),
		cache:    cache.NoopCache{},
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("Redisに接続できないため推薦キャッシュを無効にします",
				slog.String("error", err.Error()),
			)
		} else {
			c.redis = client
			c.cache = cache.NewRedisRecommendationCache(client, cfg.RecommendationCacheTTL)
		}
	}

	return c, nil
}

func (c *components) Close() error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	errs = append(errs, c.db.Close())
	return errors.Join(errs...)
}

// transport は集計ジョブの投入側と購読側をまとめたもの。
type transport struct {
	jobs *queue.Publisher
	// subscriber はKeepOpenで包んであり、下位の購読はCloseで閉じる。
	subscriber message.Subscriber
	deadLetter message.Publisher
	closers    []func() error
}

// newTransport はQUEUE_DRIVERに応じたトランスポートを生成する。
// subscribeがfalseの場合、NATSでは購読側を作らない。
func newTransport(cfg *config.Config, logger *slog.Logger, subscribe bool) (*transport, error) {
	wmLogger := watermill.NewSlogLogger(logger)
	breaker := queue.NewCircuitBreaker(queue.DefaultBreakerConfig(), logger)

	switch cfg.QueueDriver {
	case config.QueueDriverMemory:
		pubSub := queue.NewMemoryPubSub(wmLogger)
		return &transport{
			jobs:       queue.NewPublisher(pubSub, cfg.QueueTopic, breaker),
			subscriber: queue.KeepOpen(pubSub),
			deadLetter: pubSub,
			closers:    []func() error{pubSub.Close},
		}, nil

	case config.QueueDriverNATS:
		natsCfg := queue.DefaultNATSConfig(cfg.NATSURL)
		natsCfg.MaxDeliver = cfg.NATSMaxDeliver
		natsCfg.AckWait = cfg.NATSAckWait

		pub, err := queue.NewNATSPublisher(natsCfg, wmLogger)
		if err != nil {
			return nil, err
		}
		t := &transport{
			jobs:       queue.NewPublisher(pub, cfg.QueueTopic, breaker),
			deadLetter: pub,
		}
		if subscribe {
			sub, err := queue.NewNATSSubscriber(natsCfg, wmLogger)
			if err != nil {
				pub.Close()
				return nil, err
			}
			t.subscriber = queue.KeepOpen(sub)
			t.closers = append(t.closers, sub.Close)
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.QueueDriver)
	}
}

// Close は投入側を閉じてから下位のPub/Subを閉じる。
func (t *transport) Close() error {
	errs := []error{t.jobs.Close()}
	for _, closeFn := range t.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

func (c *components) newConsumer(t *transport) (*aggregate.Consumer, error) {
	if t.subscriber == nil {
		return nil, errors.New("transport has no subscriber")
	}
	cfg := aggregate.DefaultConsumerConfig()
	cfg.Topic = c.cfg.QueueTopic
	cfg.DeadLetterTopic = c.cfg.QueueDeadLetterTopic
	cfg.Concurrency = c.cfg.WorkerConcurrency
	cfg.MaxRetries = c.cfg.WorkerMaxRetries
	cfg.RetryInitialInterval = c.cfg.WorkerRetryInitialInterval
	cfg.RetryMaxInterval = c.cfg.WorkerRetryMaxInterval

	aggregator := aggregate.NewAggregator(c.aggRepo, nil, c.cfg.WorkerLockTimeout, c.metrics, c.logger)
	return aggregate.NewConsumer(cfg, t.subscriber, t.deadLetter, aggregator, c.cache, c.metrics, c.logger)
}

func (c *components) newSweeper(t *transport) *requeue.Sweeper {
	sweeper := requeue.NewSweeper(c.subRepo, t.jobs, c.metrics, c.logger)
	sweeper.Interval = c.cfg.RequeueInterval
	sweeper.Grace = c.cfg.RequeueGrace
	sweeper.BatchSize = c.cfg.RequeueBatchSize
	sweeper.MaxAttempts = c.cfg.RequeueMaxAttempts
	return sweeper
}

func (c *components) newAuditJob() *audit.Job {
	job := audit.NewJob(c.aggRepo, c.metrics, c.logger)
	job.Interval = c.cfg.AuditInterval
	return job
}

// newAPIServer はドメインサービスとルーターを組み立て、HTTPサーバーを返す。
// 返したRateLimiterは停止時にStopすること。
func (c *components) newAPIServer(t *transport) (*http.Server, *middleware.RateLimiter, error) {
	tokens, err := auth.NewTokenIssuer(c.cfg.JWTSecret, c.cfg.JWTExpiresIn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	authService := auth.NewService(c.userRepo, tokens)
	userService := user.NewService(c.userRepo)
	bookService := book.NewService(c.bookRepo, c.cache, security.NewTextSanitizer(), c.logger)
	readingService := reading.NewService(c.userRepo, c.bookRepo, c.subRepo, t.jobs, c.metrics, c.logger)

	limiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(c.cfg.RateLimitGeneral, c.cfg.RateLimitSubmit),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            c.logger,
		Metrics:           c.metrics,
		TokenParser:       authService,
		CORSAllowedOrigin: c.cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,

		AuthService:    authService,
		UserService:    userService,
		ReadingService: readingService,
		BookService:    bookService,

		DB:       c.db,
		Gatherer: c.registry,
	})

	server := &http.Server{
		Addr:         ":" + c.cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server, limiter, nil
}

// newMetricsServer はworkerモード用の/metricsだけを公開するサーバーを返す。
func (c *components) newMetricsServer() *http.Server {
	return &http.Server{
		Addr:              ":" + c.cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(c.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
