package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/hitoshi/readtrack/internal/metrics"
	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/queue"
)

// JobApplier は集計ジョブ1件を適用するインターフェース。
type JobApplier interface {
	Apply(ctx context.Context, job model.AggregationJob) (*model.AggregateResult, error)
}

// CacheInvalidator は集計値のコミット後に推薦キャッシュを無効化するインターフェース。
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// ConsumerConfig は集計コンシューマーの設定。
type ConsumerConfig struct {
	HandlerName          string
	Topic                string
	DeadLetterTopic      string
	Concurrency          int
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	CloseTimeout         time.Duration
}

// DefaultConsumerConfig はデフォルト設定を返す。
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		HandlerName:          "aggregate_reading_interval",
		Topic:                "reading_interval_jobs",
		DeadLetterTopic:      "reading_interval_jobs_dead_letter",
		Concurrency:          10,
		MaxRetries:           3,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		CloseTimeout:         30 * time.Second,
	}
}

// Consumer はキューから集計ジョブを受け取りAggregatorへ渡すワーカー。
//
// ミドルウェアは外側から順に
//   - PoisonQueue: 恒久的な失敗をデッドレタートピックへ送り、元メッセージはAckする
//   - Retry: 一時的な失敗を指数バックオフで再試行し、尽きたらNackして再配送に任せる
//   - Recoverer: panicをエラーに変換する（恒久的として扱う）
//
// 同時に処理するジョブ数はConcurrencyで制限する。
// suture.Serviceとして監視ツリーに登録できる。
type Consumer struct {
	cfg        ConsumerConfig
	subscriber message.Subscriber
	deadLetter message.Publisher
	applier    JobApplier
	cache      CacheInvalidator
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	wmLogger   watermill.LoggerAdapter

	sem       chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

// NewConsumer はConsumerを生成する。cacheはnilでもよい。
func NewConsumer(
	cfg ConsumerConfig,
	subscriber message.Subscriber,
	deadLetter message.Publisher,
	applier JobApplier,
	cache CacheInvalidator,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) (*Consumer, error) {
	if cfg.Topic == "" || cfg.DeadLetterTopic == "" {
		return nil, fmt.Errorf("topic and dead letter topic are required")
	}
	if cfg.HandlerName == "" {
		cfg.HandlerName = DefaultConsumerConfig().HandlerName
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Consumer{
		cfg:        cfg,
		subscriber: subscriber,
		deadLetter: deadLetter,
		applier:    applier,
		cache:      cache,
		metrics:    m,
		logger:     logger,
		wmLogger:   watermill.NewSlogLogger(logger),
		sem:        make(chan struct{}, cfg.Concurrency),
		ready:      make(chan struct{}),
	}, nil
}

// Ready はルーターが最初に購読を開始したときに閉じられるチャネルを返す。
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// Serve はctxがキャンセルされるまでジョブを処理する。
// ルーターは1回しか実行できないため、呼び出しごとに組み立て直す。
func (c *Consumer) Serve(ctx context.Context) error {
	router, err := c.newRouter()
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-router.Running():
			c.readyOnce.Do(func() { close(c.ready) })
			c.logger.Info("集計コンシューマーを開始しました",
				slog.String("topic", c.cfg.Topic),
				slog.Int("concurrency", c.cfg.Concurrency),
			)
		case <-ctx.Done():
		}
	}()

	if err := router.Run(ctx); err != nil {
		return fmt.Errorf("aggregation router stopped: %w", err)
	}
	if ctx.Err() != nil {
		c.logger.Info("集計コンシューマーを停止しました")
		return ctx.Err()
	}
	return nil
}

func (c *Consumer) String() string {
	return "aggregate-consumer"
}

func (c *Consumer) newRouter() (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: c.cfg.CloseTimeout}, c.wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	poison, err := middleware.PoisonQueueWithFilter(c.deadLetter, c.cfg.DeadLetterTopic, IsPermanent)
	if err != nil {
		return nil, fmt.Errorf("failed to create poison queue middleware: %w", err)
	}

	retry := middleware.Retry{
		MaxRetries:      c.cfg.MaxRetries,
		InitialInterval: c.cfg.RetryInitialInterval,
		MaxInterval:     c.cfg.RetryMaxInterval,
		Multiplier:      2,
		Logger:          c.wmLogger,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return !IsPermanent(params.Err)
		},
	}

	router.AddMiddleware(poison, retry.Middleware, middleware.Recoverer)
	router.AddConsumerHandler(c.cfg.HandlerName, c.cfg.Topic, c.subscriber, c.Handle)

	return router, nil
}

// Handle はメッセージ1件（1回の試行）を処理する。
// 成功時は推薦キャッシュを無効化する。キャッシュの失敗はジョブを失敗させない。
func (c *Consumer) Handle(msg *message.Message) error {
	ctx := msg.Context()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	start := time.Now()

	job, err := queue.DecodeJob(msg)
	if err != nil {
		return c.fail(msg, job, Permanent(err))
	}

	result, err := c.applier.Apply(ctx, job)
	if err != nil {
		return c.fail(msg, job, err)
	}

	duration := time.Since(start)
	c.metrics.RecordJobProcessed(result.InsertedPages)
	c.metrics.RecordAggregationLatency(duration)

	if c.cache != nil {
		if err := c.cache.Invalidate(ctx); err != nil {
			c.logger.Warn("推薦キャッシュの無効化に失敗しました",
				slog.Int64("book_id", job.BookID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.logger.Info("集計ジョブを適用しました",
		slog.String("submission_id", job.SubmissionID),
		slog.Int64("book_id", job.BookID),
		slog.Int64("user_id", job.UserID),
		slog.Int64("inserted_pages", result.InsertedPages),
		slog.Int("unique_read_pages", result.UniqueReadPages),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

func (c *Consumer) fail(msg *message.Message, job model.AggregationJob, err error) error {
	kind := Classify(err)
	c.metrics.RecordJobFailed(kind.String())

	attrs := []any{
		slog.String("message_uuid", msg.UUID),
		slog.String("submission_id", job.SubmissionID),
		slog.Int64("book_id", job.BookID),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	}
	if kind == KindPermanent {
		c.logger.Error("集計ジョブをデッドレターへ送ります", attrs...)
	} else {
		c.logger.Warn("集計ジョブが一時的に失敗しました", attrs...)
	}
	return err
}
