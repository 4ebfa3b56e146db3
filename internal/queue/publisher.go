package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/hitoshi/readtrack/internal/model"
)

// ErrPublisherClosed はClose後にEnqueueした場合に返る。
var ErrPublisherClosed = errors.New("publisher is closed")

// BreakerConfig は投入用サーキットブレーカーの設定。
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// DefaultBreakerConfig はデフォルトのブレーカー設定を返す。
// 5回連続で失敗したら30秒間は即座に失敗させる。
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "job-queue-publish",
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// NewCircuitBreaker は投入用のサーキットブレーカーを生成する。
// 状態遷移はslogに記録する。
func NewCircuitBreaker(cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[any] {
	if logger == nil {
		logger = slog.Default()
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := slog.LevelInfo
			if to == gobreaker.StateOpen {
				level = slog.LevelWarn
			}
			logger.Log(context.Background(), level, "circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// Publisher は集計ジョブをキューへ投入する。
type Publisher struct {
	publisher message.Publisher
	topic     string
	breaker   *gobreaker.CircuitBreaker[any]

	mu     sync.RWMutex
	closed bool
}

// NewPublisher はPublisherを生成する。breakerがnilの場合はブレーカーなしで投入する。
func NewPublisher(pub message.Publisher, topic string, breaker *gobreaker.CircuitBreaker[any]) *Publisher {
	return &Publisher{
		publisher: pub,
		topic:     topic,
		breaker:   breaker,
	}
}

// Topic は投入先のトピック名を返す。
func (p *Publisher) Topic() string {
	return p.topic
}

// Enqueue は集計ジョブを1件投入する。
// ブレーカーが開いている間はブローカーに接続せずgobreaker.ErrOpenStateを返す。
func (p *Publisher) Enqueue(ctx context.Context, job model.AggregationJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	msg, err := EncodeJob(job)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)

	publish := func() (any, error) {
		return nil, p.publisher.Publish(p.topic, msg)
	}

	if p.breaker != nil {
		_, err = p.breaker.Execute(publish)
	} else {
		_, err = publish()
	}
	if err != nil {
		return fmt.Errorf("failed to publish aggregation job %s: %w", job.SubmissionID, err)
	}
	return nil
}

// Close は下位のPublisherを閉じる。複数回呼んでもよい。
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
