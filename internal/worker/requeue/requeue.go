// Package requeue は集計されないまま滞留した読書区間を再投入するスイーパーを提供する。
// aggregated_atが未設定で、最後の投入（未投入なら受付）から猶予時間を過ぎた送信を
// FOR UPDATE SKIP LOCKEDで取り出し、キューへ発行してから投入時刻を記録する。
// 投入に失敗した送信と、投入後にブローカーで失われたジョブの両方が対象になる。
package requeue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/readtrack/internal/metrics"
	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/repository"
)

// Enqueuer は集計ジョブをキューへ投入するインターフェース。
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.AggregationJob) error
}

// Sweeper は未投入の読書区間を定期的に再投入するジョブ。
type Sweeper struct {
	subRepo repository.SubmissionRepository
	queue   Enqueuer
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	Interval    time.Duration // 実行間隔（デフォルト: 1分）
	Grace       time.Duration // 最後の投入から再投入対象になるまでの猶予（デフォルト: 2分）
	BatchSize   int           // 1トランザクションで扱う最大件数（デフォルト: 100）
	MaxAttempts int           // 1件あたりの再投入回数の上限。0以下は無制限（デフォルト: 10）
}

// NewSweeper は新しいSweeperを生成する。
func NewSweeper(
	subRepo repository.SubmissionRepository,
	queue Enqueuer,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		subRepo:   subRepo,
		queue:     queue,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		Interval:  time.Minute,
		Grace:       2 * time.Minute,
		BatchSize:   100,
		MaxAttempts: 10,
	}
}

// Serve はIntervalごとにRunOnceを実行する。suture.Serviceを満たす。
// 1回の失敗ではサービスを止めず、次のティックで再試行する。
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.logger.Info("再投入スイーパーを開始しました",
		slog.Duration("interval", s.Interval),
		slog.Duration("grace", s.Grace),
		slog.Int("batch_size", s.BatchSize),
		slog.Int("max_attempts", s.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("再投入スイーパーを停止しました")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("再投入サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// String はsutureのログに使われるサービス名を返す。
func (s *Sweeper) String() string {
	return "requeue-sweeper"
}

// RunOnce は猶予時間を過ぎた未集計の送信をバッチ単位で再投入する。
// バッチが満杯だった場合は次のバッチを続けて処理する。
// 発行に失敗した時点でそのバッチを打ち切り、投入できた分だけを記録してエラーを返す。
// 再投入した件数を返す。
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := s.now()
	cutoff := start.Add(-s.Grace)
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}
	total := 0

	for {
		n, err := s.subRepo.WithPendingBatch(ctx, cutoff, s.MaxAttempts, batch, s.publish)
		total += n
		if n > 0 {
			s.metrics.RecordSubmissionsRequeued(n)
		}
		if err != nil {
			return total, fmt.Errorf("未投入の読書区間の再投入に失敗: %w", err)
		}
		if n < batch {
			break
		}
	}

	if total > 0 {
		s.logger.Info("未投入の読書区間を再投入しました",
			slog.Int("requeued_count", total),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}
	return total, nil
}

func (s *Sweeper) publish(ctx context.Context, pending []*model.IntervalSubmission) ([]string, error) {
	done := make([]string, 0, len(pending))
	for _, sub := range pending {
		if err := s.queue.Enqueue(ctx, model.JobFromSubmission(sub)); err != nil {
			s.logger.Warn("集計ジョブの再投入に失敗しました",
				slog.String("submission_id", sub.ID),
				slog.Int64("book_id", sub.BookID),
				slog.String("error", err.Error()),
			)
			return done, err
		}
		done = append(done, sub.ID)
	}
	return done, nil
}
