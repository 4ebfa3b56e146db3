// Package aggregate は読書区間の集計ジョブを処理するワーカーを提供する。
// ジョブごとに本単位の排他区間でページ単位の既読事実を挿入し、
// 異なるページ数を再計算して本の集計値へ書き戻す。
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/readtrack/internal/metrics"
	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/repository"
)

// Aggregator は集計ジョブ1件を既読事実と本の集計値に反映する。
// 同じジョブを何度適用しても結果は変わらない。
type Aggregator struct {
	repo        repository.AggregationRepository
	locker      *BookLocker
	lockTimeout time.Duration
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	now         func() time.Time
}

// NewAggregator はAggregatorを生成する。
// lockerがnilの場合は新しいBookLockerを使う。
func NewAggregator(
	repo repository.AggregationRepository,
	locker *BookLocker,
	lockTimeout time.Duration,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Aggregator {
	if locker == nil {
		locker = NewBookLocker()
	}
	return &Aggregator{
		repo:        repo,
		locker:      locker,
		lockTimeout: lockTimeout,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Apply はジョブを本単位の排他区間で適用する。
// 返すエラーはClassifyで一時的か恒久的かを判定できる。
func (a *Aggregator) Apply(ctx context.Context, job model.AggregationJob) (*model.AggregateResult, error) {
	if job.StartPage < 1 || job.EndPage < job.StartPage {
		return nil, Permanent(fmt.Errorf("%w: start_page=%d end_page=%d", ErrInvalidInterval, job.StartPage, job.EndPage))
	}

	waitStart := time.Now()
	release, err := a.locker.Acquire(ctx, job.BookID, a.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	var result *model.AggregateResult
	err = a.repo.WithBookLock(ctx, job.BookID, a.lockTimeout, func(ctx context.Context, tx repository.AggregationTx) error {
		a.metrics.RecordLockWait(time.Since(waitStart))

		total := tx.TotalPages()
		if job.EndPage > total {
			return Permanent(fmt.Errorf("%w: end_page=%d num_of_pages=%d", ErrInvalidInterval, job.EndPage, total))
		}

		// 総ページ数で上限を確かめてから展開する
		pages := job.Pages()
		if pages == nil {
			return Permanent(fmt.Errorf("%w: start_page=%d end_page=%d", ErrInvalidInterval, job.StartPage, job.EndPage))
		}

		inserted, err := tx.InsertCoverage(ctx, job.UserID, pages)
		if err != nil {
			return fmt.Errorf("failed to insert coverage: %w", err)
		}

		count, err := tx.CountDistinctPages(ctx)
		if err != nil {
			return fmt.Errorf("failed to count distinct pages: %w", err)
		}

		if count > total {
			a.metrics.RecordAggregateInconsistency()
			a.logger.Error("既読ページ数が総ページ数を超えました",
				slog.Bool("alarm", true),
				slog.Int64("book_id", job.BookID),
				slog.String("submission_id", job.SubmissionID),
				slog.Int("unique_read_pages", count),
				slog.Int("num_of_pages", total),
			)
			return Permanent(fmt.Errorf("%w: book %d counted %d of %d pages", ErrAggregationInconsistency, job.BookID, count, total))
		}

		at := a.now()
		if err := tx.UpdateAggregate(ctx, count, at); err != nil {
			return fmt.Errorf("failed to update aggregate: %w", err)
		}
		if err := tx.MarkAggregated(ctx, job.SubmissionID, at); err != nil {
			return fmt.Errorf("failed to mark submission aggregated: %w", err)
		}

		result = &model.AggregateResult{
			BookID:          job.BookID,
			UniqueReadPages: count,
			NumOfPages:      total,
			InsertedPages:   inserted,
			AggregatedAt:    at,
		}
		return nil
	})
	if err != nil {
		if repository.IsLockNotAvailable(err) {
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
		if IsPermanent(err) {
			return nil, Permanent(err)
		}
		return nil, err
	}

	return result, nil
}
