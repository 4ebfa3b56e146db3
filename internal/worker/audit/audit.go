// Package audit は本ごとの集計値を既読事実から再計算して照合する監査ジョブを提供する。
// 監査はデータを書き換えず、食い違いをログとメトリクスで報告するだけである。
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/readtrack/internal/metrics"
	"github.com/hitoshi/readtrack/internal/repository"
)

// Report は1回の監査結果。
type Report struct {
	// Mismatches は保存値と再計算値が異なる本の数。
	Mismatches int
	// Inconsistencies は再計算値が総ページ数を超えた本の数。
	Inconsistencies int
}

// Job は集計値の監査ジョブ。
type Job struct {
	repo     repository.AggregationRepository
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	Interval time.Duration // 実行間隔（デフォルト: 1時間）
}

// NewJob は新しい監査ジョブを生成する。
func NewJob(repo repository.AggregationRepository, m metrics.MetricsCollector, logger *slog.Logger) *Job {
	return &Job{
		repo:     repo,
		metrics:  m,
		logger:   logger,
		Interval: time.Hour,
	}
}

// Serve はIntervalごとにRunOnceを実行する。suture.Serviceを満たす。
func (j *Job) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	j.logger.Info("集計監査ジョブを開始しました", slog.Duration("interval", j.Interval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("集計監査ジョブを停止しました")
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("集計監査の実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (j *Job) String() string {
	return "aggregate-audit"
}

// RunOnce は全ての本の集計値を照合する。
func (j *Job) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()

	drifts, err := j.repo.ListAggregateDrift(ctx)
	if err != nil {
		return nil, fmt.Errorf("集計値の監査に失敗: %w", err)
	}

	report := &Report{}
	for _, d := range drifts {
		attrs := []any{
			slog.Int64("book_id", d.BookID),
			slog.Int("num_of_pages", d.NumOfPages),
			slog.Int("stored_pages", d.StoredPages),
			slog.Int("recomputed_pages", d.RecomputedPages),
		}

		if d.RecomputedPages > d.NumOfPages {
			report.Inconsistencies++
			j.metrics.RecordAggregateInconsistency()
			j.logger.Error("既読ページ数が総ページ数を超えています",
				append(attrs, slog.Bool("alarm", true))...,
			)
		}
		if d.StoredPages != d.RecomputedPages {
			report.Mismatches++
			j.logger.Warn("保存済みの集計値が再計算値と一致しません", attrs...)
		}
	}
	if report.Mismatches > 0 {
		j.metrics.RecordAuditMismatches(report.Mismatches)
	}

	j.logger.Info("集計監査が完了しました",
		slog.Int("mismatch_count", report.Mismatches),
		slog.Int("inconsistency_count", report.Inconsistencies),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return report, nil
}
