package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/readtrack/internal/model"
)

// PostgresSubmissionRepo はPostgreSQLを使用した読書区間送信ログのリポジトリ。
type PostgresSubmissionRepo struct {
	db *sql.DB
}

// NewPostgresSubmissionRepo はPostgresSubmissionRepoを生成する。
func NewPostgresSubmissionRepo(db *sql.DB) *PostgresSubmissionRepo {
	return &PostgresSubmissionRepo{db: db}
}

// Create は送信ログを1件追加する。
// ユーザーまたは本が検証後に削除されていた場合は外部キー違反となり、エラーを返す。
func (r *PostgresSubmissionRepo) Create(ctx context.Context, s *model.IntervalSubmission) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reading_intervals (id, user_id, book_id, start_page, end_page, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.UserID, s.BookID, s.StartPage, s.EndPage, s.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading interval: %w", err)
	}
	return nil
}

// MarkEnqueued は集計ジョブの投入完了時刻を記録する。既に記録済みの場合は何もしない。
func (r *PostgresSubmissionRepo) MarkEnqueued(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE reading_intervals SET enqueued_at = $2 WHERE id = $1 AND enqueued_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark reading interval enqueued: %w", err)
	}
	return nil
}

// WithPendingBatch は未集計のまま滞留した送信をFOR UPDATE SKIP LOCKEDで取得してfnに渡し、
// fnが返したIDの投入時刻と再投入回数を更新してコミットする。
// 投入済みでもブローカーで失われたジョブは、最後の投入からstaleBeforeを過ぎると再び対象になる。
// maxAttemptsが0以下なら再投入回数で打ち切らない。
// 複数のスイーパーが同時に動いても同じ送信を重複して扱わない。
func (r *PostgresSubmissionRepo) WithPendingBatch(
	ctx context.Context,
	staleBefore time.Time,
	maxAttempts int,
	limit int,
	fn func(ctx context.Context, pending []*model.IntervalSubmission) ([]string, error),
) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, user_id, book_id, start_page, end_page, submitted_at, enqueued_at, requeue_count
		 FROM reading_intervals
		 WHERE aggregated_at IS NULL
		   AND COALESCE(enqueued_at, submitted_at) <= $1
		   AND ($3 <= 0 OR requeue_count < $3)
		 ORDER BY submitted_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		staleBefore, limit, maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("未投入の読書区間の取得に失敗しました: %w", err)
	}

	var pending []*model.IntervalSubmission
	for rows.Next() {
		s := &model.IntervalSubmission{}
		var enqueuedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.UserID, &s.BookID, &s.StartPage, &s.EndPage, &s.SubmittedAt, &enqueuedAt, &s.RequeueCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("未投入の読書区間の読み取りに失敗しました: %w", err)
		}
		if enqueuedAt.Valid {
			s.EnqueuedAt = &enqueuedAt.Time
		}
		pending = append(pending, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("未投入の読書区間の走査に失敗しました: %w", err)
	}
	rows.Close()

	if len(pending) == 0 {
		return 0, nil
	}

	done, fnErr := fn(ctx, pending)

	// fnが途中で失敗しても、投入できた分は記録して二重投入を減らす
	if len(done) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE reading_intervals
			 SET enqueued_at = now(), requeue_count = requeue_count + 1
			 WHERE id = ANY($1::uuid[])`,
			pq.Array(done),
		); err != nil {
			return 0, fmt.Errorf("failed to mark reading intervals enqueued: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit transaction: %w", err)
		}
	}

	return len(done), fnErr
}

// compile-time interface check
var _ SubmissionRepository = (*PostgresSubmissionRepo)(nil)
