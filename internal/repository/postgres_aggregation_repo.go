package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresAggregationRepo はPostgreSQLを使用した集計リポジトリ。
// 本の行ロック（SELECT ... FOR UPDATE）を排他区間として、既読事実の挿入と集計値の再計算を
// 1トランザクションで行う。行ロックはプロセスをまたいで同じ本のジョブを直列化する。
type PostgresAggregationRepo struct {
	db TxBeginner
	// dbq は監査クエリなどトランザクション外の読み取り用
	dbq *sql.DB
}

// NewPostgresAggregationRepo はPostgresAggregationRepoを生成する。
func NewPostgresAggregationRepo(db *sql.DB) *PostgresAggregationRepo {
	return &PostgresAggregationRepo{db: db, dbq: db}
}

// WithBookLock はトランザクション内で本の行をロックしてfnを実行する。
func (r *PostgresAggregationRepo) WithBookLock(
	ctx context.Context,
	bookID int64,
	lockTimeout time.Duration,
	fn func(ctx context.Context, tx AggregationTx) error,
) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// SET LOCAL はパラメータを受け付けないため、整数ミリ秒を埋め込む
	if lockTimeout > 0 {
		ms := lockTimeout.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
			return fmt.Errorf("failed to set lock_timeout: %w", err)
		}
	}

	var totalPages int
	err = tx.QueryRowContext(ctx,
		`SELECT num_of_pages FROM books WHERE id = $1 FOR UPDATE`,
		bookID,
	).Scan(&totalPages)
	if err == sql.ErrNoRows {
		return fmt.Errorf("book %d: %w", bookID, ErrBookNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock book %d: %w", bookID, err)
	}

	if err := fn(ctx, &pgAggregationTx{tx: tx, bookID: bookID, totalPages: totalPages}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit aggregation: %w", err)
	}
	return nil
}

// ListAggregateDrift は保存済み集計値と再計算値が食い違う本を返す。
func (r *PostgresAggregationRepo) ListAggregateDrift(ctx context.Context) ([]AggregateDrift, error) {
	rows, err := r.dbq.QueryContext(ctx,
		`SELECT b.id, b.num_of_pages, b.unique_read_pages, COALESCE(p.pages, 0)
		 FROM books b
		 LEFT JOIN (
		     SELECT book_id, COUNT(DISTINCT page_number) AS pages
		     FROM user_book_pages
		     GROUP BY book_id
		 ) p ON p.book_id = b.id
		 WHERE b.unique_read_pages <> COALESCE(p.pages, 0)
		    OR COALESCE(p.pages, 0) > b.num_of_pages
		 ORDER BY b.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("集計値の監査クエリに失敗しました: %w", err)
	}
	defer rows.Close()

	var drifts []AggregateDrift
	for rows.Next() {
		var d AggregateDrift
		if err := rows.Scan(&d.BookID, &d.NumOfPages, &d.StoredPages, &d.RecomputedPages); err != nil {
			return nil, fmt.Errorf("集計値の監査結果の読み取りに失敗しました: %w", err)
		}
		drifts = append(drifts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("集計値の監査結果の走査に失敗しました: %w", err)
	}
	return drifts, nil
}

// pgAggregationTx は行ロック取得済みトランザクション上のAggregationTx実装。
type pgAggregationTx struct {
	tx         *sql.Tx
	bookID     int64
	totalPages int
}

func (t *pgAggregationTx) TotalPages() int {
	return t.totalPages
}

// InsertCoverage はページ番号の配列をunnestして一括挿入する。
// 主キー (user_id, book_id, page_number) の衝突は無視するため、再配信されたジョブでも件数が増えない。
func (t *pgAggregationTx) InsertCoverage(ctx context.Context, userID int64, pages []int) (int64, error) {
	if len(pages) == 0 {
		return 0, nil
	}
	pageNumbers := make([]int64, len(pages))
	for i, p := range pages {
		pageNumbers[i] = int64(p)
	}

	result, err := t.tx.ExecContext(ctx,
		`INSERT INTO user_book_pages (user_id, book_id, page_number)
		 SELECT $1, $2, unnest($3::int[])
		 ON CONFLICT (user_id, book_id, page_number) DO NOTHING`,
		userID, t.bookID, pq.Array(pageNumbers),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert coverage facts: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return inserted, nil
}

func (t *pgAggregationTx) CountDistinctPages(ctx context.Context) (int, error) {
	var count int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT page_number) FROM user_book_pages WHERE book_id = $1`,
		t.bookID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count distinct pages: %w", err)
	}
	return count, nil
}

func (t *pgAggregationTx) UpdateAggregate(ctx context.Context, uniqueReadPages int, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE books SET unique_read_pages = $2, last_aggregated_at = $3 WHERE id = $1`,
		t.bookID, uniqueReadPages, at,
	); err != nil {
		return fmt.Errorf("failed to update book aggregate: %w", err)
	}
	return nil
}

// MarkAggregated は集計と同じトランザクションで送信ログに完了時刻を記録する。
// スイーパーはこの列が未設定の送信だけを再投入する。
func (t *pgAggregationTx) MarkAggregated(ctx context.Context, submissionID string, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE reading_intervals SET aggregated_at = $2 WHERE id = $1 AND aggregated_at IS NULL`,
		submissionID, at,
	); err != nil {
		return fmt.Errorf("failed to mark reading interval aggregated: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AggregationRepository = (*PostgresAggregationRepo)(nil)
