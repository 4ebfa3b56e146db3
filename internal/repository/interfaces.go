// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/readtrack/internal/model"
)

var (
	// ErrBookNotFound は対象の本が存在しない（削除済みを含む）場合に返る。
	ErrBookNotFound = errors.New("book not found")
	// ErrDuplicate は一意制約に違反した場合に返る。
	ErrDuplicate = errors.New("duplicate key")
	// ErrPageCountBelowAggregate は総ページ数を既読ページ数未満、
	// または既読事実の最大ページ番号未満に更新しようとした場合に返る。
	ErrPageCountBelowAggregate = errors.New("num_of_pages below read pages")
)

// PageCountTooSmallError は総ページ数の更新が既読の範囲を下回る場合に返る。
// errors.IsでErrPageCountBelowAggregateと判定できる。
type PageCountTooSmallError struct {
	BookID        int64
	MinNumOfPages int // 既読ページ数と既読事実の最大ページ番号の大きい方
}

func (e *PageCountTooSmallError) Error() string {
	return fmt.Sprintf("book %d: num_of_pages must be at least %d: %v", e.BookID, e.MinNumOfPages, ErrPageCountBelowAggregate)
}

func (e *PageCountTooSmallError) Unwrap() error {
	return ErrPageCountBelowAggregate
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成し、採番されたIDとタイムスタンプをuserに設定する。
	// メールアドレスが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error
}

// BookRepository は本（カタログ）の永続化インターフェース。
// unique_read_pages / last_aggregated_at はAggregationRepositoryのみが更新する。
type BookRepository interface {
	// FindByID は指定IDの本を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Book, error)

	// FindByName は名前で本を取得する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Book, error)

	// Create は本を作成し、採番されたIDとタイムスタンプをbookに設定する。
	// 名前が重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, book *model.Book) error

	// Update は本の名前と総ページ数を更新する。
	// 存在しない場合はErrBookNotFound、名前重複はErrDuplicate、
	// 総ページ数が既読ページ数または既読事実の最大ページ番号を下回る場合は
	// *PageCountTooSmallError（ErrPageCountBelowAggregate）を返す。
	Update(ctx context.Context, book *model.Book) error

	// ListTopByUniqueReadPages はunique_read_pages降順、id昇順で上位limit件を返す。
	// ロックは取得せず、最後にコミットされた集計値を読む。
	ListTopByUniqueReadPages(ctx context.Context, limit int) ([]model.BookAggregateView, error)
}

// SubmissionRepository は読書区間の送信ログの永続化インターフェース。
// 送信ログは追記専用で、enqueued_at / requeue_count / aggregated_at以外は更新しない。
type SubmissionRepository interface {
	// Create は送信ログを1件追加する。
	Create(ctx context.Context, submission *model.IntervalSubmission) error

	// MarkEnqueued は集計ジョブの投入完了時刻を記録する。
	MarkEnqueued(ctx context.Context, id string, at time.Time) error

	// WithPendingBatch はaggregated_atが未設定で、最後の投入（未投入なら受付）が
	// staleBefore以前かつ再投入回数がmaxAttempts未満の送信を
	// FOR UPDATE SKIP LOCKEDで最大limit件取得し、fnに渡す。
	// fnが返したIDをenqueued_at = now()、requeue_count + 1 に更新してコミットする。
	// 処理した件数を返す。
	WithPendingBatch(ctx context.Context, staleBefore time.Time, maxAttempts, limit int, fn func(ctx context.Context, pending []*model.IntervalSubmission) ([]string, error)) (int, error)
}

// AggregationTx は本の行ロックを保持したトランザクション内で行う集計操作。
// WithBookLockのコールバック内でのみ有効。
type AggregationTx interface {
	// TotalPages はロック取得時点の本の総ページ数を返す。
	TotalPages() int

	// InsertCoverage はページ単位の既読事実を挿入する。既存の事実は無視する。
	// 新規に挿入された件数を返す。
	InsertCoverage(ctx context.Context, userID int64, pages []int) (int64, error)

	// CountDistinctPages は本の既読事実から異なるページ番号の数を数える。
	CountDistinctPages(ctx context.Context) (int, error)

	// UpdateAggregate は本の集計値と集計時刻を書き込む。
	UpdateAggregate(ctx context.Context, uniqueReadPages int, at time.Time) error

	// MarkAggregated は送信ログに集計完了時刻を記録する。記録済みなら何もしない。
	MarkAggregated(ctx context.Context, submissionID string, at time.Time) error
}

// AggregationRepository は本ごとの排他区間で既読事実と集計値を更新する永続化インターフェース。
type AggregationRepository interface {
	// WithBookLock はトランザクションを開始して本の行をFOR UPDATEでロックし、fnを実行する。
	// lockTimeoutが正の場合はロック待ちをその時間で打ち切る。
	// fnがnilを返せばコミットし、エラーを返せばロールバックする。
	// 本が存在しない場合はErrBookNotFoundを返す。
	WithBookLock(ctx context.Context, bookID int64, lockTimeout time.Duration, fn func(ctx context.Context, tx AggregationTx) error) error

	// ListAggregateDrift は保存済みの集計値と既読事実からの再計算値が一致しない本、
	// または再計算値が総ページ数を超える本を返す。
	ListAggregateDrift(ctx context.Context) ([]AggregateDrift, error)
}

// AggregateDrift は集計値の監査で検出した差異。
type AggregateDrift struct {
	BookID          int64
	NumOfPages      int
	StoredPages     int
	RecomputedPages int
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
