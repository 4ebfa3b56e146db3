package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/readtrack/internal/model"
)

// PostgresBookRepo はPostgreSQLを使用した本（カタログ）リポジトリ。
type PostgresBookRepo struct {
	db *sql.DB
}

// NewPostgresBookRepo はPostgresBookRepoを生成する。
func NewPostgresBookRepo(db *sql.DB) *PostgresBookRepo {
	return &PostgresBookRepo{db: db}
}

const bookColumns = `id, name, num_of_pages, unique_read_pages, last_aggregated_at, created_at, updated_at`

func scanBook(row interface{ Scan(...any) error }) (*model.Book, error) {
	book := &model.Book{}
	var lastAggregatedAt sql.NullTime
	err := row.Scan(&book.ID, &book.Name, &book.NumOfPages, &book.UniqueReadPages,
		&lastAggregatedAt, &book.CreatedAt, &book.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastAggregatedAt.Valid {
		t := lastAggregatedAt.Time
		book.LastAggregatedAt = &t
	}
	return book, nil
}

// FindByID は指定IDの本を取得する。見つからない場合はnilを返す。
func (r *PostgresBookRepo) FindByID(ctx context.Context, id int64) (*model.Book, error) {
	book, err := scanBook(r.db.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find book by ID: %w", err)
	}
	return book, nil
}

// FindByName は名前で本を取得する。見つからない場合はnilを返す。
func (r *PostgresBookRepo) FindByName(ctx context.Context, name string) (*model.Book, error) {
	book, err := scanBook(r.db.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE name = $1`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find book by name: %w", err)
	}
	return book, nil
}

// Create は本を作成し、採番されたIDとタイムスタンプをbookに設定する。
func (r *PostgresBookRepo) Create(ctx context.Context, book *model.Book) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO books (name, num_of_pages)
		 VALUES ($1, $2)
		 RETURNING id, unique_read_pages, created_at, updated_at`,
		book.Name, book.NumOfPages,
	).Scan(&book.ID, &book.UniqueReadPages, &book.CreatedAt, &book.UpdatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("book name %q: %w", book.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert book: %w", err)
	}
	return nil
}

// Update は本の名前と総ページ数を更新する。
// 集計ワーカーと同じ本の行ロックを取ってから既読の範囲を読むため、
// 先にコミットした集計ジョブの既読事実より小さい総ページ数には縮められない。
func (r *PostgresBookRepo) Update(ctx context.Context, book *model.Book) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var uniqueReadPages int
	err = tx.QueryRowContext(ctx,
		`SELECT unique_read_pages FROM books WHERE id = $1 FOR UPDATE`,
		book.ID,
	).Scan(&uniqueReadPages)
	if err == sql.ErrNoRows {
		return fmt.Errorf("book %d: %w", book.ID, ErrBookNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock book %d: %w", book.ID, err)
	}

	// ロック取得後の文なので、READ COMMITTEDでも直前のコミットが見える
	var maxReadPage int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(page_number), 0) FROM user_book_pages WHERE book_id = $1`,
		book.ID,
	).Scan(&maxReadPage); err != nil {
		return fmt.Errorf("failed to read max read page: %w", err)
	}
	if minPages := max(uniqueReadPages, maxReadPage); book.NumOfPages < minPages {
		book.UniqueReadPages = uniqueReadPages
		return &PageCountTooSmallError{BookID: book.ID, MinNumOfPages: minPages}
	}

	updated, err := scanBook(tx.QueryRowContext(ctx,
		`UPDATE books SET name = $2, num_of_pages = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING `+bookColumns,
		book.ID, book.Name, book.NumOfPages,
	))
	if IsUniqueViolation(err) {
		return fmt.Errorf("book name %q: %w", book.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to update book: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit book update: %w", err)
	}

	*book = *updated
	return nil
}

// ListTopByUniqueReadPages はunique_read_pages降順、id昇順で上位limit件を返す。
func (r *PostgresBookRepo) ListTopByUniqueReadPages(ctx context.Context, limit int) ([]model.BookAggregateView, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, num_of_pages, unique_read_pages
		 FROM books
		 ORDER BY unique_read_pages DESC, id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("おすすめ本の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	views := make([]model.BookAggregateView, 0, limit)
	for rows.Next() {
		var v model.BookAggregateView
		if err := rows.Scan(&v.BookID, &v.BookName, &v.NumOfPages, &v.UniqueReadPages); err != nil {
			return nil, fmt.Errorf("おすすめ本の読み取りに失敗しました: %w", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("おすすめ本の走査に失敗しました: %w", err)
	}

	return views, nil
}

// compile-time interface check
var _ BookRepository = (*PostgresBookRepo)(nil)
