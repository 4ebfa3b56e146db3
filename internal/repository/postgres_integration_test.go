package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/readtrack/internal/database"
	"github.com/hitoshi/readtrack/internal/model"
)

// setupIntegrationDB はマイグレーション済みのテスト用DBを返す。
// TEST_DATABASE_URL が未設定、または接続できない場合はスキップする。
func setupIntegrationDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE user_book_pages, reading_intervals, books, users RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createUser(t *testing.T, repo *PostgresUserRepo, email string) *model.User {
	t.Helper()
	u := &model.User{Email: email, Name: email, PasswordHash: "x"}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	return u
}

func createBook(t *testing.T, repo *PostgresBookRepo, name string, pages int) *model.Book {
	t.Helper()
	b := &model.Book{Name: name, NumOfPages: pages}
	if err := repo.Create(context.Background(), b); err != nil {
		t.Fatalf("本の作成に失敗: %v", err)
	}
	return b
}

// applyInterval はワーカーと同じ手順で1区間を集計する。
func applyInterval(ctx context.Context, repo *PostgresAggregationRepo, userID, bookID int64, start, end int) (int, error) {
	job := model.AggregationJob{UserID: userID, BookID: bookID, StartPage: start, EndPage: end}
	var count int
	err := repo.WithBookLock(ctx, bookID, time.Second, func(ctx context.Context, tx AggregationTx) error {
		if _, err := tx.InsertCoverage(ctx, userID, job.Pages()); err != nil {
			return err
		}
		c, err := tx.CountDistinctPages(ctx)
		if err != nil {
			return err
		}
		count = c
		return tx.UpdateAggregate(ctx, c, time.Now())
	})
	return count, err
}

func TestIntegration_Aggregation_OverlapAndRedelivery(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	users := NewPostgresUserRepo(db)
	books := NewPostgresBookRepo(db)
	agg := NewPostgresAggregationRepo(db)

	u1 := createUser(t, users, "u1@example.com")
	u2 := createUser(t, users, "u2@example.com")
	book := createBook(t, books, "Book A", 100)

	steps := []struct {
		user       int64
		start, end int
		want       int
	}{
		{u1.ID, 1, 10, 10},
		{u2.ID, 5, 15, 15},
		{u1.ID, 1, 10, 15}, // 再配信
	}
	for i, s := range steps {
		got, err := applyInterval(ctx, agg, s.user, book.ID, s.start, s.end)
		if err != nil {
			t.Fatalf("step %d: 集計に失敗: %v", i, err)
		}
		if got != s.want {
			t.Errorf("step %d: unique_read_pages = %d, want %d", i, got, s.want)
		}
	}

	stored, err := books.FindByID(ctx, book.ID)
	if err != nil {
		t.Fatalf("本の取得に失敗: %v", err)
	}
	if stored.UniqueReadPages != 15 {
		t.Errorf("stored UniqueReadPages = %d, want 15", stored.UniqueReadPages)
	}
	if stored.LastAggregatedAt == nil {
		t.Error("LastAggregatedAt should be set after aggregation")
	}
}

func TestIntegration_Aggregation_ConcurrentDisjointRanges(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	users := NewPostgresUserRepo(db)
	books := NewPostgresBookRepo(db)
	agg := NewPostgresAggregationRepo(db)

	u := createUser(t, users, "c@example.com")
	book := createBook(t, books, "Concurrent", 200)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := i*10 + 1
			if _, err := applyInterval(ctx, agg, u.ID, book.ID, start, start+9); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("並行集計に失敗: %v", err)
	}

	stored, _ := books.FindByID(ctx, book.ID)
	if stored.UniqueReadPages != workers*10 {
		t.Errorf("UniqueReadPages = %d, want %d", stored.UniqueReadPages, workers*10)
	}
}

func TestIntegration_WithBookLock_LockTimeout(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	books := NewPostgresBookRepo(db)
	agg := NewPostgresAggregationRepo(db)
	book := createBook(t, books, "Locked", 10)

	// 別トランザクションで行ロックを保持する
	holder, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("トランザクション開始に失敗: %v", err)
	}
	defer holder.Rollback()
	if _, err := holder.ExecContext(ctx, `SELECT id FROM books WHERE id = $1 FOR UPDATE`, book.ID); err != nil {
		t.Fatalf("行ロック取得に失敗: %v", err)
	}

	err = agg.WithBookLock(ctx, book.ID, 100*time.Millisecond, func(ctx context.Context, tx AggregationTx) error {
		return nil
	})
	if !IsLockNotAvailable(err) {
		t.Fatalf("expected lock_not_available, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("lock timeout should be retryable")
	}
}

func TestIntegration_WithBookLock_MissingBook(t *testing.T) {
	db := setupIntegrationDB(t)
	agg := NewPostgresAggregationRepo(db)

	err := agg.WithBookLock(context.Background(), 99999, time.Second, func(ctx context.Context, tx AggregationTx) error {
		t.Fatal("fn should not run for a missing book")
		return nil
	})
	if !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestIntegration_Books_TopAndUpdateGuards(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	users := NewPostgresUserRepo(db)
	books := NewPostgresBookRepo(db)
	agg := NewPostgresAggregationRepo(db)

	u := createUser(t, users, "top@example.com")
	a := createBook(t, books, "A", 50)
	b := createBook(t, books, "B", 50)
	c := createBook(t, books, "C", 50)
	if _, err := applyInterval(ctx, agg, u.ID, b.ID, 1, 20); err != nil {
		t.Fatal(err)
	}
	if _, err := applyInterval(ctx, agg, u.ID, c.ID, 1, 20); err != nil {
		t.Fatal(err)
	}

	top, err := books.ListTopByUniqueReadPages(ctx, 5)
	if err != nil {
		t.Fatalf("ランキング取得に失敗: %v", err)
	}
	gotIDs := make([]int64, len(top))
	for i, v := range top {
		gotIDs[i] = v.BookID
	}
	wantIDs := []int64{b.ID, c.ID, a.ID}
	if fmt.Sprint(gotIDs) != fmt.Sprint(wantIDs) {
		t.Errorf("top ids = %v, want %v (同数はid昇順)", gotIDs, wantIDs)
	}

	// 既読ページ数未満への総ページ数変更は拒否される
	shrink := &model.Book{ID: b.ID, Name: "B", NumOfPages: 10}
	if err := books.Update(ctx, shrink); !errors.Is(err, ErrPageCountBelowAggregate) {
		t.Errorf("expected ErrPageCountBelowAggregate, got %v", err)
	}

	// 既読ページ数より大きくても、既読の最大ページ番号未満には縮められない
	d := createBook(t, books, "D", 50)
	if _, err := applyInterval(ctx, agg, u.ID, d.ID, 41, 50); err != nil {
		t.Fatal(err)
	}
	var tooSmall *PageCountTooSmallError
	err = books.Update(ctx, &model.Book{ID: d.ID, Name: "D", NumOfPages: 45})
	if !errors.As(err, &tooSmall) || !errors.Is(err, ErrPageCountBelowAggregate) {
		t.Fatalf("expected PageCountTooSmallError, got %v", err)
	}
	if tooSmall.MinNumOfPages != 50 {
		t.Errorf("MinNumOfPages = %d, want 50", tooSmall.MinNumOfPages)
	}
	if err := books.Update(ctx, &model.Book{ID: d.ID, Name: "D", NumOfPages: 50}); err != nil {
		t.Errorf("shrinking to the highest read page should succeed: %v", err)
	}

	// 総ページ数の上限はDBでも守られる
	if err := books.Create(ctx, &model.Book{Name: "Huge", NumOfPages: model.MaxNumOfPages + 1}); err == nil {
		t.Error("expected check violation for num_of_pages above the limit")
	}
	if err := books.Update(ctx, &model.Book{ID: 99999, Name: "Gone", NumOfPages: 10}); !errors.Is(err, ErrBookNotFound) {
		t.Errorf("expected ErrBookNotFound, got %v", err)
	}

	dup := &model.Book{Name: "A", NumOfPages: 5}
	if err := books.Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestIntegration_Submissions_PendingBatch(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	users := NewPostgresUserRepo(db)
	books := NewPostgresBookRepo(db)
	subs := NewPostgresSubmissionRepo(db)
	agg := NewPostgresAggregationRepo(db)

	u := createUser(t, users, "p@example.com")
	book := createBook(t, books, "Pending", 30)

	old := time.Now().Add(-time.Hour)
	enqueued := &model.IntervalSubmission{ID: uuid.NewString(), UserID: u.ID, BookID: book.ID, StartPage: 1, EndPage: 2, SubmittedAt: old}
	pending := &model.IntervalSubmission{ID: uuid.NewString(), UserID: u.ID, BookID: book.ID, StartPage: 3, EndPage: 4, SubmittedAt: old}
	for _, s := range []*model.IntervalSubmission{enqueued, pending} {
		if err := subs.Create(ctx, s); err != nil {
			t.Fatalf("送信ログ作成に失敗: %v", err)
		}
	}
	if err := subs.MarkEnqueued(ctx, enqueued.ID, time.Now()); err != nil {
		t.Fatalf("MarkEnqueuedに失敗: %v", err)
	}

	sweep := func(staleBefore time.Time, maxAttempts int) (int, []string) {
		t.Helper()
		var seen []string
		n, err := subs.WithPendingBatch(ctx, staleBefore, maxAttempts, 10, func(ctx context.Context, batch []*model.IntervalSubmission) ([]string, error) {
			for _, s := range batch {
				seen = append(seen, s.ID)
			}
			return seen, nil
		})
		if err != nil {
			t.Fatalf("WithPendingBatchに失敗: %v", err)
		}
		return n, seen
	}

	// 直近に投入された送信は対象外
	grace := time.Now().Add(-time.Minute)
	if n, seen := sweep(grace, 10); n != 1 || len(seen) != 1 || seen[0] != pending.ID {
		t.Errorf("processed = %d, seen = %v, want only %s", n, seen, pending.ID)
	}
	if n, seen := sweep(grace, 10); n != 0 {
		t.Errorf("second sweep = %d %v, want nothing", n, seen)
	}

	// 集計済みの送信は投入から時間が経っても再投入しない
	err := agg.WithBookLock(ctx, book.ID, time.Second, func(ctx context.Context, tx AggregationTx) error {
		return tx.MarkAggregated(ctx, enqueued.ID, time.Now())
	})
	if err != nil {
		t.Fatalf("MarkAggregatedに失敗: %v", err)
	}
	later := time.Now().Add(time.Hour)
	if n, seen := sweep(later, 10); n != 1 || seen[0] != pending.ID {
		t.Errorf("stale sweep = %d %v, want only %s", n, seen, pending.ID)
	}

	// 再投入回数が上限に達した送信は対象外
	if n, seen := sweep(later, 2); n != 0 {
		t.Errorf("capped sweep = %d %v, want nothing", n, seen)
	}
	var requeueCount int
	if err := db.QueryRowContext(ctx, `SELECT requeue_count FROM reading_intervals WHERE id = $1`, pending.ID).Scan(&requeueCount); err != nil {
		t.Fatal(err)
	}
	if requeueCount != 2 {
		t.Errorf("requeue_count = %d, want 2", requeueCount)
	}
}
