package aggregate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"runtime"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type coverageKey struct {
	userID int64
	page   int
}

type fakeBook struct {
	total  int
	stored int
	facts  map[coverageKey]struct{}
}

// fakeAggregationRepo はトランザクション開始時に状態をコピーし、コミット時に上書きする。
// 呼び出し側が本ごとに直列化しないと更新が失われる。
type fakeAggregationRepo struct {
	mu                sync.Mutex
	books             map[int64]*fakeBook
	inFlight          map[int64]int
	maxInFlight       map[int64]int
	transientFailures int
	beforeCommit      func(bookID int64)
	insertCalls       int
	aggregated        map[string]time.Time
}

func newFakeAggregationRepo() *fakeAggregationRepo {
	return &fakeAggregationRepo{
		books:       make(map[int64]*fakeBook),
		inFlight:    make(map[int64]int),
		maxInFlight: make(map[int64]int),
		aggregated:  make(map[string]time.Time),
	}
}

func (r *fakeAggregationRepo) addBook(id int64, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books[id] = &fakeBook{total: total, facts: make(map[coverageKey]struct{})}
}

func (r *fakeAggregationRepo) seedFacts(bookID, userID int64, from, to int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := from; p <= to; p++ {
		r.books[bookID].facts[coverageKey{userID: userID, page: p}] = struct{}{}
	}
}

func (r *fakeAggregationRepo) stored(bookID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.books[bookID].stored
}

func (r *fakeAggregationRepo) insertCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertCalls
}

func (r *fakeAggregationRepo) aggregatedAt(submissionID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.aggregated[submissionID]
	return at, ok
}

func (r *fakeAggregationRepo) maxConcurrent(bookID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight[bookID]
}

func (r *fakeAggregationRepo) WithBookLock(
	ctx context.Context,
	bookID int64,
	lockTimeout time.Duration,
	fn func(ctx context.Context, tx repository.AggregationTx) error,
) error {
	r.mu.Lock()
	if r.transientFailures > 0 {
		r.transientFailures--
		r.mu.Unlock()
		return &pq.Error{Code: "40P01", Message: "deadlock detected"}
	}
	b, ok := r.books[bookID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("book %d: %w", bookID, repository.ErrBookNotFound)
	}
	r.inFlight[bookID]++
	if r.inFlight[bookID] > r.maxInFlight[bookID] {
		r.maxInFlight[bookID] = r.inFlight[bookID]
	}
	tx := &fakeTx{repo: r, bookID: bookID, total: b.total, stored: b.stored, facts: maps.Clone(b.facts), marked: make(map[string]time.Time)}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight[bookID]--
		r.mu.Unlock()
	}()

	runtime.Gosched()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if r.beforeCommit != nil {
		r.beforeCommit(bookID)
	}

	r.mu.Lock()
	b.facts = tx.facts
	b.stored = tx.stored
	maps.Copy(r.aggregated, tx.marked)
	r.mu.Unlock()
	return nil
}

func (r *fakeAggregationRepo) ListAggregateDrift(ctx context.Context) ([]repository.AggregateDrift, error) {
	return nil, nil
}

type fakeTx struct {
	repo   *fakeAggregationRepo
	bookID int64
	total  int
	stored int
	facts  map[coverageKey]struct{}
	marked map[string]time.Time
}

func (t *fakeTx) TotalPages() int { return t.total }

func (t *fakeTx) InsertCoverage(ctx context.Context, userID int64, pages []int) (int64, error) {
	t.repo.mu.Lock()
	t.repo.insertCalls++
	t.repo.mu.Unlock()
	var inserted int64
	for _, p := range pages {
		key := coverageKey{userID: userID, page: p}
		if _, ok := t.facts[key]; ok {
			continue
		}
		t.facts[key] = struct{}{}
		inserted++
	}
	return inserted, nil
}

func (t *fakeTx) CountDistinctPages(ctx context.Context) (int, error) {
	pages := make(map[int]struct{})
	for k := range t.facts {
		pages[k.page] = struct{}{}
	}
	return len(pages), nil
}

func (t *fakeTx) UpdateAggregate(ctx context.Context, uniqueReadPages int, at time.Time) error {
	t.stored = uniqueReadPages
	return nil
}

func (t *fakeTx) MarkAggregated(ctx context.Context, submissionID string, at time.Time) error {
	if _, ok := t.marked[submissionID]; !ok {
		t.marked[submissionID] = at
	}
	return nil
}

// fakeMetrics はテスト用のMetricsCollector。
type fakeMetrics struct {
	mu              sync.Mutex
	processed       int
	insertedPages   int64
	failed          map[string]int
	inconsistencies int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{failed: make(map[string]int)}
}

func (m *fakeMetrics) RecordSubmissionAccepted() {}
func (m *fakeMetrics) RecordSubmissionRejected(reason string) {}
func (m *fakeMetrics) RecordEnqueueFailure() {}
func (m *fakeMetrics) RecordAggregationLatency(d time.Duration) {}
func (m *fakeMetrics) RecordLockWait(d time.Duration) {}
func (m *fakeMetrics) RecordAuditMismatches(count int) {}
func (m *fakeMetrics) RecordSubmissionsRequeued(count int) {}
func (m *fakeMetrics) RecordHTTPStatus(statusCode int) {}

func (m *fakeMetrics) RecordJobProcessed(insertedPages int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
	m.insertedPages += insertedPages
}

func (m *fakeMetrics) RecordJobFailed(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[kind]++
}

func (m *fakeMetrics) RecordAggregateInconsistency() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inconsistencies++
}

func (m *fakeMetrics) snapshot() (processed int, failed map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed, maps.Clone(m.failed)
}

// fakeApplier はApplyFnに処理を委譲し、呼び出し回数を数える。
type fakeApplier struct {
	mu      sync.Mutex
	calls   int
	ApplyFn func(ctx context.Context, job model.AggregationJob) (*model.AggregateResult, error)
}

func (a *fakeApplier) Apply(ctx context.Context, job model.AggregationJob) (*model.AggregateResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.ApplyFn(ctx, job)
}

func (a *fakeApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeCache struct {
	mu          sync.Mutex
	invalidated int
	err         error
}

func (c *fakeCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	return c.err
}

func (c *fakeCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

func job(submissionID string, userID, bookID int64, start, end int) model.AggregationJob {
	return model.AggregationJob{
		SubmissionID: submissionID,
		UserID:       userID,
		BookID:       bookID,
		StartPage:    start,
		EndPage:      end,
		SubmittedAt:  time.Now(),
	}
}
