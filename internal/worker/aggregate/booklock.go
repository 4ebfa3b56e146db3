package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BookLocker は本IDをキーとするプロセス内の排他ロック。
// 同じ本のジョブがDB接続を握ったまま行ロック待ちで積み上がるのを防ぐ。
// プロセス間の直列化はDBの行ロックが担う。
type BookLocker struct {
	mu    sync.Mutex
	locks map[int64]*bookLock
}

type bookLock struct {
	sem  chan struct{}
	refs int
}

// NewBookLocker はBookLockerを生成する。
func NewBookLocker() *BookLocker {
	return &BookLocker{locks: make(map[int64]*bookLock)}
}

// Acquire は本bookIDのロックを取得し、解放関数を返す。
// timeoutが正の場合はその時間だけ待ち、取得できなければErrLockTimeoutを返す。
// ctxがキャンセルされた場合はctx.Err()を返す。
func (l *BookLocker) Acquire(ctx context.Context, bookID int64, timeout time.Duration) (func(), error) {
	entry := l.ref(bookID)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case entry.sem <- struct{}{}:
	case <-timeoutCh:
		l.unref(bookID)
		return nil, fmt.Errorf("%w: book %d after %s", ErrLockTimeout, bookID, timeout)
	case <-ctx.Done():
		l.unref(bookID)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.unref(bookID)
		})
	}, nil
}

// Len は待機中または保持中のロックがある本の数を返す。
func (l *BookLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *BookLocker) ref(bookID int64) *bookLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[bookID]
	if !ok {
		entry = &bookLock{sem: make(chan struct{}, 1)}
		l.locks[bookID] = entry
	}
	entry.refs++
	return entry
}

// 参照がなくなったエントリはマップから取り除く
func (l *BookLocker) unref(bookID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[bookID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, bookID)
	}
}
