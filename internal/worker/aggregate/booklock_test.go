package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookLocker_SerializesSameBook(t *testing.T) {
	l := NewBookLocker()

	release, err := l.Acquire(context.Background(), 1, 0)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), 1, time.Second)
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should wait for release")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should succeed after release")
	}
}

func TestBookLocker_DifferentBooksIndependent(t *testing.T) {
	l := NewBookLocker()

	r1, err := l.Acquire(context.Background(), 1, 0)
	require.NoError(t, err)
	defer r1()

	r2, err := l.Acquire(context.Background(), 2, 10*time.Millisecond)
	require.NoError(t, err)
	r2()
}

func TestBookLocker_Timeout(t *testing.T) {
	l := NewBookLocker()
	r, err := l.Acquire(context.Background(), 1, 0)
	require.NoError(t, err)
	defer r()

	_, err = l.Acquire(context.Background(), 1, 10*time.Millisecond)
	assert.True(t, errors.Is(err, ErrLockTimeout))
}

func TestBookLocker_ContextCanceled(t *testing.T) {
	l := NewBookLocker()
	r, err := l.Acquire(context.Background(), 1, 0)
	require.NoError(t, err)
	defer r()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBookLocker_ReleaseRemovesEntry(t *testing.T) {
	l := NewBookLocker()
	r, err := l.Acquire(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	r()
	r() // 二重解放は無視される
	assert.Equal(t, 0, l.Len())
}
