package roommutex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSerializesWritersForTheSameRoom(t *testing.T) {
	locks := New(8)
	ctx := context.Background()

	release1, err := Acquire(ctx, locks, "!room:x")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := Acquire(ctx, locks, "!room:x")
		require.NoError(t, err)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire for the same room must block while the first holds the writer lock")
	case <-time.After(50 * time.Millisecond):
	}

	release1()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded after the first released")
	}
}

func TestAcquireAllowsDifferentRoomsConcurrently(t *testing.T) {
	locks := New(8)
	ctx := context.Background()

	releaseA, err := Acquire(ctx, locks, "!a:x")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := Acquire(ctx, locks, "!b:x")
		require.NoError(t, err)
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different room must not block on an unrelated room's writer lock")
	}
}

func TestAcquireReturnsErrQueueFullWhenQueueExhausted(t *testing.T) {
	locks := New(1)
	ctx := context.Background()

	release, err := Acquire(ctx, locks, "!room:x")
	require.NoError(t, err)

	// The writer lock is held, so this second caller occupies the
	// single queue slot while waiting.
	waiterDone := make(chan struct{})
	go func() {
		r, err := Acquire(ctx, locks, "!room:x")
		if err == nil {
			r()
		}
		close(waiterDone)
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = Acquire(ctx, locks, "!room:x")
	assert.ErrorIs(t, err, ErrQueueFull)

	release()
	<-waiterDone
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	locks := New(8)
	release, err := Acquire(context.Background(), locks, "!room:x")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = Acquire(ctx, locks, "!room:x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
