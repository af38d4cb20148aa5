package reaper_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/reaper"
)

type fakeStore struct {
	calls     atomic.Int32
	threshold time.Duration
	ids       []uuid.UUID
	err       error
}

func (f *fakeStore) MarkZombies(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	f.calls.Add(1)
	f.threshold = threshold
	return f.ids, f.err
}

func TestRun_SweepsUntilCanceled(t *testing.T) {
	store := &fakeStore{ids: []uuid.UUID{uuid.New()}}
	r := reaper.New(reaper.Config{
		Store:         store,
		CheckInterval: 5 * time.Millisecond,
		Threshold:     time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	assert.Equal(t, time.Minute, store.threshold)
}

func TestRun_ContinuesAfterMarkZombiesError(t *testing.T) {
	store := &fakeStore{err: assert.AnError}
	r := reaper.New(reaper.Config{
		Store:         store,
		CheckInterval: 5 * time.Millisecond,
		Threshold:     time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
