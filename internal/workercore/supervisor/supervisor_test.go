package supervisor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/supervisor"
)

type fakeStore struct {
	mu         sync.Mutex
	pings      int
	concatted  string
	canceled   bool
	canceledBy string
	reason     string
}

func (f *fakeStore) UpdateLastPing(ctx context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeStore) ConcatLogs(ctx context.Context, jobID uuid.UUID, delta string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.concatted == "" {
		f.concatted = delta
	} else {
		f.concatted = f.concatted + "\n" + delta
	}
	return nil
}

func (f *fakeStore) IsCanceled(ctx context.Context, jobID uuid.UUID) (bool, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled, f.canceledBy, f.reason, nil
}

func (f *fakeStore) MarkCanceled(ctx context.Context, jobID uuid.UUID, by, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
	f.canceledBy = by
	f.reason = reason
	return nil
}

func (f *fakeStore) cancel(by, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
	f.canceledBy = by
	f.reason = reason
}

func TestRun_SuccessfulExit(t *testing.T) {
	store := &fakeStore{}
	res, err := supervisor.Run(context.Background(), supervisor.Config{
		JobID:         uuid.New(),
		Command:       "sh",
		Args:          []string{"-c", "echo hello; echo world 1>&2"},
		FlushInterval: 10 * time.Millisecond,
		Store:         store,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Canceled)
	assert.Contains(t, res.Logs, "hello")
	assert.Contains(t, res.Logs, "world")
}

func TestRun_NonZeroExit(t *testing.T) {
	store := &fakeStore{}
	res, err := supervisor.Run(context.Background(), supervisor.Config{
		JobID:         uuid.New(),
		Command:       "sh",
		Args:          []string{"-c", "exit 3"},
		FlushInterval: 10 * time.Millisecond,
		Store:         store,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRun_Timeout(t *testing.T) {
	store := &fakeStore{}
	res, err := supervisor.Run(context.Background(), supervisor.Config{
		JobID:         uuid.New(),
		Command:       "sh",
		Args:          []string{"-c", "sleep 5"},
		Timeout:       50 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
		Store:         store,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "timeout", res.CanceledBy)
	assert.Contains(t, res.CanceledReason, "duration >")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.True(t, store.canceled)
	assert.Equal(t, "timeout", store.canceledBy)
}

func TestRun_CanceledExternally(t *testing.T) {
	store := &fakeStore{}
	go func() {
		time.Sleep(30 * time.Millisecond)
		store.cancel("alice", "no longer needed")
	}()
	res, err := supervisor.Run(context.Background(), supervisor.Config{
		JobID:         uuid.New(),
		Command:       "sh",
		Args:          []string{"-c", "sleep 5"},
		FlushInterval: 10 * time.Millisecond,
		Store:         store,
	})
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Equal(t, "alice", res.CanceledBy)
}

func TestRun_LivenessPings(t *testing.T) {
	store := &fakeStore{}
	_, err := supervisor.Run(context.Background(), supervisor.Config{
		JobID:         uuid.New(),
		Command:       "sh",
		Args:          []string{"-c", "sleep 0.2"},
		PingInterval:  20 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
		Store:         store,
	})
	require.NoError(t, err)
	assert.Greater(t, store.pings, 0)
}
