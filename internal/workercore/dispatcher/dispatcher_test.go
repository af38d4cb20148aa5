package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/job"
	"github.com/windmill-labs/workercore/internal/workercore/queue"
)

type fakeStore struct {
	pullQueue []*job.Job
	pullIdx   int

	completedOK        []uuid.UUID
	completedErr       []uuid.UUID
	completedErrBodies [][]byte
	postprocessed      []uuid.UUID
	canceled           map[uuid.UUID]bool

	pingCalls        atomic.Int32
	lastJobsExecuted atomic.Int64

	scriptLocks    map[string]string
	scriptLockErrs map[string]string

	jobsByID map[uuid.UUID]*job.Job
}

func (f *fakeStore) Pull(ctx context.Context, tags []string) (*job.Job, error) {
	if f.pullIdx >= len(f.pullQueue) {
		return nil, nil
	}
	j := f.pullQueue[f.pullIdx]
	f.pullIdx++
	return j, nil
}

func (f *fakeStore) GetQueuedJob(ctx context.Context, jobID uuid.UUID) (*job.Job, error) {
	return f.jobsByID[jobID], nil
}

func (f *fakeStore) AddCompletedJob(ctx context.Context, jobID uuid.UUID, result []byte) error {
	f.completedOK = append(f.completedOK, jobID)
	return nil
}

func (f *fakeStore) AddCompletedJobError(ctx context.Context, jobID uuid.UUID, errMessage []byte) error {
	f.completedErr = append(f.completedErr, jobID)
	f.completedErrBodies = append(f.completedErrBodies, errMessage)
	return nil
}

func (f *fakeStore) PostprocessQueuedJob(ctx context.Context, jobID uuid.UUID) error {
	f.postprocessed = append(f.postprocessed, jobID)
	return nil
}

func (f *fakeStore) UpsertWorkerPing(ctx context.Context, workerName string) error { return nil }

func (f *fakeStore) UpdateWorkerPing(ctx context.Context, workerName string, jobsExecuted int64) error {
	f.pingCalls.Add(1)
	f.lastJobsExecuted.Store(jobsExecuted)
	return nil
}

func (f *fakeStore) GetScript(ctx context.Context, workspaceID, scriptHash string) (*queue.ScriptRow, error) {
	return nil, nil
}

func (f *fakeStore) GetParentScriptPath(ctx context.Context, parentJobID uuid.UUID) (string, error) {
	return "", nil
}

func (f *fakeStore) SetScriptLock(ctx context.Context, workspaceID, scriptHash, lock string) error {
	if f.scriptLocks == nil {
		f.scriptLocks = map[string]string{}
	}
	f.scriptLocks[workspaceID+"/"+scriptHash] = lock
	return nil
}

func (f *fakeStore) SetScriptLockErrorLogs(ctx context.Context, workspaceID, scriptHash, logs string) error {
	if f.scriptLockErrs == nil {
		f.scriptLockErrs = map[string]string{}
	}
	f.scriptLockErrs[workspaceID+"/"+scriptHash] = logs
	return nil
}

func (f *fakeStore) MarkZombies(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeStore) UpdateLastPing(ctx context.Context, jobID uuid.UUID) error { return nil }
func (f *fakeStore) ConcatLogs(ctx context.Context, jobID uuid.UUID, delta string) error {
	return nil
}
func (f *fakeStore) SetLogs(ctx context.Context, jobID uuid.UUID, logs string) error { return nil }

func (f *fakeStore) IsCanceled(ctx context.Context, jobID uuid.UUID) (bool, string, string, error) {
	return f.canceled[jobID], "", "", nil
}

func (f *fakeStore) MarkCanceled(ctx context.Context, jobID uuid.UUID, by, reason string) error {
	return nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx queue.Tx) error) error {
	return fn(ctx, nil)
}

type fakeFlow struct {
	inProgress []uuid.UUID

	handleFlowCalls atomic.Int32
	handleFlowErr   error
	handledJob      uuid.UUID
	handledArgs     json.RawMessage

	afterCompletionCalls   atomic.Int32
	afterCompletionErr     error
	afterCompletionJob     uuid.UUID
	afterCompletionSuccess bool
}

func (f *fakeFlow) HandleFlow(ctx context.Context, jobID uuid.UUID, args json.RawMessage) error {
	f.handleFlowCalls.Add(1)
	f.handledJob = jobID
	f.handledArgs = args
	return f.handleFlowErr
}

func (f *fakeFlow) UpdateStatusInProgress(ctx context.Context, jobID uuid.UUID) error {
	f.inProgress = append(f.inProgress, jobID)
	return nil
}

func (f *fakeFlow) UpdateStatusAfterCompletion(ctx context.Context, jobID uuid.UUID, success bool) error {
	f.afterCompletionCalls.Add(1)
	f.afterCompletionJob = jobID
	f.afterCompletionSuccess = success
	return f.afterCompletionErr
}

func TestRun_HandlesFlowJobViaInterpreterAndSkipsCompletion(t *testing.T) {
	flowJobID := uuid.New()
	flowArgs := json.RawMessage(`{"x":1}`)
	store := &fakeStore{
		pullQueue: []*job.Job{{ID: flowJobID, Kind: job.KindFlow, Args: flowArgs}},
		canceled:  map[uuid.UUID]bool{},
	}
	flowInterp := &fakeFlow{}

	d := New(Config{
		Store:      store,
		Flow:       flowInterp,
		SleepQueue: 2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return flowInterp.handleFlowCalls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	assert.Equal(t, flowJobID, flowInterp.handledJob)
	assert.Equal(t, flowArgs, flowInterp.handledArgs)
	// handle_flow owns this job's completion bookkeeping entirely: the
	// dispatcher must not also record a completed job or post-process it.
	assert.Empty(t, store.completedOK)
	assert.Empty(t, store.postprocessed)
}

func TestComplete_FlowJobErrorStillGoesThroughNormalErrorPath(t *testing.T) {
	store := &fakeStore{}
	d := New(Config{Store: store, Flow: &fakeFlow{}})

	j := &job.Job{ID: uuid.New(), Kind: job.KindFlow}
	d.complete(context.Background(), j, nil, assert.AnError)

	assert.Equal(t, []uuid.UUID{j.ID}, store.completedErr)
	assert.Equal(t, []uuid.UUID{j.ID}, store.postprocessed)
}

func TestRun_DependenciesJobPersistsLockToScriptRow(t *testing.T) {
	binDir := t.TempDir()
	fakePipCompile := "#!/bin/sh\ncat > requirements.txt <<'EOF'\n# generated by pip-compile\nflask==2.0.0\nEOF\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "pip-compile"), []byte(fakePipCompile), 0o755))
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))

	depJobID := uuid.New()
	store := &fakeStore{
		pullQueue: []*job.Job{{
			ID:          depJobID,
			Kind:        job.KindDependencies,
			WorkspaceID: "demo",
			ScriptHash:  "abc123",
			RawCode:     "flask\n",
		}},
		canceled: map[uuid.UUID]bool{},
	}

	d := New(Config{
		Store:          store,
		TmpDir:         t.TempDir(),
		DisableSandbox: true,
		SleepQueue:     2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(store.completedOK) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	assert.Equal(t, "flask==2.0.0", store.scriptLocks["demo/abc123"])
}

func TestComplete_NotifiesFlowInterpreterExactlyOnceOnFailure(t *testing.T) {
	store := &fakeStore{}
	flowInterp := &fakeFlow{}
	d := New(Config{Store: store, Flow: flowInterp})

	parentID := uuid.New()
	j := &job.Job{ID: uuid.New(), ParentJob: &parentID}

	d.complete(context.Background(), j, nil, assert.AnError)

	assert.Equal(t, []uuid.UUID{j.ID}, store.completedErr)
	assert.Equal(t, int32(1), flowInterp.afterCompletionCalls.Load())
	assert.Equal(t, j.ID, flowInterp.afterCompletionJob)
	assert.False(t, flowInterp.afterCompletionSuccess)
	assert.Equal(t, []uuid.UUID{j.ID}, store.postprocessed)
}

func TestComplete_NotifiesFlowInterpreterExactlyOnceOnSuccess(t *testing.T) {
	store := &fakeStore{}
	flowInterp := &fakeFlow{}
	d := New(Config{Store: store, Flow: flowInterp})

	parentID := uuid.New()
	j := &job.Job{ID: uuid.New(), ParentJob: &parentID}

	d.complete(context.Background(), j, json.RawMessage(`{"ok":true}`), nil)

	assert.Equal(t, []uuid.UUID{j.ID}, store.completedOK)
	assert.Equal(t, int32(1), flowInterp.afterCompletionCalls.Load())
	assert.Equal(t, j.ID, flowInterp.afterCompletionJob)
	assert.True(t, flowInterp.afterCompletionSuccess)
	assert.Equal(t, []uuid.UUID{j.ID}, store.postprocessed)
}

func TestComplete_PrefixesRecordedErrorMessage(t *testing.T) {
	store := &fakeStore{}
	d := New(Config{Store: store, Flow: &fakeFlow{}})

	j := &job.Job{ID: uuid.New()}
	d.complete(context.Background(), j, nil, assert.AnError)

	require.Len(t, store.completedErrBodies, 1)
	assert.Contains(t, string(store.completedErrBodies[0]), "Unexpected error during job execution:\n"+assert.AnError.Error())
}

func TestComplete_NotificationFailureFallsBackToParentRow(t *testing.T) {
	parentID := uuid.New()
	parentJob := &job.Job{ID: parentID}
	store := &fakeStore{jobsByID: map[uuid.UUID]*job.Job{parentID: parentJob}}
	flowInterp := &fakeFlow{afterCompletionErr: assert.AnError}
	d := New(Config{Store: store, Flow: flowInterp})

	j := &job.Job{ID: uuid.New(), ParentJob: &parentID}

	d.complete(context.Background(), j, nil, assert.AnError)

	assert.Equal(t, int32(1), flowInterp.afterCompletionCalls.Load())
	assert.Equal(t, []uuid.UUID{j.ID, parentID}, store.completedErr)
	require.Len(t, store.completedErrBodies, 2)
	assert.Contains(t, string(store.completedErrBodies[1]), "Unexpected error during flow job error handling:\n"+assert.AnError.Error())
	assert.Equal(t, []uuid.UUID{j.ID, parentID}, store.postprocessed)
}

func TestSleepDuration_StaggersByNumWorkers(t *testing.T) {
	d := New(Config{SleepQueue: 10 * time.Millisecond, NumWorkers: 4})
	assert.Equal(t, 40*time.Millisecond, d.sleepDuration())
}

func TestSleepDuration_ZeroNumWorkersDefaultsToOne(t *testing.T) {
	d := New(Config{SleepQueue: 10 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, d.sleepDuration())
}

func TestRun_PingsWorkerPingWithJobsExecutedCount(t *testing.T) {
	jobID := uuid.New()
	store := &fakeStore{
		pullQueue: []*job.Job{{ID: jobID, Kind: job.KindFlow}},
		canceled:  map[uuid.UUID]bool{},
	}
	d := New(Config{
		Store:      store,
		Flow:       &fakeFlow{},
		SleepQueue: time.Millisecond,
	})
	pingInterval = time.Millisecond // speed up the test; restored below
	defer func() { pingInterval = 15 * time.Second }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.pingCalls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, store.lastJobsExecuted.Load(), int64(1))
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestComplete_NoParentNeverEscalates(t *testing.T) {
	store := &fakeStore{}
	flowInterp := &fakeFlow{}
	d := New(Config{Store: store, Flow: flowInterp})

	j := &job.Job{ID: uuid.New()}
	d.complete(context.Background(), j, json.RawMessage(`null`), nil)

	assert.Equal(t, []uuid.UUID{j.ID}, store.completedOK)
	assert.Equal(t, int32(0), flowInterp.afterCompletionCalls.Load())
}
