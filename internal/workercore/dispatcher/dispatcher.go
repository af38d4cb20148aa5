// Package dispatcher implements the job dispatch loop (C6): pull,
// handle, escalate failures to parent flows exactly once, and repeat
// until told to shut down.
package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
	"github.com/windmill-labs/workercore/internal/log"
	"github.com/windmill-labs/workercore/internal/workercore/args"
	"github.com/windmill-labs/workercore/internal/workercore/depends"
	"github.com/windmill-labs/workercore/internal/workercore/flow"
	"github.com/windmill-labs/workercore/internal/workercore/job"
	"github.com/windmill-labs/workercore/internal/workercore/metrics"
	"github.com/windmill-labs/workercore/internal/workercore/pubsub"
	"github.com/windmill-labs/workercore/internal/workercore/queue"
	"github.com/windmill-labs/workercore/internal/workercore/resolver"
	"github.com/windmill-labs/workercore/internal/workercore/runner"
	"github.com/windmill-labs/workercore/internal/workercore/sandbox"
	tokenpkg "github.com/windmill-labs/workercore/internal/workercore/token"
)

var logger = log.New("dispatcher")

// Config wires a Dispatcher's collaborators.
type Config struct {
	WorkerName string
	Tags       []string

	Store      queue.Store
	TokenStore tokenpkg.Store
	Flow       flow.Interpreter
	Resolver   *resolver.Client
	Metrics    *metrics.Metrics
	Sandbox    *sandbox.Loader
	Publisher  *pubsub.Publisher

	TmpDir         string
	CacheDir       string
	WorkerDir      string
	JobTimeout     time.Duration
	SleepQueue     time.Duration
	NumWorkers     int // used only to stagger idle polling (§4.2 step 5); defaults to 1
	DisableSandbox bool
	DisableUser    bool
}

// pingInterval is a var (not const) so tests can shrink it to avoid a
// real 15s sleep; production code never reassigns it.
var pingInterval = 15 * time.Second

// Dispatcher repeatedly pulls and handles jobs until its context is
// canceled (§4.1, §6).
type Dispatcher struct {
	cfg          Config
	lastPing     time.Time
	jobsExecuted int64
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// sleepDuration staggers idle polling across NumWorkers sibling
// dispatchers so they do not all hit the queue at once (§4.2 step 5).
func (d *Dispatcher) sleepDuration() time.Duration {
	n := d.cfg.NumWorkers
	if n < 1 {
		n = 1
	}
	return d.cfg.SleepQueue * time.Duration(n)
}

// Run is the dispatch loop: poll for a job, handle it, sleep
// sleepDuration() if none was found, until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.maybePing(ctx)

		j, err := d.cfg.Store.Pull(ctx, d.cfg.Tags)
		if err != nil {
			logger.Errorf("pull queued job: %v", err)
			sleep(ctx, d.sleepDuration())
			continue
		}
		if j == nil {
			sleep(ctx, d.sleepDuration())
			continue
		}

		d.handle(ctx, j)
	}
}

// maybePing refreshes this dispatcher's worker_ping row with the
// cumulative jobs_executed counter once every pingInterval (§4.2 step 1).
func (d *Dispatcher) maybePing(ctx context.Context) {
	if time.Since(d.lastPing) < pingInterval {
		return
	}
	if err := d.cfg.Store.UpdateWorkerPing(ctx, d.cfg.WorkerName, d.jobsExecuted); err != nil {
		logger.Errorf("update worker_ping: %v", err)
	}
	d.lastPing = time.Now()
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (d *Dispatcher) handle(ctx context.Context, j *job.Job) {
	start := time.Now()
	logger.Infof("leased job; id: %s kind: %s language: %s", j.ID, j.Kind, j.Language)
	d.jobsExecuted++

	outcome, err := d.execute(ctx, j)
	duration := time.Since(start)

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.JobDuration.With(prometheus.Labels{
			"workspace_id": j.WorkspaceID,
			"language":     string(j.Language),
		}).Observe(duration.Seconds())
	}

	if err != nil {
		d.complete(ctx, j, nil, err)
		return
	}
	if j.Kind == job.KindFlow || j.Kind == job.KindFlowPreview {
		// handle_flow owns this job's entire completion bookkeeping,
		// including its own eventual add_completed_job/postprocess
		// calls; the dispatcher does neither here. Matches worker.rs's
		// Flow/FlowPreview match arm, which returns without ever
		// reaching add_completed_job/postprocess_queued_job.
		return
	}
	if outcome.Success {
		d.complete(ctx, j, outcome.Result, nil)
		return
	}
	d.complete(ctx, j, nil, workererrors.ExecutionErr(outcome.ErrorMessage))
}

// execute routes j to the appropriate language runner or dependency
// resolver. Jobs of Kind Flow/FlowPreview are handled entirely by the
// flow Interpreter, not a language runner.
func (d *Dispatcher) execute(ctx context.Context, j *job.Job) (*runner.Outcome, error) {
	if j.Kind == job.KindFlow || j.Kind == job.KindFlowPreview {
		if err := d.cfg.Flow.HandleFlow(ctx, j.ID, j.Args); err != nil {
			return nil, err
		}
		return &runner.Outcome{Success: true, Result: json.RawMessage(`null`)}, nil
	}

	if j.Kind == job.KindDependencies {
		return d.executeDependencies(ctx, j)
	}

	var script *queue.ScriptRow
	if j.Kind == job.KindScript {
		row, err := d.cfg.Store.GetScript(ctx, j.WorkspaceID, j.ScriptHash)
		if err != nil {
			return nil, err
		}
		script = row
	}

	prepared, err := runner.Prepare(ctx, j, script, d.cfg.TmpDir, d.cfg.Flow)
	if err != nil {
		return nil, err
	}
	defer runner.Cleanup(prepared)

	switch j.Language {
	case job.LanguagePython:
		outcome, err := runner.RunPython(ctx, runner.PythonConfig{
			Job:            j,
			Prepared:       prepared,
			RawArgs:        j.Args,
			Store:          d.cfg.Store,
			TokenStore:     d.cfg.TokenStore,
			ArgsResolver:   d.cfg.Resolver,
			SandboxLoader:  d.cfg.Sandbox,
			Publisher:      d.cfg.Publisher,
			WorkerDir:      d.cfg.WorkerDir,
			CacheDir:       d.cfg.CacheDir,
			DisableSandbox: d.cfg.DisableSandbox,
			DisableUser:    d.cfg.DisableUser,
			Timeout:        d.cfg.JobTimeout,
		})
		return outcome, err
	case job.LanguageTypeScript:
		outcome, err := runner.RunTypeScript(ctx, runner.TypeScriptConfig{
			Job:           j,
			Prepared:      prepared,
			RawArgs:       j.Args,
			Store:         d.cfg.Store,
			TokenStore:    d.cfg.TokenStore,
			ArgsResolver:  d.cfg.Resolver,
			SandboxLoader: d.cfg.Sandbox,
			Publisher:     d.cfg.Publisher,
			WorkerDir:     d.cfg.WorkerDir,
			CacheDir:      d.cfg.CacheDir,
			DisableUser:   d.cfg.DisableUser,
			Timeout:       d.cfg.JobTimeout,
		})
		return outcome, err
	default:
		return nil, workererrors.InternalErrf("unsupported language %q; job: %s", j.Language, j.ID)
	}
}

// executeDependencies runs a Dependencies-kind job (C4, §4.5): pip-compile
// against the job's raw_code, persisting the resulting lock (or the
// failure's logs) onto the owning script row rather than the queue row.
func (d *Dispatcher) executeDependencies(ctx context.Context, j *job.Job) (*runner.Outcome, error) {
	scratchDir := filepath.Join(d.cfg.TmpDir, "jobs", j.ID.String())
	defer func() {
		if err := os.RemoveAll(scratchDir); err != nil {
			logger.Warnf("cleanup scratch dir %s: %v", scratchDir, err)
		}
	}()

	result, err := depends.Run(ctx, depends.Config{
		JobID:          j.ID,
		RawCode:        j.RawCode,
		ScratchDir:     scratchDir,
		CacheDir:       d.cfg.CacheDir,
		WorkerDir:      d.cfg.WorkerDir,
		DisableSandbox: d.cfg.DisableSandbox,
		SandboxLoader:  d.cfg.Sandbox,
		Store:          d.cfg.Store,
	})
	if err != nil {
		return nil, err
	}

	if !result.Success {
		if err := d.cfg.Store.SetScriptLockErrorLogs(ctx, j.WorkspaceID, j.ScriptHash, result.LockErrorLogs); err != nil {
			logger.Errorf("set_script_lock_error_logs; job: %s: %v", j.ID, err)
		}
		outcome := runner.FinishFailure(result.Logs)
		return &outcome, nil
	}

	if err := d.cfg.Store.SetScriptLock(ctx, j.WorkspaceID, j.ScriptHash, result.Lock); err != nil {
		logger.Errorf("set_script_lock; job: %s: %v", j.ID, err)
	}
	return &runner.Outcome{Success: true, Result: depends.LockResult(result.Lock), Logs: result.Logs}, nil
}

// complete records a job's outcome, post-processes it, and then, per
// §3/§4.6, notifies the flow interpreter exactly once if j is a flow
// step — whether it succeeded or failed — escalating to the parent job
// if that notification itself fails.
func (d *Dispatcher) complete(ctx context.Context, j *job.Job, result json.RawMessage, jobErr error) {
	if jobErr == nil {
		if err := d.cfg.Store.AddCompletedJob(ctx, j.ID, result); err != nil {
			logger.Errorf("add_completed_job; job: %s: %v", j.ID, err)
		}
	} else {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.JobsFailed.With(prometheus.Labels{
				"workspace_id": j.WorkspaceID,
				"language":     string(j.Language),
			}).Inc()
		}
		errBody, _ := json.Marshal(map[string]string{"message": jobExecutionErrorPrefix + jobErr.Error()})
		if err := d.cfg.Store.AddCompletedJobError(ctx, j.ID, errBody); err != nil {
			logger.Errorf("add_completed_job_error; job: %s: %v", j.ID, err)
		}
	}

	if err := d.cfg.Store.PostprocessQueuedJob(ctx, j.ID); err != nil {
		logger.Errorf("postprocess_queued_job; job: %s: %v", j.ID, err)
	}

	if j.ParentJob != nil {
		if err := d.cfg.Flow.UpdateStatusAfterCompletion(ctx, j.ID, jobErr == nil); err != nil {
			// The notification itself failed. Rather than retrying (which
			// could double-notify), record a completed-job-error row
			// directly on the parent so the flow never gets stuck waiting
			// on a step update that will never arrive (§4.6).
			d.recordParentEscalationFailure(ctx, *j.ParentJob, err)
			logger.Errorf("update flow status after completion; job: %s parent: %s: %v", j.ID, *j.ParentJob, err)
		}
	}
}

// jobExecutionErrorPrefix is prepended to every failed job's recorded
// error message (§4.6 step 1), matching worker.rs's literal
// "Unexpected error during job execution:\n".
const jobExecutionErrorPrefix = "Unexpected error during job execution:\n"

// flowEscalationErrorPrefix is prepended to the message recorded
// directly on a parent flow job when escalating a step's failure to it
// itself fails (§4.6 step 3), matching worker.rs's literal
// "Unexpected error during flow job error handling:\n".
const flowEscalationErrorPrefix = "Unexpected error during flow job error handling:\n"

// recordParentEscalationFailure re-fetches parentID and records a
// completed-job-error row on it directly, bypassing the flow
// Interpreter that just failed to update it. This is the last-resort
// path that keeps a flow from hanging forever when its own state
// update breaks (§4.6 step 3).
func (d *Dispatcher) recordParentEscalationFailure(ctx context.Context, parentID uuid.UUID, escErr error) {
	parent, err := d.cfg.Store.GetQueuedJob(ctx, parentID)
	if err != nil || parent == nil {
		logger.Errorf("re-fetch parent job for escalation fallback; parent: %s: %v", parentID, err)
		return
	}

	errBody, _ := json.Marshal(map[string]string{"message": flowEscalationErrorPrefix + escErr.Error()})
	if err := d.cfg.Store.AddCompletedJobError(ctx, parent.ID, errBody); err != nil {
		logger.Errorf("add_completed_job_error on parent escalation fallback; parent: %s: %v", parentID, err)
	}
	if err := d.cfg.Store.PostprocessQueuedJob(ctx, parent.ID); err != nil {
		logger.Errorf("postprocess_queued_job on parent escalation fallback; parent: %s: %v", parentID, err)
	}
}

var _ args.Resolver = (*resolver.Client)(nil)
