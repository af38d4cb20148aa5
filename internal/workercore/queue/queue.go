// Package queue defines the Store interface the dispatcher, supervisor,
// runners, and reaper use to read and write the queue table (and its
// worker_ping/script neighbors), plus a Postgres-backed implementation.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/windmill-labs/workercore/internal/workercore/job"
)

// ScriptRow is the subset of a saved script's columns a runner needs to
// execute it (§3, §6 "script" collaborator).
type ScriptRow struct {
	Content string
	// Lock is the resolved pip/npm lockfile, empty when LockValid is
	// false (the dependency job that would populate it never ran) or
	// when the script genuinely has zero third-party imports.
	Lock string
	// LockValid distinguishes a NULL lock column (dependencies never
	// resolved) from an empty-but-resolved one, since both scan to "".
	LockValid bool
	Language  job.Language
}

// Store is the full surface the worker core needs against the queue
// table and its neighbors. supervisor.Run only needs the narrower
// supervisor.JobStore slice of this interface (UpdateLastPing,
// ConcatLogs, IsCanceled, MarkCanceled); PostgresStore satisfies both.
type Store interface {
	// Pull leases the next eligible row (tag-filtered, not already
	// running, not scheduled for the future), marking it Running and
	// stamping StartedAt/LastPing. It returns nil, nil when no row is
	// eligible.
	Pull(ctx context.Context, tags []string) (*job.Job, error)

	// GetQueuedJob re-reads a single row by ID. The dispatcher uses it
	// to re-fetch a parent flow job when escalating a step's failure
	// (§4.6). The canceled/canceled_by/canceled_reason columns are not
	// read.
	GetQueuedJob(ctx context.Context, jobID uuid.UUID) (*job.Job, error)

	// AddCompletedJob moves a successfully completed job's row into the
	// completed_job table with the given JSON result, and removes it
	// from queue. Mutually exclusive with AddCompletedJobError — a job
	// completes exactly once, one way or the other (§4.6).
	AddCompletedJob(ctx context.Context, jobID uuid.UUID, result []byte) error

	// AddCompletedJobError is AddCompletedJob's failure twin: it records
	// errMessage as the completed job's error and, for flow-step jobs,
	// leaves the escalation to the caller (the dispatcher owns calling
	// flow.Interpreter once per failure, §4.6).
	AddCompletedJobError(ctx context.Context, jobID uuid.UUID, errMessage []byte) error

	// PostprocessQueuedJob is the hook for bookkeeping that must happen
	// after a completion write but does not belong in the same
	// transaction. PostgresStore's implementation does nothing.
	PostprocessQueuedJob(ctx context.Context, jobID uuid.UUID) error

	// UpsertWorkerPing registers or refreshes this worker's liveness row
	// (C8 bootstrap; the dispatcher loop's periodic refresh uses
	// UpdateWorkerPing).
	UpsertWorkerPing(ctx context.Context, workerName string) error

	// UpdateWorkerPing refreshes ping_at and the cumulative jobs_executed
	// counter for an already-registered worker row (§4.2 step 1, every
	// ~15s from the dispatcher loop).
	UpdateWorkerPing(ctx context.Context, workerName string, jobsExecuted int64) error

	// GetScript resolves a script's content/lock/language by hash,
	// falling back to the starter workspace when workspaceID does not
	// own a copy (§6 "script" collaborator).
	GetScript(ctx context.Context, workspaceID, scriptHash string) (*ScriptRow, error)

	// GetParentScriptPath returns the script_path of parentJobID, used
	// by the reserved-variable builder's flow_path lookup
	// (SUPPLEMENTED FEATURES #5).
	GetParentScriptPath(ctx context.Context, parentJobID uuid.UUID) (string, error)

	// SetScriptLock and SetScriptLockErrorLogs persist a Dependencies
	// job's (C4, §4.5) outcome onto the owning script row, identified by
	// workspace/hash — not the queue row itself.
	SetScriptLock(ctx context.Context, workspaceID, scriptHash, lock string) error
	SetScriptLockErrorLogs(ctx context.Context, workspaceID, scriptHash, logs string) error

	// MarkZombies finds queue rows whose last_ping is older than
	// threshold and marks them not-running, returning their IDs for
	// logging (C7). Re-leasing, not cancellation, is how the job
	// resumes.
	MarkZombies(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error)

	// UpdateLastPing, ConcatLogs, IsCanceled, and MarkCanceled are the
	// supervisor's narrow dependency slice (supervisor.JobStore).
	UpdateLastPing(ctx context.Context, jobID uuid.UUID) error
	ConcatLogs(ctx context.Context, jobID uuid.UUID, delta string) error
	SetLogs(ctx context.Context, jobID uuid.UUID, logs string) error
	IsCanceled(ctx context.Context, jobID uuid.UUID) (canceled bool, by string, reason string, err error)

	// MarkCanceled persists T4's own cancellation decision (wall-clock
	// timeout, §4.4 T4) back to the row so later readers of the queue
	// table see canceled/canceled_by/canceled_reason, not just the
	// in-process Result.
	MarkCanceled(ctx context.Context, jobID uuid.UUID, by, reason string) error

	// WithTx runs fn inside one database transaction, committing only
	// if fn returns nil. Used by the Python/TypeScript runners to
	// materialize a token and the job's wrapper/args files atomically
	// before the child is spawned (SUPPLEMENTED FEATURES #4).
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional subset of Store a WithTx callback may use. It
// deliberately does not expose Pull/MarkZombies/etc — those never run
// inside the token/file-materialization transaction.
type Tx interface {
	CreateTokenForOwner(ctx context.Context, workspaceID, permissionedAs, label string, expiration time.Time, createdBy string) (string, error)
}
