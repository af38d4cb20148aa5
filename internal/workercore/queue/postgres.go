package queue

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
	"github.com/windmill-labs/workercore/internal/log"
	"github.com/windmill-labs/workercore/internal/workercore/job"
)

var logger = log.New("queue")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore is the production Store, backed by pgx's pool and
// squirrel's query builder for every statement whose shape does not
// vary dynamically enough to justify a hand-written string.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pgx pool.
func New(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pull leases the next eligible row. The lease itself (SKIP LOCKED
// under a correlated subquery) is hand-written SQL rather than built
// with squirrel: the locking clause and the ORDER BY/LIMIT-qualified
// subquery are not something a query builder buys much clarity for.
func (s *PostgresStore) Pull(ctx context.Context, tags []string) (*job.Job, error) {
	const q = `
UPDATE queue SET running = true, started_at = now(), last_ping = now()
WHERE id = (
	SELECT id FROM queue
	WHERE running = false
	  AND canceled = false
	  AND scheduled_for <= now()
	  AND (array_length($1::text[], 1) IS NULL OR tag = ANY($1::text[]))
	ORDER BY scheduled_for
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, workspace_id, kind, language, script_hash, script_path, raw_code,
	args, permissioned_as, created_by, schedule_path, parent_job, is_flow_step,
	started_at, last_ping`

	row := s.pool.QueryRow(ctx, q, tags)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, workererrors.InternalErrf("pull queued job: %v", err)
	}
	return j, nil
}

// GetQueuedJob re-reads one row by ID.
func (s *PostgresStore) GetQueuedJob(ctx context.Context, jobID uuid.UUID) (*job.Job, error) {
	q, args, err := psql.Select(
		"id", "workspace_id", "kind", "language", "script_hash", "script_path",
		"raw_code", "args", "permissioned_as", "created_by", "schedule_path",
		"parent_job", "is_flow_step", "started_at", "last_ping",
	).From("queue").Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return nil, workererrors.InternalErrf("build get_queued_job query: %v", err)
	}

	row := s.pool.QueryRow(ctx, q, args...)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, workererrors.NotFoundErr("queued job not found; id: " + jobID.String())
	}
	if err != nil {
		return nil, workererrors.InternalErrf("get_queued_job: %v", err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var j job.Job
	var parentJob *uuid.UUID
	var argsRaw []byte
	if err := row.Scan(
		&j.ID, &j.WorkspaceID, &j.Kind, &j.Language, &j.ScriptHash, &j.ScriptPath,
		&j.RawCode, &argsRaw, &j.PermissionedAs, &j.CreatedBy, &j.SchedulePath,
		&parentJob, &j.IsFlowStep, &j.StartedAt, &j.LastPing,
	); err != nil {
		return nil, err
	}
	j.ParentJob = parentJob
	j.Args = json.RawMessage(argsRaw)
	j.Running = true
	return &j, nil
}

// AddCompletedJob and AddCompletedJobError together implement the
// exactly-one-completion contract (§4.6): each deletes the queue row
// inside the same statement batch that inserts into completed_job, so a
// crash between the two can never leave a job in both tables.
func (s *PostgresStore) AddCompletedJob(ctx context.Context, jobID uuid.UUID, result []byte) error {
	return s.complete(ctx, jobID, result, false)
}

func (s *PostgresStore) AddCompletedJobError(ctx context.Context, jobID uuid.UUID, errMessage []byte) error {
	return s.complete(ctx, jobID, errMessage, true)
}

func (s *PostgresStore) complete(ctx context.Context, jobID uuid.UUID, payload []byte, isErr bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workererrors.InternalErrf("begin completion tx; job: %s: %v", jobID, err)
	}
	defer tx.Rollback(ctx)

	insert, args, err := psql.Insert("completed_job").
		Columns("id", "result", "success", "duration_ms", "logs").
		Select(psql.Select(
			"id", sq.Expr("?", payload), sq.Expr("?", !isErr),
			sq.Expr("extract(epoch from (now() - started_at)) * 1000"), "logs",
		).From("queue").Where(sq.Eq{"id": jobID})).
		ToSql()
	if err != nil {
		return workererrors.InternalErrf("build completed_job insert: %v", err)
	}
	if _, err := tx.Exec(ctx, insert, args...); err != nil {
		return workererrors.InternalErrf("insert completed_job; job: %s: %v", jobID, err)
	}

	del, args, err := psql.Delete("queue").Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return workererrors.InternalErrf("build queue delete: %v", err)
	}
	if _, err := tx.Exec(ctx, del, args...); err != nil {
		return workererrors.InternalErrf("delete queue row; job: %s: %v", jobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return workererrors.InternalErrf("commit completion tx; job: %s: %v", jobID, err)
	}
	return nil
}

// PostprocessQueuedJob is a no-op for every job kind, Dependencies
// jobs included (the dispatcher calls it for them too). Kept on Store
// for parity with the original worker's post-completion hook and as the
// extension point for future per-kind cleanup.
func (s *PostgresStore) PostprocessQueuedJob(ctx context.Context, jobID uuid.UUID) error {
	return nil
}

func (s *PostgresStore) UpsertWorkerPing(ctx context.Context, workerName string) error {
	q, args, err := psql.Insert("worker_ping").
		Columns("worker", "ping_at").
		Values(workerName, sq.Expr("now()")).
		Suffix("ON CONFLICT (worker) DO UPDATE SET ping_at = now()").
		ToSql()
	if err != nil {
		return workererrors.InternalErrf("build worker_ping upsert: %v", err)
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return workererrors.InternalErrf("upsert worker_ping; worker: %s: %v", workerName, err)
	}
	return nil
}

// UpdateWorkerPing refreshes an already-registered worker row's ping_at
// and jobs_executed counter (§4.2 step 1).
func (s *PostgresStore) UpdateWorkerPing(ctx context.Context, workerName string, jobsExecuted int64) error {
	q, args, err := psql.Update("worker_ping").
		Set("ping_at", sq.Expr("now()")).
		Set("jobs_executed", jobsExecuted).
		Where(sq.Eq{"worker": workerName}).
		ToSql()
	if err != nil {
		return workererrors.InternalErrf("build worker_ping update: %v", err)
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return workererrors.InternalErrf("update worker_ping; worker: %s: %v", workerName, err)
	}
	return nil
}

// GetScript resolves workspaceID's copy of the script, falling back to
// the starter workspace when that workspace has not customized it.
func (s *PostgresStore) GetScript(ctx context.Context, workspaceID, scriptHash string) (*ScriptRow, error) {
	q, args, err := psql.Select("content", "lock", "language").
		From("script").
		Where(sq.Eq{"hash": scriptHash, "workspace_id": workspaceID}).
		ToSql()
	if err != nil {
		return nil, workererrors.InternalErrf("build get_script query: %v", err)
	}

	var row ScriptRow
	var lock *string
	err = s.pool.QueryRow(ctx, q, args...).Scan(&row.Content, &lock, &row.Language)
	if err == pgx.ErrNoRows {
		return s.getStarterScript(ctx, scriptHash)
	}
	if err != nil {
		return nil, workererrors.InternalErrf("get_script; workspace: %s: %v", workspaceID, err)
	}
	if lock != nil {
		row.Lock = *lock
		row.LockValid = true
	}
	return &row, nil
}

const starterWorkspace = "starter"

func (s *PostgresStore) getStarterScript(ctx context.Context, scriptHash string) (*ScriptRow, error) {
	q, args, err := psql.Select("content", "lock", "language").
		From("script").
		Where(sq.Eq{"hash": scriptHash, "workspace_id": starterWorkspace}).
		ToSql()
	if err != nil {
		return nil, workererrors.InternalErrf("build starter get_script query: %v", err)
	}

	var row ScriptRow
	var lock *string
	err = s.pool.QueryRow(ctx, q, args...).Scan(&row.Content, &lock, &row.Language)
	if err == pgx.ErrNoRows {
		return nil, workererrors.NotFoundErr("script not found; hash: " + scriptHash)
	}
	if err != nil {
		return nil, workererrors.InternalErrf("get_script starter fallback: %v", err)
	}
	if lock != nil {
		row.Lock = *lock
		row.LockValid = true
	}
	return &row, nil
}

func (s *PostgresStore) GetParentScriptPath(ctx context.Context, parentJobID uuid.UUID) (string, error) {
	q, args, err := psql.Select("script_path").From("queue").Where(sq.Eq{"id": parentJobID}).ToSql()
	if err != nil {
		return "", workererrors.InternalErrf("build parent script_path query: %v", err)
	}

	var scriptPath string
	err = s.pool.QueryRow(ctx, q, args...).Scan(&scriptPath)
	if err == pgx.ErrNoRows {
		return "", workererrors.NotFoundErr("parent job not found; id: " + parentJobID.String())
	}
	if err != nil {
		return "", workererrors.InternalErrf("get parent script_path: %v", err)
	}
	return scriptPath, nil
}

func (s *PostgresStore) SetScriptLock(ctx context.Context, workspaceID, scriptHash, lock string) error {
	q, args, err := psql.Update("script").
		Set("lock", lock).
		Where(sq.Eq{"hash": scriptHash, "workspace_id": workspaceID}).
		ToSql()
	if err != nil {
		return workererrors.InternalErrf("build set_script_lock query: %v", err)
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return workererrors.InternalErrf("set_script_lock; hash: %s: %v", scriptHash, err)
	}
	return nil
}

func (s *PostgresStore) SetScriptLockErrorLogs(ctx context.Context, workspaceID, scriptHash, logs string) error {
	q, args, err := psql.Update("script").
		Set("lock_error_logs", logs).
		Where(sq.Eq{"hash": scriptHash, "workspace_id": workspaceID}).
		ToSql()
	if err != nil {
		return workererrors.InternalErrf("build set_script_lock_error_logs query: %v", err)
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return workererrors.InternalErrf("set_script_lock_error_logs; hash: %s: %v", scriptHash, err)
	}
	return nil
}

func (s *PostgresStore) MarkZombies(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	// Matches worker.rs's restart_zombie_jobs_periodically literally:
	// only running flips to false. canceled is left untouched — re-leasing
	// via the normal pull primitive, not cancellation, is how a zombie
	// job's work resumes (§4.7).
	q, args, err := psql.Update("queue").
		Set("running", false).
		Where(sq.And{
			sq.Eq{"running": true},
			sq.Expr("last_ping < now() - ?::interval", threshold.String()),
		}).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, workererrors.InternalErrf("build zombie sweep query: %v", err)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, workererrors.InternalErrf("zombie sweep: %v", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, workererrors.InternalErrf("scan zombie id: %v", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateLastPing(ctx context.Context, jobID uuid.UUID) error {
	q, args, err := psql.Update("queue").Set("last_ping", sq.Expr("now()")).
		Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return workererrors.InternalErrf("build update last_ping query: %v", err)
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		logger.Warnf("update last_ping; job: %s: %v", jobID, err)
		return workererrors.InternalErrf("update last_ping; job: %s: %v", jobID, err)
	}
	return nil
}

func (s *PostgresStore) ConcatLogs(ctx context.Context, jobID uuid.UUID, delta string) error {
	q, args, err := psql.Update("queue").
		Set("logs", sq.Expr("coalesce(logs, '') || ?", "\n"+delta)).
		Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return workererrors.InternalErrf("build concat logs query: %v", err)
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return workererrors.InternalErrf("concat logs; job: %s: %v", jobID, err)
	}
	return nil
}

func (s *PostgresStore) SetLogs(ctx context.Context, jobID uuid.UUID, logs string) error {
	q, args, err := psql.Update("queue").Set("logs", logs).Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return workererrors.InternalErrf("build set logs query: %v", err)
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return workererrors.InternalErrf("set logs; job: %s: %v", jobID, err)
	}
	return nil
}

func (s *PostgresStore) IsCanceled(ctx context.Context, jobID uuid.UUID) (bool, string, string, error) {
	q, args, err := psql.Select("canceled", "canceled_by", "canceled_reason").
		From("queue").Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return false, "", "", workererrors.InternalErrf("build is_canceled query: %v", err)
	}

	var canceled bool
	var by, reason *string
	err = s.pool.QueryRow(ctx, q, args...).Scan(&canceled, &by, &reason)
	if err == pgx.ErrNoRows {
		// The row was already moved to completed_job by a concurrent
		// completion; treat as not canceled rather than erroring the
		// caller's poll loop.
		return false, "", "", nil
	}
	if err != nil {
		return false, "", "", workererrors.InternalErrf("is_canceled; job: %s: %v", jobID, err)
	}
	byVal, reasonVal := "", ""
	if by != nil {
		byVal = *by
	}
	if reason != nil {
		reasonVal = *reason
	}
	return canceled, byVal, reasonVal, nil
}

func (s *PostgresStore) MarkCanceled(ctx context.Context, jobID uuid.UUID, by, reason string) error {
	q, args, err := psql.Update("queue").
		Set("canceled", true).
		Set("canceled_by", by).
		Set("canceled_reason", reason).
		Where(sq.And{sq.Eq{"id": jobID}, sq.Eq{"canceled": false}}).
		ToSql()
	if err != nil {
		return workererrors.InternalErrf("build mark_canceled query: %v", err)
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return workererrors.InternalErrf("mark_canceled; job: %s: %v", jobID, err)
	}
	return nil
}

// WithTx runs fn inside one transaction, matching the original worker's
// token-issuance-plus-file-write transaction (SUPPLEMENTED FEATURES #4).
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgxTx, err := s.pool.Begin(ctx)
	if err != nil {
		return workererrors.InternalErrf("begin tx: %v", err)
	}
	defer pgxTx.Rollback(ctx)

	if err := fn(ctx, &postgresTx{tx: pgxTx}); err != nil {
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return workererrors.InternalErrf("commit tx: %v", err)
	}
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) CreateTokenForOwner(ctx context.Context, workspaceID, permissionedAs, label string, expiration time.Time, createdBy string) (string, error) {
	tokenValue := uuid.New().String()
	q, args, err := psql.Insert("token").
		Columns("token", "workspace_id", "owner", "label", "expiration", "created_by").
		Values(tokenValue, workspaceID, permissionedAs, label, expiration, createdBy).
		ToSql()
	if err != nil {
		return "", workererrors.InternalErrf("build token insert: %v", err)
	}
	if _, err := t.tx.Exec(ctx, q, args...); err != nil {
		return "", workererrors.InternalErrf("insert token; owner: %s: %v", permissionedAs, err)
	}
	return tokenValue, nil
}
