// Package flow defines the Interpreter collaborator the dispatcher
// calls to advance a flow's step graph (§6 "flow" collaborator). The
// step-graph logic itself is out of scope (§1 Non-goals); this package
// only persists the state transitions the core is responsible for
// signalling.
package flow

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
)

// Interpreter is called by the dispatcher at the three points spec §6
// names, one method per named entry point:
type Interpreter interface {
	// HandleFlow advances a Flow/FlowPreview-kind job's own step graph
	// once it is dequeued, given its args (§6's `handle_flow(job, db,
	// args)`). The dispatcher calls this instead of running a language
	// runner for these two kinds, and never separately records
	// completion for them: the interpreter owns that job's entire
	// lifecycle, including its own eventual completed-job write.
	HandleFlow(ctx context.Context, jobID uuid.UUID, args json.RawMessage) error

	// UpdateStatusInProgress marks a flow-step job as running, called
	// once a job starts executing (used by runner/common.go's
	// pre-execution step for is_flow_step jobs).
	UpdateStatusInProgress(ctx context.Context, jobID uuid.UUID) error

	// UpdateStatusAfterCompletion notifies the flow interpreter that a
	// flow-step job has finished, exactly once per step whether it
	// succeeded or failed (§3's "exactly one call into
	// update_flow_status_after_job_completion" invariant).
	UpdateStatusAfterCompletion(ctx context.Context, jobID uuid.UUID, success bool) error
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresInterpreter is the minimal default: it persists the state
// transitions listed above without attempting step-graph evaluation,
// since that logic is explicitly out of scope for this core. A real
// deployment replaces this with the full flow worker; the dispatcher
// only depends on the Interpreter interface.
type PostgresInterpreter struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pgx pool.
func New(pool *pgxpool.Pool) *PostgresInterpreter {
	return &PostgresInterpreter{pool: pool}
}

// HandleFlow marks jobID running and stashes its dequeue-time args onto
// flow_status. Real step scheduling (deciding and leasing the next step
// job, or completing the flow once its graph is exhausted) is the full
// flow worker's job, out of scope here; this default only persists
// enough state that a real implementation swapped in later has
// something to pick up from.
func (p *PostgresInterpreter) HandleFlow(ctx context.Context, jobID uuid.UUID, args json.RawMessage) error {
	if args == nil {
		args = json.RawMessage("null")
	}
	q, sqlArgs, err := psql.Update("queue").
		Set("running", true).
		Set("flow_status", sq.Expr("jsonb_set(coalesce(flow_status, '{}'), '{args}', ?::jsonb)", string(args))).
		Where(sq.Eq{"id": jobID}).
		ToSql()
	if err != nil {
		return workererrors.InternalErrf("build handle_flow update: %v", err)
	}
	if _, err := p.pool.Exec(ctx, q, sqlArgs...); err != nil {
		return workererrors.InternalErrf("handle_flow; job: %s: %v", jobID, err)
	}
	return nil
}

func (p *PostgresInterpreter) UpdateStatusInProgress(ctx context.Context, jobID uuid.UUID) error {
	q, args, err := psql.Update("queue").Set("running", true).
		Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return workererrors.InternalErrf("build update_flow_status_in_progress: %v", err)
	}
	if _, err := p.pool.Exec(ctx, q, args...); err != nil {
		return workererrors.InternalErrf("update_flow_status_in_progress; job: %s: %v", jobID, err)
	}
	return nil
}

func (p *PostgresInterpreter) UpdateStatusAfterCompletion(ctx context.Context, jobID uuid.UUID, success bool) error {
	q, args, err := psql.Update("queue").
		Set("flow_status", sq.Expr("jsonb_set(coalesce(flow_status, '{}'), '{success}', to_jsonb(?::boolean))", success)).
		Where(sq.Eq{"id": jobID}).
		ToSql()
	if err != nil {
		return workererrors.InternalErrf("build update_flow_status_after_completion: %v", err)
	}
	if _, err := p.pool.Exec(ctx, q, args...); err != nil {
		return workererrors.InternalErrf("update_flow_status_after_completion; job: %s: %v", jobID, err)
	}
	return nil
}
