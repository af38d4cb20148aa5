// Package token resolves the principal metadata the reserved-variable
// builder attaches to a job (§6), and documents where ephemeral token
// issuance itself lives: inside queue.Store.WithTx, alongside the
// wrapper/args file writes it must commit atomically with
// (SUPPLEMENTED FEATURES #4), not here.
package token

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
)

// EphemeralLabel is the fixed label every per-job ephemeral token is
// stamped with, regardless of job ID or language (§4.3.2 step 4,
// §4.3.3's Deno twin).
const EphemeralLabel = "ephemeral-script"

// Store resolves principal metadata needed to build reserved variables
// and audit labels.
type Store interface {
	GetEmailFromUsername(ctx context.Context, workspaceID, username string) (string, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore implements Store directly against the usr table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pgx pool.
func New(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetEmailFromUsername(ctx context.Context, workspaceID, username string) (string, error) {
	q, args, err := psql.Select("email").From("usr").
		Where(sq.Eq{"workspace_id": workspaceID, "username": username}).
		ToSql()
	if err != nil {
		return "", workererrors.InternalErrf("build get_email_from_username query: %v", err)
	}

	var email string
	err = s.pool.QueryRow(ctx, q, args...).Scan(&email)
	if err == pgx.ErrNoRows {
		return "", workererrors.NotFoundErr("user not found; username: " + username)
	}
	if err != nil {
		return "", workererrors.InternalErrf("get_email_from_username; username: %s: %v", username, err)
	}
	return email, nil
}
