// Package store is the Postgres implementation of port.LedgerStore and
// port.JobStore.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ port.LedgerStore = (*Store)(nil)
	_ port.JobStore    = (*Store)(nil)
)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// inTx runs fn in a read-committed transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize writers per account and per job.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(tx); err != nil {
		return mapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeNumericOutOfRange    = "22003"
)

// constraintBalanceBounded keeps balances inside credits.MaxAmount.
const constraintBalanceBounded = "accounts_balance_bounded"

// mapErr translates driver errors into the shared sentinels. Errors that
// already wrap a sentinel pass through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			// A unique violation here means a concurrent writer won the
			// idempotency key; the retry observes it as a replay.
			return fmt.Errorf("%w: %s", models.ErrLedgerConflict, pgErr.Message)
		case codeCheckViolation:
			if pgErr.ConstraintName == constraintBalanceBounded {
				return fmt.Errorf("%w: %s: %s", models.ErrInvalidInput, credits.ErrOutOfRange, pgErr.Message)
			}
			return fmt.Errorf("%w: %s", models.ErrInsufficientCredit, pgErr.Message)
		case codeNumericOutOfRange:
			return fmt.Errorf("%w: %s: %s", models.ErrInvalidInput, credits.ErrOutOfRange, pgErr.Message)
		}
	}
	return err
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
