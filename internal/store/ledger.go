package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
)

const reservationColumns = `id, account_id, job_id, amount, charged, refunded, status, idempotency_key, created_at, updated_at`

const entryColumns = `id, account_id, kind, amount, job_id, reservation_id, idempotency_key, metadata, created_at`

// CreateAccount inserts the account and records the opening balance as an
// ADJUST entry so the entry fold matches the balance.
func (s *Store) CreateAccount(ctx context.Context, id string, opening credits.Amount) (models.Account, error) {
	if id == "" || opening < 0 {
		return models.Account{}, models.ErrInvalidInput
	}
	var acc models.Account
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO accounts (id, balance, held, version, created_at, updated_at)
			VALUES ($1, 0, 0, 0, NOW(), NOW())
			ON CONFLICT (id) DO NOTHING
		`, id)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrAccountExists
		}
		if opening > 0 {
			if _, err := insertEntry(ctx, tx, models.LedgerEntry{
				AccountID:      id,
				Kind:           models.EntryAdjust,
				Amount:         opening,
				IdempotencyKey: "open:" + id,
				Metadata:       map[string]any{"reason": "opening balance"},
			}); err != nil {
				return err
			}
			if err := bumpAccount(ctx, tx, id, opening, 0); err != nil {
				return err
			}
		}
		acc, err = getAccount(ctx, tx, id, false)
		return err
	})
	return acc, err
}

// GetAccount returns the balance snapshot.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	acc, err := getAccount(ctx, s.pool, id, false)
	return acc, mapErr(err)
}

// Reserve places a hold under the account row lock. The idempotency lookup
// happens after the lock so a concurrent duplicate observes the winner.
func (s *Store) Reserve(ctx context.Context, p models.ReserveParams) (models.ReserveResult, error) {
	var out models.ReserveResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		acc, err := getAccount(ctx, tx, p.AccountID, true)
		if err != nil {
			return err
		}

		prior, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE idempotency_key = $1`, p.IdempotencyKey))
		switch {
		case err == nil:
			if prior.AccountID != p.AccountID {
				return fmt.Errorf("%w: idempotency key bound to another account", models.ErrInvalidInput)
			}
			out = models.ReserveResult{Reservation: prior, Replayed: true}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("query reservation: %w", err)
		}

		if p.JobID != "" {
			var existing string
			err := tx.QueryRow(ctx, `SELECT id FROM reservations WHERE job_id = $1`, p.JobID).Scan(&existing)
			if err == nil {
				return fmt.Errorf("%w: job already holds reservation %s", models.ErrInvalidInput, existing)
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("query job reservation: %w", err)
			}
		}
		if acc.Available() < p.Amount {
			return models.ErrInsufficientCredit
		}

		now := time.Now().UTC()
		res := models.Reservation{
			ID:             uuid.New().String(),
			AccountID:      p.AccountID,
			JobID:          p.JobID,
			Amount:         p.Amount,
			Status:         models.ReservationActive,
			IdempotencyKey: p.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations (id, account_id, job_id, amount, charged, refunded, status, idempotency_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7, $7)
		`, res.ID, res.AccountID, emptyToNil(res.JobID), int64(res.Amount), string(res.Status), res.IdempotencyKey, now); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		if _, err := insertEntry(ctx, tx, models.LedgerEntry{
			AccountID:      p.AccountID,
			Kind:           models.EntryReserve,
			Amount:         -p.Amount,
			JobID:          p.JobID,
			ReservationID:  res.ID,
			IdempotencyKey: p.IdempotencyKey,
			Metadata:       p.Metadata,
		}); err != nil {
			return err
		}
		if err := bumpAccount(ctx, tx, p.AccountID, 0, p.Amount); err != nil {
			return err
		}
		out = models.ReserveResult{Reservation: res}
		return nil
	})
	return out, err
}

// Commit converts the hold into a debit, applying the overrun policy.
func (s *Store) Commit(ctx context.Context, p models.CommitParams) (models.CommitResult, error) {
	var out models.CommitResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		res, acc, err := lockReservation(ctx, tx, p.ReservationID)
		if err != nil {
			return err
		}
		switch res.Status {
		case models.ReservationCommitted:
			out = models.CommitResult{Reservation: res, Charged: res.Charged, Replayed: true}
			return nil
		case models.ReservationReleased:
			return models.ErrReservationClosed
		}

		charged, shortfall := models.SettleCharge(res.Amount, p.Actual, p.Policy, acc.Available())
		meta := make(map[string]any, len(p.Metadata)+3)
		for k, v := range p.Metadata {
			meta[k] = v
		}
		meta["reserved"] = res.Amount.String()
		meta["actual"] = p.Actual.String()
		if shortfall > 0 {
			meta["shortfall"] = shortfall.String()
		}

		if err := closeReservation(ctx, tx, &res, models.ReservationCommitted, charged); err != nil {
			return err
		}
		if _, err := insertEntry(ctx, tx, models.LedgerEntry{
			AccountID:      res.AccountID,
			Kind:           models.EntryCommit,
			Amount:         -charged,
			JobID:          res.JobID,
			ReservationID:  res.ID,
			IdempotencyKey: p.IdempotencyKey,
			Metadata:       meta,
		}); err != nil {
			return err
		}
		if err := bumpAccount(ctx, tx, res.AccountID, -charged, -res.Amount); err != nil {
			return err
		}
		out = models.CommitResult{Reservation: res, Charged: charged, Shortfall: shortfall}
		return nil
	})
	return out, err
}

// Release cancels the hold without touching the balance.
func (s *Store) Release(ctx context.Context, p models.ReleaseParams) (models.ReleaseResult, error) {
	var out models.ReleaseResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		res, _, err := lockReservation(ctx, tx, p.ReservationID)
		if err != nil {
			return err
		}
		switch res.Status {
		case models.ReservationReleased:
			out = models.ReleaseResult{Reservation: res, Replayed: true}
			return nil
		case models.ReservationCommitted:
			return models.ErrReservationClosed
		}
		if err := closeReservation(ctx, tx, &res, models.ReservationReleased, 0); err != nil {
			return err
		}
		if _, err := insertEntry(ctx, tx, models.LedgerEntry{
			AccountID:      res.AccountID,
			Kind:           models.EntryRelease,
			Amount:         res.Amount,
			JobID:          res.JobID,
			ReservationID:  res.ID,
			IdempotencyKey: p.IdempotencyKey,
			Metadata:       map[string]any{"reason": p.Reason},
		}); err != nil {
			return err
		}
		if err := bumpAccount(ctx, tx, res.AccountID, 0, -res.Amount); err != nil {
			return err
		}
		out = models.ReleaseResult{Reservation: res}
		return nil
	})
	return out, err
}

// Refund credits back part or all of a job's committed charge, once.
func (s *Store) Refund(ctx context.Context, p models.RefundParams) (models.EntryResult, error) {
	var out models.EntryResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var resID string
		err := tx.QueryRow(ctx, `SELECT id FROM reservations WHERE job_id = $1`, p.JobID).Scan(&resID)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotCharged
		}
		if err != nil {
			return fmt.Errorf("query job reservation: %w", err)
		}
		res, _, err := lockReservation(ctx, tx, resID)
		if err != nil {
			return err
		}

		prior, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, p.IdempotencyKey))
		switch {
		case err == nil:
			if prior.Kind != models.EntryRefund || prior.JobID != p.JobID || prior.Amount != p.Amount {
				return models.ErrAlreadyRefunded
			}
			out = models.EntryResult{Entry: prior, Replayed: true}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("query refund entry: %w", err)
		}

		if res.Status != models.ReservationCommitted || res.Charged <= 0 {
			return models.ErrNotCharged
		}
		if res.Refunded > 0 {
			return models.ErrAlreadyRefunded
		}
		if p.Amount > res.Charged {
			return models.ErrRefundExceedsCharge
		}
		if _, err := tx.Exec(ctx, `UPDATE reservations SET refunded = $2, updated_at = NOW() WHERE id = $1`, res.ID, int64(p.Amount)); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		entry, err := insertEntry(ctx, tx, models.LedgerEntry{
			AccountID:      res.AccountID,
			Kind:           models.EntryRefund,
			Amount:         p.Amount,
			JobID:          p.JobID,
			ReservationID:  res.ID,
			IdempotencyKey: p.IdempotencyKey,
			Metadata:       map[string]any{"reason": p.Reason},
		})
		if err != nil {
			return err
		}
		if err := bumpAccount(ctx, tx, res.AccountID, p.Amount, 0); err != nil {
			return err
		}
		out = models.EntryResult{Entry: entry}
		return nil
	})
	return out, err
}

// Adjust applies an administrative grant or debit.
func (s *Store) Adjust(ctx context.Context, p models.AdjustParams) (models.EntryResult, error) {
	var out models.EntryResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		acc, err := getAccount(ctx, tx, p.AccountID, true)
		if err != nil {
			return err
		}
		prior, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, p.IdempotencyKey))
		switch {
		case err == nil:
			if prior.Kind != models.EntryAdjust || prior.AccountID != p.AccountID {
				return fmt.Errorf("%w: idempotency key bound to another operation", models.ErrInvalidInput)
			}
			out = models.EntryResult{Entry: prior, Replayed: true}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("query adjust entry: %w", err)
		}
		if p.Amount < 0 && acc.Available()+p.Amount < 0 {
			return models.ErrInsufficientCredit
		}
		entry, err := insertEntry(ctx, tx, models.LedgerEntry{
			AccountID:      p.AccountID,
			Kind:           models.EntryAdjust,
			Amount:         p.Amount,
			IdempotencyKey: p.IdempotencyKey,
			Metadata:       map[string]any{"reason": p.Reason},
		})
		if err != nil {
			return err
		}
		if err := bumpAccount(ctx, tx, p.AccountID, p.Amount, 0); err != nil {
			return err
		}
		out = models.EntryResult{Entry: entry}
		return nil
	})
	return out, err
}

// GetReservation returns a reservation snapshot.
func (s *Store) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	res, err := scanReservation(s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	return res, mapErr(err)
}

// ListEntries returns entries in append order.
func (s *Store) ListEntries(ctx context.Context, f models.EntryFilter) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE ($1 = '' OR account_id = $1) AND ($2 = '' OR job_id = $2)
		ORDER BY seq
		LIMIT NULLIF($3::int, 0)
	`, f.AccountID, f.JobID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getAccount(ctx context.Context, q querier, id string, forUpdate bool) (models.Account, error) {
	sql := `SELECT id, balance, held, version, created_at, updated_at FROM accounts WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var acc models.Account
	var balance, held int64
	err := q.QueryRow(ctx, sql, id).Scan(&acc.ID, &balance, &held, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, models.ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("query account: %w", err)
	}
	acc.Balance = credits.FromHundredths(balance)
	acc.Held = credits.FromHundredths(held)
	return acc, nil
}

// lockReservation locks the owning account first, then the reservation, so
// every ledger writer takes locks in the same order.
func lockReservation(ctx context.Context, tx pgx.Tx, id string) (models.Reservation, models.Account, error) {
	var accountID string
	err := tx.QueryRow(ctx, `SELECT account_id FROM reservations WHERE id = $1`, id).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Reservation{}, models.Account{}, models.ErrNotFound
	}
	if err != nil {
		return models.Reservation{}, models.Account{}, fmt.Errorf("query reservation: %w", err)
	}
	acc, err := getAccount(ctx, tx, accountID, true)
	if err != nil {
		return models.Reservation{}, models.Account{}, err
	}
	res, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Reservation{}, models.Account{}, fmt.Errorf("lock reservation: %w", err)
	}
	return res, acc, nil
}

func closeReservation(ctx context.Context, tx pgx.Tx, res *models.Reservation, status models.ReservationStatus, charged credits.Amount) error {
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2, charged = $3, updated_at = $4 WHERE id = $1
	`, res.ID, string(status), int64(charged), now); err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	res.Status = status
	res.Charged = charged
	res.UpdatedAt = now
	return nil
}

// bumpAccount moves balance and held by the given deltas and increments the
// version. The table's CHECK constraints reject a negative available.
func bumpAccount(ctx context.Context, tx pgx.Tx, id string, balance, held credits.Amount) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance + $2, held = held + $3, version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, id, int64(balance), int64(held))
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e models.LedgerEntry) (models.LedgerEntry, error) {
	e.ID = uuid.New().String()
	e.CreatedAt = time.Now().UTC()
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, amount, job_id, reservation_id, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.AccountID, string(e.Kind), int64(e.Amount), emptyToNil(e.JobID), emptyToNil(e.ReservationID), e.IdempotencyKey, metaJSON, e.CreatedAt); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return e, nil
}

func scanReservation(row pgx.Row) (models.Reservation, error) {
	var r models.Reservation
	var jobID pgtype.Text
	var amount, charged, refunded int64
	var status string
	if err := row.Scan(&r.ID, &r.AccountID, &jobID, &amount, &charged, &refunded, &status, &r.IdempotencyKey, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.Reservation{}, err
	}
	if jobID.Valid {
		r.JobID = jobID.String
	}
	r.Amount = credits.FromHundredths(amount)
	r.Charged = credits.FromHundredths(charged)
	r.Refunded = credits.FromHundredths(refunded)
	r.Status = models.ReservationStatus(status)
	return r, nil
}

func scanEntry(row pgx.Row) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	var kind string
	var amount int64
	var jobID, resID pgtype.Text
	var metaJSON []byte
	if err := row.Scan(&e.ID, &e.AccountID, &kind, &amount, &jobID, &resID, &e.IdempotencyKey, &metaJSON, &e.CreatedAt); err != nil {
		return models.LedgerEntry{}, err
	}
	e.Kind = models.EntryKind(kind)
	e.Amount = credits.FromHundredths(amount)
	if jobID.Valid {
		e.JobID = jobID.String
	}
	if resID.Valid {
		e.ReservationID = resID.String
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return models.LedgerEntry{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return e, nil
}
