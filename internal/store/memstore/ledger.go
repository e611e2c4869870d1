package memstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
)

// CreateAccount registers an account, recording the opening balance as an
// ADJUST entry so the entry fold always matches the balance.
func (s *Store) CreateAccount(_ context.Context, id string, opening credits.Amount) (models.Account, error) {
	if id == "" || opening < 0 || !opening.InRange() {
		return models.Account{}, models.ErrInvalidInput
	}
	s.accMu.Lock()
	if _, ok := s.accounts[id]; ok {
		s.accMu.Unlock()
		return models.Account{}, models.ErrAccountExists
	}
	now := s.now().UTC()
	cell := &accountCell{account: models.Account{ID: id, CreatedAt: now, UpdatedAt: now}}
	s.accounts[id] = cell
	cell.mu.Lock()
	s.accMu.Unlock()
	defer cell.mu.Unlock()

	if opening > 0 {
		s.idxMu.Lock()
		s.appendEntryLocked(models.LedgerEntry{
			AccountID:      id,
			Kind:           models.EntryAdjust,
			Amount:         opening,
			IdempotencyKey: "open:" + id,
			Metadata:       map[string]any{"reason": "opening balance"},
		})
		s.idxMu.Unlock()
		cell.account.Balance = opening
		cell.account.Version++
	}
	return cell.account, nil
}

// GetAccount returns a snapshot of the account.
func (s *Store) GetAccount(_ context.Context, id string) (models.Account, error) {
	cell, err := s.cell(id)
	if err != nil {
		return models.Account{}, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return cell.account, nil
}

// Reserve places a hold if available credit covers the amount.
func (s *Store) Reserve(_ context.Context, p models.ReserveParams) (models.ReserveResult, error) {
	cell, err := s.cell(p.AccountID)
	if err != nil {
		return models.ReserveResult{}, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()

	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if id, ok := s.resByKey[p.IdempotencyKey]; ok {
		res := *s.reservations[id]
		if res.AccountID != p.AccountID {
			return models.ReserveResult{}, fmt.Errorf("%w: idempotency key bound to another account", models.ErrInvalidInput)
		}
		return models.ReserveResult{Reservation: res, Replayed: true}, nil
	}
	if p.JobID != "" {
		if id, ok := s.resByJob[p.JobID]; ok {
			return models.ReserveResult{}, fmt.Errorf("%w: job already holds reservation %s", models.ErrInvalidInput, id)
		}
	}
	if cell.account.Available() < p.Amount {
		return models.ReserveResult{}, models.ErrInsufficientCredit
	}

	now := s.now().UTC()
	res := &models.Reservation{
		ID:             uuid.New().String(),
		AccountID:      p.AccountID,
		JobID:          p.JobID,
		Amount:         p.Amount,
		Status:         models.ReservationActive,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.reservations[res.ID] = res
	s.resByKey[p.IdempotencyKey] = res.ID
	if p.JobID != "" {
		s.resByJob[p.JobID] = res.ID
	}
	s.appendEntryLocked(models.LedgerEntry{
		AccountID:      p.AccountID,
		Kind:           models.EntryReserve,
		Amount:         -p.Amount,
		JobID:          p.JobID,
		ReservationID:  res.ID,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       p.Metadata,
	})
	cell.account.Held += p.Amount
	s.touch(cell)
	return models.ReserveResult{Reservation: *res}, nil
}

// Commit converts a hold into a realized debit.
func (s *Store) Commit(_ context.Context, p models.CommitParams) (models.CommitResult, error) {
	cell, err := s.cellForReservation(p.ReservationID)
	if err != nil {
		return models.CommitResult{}, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()

	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	res := s.reservations[p.ReservationID]
	switch res.Status {
	case models.ReservationCommitted:
		return models.CommitResult{Reservation: *res, Charged: res.Charged, Replayed: true}, nil
	case models.ReservationReleased:
		return models.CommitResult{}, models.ErrReservationClosed
	}

	charged, shortfall := models.SettleCharge(res.Amount, p.Actual, p.Policy, cell.account.Available())
	now := s.now().UTC()
	res.Status = models.ReservationCommitted
	res.Charged = charged
	res.UpdatedAt = now

	meta := copyMeta(p.Metadata)
	meta["reserved"] = res.Amount.String()
	meta["actual"] = p.Actual.String()
	if shortfall > 0 {
		meta["shortfall"] = shortfall.String()
	}
	s.appendEntryLocked(models.LedgerEntry{
		AccountID:      res.AccountID,
		Kind:           models.EntryCommit,
		Amount:         -charged,
		JobID:          res.JobID,
		ReservationID:  res.ID,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       meta,
	})
	cell.account.Held -= res.Amount
	cell.account.Balance -= charged
	s.touch(cell)
	return models.CommitResult{Reservation: *res, Charged: charged, Shortfall: shortfall}, nil
}

// Release cancels a hold without touching the balance.
func (s *Store) Release(_ context.Context, p models.ReleaseParams) (models.ReleaseResult, error) {
	cell, err := s.cellForReservation(p.ReservationID)
	if err != nil {
		return models.ReleaseResult{}, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()

	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	res := s.reservations[p.ReservationID]
	switch res.Status {
	case models.ReservationReleased:
		return models.ReleaseResult{Reservation: *res, Replayed: true}, nil
	case models.ReservationCommitted:
		return models.ReleaseResult{}, models.ErrReservationClosed
	}

	res.Status = models.ReservationReleased
	res.UpdatedAt = s.now().UTC()
	s.appendEntryLocked(models.LedgerEntry{
		AccountID:      res.AccountID,
		Kind:           models.EntryRelease,
		Amount:         res.Amount,
		JobID:          res.JobID,
		ReservationID:  res.ID,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       map[string]any{"reason": p.Reason},
	})
	cell.account.Held -= res.Amount
	s.touch(cell)
	return models.ReleaseResult{Reservation: *res}, nil
}

// Refund credits back part or all of a job's committed charge, once.
func (s *Store) Refund(_ context.Context, p models.RefundParams) (models.EntryResult, error) {
	s.idxMu.Lock()
	resID, ok := s.resByJob[p.JobID]
	var accountID string
	if ok {
		accountID = s.reservations[resID].AccountID
	}
	s.idxMu.Unlock()
	if !ok {
		return models.EntryResult{}, models.ErrNotCharged
	}

	cell, err := s.cell(accountID)
	if err != nil {
		return models.EntryResult{}, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()

	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if idx, ok := s.entryByKey[p.IdempotencyKey]; ok {
		prior := s.entries[idx]
		if prior.Kind != models.EntryRefund || prior.JobID != p.JobID || prior.Amount != p.Amount {
			return models.EntryResult{}, models.ErrAlreadyRefunded
		}
		return models.EntryResult{Entry: prior, Replayed: true}, nil
	}

	res := s.reservations[resID]
	if res.Status != models.ReservationCommitted || res.Charged <= 0 {
		return models.EntryResult{}, models.ErrNotCharged
	}
	if res.Refunded > 0 {
		return models.EntryResult{}, models.ErrAlreadyRefunded
	}
	if p.Amount > res.Charged {
		return models.EntryResult{}, models.ErrRefundExceedsCharge
	}

	balance, err := credits.Add(cell.account.Balance, p.Amount)
	if err != nil {
		return models.EntryResult{}, fmt.Errorf("%w: refund: %w", models.ErrInvalidInput, err)
	}

	res.Refunded = p.Amount
	res.UpdatedAt = s.now().UTC()
	entry := s.appendEntryLocked(models.LedgerEntry{
		AccountID:      res.AccountID,
		Kind:           models.EntryRefund,
		Amount:         p.Amount,
		JobID:          p.JobID,
		ReservationID:  res.ID,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       map[string]any{"reason": p.Reason},
	})
	cell.account.Balance = balance
	s.touch(cell)
	return models.EntryResult{Entry: entry}, nil
}

// Adjust applies an administrative grant or debit.
func (s *Store) Adjust(_ context.Context, p models.AdjustParams) (models.EntryResult, error) {
	cell, err := s.cell(p.AccountID)
	if err != nil {
		return models.EntryResult{}, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()

	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if idx, ok := s.entryByKey[p.IdempotencyKey]; ok {
		prior := s.entries[idx]
		if prior.Kind != models.EntryAdjust || prior.AccountID != p.AccountID {
			return models.EntryResult{}, fmt.Errorf("%w: idempotency key bound to another operation", models.ErrInvalidInput)
		}
		return models.EntryResult{Entry: prior, Replayed: true}, nil
	}
	if p.Amount < 0 && cell.account.Available()+p.Amount < 0 {
		return models.EntryResult{}, models.ErrInsufficientCredit
	}
	balance, err := credits.Add(cell.account.Balance, p.Amount)
	if err != nil {
		return models.EntryResult{}, fmt.Errorf("%w: adjust: %w", models.ErrInvalidInput, err)
	}

	entry := s.appendEntryLocked(models.LedgerEntry{
		AccountID:      p.AccountID,
		Kind:           models.EntryAdjust,
		Amount:         p.Amount,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       map[string]any{"reason": p.Reason},
	})
	cell.account.Balance = balance
	s.touch(cell)
	return models.EntryResult{Entry: entry}, nil
}

// GetReservation returns a reservation snapshot.
func (s *Store) GetReservation(_ context.Context, id string) (models.Reservation, error) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return models.Reservation{}, models.ErrNotFound
	}
	return *res, nil
}

// ListEntries returns entries in append order.
func (s *Store) ListEntries(_ context.Context, f models.EntryFilter) ([]models.LedgerEntry, error) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if f.AccountID != "" && e.AccountID != f.AccountID {
			continue
		}
		if f.JobID != "" && e.JobID != f.JobID {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) cell(id string) (*accountCell, error) {
	s.accMu.RLock()
	defer s.accMu.RUnlock()
	cell, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cell, nil
}

func (s *Store) cellForReservation(id string) (*accountCell, error) {
	s.idxMu.Lock()
	res, ok := s.reservations[id]
	var accountID string
	if ok {
		accountID = res.AccountID
	}
	s.idxMu.Unlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	return s.cell(accountID)
}

// appendEntryLocked requires idxMu.
func (s *Store) appendEntryLocked(e models.LedgerEntry) models.LedgerEntry {
	e.ID = uuid.New().String()
	e.CreatedAt = s.now().UTC()
	s.entries = append(s.entries, e)
	if e.IdempotencyKey != "" {
		s.entryByKey[e.IdempotencyKey] = len(s.entries) - 1
	}
	return e
}

func (s *Store) touch(cell *accountCell) {
	cell.account.Version++
	cell.account.UpdatedAt = s.now().UTC()
}

func copyMeta(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}
