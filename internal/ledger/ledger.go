// Package ledger is the credit ledger service: it validates requests,
// derives idempotency keys, retries serialization conflicts and records
// metrics around a port.LedgerStore.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
	"credit-orchestrator/internal/telemetry"
)

// Options tune a Ledger.
type Options struct {
	ConflictRetries int
	DefaultPolicy   models.OverrunPolicy
	RetryBase       time.Duration
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store   port.LedgerStore
	log     zerolog.Logger
	retries int
	policy  models.OverrunPolicy
	base    time.Duration
}

// New wraps store.
func New(store port.LedgerStore, log zerolog.Logger, opts Options) *Ledger {
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = models.OverrunCap
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 5 * time.Millisecond
	}
	return &Ledger{
		store:   store,
		log:     log.With().Str("component", "ledger").Logger(),
		retries: opts.ConflictRetries,
		policy:  opts.DefaultPolicy,
		base:    opts.RetryBase,
	}
}

// Idempotency keys the dispatcher and admin paths derive.
func ReserveKey(jobID string) string { return "reserve:" + jobID }
func CommitKey(reservationID string) string { return "commit:" + reservationID }
func ReleaseKey(reservationID string) string { return "release:" + reservationID }
func RefundKey(jobID string) string { return "refund:" + jobID }

// DefaultPolicy is the overrun policy applied when callers pass none.
func (l *Ledger) DefaultPolicy() models.OverrunPolicy { return l.policy }

// CreateAccount opens an account with an optional opening grant.
func (l *Ledger) CreateAccount(ctx context.Context, id string, opening credits.Amount) (models.Account, error) {
	if id == "" || opening < 0 || !opening.InRange() {
		return models.Account{}, fmt.Errorf("%w: account id required and opening balance must be between 0 and %s", models.ErrInvalidInput, credits.MaxAmount)
	}
	var acc models.Account
	err := l.run(ctx, "open", func() error {
		var err error
		acc, err = l.store.CreateAccount(ctx, id, opening)
		return err
	})
	return acc, err
}

// Account returns the balance snapshot.
func (l *Ledger) Account(ctx context.Context, id string) (models.Account, error) {
	return l.store.GetAccount(ctx, id)
}

// Reservation returns a reservation snapshot.
func (l *Ledger) Reservation(ctx context.Context, id string) (models.Reservation, error) {
	return l.store.GetReservation(ctx, id)
}

// Entries lists ledger entries.
func (l *Ledger) Entries(ctx context.Context, f models.EntryFilter) ([]models.LedgerEntry, error) {
	return l.store.ListEntries(ctx, f)
}

// OpenReservation finds the job's reservation if it is still active. It
// covers holds taken before the reservation id reached the job record.
func (l *Ledger) OpenReservation(ctx context.Context, jobID string) (models.Reservation, bool, error) {
	entries, err := l.store.ListEntries(ctx, models.EntryFilter{JobID: jobID})
	if err != nil {
		return models.Reservation{}, false, err
	}
	for _, e := range entries {
		if e.Kind != models.EntryReserve || e.ReservationID == "" {
			continue
		}
		res, err := l.store.GetReservation(ctx, e.ReservationID)
		if err != nil {
			return models.Reservation{}, false, err
		}
		return res, res.Status == models.ReservationActive, nil
	}
	return models.Reservation{}, false, nil
}

// Reserve holds amount against the account for jobID. Replaying key returns
// the original reservation.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount credits.Amount, jobID, key string) (models.ReserveResult, error) {
	if accountID == "" || key == "" || amount < 0 || !amount.InRange() {
		return models.ReserveResult{}, fmt.Errorf("%w: reserve needs an account, a key and a non-negative amount", models.ErrInvalidInput)
	}
	var res models.ReserveResult
	err := l.run(ctx, "reserve", func() error {
		var err error
		res, err = l.store.Reserve(ctx, models.ReserveParams{
			AccountID:      accountID,
			JobID:          jobID,
			Amount:         amount,
			IdempotencyKey: key,
			Metadata:       map[string]any{"job_id": jobID},
		})
		return err
	})
	if err == nil {
		l.outcome("reserve", res.Replayed)
	}
	return res, err
}

// Commit turns the reservation into a debit of actual, reconciled through
// policy when actual exceeds the hold. An empty policy uses the default.
func (l *Ledger) Commit(ctx context.Context, reservationID string, actual credits.Amount, policy models.OverrunPolicy) (models.CommitResult, error) {
	if reservationID == "" || actual < 0 || !actual.InRange() {
		return models.CommitResult{}, fmt.Errorf("%w: commit needs a reservation and a non-negative cost", models.ErrInvalidInput)
	}
	if policy == "" {
		policy = l.policy
	}
	if policy != models.OverrunCap && policy != models.OverrunExtend {
		return models.CommitResult{}, fmt.Errorf("%w: unknown overrun policy %q", models.ErrInvalidInput, policy)
	}
	var res models.CommitResult
	err := l.run(ctx, "commit", func() error {
		var err error
		res, err = l.store.Commit(ctx, models.CommitParams{
			ReservationID:  reservationID,
			Actual:         actual,
			Policy:         policy,
			IdempotencyKey: CommitKey(reservationID),
		})
		return err
	})
	if err != nil {
		return res, err
	}
	l.outcome("commit", res.Replayed)
	if res.Shortfall > 0 && !res.Replayed {
		telemetry.OverrunShortfall.Add(float64(res.Shortfall.Hundredths()))
		l.log.Warn().
			Str("reservation_id", reservationID).
			Str("job_id", res.Reservation.JobID).
			Str("reserved", res.Reservation.Amount.String()).
			Str("actual", actual.String()).
			Str("shortfall", res.Shortfall.String()).
			Msg("actual cost exceeded reservation; overrun not charged")
	}
	return res, nil
}

// Release cancels the hold. Releasing twice is a no-op.
func (l *Ledger) Release(ctx context.Context, reservationID, reason string) (models.ReleaseResult, error) {
	if reservationID == "" {
		return models.ReleaseResult{}, fmt.Errorf("%w: release needs a reservation", models.ErrInvalidInput)
	}
	var res models.ReleaseResult
	err := l.run(ctx, "release", func() error {
		var err error
		res, err = l.store.Release(ctx, models.ReleaseParams{
			ReservationID:  reservationID,
			Reason:         reason,
			IdempotencyKey: ReleaseKey(reservationID),
		})
		return err
	})
	if err == nil {
		l.outcome("release", res.Replayed)
	}
	return res, err
}

// Refund credits back up to the job's committed charge, once per job.
func (l *Ledger) Refund(ctx context.Context, jobID string, amount credits.Amount, reason string) (models.EntryResult, error) {
	if jobID == "" || amount <= 0 || !amount.InRange() {
		return models.EntryResult{}, fmt.Errorf("%w: refund needs a job and a positive amount", models.ErrInvalidInput)
	}
	var res models.EntryResult
	err := l.run(ctx, "refund", func() error {
		var err error
		res, err = l.store.Refund(ctx, models.RefundParams{
			JobID:          jobID,
			Amount:         amount,
			Reason:         reason,
			IdempotencyKey: RefundKey(jobID),
		})
		return err
	})
	if err == nil {
		l.outcome("refund", res.Replayed)
		l.log.Info().Str("job_id", jobID).Str("amount", amount.String()).Bool("replayed", res.Replayed).Msg("refund recorded")
	}
	return res, err
}

// Adjust applies an administrative grant (positive) or debit (negative).
func (l *Ledger) Adjust(ctx context.Context, accountID string, amount credits.Amount, reason, key string) (models.EntryResult, error) {
	if accountID == "" || key == "" || amount == 0 || !amount.InRange() {
		return models.EntryResult{}, fmt.Errorf("%w: adjust needs an account, a key and a non-zero amount", models.ErrInvalidInput)
	}
	var res models.EntryResult
	err := l.run(ctx, "adjust", func() error {
		var err error
		res, err = l.store.Adjust(ctx, models.AdjustParams{
			AccountID:      accountID,
			Amount:         amount,
			Reason:         reason,
			IdempotencyKey: key,
		})
		return err
	})
	if err == nil {
		l.outcome("adjust", res.Replayed)
	}
	return res, err
}

// run retries fn on serialization conflicts with jittered backoff.
func (l *Ledger) run(ctx context.Context, kind string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= l.retries; attempt++ {
		err = fn()
		if !errors.Is(err, models.ErrLedgerConflict) {
			break
		}
		telemetry.LedgerOps.WithLabelValues(kind, "conflict").Inc()
		if attempt == l.retries {
			break
		}
		wait := l.base * time.Duration(1<<attempt)
		wait = wait/2 + time.Duration(rand.Int63n(int64(wait/2)+1))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, models.ErrLedgerConflict):
			outcome = "conflict_exhausted"
		case isRejection(err):
			outcome = "rejected"
		}
		telemetry.LedgerOps.WithLabelValues(kind, outcome).Inc()
		if outcome != "rejected" {
			l.log.Error().Err(err).Str("op", kind).Msg("ledger operation failed")
		}
	}
	return err
}

func (l *Ledger) outcome(kind string, replayed bool) {
	if replayed {
		telemetry.LedgerOps.WithLabelValues(kind, "replayed").Inc()
		return
	}
	telemetry.LedgerOps.WithLabelValues(kind, "ok").Inc()
}

func isRejection(err error) bool {
	for _, target := range []error{
		models.ErrInsufficientCredit, models.ErrNotFound, models.ErrInvalidInput,
		models.ErrAccountExists, models.ErrReservationClosed, models.ErrRefundExceedsCharge,
		models.ErrAlreadyRefunded, models.ErrNotCharged,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
