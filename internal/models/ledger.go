package models

import (
	"time"

	"credit-orchestrator/internal/credits"
)

// Account identifies a user's spendable balance.
type Account struct {
	ID        string         `json:"id"`
	Balance   credits.Amount `json:"balance"`
	Held      credits.Amount `json:"held"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Available is the balance not covered by active reservations.
func (a Account) Available() credits.Amount { return a.Balance - a.Held }

// EntryKind is the operation recorded by a ledger entry.
type EntryKind string

const (
	EntryReserve EntryKind = "RESERVE"
	EntryCommit  EntryKind = "COMMIT"
	EntryRelease EntryKind = "RELEASE"
	EntryRefund  EntryKind = "REFUND"
	EntryAdjust  EntryKind = "ADJUST"
)

// AffectsBalance reports whether the entry's amount moves the committed
// balance. RESERVE and RELEASE only move holds.
func (k EntryKind) AffectsBalance() bool {
	switch k {
	case EntryCommit, EntryRefund, EntryAdjust:
		return true
	default:
		return false
	}
}

// LedgerEntry is an immutable record of a single balance or hold change.
// Amount is signed: RESERVE and COMMIT are negative, RELEASE and REFUND
// positive, ADJUST either.
type LedgerEntry struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	Kind           EntryKind      `json:"kind"`
	Amount         credits.Amount `json:"amount"`
	JobID          string         `json:"job_id,omitempty"`
	ReservationID  string         `json:"reservation_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// FoldBalance replays entries into the committed balance they imply.
func FoldBalance(entries []LedgerEntry) credits.Amount {
	var total credits.Amount
	for _, e := range entries {
		if e.Kind.AffectsBalance() {
			total += e.Amount
		}
	}
	return total
}

// ReservationStatus tracks a hold from creation to its single outcome.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a provisional hold against an account's available credit.
type Reservation struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	JobID          string            `json:"job_id"`
	Amount         credits.Amount    `json:"amount"`
	Charged        credits.Amount    `json:"charged"`
	Refunded       credits.Amount    `json:"refunded"`
	Status         ReservationStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// OverrunPolicy decides what happens when the actual cost exceeds the hold.
type OverrunPolicy string

const (
	// OverrunCap charges at most the reserved amount and reports a shortfall.
	OverrunCap OverrunPolicy = "cap"
	// OverrunExtend charges the delta from available credit when it is
	// covered, falling back to OverrunCap otherwise.
	OverrunExtend OverrunPolicy = "extend"
)

// ReserveParams are the inputs to a reservation.
type ReserveParams struct {
	AccountID      string
	JobID          string
	Amount         credits.Amount
	IdempotencyKey string
	Metadata       map[string]any
}

// CommitParams are the inputs to converting a reservation into a debit.
type CommitParams struct {
	ReservationID  string
	Actual         credits.Amount
	Policy         OverrunPolicy
	IdempotencyKey string
	Metadata       map[string]any
}

// ReleaseParams are the inputs to cancelling a reservation.
type ReleaseParams struct {
	ReservationID  string
	Reason         string
	IdempotencyKey string
}

// RefundParams are the inputs to reversing part or all of a committed charge.
type RefundParams struct {
	JobID          string
	Amount         credits.Amount
	Reason         string
	IdempotencyKey string
}

// AdjustParams are the inputs to an administrative balance change.
type AdjustParams struct {
	AccountID      string
	Amount         credits.Amount
	Reason         string
	IdempotencyKey string
}

// ReserveResult is returned by a reserve, including replays.
type ReserveResult struct {
	Reservation Reservation `json:"reservation"`
	Replayed    bool        `json:"replayed"`
}

// CommitResult describes the realized debit.
type CommitResult struct {
	Reservation Reservation    `json:"reservation"`
	Charged     credits.Amount `json:"charged"`
	Shortfall   credits.Amount `json:"shortfall"`
	Replayed    bool           `json:"replayed"`
}

// ReleaseResult is returned by a release, including replays.
type ReleaseResult struct {
	Reservation Reservation `json:"reservation"`
	Replayed    bool        `json:"replayed"`
}

// EntryResult wraps single-entry operations (REFUND, ADJUST).
type EntryResult struct {
	Entry    LedgerEntry `json:"entry"`
	Replayed bool        `json:"replayed"`
}

// EntryFilter narrows an entry listing. Empty fields are ignored.
type EntryFilter struct {
	AccountID string
	JobID     string
	Limit     int
}

// SettleCharge applies policy to a commit. available is the account's free
// credit excluding the hold being settled.
func SettleCharge(reserved, actual credits.Amount, policy OverrunPolicy, available credits.Amount) (charged, shortfall credits.Amount) {
	if actual <= reserved {
		return actual, 0
	}
	delta := actual - reserved
	if policy == OverrunExtend && available >= delta {
		return actual, 0
	}
	return reserved, delta
}
