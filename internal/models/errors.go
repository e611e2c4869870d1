package models

import "errors"

// Sentinel errors shared by stores and services.
var (
	ErrNotFound     = errors.New("orchestrator: not found")
	ErrInvalidInput = errors.New("orchestrator: invalid input")

	// Ledger
	ErrAccountExists       = errors.New("orchestrator: account already exists")
	ErrInsufficientCredit  = errors.New("orchestrator: insufficient credit")
	ErrLedgerConflict      = errors.New("orchestrator: ledger conflict")
	ErrReservationClosed   = errors.New("orchestrator: reservation already closed")
	ErrRefundExceedsCharge = errors.New("orchestrator: refund exceeds committed charge")
	ErrAlreadyRefunded     = errors.New("orchestrator: job already refunded")
	ErrNotCharged          = errors.New("orchestrator: job has no committed charge")

	// Jobs
	ErrStatusMismatch = errors.New("orchestrator: job status changed concurrently")
	ErrResourceBusy   = errors.New("orchestrator: resource has an active job")
	ErrJobTerminal    = errors.New("orchestrator: job already in a terminal state")
	ErrNotCancellable = errors.New("orchestrator: job outcome is being finalized")
	ErrLeaseLost      = errors.New("orchestrator: job lease is held by another worker")
)
