package models

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Finalizing reports whether the outcome is decided and only the ledger
// call that seals it is outstanding.
func (s Status) Finalizing() bool {
	return s == StatusCommitting || s == StatusReleasing
}

// Leased reports whether a worker must hold a lease while the job is in s.
func (s Status) Leased() bool {
	switch s {
	case StatusReserving, StatusRunning, StatusCommitting, StatusReleasing:
		return true
	default:
		return false
	}
}

// Cancellable reports whether an external cancel may move the job to CANCELLED.
func (s Status) Cancellable() bool {
	return !s.Terminal() && !s.Finalizing()
}

// CanTransition enforces the allowed job state machine edges.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return from.Cancellable()
	}
	switch from {
	case StatusPending:
		return to == StatusReserving
	case StatusReserving:
		// RETRY_WAIT covers a transient ledger failure or a reclaimed lease;
		// the reserve replays by idempotency key on the next claim.
		return to == StatusRunning || to == StatusFailed || to == StatusRetryWait
	case StatusRunning:
		return to == StatusCommitting || to == StatusRetryWait || to == StatusReleasing
	case StatusRetryWait:
		return to == StatusReserving || to == StatusRunning || to == StatusReleasing
	case StatusCommitting:
		return to == StatusCompleted
	case StatusReleasing:
		return to == StatusFailed
	default:
		return false
	}
}

// ActiveStatuses lists every non-terminal status.
func ActiveStatuses() []Status {
	return []Status{
		StatusPending, StatusReserving, StatusRunning, StatusRetryWait,
		StatusCommitting, StatusReleasing,
	}
}

// TerminalStatuses lists every terminal status.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusCancelled}
}
