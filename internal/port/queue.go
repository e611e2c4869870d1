package port

import (
	"context"
	"time"

	"credit-orchestrator/internal/models"
)

// Lease is a dequeued queue entry.
type Lease struct {
	JobID    string
	Priority string
}

// Queue is the dispatch signal. The job store stays the source of truth; a
// lost queue entry is restored by the reconciler.
type Queue interface {
	Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error
	// EnqueueIfAbsent enqueues only when the job has no queue entry.
	EnqueueIfAbsent(ctx context.Context, jobID, priority string, runAt time.Time) (bool, error)
	Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	// DequeueWithLease pops from the given priorities in order.
	DequeueWithLease(ctx context.Context, priorities []string) (Lease, bool, error)
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Cancel(ctx context.Context, jobID string) error
	DLQPush(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Publisher receives job events. Implementations must not block and must
// never report delivery failures to the caller.
type Publisher interface {
	Publish(accountID string, event models.JobEvent)
}

// CancelBus carries cancellation requests to whichever worker runs a job.
type CancelBus interface {
	PublishCancel(ctx context.Context, jobID string) error
	// ListenCancels blocks until ctx is done, calling fn for every request.
	ListenCancels(ctx context.Context, fn func(jobID string)) error
}
