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
	"credit-orchestrator/internal/port"
)

const jobColumns = `id, account_id, capability, resource_key, content_ref, submission_key, priority, options,
	status, attempts, max_attempts, last_error, failure_reason, provider,
	estimated_cost, reservation_id, actual_cost, charged_cost, result, output_ref,
	next_run_at, started_at, lease_owner, lease_expires_at, created_at, updated_at`

// CreateJob inserts a PENDING job row, honoring the submission key. With
// RejectIfBusy an advisory lock on the resource key serializes the busy
// check against concurrent submissions.
func (s *Store) CreateJob(ctx context.Context, p port.CreateJobParams) (models.Job, bool, error) {
	if p.SubmissionKey != "" {
		if existing, found, err := s.FindBySubmissionKey(ctx, p.AccountID, p.SubmissionKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	options := p.Options
	if options == nil {
		options = map[string]any{}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal options: %w", err)
	}

	now := time.Now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	job := models.Job{
		ID:            uuid.New().String(),
		AccountID:     p.AccountID,
		Capability:    p.Capability,
		ResourceKey:   p.ResourceKey,
		ContentRef:    p.ContentRef,
		SubmissionKey: emptyToNil(p.SubmissionKey),
		Priority:      p.Priority,
		Options:       options,
		Status:        models.StatusPending,
		MaxAttempts:   p.MaxAttempts,
		NextRunAt:     runAt.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	duplicate := false
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if p.RejectIfBusy && p.ResourceKey != "" {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.ResourceKey); err != nil {
				return fmt.Errorf("lock resource: %w", err)
			}
			var holder string
			err := tx.QueryRow(ctx, `
				SELECT id FROM jobs WHERE resource_key = $1 AND status <> ALL($2) LIMIT 1
			`, p.ResourceKey, statusStrings(models.TerminalStatuses())).Scan(&holder)
			if err == nil {
				return fmt.Errorf("%w: job %s", models.ErrResourceBusy, holder)
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("check resource: %w", err)
			}
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, account_id, capability, resource_key, content_ref, submission_key, priority, options,
				status, attempts, max_attempts, next_run_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $12)
			ON CONFLICT (account_id, submission_key) WHERE submission_key IS NOT NULL DO NOTHING
		`, job.ID, job.AccountID, job.Capability, job.ResourceKey, job.ContentRef, job.SubmissionKey,
			job.Priority, optionsJSON, string(job.Status), job.MaxAttempts, job.NextRunAt, now)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else admitted the key after our initial check.
			duplicate = true
		}
		return nil
	})
	if err != nil {
		return models.Job{}, false, err
	}
	if duplicate {
		existing, found, err := s.FindBySubmissionKey(ctx, p.AccountID, p.SubmissionKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("submission key conflict but no existing job found")
		}
		return existing, true, nil
	}
	return job, false, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

// FindBySubmissionKey returns the job admitted for the key, if any.
func (s *Store) FindBySubmissionKey(ctx context.Context, accountID, key string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE account_id = $1 AND submission_key = $2
	`, accountID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ListByAccount returns the account's jobs, newest first.
func (s *Store) ListByAccount(ctx context.Context, accountID string, active bool, limit int) ([]models.Job, error) {
	excluded := []string{}
	if active {
		excluded = statusStrings(models.TerminalStatuses())
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE account_id = $1 AND status <> ALL($2)
		ORDER BY created_at DESC
		LIMIT NULLIF($3::int, 0)
	`, accountID, excluded, limit)
}

// Claim moves a waiting job into a leased state and takes its resource lock.
func (s *Store) Claim(ctx context.Context, p port.TransitionParams) (models.Job, error) {
	var out models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, p)
		if err != nil {
			return err
		}
		if job.ResourceKey != "" {
			var holder string
			if err := tx.QueryRow(ctx, `
				INSERT INTO resource_locks (resource_key, job_id, acquired_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (resource_key) DO UPDATE SET resource_key = EXCLUDED.resource_key
				RETURNING job_id
			`, job.ResourceKey, job.ID).Scan(&holder); err != nil {
				return fmt.Errorf("take resource lock: %w", err)
			}
			if holder != job.ID {
				return fmt.Errorf("%w: held by %s", models.ErrResourceBusy, holder)
			}
		}
		port.ApplyTransition(&job, p, time.Now())
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// Transition applies a compare-and-swap on status under the row lock.
func (s *Store) Transition(ctx context.Context, p port.TransitionParams) (models.Job, error) {
	var out models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, p)
		if err != nil {
			return err
		}
		if p.Owner != "" && job.Status.Leased() && job.LeaseOwner != p.Owner {
			return models.ErrLeaseLost
		}
		port.ApplyTransition(&job, p, time.Now())
		if p.To.Terminal() && job.ResourceKey != "" {
			if _, err := tx.Exec(ctx, `DELETE FROM resource_locks WHERE resource_key = $1 AND job_id = $2`, job.ResourceKey, job.ID); err != nil {
				return fmt.Errorf("release resource lock: %w", err)
			}
		}
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// ExtendLease pushes the lease deadline forward for the current owner.
func (s *Store) ExtendLease(ctx context.Context, jobID, owner string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $3
		WHERE id = $1 AND lease_owner = $2 AND status = ANY($4)
	`, jobID, owner, until.UTC(), statusStrings(leasedStatuses()))
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return models.ErrLeaseLost
}

// ReclaimExpired takes over leases that expired before now. SKIP LOCKED lets
// several sweepers run without blocking on each other.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time, limit int, owner string, until time.Time) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		UPDATE jobs SET lease_owner = $2, lease_expires_at = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = ANY($1) AND lease_expires_at < $4
			ORDER BY lease_expires_at
			LIMIT NULLIF($5::int, 0)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		statusStrings(leasedStatuses()), owner, until.UTC(), now.UTC(), limit)
}

// ListDispatchable returns PENDING and RETRY_WAIT jobs due at now.
func (s *Store) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ANY($1) AND next_run_at <= $2
		ORDER BY next_run_at
		LIMIT NULLIF($3::int, 0)
	`, []string{string(models.StatusPending), string(models.StatusRetryWait)}, now.UTC(), limit)
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// History returns audit rows oldest first.
func (s *Store) History(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_audit WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) queryJobs(ctx context.Context, sql string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func lockJob(ctx context.Context, tx pgx.Tx, p port.TransitionParams) (models.Job, error) {
	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, p.JobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, err
	}
	if err := port.CheckTransition(job, p); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func writeJob(ctx context.Context, tx pgx.Tx, j models.Job) error {
	var actual *int64
	if j.ActualCost != nil {
		v := int64(*j.ActualCost)
		actual = &v
	}
	var result []byte
	if len(j.Result) > 0 {
		result = j.Result
	}
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET
			status = $2, attempts = $3, last_error = $4, failure_reason = $5, provider = $6,
			estimated_cost = $7, reservation_id = $8, actual_cost = $9, charged_cost = $10,
			result = $11, output_ref = $12, next_run_at = $13, started_at = $14,
			lease_owner = $15, lease_expires_at = $16, updated_at = $17
		WHERE id = $1
	`, j.ID, string(j.Status), j.Attempts, j.LastError, string(j.FailureReason), j.Provider,
		int64(j.EstimatedCost), j.ReservationID, actual, int64(j.ChargedCost),
		result, j.OutputRef, j.NextRunAt, j.StartedAt,
		j.LeaseOwner, j.LeaseExpiresAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                       models.Job
		submission, lastErr       pgtype.Text
		optionsJSON, resultJSON   []byte
		status, reason            string
		estimated, charged        int64
		actual                    pgtype.Int8
		startedAt, leaseExpiresAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID, &job.AccountID, &job.Capability, &job.ResourceKey, &job.ContentRef, &submission, &job.Priority, &optionsJSON,
		&status, &job.Attempts, &job.MaxAttempts, &lastErr, &reason, &job.Provider,
		&estimated, &job.ReservationID, &actual, &charged, &resultJSON, &job.OutputRef,
		&job.NextRunAt, &startedAt, &job.LeaseOwner, &leaseExpiresAt, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.SubmissionKey = textPtr(submission)
	job.LastError = textPtr(lastErr)
	job.Status = models.Status(status)
	job.FailureReason = models.FailureReason(reason)
	job.EstimatedCost = credits.FromHundredths(estimated)
	job.ChargedCost = credits.FromHundredths(charged)
	if actual.Valid {
		a := credits.FromHundredths(actual.Int64)
		job.ActualCost = &a
	}
	if len(resultJSON) > 0 {
		job.Result = json.RawMessage(resultJSON)
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		job.LeaseExpiresAt = &t
	}
	job.Options = map[string]any{}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return job, nil
}

func leasedStatuses() []models.Status {
	var out []models.Status
	for _, s := range models.ActiveStatuses() {
		if s.Leased() {
			out = append(out, s)
		}
	}
	return out
}
