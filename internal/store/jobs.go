package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agentflow/internal/models"
)

const jobColumns = `id, job_type, payload, status, priority, retry_count, max_retries,
	next_run_at, worker_id, lease_expires_at, last_error, idempotency_key, created_at, updated_at`

const jobColumnsQualified = `jobs.id, jobs.job_type, jobs.payload, jobs.status, jobs.priority,
	jobs.retry_count, jobs.max_retries, jobs.next_run_at, jobs.worker_id, jobs.lease_expires_at,
	jobs.last_error, jobs.idempotency_key, jobs.created_at, jobs.updated_at`

// EnqueueJobParams collects inputs required to insert a job.
type EnqueueJobParams struct {
	Type           string
	Payload        json.RawMessage
	Priority       int
	RunAt          time.Time
	MaxRetries     int
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// EnqueueJob inserts a queued job row, honoring the idempotency key if provided.
// It returns the job and a boolean indicating whether an existing job was reused.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueJobParams) (models.Job, bool, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, job_type, payload, status, priority, retry_count, max_retries, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, id, p.Type, p.Payload, models.StatusQueued, p.Priority, p.MaxRetries, p.RunAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return their job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	job := models.Job{
		ID:         id,
		Type:       p.Type,
		Payload:    p.Payload,
		Status:     models.StatusQueued,
		Priority:   p.Priority,
		MaxRetries: p.MaxRetries,
		NextRunAt:  p.RunAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.IdempotencyKey != "" {
		job.IdempotencyKey = &p.IdempotencyKey
	}
	return job, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ClaimNext atomically claims the next runnable job for workerID, or returns
// nil when nothing is claimable. Selection, lock, and lease assignment happen
// in a single statement: the CTE locks one candidate row with SKIP LOCKED so
// concurrent claimers each get a distinct job without blocking, and the UPDATE
// stamps ownership before the row lock is released. A running job whose lease
// has expired is claimable through the same predicate, which is the only lease
// enforcement in the system (no sweeper).
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		WITH claimable AS (
			SELECT id FROM jobs
			WHERE (status = $1 AND next_run_at <= NOW())
			   OR (status = $2 AND lease_expires_at < NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET status = $2,
		    worker_id = $3,
		    lease_expires_at = NOW() + $4 * INTERVAL '1 millisecond',
		    updated_at = NOW()
		FROM claimable
		WHERE jobs.id = claimable.id
		RETURNING `+jobColumnsQualified,
		models.StatusQueued, models.StatusRunning, workerID, leaseDuration.Milliseconds())

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// CompleteJob marks the job completed iff workerID still holds the lease.
// A false return means the lease was lost and the caller must not treat its
// in-flight result as authoritative.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, worker_id = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = $4
	`, jobID, workerID, models.StatusCompleted, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailJob records a failure under the same ownership check as CompleteJob.
// Below the retry budget the job goes back to queued with a backoff-delayed
// next_run_at; at the budget it becomes terminally failed.
func (s *Store) FailJob(ctx context.Context, jobID, workerID, cause string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var retryCount, maxRetries int
	err = tx.QueryRow(ctx, `
		SELECT retry_count, max_retries FROM jobs
		WHERE id = $1 AND worker_id = $2 AND status = $3
		FOR UPDATE
	`, jobID, workerID, models.StatusRunning).Scan(&retryCount, &maxRetries)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock job for failure: %w", err)
	}

	if retryCount < maxRetries {
		next := time.Now().UTC().Add(s.retryBackoff(retryCount + 1))
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = $2, retry_count = retry_count + 1, next_run_at = $3,
			    worker_id = NULL, lease_expires_at = NULL, last_error = $4, updated_at = NOW()
			WHERE id = $1
		`, jobID, models.StatusQueued, next, cause)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = $2, worker_id = NULL, lease_expires_at = NULL, last_error = $3, updated_at = NOW()
			WHERE id = $1
		`, jobID, models.StatusFailed, cause)
	}
	if err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// QueueDepth returns the count of jobs ready to claim right now.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE (status = $1 AND next_run_at <= NOW())
		   OR (status = $2 AND lease_expires_at < NOW())
	`, models.StatusQueued, models.StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claimable jobs: %w", err)
	}
	return n, nil
}

// retryBackoff doubles the initial delay per attempt, caps it, and adds
// jitter in the upper half so a burst of failures does not re-arrive as a
// burst of retries.
func (s *Store) retryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return s.backoffInitial
	}
	exp := float64(s.backoffInitial) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > s.backoffMax {
		wait = s.backoffMax
	}
	half := wait / 2
	if half <= 0 {
		// rand.Int63n panics on a non-positive bound; a degenerate
		// initial backoff just skips the jitter.
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload []byte
	var workerID, lastErr, idem pgtype.Text
	var lease pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Type, &payload, &job.Status, &job.Priority,
		&job.RetryCount, &job.MaxRetries, &job.NextRunAt, &workerID, &lease,
		&lastErr, &idem, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.WorkerID = textPtr(workerID)
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	if lease.Valid {
		t := lease.Time
		job.LeaseExpiresAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

