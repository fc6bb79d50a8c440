package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// jobColumns must stay in sync with scanJob.
const jobColumns = `id, owner_id, kind, payload, status, attempts, max_attempts, run_at,
    lease_token, lease_expires_at, result, last_error, created_at, updated_at, completed_at`

// claimSQL locks the oldest due pending job. Workers that lose the race skip
// the locked row instead of blocking on it.
const claimSQL = `
WITH candidate AS (
    SELECT id FROM chat_jobs
    WHERE status = 'pending'
      AND run_at <= NOW()
    ORDER BY run_at, created_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE chat_jobs
SET
    status           = 'active',
    attempts         = chat_jobs.attempts + 1,
    lease_token      = $1,
    lease_expires_at = NOW() + ($2 * interval '1 millisecond'),
    updated_at       = NOW()
FROM candidate
WHERE chat_jobs.id = candidate.id
RETURNING chat_jobs.id, chat_jobs.owner_id, chat_jobs.kind, chat_jobs.payload, chat_jobs.status,
    chat_jobs.attempts, chat_jobs.max_attempts, chat_jobs.run_at, chat_jobs.lease_token,
    chat_jobs.lease_expires_at, chat_jobs.result, chat_jobs.last_error, chat_jobs.created_at,
    chat_jobs.updated_at, chat_jobs.completed_at`

// persistedSQL matches a chat_jobs row whose exchange is already in the
// transcript. Such a job is requeued rather than dead-lettered when its final
// lease expires; the retry completes it from the stored reply.
const persistedSQL = `(
    EXISTS (SELECT 1 FROM chats c WHERE c.job_id = chat_jobs.id)
    OR EXISTS (
        SELECT 1 FROM chatrooms r
        WHERE r.id::text = chat_jobs.payload->>'room_id'
          AND r.messages @> jsonb_build_array(jsonb_build_object('job_id', chat_jobs.id::text, 'role', 'ai'))
    )
)`

// PostgresQueue implements Queue on the chat_jobs table.
type PostgresQueue struct {
	pool *pgxpool.Pool
	opts Options
}

func NewPostgresQueue(pool *pgxpool.Pool, opts Options) *PostgresQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	return &PostgresQueue{pool: pool, opts: opts}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, params EnqueueParams) (*Job, error) {
	if params.Payload == nil {
		return nil, errors.New("enqueue: payload is required")
	}
	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	row := q.pool.QueryRow(ctx, `
		INSERT INTO chat_jobs (id, owner_id, kind, payload, status, max_attempts)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING `+jobColumns,
		uuid.New(), params.OwnerID, string(params.Payload.Kind()), payload, maxAttempts)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM chat_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) Claim(ctx context.Context, lease time.Duration) (*Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, claimSQL, uuid.New(), lease.Milliseconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, lease Lease, result *models.JobResult) (*Job, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	row := q.pool.QueryRow(ctx, `
		UPDATE chat_jobs SET
			status           = 'completed',
			result           = $3,
			last_error       = NULL,
			lease_token      = NULL,
			lease_expires_at = NULL,
			completed_at     = NOW(),
			updated_at       = NOW()
		WHERE id = $1
		  AND status = 'active'
		  AND lease_token = $2
		RETURNING `+jobColumns,
		lease.JobID, lease.Token, raw)
	job, err := scanJob(row)
	return fenced("complete job", job, err)
}

func (q *PostgresQueue) Fail(ctx context.Context, lease Lease, cause error, retryable bool) (*Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	if retryable && lease.Attempt < lease.MaxAttempts {
		delay := Backoff(q.opts.BackoffBase, lease.Attempt)
		row := q.pool.QueryRow(ctx, `
			UPDATE chat_jobs SET
				status           = 'pending',
				run_at           = NOW() + ($3 * interval '1 millisecond'),
				last_error       = $4,
				lease_token      = NULL,
				lease_expires_at = NULL,
				updated_at       = NOW()
			WHERE id = $1
			  AND status = 'active'
			  AND lease_token = $2
			RETURNING `+jobColumns,
			lease.JobID, lease.Token, delay.Milliseconds(), msg)
		job, err := scanJob(row)
		return fenced("retry job", job, err)
	}

	row := q.pool.QueryRow(ctx, `
		UPDATE chat_jobs SET
			status           = 'failed',
			last_error       = $3,
			lease_token      = NULL,
			lease_expires_at = NULL,
			updated_at       = NOW()
		WHERE id = $1
		  AND status = 'active'
		  AND lease_token = $2
		RETURNING `+jobColumns,
		lease.JobID, lease.Token, msg)
	job, err := scanJob(row)
	return fenced("fail job", job, err)
}

func (q *PostgresQueue) RequeueExpired(ctx context.Context) (int64, []*Job, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE chat_jobs SET
			status           = 'failed',
			last_error       = COALESCE(last_error || '; ', '') || 'lease expired on final attempt',
			lease_token      = NULL,
			lease_expires_at = NULL,
			updated_at       = NOW()
		WHERE status = 'active'
		  AND lease_expires_at < NOW()
		  AND attempts >= max_attempts
		  AND NOT `+persistedSQL+`
		RETURNING `+jobColumns)
	if err != nil {
		return 0, nil, fmt.Errorf("fail expired jobs: %w", err)
	}
	dead, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return 0, nil, fmt.Errorf("scan expired jobs: %w", err)
	}

	tag, err := q.pool.Exec(ctx, `
		UPDATE chat_jobs SET
			status           = 'pending',
			run_at           = NOW(),
			last_error       = 'lease expired',
			lease_token      = NULL,
			lease_expires_at = NULL,
			updated_at       = NOW()
		WHERE status = 'active'
		  AND lease_expires_at < NOW()
		  AND (attempts < max_attempts OR `+persistedSQL+`)`)
	if err != nil {
		return 0, dead, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return tag.RowsAffected(), dead, nil
}

func (q *PostgresQueue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM chat_jobs
		WHERE status = 'completed'
		  AND completed_at < NOW() - ($1 * interval '1 millisecond')`,
		olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("purge completed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// fenced maps a missing row from a lease-guarded update to ErrLeaseLost.
func fenced(op string, job *Job, err error) (*Job, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

// scanJob populates a Job from jobColumns in order.
func scanJob(row pgx.Row) (*Job, error) {
	var (
		job     Job
		kind    string
		status  string
		payload []byte
		result  []byte
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&kind,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.RunAt,
		&job.LeaseToken,
		&job.LeaseExpiresAt,
		&result,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Kind = models.JobKind(kind)
	job.Payload = json.RawMessage(payload)
	job.Status = Status(status)
	if len(result) > 0 {
		var r models.JobResult
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &r
	}
	return &job, nil
}
