// Package queue is the durable chat job queue. Jobs move
// pending -> active -> completed | pending (retry) | failed and are claimed
// by exactly one worker at a time through a lease token.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost means the job is no longer held by the caller's lease,
	// usually because the reaper requeued it after the lease expired.
	ErrLeaseLost = errors.New("job lease lost")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Job struct {
	ID             uuid.UUID         `json:"id"`
	OwnerID        uuid.UUID         `json:"owner_id"`
	Kind           models.JobKind    `json:"kind"`
	Payload        json.RawMessage   `json:"payload"`
	Status         Status            `json:"status"`
	Attempts       int               `json:"attempts"`
	MaxAttempts    int               `json:"max_attempts"`
	RunAt          time.Time         `json:"run_at"`
	LeaseToken     *uuid.UUID        `json:"-"`
	LeaseExpiresAt *time.Time        `json:"-"`
	Result         *models.JobResult `json:"result,omitempty"`
	LastError      *string           `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Lease identifies one claim of a job. Complete and Fail only succeed while
// the lease is still the current one.
type Lease struct {
	JobID       uuid.UUID
	Token       uuid.UUID
	Attempt     int
	MaxAttempts int
}

// Lease returns the lease of a claimed job.
func (j *Job) Lease() Lease {
	l := Lease{JobID: j.ID, Attempt: j.Attempts, MaxAttempts: j.MaxAttempts}
	if j.LeaseToken != nil {
		l.Token = *j.LeaseToken
	}
	return l
}

type EnqueueParams struct {
	OwnerID uuid.UUID
	Payload models.JobPayload
	// MaxAttempts overrides the queue default when positive.
	MaxAttempts int
}

// Queue is the job queue contract used by the chat service and the workers.
type Queue interface {
	Enqueue(ctx context.Context, params EnqueueParams) (*Job, error)
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	// Claim takes the oldest due pending job. Returns nil, nil when idle.
	Claim(ctx context.Context, lease time.Duration) (*Job, error)
	Complete(ctx context.Context, lease Lease, result *models.JobResult) (*Job, error)
	// Fail records a failed attempt. Retryable failures with attempts left go
	// back to pending after a backoff; everything else becomes failed.
	Fail(ctx context.Context, lease Lease, cause error, retryable bool) (*Job, error)
	// RequeueExpired recovers jobs whose lease ran out. It returns the number
	// of requeued jobs and the jobs that exhausted their attempts instead.
	RequeueExpired(ctx context.Context) (int64, []*Job, error)
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Options configures queue defaults.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Backoff returns the delay before the attempt following failed attempt n
// (1-based): base * 2^n. The exponent is capped to avoid overflow.
func Backoff(base time.Duration, attempt int) time.Duration {
	shift := attempt
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}
	return base * time.Duration(1<<shift)
}
