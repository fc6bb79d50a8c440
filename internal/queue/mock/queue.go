package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// MemoryQueue satisfies queue.Queue in memory with the same state machine as
// the Postgres queue. It records every retry delay it schedules.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*queue.Job
	order  []uuid.UUID
	opts   queue.Options
	delays []time.Duration

	Now func() time.Time
	// EnqueueErr, when set, is returned by every Enqueue.
	EnqueueErr error
	// Persisted reports whether a job's exchange is already stored. Expired
	// final attempts that are persisted get requeued instead of failed.
	Persisted func(id uuid.UUID) bool
}

var _ queue.Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(opts queue.Options) *MemoryQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	return &MemoryQueue{jobs: map[uuid.UUID]*queue.Job{}, opts: opts, Now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, params queue.EnqueueParams) (*queue.Job, error) {
	if q.EnqueueErr != nil {
		return nil, q.EnqueueErr
	}
	if params.Payload == nil {
		return nil, errors.New("enqueue: payload is required")
	}
	raw, err := json.Marshal(params.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now()
	job := &queue.Job{
		ID:          uuid.New(),
		OwnerID:     params.OwnerID,
		Kind:        params.Payload.Kind(),
		Payload:     raw,
		Status:      queue.StatusPending,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	return clone(job), nil
}

// Put stores job as is. Useful for seeding states the API cannot reach directly.
func (q *MemoryQueue) Put(job *queue.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; !ok {
		q.order = append(q.order, job.ID)
	}
	q.jobs[job.ID] = clone(job)
}

func (q *MemoryQueue) Get(_ context.Context, id uuid.UUID) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return clone(job), nil
}

func (q *MemoryQueue) Claim(_ context.Context, lease time.Duration) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now()

	var next *queue.Job
	for _, id := range q.order {
		job, ok := q.jobs[id]
		if !ok || job.Status != queue.StatusPending || job.RunAt.After(now) {
			continue
		}
		if next == nil || job.RunAt.Before(next.RunAt) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	token := uuid.New()
	expires := now.Add(lease)
	next.Status = queue.StatusActive
	next.Attempts++
	next.LeaseToken = &token
	next.LeaseExpiresAt = &expires
	next.UpdatedAt = now
	return clone(next), nil
}

func (q *MemoryQueue) Complete(_ context.Context, lease queue.Lease, result *models.JobResult) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.held(lease)
	if err != nil {
		return nil, err
	}
	now := q.Now()
	r := *result
	job.Status = queue.StatusCompleted
	job.Result = &r
	job.LastError = nil
	job.LeaseToken = nil
	job.LeaseExpiresAt = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	return clone(job), nil
}

func (q *MemoryQueue) Fail(_ context.Context, lease queue.Lease, cause error, retryable bool) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.held(lease)
	if err != nil {
		return nil, err
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := q.Now()
	job.LastError = &msg
	job.LeaseToken = nil
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now

	if retryable && lease.Attempt < lease.MaxAttempts {
		delay := queue.Backoff(q.opts.BackoffBase, lease.Attempt)
		q.delays = append(q.delays, delay)
		job.Status = queue.StatusPending
		job.RunAt = now.Add(delay)
	} else {
		job.Status = queue.StatusFailed
	}
	return clone(job), nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context) (int64, []*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now()

	var requeued int64
	var dead []*queue.Job
	for _, id := range q.order {
		job, ok := q.jobs[id]
		if !ok || job.Status != queue.StatusActive || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		job.LeaseToken = nil
		job.LeaseExpiresAt = nil
		job.UpdatedAt = now
		if job.Attempts >= job.MaxAttempts && (q.Persisted == nil || !q.Persisted(job.ID)) {
			msg := "lease expired on final attempt"
			job.Status = queue.StatusFailed
			job.LastError = &msg
			dead = append(dead, clone(job))
			continue
		}
		msg := "lease expired"
		job.Status = queue.StatusPending
		job.RunAt = now
		job.LastError = &msg
		requeued++
	}
	return requeued, dead, nil
}

func (q *MemoryQueue) PurgeCompleted(_ context.Context, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.Now().Add(-olderThan)

	var purged int64
	kept := q.order[:0]
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status == queue.StatusCompleted && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return purged, nil
}

// Jobs returns every stored job in enqueue order.
func (q *MemoryQueue) Jobs() []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*queue.Job, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, clone(q.jobs[id]))
	}
	return out
}

// Delays returns the retry delays scheduled so far, in order.
func (q *MemoryQueue) Delays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]time.Duration(nil), q.delays...)
}

func (q *MemoryQueue) held(lease queue.Lease) (*queue.Job, error) {
	job, ok := q.jobs[lease.JobID]
	if !ok || job.Status != queue.StatusActive || job.LeaseToken == nil || *job.LeaseToken != lease.Token {
		return nil, queue.ErrLeaseLost
	}
	return job, nil
}

func clone(j *queue.Job) *queue.Job {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	return &cp
}
