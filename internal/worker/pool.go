// Package worker runs the goroutines that execute chat jobs: a fixed pool
// that claims and processes jobs, and a reaper that recovers expired leases.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/chatrelay/internal/ai"
	"github.com/kiranshivaraju/chatrelay/internal/metrics"
	"github.com/kiranshivaraju/chatrelay/internal/notify"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// Persister durably records a generated reply. It must be idempotent per job.
type Persister interface {
	Persist(ctx context.Context, job *queue.Job, payload models.JobPayload, reply string) (*models.JobResult, error)
}

type Config struct {
	Concurrency      int
	PollInterval     time.Duration
	Lease            time.Duration
	InferenceTimeout time.Duration
}

type Pool struct {
	jobs      queue.Queue
	engine    ai.Engine
	persister Persister
	publisher notify.Publisher
	cfg       Config
	logger    *slog.Logger
}

func NewPool(jobs queue.Queue, engine ai.Engine, persister Persister, publisher notify.Publisher, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 60 * time.Second
	}
	if cfg.Lease <= cfg.InferenceTimeout {
		cfg.Lease = 2 * cfg.InferenceTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{jobs: jobs, engine: engine, persister: persister, publisher: publisher, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled and every worker has finished its
// current job. In-flight jobs are not interrupted by cancellation.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		job, err := p.jobs.Claim(ctx, p.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", "worker", id, "error", err)
			sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, p.cfg.PollInterval)
			continue
		}
		p.Process(context.WithoutCancel(ctx), job)
	}
}

// Process executes one claimed job and reports its outcome to the queue.
// The reply is persisted before the job is marked completed.
func (p *Pool) Process(ctx context.Context, job *queue.Job) {
	logger := p.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing job", "error", r)
			p.fail(ctx, logger, job, fmt.Errorf("panic: %v", r), true)
		}
	}()

	payload, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		p.fail(ctx, logger, job, err, false)
		return
	}

	prior, current := payload.Prompt()
	prompt := ai.BuildPrompt(prior, current)

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.InferenceTimeout)
	reply, err := p.engine.GenerateContent(genCtx, prompt)
	cancel()
	if err != nil {
		p.fail(ctx, logger, job, fmt.Errorf("generate reply: %w", err), true)
		return
	}

	result, err := p.persister.Persist(ctx, job, payload, reply)
	if err != nil {
		p.fail(ctx, logger, job, fmt.Errorf("persist reply: %w", err), true)
		return
	}

	done, err := p.jobs.Complete(ctx, job.Lease(), result)
	if errors.Is(err, queue.ErrLeaseLost) {
		logger.Warn("lease lost before completion, result discarded")
		return
	}
	if err != nil {
		// The lease expires and the reaper requeues the job; Persist is idempotent.
		logger.Error("complete job failed", "error", err)
		return
	}

	metrics.IncJobFinished(string(job.Kind), string(queue.StatusCompleted))
	logger.Info("job completed")
	p.publish(ctx, logger, done)
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, job *queue.Job, cause error, retryable bool) {
	done, err := p.jobs.Fail(ctx, job.Lease(), cause, retryable)
	if errors.Is(err, queue.ErrLeaseLost) {
		logger.Warn("lease lost before failure was recorded", "cause", cause)
		return
	}
	if err != nil {
		logger.Error("record job failure failed", "cause", cause, "error", err)
		return
	}

	if done.Status == queue.StatusFailed {
		metrics.IncJobFinished(string(job.Kind), string(queue.StatusFailed))
		logger.Error("job failed", "error", cause, "retryable", retryable)
		p.publish(ctx, logger, done)
		return
	}
	metrics.IncJobRetry(string(job.Kind))
	logger.Warn("job attempt failed, retry scheduled", "error", cause, "run_at", done.RunAt)
}

func (p *Pool) publish(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	if err := p.publisher.Publish(ctx, notify.OutcomeFromJob(job)); err != nil {
		// Waiters fall back to re-reading job state.
		logger.Warn("publish completion failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
