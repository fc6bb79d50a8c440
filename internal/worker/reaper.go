package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/chatrelay/internal/metrics"
	"github.com/kiranshivaraju/chatrelay/internal/notify"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
)

// Reaper requeues jobs whose lease expired and purges old completed jobs.
type Reaper struct {
	jobs      queue.Queue
	publisher notify.Publisher
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

func NewReaper(jobs queue.Queue, publisher notify.Publisher, interval, retention time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{jobs: jobs, publisher: publisher, interval: interval, retention: retention, logger: logger}
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reaping pass.
func (r *Reaper) Sweep(ctx context.Context) {
	requeued, dead, err := r.jobs.RequeueExpired(ctx)
	if err != nil {
		r.logger.Error("requeue expired jobs failed", "error", err)
	}
	metrics.AddJobsReaped("requeued", requeued)
	metrics.AddJobsReaped("failed", int64(len(dead)))
	if requeued > 0 || len(dead) > 0 {
		r.logger.Warn("recovered expired leases", "requeued", requeued, "failed", len(dead))
	}
	for _, job := range dead {
		metrics.IncJobFinished(string(job.Kind), string(queue.StatusFailed))
		if err := r.publisher.Publish(ctx, notify.OutcomeFromJob(job)); err != nil {
			r.logger.Warn("publish completion failed", "job_id", job.ID, "error", err)
		}
	}

	purged, err := r.jobs.PurgeCompleted(ctx, r.retention)
	if err != nil {
		r.logger.Error("purge completed jobs failed", "error", err)
		return
	}
	metrics.AddJobsReaped("purged", purged)
	if purged > 0 {
		r.logger.Info("purged completed jobs", "count", purged)
	}
}
