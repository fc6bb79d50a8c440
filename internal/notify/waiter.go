package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/metrics"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
)

// ErrTimedOut means the wait ended before the job finished. The job itself
// keeps running and can still be polled.
var ErrTimedOut = errors.New("timed out waiting for job")

// StateReader reads the current state of a job.
type StateReader interface {
	Get(ctx context.Context, id uuid.UUID) (*queue.Job, error)
}

type Waiter struct {
	hub     *Hub
	states  StateReader
	recheck time.Duration
}

// NewWaiter returns a Waiter that also re-reads job state every recheck
// interval while waiting, in case a completion event was lost.
func NewWaiter(hub *Hub, states StateReader, recheck time.Duration) *Waiter {
	if recheck <= 0 {
		recheck = time.Second
	}
	return &Waiter{hub: hub, states: states, recheck: recheck}
}

// WaitUntilFinished blocks until jobID completes or fails, timeout elapses,
// or ctx is cancelled. On timeout it returns the last known outcome together
// with ErrTimedOut.
func (w *Waiter) WaitUntilFinished(ctx context.Context, jobID uuid.UUID, timeout time.Duration) (Outcome, error) {
	// Subscribe before reading state so a completion between the two is not missed.
	sub := w.hub.Subscribe(jobID)
	defer sub.Cancel()

	job, err := w.states.Get(ctx, jobID)
	if err != nil {
		return Outcome{}, fmt.Errorf("read job state: %w", err)
	}
	if job.Status.Terminal() {
		return finished(OutcomeFromJob(job)), nil
	}
	last := OutcomeFromJob(job)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(w.recheck)
	defer ticker.Stop()

	for {
		select {
		case o := <-sub.C:
			return finished(o), nil
		case <-ticker.C:
			job, err := w.states.Get(ctx, jobID)
			if err != nil {
				continue
			}
			last = OutcomeFromJob(job)
			if job.Status.Terminal() {
				return finished(last), nil
			}
		case <-timer.C:
			metrics.IncWaitOutcome("timeout")
			return last, ErrTimedOut
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

func finished(o Outcome) Outcome {
	metrics.IncWaitOutcome(string(o.Status))
	return o
}
