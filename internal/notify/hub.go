// Package notify signals job completion to callers waiting on a result.
//
// Workers publish an Outcome when a job reaches a terminal status. The
// RedisRelay fans outcomes out to every instance, and each instance's Hub
// hands them to the local waiters subscribed to that job.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// Outcome is the caller-visible result of a job. Waiting and polling both
// build it with OutcomeFromJob, so the two paths always agree.
type Outcome struct {
	JobID    uuid.UUID         `json:"job_id"`
	Status   queue.Status      `json:"status"`
	Result   *models.JobResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Attempts int               `json:"attempts"`
}

func OutcomeFromJob(j *queue.Job) Outcome {
	o := Outcome{JobID: j.ID, Status: j.Status, Attempts: j.Attempts}
	switch j.Status {
	case queue.StatusCompleted:
		o.Result = j.Result
	case queue.StatusFailed:
		if j.LastError != nil {
			o.Error = *j.LastError
		}
	}
	return o
}

// Publisher announces terminal job outcomes.
type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
}

// Hub delivers outcomes to in-process subscribers. Subscriptions are one-shot:
// a subscriber receives at most one outcome and is then removed.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[uuid.UUID]map[*Subscription]struct{}{}}
}

type Subscription struct {
	C     <-chan Outcome
	ch    chan Outcome
	hub   *Hub
	jobID uuid.UUID
}

// Subscribe registers interest in jobID. Callers must Cancel when done.
func (h *Hub) Subscribe(jobID uuid.UUID) *Subscription {
	ch := make(chan Outcome, 1)
	s := &Subscription{C: ch, ch: ch, hub: h, jobID: jobID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = map[*Subscription]struct{}{}
	}
	h.subs[jobID][s] = struct{}{}
	return s
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.jobID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.jobID)
		}
	}
}

// Publish hands a terminal outcome to every current subscriber of its job.
// Non-terminal outcomes are ignored.
func (h *Hub) Publish(_ context.Context, o Outcome) error {
	if !o.Status.Terminal() {
		return nil
	}

	h.mu.Lock()
	set := h.subs[o.JobID]
	delete(h.subs, o.JobID)
	h.mu.Unlock()

	for s := range set {
		select {
		case s.ch <- o:
		default:
		}
	}
	return nil
}

// Waiting returns the number of subscribers for jobID.
func (h *Hub) Waiting(jobID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
