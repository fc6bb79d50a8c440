// Package chat orchestrates chat submissions: admission, enqueueing, waiting
// for the reply and persisting the result produced by a worker.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/cache"
	"github.com/kiranshivaraju/chatrelay/internal/metrics"
	"github.com/kiranshivaraju/chatrelay/internal/notify"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
	"github.com/kiranshivaraju/chatrelay/internal/ratelimit"
	"github.com/kiranshivaraju/chatrelay/internal/store"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

const maxTitleLength = 200

// Admitter decides whether an owner may submit another message.
type Admitter interface {
	Admit(ctx context.Context, ownerID uuid.UUID, tier models.Tier) (ratelimit.Decision, error)
	Usage(ctx context.Context, ownerID uuid.UUID, tier models.Tier) (ratelimit.Decision, error)
}

// Waiter blocks until a job reaches a terminal status or the timeout elapses.
type Waiter interface {
	WaitUntilFinished(ctx context.Context, jobID uuid.UUID, timeout time.Duration) (notify.Outcome, error)
}

type Options struct {
	ChatroomsTTL     time.Duration
	WaitTimeout      time.Duration
	MaxMessageLength int
}

type Service struct {
	store   store.Store
	jobs    queue.Queue
	limiter Admitter
	waiter  Waiter
	rooms   *cache.Loader
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(st store.Store, jobs queue.Queue, limiter Admitter, waiter Waiter, rooms *cache.Loader, opts Options, logger *slog.Logger) *Service {
	if opts.ChatroomsTTL <= 0 {
		opts.ChatroomsTTL = 10 * time.Minute
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 4000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		jobs:    jobs,
		limiter: limiter,
		waiter:  waiter,
		rooms:   rooms,
		opts:    opts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// --- Chatrooms ---

func (s *Service) CreateRoom(ctx context.Context, user *models.User, title string) (*models.Chatroom, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validation("title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return nil, validation("title must be at most %d characters", maxTitleLength)
	}

	now := s.now()
	room := &models.Chatroom{
		ID:        uuid.New(),
		OwnerID:   user.ID,
		Title:     title,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("create chatroom: %w", err)
	}
	if err := s.rooms.Invalidate(ctx, cache.ChatroomsKey(user.ID)); err != nil {
		return nil, fmt.Errorf("invalidate chatroom list: %w", err)
	}
	return room, nil
}

// ListRooms returns the caller's chatrooms, most recently updated first.
func (s *Service) ListRooms(ctx context.Context, user *models.User) ([]models.ChatroomSummary, error) {
	rooms, err := cache.ReadThrough(ctx, s.rooms, cache.ChatroomsKey(user.ID), s.opts.ChatroomsTTL,
		func(ctx context.Context) ([]models.ChatroomSummary, error) {
			return s.store.ListRooms(ctx, user.ID)
		})
	if err != nil {
		return nil, fmt.Errorf("list chatrooms: %w", err)
	}
	return rooms, nil
}

func (s *Service) GetRoom(ctx context.Context, user *models.User, roomID uuid.UUID) (*models.Chatroom, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chatroom: %w", err)
	}
	if room.OwnerID != user.ID {
		return nil, ErrNotFound
	}
	return room, nil
}

// --- Submission ---

type SubmitParams struct {
	// RoomID selects a chatroom reply. Nil submits a standalone chat.
	RoomID  *uuid.UUID
	Message string
}

// Submit validates and admits a message and enqueues the job that answers it.
// Nothing is enqueued when admission is refused.
func (s *Service) Submit(ctx context.Context, user *models.User, params SubmitParams) (*queue.Job, error) {
	msg := strings.TrimSpace(params.Message)
	if msg == "" {
		return nil, validation("message is required")
	}
	if utf8.RuneCountInString(msg) > s.opts.MaxMessageLength {
		return nil, validation("message must be at most %d characters", s.opts.MaxMessageLength)
	}

	var room *models.Chatroom
	if params.RoomID != nil {
		var err error
		if room, err = s.GetRoom(ctx, user, *params.RoomID); err != nil {
			return nil, err
		}
	}

	decision, err := s.limiter.Admit(ctx, user.ID, user.Tier)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		return nil, &RateLimitError{Tier: decision.Tier, Limit: decision.Limit, ResetAt: decision.ResetAt}
	}

	var payload models.JobPayload = models.SingleChatPayload{CurrentMessage: msg, SubmittedAt: s.now()}
	if room != nil {
		payload = models.RoomReplyPayload{
			RoomID:         room.ID,
			CurrentMessage: msg,
			PriorContext:   room.Messages,
			SubmittedAt:    s.now(),
		}
	}

	job, err := s.jobs.Enqueue(ctx, queue.EnqueueParams{OwnerID: user.ID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("enqueue chat job: %w", err)
	}
	metrics.IncJobEnqueued(string(job.Kind))
	s.logger.Debug("chat job enqueued", "job_id", job.ID, "kind", job.Kind, "user_id", user.ID)
	return job, nil
}

// Reply is the result of a synchronous room message. Pending is set when the
// wait timed out; the job keeps running and can be polled by JobID.
type Reply struct {
	JobID      uuid.UUID    `json:"job_id"`
	Status     queue.Status `json:"status"`
	AIResponse string       `json:"ai_response,omitempty"`
	Pending    bool         `json:"-"`
}

// SendMessage submits a room message and waits for the reply.
func (s *Service) SendMessage(ctx context.Context, user *models.User, roomID uuid.UUID, message string) (*Reply, error) {
	job, err := s.Submit(ctx, user, SubmitParams{RoomID: &roomID, Message: message})
	if err != nil {
		return nil, err
	}

	out, err := s.waiter.WaitUntilFinished(ctx, job.ID, s.opts.WaitTimeout)
	if errors.Is(err, notify.ErrTimedOut) {
		status := out.Status
		if status == "" {
			status = queue.StatusPending
		}
		return &Reply{JobID: job.ID, Status: status, Pending: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wait for chat job: %w", err)
	}

	if out.Status == queue.StatusFailed {
		return nil, &JobFailedError{JobID: job.ID, Reason: out.Error}
	}
	reply := &Reply{JobID: job.ID, Status: out.Status}
	if out.Result != nil {
		reply.AIResponse = out.Result.AIResponse
	}
	return reply, nil
}

// JobStatus returns the same outcome a waiting caller would receive.
func (s *Service) JobStatus(ctx context.Context, user *models.User, jobID uuid.UUID) (notify.Outcome, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, queue.ErrNotFound) {
		return notify.Outcome{}, ErrNotFound
	}
	if err != nil {
		return notify.Outcome{}, fmt.Errorf("get job: %w", err)
	}
	if job.OwnerID != user.ID {
		return notify.Outcome{}, ErrNotFound
	}
	return notify.OutcomeFromJob(job), nil
}

// --- Standalone chats ---

func (s *Service) ListChats(ctx context.Context, user *models.User, page, limit int) ([]*models.Chat, int, store.ChatFilter, error) {
	filter := store.ChatFilter{OwnerID: user.ID, Page: page, Limit: limit}.Normalize()
	chats, total, err := s.store.ListChats(ctx, filter)
	if err != nil {
		return nil, 0, filter, fmt.Errorf("list chats: %w", err)
	}
	return chats, total, filter, nil
}

func (s *Service) DeleteChat(ctx context.Context, user *models.User, chatID uuid.UUID) error {
	err := s.store.DeleteChat(ctx, chatID, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// --- Account ---

// Account is the caller's profile with the state of their current window.
type Account struct {
	User  *models.User
	Usage ratelimit.Decision
}

func (s *Service) Me(ctx context.Context, user *models.User) (*Account, error) {
	usage, err := s.limiter.Usage(ctx, user.ID, user.Tier)
	if err != nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}
	return &Account{User: user, Usage: usage}, nil
}
