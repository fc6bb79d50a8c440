package chat

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/cache"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
	"github.com/kiranshivaraju/chatrelay/internal/store"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
	"github.com/oklog/ulid/v2"
)

// Persist durably records the exchange produced by job. It is idempotent per
// job id: a retried job finds its earlier write and returns the same result.
// Listing caches are invalidated before Persist returns, so a caller that sees
// the job completed also sees the new messages.
func (s *Service) Persist(ctx context.Context, job *queue.Job, payload models.JobPayload, reply string) (*models.JobResult, error) {
	switch p := payload.(type) {
	case models.RoomReplyPayload:
		return s.persistRoomReply(ctx, job, p, reply)
	case models.SingleChatPayload:
		return s.persistSingle(ctx, job, p, reply)
	default:
		return nil, fmt.Errorf("%w: %T", models.ErrUnknownJobKind, payload)
	}
}

func (s *Service) persistRoomReply(ctx context.Context, job *queue.Job, p models.RoomReplyPayload, reply string) (*models.JobResult, error) {
	var (
		result  *models.JobResult
		ownerID uuid.UUID
	)
	err := s.store.WithRoomLock(ctx, p.RoomID, func(ctx context.Context, tx store.Transcript) error {
		room, err := tx.FindByID(ctx, p.RoomID)
		if err != nil {
			return err
		}
		ownerID = room.OwnerID

		if room.HasJob(job.ID) {
			result = existingResult(room, job.ID)
			return nil
		}

		jobID := job.ID
		now := s.now()
		userMsg := models.Message{
			ID:        newMessageID(p.SubmittedAt),
			JobID:     &jobID,
			Role:      models.RoleUser,
			Text:      p.CurrentMessage,
			Timestamp: p.SubmittedAt,
		}
		aiMsg := models.Message{
			ID:        newMessageID(now),
			JobID:     &jobID,
			Role:      models.RoleAI,
			Text:      reply,
			Timestamp: now,
		}
		at := insertionIndex(room.Messages, p.SubmittedAt)
		msgs := slices.Insert(slices.Clone(room.Messages), at, userMsg, aiMsg)
		if err := tx.UpdateMessages(ctx, room.ID, msgs); err != nil {
			return err
		}

		roomID := room.ID
		result = &models.JobResult{
			AIResponse:    reply,
			RoomID:        &roomID,
			UserMessageID: userMsg.ID,
			AIMessageID:   aiMsg.ID,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append room transcript: %w", err)
	}

	if err := s.rooms.Invalidate(ctx, cache.ChatroomsKey(ownerID)); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) persistSingle(ctx context.Context, job *queue.Job, p models.SingleChatPayload, reply string) (*models.JobResult, error) {
	chat, err := s.store.CreateChat(ctx, &models.Chat{
		ID:          uuid.New(),
		OwnerID:     job.OwnerID,
		JobID:       job.ID,
		UserMessage: p.CurrentMessage,
		AIResponse:  reply,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("save chat: %w", err)
	}
	chatID := chat.ID
	return &models.JobResult{AIResponse: chat.AIResponse, ChatID: &chatID}, nil
}

// existingResult rebuilds the result of a job whose messages are already in
// the transcript.
func existingResult(room *models.Chatroom, jobID uuid.UUID) *models.JobResult {
	roomID := room.ID
	r := &models.JobResult{RoomID: &roomID}
	for _, m := range room.Messages {
		if m.JobID == nil || *m.JobID != jobID {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			r.UserMessageID = m.ID
		case models.RoleAI:
			r.AIMessageID = m.ID
			r.AIResponse = m.Text
		}
	}
	return r
}

// insertionIndex returns where a pair submitted at submittedAt belongs: ahead
// of the first user message submitted later. Pairs are never split since
// every AI message directly follows its user message.
func insertionIndex(msgs []models.Message, submittedAt time.Time) int {
	for i, m := range msgs {
		if m.Role == models.RoleUser && m.Timestamp.After(submittedAt) {
			return i
		}
	}
	return len(msgs)
}

func newMessageID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
