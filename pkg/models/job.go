package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind tags the payload variant carried by a queued job.
type JobKind string

const (
	// JobKindRoomReply answers a message posted to a chatroom.
	JobKindRoomReply JobKind = "chat.room_reply"
	// JobKindSingle answers a standalone message with no chatroom.
	JobKindSingle JobKind = "chat.single"
)

var ErrUnknownJobKind = errors.New("unknown job kind")

// JobPayload is implemented by every job payload variant.
type JobPayload interface {
	Kind() JobKind
	// Prompt returns the prior context and the message to answer.
	Prompt() (prior []Message, current string)
}

// RoomReplyPayload snapshots the transcript at submission time. Messages
// appended after submission are not part of this job's prompt.
type RoomReplyPayload struct {
	RoomID         uuid.UUID `json:"room_id"`
	CurrentMessage string    `json:"current_message"`
	PriorContext   []Message `json:"prior_context"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

func (RoomReplyPayload) Kind() JobKind { return JobKindRoomReply }

func (p RoomReplyPayload) Prompt() ([]Message, string) {
	return p.PriorContext, p.CurrentMessage
}

type SingleChatPayload struct {
	CurrentMessage string    `json:"current_message"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

func (SingleChatPayload) Kind() JobKind { return JobKindSingle }

func (p SingleChatPayload) Prompt() ([]Message, string) {
	return nil, p.CurrentMessage
}

// DecodePayload unmarshals raw into the variant selected by kind.
func DecodePayload(kind JobKind, raw []byte) (JobPayload, error) {
	switch kind {
	case JobKindRoomReply:
		var p RoomReplyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		if p.RoomID == uuid.Nil {
			return nil, fmt.Errorf("decode %s payload: missing room_id", kind)
		}
		return p, nil
	case JobKindSingle:
		var p SingleChatPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, kind)
	}
}

// JobResult is stored on a completed job and returned to both waiting and
// polling callers.
type JobResult struct {
	AIResponse    string     `json:"ai_response"`
	RoomID        *uuid.UUID `json:"room_id,omitempty"`
	ChatID        *uuid.UUID `json:"chat_id,omitempty"`
	UserMessageID string     `json:"user_message_id,omitempty"`
	AIMessageID   string     `json:"ai_message_id,omitempty"`
}
