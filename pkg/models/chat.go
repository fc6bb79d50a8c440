// Package models contains shared data models used across the chatrelay codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Message is one entry of a chatroom transcript. IDs are ULIDs so they sort
// in creation order. JobID links the message to the job that produced it and
// makes appends idempotent across job retries.
type Message struct {
	ID        string     `json:"id"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	Role      Role       `json:"role"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
}

// Chatroom is a persistent, append-only conversation owned by one user.
type Chatroom struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	OwnerID   uuid.UUID `db:"owner_id"   json:"owner_id"`
	Title     string    `db:"title"      json:"title"`
	Messages  []Message `db:"messages"   json:"messages"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasJob reports whether the transcript already holds messages produced by jobID.
func (c *Chatroom) HasJob(jobID uuid.UUID) bool {
	for _, m := range c.Messages {
		if m.JobID != nil && *m.JobID == jobID {
			return true
		}
	}
	return false
}

// ChatroomSummary is the listing view of a chatroom. This is what the
// per-user cache entry holds.
type ChatroomSummary struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	LastMessage  *string   `json:"last_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Chat is a single prompt/response exchange submitted without a chatroom.
type Chat struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	OwnerID     uuid.UUID `db:"owner_id"     json:"owner_id"`
	JobID       uuid.UUID `db:"job_id"       json:"job_id"`
	UserMessage string    `db:"user_message" json:"user_message"`
	AIResponse  string    `db:"ai_response"  json:"ai_response"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
