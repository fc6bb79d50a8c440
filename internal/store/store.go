package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	CreateRoom(ctx context.Context, room *models.Chatroom) error
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Chatroom, error)
	ListRooms(ctx context.Context, ownerID uuid.UUID) ([]models.ChatroomSummary, error)
	// WithRoomLock runs fn while holding an exclusive lock on the room. Every
	// read-modify-write of a transcript must go through here.
	WithRoomLock(ctx context.Context, roomID uuid.UUID, fn func(ctx context.Context, tx Transcript) error) error

	// CreateChat inserts a standalone exchange. A second insert for the same
	// job returns the existing row instead of failing.
	CreateChat(ctx context.Context, chat *models.Chat) (*models.Chat, error)
	ListChats(ctx context.Context, filter ChatFilter) ([]*models.Chat, int, error)
	DeleteChat(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

// Transcript is the room persistence contract used under WithRoomLock.
// UpdateMessages replaces the full message list.
type Transcript interface {
	FindByID(ctx context.Context, roomID uuid.UUID) (*models.Chatroom, error)
	UpdateMessages(ctx context.Context, roomID uuid.UUID, messages []models.Message) error
}

type ChatFilter struct {
	OwnerID uuid.UUID
	Page    int
	Limit   int
}

// Normalize clamps paging values to the supported range.
func (f ChatFilter) Normalize() ChatFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return f
}
