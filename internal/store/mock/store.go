package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/store"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// MemoryStore satisfies store.Store in memory. WithRoomLock holds a mutex per
// room, so transcript appends are serialized the same way the Postgres row
// lock serializes them.
type MemoryStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]models.User
	rooms map[uuid.UUID]*models.Chatroom
	chats map[uuid.UUID]models.Chat
	locks map[uuid.UUID]*sync.Mutex

	// UpdateErr, when set, is returned by every UpdateMessages.
	UpdateErr error
	// CreateChatErr, when set, is returned by every CreateChat.
	CreateChatErr error
}

var _ store.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: map[uuid.UUID]models.User{},
		rooms: map[uuid.UUID]*models.Chatroom{},
		chats: map[uuid.UUID]models.Chat{},
		locks: map[uuid.UUID]*sync.Mutex{},
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == user.ID || u.Email == user.Email {
			return store.ErrDuplicateKey
		}
	}
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, room *models.Chatroom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id uuid.UUID) (*models.Chatroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRoom(r), nil
}

func (s *MemoryStore) ListRooms(_ context.Context, ownerID uuid.UUID) ([]models.ChatroomSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.ChatroomSummary{}
	for _, r := range s.rooms {
		if r.OwnerID != ownerID {
			continue
		}
		sum := models.ChatroomSummary{
			ID:           r.ID,
			Title:        r.Title,
			MessageCount: len(r.Messages),
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		}
		if n := len(r.Messages); n > 0 {
			last := r.Messages[n-1].Text
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) WithRoomLock(ctx context.Context, roomID uuid.UUID, fn func(ctx context.Context, tx store.Transcript) error) error {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	lock, ok := s.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[roomID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx, &memTranscript{s: s})
}

// SetMessages replaces a transcript without taking the room lock or touching
// any cache. Tests use it to simulate writes from outside the service.
func (s *MemoryStore) SetMessages(roomID uuid.UUID, messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.Messages = append([]models.Message(nil), messages...)
		r.UpdatedAt = time.Now().UTC()
	}
}

type memTranscript struct {
	s *MemoryStore
}

func (t *memTranscript) FindByID(ctx context.Context, roomID uuid.UUID) (*models.Chatroom, error) {
	return t.s.GetRoom(ctx, roomID)
}

func (t *memTranscript) UpdateMessages(_ context.Context, roomID uuid.UUID, messages []models.Message) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.UpdateErr != nil {
		return t.s.UpdateErr
	}
	r, ok := t.s.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	r.Messages = append([]models.Message(nil), messages...)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateChat(_ context.Context, chat *models.Chat) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateChatErr != nil {
		return nil, s.CreateChatErr
	}
	for _, c := range s.chats {
		if c.JobID == chat.JobID {
			return &c, nil
		}
	}
	s.chats[chat.ID] = *chat
	c := *chat
	return &c, nil
}

func (s *MemoryStore) ListChats(_ context.Context, filter store.ChatFilter) ([]*models.Chat, int, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.Chat
	for _, c := range s.chats {
		if c.OwnerID == filter.OwnerID {
			c := c
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := (filter.Page - 1) * filter.Limit
	if start > len(all) {
		start = len(all)
	}
	end := start + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	page := append([]*models.Chat{}, all[start:end]...)
	return page, len(all), nil
}

func (s *MemoryStore) DeleteChat(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok || c.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(s.chats, id)
	return nil
}

func cloneRoom(r *models.Chatroom) *models.Chatroom {
	cp := *r
	cp.Messages = append([]models.Message{}, r.Messages...)
	return &cp
}
