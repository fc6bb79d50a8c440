package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, tier, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Tier, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, tier, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, string(user.Tier), user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// --- Chatrooms ---

func (s *PostgresStore) CreateRoom(ctx context.Context, room *models.Chatroom) error {
	msgs, err := encodeMessages(room.Messages)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chatrooms (id, owner_id, title, messages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, room.OwnerID, room.Title, msgs, room.CreatedAt, room.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create chatroom: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Chatroom, error) {
	return findRoom(ctx, s.pool, id)
}

func (s *PostgresStore) ListRooms(ctx context.Context, ownerID uuid.UUID) ([]models.ChatroomSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, jsonb_array_length(messages), messages->-1->>'text', created_at, updated_at
		 FROM chatrooms WHERE owner_id = $1 ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list chatrooms: %w", err)
	}
	defer rows.Close()

	rooms := []models.ChatroomSummary{}
	for rows.Next() {
		var r models.ChatroomSummary
		if err := rows.Scan(&r.ID, &r.Title, &r.MessageCount, &r.LastMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chatroom: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *PostgresStore) WithRoomLock(ctx context.Context, roomID uuid.UUID, fn func(ctx context.Context, tx Transcript) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM chatrooms WHERE id = $1 FOR UPDATE`, roomID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock chatroom: %w", err)
		}
		return fn(ctx, &txTranscript{tx: tx})
	})
}

// txTranscript is a Transcript bound to a transaction that holds the room lock.
type txTranscript struct {
	tx pgx.Tx
}

func (t *txTranscript) FindByID(ctx context.Context, roomID uuid.UUID) (*models.Chatroom, error) {
	return findRoom(ctx, t.tx, roomID)
}

func (t *txTranscript) UpdateMessages(ctx context.Context, roomID uuid.UUID, messages []models.Message) error {
	msgs, err := encodeMessages(messages)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE chatrooms SET messages = $2, updated_at = $3 WHERE id = $1`,
		roomID, msgs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update chatroom messages: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findRoom(ctx context.Context, q querier, id uuid.UUID) (*models.Chatroom, error) {
	var (
		r   models.Chatroom
		raw []byte
	)
	err := q.QueryRow(ctx,
		`SELECT id, owner_id, title, messages, created_at, updated_at FROM chatrooms WHERE id = $1`, id,
	).Scan(&r.ID, &r.OwnerID, &r.Title, &raw, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chatroom: %w", err)
	}
	if err := json.Unmarshal(raw, &r.Messages); err != nil {
		return nil, fmt.Errorf("decode chatroom messages: %w", err)
	}
	if r.Messages == nil {
		r.Messages = []models.Message{}
	}
	return &r, nil
}

func encodeMessages(messages []models.Message) ([]byte, error) {
	if messages == nil {
		messages = []models.Message{}
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode chatroom messages: %w", err)
	}
	return b, nil
}

// --- Chats ---

func (s *PostgresStore) CreateChat(ctx context.Context, chat *models.Chat) (*models.Chat, error) {
	var c models.Chat
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chats (id, owner_id, job_id, user_message, ai_response, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (job_id) DO UPDATE SET job_id = EXCLUDED.job_id
		 RETURNING id, owner_id, job_id, user_message, ai_response, created_at`,
		chat.ID, chat.OwnerID, chat.JobID, chat.UserMessage, chat.AIResponse, chat.CreatedAt,
	).Scan(&c.ID, &c.OwnerID, &c.JobID, &c.UserMessage, &c.AIResponse, &c.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListChats(ctx context.Context, filter ChatFilter) ([]*models.Chat, int, error) {
	filter = filter.Normalize()

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chats WHERE owner_id = $1`, filter.OwnerID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count chats: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, job_id, user_message, ai_response, created_at
		 FROM chats WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		filter.OwnerID, filter.Limit, (filter.Page-1)*filter.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []*models.Chat{}
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.JobID, &c.UserMessage, &c.AIResponse, &c.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, &c)
	}
	return chats, total, rows.Err()
}

func (s *PostgresStore) DeleteChat(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
