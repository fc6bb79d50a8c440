package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/chatrelay/internal/store"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chatrelay_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func createUser(t *testing.T, s store.Store, tier models.Tier) *models.User {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	u := &models.User{
		ID:        uuid.New(),
		Email:     uuid.NewString() + "@example.com",
		Tier:      tier,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func createRoom(t *testing.T, s store.Store, ownerID uuid.UUID, title string) *models.Chatroom {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	room := &models.Chatroom{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateRoom(context.Background(), room))
	return room
}

func TestMigrations_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)

	// A second run with nothing pending must not fail.
	require.NoError(t, store.RunMigrations(pool.Config().ConnString(), migrationsDir()))
}

// --- User Tests ---

func TestUser_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	u := createUser(t, s, models.TierPro)

	got, err := s.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, models.TierPro, got.Tier)
}

func TestUser_DuplicateEmail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	u := createUser(t, s, models.TierBasic)
	dup := *u
	dup.ID = uuid.New()

	err := s.CreateUser(context.Background(), &dup)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestUser_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetUser(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Chatroom Tests ---

func TestRoom_CreateGetList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	u := createUser(t, s, models.TierBasic)
	room := createRoom(t, s, u.ID, "Trip planning")

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", got.Title)
	assert.Equal(t, u.ID, got.OwnerID)
	assert.Empty(t, got.Messages)

	rooms, err := s.ListRooms(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, 0, rooms[0].MessageCount)
	assert.Nil(t, rooms[0].LastMessage)
}

func TestRoom_ListEmptyForOtherOwner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	u := createUser(t, s, models.TierBasic)
	createRoom(t, s, u.ID, "mine")

	rooms, err := s.ListRooms(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestRoom_UpdateMessagesUnderLock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	u := createUser(t, s, models.TierBasic)
	room := createRoom(t, s, u.ID, "lock")
	jobID := uuid.New()

	err := s.WithRoomLock(ctx, room.ID, func(ctx context.Context, tx store.Transcript) error {
		current, err := tx.FindByID(ctx, room.ID)
		if err != nil {
			return err
		}
		msgs := append(current.Messages,
			models.Message{ID: "01", JobID: &jobID, Role: models.RoleUser, Text: "hello", Timestamp: time.Now().UTC()},
			models.Message{ID: "02", JobID: &jobID, Role: models.RoleAI, Text: "hi there", Timestamp: time.Now().UTC()},
		)
		return tx.UpdateMessages(ctx, room.ID, msgs)
	})
	require.NoError(t, err)

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.True(t, got.HasJob(jobID))

	rooms, err := s.ListRooms(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, 2, rooms[0].MessageCount)
	require.NotNil(t, rooms[0].LastMessage)
	assert.Equal(t, "hi there", *rooms[0].LastMessage)
}

func TestRoom_LockMissingRoom(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	called := false
	err := s.WithRoomLock(context.Background(), uuid.New(), func(ctx context.Context, tx store.Transcript) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, called)
}

func TestRoom_ConcurrentAppendsAreSerialized(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	u := createUser(t, s, models.TierPro)
	room := createRoom(t, s, u.ID, "busy")

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.WithRoomLock(ctx, room.ID, func(ctx context.Context, tx store.Transcript) error {
				current, err := tx.FindByID(ctx, room.ID)
				if err != nil {
					return err
				}
				msg := models.Message{ID: fmt.Sprintf("%02d", i), Role: models.RoleUser, Text: fmt.Sprintf("m%d", i)}
				return tx.UpdateMessages(ctx, room.ID, append(current.Messages, msg))
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, writers)
}

// --- Chat Tests ---

func TestChat_CreateIsIdempotentPerJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	u := createUser(t, s, models.TierBasic)
	jobID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first, err := s.CreateChat(ctx, &models.Chat{
		ID: uuid.New(), OwnerID: u.ID, JobID: jobID,
		UserMessage: "ping", AIResponse: "pong", CreatedAt: now,
	})
	require.NoError(t, err)

	second, err := s.CreateChat(ctx, &models.Chat{
		ID: uuid.New(), OwnerID: u.ID, JobID: jobID,
		UserMessage: "ping", AIResponse: "a different answer", CreatedAt: now,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "pong", second.AIResponse)

	_, total, err := s.ListChats(ctx, store.ChatFilter{OwnerID: u.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestChat_ListPaginationAndDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	u := createUser(t, s, models.TierBasic)
	base := time.Now().UTC().Truncate(time.Microsecond)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		c, err := s.CreateChat(ctx, &models.Chat{
			ID: uuid.New(), OwnerID: u.ID, JobID: uuid.New(),
			UserMessage: fmt.Sprintf("q%d", i), AIResponse: "a", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	page, total, err := s.ListChats(ctx, store.ChatFilter{OwnerID: u.ID, Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "q2", page[0].UserMessage)

	require.NoError(t, s.DeleteChat(ctx, ids[0], u.ID))
	assert.ErrorIs(t, s.DeleteChat(ctx, ids[0], u.ID), store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteChat(ctx, ids[1], uuid.New()), store.ErrNotFound)
}

func TestChatFilter_Normalize(t *testing.T) {
	f := store.ChatFilter{}.Normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 20, f.Limit)

	f = store.ChatFilter{Page: 3, Limit: 500}.Normalize()
	assert.Equal(t, 3, f.Page)
	assert.Equal(t, 100, f.Limit)
}
