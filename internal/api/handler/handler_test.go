package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/chatrelay/internal/api/middleware"
	"github.com/kiranshivaraju/chatrelay/internal/chat"
	"github.com/kiranshivaraju/chatrelay/internal/notify"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
	"github.com/kiranshivaraju/chatrelay/internal/ratelimit"
	"github.com/kiranshivaraju/chatrelay/internal/store"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock service ---

type mockService struct {
	submit      func(params chat.SubmitParams) (*queue.Job, error)
	jobStatus   func(jobID uuid.UUID) (notify.Outcome, error)
	createRoom  func(title string) (*models.Chatroom, error)
	listRooms   func() ([]models.ChatroomSummary, error)
	getRoom     func(roomID uuid.UUID) (*models.Chatroom, error)
	sendMessage func(roomID uuid.UUID, message string) (*chat.Reply, error)
	listChats   func(page, limit int) ([]*models.Chat, int, store.ChatFilter, error)
	deleteChat  func(chatID uuid.UUID) error
	me          func(user *models.User) (*chat.Account, error)
}

func (m *mockService) Submit(_ context.Context, _ *models.User, p chat.SubmitParams) (*queue.Job, error) {
	return m.submit(p)
}
func (m *mockService) JobStatus(_ context.Context, _ *models.User, id uuid.UUID) (notify.Outcome, error) {
	return m.jobStatus(id)
}
func (m *mockService) CreateRoom(_ context.Context, _ *models.User, title string) (*models.Chatroom, error) {
	return m.createRoom(title)
}
func (m *mockService) ListRooms(_ context.Context, _ *models.User) ([]models.ChatroomSummary, error) {
	return m.listRooms()
}
func (m *mockService) GetRoom(_ context.Context, _ *models.User, id uuid.UUID) (*models.Chatroom, error) {
	return m.getRoom(id)
}
func (m *mockService) SendMessage(_ context.Context, _ *models.User, id uuid.UUID, msg string) (*chat.Reply, error) {
	return m.sendMessage(id, msg)
}
func (m *mockService) ListChats(_ context.Context, _ *models.User, page, limit int) ([]*models.Chat, int, store.ChatFilter, error) {
	return m.listChats(page, limit)
}
func (m *mockService) DeleteChat(_ context.Context, _ *models.User, id uuid.UUID) error {
	return m.deleteChat(id)
}
func (m *mockService) Me(_ context.Context, u *models.User) (*chat.Account, error) {
	return m.me(u)
}

var (
	_ JobService     = (*mockService)(nil)
	_ RoomService    = (*mockService)(nil)
	_ ChatService    = (*mockService)(nil)
	_ AccountService = (*mockService)(nil)
)

// --- helpers ---

var testUser = &models.User{ID: uuid.New(), Email: "user@example.com", Tier: models.TierBasic}

func newReq(t *testing.T, method, path string, body any, params map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")

	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(mw.SetUser(ctx, testUser))
}

func serve(h http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Data
}

type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error
}

// --- submit job ---

func TestSubmitJob_Accepted(t *testing.T) {
	roomID := uuid.New()
	jobID := uuid.New()
	var got chat.SubmitParams
	svc := &mockService{submit: func(p chat.SubmitParams) (*queue.Job, error) {
		got = p
		return &queue.Job{ID: jobID, Kind: models.JobKindRoomReply, Status: queue.StatusPending}, nil
	}}

	w := serve(NewSubmitJobHandler(svc), newReq(t, http.MethodPost, "/api/v1/jobs",
		map[string]string{"message": "hello", "room_id": roomID.String()}, nil))

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "/api/v1/jobs/"+jobID.String(), w.Header().Get("Location"))
	data := dataOf(t, w)
	assert.Equal(t, jobID.String(), data["job_id"])
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, "chat.room_reply", data["kind"])
	require.NotNil(t, got.RoomID)
	assert.Equal(t, roomID, *got.RoomID)
	assert.Equal(t, "hello", got.Message)
}

func TestSubmitJob_StandaloneHasNoRoom(t *testing.T) {
	var got chat.SubmitParams
	svc := &mockService{submit: func(p chat.SubmitParams) (*queue.Job, error) {
		got = p
		return &queue.Job{ID: uuid.New(), Kind: models.JobKindSingle, Status: queue.StatusPending}, nil
	}}

	w := serve(NewSubmitJobHandler(svc), newReq(t, http.MethodPost, "/api/v1/jobs",
		map[string]string{"message": "hi"}, nil))

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Nil(t, got.RoomID)
}

func TestSubmitJob_RequestValidation(t *testing.T) {
	svc := &mockService{submit: func(chat.SubmitParams) (*queue.Job, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}}

	cases := []struct {
		name  string
		body  any
		field string
	}{
		{"missing message", map[string]string{}, "message"},
		{"bad room id", map[string]string{"message": "x", "room_id": "nope"}, "room_id"},
		{"malformed json", "{", ""},
		{"unknown field", map[string]string{"message": "x", "extra": "y"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(NewSubmitJobHandler(svc), newReq(t, http.MethodPost, "/api/v1/jobs", tc.body, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			e := errorOf(t, w)
			assert.Equal(t, "INVALID_REQUEST", e.Code)
			if tc.field != "" {
				assert.Equal(t, tc.field+" is invalid", e.Message)
			}
		})
	}
}

func TestSubmitJob_ServiceErrors(t *testing.T) {
	reset := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", fmt.Errorf("%w: message must be at most 4000 characters", chat.ErrValidation), http.StatusBadRequest, "INVALID_REQUEST"},
		{"not found", chat.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"rate limited", &chat.RateLimitError{Tier: models.TierBasic, Limit: 10, ResetAt: reset}, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{submit: func(chat.SubmitParams) (*queue.Job, error) { return nil, tc.err }}
			w := serve(NewSubmitJobHandler(svc), newReq(t, http.MethodPost, "/api/v1/jobs",
				map[string]string{"message": "hi"}, nil))
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, errorOf(t, w).Code)
		})
	}
}

func TestServiceError_ValidationMessageHasNoPrefix(t *testing.T) {
	svc := &mockService{submit: func(chat.SubmitParams) (*queue.Job, error) {
		return nil, fmt.Errorf("%w: message is required", chat.ErrValidation)
	}}
	w := serve(NewSubmitJobHandler(svc), newReq(t, http.MethodPost, "/api/v1/jobs",
		map[string]string{"message": "   "}, nil))

	assert.Equal(t, "message is required", errorOf(t, w).Message)
}

func TestServiceError_RateLimitDetails(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	svc := &mockService{submit: func(chat.SubmitParams) (*queue.Job, error) {
		return nil, fmt.Errorf("submit: %w", &chat.RateLimitError{Tier: models.TierPro, Limit: 50, ResetAt: reset})
	}}
	w := serve(NewSubmitJobHandler(svc), newReq(t, http.MethodPost, "/api/v1/jobs",
		map[string]string{"message": "hi"}, nil))

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	e := errorOf(t, w)
	assert.Equal(t, "pro", e.Details["tier"])
	assert.Equal(t, float64(50), e.Details["limit"])
	assert.Equal(t, reset.Format(time.RFC3339), e.Details["reset_at"])
}

// --- job status ---

func TestJobStatus(t *testing.T) {
	jobID := uuid.New()
	svc := &mockService{jobStatus: func(id uuid.UUID) (notify.Outcome, error) {
		if id != jobID {
			return notify.Outcome{}, chat.ErrNotFound
		}
		return notify.Outcome{
			JobID:    id,
			Status:   queue.StatusCompleted,
			Result:   &models.JobResult{AIResponse: "pong"},
			Attempts: 1,
		}, nil
	}}

	w := serve(NewJobStatusHandler(svc), newReq(t, http.MethodGet, "/", nil, map[string]string{"jobID": jobID.String()}))
	require.Equal(t, http.StatusOK, w.Code)
	data := dataOf(t, w)
	assert.Equal(t, "completed", data["status"])

	w = serve(NewJobStatusHandler(svc), newReq(t, http.MethodGet, "/", nil, map[string]string{"jobID": uuid.NewString()}))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(NewJobStatusHandler(svc), newReq(t, http.MethodGet, "/", nil, map[string]string{"jobID": "123"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- chatrooms ---

func TestCreateRoom(t *testing.T) {
	svc := &mockService{createRoom: func(title string) (*models.Chatroom, error) {
		return &models.Chatroom{ID: uuid.New(), OwnerID: testUser.ID, Title: title, Messages: []models.Message{}}, nil
	}}

	w := serve(NewCreateRoomHandler(svc), newReq(t, http.MethodPost, "/api/v1/chatrooms",
		map[string]string{"title": "Trip"}, nil))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Trip", dataOf(t, w)["title"])

	w = serve(NewCreateRoomHandler(svc), newReq(t, http.MethodPost, "/api/v1/chatrooms",
		map[string]string{}, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRooms(t *testing.T) {
	last := "hi"
	svc := &mockService{listRooms: func() ([]models.ChatroomSummary, error) {
		return []models.ChatroomSummary{{ID: uuid.New(), Title: "a", MessageCount: 2, LastMessage: &last}}, nil
	}}

	w := serve(NewListRoomsHandler(svc), newReq(t, http.MethodGet, "/api/v1/chatrooms", nil, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Data []models.ChatroomSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, 2, env.Data[0].MessageCount)
}

func TestGetRoom_NotFound(t *testing.T) {
	svc := &mockService{getRoom: func(uuid.UUID) (*models.Chatroom, error) { return nil, chat.ErrNotFound }}

	w := serve(NewGetRoomHandler(svc), newReq(t, http.MethodGet, "/", nil, map[string]string{"roomID": uuid.NewString()}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessage_Completed(t *testing.T) {
	roomID := uuid.New()
	jobID := uuid.New()
	svc := &mockService{sendMessage: func(id uuid.UUID, msg string) (*chat.Reply, error) {
		assert.Equal(t, roomID, id)
		assert.Equal(t, "hello", msg)
		return &chat.Reply{JobID: jobID, Status: queue.StatusCompleted, AIResponse: "hi there"}, nil
	}}

	w := serve(NewSendMessageHandler(svc), newReq(t, http.MethodPost, "/",
		map[string]string{"message": "hello"}, map[string]string{"roomID": roomID.String()}))

	require.Equal(t, http.StatusOK, w.Code)
	data := dataOf(t, w)
	assert.Equal(t, "hi there", data["ai_response"])
	assert.Equal(t, jobID.String(), data["job_id"])
}

func TestSendMessage_PendingIsAccepted(t *testing.T) {
	jobID := uuid.New()
	svc := &mockService{sendMessage: func(uuid.UUID, string) (*chat.Reply, error) {
		return &chat.Reply{JobID: jobID, Status: queue.StatusActive, Pending: true}, nil
	}}

	w := serve(NewSendMessageHandler(svc), newReq(t, http.MethodPost, "/",
		map[string]string{"message": "hello"}, map[string]string{"roomID": uuid.NewString()}))

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/v1/jobs/"+jobID.String(), w.Header().Get("Location"))
	data := dataOf(t, w)
	assert.Equal(t, "active", data["status"])
	_, hasReply := data["ai_response"]
	assert.False(t, hasReply)
}

func TestSendMessage_JobFailed(t *testing.T) {
	jobID := uuid.New()
	svc := &mockService{sendMessage: func(uuid.UUID, string) (*chat.Reply, error) {
		return nil, &chat.JobFailedError{JobID: jobID, Reason: "ai provider unavailable"}
	}}

	w := serve(NewSendMessageHandler(svc), newReq(t, http.MethodPost, "/",
		map[string]string{"message": "hello"}, map[string]string{"roomID": uuid.NewString()}))

	require.Equal(t, http.StatusBadGateway, w.Code)
	e := errorOf(t, w)
	assert.Equal(t, "JOB_FAILED", e.Code)
	assert.Equal(t, jobID.String(), e.Details["job_id"])
}

func TestSendMessage_BadRoomID(t *testing.T) {
	svc := &mockService{}
	w := serve(NewSendMessageHandler(svc), newReq(t, http.MethodPost, "/",
		map[string]string{"message": "hello"}, map[string]string{"roomID": "room"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- chats ---

func TestListChats_Pagination(t *testing.T) {
	var gotPage, gotLimit int
	svc := &mockService{listChats: func(page, limit int) ([]*models.Chat, int, store.ChatFilter, error) {
		gotPage, gotLimit = page, limit
		chats := []*models.Chat{{ID: uuid.New(), UserMessage: "q", AIResponse: "a"}}
		return chats, 5, store.ChatFilter{Page: 2, Limit: 2}, nil
	}}

	w := serve(NewListChatsHandler(svc), newReq(t, http.MethodGet, "/api/v1/chats?page=2&limit=2", nil, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, gotPage)
	assert.Equal(t, 2, gotLimit)

	var env struct {
		Data []map[string]any `json:"data"`
		Meta map[string]any   `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Len(t, env.Data, 1)
	assert.Equal(t, float64(5), env.Meta["total"])
	assert.Equal(t, true, env.Meta["has_next"])
}

func TestListChats_MalformedQueryIsZero(t *testing.T) {
	var gotPage int
	svc := &mockService{listChats: func(page, limit int) ([]*models.Chat, int, store.ChatFilter, error) {
		gotPage = page
		return []*models.Chat{}, 0, store.ChatFilter{Page: 1, Limit: 20}, nil
	}}

	w := serve(NewListChatsHandler(svc), newReq(t, http.MethodGet, "/api/v1/chats?page=abc", nil, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, gotPage)
}

func TestDeleteChat(t *testing.T) {
	existing := uuid.New()
	svc := &mockService{deleteChat: func(id uuid.UUID) error {
		if id == existing {
			return nil
		}
		return chat.ErrNotFound
	}}

	w := serve(NewDeleteChatHandler(svc), newReq(t, http.MethodDelete, "/", nil, map[string]string{"chatID": existing.String()}))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = serve(NewDeleteChatHandler(svc), newReq(t, http.MethodDelete, "/", nil, map[string]string{"chatID": uuid.NewString()}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- me ---

func TestMe(t *testing.T) {
	reset := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	svc := &mockService{me: func(u *models.User) (*chat.Account, error) {
		return &chat.Account{User: u, Usage: ratelimit.Decision{
			Allowed: true, Tier: u.Tier, Limit: 10, Count: 3, Remaining: 7, ResetAt: reset,
		}}, nil
	}}

	w := serve(NewMeHandler(svc), newReq(t, http.MethodGet, "/api/v1/me", nil, nil))
	require.Equal(t, http.StatusOK, w.Code)

	data := dataOf(t, w)
	assert.Equal(t, testUser.ID.String(), data["id"])
	assert.Equal(t, "basic", data["tier"])
	usage := data["usage"].(map[string]any)
	assert.Equal(t, float64(3), usage["used"])
	assert.Equal(t, float64(7), usage["remaining"])
	assert.Equal(t, "2026-01-02T00:00:00Z", usage["reset_at"])
}

func TestHandlers_RequireUser(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	w := serve(NewMeHandler(&mockService{}), r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errorOf(t, w).Code)
}
