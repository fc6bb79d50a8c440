package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/api/response"
	"github.com/kiranshivaraju/chatrelay/internal/chat"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// RoomService manages chatrooms and their messages.
type RoomService interface {
	CreateRoom(ctx context.Context, user *models.User, title string) (*models.Chatroom, error)
	ListRooms(ctx context.Context, user *models.User) ([]models.ChatroomSummary, error)
	GetRoom(ctx context.Context, user *models.User, roomID uuid.UUID) (*models.Chatroom, error)
	SendMessage(ctx context.Context, user *models.User, roomID uuid.UUID, message string) (*chat.Reply, error)
}

type createRoomRequest struct {
	Title string `json:"title" validate:"required"`
}

type sendMessageRequest struct {
	Message string `json:"message" validate:"required"`
}

// NewCreateRoomHandler returns an http.HandlerFunc for POST /api/v1/chatrooms.
func NewCreateRoomHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req createRoomRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		room, err := svc.CreateRoom(r.Context(), user, req.Title)
		if err != nil {
			writeServiceError(w, "create chatroom", err)
			return
		}
		response.Created(w, room)
	}
}

// NewListRoomsHandler returns an http.HandlerFunc for GET /api/v1/chatrooms.
func NewListRoomsHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}

		rooms, err := svc.ListRooms(r.Context(), user)
		if err != nil {
			writeServiceError(w, "list chatrooms", err)
			return
		}
		response.JSON(w, rooms)
	}
}

// NewGetRoomHandler returns an http.HandlerFunc for GET /api/v1/chatrooms/{roomID}.
func NewGetRoomHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}
		roomID, ok := pathUUID(w, r, "roomID")
		if !ok {
			return
		}

		room, err := svc.GetRoom(r.Context(), user, roomID)
		if err != nil {
			writeServiceError(w, "get chatroom", err)
			return
		}
		response.JSON(w, room)
	}
}

// NewSendMessageHandler returns an http.HandlerFunc for
// POST /api/v1/chatrooms/{roomID}/message. It blocks until the reply is ready
// and answers 202 with the job id when the wait times out.
func NewSendMessageHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}
		roomID, ok := pathUUID(w, r, "roomID")
		if !ok {
			return
		}

		var req sendMessageRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		reply, err := svc.SendMessage(r.Context(), user, roomID, req.Message)
		if err != nil {
			writeServiceError(w, "send message", err)
			return
		}

		if reply.Pending {
			w.Header().Set("Location", "/api/v1/jobs/"+reply.JobID.String())
			response.Accepted(w, reply)
			return
		}
		response.JSON(w, reply)
	}
}
