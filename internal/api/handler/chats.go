package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/api/response"
	"github.com/kiranshivaraju/chatrelay/internal/store"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// ChatService lists and deletes standalone chats.
type ChatService interface {
	ListChats(ctx context.Context, user *models.User, page, limit int) ([]*models.Chat, int, store.ChatFilter, error)
	DeleteChat(ctx context.Context, user *models.User, chatID uuid.UUID) error
}

// NewListChatsHandler returns an http.HandlerFunc for GET /api/v1/chats.
func NewListChatsHandler(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}

		chats, total, filter, err := svc.ListChats(r.Context(), user, queryInt(r, "page"), queryInt(r, "limit"))
		if err != nil {
			writeServiceError(w, "list chats", err)
			return
		}

		response.Collection(w, chats, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewDeleteChatHandler returns an http.HandlerFunc for DELETE /api/v1/chats/{chatID}.
func NewDeleteChatHandler(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}
		chatID, ok := pathUUID(w, r, "chatID")
		if !ok {
			return
		}

		if err := svc.DeleteChat(r.Context(), user, chatID); err != nil {
			writeServiceError(w, "delete chat", err)
			return
		}
		response.NoContent(w)
	}
}
