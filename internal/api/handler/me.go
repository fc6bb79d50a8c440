package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/api/response"
	"github.com/kiranshivaraju/chatrelay/internal/chat"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

type AccountService interface {
	Me(ctx context.Context, user *models.User) (*chat.Account, error)
}

type meResponse struct {
	ID    uuid.UUID   `json:"id"`
	Email string      `json:"email"`
	Tier  models.Tier `json:"tier"`
	Usage usage       `json:"usage"`
}

type usage struct {
	Limit     int    `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at"`
}

// NewMeHandler returns an http.HandlerFunc for GET /api/v1/me.
func NewMeHandler(svc AccountService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}

		acct, err := svc.Me(r.Context(), user)
		if err != nil {
			writeServiceError(w, "get account", err)
			return
		}

		response.JSON(w, meResponse{
			ID:    acct.User.ID,
			Email: acct.User.Email,
			Tier:  acct.User.Tier,
			Usage: usage{
				Limit:     acct.Usage.Limit,
				Used:      acct.Usage.Count,
				Remaining: acct.Usage.Remaining,
				ResetAt:   acct.Usage.ResetAt.UTC().Format(time.RFC3339),
			},
		})
	}
}
