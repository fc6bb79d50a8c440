package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/chatrelay/internal/api/response"
	"github.com/kiranshivaraju/chatrelay/internal/chat"
)

type rateLimitDetails struct {
	Tier    string `json:"tier"`
	Limit   int    `json:"limit"`
	ResetAt string `json:"reset_at"`
}

type jobFailedDetails struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// writeServiceError maps chat service errors to API error responses.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	var rle *chat.RateLimitError
	var jfe *chat.JobFailedError

	switch {
	case errors.Is(err, chat.ErrValidation):
		msg := strings.TrimPrefix(err.Error(), chat.ErrValidation.Error()+": ")
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", msg, nil)
	case errors.Is(err, chat.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.As(err, &rle):
		retry := int(time.Until(rle.ResetAt).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
			"Message limit reached for your tier", rateLimitDetails{
				Tier:    string(rle.Tier),
				Limit:   rle.Limit,
				ResetAt: rle.ResetAt.UTC().Format(time.RFC3339),
			})
	case errors.As(err, &jfe):
		response.Error(w, http.StatusBadGateway, "JOB_FAILED",
			"The AI reply could not be generated", jobFailedDetails{
				JobID:  jfe.JobID.String(),
				Reason: jfe.Reason,
			})
	default:
		slog.Error(op+" failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
