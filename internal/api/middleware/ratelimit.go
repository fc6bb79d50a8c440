package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/api/response"
	"github.com/kiranshivaraju/chatrelay/internal/ratelimit"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// Admitter counts one request against an owner's window.
type Admitter interface {
	Admit(ctx context.Context, ownerID uuid.UUID, tier models.Tier) (ratelimit.Decision, error)
}

// RateLimit throttles authenticated requests per user. It protects the API as
// a whole and is separate from the per-tier chat quota.
type RateLimit struct {
	limiter Admitter
}

func NewRateLimit(limiter Admitter) *RateLimit {
	return &RateLimit{limiter: limiter}
}

// Limit applies rate limiting based on the user set by auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := GetUser(r)
		if !ok {
			// No user means auth middleware didn't run; pass through
			next.ServeHTTP(w, r)
			return
		}

		d, err := rl.limiter.Admit(r.Context(), user.ID, user.Tier)
		if err != nil {
			// On Redis error, allow the request (fail open)
			slog.Warn("api rate limit check failed", "user_id", user.ID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retry := int(d.RetryAfter(time.Now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
