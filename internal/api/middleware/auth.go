package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/api/response"
	"github.com/kiranshivaraju/chatrelay/internal/store"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// UserReader loads the account behind a verified token.
type UserReader interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Auth verifies HS256 bearer tokens issued by the account service. The token
// subject is the user id.
type Auth struct {
	users  UserReader
	secret []byte
	issuer string
}

// NewAuth creates a new Auth middleware. An empty issuer skips the iss check.
func NewAuth(users UserReader, secret, issuer string) *Auth {
	return &Auth{users: users, secret: []byte(secret), issuer: issuer}
}

// Authenticate validates the Bearer token, loads the user and sets it in the
// request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		userID, err := a.verify(raw)
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "Token has expired"
			}
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", msg, nil)
			return
		}

		user, err := a.users.GetUser(r.Context(), userID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Unknown user", nil)
			return
		}
		if err != nil {
			slog.Error("load authenticated user", "user_id", userID, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate token", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetUser(r.Context(), user)))
	})
}

func (a *Auth) verify(raw string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(claims.Subject)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
