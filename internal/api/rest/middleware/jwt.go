// Package middleware provides various middleware functionality.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modeldto"
)

type ctxKey struct{}

// Authenticator resolves an access token to a user identifier.
type Authenticator interface {
	GetUserID(accessToken string) (string, error)
}

// TokenHandler sets object structure.
type TokenHandler struct {
	auth Authenticator
}

// NewTokenHandler initializes a new token handler.
func NewTokenHandler(auth Authenticator) (*TokenHandler, error) {
	if auth == nil {
		return nil, errors.New("nil authenticator object was found")
	}
	return &TokenHandler{auth: auth}, nil
}

// TokenHandle validates the bearer token and stores the user identifier in the request context.
func (c *TokenHandler) TokenHandle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if header == "" || tokenString == header {
			unauthorized(w, "token authorization required")
			return
		}
		userID, err := c.auth.GetUserID(tokenString)
		if err != nil {
			unauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

// UserID returns the identifier stored by TokenHandle.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ctxKey{}).(string)
	return userID, ok && userID != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(modeldto.Error{Message: msg})
}
