package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type AuthManager struct {
	db  *Database
	ttl time.Duration
}

type AuthResult struct {
	User      *User
	SessionID string
}

func NewAuthManager(db *Database, ttl time.Duration) *AuthManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthManager{db: db, ttl: ttl}
}

// Authenticate validates a login attempt, by session token or by password.
//
// A supplied token must be accompanied by the claimed username; the token
// alone never authenticates. A token known to the store commits the attempt
// to the session flow: expired or username-mismatched tokens fail without
// falling back to the password path. Unknown tokens fall through to the
// password flow. Both flows require the user to be approved.
func (am *AuthManager) Authenticate(username, password, sessionID string) (*AuthResult, error) {
	if sessionID != "" {
		if username == "" {
			return nil, fmt.Errorf("session token without username: %w", ErrBadRequest)
		}

		token, err := am.db.GetSessionToken(sessionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if token != nil {
			return am.authenticateByToken(username, token)
		}
		// Unknown token: fall through to the password flow.
	}

	return am.authenticateByPassword(username, password)
}

func (am *AuthManager) authenticateByToken(username string, token *SessionToken) (*AuthResult, error) {
	if time.Now().UTC().After(token.ExpiresAt) {
		return nil, fmt.Errorf("session expired at %v: %w", token.ExpiresAt, ErrUnauthorized)
	}

	owner, err := am.db.GetUserByID(token.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("session owner missing: %w", ErrUnauthorized)
		}
		return nil, err
	}

	// Case-sensitive: the token is bound to exactly one username.
	if owner.Username != username {
		return nil, fmt.Errorf("session not bound to %q: %w", username, ErrUnauthorized)
	}
	if !owner.Approved {
		return nil, fmt.Errorf("user %q not approved: %w", username, ErrUnauthorized)
	}

	sid, err := am.db.EnsureSession(owner.ID, am.ttl)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: owner, SessionID: sid}, nil
}

func (am *AuthManager) authenticateByPassword(username, password string) (*AuthResult, error) {
	user, err := am.db.GetUser(username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("authenticate %q: %w", username, ErrUnauthorized)
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("authenticate %q: %w", username, ErrUnauthorized)
	}
	if !user.Approved {
		return nil, fmt.Errorf("user %q not approved: %w", username, ErrUnauthorized)
	}

	sid, err := am.db.EnsureSession(user.ID, am.ttl)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user, SessionID: sid}, nil
}

// ValidateToken resolves a bare session token to its owner, for the HTTP
// API where the token arrives in the Authorization header.
func (am *AuthManager) ValidateToken(sessionID string) (*User, error) {
	token, err := am.db.GetSessionToken(sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("invalid session: %w", ErrUnauthorized)
		}
		return nil, err
	}
	if time.Now().UTC().After(token.ExpiresAt) {
		return nil, fmt.Errorf("session expired: %w", ErrUnauthorized)
	}
	return am.db.GetUserByID(token.UserID)
}

func (am *AuthManager) ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (am *AuthManager) RequireAuth(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := am.ExtractToken(r)
		if token == "" {
			respondError(w, "Missing authorization token", http.StatusUnauthorized)
			return
		}

		user, err := am.ValidateToken(token)
		if err != nil {
			respondError(w, "Invalid or expired session", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(contextWithUser(r.Context(), user))
		next(w, r)
	}
}

// Context helpers
type contextKey string

const userKey contextKey = "user"

func contextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func userFromContext(ctx context.Context) *User {
	if user, ok := ctx.Value(userKey).(*User); ok {
		return user
	}
	return nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
