package utils

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	ContextUserIDKey   contextKey = "userID"
	ContextSessionKey  contextKey = "sessionID"
	ContextClientIDKey contextKey = "clientID"
)

// SessionData is what the session middleware needs to know about a session.
type SessionData struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

func GenerateUUID() string {
	return uuid.NewString()
}

func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID := ctx.Value(ContextUserIDKey)
	userIDStr, ok := userID.(string)
	return userIDStr, ok
}

func GetSessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextSessionKey).(string)
	return id, ok
}

func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ContextClientIDKey, clientID)
}

func GetClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextClientIDKey).(string)
	return id, ok && id != ""
}
