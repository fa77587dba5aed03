package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/campusgate/attendance-portal/internal/identity"
	"github.com/campusgate/attendance-portal/internal/roles"
	"github.com/campusgate/attendance-portal/internal/utils"
)

// SessionCookie carries the credential token for clients that do not send an
// Authorization header.
const SessionCookie = "session_token"

type SessionFetcher interface {
	FindSessionByToken(token string) (utils.SessionData, error)
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func SessionMiddleware(fetcher SessionFetcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				http.Error(w, "Couldn't find session token", http.StatusUnauthorized)
				return
			}

			session, err := fetcher.FindSessionByToken(token)
			if err != nil {
				http.Error(w, "Couldn't find session", http.StatusUnauthorized)
				return
			}

			if session.ExpiresAt.Before(time.Now()) {
				http.Error(w, "Session expired", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), utils.ContextUserIDKey, session.UserID)
			ctx = context.WithValue(ctx, utils.ContextSessionKey, session.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORSMiddleware echoes allowed origins back with credentials enabled.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods",
					"GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers",
					"Content-Type, Authorization")
			}

			w.Header().Set("Access-Control-Expose-Headers", "Location, Retry-After, X-Gate-State")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ProfileLookup interface {
	GetProfile(ctx context.Context, identityID string) (identity.Profile, error)
}

// RequireRole admits only users whose stored role is one of allowed. It must
// run after SessionMiddleware.
func RequireRole(lookup ProfileLookup, allowed ...roles.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := utils.GetUserIDFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized: missing user ID in context", http.StatusUnauthorized)
				return
			}

			profile, err := lookup.GetProfile(r.Context(), userID)
			if errors.Is(err, identity.ErrProfileNotFound) {
				http.Error(w, "Unauthorized: user not found", http.StatusUnauthorized)
				return
			}
			if err != nil {
				http.Error(w, "Failed to load user", http.StatusInternalServerError)
				return
			}

			for _, role := range allowed {
				if profile.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden: insufficient role", http.StatusForbidden)
		})
	}
}
