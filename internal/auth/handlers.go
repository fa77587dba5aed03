package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/campusgate/attendance-portal/internal/identity"
	"github.com/campusgate/attendance-portal/internal/middleware"
	"github.com/campusgate/attendance-portal/internal/roles"
	"github.com/campusgate/attendance-portal/internal/utils"
)

// Handlers serves the backend over HTTP.
type Handlers struct {
	svc          *Service
	logger       *zap.Logger
	secureCookie bool
}

func NewHandlers(svc *Service, secureCookie bool) *Handlers {
	return &Handlers{svc: svc, logger: svc.logger, secureCookie: secureCookie}
}

func (h *Handlers) sessionCookie(value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
	if value == "" {
		c.MaxAge = -1
	} else {
		c.Expires = expires
	}
	return c
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}
	if req.Email == "" || req.Password == "" {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	creds, err := h.svc.SignIn(r.Context(), req.Email, req.Password)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		utils.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid Credentials")
		return
	}
	if err != nil {
		h.logger.Error("sign in failed", zap.Error(err))
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	http.SetCookie(w, h.sessionCookie(creds.Token, creds.ExpiresAt))
	utils.WriteJSON(w, http.StatusOK, loginResponse{
		UserID:    creds.IdentityID,
		Email:     normalizeEmail(req.Email),
		Token:     creds.Token,
		ExpiresAt: creds.ExpiresAt,
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := utils.GetSessionIDFromContext(r.Context())
	if err := h.svc.endSession(r.Context(), sessionID); err != nil {
		h.logger.Error("sign out failed", zap.Error(err))
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	http.SetCookie(w, h.sessionCookie("", time.Time{}))
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.GetUserIDFromContext(r.Context())
	if !ok {
		utils.WriteError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	p, err := h.svc.GetProfile(r.Context(), userID)
	if errors.Is(err, identity.ErrProfileNotFound) {
		utils.WriteError(w, http.StatusNotFound, "profile_not_found", "Couldn't find user")
		return
	}
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	utils.WriteJSON(w, http.StatusOK, p)
}

// actorFor loads the caller and the target profile. ok is false when a
// response has already been written.
func (h *Handlers) actorFor(w http.ResponseWriter, r *http.Request) (actor, target identity.Profile, ok bool) {
	userID, _ := utils.GetUserIDFromContext(r.Context())
	actor, err := h.svc.GetProfile(r.Context(), userID)
	if err != nil {
		utils.WriteError(w, http.StatusUnauthorized, "unauthorized", "")
		return actor, target, false
	}

	target, err = h.svc.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, identity.ErrProfileNotFound) {
		utils.WriteError(w, http.StatusNotFound, "profile_not_found", "")
		return actor, target, false
	}
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return actor, target, false
	}
	return actor, target, true
}

func canView(actor, target identity.Profile) bool {
	if actor.IdentityID == target.IdentityID {
		return true
	}
	switch actor.Role {
	case roles.Admin, roles.HOD, roles.ProgramCoordinator:
		return actor.CollegeID == target.CollegeID
	}
	return false
}

// canPatch reports whether actor may apply patch to target. Users edit their
// own display name and departments; face flags are only reset by an admin of
// the same college.
func canPatch(actor, target identity.Profile, patch identity.ProfilePatch) bool {
	if actor.Role == roles.Admin && actor.CollegeID == target.CollegeID {
		return true
	}
	if actor.IdentityID != target.IdentityID {
		return false
	}
	return patch.FaceEnrolled == nil && patch.FaceVerified == nil
}

func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	actor, target, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	if !canView(actor, target) {
		utils.WriteError(w, http.StatusForbidden, "forbidden", "")
		return
	}
	utils.WriteJSON(w, http.StatusOK, target)
}

func (h *Handlers) PatchProfile(w http.ResponseWriter, r *http.Request) {
	var patch identity.ProfilePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}

	actor, target, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	if !canPatch(actor, target, patch) {
		utils.WriteError(w, http.StatusForbidden, "forbidden", "")
		return
	}

	updated, err := h.svc.UpdateProfile(r.Context(), target.IdentityID, patch)
	if err != nil {
		h.logger.Error("profile update failed", zap.String("user_id", target.IdentityID), zap.Error(err))
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	utils.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req NewUser
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}

	userID, _ := utils.GetUserIDFromContext(r.Context())
	actor, err := h.svc.GetProfile(r.Context(), userID)
	if err != nil {
		utils.WriteError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	created, err := h.svc.CreateUser(r.Context(), actor, req)
	switch {
	case errors.Is(err, ErrForbidden):
		utils.WriteError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrInvalidUser):
		utils.WriteError(w, http.StatusBadRequest, "invalid_user", err.Error())
	case errors.Is(err, ErrEmailTaken):
		utils.WriteError(w, http.StatusConflict, "email_taken", err.Error())
	case err != nil:
		h.logger.Error("provisioning failed", zap.Error(err))
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "")
	default:
		utils.WriteJSON(w, http.StatusCreated, created)
	}
}
