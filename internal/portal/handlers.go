package portal

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/campusgate/attendance-portal/internal/camera"
	"github.com/campusgate/attendance-portal/internal/guard"
	"github.com/campusgate/attendance-portal/internal/profile"
	"github.com/campusgate/attendance-portal/internal/roles"
	"github.com/campusgate/attendance-portal/internal/session"
	"github.com/campusgate/attendance-portal/internal/utils"
	"github.com/campusgate/attendance-portal/internal/verification"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Landing string      `json:"landing"`
	Session sessionView `json:"session"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}
	if req.Email == "" || req.Password == "" {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}
	declared, ok := roles.Parse(req.Role)
	if !ok {
		utils.WriteError(w, http.StatusBadRequest, "invalid_role", "role must be one of the portal roles")
		return
	}

	c := s.client(r)
	c.CloseFlows()
	// Recovery of an older session must not race the new login.
	s.settled(r, c)

	snap, err := c.Store.Login(r.Context(), req.Email, req.Password, declared)
	var authErr *session.AuthenticationError
	switch {
	case errors.As(err, &authErr):
		s.metrics.Logins.WithLabelValues(authErr.Reason).Inc()
		utils.WriteError(w, http.StatusUnauthorized, "authentication_error", authErr.Error())
	case errors.Is(err, session.ErrLoginSuperseded):
		s.metrics.Logins.WithLabelValues("superseded").Inc()
		utils.WriteError(w, http.StatusConflict, "login_superseded", "You were signed out while signing in, please retry.")
	case errors.Is(err, profile.ErrProfileNotFound):
		s.metrics.Logins.WithLabelValues("profile_not_found").Inc()
		utils.WriteError(w, http.StatusForbidden, "profile_not_found", session.NoticeContactAdmin)
	case err != nil:
		s.metrics.Logins.WithLabelValues("unavailable").Inc()
		s.logger.Warn("login failed", zap.String("client_id", c.ID), zap.Error(err))
		utils.WriteError(w, http.StatusServiceUnavailable, "backend_unavailable", "Sign-in is temporarily unavailable, please retry.")
	default:
		s.metrics.Logins.WithLabelValues("success").Inc()
		utils.WriteJSON(w, http.StatusOK, loginResponse{
			Landing: roles.DefaultLandingRoute(snap.Role()),
			Session: viewOf(snap),
		})
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	c := s.client(r)
	c.CloseFlows()
	if s.hub != nil {
		s.hub.Release(c.ID)
	}
	c.Store.Logout(r.Context())
	utils.WriteJSON(w, http.StatusOK, map[string]string{"redirect": roles.LoginPath})
}

// guardFlow evaluates the page owning a flow. It writes the guard's answer
// and returns false unless the caller may use the page.
func (s *Server) guardFlow(w http.ResponseWriter, r *http.Request, d guard.RouteDescriptor) (*Client, session.Snapshot, bool) {
	c := s.client(r)
	snap := s.settled(r, c)
	dec := s.guard.Evaluate(snap, d, d.Path)
	s.metrics.decision(dec)
	if dec.Outcome != guard.OutcomeAllow {
		s.writeDecision(w, dec, d, snap)
		return c, snap, false
	}
	return c, snap, true
}

func (s *Server) handleFlowStart(d guard.RouteDescriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, _, ok := s.guardFlow(w, r, d)
		if !ok {
			return
		}
		c.LeavePagesExcept(d.Path)

		err := c.Flow(d.Path).Start(r.Context())
		switch {
		case errors.Is(err, verification.ErrPermissionDenied):
			utils.WriteError(w, http.StatusForbidden, "camera_permission_denied",
				"Camera access is blocked. Allow the camera for this site and try again.")
		case errors.Is(err, camera.ErrDeviceBusy):
			utils.WriteError(w, http.StatusConflict, "camera_busy", "The camera is in use by another page.")
		case err != nil:
			s.logger.Warn("camera start failed", zap.String("client_id", c.ID), zap.Error(err))
			utils.WriteError(w, http.StatusServiceUnavailable, "camera_unavailable", "")
		default:
			utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "capturing"})
		}
	}
}

type submitResponse struct {
	Outcome  verification.Outcome `json:"outcome"`
	Redirect string               `json:"redirect"`
}

func (s *Server) handleFlowSubmit(d guard.RouteDescriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, snap, ok := s.guardFlow(w, r, d)
		if !ok {
			return
		}
		flow := c.Flow(d.Path)

		out, err := flow.Submit(r.Context())
		result := "success"
		switch {
		case errors.Is(err, verification.ErrNotStarted):
			result = "not_started"
			utils.WriteError(w, http.StatusConflict, "capture_not_started", "Start the camera first.")
		case errors.Is(err, verification.ErrVerificationRejected):
			result = "rejected"
			utils.WriteError(w, http.StatusUnprocessableEntity, "verification_rejected",
				"Face not recognised. Hold still in good light and try again.")
		case errors.Is(err, verification.ErrCameraLost):
			result = "camera_lost"
			utils.WriteError(w, http.StatusConflict, "camera_lost", "The camera reconnected. Start it again.")
		case errors.Is(err, verification.ErrSuperseded), errors.Is(err, session.ErrNoSession):
			result = "superseded"
			utils.WriteError(w, http.StatusConflict, "capture_superseded", "")
		case errors.Is(err, verification.ErrPermissionDenied):
			result = "permission_denied"
			utils.WriteError(w, http.StatusForbidden, "camera_permission_denied", "")
		case err != nil:
			result = "error"
			s.logger.Warn("face submission failed", zap.String("client_id", c.ID), zap.Error(err))
			utils.WriteError(w, http.StatusBadGateway, "face_service_unavailable", "Verification service unavailable, please retry.")
		default:
			utils.WriteJSON(w, http.StatusOK, submitResponse{
				Outcome:  out,
				Redirect: roles.DefaultLandingRoute(snap.Role()),
			})
		}
		s.metrics.Captures.WithLabelValues(string(flow.Mode()), string(snap.Role()), result).Inc()
	}
}

func (s *Server) handleFlowCancel(d guard.RouteDescriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.client(r)
		c.Flow(d.Path).Close()
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "released"})
	}
}
