// Package portal serves the attendance portal's gate to the browser: every
// navigation is evaluated by the route guard against the caller's session
// store, and login, logout and the face capture flows run through it.
package portal

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/campusgate/attendance-portal/internal/camera"
	"github.com/campusgate/attendance-portal/internal/guard"
	"github.com/campusgate/attendance-portal/internal/middleware"
	"github.com/campusgate/attendance-portal/internal/roles"
	"github.com/campusgate/attendance-portal/internal/session"
	"github.com/campusgate/attendance-portal/internal/utils"
)

const (
	clientCookie = "portal_client"
	clientIDKey  = "client_id"
)

// Options configures a Server.
type Options struct {
	Table    *guard.Table
	Guard    *guard.Guard
	Registry *Registry
	Camera   *camera.Hub

	CookieSecret []byte
	SecureCookie bool
	// GateWait bounds how long a navigation waits for a loading or
	// profile-pending store before answering "pending".
	GateWait time.Duration

	LoginRate  int
	VerifyRate int

	Metrics  *Metrics
	Gatherer prometheus.Gatherer
	Health   func(context.Context) error
	Logger   *zap.Logger
}

type Server struct {
	table    *guard.Table
	guard    *guard.Guard
	registry *Registry
	hub      *camera.Hub
	cookies  *sessions.CookieStore
	gateWait time.Duration

	loginLimiter  *middleware.Limiter
	verifyLimiter *middleware.Limiter

	metrics  *Metrics
	gatherer prometheus.Gatherer
	health   func(context.Context) error
	logger   *zap.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.GateWait <= 0 {
		opts.GateWait = 2 * time.Second
	}

	cookies := sessions.NewCookieStore(opts.CookieSecret)
	cookies.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}

	return &Server{
		table:         opts.Table,
		guard:         opts.Guard,
		registry:      opts.Registry,
		hub:           opts.Camera,
		cookies:       cookies,
		gateWait:      opts.GateWait,
		loginLimiter:  middleware.NewLimiter(opts.LoginRate),
		verifyLimiter: middleware.NewLimiter(opts.VerifyRate),
		metrics:       opts.Metrics,
		gatherer:      opts.Gatherer,
		health:        opts.Health,
		logger:        opts.Logger,
	}
}

// Forget drops per-client limiter state. It is meant as the registry's
// eviction hook.
func (s *Server) Forget(clientID string) {
	s.loginLimiter.Forget(clientID)
	s.verifyLimiter.Forget(clientID)
}

// SetupRoutes builds the portal router.
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.clientMiddleware)

		r.With(middleware.RateLimit(s.loginLimiter, clientKey)).Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Get("/session", s.handleSession)
		r.Post("/session/retry", s.handleRetryProfile)
		r.Get("/landing", s.handleLanding)
		r.Get("/camera/feed", s.handleCameraFeed)

		for _, d := range s.table.Routes() {
			r.Get(d.Path, s.handlePage(d))
		}
		for _, d := range s.flowPages() {
			r.Post(d.Path+"/start", s.handleFlowStart(d))
			r.With(middleware.RateLimit(s.verifyLimiter, clientKey)).Post(d.Path+"/submit", s.handleFlowSubmit(d))
			r.Post(d.Path+"/cancel", s.handleFlowCancel(d))
		}
	})

	return r
}

// flowPages returns the pages that drive a capture flow: every role's
// verify page and the enrollment page.
func (s *Server) flowPages() []guard.RouteDescriptor {
	var pages []guard.RouteDescriptor
	for _, role := range roles.All {
		if d, ok := s.table.Lookup(role.VerifyPath()); ok && role.VerifyPath() != "" {
			pages = append(pages, d)
		}
	}
	if d, ok := s.table.Lookup(guard.EnrollmentPath); ok {
		pages = append(pages, d)
	}
	return pages
}

func clientKey(r *http.Request) string {
	id, _ := utils.GetClientIDFromContext(r.Context())
	return id
}

// clientMiddleware identifies the browser by a signed cookie, issuing a new
// client id when the cookie is missing or does not verify.
func (s *Server) clientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.cookies.Get(r, clientCookie)
		if err != nil {
			s.logger.Debug("client cookie rejected, issuing a new one", zap.Error(err))
		}
		id, _ := sess.Values[clientIDKey].(string)
		if id == "" {
			id = uuid.NewString()
			sess.Values[clientIDKey] = id
			if err := sess.Save(r, w); err != nil {
				s.logger.Error("saving client cookie", zap.Error(err))
				utils.WriteError(w, http.StatusInternalServerError, "internal_error", "")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(utils.WithClientID(r.Context(), id)))
	})
}

func (s *Server) client(r *http.Request) *Client {
	return s.registry.Get(clientKey(r))
}

// settled waits, within the gate budget, for the store to leave its
// transient states.
func (s *Server) settled(r *http.Request, c *Client) session.Snapshot {
	return c.Store.AwaitSettled(r.Context(), s.gateWait)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			utils.WriteError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
			return
		}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pendingBody struct {
	Outcome      guard.Outcome `json:"outcome"`
	State        guard.State   `json:"state"`
	ProfileError string        `json:"profile_error,omitempty"`
}

type redirectBody struct {
	Outcome  guard.Outcome `json:"outcome"`
	State    guard.State   `json:"state"`
	Redirect string        `json:"redirect"`
}

type pageBody struct {
	Outcome guard.Outcome `json:"outcome"`
	State   guard.State   `json:"state"`
	Page    pageInfo      `json:"page"`
	Session *sessionView  `json:"session,omitempty"`
}

type pageInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// writeDecision maps a guard decision to HTTP: pending is 202 with
// Retry-After, a redirect is 303 with Location, allowed is 200.
func (s *Server) writeDecision(w http.ResponseWriter, dec guard.Decision, d guard.RouteDescriptor, snap session.Snapshot) {
	w.Header().Set("X-Gate-State", string(dec.State))
	switch dec.Outcome {
	case guard.OutcomePending:
		body := pendingBody{Outcome: dec.Outcome, State: dec.State}
		if snap.ProfileErr != nil {
			body.ProfileError = snap.ProfileErr.Error()
		}
		w.Header().Set("Retry-After", "1")
		utils.WriteJSON(w, http.StatusAccepted, body)
	case guard.OutcomeRedirect:
		w.Header().Set("Location", dec.Redirect)
		utils.WriteJSON(w, http.StatusSeeOther, redirectBody{Outcome: dec.Outcome, State: dec.State, Redirect: dec.Redirect})
	default:
		body := pageBody{Outcome: dec.Outcome, State: dec.State, Page: pageInfo{Path: d.Path, Name: d.Name}}
		if snap.Authenticated() {
			v := viewOf(snap)
			body.Session = &v
		}
		utils.WriteJSON(w, http.StatusOK, body)
	}
}

func (s *Server) handlePage(d guard.RouteDescriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.client(r)
		c.LeavePagesExcept(d.Path)

		snap := s.settled(r, c)
		dec := s.guard.Evaluate(snap, d, d.Path)
		s.metrics.decision(dec)
		s.writeDecision(w, dec, d, snap)
	}
}

type sessionView struct {
	Loading         bool         `json:"loading"`
	Authenticated   bool         `json:"authenticated"`
	ProfilePending  bool         `json:"profile_pending"`
	Profile         *profileView `json:"profile,omitempty"`
	SessionVerified bool         `json:"session_verified"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	ProfileError    string       `json:"profile_error,omitempty"`
	Notice          string       `json:"notice,omitempty"`
	Landing         string       `json:"landing"`
}

type profileView struct {
	IdentityID   string     `json:"identity_id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	Role         roles.Role `json:"role"`
	RoleLabel    string     `json:"role_label"`
	CollegeID    string     `json:"college_id"`
	Departments  []string   `json:"departments,omitempty"`
	FaceEnrolled bool       `json:"is_face_enrolled"`
	FaceVerified bool       `json:"is_face_verified"`
}

func viewOf(snap session.Snapshot) sessionView {
	v := sessionView{
		Loading:         snap.Loading,
		Authenticated:   snap.Authenticated(),
		ProfilePending:  snap.ProfilePending(),
		SessionVerified: snap.SessionVerified,
		Notice:          snap.Notice,
		Landing:         roles.DefaultLandingRoute(snap.Role()),
	}
	if snap.Session != nil {
		exp := snap.Session.ExpiresAt
		v.ExpiresAt = &exp
	}
	if snap.ProfileErr != nil {
		v.ProfileError = snap.ProfileErr.Error()
	}
	if p := snap.Profile; p != nil {
		v.Profile = &profileView{
			IdentityID:   p.IdentityID,
			Email:        p.Email,
			DisplayName:  p.DisplayName,
			Role:         p.Role,
			RoleLabel:    p.Role.Label(),
			CollegeID:    p.CollegeID,
			Departments:  p.Departments,
			FaceEnrolled: p.FaceEnrolled,
			FaceVerified: p.FaceVerified,
		}
	}
	return v
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	c := s.client(r)
	utils.WriteJSON(w, http.StatusOK, viewOf(c.Store.Snapshot()))
}

func (s *Server) handleRetryProfile(w http.ResponseWriter, r *http.Request) {
	c := s.client(r)
	c.Store.RetryProfile()
	w.Header().Set("Retry-After", "1")
	utils.WriteJSON(w, http.StatusAccepted, viewOf(c.Store.Snapshot()))
}

// handleLanding sends the caller to the Role Router's landing page.
func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	c := s.client(r)
	snap := s.settled(r, c)
	if snap.Loading || snap.ProfilePending() {
		state := guard.StateLoading
		if !snap.Loading {
			state = guard.StateProfilePending
		}
		s.writeDecision(w, guard.Decision{Outcome: guard.OutcomePending, State: state}, guard.RouteDescriptor{}, snap)
		return
	}
	to := roles.DefaultLandingRoute(snap.Role())
	w.Header().Set("Location", to)
	utils.WriteJSON(w, http.StatusSeeOther, redirectBody{Outcome: guard.OutcomeRedirect, State: guard.StateAllowed, Redirect: to})
}

func (s *Server) handleCameraFeed(w http.ResponseWriter, r *http.Request) {
	c := s.client(r)
	if !s.settled(r, c).Authenticated() {
		utils.WriteError(w, http.StatusUnauthorized, "unauthenticated", "")
		return
	}
	if s.hub == nil {
		utils.WriteError(w, http.StatusServiceUnavailable, "camera_unavailable", "")
		return
	}
	s.hub.ServeFeed(w, r, c.ID)
}
