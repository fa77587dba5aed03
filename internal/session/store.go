// Package session holds the per-client Session Store: who is logged in, their
// resolved profile and the volatile per-session verification flag.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campusgate/attendance-portal/internal/identity"
	"github.com/campusgate/attendance-portal/internal/profile"
	"github.com/campusgate/attendance-portal/internal/roles"
)

const (
	ReasonInvalidCredentials = "invalid credentials"
	ReasonRoleMismatch       = "role mismatch"

	NoticeContactAdmin = "Your account has no profile. Please contact your administrator."
)

var (
	ErrNoSession = errors.New("no active session")
	// ErrSessionChanged means the caller acted for a session that is no
	// longer the store's current one.
	ErrSessionChanged = errors.New("session changed")
	// ErrLoginSuperseded means a logout or another login landed while the
	// login was in flight. The new upstream session was signed out again.
	ErrLoginSuperseded = errors.New("login superseded")
)

// AuthenticationError is returned by Login when the credentials are rejected
// or the declared role differs from the authoritative one.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "AuthenticationError: " + e.Reason
}

// Backend is the identity/session service the store talks to.
type Backend interface {
	SignIn(ctx context.Context, email, password string) (identity.Credentials, error)
	SignOut(ctx context.Context, token string) error
	GetSession(ctx context.Context, token string) (*identity.Credentials, error)
}

// Notifier is implemented by backends that publish session changes.
type Notifier interface {
	OnSessionChange(fn func(identity.SessionEvent)) (cancel func())
}

// ProfileResolver fetches the profile of an identity.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, identityID string) (identity.Profile, error)
}

// Snapshot is an immutable view of the store's state.
type Snapshot struct {
	Loading         bool
	Session         *identity.Credentials
	Profile         *identity.Profile
	SessionVerified bool
	// ProfileErr is set when profile resolution failed transiently; the
	// session is kept and the caller should show a dismissible error.
	ProfileErr error
	// Notice is a user-facing message left by a forced logout.
	Notice string
}

func (s Snapshot) Authenticated() bool { return s.Session != nil }

// ProfilePending reports the authenticated-but-unresolved state.
func (s Snapshot) ProfilePending() bool { return s.Session != nil && s.Profile == nil }

// Role returns the resolved role, or "" while unauthenticated or pending.
func (s Snapshot) Role() roles.Role {
	if s.Profile == nil {
		return ""
	}
	return s.Profile.Role
}

// Options configures a Store.
type Options struct {
	// Key is the storage key the credential token lives under.
	Key         string
	InitTimeout time.Duration
	// ResolveTimeout bounds a background profile resolution.
	ResolveTimeout time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

// Store is the single source of truth for one client's session.
type Store struct {
	backend  Backend
	resolver ProfileResolver
	storage  Storage
	opts     Options
	logger   *zap.Logger

	// persistMu orders token saves against deletes.
	persistMu sync.Mutex

	mu         sync.Mutex
	loading    bool
	started    bool
	closed     bool
	session    *identity.Credentials
	profile    *identity.Profile
	verified   bool
	profileErr error
	notice     string
	resolving  bool
	// gen identifies the current session; resolutions carry the gen they
	// were started for and are dropped when it has moved on.
	gen      uint64
	changed  chan struct{}
	subs     map[int]func(Snapshot)
	nextSub  int
	unnotify func()
}

// NewStore builds a Store in the loading state. Call Initialize to recover a
// persisted session.
func NewStore(backend Backend, resolver ProfileResolver, storage Storage, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 5 * time.Second
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend:  backend,
		resolver: resolver,
		storage:  storage,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("store_key", opts.Key)),
		loading:  true,
		changed:  make(chan struct{}),
		subs:     make(map[int]func(Snapshot)),
	}
}

// Initialize recovers a previously persisted session. Failures degrade to
// "no session"; the store always leaves the loading state. Only the first
// call does any work.
func (s *Store) Initialize(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	startGen := s.gen
	s.mu.Unlock()

	if n, ok := s.backend.(Notifier); ok {
		cancel := n.OnSessionChange(s.handleBackendEvent)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			cancel()
			return
		}
		s.unnotify = cancel
		s.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.InitTimeout)
	defer cancel()

	creds := s.recover(ctx)

	s.mu.Lock()
	s.loading = false
	// A login or logout that raced recovery wins over the recovered token.
	if creds != nil && s.gen == startGen {
		s.establishLocked(creds, nil)
		s.startResolveLocked()
	}
	snap := s.changeLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Store) recover(ctx context.Context) *identity.Credentials {
	token, ok, err := s.storage.Load(ctx, s.opts.Key)
	if err != nil {
		s.logger.Warn("session recovery: storage unavailable", zap.Error(err))
		return nil
	}
	if !ok || token == "" {
		return nil
	}

	creds, err := s.backend.GetSession(ctx, token)
	if err != nil && !errors.Is(err, identity.ErrSessionNotFound) {
		// The token may still be good; a later Initialize can retry it.
		s.logger.Warn("session recovery: backend unavailable, token kept", zap.Error(err))
		return nil
	}
	if err != nil || creds == nil || creds.Expired(s.opts.Now()) {
		if err != nil {
			s.logger.Info("session recovery: backend rejected token", zap.Error(err))
		}
		if derr := s.storage.Delete(ctx, s.opts.Key); derr != nil {
			s.logger.Warn("session recovery: clearing stale token", zap.Error(derr))
		}
		return nil
	}
	return creds
}

// Login exchanges credentials for a session. The declared role must equal
// the authoritative profile role; otherwise the new session is signed out
// again and an *AuthenticationError is returned.
func (s *Store) Login(ctx context.Context, email, password string, declared roles.Role) (Snapshot, error) {
	if s.Snapshot().Authenticated() {
		s.Logout(ctx)
	}
	s.mu.Lock()
	startGen := s.gen
	s.mu.Unlock()

	creds, err := s.backend.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			return s.Snapshot(), &AuthenticationError{Reason: ReasonInvalidCredentials}
		}
		return s.Snapshot(), fmt.Errorf("sign in: %w", err)
	}

	p, err := s.resolver.ResolveProfile(ctx, creds.IdentityID)
	if err != nil {
		s.signOutQuietly(ctx, creds.Token)
		if errors.Is(err, profile.ErrProfileNotFound) {
			s.mu.Lock()
			s.notice = NoticeContactAdmin
			snap := s.changeLocked()
			s.mu.Unlock()
			s.publish(snap)
			return snap, err
		}
		return s.Snapshot(), err
	}

	if p.Role != declared {
		s.signOutQuietly(ctx, creds.Token)
		s.logger.Info("login rejected: role mismatch",
			zap.String("identity_id", creds.IdentityID),
			zap.String("declared_role", string(declared)),
		)
		return s.Snapshot(), &AuthenticationError{Reason: ReasonRoleMismatch}
	}

	s.mu.Lock()
	if s.gen != startGen || s.closed {
		s.mu.Unlock()
		s.signOutQuietly(ctx, creds.Token)
		s.logger.Info("login discarded: session changed while it was in flight",
			zap.String("identity_id", creds.IdentityID),
		)
		return s.Snapshot(), ErrLoginSuperseded
	}
	s.loading = false
	s.establishLocked(&creds, &p)
	gen := s.gen
	snap := s.changeLocked()
	s.mu.Unlock()

	s.persist(ctx, gen, creds)

	s.publish(snap)
	return snap, nil
}

// Logout clears the session and profile before anything else happens, then
// signs out upstream and forgets the persisted token.
func (s *Store) Logout(ctx context.Context) {
	s.mu.Lock()
	creds := s.session
	s.clearLocked()
	s.notice = ""
	snap := s.changeLocked()
	s.mu.Unlock()
	s.publish(snap)

	if creds != nil {
		s.signOutQuietly(ctx, creds.Token)
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.storage.Delete(ctx, s.opts.Key); err != nil {
		s.logger.Warn("logout: clearing persisted token", zap.Error(err))
	}
}

// persist saves the token of the session established at gen, unless a
// logout or newer login has replaced it since.
func (s *Store) persist(ctx context.Context, gen uint64, creds identity.Credentials) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if !current {
		return
	}
	ttl := creds.ExpiresAt.Sub(s.opts.Now())
	if err := s.storage.Save(ctx, s.opts.Key, creds.Token, ttl); err != nil {
		s.logger.Warn("session not persisted", zap.Error(err))
	}
}

// RetryProfile restarts profile resolution after a transient failure. It
// is a no-op when nothing is pending or a resolution is already running.
func (s *Store) RetryProfile() {
	s.mu.Lock()
	if s.session == nil || s.profile != nil || s.resolving {
		s.mu.Unlock()
		return
	}
	s.profileErr = nil
	s.startResolveLocked()
	snap := s.changeLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// MarkSessionVerified records a passed per-session face check for the
// session sessionID.
func (s *Store) MarkSessionVerified(sessionID string) error {
	s.mu.Lock()
	if err := s.checkSessionLocked(sessionID); err != nil {
		s.mu.Unlock()
		return err
	}
	s.verified = true
	snap := s.changeLocked()
	s.mu.Unlock()
	s.publish(snap)
	return nil
}

// ApplyProfilePatch updates the cached profile of session sessionID after
// the backend accepted the same patch.
func (s *Store) ApplyProfilePatch(sessionID string, patch identity.ProfilePatch) error {
	s.mu.Lock()
	if err := s.checkSessionLocked(sessionID); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.profile == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	p := patch.Apply(*s.profile)
	s.profile = &p
	snap := s.changeLocked()
	s.mu.Unlock()
	s.publish(snap)
	return nil
}

func (s *Store) checkSessionLocked(sessionID string) error {
	if s.session == nil {
		return ErrNoSession
	}
	if s.session.SessionID != sessionID {
		return ErrSessionChanged
	}
	return nil
}

// Snapshot returns the current state. A session past its expiry is
// destroyed first.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	snap, expired := s.snapshotExpiringLocked()
	s.mu.Unlock()
	s.afterExpiry(expired, snap)
	return snap
}

// Subscribe registers fn for every state change. fn runs outside the lock.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// AwaitSettled blocks until the store is neither loading nor waiting on a
// profile resolution, or until max elapses or ctx ends. It returns the
// snapshot current at that point.
func (s *Store) AwaitSettled(ctx context.Context, max time.Duration) Snapshot {
	timer := time.NewTimer(max)
	defer timer.Stop()

	for {
		s.mu.Lock()
		snap, expired := s.snapshotExpiringLocked()
		pending := snap.Loading || (snap.ProfilePending() && s.resolving)
		changed := s.changed
		s.mu.Unlock()
		s.afterExpiry(expired, snap)

		if !pending {
			return snap
		}
		select {
		case <-changed:
		case <-timer.C:
			return s.Snapshot()
		case <-ctx.Done():
			return s.Snapshot()
		}
	}
}

// Teardown detaches the store from the backend and drops pending work. The
// persisted token is kept so a later Initialize can recover the session.
func (s *Store) Teardown() {
	s.mu.Lock()
	cancel := s.unnotify
	s.unnotify = nil
	s.closed = true
	s.gen++
	s.subs = make(map[int]func(Snapshot))
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Store) establishLocked(creds *identity.Credentials, p *identity.Profile) {
	s.gen++
	s.session = creds
	s.profile = p
	s.verified = false
	s.profileErr = nil
	s.notice = ""
	s.resolving = false
}

func (s *Store) clearLocked() {
	s.gen++
	s.session = nil
	s.profile = nil
	s.verified = false
	s.profileErr = nil
	s.resolving = false
}

func (s *Store) startResolveLocked() {
	s.resolving = true
	gen := s.gen
	identityID := s.session.IdentityID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ResolveTimeout)
		defer cancel()
		p, err := s.resolver.ResolveProfile(ctx, identityID)
		s.applyResolution(gen, p, err)
	}()
}

func (s *Store) applyResolution(gen uint64, p identity.Profile, err error) {
	s.mu.Lock()
	if gen != s.gen || s.session == nil {
		s.mu.Unlock()
		s.logger.Debug("discarding profile resolution for superseded session")
		return
	}
	s.resolving = false

	var revoke *identity.Credentials
	switch {
	case err == nil:
		s.profile = &p
		s.profileErr = nil
	case errors.Is(err, profile.ErrProfileNotFound):
		revoke = s.session
		s.clearLocked()
		s.notice = NoticeContactAdmin
	default:
		s.profileErr = err
	}
	snap := s.changeLocked()
	s.mu.Unlock()

	if revoke != nil {
		s.logger.Warn("profile missing, forcing logout", zap.String("identity_id", revoke.IdentityID))
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.InitTimeout)
		defer cancel()
		s.signOutQuietly(ctx, revoke.Token)
		if derr := s.storage.Delete(ctx, s.opts.Key); derr != nil {
			s.logger.Warn("forced logout: clearing persisted token", zap.Error(derr))
		}
	} else if err != nil {
		s.logger.Warn("profile resolution failed", zap.Error(err))
	}
	s.publish(snap)
}

func (s *Store) handleBackendEvent(evt identity.SessionEvent) {
	if evt.Kind != identity.SessionSignedOut {
		return
	}
	s.mu.Lock()
	if s.session == nil || s.session.SessionID != evt.SessionID {
		s.mu.Unlock()
		return
	}
	s.clearLocked()
	snap := s.changeLocked()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.InitTimeout)
	defer cancel()
	if err := s.storage.Delete(ctx, s.opts.Key); err != nil {
		s.logger.Warn("upstream sign-out: clearing persisted token", zap.Error(err))
	}
	s.publish(snap)
}

// snapshotExpiringLocked clears a lapsed session and returns the snapshot
// to hand out. A non-nil credential must be passed to afterExpiry once the
// lock is released.
func (s *Store) snapshotExpiringLocked() (Snapshot, *identity.Credentials) {
	if s.session == nil || !s.session.Expired(s.opts.Now()) {
		return s.snapshotLocked(), nil
	}
	creds := s.session
	s.clearLocked()
	return s.changeLocked(), creds
}

func (s *Store) afterExpiry(creds *identity.Credentials, snap Snapshot) {
	if creds == nil {
		return
	}
	s.logger.Info("session expired", zap.String("identity_id", creds.IdentityID))
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.InitTimeout)
	defer cancel()
	s.signOutQuietly(ctx, creds.Token)
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.storage.Delete(ctx, s.opts.Key); err != nil {
		s.logger.Warn("expired session: clearing persisted token", zap.Error(err))
	}
	s.publish(snap)
}

func (s *Store) signOutQuietly(ctx context.Context, token string) {
	if err := s.backend.SignOut(ctx, token); err != nil {
		s.logger.Warn("upstream sign-out failed", zap.Error(err))
	}
}

// changeLocked wakes AwaitSettled callers and returns the snapshot to
// publish once the lock is released.
func (s *Store) changeLocked() Snapshot {
	close(s.changed)
	s.changed = make(chan struct{})
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Loading:         s.loading,
		SessionVerified: s.verified,
		ProfileErr:      s.profileErr,
		Notice:          s.notice,
	}
	if s.session != nil {
		c := *s.session
		snap.Session = &c
	}
	if s.profile != nil {
		p := *s.profile
		p.Departments = append([]string(nil), s.profile.Departments...)
		snap.Profile = &p
	}
	return snap
}

func (s *Store) publish(snap Snapshot) {
	s.mu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
