package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/campusgate/attendance-portal/internal/identity"
	"github.com/campusgate/attendance-portal/internal/roles"
	"github.com/campusgate/attendance-portal/internal/utils"
)

var (
	ErrForbidden   = errors.New("not allowed to provision this account")
	ErrEmailTaken  = errors.New("email already registered")
	ErrInvalidUser = errors.New("invalid user")
)

// Options configures a Service.
type Options struct {
	Secret     string
	Issuer     string
	SessionTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// Service is the identity and profile backend: it owns users, sessions and
// the credentials handed to clients.
type Service struct {
	db     *gorm.DB
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	listeners map[int]func(identity.SessionEvent)
	nextID    int
}

func NewService(db *gorm.DB, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 6 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		db:        db,
		opts:      opts,
		logger:    opts.Logger,
		listeners: make(map[int]func(identity.SessionEvent)),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignIn checks email and password and opens a new session.
func (s *Service) SignIn(ctx context.Context, email, password string) (identity.Credentials, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "email = ?", normalizeEmail(email)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.Credentials{}, identity.ErrInvalidCredentials
	}
	if err != nil {
		return identity.Credentials{}, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)) != nil {
		return identity.Credentials{}, identity.ErrInvalidCredentials
	}

	now := s.opts.Now().UTC()
	session := Session{
		SessionID: uuid.NewString(),
		UserID:    user.UserID,
		ExpiresAt: now.Add(s.opts.SessionTTL),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return identity.Credentials{}, fmt.Errorf("create session: %w", err)
	}

	token, err := NewToken(s.opts.Secret, s.opts.Issuer, user.UserID, session.SessionID, now, session.ExpiresAt)
	if err != nil {
		return identity.Credentials{}, fmt.Errorf("sign credential: %w", err)
	}

	s.emit(identity.SessionEvent{Kind: identity.SessionSignedIn, SessionID: session.SessionID, IdentityID: user.UserID, At: now})
	return identity.Credentials{
		Token:      token,
		SessionID:  session.SessionID,
		IdentityID: user.UserID,
		IssuedAt:   now,
		ExpiresAt:  session.ExpiresAt,
	}, nil
}

// SignOut ends the session behind token. Signing out an unknown or already
// ended session is not an error.
func (s *Service) SignOut(ctx context.Context, token string) error {
	claims, err := parseIgnoringExpiry(s.opts.Secret, token)
	if err != nil {
		return identity.ErrSessionNotFound
	}
	return s.endSession(ctx, claims.SessionID)
}

func (s *Service) endSession(ctx context.Context, sessionID string) error {
	var session Session
	res := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&session)
	if res.Error != nil {
		return fmt.Errorf("delete session: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.emit(identity.SessionEvent{Kind: identity.SessionSignedOut, SessionID: sessionID, At: s.opts.Now().UTC()})
	}
	return nil
}

// GetSession validates token and returns the live session it stands for.
func (s *Service) GetSession(ctx context.Context, token string) (*identity.Credentials, error) {
	claims, err := ParseToken(s.opts.Secret, token)
	if err != nil {
		return nil, identity.ErrSessionNotFound
	}

	var session Session
	err = s.db.WithContext(ctx).First(&session, "session_id = ?", claims.SessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, identity.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if !session.ExpiresAt.After(s.opts.Now()) || session.UserID != claims.UserID() {
		return nil, identity.ErrSessionNotFound
	}

	return &identity.Credentials{
		Token:      token,
		SessionID:  session.SessionID,
		IdentityID: session.UserID,
		IssuedAt:   claims.IssuedAt.Time,
		ExpiresAt:  session.ExpiresAt,
	}, nil
}

// OnSessionChange registers fn for session events.
func (s *Service) OnSessionChange(fn func(identity.SessionEvent)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Service) emit(evt identity.SessionEvent) {
	s.mu.Lock()
	fns := make([]func(identity.SessionEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

// GetProfile returns the profile of identityID.
func (s *Service) GetProfile(ctx context.Context, identityID string) (identity.Profile, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "user_id = ?", identityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	if err != nil {
		return identity.Profile{}, fmt.Errorf("lookup profile: %w", err)
	}
	return user.Profile(), nil
}

// UpdateProfile applies patch and returns the stored result.
func (s *Service) UpdateProfile(ctx context.Context, identityID string, patch identity.ProfilePatch) (identity.Profile, error) {
	updates := map[string]interface{}{}
	if patch.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*patch.DisplayName)
	}
	if patch.Departments != nil {
		updates["departments"] = StringArray(*patch.Departments)
	}
	if patch.FaceEnrolled != nil {
		updates["face_enrolled"] = *patch.FaceEnrolled
	}
	if patch.FaceVerified != nil {
		updates["face_verified"] = *patch.FaceVerified
	}
	if len(updates) == 0 {
		return s.GetProfile(ctx, identityID)
	}

	res := s.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", identityID).Updates(updates)
	if res.Error != nil {
		return identity.Profile{}, fmt.Errorf("update profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	return s.GetProfile(ctx, identityID)
}

// NewUser is a provisioning request.
type NewUser struct {
	Email       string     `json:"email"`
	Password    string     `json:"password"`
	DisplayName string     `json:"display_name"`
	Role        roles.Role `json:"role"`
	CollegeID   string     `json:"college_id"`
	Departments []string   `json:"departments"`
}

func (n NewUser) validate() error {
	switch {
	case !strings.Contains(n.Email, "@"):
		return fmt.Errorf("%w: email is required", ErrInvalidUser)
	case len(n.Password) < 8:
		return fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidUser)
	case !roles.Valid(string(n.Role)):
		return fmt.Errorf("%w: unknown role %q", ErrInvalidUser, n.Role)
	case n.CollegeID == "":
		return fmt.Errorf("%w: college_id is required", ErrInvalidUser)
	}
	return nil
}

// CanProvision reports whether actor may create an account with role in
// collegeID. Only admin, hod and program coordinators provision, only inside
// their own college, and only admins create admin or hod accounts.
func CanProvision(actor identity.Profile, role roles.Role, collegeID string) bool {
	switch actor.Role {
	case roles.Admin, roles.HOD, roles.ProgramCoordinator:
	default:
		return false
	}
	if actor.CollegeID == "" || actor.CollegeID != collegeID {
		return false
	}
	if (role == roles.Admin || role == roles.HOD) && actor.Role != roles.Admin {
		return false
	}
	return true
}

// CreateUser provisions an account on behalf of actor.
func (s *Service) CreateUser(ctx context.Context, actor identity.Profile, req NewUser) (identity.Profile, error) {
	if !CanProvision(actor, req.Role, req.CollegeID) {
		return identity.Profile{}, ErrForbidden
	}
	return s.Provision(ctx, req)
}

// Provision creates an account without an authorization check.
func (s *Service) Provision(ctx context.Context, req NewUser) (identity.Profile, error) {
	req.Email = normalizeEmail(req.Email)
	if err := req.validate(); err != nil {
		return identity.Profile{}, err
	}

	var existing User
	err := s.db.WithContext(ctx).First(&existing, "email = ?", req.Email).Error
	if err == nil {
		return identity.Profile{}, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.Profile{}, fmt.Errorf("lookup user: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return identity.Profile{}, fmt.Errorf("hash password: %w", err)
	}

	user := User{
		UserID:         utils.GenerateUUID(),
		Email:          req.Email,
		DisplayName:    strings.TrimSpace(req.DisplayName),
		HashedPassword: string(hashed),
		Role:           string(req.Role),
		CollegeID:      req.CollegeID,
		Departments:    StringArray(req.Departments),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return identity.Profile{}, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info("user provisioned",
		zap.String("user_id", user.UserID),
		zap.String("role", user.Role),
		zap.String("college_id", user.CollegeID),
	)
	return user.Profile(), nil
}

// PurgeExpired removes sessions past their expiry and notifies listeners.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	var expired []Session
	if err := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.opts.Now().UTC()).
		Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	purged := 0
	for _, sess := range expired {
		if err := s.endSession(ctx, sess.SessionID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
