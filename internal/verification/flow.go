// Package verification drives the face capture flows: the recurring
// verification challenge and the one-time enrollment. It carries frames
// from the camera to the face backend and commits the result; it never
// matches faces itself.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campusgate/attendance-portal/internal/camera"
	"github.com/campusgate/attendance-portal/internal/identity"
	"github.com/campusgate/attendance-portal/internal/roles"
	"github.com/campusgate/attendance-portal/internal/session"
)

var (
	ErrPermissionDenied = camera.ErrPermissionDenied
	// ErrVerificationRejected means the face backend did not accept the
	// frame. The camera stays live and nothing was committed.
	ErrVerificationRejected = errors.New("face verification rejected")
	ErrNotStarted           = errors.New("capture not started")
	// ErrSuperseded means the flow was closed, or the session changed,
	// while a submission was in flight. Its result was dropped.
	ErrSuperseded = errors.New("capture superseded")
	// ErrCameraLost means the held camera went away, typically because the
	// browser reconnected its feed. The flow dropped it; Start again.
	ErrCameraLost = errors.New("camera lost")
)

// Mode selects what a successful capture commits.
type Mode string

const (
	ModeVerify Mode = "verify"
	ModeEnroll Mode = "enroll"
)

// FrameSource is an exclusively held camera.
type FrameSource interface {
	Capture(ctx context.Context) ([]byte, error)
	Release() error
}

// Camera hands out frame sources.
type Camera interface {
	Acquire(ctx context.Context) (FrameSource, error)
}

// CameraFunc adapts a function to Camera.
type CameraFunc func(ctx context.Context) (FrameSource, error)

func (f CameraFunc) Acquire(ctx context.Context) (FrameSource, error) { return f(ctx) }

// Verifier is the external face backend.
type Verifier interface {
	Verify(ctx context.Context, identityID string, image []byte) (bool, error)
	Enroll(ctx context.Context, identityID string, image []byte) (bool, error)
}

// ProfileUpdater persists profile changes.
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, identityID string, patch identity.ProfilePatch) (identity.Profile, error)
}

// SessionState is the part of the Session Store a flow mutates.
type SessionState interface {
	Snapshot() session.Snapshot
	MarkSessionVerified(sessionID string) error
	ApplyProfilePatch(sessionID string, patch identity.ProfilePatch) error
}

// Outcome reports a finished submission.
type Outcome struct {
	Mode      Mode       `json:"mode"`
	Role      roles.Role `json:"role"`
	Success   bool       `json:"success"`
	Timestamp time.Time  `json:"timestamp"`
}

// Flow is one client's capture flow. A flow holds at most one frame source
// and releases it on Close, on a successful submission, and whenever Start
// fails after acquiring.
type Flow struct {
	mode     Mode
	camera   Camera
	verifier Verifier
	profiles ProfileUpdater
	state    SessionState
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	source FrameSource
	// epoch changes whenever the held source is dropped, so an in-flight
	// submission can tell that the flow moved on.
	epoch uint64
}

// Config wires a Flow.
type Config struct {
	Mode     Mode
	Camera   Camera
	Verifier Verifier
	Profiles ProfileUpdater
	State    SessionState
	Logger   *zap.Logger
	Now      func() time.Time
}

func NewFlow(cfg Config) *Flow {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeVerify
	}
	return &Flow{
		mode:     cfg.Mode,
		camera:   cfg.Camera,
		verifier: cfg.Verifier,
		profiles: cfg.Profiles,
		state:    cfg.State,
		logger:   cfg.Logger.With(zap.String("flow", string(cfg.Mode))),
		now:      cfg.Now,
	}
}

func (f *Flow) Mode() Mode { return f.mode }

// Active reports whether the flow currently holds the camera.
func (f *Flow) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source != nil
}

// Start acquires the camera. Calling Start while the camera is held is a
// no-op.
func (f *Flow) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.source != nil {
		return nil
	}
	src, err := f.camera.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire camera: %w", err)
	}
	f.source = src
	return nil
}

// Submit captures a frame, sends it to the face backend and commits a
// positive result. A rejection or failure leaves the camera live and the
// profile untouched.
func (f *Flow) Submit(ctx context.Context) (Outcome, error) {
	f.mu.Lock()
	src, epoch := f.source, f.epoch
	f.mu.Unlock()
	if src == nil {
		return Outcome{}, ErrNotStarted
	}

	snap := f.state.Snapshot()
	if snap.Profile == nil || snap.Session == nil {
		return Outcome{}, session.ErrNoSession
	}
	p := *snap.Profile
	out := Outcome{Mode: f.mode, Role: p.Role, Timestamp: f.now()}

	frame, err := src.Capture(ctx)
	if err != nil {
		lost := errors.Is(err, camera.ErrReleased)
		if lost || errors.Is(err, camera.ErrPermissionDenied) {
			f.release(epoch)
		}
		if lost {
			f.logger.Info("camera lost during capture", zap.String("identity_id", p.IdentityID))
			return out, ErrCameraLost
		}
		return out, fmt.Errorf("capture frame: %w", err)
	}

	var ok bool
	if f.mode == ModeEnroll {
		ok, err = f.verifier.Enroll(ctx, p.IdentityID, frame)
	} else {
		ok, err = f.verifier.Verify(ctx, p.IdentityID, frame)
	}
	out.Timestamp = f.now()
	if err != nil {
		return out, fmt.Errorf("face backend: %w", err)
	}
	if !ok {
		f.logger.Info("face check rejected", zap.String("identity_id", p.IdentityID))
		return out, ErrVerificationRejected
	}

	if !f.current(epoch, snap) {
		return out, ErrSuperseded
	}
	if err := f.commit(ctx, snap.Session.SessionID, p); err != nil {
		if errors.Is(err, session.ErrSessionChanged) || errors.Is(err, session.ErrNoSession) {
			return out, ErrSuperseded
		}
		return out, err
	}
	out.Success = true

	f.release(epoch)
	f.logger.Info("face check passed",
		zap.String("identity_id", p.IdentityID),
		zap.String("role", string(p.Role)),
	)
	return out, nil
}

// commit applies a passed check to sessionID only; a store that moved on to
// another session rejects it.
func (f *Flow) commit(ctx context.Context, sessionID string, p identity.Profile) error {
	var patch identity.ProfilePatch
	switch {
	case f.mode == ModeEnroll:
		patch.FaceEnrolled = identity.Bool(true)
	case p.Role.Verification() == roles.VerificationOnce:
		patch.FaceVerified = identity.Bool(true)
	case p.Role.Verification() == roles.VerificationPerSession:
		return f.state.MarkSessionVerified(sessionID)
	default:
		return nil
	}

	if _, err := f.profiles.UpdateProfile(ctx, p.IdentityID, patch); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	return f.state.ApplyProfilePatch(sessionID, patch)
}

// current reports whether the flow still holds the source of epoch and the
// store still carries the session the submission started under.
func (f *Flow) current(epoch uint64, started session.Snapshot) bool {
	f.mu.Lock()
	held := f.epoch == epoch && f.source != nil
	f.mu.Unlock()
	if !held {
		return false
	}
	now := f.state.Snapshot()
	return now.Session != nil && now.Session.SessionID == started.Session.SessionID
}

// Close releases the camera if held. It is safe to call at any time and
// more than once.
func (f *Flow) Close() {
	f.mu.Lock()
	epoch := f.epoch
	f.mu.Unlock()
	f.release(epoch)
}

func (f *Flow) release(epoch uint64) {
	f.mu.Lock()
	if f.epoch != epoch || f.source == nil {
		f.mu.Unlock()
		return
	}
	src := f.source
	f.source = nil
	f.epoch++
	f.mu.Unlock()

	if err := src.Release(); err != nil {
		f.logger.Debug("camera release", zap.Error(err))
	}
}
