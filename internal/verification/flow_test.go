package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/campusgate/attendance-portal/internal/camera"
	"github.com/campusgate/attendance-portal/internal/identity"
	"github.com/campusgate/attendance-portal/internal/roles"
	"github.com/campusgate/attendance-portal/internal/session"
)

type fakeSource struct {
	mu       sync.Mutex
	frame    []byte
	err      error
	released int
}

func (s *fakeSource) Capture(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.frame, nil
}

func (s *fakeSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (s *fakeSource) releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeCamera struct {
	source   *fakeSource
	denied   bool
	acquires int
}

func (c *fakeCamera) Acquire(ctx context.Context) (FrameSource, error) {
	if c.denied {
		return nil, ErrPermissionDenied
	}
	c.acquires++
	return c.source, nil
}

type fakeVerifier struct {
	accept   bool
	err      error
	calls    int
	lastMode Mode
	hook     func()
}

func (v *fakeVerifier) Verify(ctx context.Context, identityID string, image []byte) (bool, error) {
	v.calls++
	v.lastMode = ModeVerify
	if v.hook != nil {
		v.hook()
	}
	return v.accept, v.err
}

func (v *fakeVerifier) Enroll(ctx context.Context, identityID string, image []byte) (bool, error) {
	v.calls++
	v.lastMode = ModeEnroll
	return v.accept, v.err
}

type fakeProfiles struct {
	patches []identity.ProfilePatch
	err     error
	hook    func()
}

func (p *fakeProfiles) UpdateProfile(ctx context.Context, identityID string, patch identity.ProfilePatch) (identity.Profile, error) {
	if p.hook != nil {
		p.hook()
	}
	if p.err != nil {
		return identity.Profile{}, p.err
	}
	p.patches = append(p.patches, patch)
	return identity.Profile{}, nil
}

type fakeState struct {
	mu       sync.Mutex
	snap     session.Snapshot
	verified bool
}

func (s *fakeState) Snapshot() session.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fakeState) checkLocked(sessionID string) error {
	if s.snap.Session == nil {
		return session.ErrNoSession
	}
	if s.snap.Session.SessionID != sessionID {
		return session.ErrSessionChanged
	}
	return nil
}

func (s *fakeState) MarkSessionVerified(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(sessionID); err != nil {
		return err
	}
	s.verified = true
	s.snap.SessionVerified = true
	return nil
}

func (s *fakeState) ApplyProfilePatch(sessionID string, patch identity.ProfilePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(sessionID); err != nil {
		return err
	}
	p := patch.Apply(*s.snap.Profile)
	s.snap.Profile = &p
	return nil
}

func (s *fakeState) setSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Session = &identity.Credentials{SessionID: id, IdentityID: "u"}
}

func (s *fakeState) switchUser(sessionID, identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Session = &identity.Credentials{SessionID: sessionID, IdentityID: identityID}
	s.snap.Profile = &identity.Profile{IdentityID: identityID, Role: roles.Admin, FaceEnrolled: true}
}

func stateFor(role roles.Role) *fakeState {
	return &fakeState{snap: session.Snapshot{
		Session: &identity.Credentials{Token: "t", SessionID: "s1", IdentityID: "u"},
		Profile: &identity.Profile{IdentityID: "u", Role: role, FaceEnrolled: true},
	}}
}

type fixture struct {
	source   *fakeSource
	camera   *fakeCamera
	verifier *fakeVerifier
	profiles *fakeProfiles
	state    *fakeState
	flow     *Flow
}

func newFixture(mode Mode, role roles.Role) *fixture {
	fx := &fixture{
		source:   &fakeSource{frame: []byte("jpeg")},
		verifier: &fakeVerifier{accept: true},
		profiles: &fakeProfiles{},
		state:    stateFor(role),
	}
	fx.camera = &fakeCamera{source: fx.source}
	fx.flow = NewFlow(Config{
		Mode:     mode,
		Camera:   fx.camera,
		Verifier: fx.verifier,
		Profiles: fx.profiles,
		State:    fx.state,
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	})
	return fx
}

func TestSubmitBeforeStart(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Faculty)
	if _, err := fx.flow.Submit(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestStartDoesNotAcquireTwice(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Faculty)
	ctx := context.Background()
	if err := fx.flow.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.flow.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if fx.camera.acquires != 1 {
		t.Fatalf("expected one acquisition, got %d", fx.camera.acquires)
	}
}

func TestStartPermissionDenied(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Faculty)
	fx.camera.denied = true
	if err := fx.flow.Start(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if fx.flow.Active() {
		t.Fatalf("flow must not be active after denied acquisition")
	}
}

func TestFacultySuccessMarksSessionOnly(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Faculty)
	ctx := context.Background()
	_ = fx.flow.Start(ctx)

	out, err := fx.flow.Submit(ctx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.Success || out.Role != roles.Faculty || out.Timestamp.IsZero() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !fx.state.verified {
		t.Fatalf("expected session to be marked verified")
	}
	if len(fx.profiles.patches) != 0 {
		t.Fatalf("per-session verification must not persist, got %d patches", len(fx.profiles.patches))
	}
	if fx.source.releases() != 1 || fx.flow.Active() {
		t.Fatalf("camera must be released after success")
	}
}

func TestAdminSuccessPersistsVerification(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Admin)
	ctx := context.Background()
	_ = fx.flow.Start(ctx)

	if _, err := fx.flow.Submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fx.profiles.patches) != 1 || fx.profiles.patches[0].FaceVerified == nil || !*fx.profiles.patches[0].FaceVerified {
		t.Fatalf("expected persisted is_face_verified patch, got %+v", fx.profiles.patches)
	}
	if !fx.state.Snapshot().Profile.FaceVerified {
		t.Fatalf("expected cached profile to be updated")
	}
	if fx.state.verified {
		t.Fatalf("one-time verification must not use the session flag")
	}
}

func TestEnrollmentPersistsEnrollment(t *testing.T) {
	fx := newFixture(ModeEnroll, roles.Student)
	fx.state.snap.Profile.FaceEnrolled = false
	ctx := context.Background()
	_ = fx.flow.Start(ctx)

	if _, err := fx.flow.Submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fx.verifier.lastMode != ModeEnroll {
		t.Fatalf("expected enroll call, got %s", fx.verifier.lastMode)
	}
	if !fx.state.Snapshot().Profile.FaceEnrolled {
		t.Fatalf("expected profile to be enrolled")
	}
}

func TestRejectionKeepsCameraLive(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Admin)
	fx.verifier.accept = false
	ctx := context.Background()
	_ = fx.flow.Start(ctx)

	out, err := fx.flow.Submit(ctx)
	if !errors.Is(err, ErrVerificationRejected) {
		t.Fatalf("expected ErrVerificationRejected, got %v", err)
	}
	if out.Success {
		t.Fatalf("rejected outcome reported success")
	}
	if !fx.flow.Active() || fx.source.releases() != 0 {
		t.Fatalf("camera must stay live after rejection")
	}
	if len(fx.profiles.patches) != 0 || fx.state.Snapshot().Profile.FaceVerified {
		t.Fatalf("rejection must not commit anything")
	}

	fx.verifier.accept = true
	if _, err := fx.flow.Submit(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestPersistFailureCommitsNothing(t *testing.T) {
	fx := newFixture(ModeVerify, roles.HOD)
	fx.profiles.err = errors.New("db down")
	ctx := context.Background()
	_ = fx.flow.Start(ctx)

	if _, err := fx.flow.Submit(ctx); err == nil {
		t.Fatalf("expected persistence error")
	}
	if fx.state.Snapshot().Profile.FaceVerified {
		t.Fatalf("cached profile updated despite failed persist")
	}
	if !fx.flow.Active() {
		t.Fatalf("camera must stay live after failed commit")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Student)
	_ = fx.flow.Start(context.Background())

	fx.flow.Close()
	fx.flow.Close()
	if fx.source.releases() != 1 {
		t.Fatalf("expected exactly one release, got %d", fx.source.releases())
	}
	if _, err := fx.flow.Submit(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted after close, got %v", err)
	}
}

func TestCloseDuringSubmitDropsResult(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Student)
	fx.verifier.hook = func() { fx.flow.Close() }
	_ = fx.flow.Start(context.Background())

	if _, err := fx.flow.Submit(context.Background()); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if fx.state.verified {
		t.Fatalf("superseded submission must not mark the session")
	}
}

func TestSessionChangeDuringSubmitDropsResult(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Student)
	fx.verifier.hook = func() { fx.state.setSession("s2") }
	_ = fx.flow.Start(context.Background())

	if _, err := fx.flow.Submit(context.Background()); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if fx.state.verified {
		t.Fatalf("result of the old session leaked into the new one")
	}
}

func TestSessionChangeDuringPersistLeavesNewProfileAlone(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Admin)
	fx.profiles.hook = func() { fx.state.switchUser("s2", "other-admin") }
	_ = fx.flow.Start(context.Background())

	if _, err := fx.flow.Submit(context.Background()); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	p := fx.state.Snapshot().Profile
	if p.IdentityID != "other-admin" || p.FaceVerified {
		t.Fatalf("verification of the previous user was applied to %+v", p)
	}
}

func TestLostCameraIsDroppedSoStartReacquires(t *testing.T) {
	fx := newFixture(ModeVerify, roles.Faculty)
	ctx := context.Background()
	_ = fx.flow.Start(ctx)

	fx.source.mu.Lock()
	fx.source.err = camera.ErrReleased
	fx.source.mu.Unlock()
	if _, err := fx.flow.Submit(ctx); !errors.Is(err, ErrCameraLost) {
		t.Fatalf("expected ErrCameraLost, got %v", err)
	}
	if fx.flow.Active() {
		t.Fatalf("a lost camera must not stay held")
	}

	fx.source.mu.Lock()
	fx.source.err = nil
	fx.source.mu.Unlock()
	if err := fx.flow.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if fx.camera.acquires != 2 {
		t.Fatalf("expected a fresh acquisition, got %d", fx.camera.acquires)
	}
	if _, err := fx.flow.Submit(ctx); err != nil {
		t.Fatalf("submit after restart: %v", err)
	}
}
