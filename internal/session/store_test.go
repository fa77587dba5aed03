package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campusgate/attendance-portal/internal/identity"
	"github.com/campusgate/attendance-portal/internal/profile"
	"github.com/campusgate/attendance-portal/internal/roles"
)

type fakeBackend struct {
	mu        sync.Mutex
	passwords map[string]string // email -> password
	ids       map[string]string // email -> identity id
	live      map[string]identity.Credentials
	signedOut []string
	getErr    error
	listeners map[int]func(identity.SessionEvent)
	next      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		passwords: map[string]string{},
		ids:       map[string]string{},
		live:      map[string]identity.Credentials{},
		listeners: map[int]func(identity.SessionEvent){},
	}
}

func (b *fakeBackend) addUser(email, password, id string) {
	b.passwords[email] = password
	b.ids[email] = id
}

func (b *fakeBackend) SignIn(_ context.Context, email, password string) (identity.Credentials, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pw, ok := b.passwords[email]; !ok || pw != password {
		return identity.Credentials{}, identity.ErrInvalidCredentials
	}
	b.next++
	creds := identity.Credentials{
		Token:      "token-" + email + "-" + time.Now().Format("150405.000000000"),
		SessionID:  fmt.Sprintf("sid-%s-%d", email, b.next),
		IdentityID: b.ids[email],
		IssuedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	b.live[creds.Token] = creds
	return creds, nil
}

func (b *fakeBackend) SignOut(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.live, token)
	b.signedOut = append(b.signedOut, token)
	return nil
}

func (b *fakeBackend) GetSession(_ context.Context, token string) (*identity.Credentials, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, b.getErr
	}
	creds, ok := b.live[token]
	if !ok {
		return nil, identity.ErrSessionNotFound
	}
	return &creds, nil
}

func (b *fakeBackend) OnSessionChange(fn func(identity.SessionEvent)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *fakeBackend) emit(evt identity.SessionEvent) {
	b.mu.Lock()
	fns := make([]func(identity.SessionEvent), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

func (b *fakeBackend) liveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

func (b *fakeBackend) listenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func (b *fakeBackend) signedOutCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.signedOut)
}

type fakeResolver struct {
	mu       sync.Mutex
	profiles map[string]identity.Profile
	err      error
	gate     chan struct{}
}

func (r *fakeResolver) ResolveProfile(ctx context.Context, id string) (identity.Profile, error) {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return identity.Profile{}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return identity.Profile{}, r.err
	}
	p, ok := r.profiles[id]
	if !ok {
		return identity.Profile{}, profile.ErrProfileNotFound
	}
	return p, nil
}

type failingStorage struct{}

func (failingStorage) Load(context.Context, string) (string, bool, error) {
	return "", false, errors.New("storage offline")
}
func (failingStorage) Save(context.Context, string, string, time.Duration) error { return nil }
func (failingStorage) Delete(context.Context, string) error                      { return nil }

const testKey = "portal:session:client-1"

func newTestStore(b *fakeBackend, r *fakeResolver, st Storage) *Store {
	return NewStore(b, r, st, Options{Key: testKey, InitTimeout: time.Second})
}

func facultyFixture() (*fakeBackend, *fakeResolver) {
	b := newFakeBackend()
	b.addUser("ada@college.edu", "pw", "user-ada")
	r := &fakeResolver{profiles: map[string]identity.Profile{
		"user-ada": {IdentityID: "user-ada", Role: roles.Faculty, FaceEnrolled: true},
	}}
	return b, r
}

func TestStoreStartsLoading(t *testing.T) {
	b, r := facultyFixture()
	s := newTestStore(b, r, NewMemoryStorage())
	if !s.Snapshot().Loading {
		t.Fatalf("expected a fresh store to be loading")
	}

	s.Initialize(context.Background())
	snap := s.Snapshot()
	if snap.Loading || snap.Authenticated() {
		t.Fatalf("expected logged-out settled state, got %+v", snap)
	}
}

func TestInitializeStorageFailureDegradesToLoggedOut(t *testing.T) {
	b, r := facultyFixture()
	s := newTestStore(b, r, failingStorage{})
	s.Initialize(context.Background())

	snap := s.Snapshot()
	if snap.Loading || snap.Authenticated() {
		t.Fatalf("expected logged out after storage failure, got %+v", snap)
	}
}

func TestInitializeClearsRejectedToken(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()
	_ = st.Save(context.Background(), testKey, "revoked-token", time.Hour)

	s := newTestStore(b, r, st)
	s.Initialize(context.Background())

	if s.Snapshot().Authenticated() {
		t.Fatalf("expected no session")
	}
	if _, ok, _ := st.Load(context.Background(), testKey); ok {
		t.Fatalf("expected stale token to be cleared")
	}
}

func TestInitializeKeepsTokenWhenBackendUnavailable(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()
	seed := newTestStore(b, r, st)
	seed.Initialize(context.Background())
	if _, err := seed.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty); err != nil {
		t.Fatalf("login: %v", err)
	}

	b.mu.Lock()
	b.getErr = errors.New("backend unreachable")
	b.mu.Unlock()
	s := newTestStore(b, r, st)
	s.Initialize(context.Background())
	if s.Snapshot().Authenticated() {
		t.Fatalf("expected no session while the backend is down")
	}
	if _, ok, _ := st.Load(context.Background(), testKey); !ok {
		t.Fatalf("a transient backend error must not discard the token")
	}

	b.mu.Lock()
	b.getErr = nil
	b.mu.Unlock()
	retry := newTestStore(b, r, st)
	retry.Initialize(context.Background())
	if !retry.Snapshot().Authenticated() {
		t.Fatalf("expected the kept token to recover once the backend is back")
	}
}

func TestInitializeRecoversSessionWithPendingProfile(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()

	first := newTestStore(b, r, st)
	first.Initialize(context.Background())
	snap, err := first.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := first.MarkSessionVerified(snap.Session.SessionID); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	r.gate = make(chan struct{})
	second := newTestStore(b, r, st)
	second.Initialize(context.Background())

	snap = second.Snapshot()
	if snap.Loading || !snap.Authenticated() || !snap.ProfilePending() {
		t.Fatalf("expected authenticated with pending profile, got %+v", snap)
	}

	close(r.gate)
	snap = second.AwaitSettled(context.Background(), time.Second)
	if snap.Profile == nil || snap.Profile.Role != roles.Faculty {
		t.Fatalf("expected resolved faculty profile, got %+v", snap.Profile)
	}
	if snap.SessionVerified {
		t.Fatalf("per-session verification must reset on restore")
	}
}

func TestLoginRoleMismatchLeavesNoSession(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()
	s := newTestStore(b, r, st)
	s.Initialize(context.Background())

	_, err := s.Login(context.Background(), "ada@college.edu", "pw", roles.HOD)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonRoleMismatch {
		t.Fatalf("expected role mismatch AuthenticationError, got %v", err)
	}
	if s.Snapshot().Authenticated() {
		t.Fatalf("expected no session after role mismatch")
	}
	if _, ok, _ := st.Load(context.Background(), testKey); ok {
		t.Fatalf("expected nothing persisted after role mismatch")
	}
	if b.signedOutCount() != 1 {
		t.Fatalf("expected the half-established session to be signed out upstream")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	b, r := facultyFixture()
	s := newTestStore(b, r, NewMemoryStorage())
	s.Initialize(context.Background())

	_, err := s.Login(context.Background(), "ada@college.edu", "wrong", roles.Faculty)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonInvalidCredentials {
		t.Fatalf("expected invalid credentials AuthenticationError, got %v", err)
	}
}

func TestLoginPersistsToken(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()
	s := newTestStore(b, r, st)
	s.Initialize(context.Background())

	snap, err := s.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if snap.Profile == nil || snap.SessionVerified {
		t.Fatalf("expected resolved profile and unverified session, got %+v", snap)
	}
	token, ok, _ := st.Load(context.Background(), testKey)
	if !ok || token != snap.Session.Token {
		t.Fatalf("expected token to be persisted")
	}
}

func TestLogoutDiscardsStaleResolution(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()

	seed := newTestStore(b, r, st)
	seed.Initialize(context.Background())
	if _, err := seed.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty); err != nil {
		t.Fatalf("login: %v", err)
	}

	r.gate = make(chan struct{})
	s := newTestStore(b, r, st)
	s.Initialize(context.Background())
	if !s.Snapshot().ProfilePending() {
		t.Fatalf("expected pending profile")
	}

	s.Logout(context.Background())
	close(r.gate)
	time.Sleep(50 * time.Millisecond)

	snap := s.Snapshot()
	if snap.Authenticated() || snap.Profile != nil {
		t.Fatalf("stale resolution resurrected the session: %+v", snap)
	}
}

func TestProfileNotFoundForcesLogout(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()
	seed := newTestStore(b, r, st)
	seed.Initialize(context.Background())
	if _, err := seed.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty); err != nil {
		t.Fatalf("login: %v", err)
	}

	r.mu.Lock()
	delete(r.profiles, "user-ada")
	r.mu.Unlock()

	s := newTestStore(b, r, st)
	s.Initialize(context.Background())
	snap := s.AwaitSettled(context.Background(), time.Second)

	if snap.Authenticated() {
		t.Fatalf("expected forced logout")
	}
	if snap.Notice != NoticeContactAdmin {
		t.Fatalf("expected contact-admin notice, got %q", snap.Notice)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := st.Load(context.Background(), testKey); ok {
		t.Fatalf("expected persisted token to be removed")
	}
}

func TestTransientProfileErrorKeepsSession(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()
	seed := newTestStore(b, r, st)
	seed.Initialize(context.Background())
	if _, err := seed.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty); err != nil {
		t.Fatalf("login: %v", err)
	}

	r.mu.Lock()
	r.err = &profile.TransientFetchError{IdentityID: "user-ada", Err: errors.New("timeout")}
	r.mu.Unlock()

	s := newTestStore(b, r, st)
	s.Initialize(context.Background())
	snap := s.AwaitSettled(context.Background(), time.Second)

	if !snap.Authenticated() || !snap.ProfilePending() || snap.ProfileErr == nil {
		t.Fatalf("expected kept session with profile error, got %+v", snap)
	}

	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()
	s.RetryProfile()
	snap = s.AwaitSettled(context.Background(), time.Second)
	if snap.Profile == nil || snap.ProfileErr != nil {
		t.Fatalf("expected profile after retry, got %+v", snap)
	}
}

func TestUpstreamSignOutClearsStore(t *testing.T) {
	b, r := facultyFixture()
	s := newTestStore(b, r, NewMemoryStorage())
	s.Initialize(context.Background())
	snap, err := s.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	b.emit(identity.SessionEvent{Kind: identity.SessionSignedOut, SessionID: "some-other-session"})
	if !s.Snapshot().Authenticated() {
		t.Fatalf("unrelated sign-out must not clear the store")
	}

	b.emit(identity.SessionEvent{Kind: identity.SessionSignedOut, SessionID: snap.Session.SessionID})
	if s.Snapshot().Authenticated() {
		t.Fatalf("expected upstream sign-out to clear the store")
	}
}

func TestSubscribeSeesLoginAndLogout(t *testing.T) {
	b, r := facultyFixture()
	s := newTestStore(b, r, NewMemoryStorage())
	s.Initialize(context.Background())

	var mu sync.Mutex
	var seen []bool
	cancel := s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap.Authenticated())
		mu.Unlock()
	})
	defer cancel()

	if _, err := s.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty); err != nil {
		t.Fatalf("login: %v", err)
	}
	s.Logout(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("unexpected notifications %v", seen)
	}
}

func TestLoginDiscardedWhenLogoutRaces(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()
	s := newTestStore(b, r, st)
	s.Initialize(context.Background())

	r.gate = make(chan struct{})
	type result struct {
		snap Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := s.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty)
		done <- result{snap, err}
	}()

	deadline := time.Now().Add(time.Second)
	for b.liveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Logout(context.Background())
	close(r.gate)

	res := <-done
	if !errors.Is(res.err, ErrLoginSuperseded) {
		t.Fatalf("expected ErrLoginSuperseded, got %v", res.err)
	}
	if s.Snapshot().Authenticated() {
		t.Fatalf("logout must win over a login still in flight")
	}
	if _, ok, _ := st.Load(context.Background(), testKey); ok {
		t.Fatalf("expected nothing persisted for the discarded login")
	}
	if b.liveCount() != 0 || b.signedOutCount() != 1 {
		t.Fatalf("expected the discarded session to be signed out upstream")
	}
}

func TestExpiredSessionIsDestroyed(t *testing.T) {
	b, r := facultyFixture()
	st := NewMemoryStorage()
	var offset atomic.Int64
	s := NewStore(b, r, st, Options{
		Key:         testKey,
		InitTimeout: time.Second,
		Now:         func() time.Time { return time.Now().Add(time.Duration(offset.Load())) },
	})
	s.Initialize(context.Background())
	if _, err := s.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty); err != nil {
		t.Fatalf("login: %v", err)
	}

	var published atomic.Int32
	cancel := s.Subscribe(func(snap Snapshot) {
		if !snap.Authenticated() {
			published.Add(1)
		}
	})
	defer cancel()

	offset.Store(int64(2 * time.Hour))
	snap := s.AwaitSettled(context.Background(), time.Second)
	if snap.Authenticated() || snap.Profile != nil {
		t.Fatalf("expected expired session to be cleared, got %+v", snap)
	}
	if published.Load() != 1 {
		t.Fatalf("expected one logged-out notification, got %d", published.Load())
	}
	if _, ok, _ := st.Load(context.Background(), testKey); ok {
		t.Fatalf("expected expired token to be removed from storage")
	}
	if b.liveCount() != 0 {
		t.Fatalf("expected expired session to be signed out upstream")
	}
}

func TestVerificationIgnoresReplacedSession(t *testing.T) {
	b, r := facultyFixture()
	s := newTestStore(b, r, NewMemoryStorage())
	s.Initialize(context.Background())

	first, err := s.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := s.Login(context.Background(), "ada@college.edu", "pw", roles.Faculty); err != nil {
		t.Fatalf("second login: %v", err)
	}

	if err := s.MarkSessionVerified(first.Session.SessionID); !errors.Is(err, ErrSessionChanged) {
		t.Fatalf("expected ErrSessionChanged, got %v", err)
	}
	enrolled := true
	err = s.ApplyProfilePatch(first.Session.SessionID, identity.ProfilePatch{FaceVerified: &enrolled})
	if !errors.Is(err, ErrSessionChanged) {
		t.Fatalf("expected ErrSessionChanged, got %v", err)
	}
	snap := s.Snapshot()
	if snap.SessionVerified || snap.Profile.FaceVerified {
		t.Fatalf("stale verification leaked into the new session: %+v", snap)
	}
}

func TestTeardownBeforeInitializeRegistersNoListener(t *testing.T) {
	b, r := facultyFixture()
	s := newTestStore(b, r, NewMemoryStorage())
	s.Teardown()
	s.Initialize(context.Background())
	if n := b.listenerCount(); n != 0 {
		t.Fatalf("expected no backend listener after teardown, got %d", n)
	}

	live := newTestStore(b, r, NewMemoryStorage())
	live.Initialize(context.Background())
	live.Teardown()
	if n := b.listenerCount(); n != 0 {
		t.Fatalf("expected teardown to detach the listener, got %d", n)
	}
}
