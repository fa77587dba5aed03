// Package guard decides, for every navigation, whether a client may see a
// page or where it must be sent instead.
//
// Checks run in a fixed order: loading, unauthenticated, profile pending,
// enrollment, verification, role. An admin who has not enrolled is sent to
// enrollment rather than to the unauthorized page, and a client whose
// profile is still in flight is never bounced to the login page.
package guard

import (
	"go.uber.org/zap"

	"github.com/campusgate/attendance-portal/internal/roles"
	"github.com/campusgate/attendance-portal/internal/session"
)

const (
	EnrollmentPath   = "/face-enrollment"
	UnauthorizedPath = "/unauthorized"
)

// Outcome is what the caller has to do with a decision.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeRedirect Outcome = "redirect"
	OutcomeAllow    Outcome = "allow"
)

// State names the rule that produced a decision.
type State string

const (
	StateLoading              State = "loading"
	StateUnauthenticated      State = "unauthenticated"
	StateProfilePending       State = "profile_pending"
	StateEnrollmentRequired   State = "enrollment_required"
	StateVerificationRequired State = "verification_required"
	StateRoleMismatch         State = "role_mismatch"
	StateAllowed              State = "allowed"
)

// Decision is the result of evaluating one navigation.
type Decision struct {
	Outcome  Outcome `json:"outcome"`
	State    State   `json:"state"`
	Redirect string  `json:"redirect,omitempty"`
}

// VerificationPolicy switches the face-verification gate on or off for the
// whole portal.
type VerificationPolicy struct {
	Enabled bool
}

// Guard evaluates navigations against route descriptors.
type Guard struct {
	policy VerificationPolicy
	logger *zap.Logger
}

func New(policy VerificationPolicy, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !policy.Enabled {
		logger.Warn("face verification gate is DISABLED; verify pages are not enforced")
	}
	return &Guard{policy: policy, logger: logger}
}

// Policy returns the verification policy the guard was built with.
func (g *Guard) Policy() VerificationPolicy { return g.policy }

// Evaluate decides what happens when a client in state snap navigates to
// path, which is served by route.
func (g *Guard) Evaluate(snap session.Snapshot, route RouteDescriptor, path string) Decision {
	if snap.Loading {
		return Decision{Outcome: OutcomePending, State: StateLoading}
	}
	if !route.RequiresAuth {
		return Decision{Outcome: OutcomeAllow, State: StateAllowed}
	}
	if !snap.Authenticated() {
		return redirect(StateUnauthenticated, roles.LoginPath)
	}
	if snap.Profile == nil {
		return Decision{Outcome: OutcomePending, State: StateProfilePending}
	}

	p := snap.Profile
	if route.NeedsEnrollment() && !p.FaceEnrolled && path != EnrollmentPath {
		return redirect(StateEnrollmentRequired, EnrollmentPath)
	}

	if route.NeedsVerification() {
		if target, ok := g.verificationRedirect(snap, path); ok {
			return redirect(StateVerificationRequired, target)
		}
	}

	if !route.Allows(p.Role) {
		return redirect(StateRoleMismatch, UnauthorizedPath)
	}
	return Decision{Outcome: OutcomeAllow, State: StateAllowed}
}

func (g *Guard) verificationRedirect(snap session.Snapshot, path string) (string, bool) {
	role := snap.Profile.Role
	verifyPath := role.VerifyPath()
	if verifyPath == "" || path == verifyPath {
		return "", false
	}

	var verified bool
	switch role.Verification() {
	case roles.VerificationOnce:
		verified = snap.Profile.FaceVerified
	case roles.VerificationPerSession:
		verified = snap.SessionVerified
	}
	if verified {
		return "", false
	}
	if !g.policy.Enabled {
		g.logger.Warn("verification gate bypassed by policy",
			zap.String("identity_id", snap.Profile.IdentityID),
			zap.String("role", string(role)),
			zap.String("path", path),
		)
		return "", false
	}
	return verifyPath, true
}

func redirect(state State, to string) Decision {
	return Decision{Outcome: OutcomeRedirect, State: state, Redirect: to}
}
