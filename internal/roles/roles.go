// Package roles holds the closed set of portal roles and the landing route
// each role is sent to after login.
package roles

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Role describes a user role in the college portal.
type Role string

const (
	Admin              Role = "admin"
	HOD                Role = "hod"
	Faculty            Role = "faculty"
	ProgramCoordinator Role = "program_coordinator"
	Student            Role = "student"
)

// All lists every supported role.
var All = []Role{Admin, HOD, Faculty, ProgramCoordinator, Student}

const LoginPath = "/login"

// VerificationKind says how often a role has to pass the face check.
type VerificationKind int

const (
	// VerificationNone means the role is never asked to verify.
	VerificationNone VerificationKind = iota
	// VerificationOnce is persisted server-side; once passed it is never asked again.
	VerificationOnce
	// VerificationPerSession resets on every login and session restore.
	VerificationPerSession
)

func (k VerificationKind) String() string {
	switch k {
	case VerificationOnce:
		return "once"
	case VerificationPerSession:
		return "per_session"
	default:
		return "none"
	}
}

// Parse normalizes s and reports whether it names a supported role.
func Parse(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !Valid(string(r)) {
		return "", false
	}
	return r, true
}

// Valid returns true when role is one of the supported roles.
func Valid(role string) bool {
	switch Role(role) {
	case Admin, HOD, Faculty, ProgramCoordinator, Student:
		return true
	default:
		return false
	}
}

// Verification returns the face-verification gate that applies to r.
func (r Role) Verification() VerificationKind {
	switch r {
	case Admin, HOD:
		return VerificationOnce
	case Faculty, Student:
		return VerificationPerSession
	default:
		return VerificationNone
	}
}

// Home returns the role's dashboard path, or "" for unknown roles.
func (r Role) Home() string {
	switch r {
	case Admin:
		return "/admin"
	case HOD:
		return "/hod"
	case Faculty:
		return "/faculty"
	case ProgramCoordinator:
		return "/coordinator"
	case Student:
		return "/student"
	default:
		return ""
	}
}

// VerifyPath returns the role's face-verification page, or "" when the role
// has no verification gate.
func (r Role) VerifyPath() string {
	if r.Verification() == VerificationNone {
		return ""
	}
	return r.Home() + "/verify"
}

// Label is the human readable role name, e.g. "Program Coordinator".
func (r Role) Label() string {
	if r == HOD {
		return "HOD"
	}
	return cases.Title(language.English).String(strings.ReplaceAll(string(r), "_", " "))
}

// DefaultLandingRoute maps a resolved role to its landing page. Unknown or
// empty roles land on the login page.
func DefaultLandingRoute(r Role) string {
	if home := r.Home(); home != "" {
		return home
	}
	return LoginPath
}
