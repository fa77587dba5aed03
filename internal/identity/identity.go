// Package identity defines the records exchanged between the identity/profile
// backend and the portal's session layer.
package identity

import (
	"errors"
	"time"

	"github.com/campusgate/attendance-portal/internal/roles"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrProfileNotFound    = errors.New("profile not found")
	ErrSessionNotFound    = errors.New("session not found")
)

// Credentials is a live authentication grant issued by the backend.
type Credentials struct {
	Token      string    `json:"token"`
	SessionID  string    `json:"session_id"`
	IdentityID string    `json:"identity_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the grant has passed its expiry at now.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Profile is the authoritative role and status record of an identity.
type Profile struct {
	IdentityID   string     `json:"identity_id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	Role         roles.Role `json:"role"`
	CollegeID    string     `json:"college_id"`
	Departments  []string   `json:"departments,omitempty"`
	FaceEnrolled bool       `json:"is_face_enrolled"`
	FaceVerified bool       `json:"is_face_verified"`
}

// ProfilePatch carries the fields a profile update may change. Nil fields
// are left untouched.
type ProfilePatch struct {
	DisplayName  *string   `json:"display_name,omitempty"`
	Departments  *[]string `json:"departments,omitempty"`
	FaceEnrolled *bool     `json:"is_face_enrolled,omitempty"`
	FaceVerified *bool     `json:"is_face_verified,omitempty"`
}

// Apply returns p with patch applied.
func (patch ProfilePatch) Apply(p Profile) Profile {
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.Departments != nil {
		p.Departments = append([]string(nil), (*patch.Departments)...)
	}
	if patch.FaceEnrolled != nil {
		p.FaceEnrolled = *patch.FaceEnrolled
	}
	if patch.FaceVerified != nil {
		p.FaceVerified = *patch.FaceVerified
	}
	return p
}

// Bool is a helper for building patches.
func Bool(v bool) *bool { return &v }

// SessionEventKind tells subscribers what happened to a session.
type SessionEventKind string

const (
	SessionSignedIn  SessionEventKind = "signed_in"
	SessionSignedOut SessionEventKind = "signed_out"
)

// SessionEvent is published by the backend whenever a session starts or ends.
type SessionEvent struct {
	Kind       SessionEventKind
	SessionID  string
	IdentityID string
	At         time.Time
}
