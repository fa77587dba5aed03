package auth

import (
	"time"

	"github.com/lib/pq"

	"github.com/campusgate/attendance-portal/internal/identity"
	"github.com/campusgate/attendance-portal/internal/roles"
)

type Session struct {
	SessionID string    `gorm:"primaryKey" json:"-"`
	UserID    string    `gorm:"not null;index" json:"-"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}

type User struct {
	UserID         string         `gorm:"primaryKey" json:"user_id"`
	Email          string         `gorm:"not null;uniqueIndex" json:"email"`
	DisplayName    string         `json:"display_name"`
	Password       string         `json:"password,omitempty" gorm:"-"`
	HashedPassword string         `json:"-"`
	Role           string         `gorm:"not null" json:"role"`
	CollegeID      string         `gorm:"not null;index" json:"college_id"`
	Departments    pq.StringArray `gorm:"type:text[]" json:"departments"`
	FaceEnrolled   bool           `gorm:"not null;default:false" json:"is_face_enrolled"`
	FaceVerified   bool           `gorm:"not null;default:false" json:"is_face_verified"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Session) TableName() string { return "app_auth.sessions" }
func (User) TableName() string    { return "app_auth.users" }

// StringArray converts a department list for storage; nil is stored as an
// empty array.
func StringArray(v []string) pq.StringArray {
	if v == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(append([]string(nil), v...))
}

func (u User) Profile() identity.Profile {
	return identity.Profile{
		IdentityID:   u.UserID,
		Email:        u.Email,
		DisplayName:  u.DisplayName,
		Role:         roles.Role(u.Role),
		CollegeID:    u.CollegeID,
		Departments:  append([]string(nil), u.Departments...),
		FaceEnrolled: u.FaceEnrolled,
		FaceVerified: u.FaceVerified,
	}
}
