package auth

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/campusgate/attendance-portal/internal/db"
)

const Schema = "app_auth"

// Init creates the auth schema and migrates its tables.
func Init(d *gorm.DB) error {
	if err := db.EnsureSchema(d, Schema); err != nil {
		return fmt.Errorf("ensure schema %s: %w", Schema, err)
	}
	if err := d.AutoMigrate(&User{}, &Session{}); err != nil {
		return fmt.Errorf("auto-migrate auth tables: %w", err)
	}
	return nil
}
