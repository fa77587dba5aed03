package db

import (
	"fmt"
	"regexp"

	"gorm.io/gorm"
)

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// EnsureSchema creates schema if it does not exist yet.
func EnsureSchema(d *gorm.DB, schema string) error {
	if !schemaName.MatchString(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}
	return d.Exec(`CREATE SCHEMA IF NOT EXISTS "` + schema + `"`).Error
}
