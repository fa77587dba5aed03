package guard

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/campusgate/attendance-portal/internal/roles"
)

//go:embed routes.yaml
var defaultRoutes []byte

var (
	ErrConflictingVerification = errors.New("route requires both per-session and one-time verification")
	ErrDuplicateRoute          = errors.New("duplicate route path")
)

// RouteDescriptor is the static declaration of one navigable page.
type RouteDescriptor struct {
	Path         string       `yaml:"path"`
	Name         string       `yaml:"name"`
	RequiresAuth bool         `yaml:"requiresAuth"`
	AllowedRoles []roles.Role `yaml:"allowedRoles"`
	// Nil means "same as RequiresAuth".
	RequiresFaceEnrollment      *bool `yaml:"requiresFaceEnrollment"`
	RequiresSessionVerification bool  `yaml:"requiresSessionVerification"`
	RequiresOneTimeVerification bool  `yaml:"requiresOneTimeVerification"`
}

// NeedsEnrollment reports whether the page is closed to unenrolled users.
func (d RouteDescriptor) NeedsEnrollment() bool {
	if d.RequiresFaceEnrollment == nil {
		return d.RequiresAuth
	}
	return *d.RequiresFaceEnrollment
}

// NeedsVerification reports whether the page sits behind a face check.
func (d RouteDescriptor) NeedsVerification() bool {
	return d.RequiresSessionVerification || d.RequiresOneTimeVerification
}

// Allows reports whether role may see the page. An empty list admits any
// authenticated role.
func (d RouteDescriptor) Allows(role roles.Role) bool {
	if len(d.AllowedRoles) == 0 {
		return true
	}
	for _, r := range d.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

func (d RouteDescriptor) validate() error {
	if !strings.HasPrefix(d.Path, "/") {
		return fmt.Errorf("route %q: path must start with /", d.Path)
	}
	if d.RequiresSessionVerification && d.RequiresOneTimeVerification {
		return fmt.Errorf("route %s: %w", d.Path, ErrConflictingVerification)
	}
	if !d.RequiresAuth && (d.NeedsVerification() || len(d.AllowedRoles) > 0 || d.NeedsEnrollment()) {
		return fmt.Errorf("route %s: public routes cannot carry role, enrollment or verification constraints", d.Path)
	}
	for _, r := range d.AllowedRoles {
		if !roles.Valid(string(r)) {
			return fmt.Errorf("route %s: unknown role %q", d.Path, r)
		}
	}
	return nil
}

// Table is the declarative list of every page the guard protects.
type Table struct {
	routes []RouteDescriptor
	byPath map[string]int
}

type tableFile struct {
	Routes []RouteDescriptor `yaml:"routes"`
}

// LoadTable parses and validates a YAML route table.
func LoadTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse route table: %w", err)
	}

	t := &Table{byPath: make(map[string]int, len(f.Routes))}
	for _, d := range f.Routes {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byPath[d.Path]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoute, d.Path)
		}
		t.byPath[d.Path] = len(t.routes)
		t.routes = append(t.routes, d)
	}
	return t, nil
}

// DefaultTable returns the embedded route table.
func DefaultTable() (*Table, error) {
	return LoadTable(defaultRoutes)
}

// LoadTableFile reads a route table from disk, falling back to the embedded
// table when path is empty.
func LoadTableFile(path string) (*Table, error) {
	if path == "" {
		return DefaultTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route table: %w", err)
	}
	return LoadTable(data)
}

// Routes returns the descriptors in declaration order.
func (t *Table) Routes() []RouteDescriptor {
	return append([]RouteDescriptor(nil), t.routes...)
}

// Lookup returns the descriptor declared for path.
func (t *Table) Lookup(path string) (RouteDescriptor, bool) {
	i, ok := t.byPath[path]
	if !ok {
		return RouteDescriptor{}, false
	}
	return t.routes[i], true
}
