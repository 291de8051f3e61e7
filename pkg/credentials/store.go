package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// DirPrefix is the naming convention for per-tenant credential directories.
const DirPrefix = "session-"

var (
	// ErrInvalidTenant is returned for identifiers that cannot be mapped to a directory.
	ErrInvalidTenant = errors.New("invalid tenant identifier")

	tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// ValidateTenant checks that a tenant identifier is safe to use as a path component.
func ValidateTenant(tenant string) error {
	if !tenantPattern.MatchString(tenant) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return nil
}

// Store resolves tenants to durable credential directories under a single root.
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore creates the root directory if needed. A failure here is fatal for the caller:
// without the root no session can be persisted or recovered.
func NewStore(fs afero.Fs, root string) (*Store, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("credentials root is required")
	}
	if err := fs.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials root: %w", err)
	}
	return &Store{fs: fs, root: root}, nil
}

// Root returns the credentials root directory.
func (s *Store) Root() string {
	return s.root
}

// Fs returns the filesystem the store operates on.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Dir returns the credential directory for a tenant.
func (s *Store) Dir(tenant string) (string, error) {
	if err := ValidateTenant(tenant); err != nil {
		return "", err
	}
	return filepath.Join(s.root, DirPrefix+tenant), nil
}

// Ensure creates the tenant's credential directory and returns its path.
func (s *Store) Ensure(tenant string) (string, error) {
	dir, err := s.Dir(tenant)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create credential directory: %w", err)
	}
	return dir, nil
}

// Exists reports whether the tenant has a credential directory.
func (s *Store) Exists(tenant string) bool {
	dir, err := s.Dir(tenant)
	if err != nil {
		return false
	}
	info, err := s.fs.Stat(dir)
	return err == nil && info.IsDir()
}

// Remove deletes the tenant's credential directory. Removing a missing directory is not an error.
func (s *Store) Remove(tenant string) error {
	dir, err := s.Dir(tenant)
	if err != nil {
		return err
	}
	if err := s.fs.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential directory: %w", err)
	}
	return nil
}

// Tenants lists tenants with persisted credentials, sorted by identifier.
// Entries that do not follow the naming convention are ignored.
func (s *Store) Tenants() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials root: %w", err)
	}

	tenants := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, DirPrefix) {
			continue
		}
		tenant := strings.TrimPrefix(name, DirPrefix)
		if ValidateTenant(tenant) != nil {
			continue
		}
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}
