// Package paths resolves filesystem locations for engine state and
// guards against path traversal when joining caller-supplied segments.
package paths

import (
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/borgitory/borgitory/errors"
)

// Service hands out the engine's data and scratch directories. Both are
// created on first use with owner-only permissions since they can hold
// decrypted key material.
type Service struct {
	dataDir string
	tempDir string
}

// NewService builds a Service rooted at the given directories. Empty
// arguments fall back to the defaults under the user's home directory
// and the OS temp directory.
func NewService(dataDir, tempDir string) (*Service, error) {
	if dataDir == "" {
		d, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = d
	}
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "borgitory")
	}

	for _, dir := range []string{dataDir, tempDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrapf(err, "creating directory %s", dir)
		}
	}

	return &Service{dataDir: dataDir, tempDir: tempDir}, nil
}

// DefaultDataDir returns ~/.borgitory/data.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, ".borgitory", "data"), nil
}

// DataDir returns the persistent state directory.
func (s *Service) DataDir() string {
	return s.dataDir
}

// TempDir returns the scratch directory for short-lived files.
func (s *Service) TempDir() string {
	return s.tempDir
}

// SecureJoin joins parts onto base and returns the result, refusing any
// combination that would land outside base. Escapes via ".." components
// are rejected outright; symlinks inside base are resolved such that the
// final path still cannot leave it.
func SecureJoin(base string, parts ...string) (string, error) {
	if base == "" {
		return "", errors.New("empty base path")
	}

	unsafe := filepath.Join(parts...)
	if filepath.IsAbs(unsafe) {
		return "", errors.Newf("absolute segment %q not allowed under %s", unsafe, base)
	}

	// Lexical check first: the cleaned join must stay a descendant.
	joined := filepath.Join(base, unsafe)
	rel, err := filepath.Rel(base, joined)
	if err != nil {
		return "", errors.Wrapf(err, "relativizing %q against %s", unsafe, base)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Newf("path %q escapes base %s", unsafe, base)
	}

	// Then resolve through securejoin so symlinks under base cannot
	// redirect the final path outside of it.
	resolved, err := securejoin.SecureJoin(base, rel)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %q under %s", unsafe, base)
	}
	return resolved, nil
}

// SecureJoin is the method form used by components holding a Service.
func (s *Service) SecureJoin(base string, parts ...string) (string, error) {
	return SecureJoin(base, parts...)
}
