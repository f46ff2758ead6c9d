// Package authstate persists authenticated browser storage state (cookies,
// local storage) per account, so a fresh session can sometimes skip the
// interactive login entirely. State lives on the local filesystem; it is an
// optimization, never a source of truth.
package authstate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StateSaver is anything that can dump its auth state to a file. Satisfied
// by the browser automation context.
type StateSaver interface {
	SaveAuthState(path string) error
}

// Store manages saved auth states keyed by account.
type Store struct {
	mu  sync.Mutex
	dir string
	ttl time.Duration
}

// NewStore creates the backing directory if needed.
func NewStore(dir string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create auth state directory: %w", err)
	}
	return &Store{dir: dir, ttl: ttl}, nil
}

// Save writes the saver's current state for the given account, replacing any
// previous state.
func (s *Store) Save(username string, saver StateSaver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saver.SaveAuthState(s.pathFor(username))
}

// Path returns the saved state file for an account if one exists and is
// still fresh. The boolean is false when there is nothing usable.
func (s *Store) Path(username string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(username)
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if time.Since(info.ModTime()) > s.ttl {
		// Stale cookies only waste a login attempt; drop them.
		os.Remove(path)
		return "", false
	}
	return path, true
}

// Invalidate removes any saved state for an account, e.g. after the site
// rejected its cookies.
func (s *Store) Invalidate(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Remove(s.pathFor(username))
}

// Account names go through a hash so credentials never appear in filenames.
func (s *Store) pathFor(username string) string {
	sum := sha256.Sum256([]byte(username))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".json")
}
