// Package disk writes snapshots below a local directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const lockName = ".keyserver-snapshot.lock"

// Config controls the disk sink.
type Config struct {
	// Root is the directory snapshots are written under. It is created if
	// missing.
	Root string
}

// Sink writes each snapshot to a temporary file and renames it into place,
// holding an advisory lock on Root so several servers sharing a directory do
// not interleave writes to latest.json.
type Sink struct {
	root string
	mu   sync.Mutex
	lock *os.File
}

// New prepares Root and opens the lock file.
func New(cfg Config) (*Sink, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("disk: root is required")
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("disk: root %q must be absolute", root)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create root: %w", err)
	}
	lock, err := os.OpenFile(filepath.Join(root, lockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock file: %w", err)
	}
	return &Sink{root: root, lock: lock}, nil
}

// Root returns the directory the sink writes to.
func (s *Sink) Root() string { return s.root }

// Put writes body to Root/name atomically.
func (s *Sink) Put(ctx context.Context, name string, body []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("disk: create dir for %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return errors.New("disk: sink closed")
	}
	if err := lockFile(s.lock); err != nil {
		return fmt.Errorf("disk: lock: %w", err)
	}
	defer func() { _ = unlockFile(s.lock) }()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("disk: create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("disk: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("disk: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("disk: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("disk: rename %s: %w", name, err)
	}
	return nil
}

// Close releases the lock file handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := s.lock.Close()
	s.lock = nil
	return err
}

// resolve maps a slash separated name below Root and refuses escapes.
func (s *Sink) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("disk: invalid object name %q", name)
	}
	return filepath.Join(s.root, clean), nil
}
