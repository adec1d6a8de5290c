package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Scratch is a private directory owned by a single run.
type Scratch struct {
	root string

	mu     sync.Mutex
	closed bool
}

// NewScratch creates a fresh run-<uuid> directory under base.
func NewScratch(base string) (*Scratch, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch base %s: %w", base, err)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}

	root := filepath.Join(abs, "run-"+uuid.New().String())
	// Mkdir fails if the directory exists, so two runs never share a root.
	if err := os.Mkdir(root, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	return &Scratch{root: root}, nil
}

// Root returns the scratch directory.
func (s *Scratch) Root() string {
	return s.root
}

// Path joins elem onto the scratch root.
func (s *Scratch) Path(elem ...string) string {
	return filepath.Join(append([]string{s.root}, elem...)...)
}

// Close removes the scratch tree. Calling it again is a no-op.
func (s *Scratch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := os.RemoveAll(s.root); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove scratch %s: %w", s.root, err)
	}
	return nil
}
