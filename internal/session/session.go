// Package session tracks the temporary files created while a kernel session
// runs cells, so they can all be removed on shutdown.
package session

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

//go:embed resources/master.cpp
var masterSource string

// Session is the per-session context: its id, the scratch directory and
// every file created in it.
type Session struct {
	ID  string
	dir string
	log *slog.Logger

	mu     sync.Mutex
	files  []string
	master string
	closed bool
}

// New creates a session with a fresh scratch directory under baseDir (the
// system temp directory when baseDir is empty).
func New(baseDir string, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New().String()
	dir, err := os.MkdirTemp(baseDir, "cellrunner-"+id[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Session{
		ID:  id,
		dir: dir,
		log: log.With("session", id),
	}, nil
}

// Dir returns the scratch directory.
func (s *Session) Dir() string {
	return s.dir
}

// TempFile creates a new file whose name ends in suffix. The file is removed
// by Cleanup, not when it is closed.
func (s *Session) TempFile(suffix string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("session %s is closed", s.ID)
	}
	f, err := os.CreateTemp(s.dir, "cell-*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	s.files = append(s.files, f.Name())
	return f, nil
}

// Files returns the paths of the files created so far.
func (s *Session) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// WriteMasterSource writes the loader source into the session and returns
// its path.
func (s *Session) WriteMasterSource() (string, error) {
	f, err := s.TempFile(".cpp")
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(masterSource); err != nil {
		return "", fmt.Errorf("failed to write loader source: %w", err)
	}
	return f.Name(), nil
}

// SetMaster records the path of the compiled loader.
func (s *Session) SetMaster(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.master = path
}

// Master returns the path of the compiled loader, or "" before it was built.
func (s *Session) Master() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// Cleanup removes every file of the session and its directory. Calling it
// more than once is harmless.
func (s *Session) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, name := range s.files {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to remove temp file", "path", name, "error", err)
		}
	}
	if s.master != "" {
		if err := os.Remove(s.master); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to remove loader binary", "path", s.master, "error", err)
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	s.log.Info("Session cleaned up", "files", len(s.files))
	return nil
}
