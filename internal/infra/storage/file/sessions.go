package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

const activePointer = "active"

// SessionRepo stores <dir>/<session_id>.json plus an "active" pointer file
// holding the id of the in-progress session.
type SessionRepo struct {
	dir string
	mu  sync.Mutex
}

// NewSessionRepo creates the directory if needed.
func NewSessionRepo(dir string) (*SessionRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &SessionRepo{dir: dir}, nil
}

func (r *SessionRepo) path(id string) string {
	return filepath.Join(r.dir, safeName(id)+".json")
}

func (r *SessionRepo) Active(ctx context.Context) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(r.dir, activePointer))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read active session pointer: %w", err)
	}

	id := strings.TrimSpace(string(data))
	if id == "" {
		return nil, nil
	}
	s, err := readSession(r.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return s, err
}

func (r *SessionRepo) Latest(ctx context.Context) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var latest *domain.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		s, err := readSession(filepath.Join(r.dir, name))
		if err != nil {
			return nil, err
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	return latest, nil
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := readSession(r.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	return s, err
}

func (r *SessionRepo) Save(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := writeJSONAtomic(r.path(s.SessionID), s); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.SessionID, err)
	}

	pointer := filepath.Join(r.dir, activePointer)
	if s.State != domain.SessionStateCompleted {
		return writeFileAtomic(pointer, []byte(s.SessionID))
	}

	data, err := os.ReadFile(pointer)
	if err == nil && strings.TrimSpace(string(data)) == s.SessionID {
		if err := os.Remove(pointer); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear active session pointer: %w", err)
		}
	}
	return nil
}

func readSession(path string) (*domain.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}
