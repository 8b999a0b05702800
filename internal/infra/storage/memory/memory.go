package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

type MemoryStorage struct {
	deadLetters map[string]*domain.DeadLetter
	sessions    map[string]*domain.Session
	active      string
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		deadLetters: make(map[string]*domain.DeadLetter),
		sessions:    make(map[string]*domain.Session),
	}
}

// -----------------------------------------------------------------------------
// Dead Letter Repository
// -----------------------------------------------------------------------------

type DeadLetterRepo struct {
	store *MemoryStorage
}

func NewDeadLetterRepo(store *MemoryStorage) *DeadLetterRepo {
	return &DeadLetterRepo{store: store}
}

func (r *DeadLetterRepo) Add(ctx context.Context, dl *domain.DeadLetter) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *dl
	r.store.deadLetters[dl.ItemID] = &cp
	return nil
}

func (r *DeadLetterRepo) Get(ctx context.Context, itemID string) (*domain.DeadLetter, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	dl, ok := r.store.deadLetters[itemID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

func (r *DeadLetterRepo) List(ctx context.Context) ([]*domain.DeadLetter, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.DeadLetter, 0, len(r.store.deadLetters))
	for _, dl := range r.store.deadLetters {
		cp := *dl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out, nil
}

func (r *DeadLetterRepo) Exists(ctx context.Context, itemID string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.deadLetters[itemID]
	return ok, nil
}

func (r *DeadLetterRepo) IDs(ctx context.Context) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	ids := make([]string, 0, len(r.store.deadLetters))
	for id := range r.store.deadLetters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *DeadLetterRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.deadLetters), nil
}

func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := 0
	for id, dl := range r.store.deadLetters {
		if dl.FailedAt.Before(cutoff) {
			delete(r.store.deadLetters, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Session Repository
// -----------------------------------------------------------------------------

type SessionRepo struct {
	store *MemoryStorage
}

func NewSessionRepo(store *MemoryStorage) *SessionRepo {
	return &SessionRepo{store: store}
}

func (r *SessionRepo) Active(ctx context.Context) (*domain.Session, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if r.store.active == "" {
		return nil, nil
	}
	s, ok := r.store.sessions[r.store.active]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *SessionRepo) Latest(ctx context.Context) (*domain.Session, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var latest *domain.Session
	for _, s := range r.store.sessions {
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.sessions[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *SessionRepo) Save(ctx context.Context, s *domain.Session) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *s
	r.store.sessions[s.SessionID] = &cp
	switch {
	case s.State != domain.SessionStateCompleted:
		r.store.active = s.SessionID
	case r.store.active == s.SessionID:
		r.store.active = ""
	}
	return nil
}
