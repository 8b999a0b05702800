package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

const reasonSuffix = ".reason.txt"

// DeadLetterRepo stores one <id>.json document plus a sibling <id>.reason.txt
// per failed item under a dedicated directory.
type DeadLetterRepo struct {
	dir string
	mu  sync.Mutex
}

// NewDeadLetterRepo creates the directory if needed.
func NewDeadLetterRepo(dir string) (*DeadLetterRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dead letter dir: %w", err)
	}
	return &DeadLetterRepo{dir: dir}, nil
}

func (r *DeadLetterRepo) payloadPath(id string) string {
	return filepath.Join(r.dir, safeName(id)+".json")
}

func (r *DeadLetterRepo) reasonPath(id string) string {
	return filepath.Join(r.dir, safeName(id)+reasonSuffix)
}

// Add writes the payload document first, then the reason file.
func (r *DeadLetterRepo) Add(ctx context.Context, dl *domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := writeJSONAtomic(r.payloadPath(dl.ItemID), dl); err != nil {
		return fmt.Errorf("failed to write dead letter %s: %w", dl.ItemID, err)
	}

	reason := fmt.Sprintf("item: %s\nfailed_at: %s\nattempts: %d\nlast_provider: %s\n\n%s\n",
		dl.ItemID, dl.FailedAt.UTC().Format(time.RFC3339), dl.Attempts, dl.LastProvider, dl.Reason)
	if err := writeFileAtomic(r.reasonPath(dl.ItemID), []byte(reason)); err != nil {
		return fmt.Errorf("failed to write dead letter reason %s: %w", dl.ItemID, err)
	}
	return nil
}

func (r *DeadLetterRepo) Get(ctx context.Context, itemID string) (*domain.DeadLetter, error) {
	dl, err := readDeadLetter(r.payloadPath(itemID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	return dl, err
}

func (r *DeadLetterRepo) List(ctx context.Context) ([]*domain.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *DeadLetterRepo) listLocked() ([]*domain.DeadLetter, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read dead letter dir: %w", err)
	}

	var out []*domain.DeadLetter
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		dl, err := readDeadLetter(filepath.Join(r.dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
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
	_, err := os.Stat(r.payloadPath(itemID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (r *DeadLetterRepo) IDs(ctx context.Context) ([]string, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for _, dl := range all {
		ids = append(ids, dl.ItemID)
	}
	return ids, nil
}

func (r *DeadLetterRepo) Count(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("read dead letter dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n, nil
}

func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.listLocked()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, dl := range all {
		if !dl.FailedAt.Before(cutoff) {
			break
		}
		if err := os.Remove(r.payloadPath(dl.ItemID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, fmt.Errorf("remove dead letter %s: %w", dl.ItemID, err)
		}
		_ = os.Remove(r.reasonPath(dl.ItemID))
		n++
	}
	return n, nil
}

func readDeadLetter(path string) (*domain.DeadLetter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dl domain.DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &dl, nil
}
