package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// DeadLetterRepo implements DeadLetterRepository using Redis. Entries are
// JSON strings without TTL, indexed by a sorted set scored by failure time.
type DeadLetterRepo struct {
	rdb       *redis.Client
	namespace string
}

// NewDeadLetterRepo creates a new Redis-backed dead letter repository.
func NewDeadLetterRepo(client *Client) *DeadLetterRepo {
	return &DeadLetterRepo{
		rdb:       client.rdb,
		namespace: client.namespace,
	}
}

// Key helpers
func (r *DeadLetterRepo) indexKey() string {
	return fmt.Sprintf("dead_letters:%s", r.namespace)
}

func (r *DeadLetterRepo) entryKey(id string) string {
	return fmt.Sprintf("dead_letter:%s:%s", r.namespace, id)
}

// Add stores the entry and indexes it.
func (r *DeadLetterRepo) Add(ctx context.Context, dl *domain.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.entryKey(dl.ItemID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: score(dl.FailedAt), Member: dl.ItemID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add dead letter %s: %w", dl.ItemID, err)
	}
	return nil
}

// Get retrieves one entry.
func (r *DeadLetterRepo) Get(ctx context.Context, itemID string) (*domain.DeadLetter, error) {
	data, err := r.rdb.Get(ctx, r.entryKey(itemID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}

	var dl domain.DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return &dl, nil
}

// List returns entries oldest first.
func (r *DeadLetterRepo) List(ctx context.Context) ([]*domain.DeadLetter, error) {
	ids, err := r.IDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.entryKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	out := make([]*domain.DeadLetter, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// index entry without data
			continue
		}
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter %s: %w", ids[i], err)
		}
		out = append(out, &dl)
	}
	return out, nil
}

// Exists reports whether the item is indexed.
func (r *DeadLetterRepo) Exists(ctx context.Context, itemID string) (bool, error) {
	err := r.rdb.ZScore(ctx, r.indexKey(), itemID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("zscore failed: %w", err)
	}
	return true, nil
}

// IDs returns item ids oldest first.
func (r *DeadLetterRepo) IDs(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	return ids, nil
}

// Count returns the number of entries.
func (r *DeadLetterRepo) Count(ctx context.Context) (int, error) {
	count, err := r.rdb.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

// DeleteOlderThan removes entries that failed before cutoff.
func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, r.entryKey(id))
		}
		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.ZRem(ctx, r.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	return len(ids), nil
}
