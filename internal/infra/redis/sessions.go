package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// SessionRepo implements SessionRepository using Redis.
type SessionRepo struct {
	rdb       *redis.Client
	namespace string
}

// NewSessionRepo creates a new Redis-backed session repository.
func NewSessionRepo(client *Client) *SessionRepo {
	return &SessionRepo{
		rdb:       client.rdb,
		namespace: client.namespace,
	}
}

// Key helpers
func (r *SessionRepo) sessionKey(id string) string {
	return fmt.Sprintf("session:%s:%s", r.namespace, id)
}

func (r *SessionRepo) activeKey() string {
	return fmt.Sprintf("session_active:%s", r.namespace)
}

func (r *SessionRepo) indexKey() string {
	return fmt.Sprintf("sessions:%s", r.namespace)
}

func (r *SessionRepo) Active(ctx context.Context) (*domain.Session, error) {
	id, err := r.rdb.Get(ctx, r.activeKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}

	s, err := r.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

func (r *SessionRepo) Latest(ctx context.Context) (*domain.Session, error) {
	ids, err := r.rdb.ZRevRange(ctx, r.indexKey(), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return r.Get(ctx, ids[0])
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	data, err := r.rdb.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepo) Save(ctx context.Context, s *domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(s.SessionID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: score(s.UpdatedAt), Member: s.SessionID})
		if s.State != domain.SessionStateCompleted {
			pipe.Set(ctx, r.activeKey(), s.SessionID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.SessionID, err)
	}

	if s.State == domain.SessionStateCompleted {
		active, err := r.rdb.Get(ctx, r.activeKey()).Result()
		if err == nil && active == s.SessionID {
			if err := r.rdb.Del(ctx, r.activeKey()).Err(); err != nil {
				return fmt.Errorf("failed to clear active session: %w", err)
			}
		}
	}
	return nil
}
