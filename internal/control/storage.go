package control

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/vietddude/relay/internal/core/config"
	redisclient "github.com/vietddude/relay/internal/infra/redis"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/infra/storage/file"
	"github.com/vietddude/relay/internal/infra/storage/postgres"
)

// Stores holds the repositories of the configured backend.
type Stores struct {
	DeadLetters storage.DeadLetterRepository
	Sessions    storage.SessionRepository

	db          *postgres.DB
	redisClient *redisclient.Client
}

// OpenStores connects the configured storage backend.
func OpenStores(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (*Stores, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("Using Redis storage", "namespace", client.Namespace())
		return &Stores{
			DeadLetters: redisclient.NewDeadLetterRepo(client),
			Sessions:    redisclient.NewSessionRepo(client),
			redisClient: client,
		}, nil

	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		log.Info("Using PostgreSQL storage", "driver", cfg.Database.Driver)
		return &Stores{
			DeadLetters: postgres.NewDeadLetterRepo(db),
			Sessions:    postgres.NewSessionRepo(db),
			db:          db,
		}, nil

	default:
		dlq, err := file.NewDeadLetterRepo(filepath.Join(cfg.Dir, "dlq"))
		if err != nil {
			return nil, err
		}
		sessions, err := file.NewSessionRepo(filepath.Join(cfg.Dir, "sessions"))
		if err != nil {
			return nil, err
		}
		log.Info("Using file storage", "dir", cfg.Dir)
		return &Stores{DeadLetters: dlq, Sessions: sessions}, nil
	}
}

// StartCollectors starts backend metrics collection, if any.
func (s *Stores) StartCollectors(ctx context.Context) {
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}
}

// Close releases backend connections.
func (s *Stores) Close() error {
	var err error
	if s.redisClient != nil {
		err = s.redisClient.Close()
	}
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
