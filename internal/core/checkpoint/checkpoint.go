// Package checkpoint persists crash-resumable progress for a generation run.
//
// # Purpose
//
// A session is the "bookmark" of a long run:
//   - Output stream: one JSONL line per checkpointed artifact
//   - Session record: target, current count and state, kept in a repository
//   - State: new → in_progress → completed
//
// # Crash safety
//
// A line is appended and fsynced before the count moves, and the output file
// is authoritative on resume: the count is rebuilt from complete lines and a
// torn trailing line is cut off. After any crash the resumed count equals the
// number of artifacts on disk.
//
// # Quick Start
//
//	m := checkpoint.NewManager(sessionRepo, logger)
//	s, _ := m.InitializeSession(ctx, checkpoint.SessionOptions{
//	    Target: 100, Resume: true, OutputDir: "out",
//	})
//
//	done, err := m.RecordItem(ctx, record) // done is true exactly once
//
//	p := m.Progress() // current/target/percentage
//
// # Package Structure
//
//   - state.go   - State machine definitions and valid transitions
//   - manager.go - Session lifecycle and the serialized writer
//   - output.go  - JSONL append and resume reconciliation
//   - metrics.go - Throughput window
package checkpoint

import (
	"log/slog"
	"time"

	"github.com/vietddude/relay/internal/infra/storage"
)

// NewManager creates a checkpoint manager over the given session repository.
// A nil logger falls back to slog.Default().
func NewManager(repo storage.SessionRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:       repo,
		logger:     logger,
		now:        time.Now,
		throughput: newThroughput(100),
	}
}
