// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func deadLetter(id string, failedAt time.Time) *domain.DeadLetter {
	return &domain.DeadLetter{
		ItemID: id,
		Payload: domain.Payload{
			Prompt:    "prompt for " + id,
			MaxTokens: 32,
			Metadata:  map[string]string{"topic": "test"},
		},
		Reason:       "429 Too Many Requests",
		Attempts:     3,
		LastProvider: "primary",
		FailedAt:     failedAt,
	}
}

// DeadLetterRepository exercises a fresh, empty repository.
func DeadLetterRepository(t *testing.T, repo storage.DeadLetterRepository) {
	t.Helper()
	ctx := context.Background()

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.Add(ctx, deadLetter("item-b", base.Add(2*time.Minute))))
	require.NoError(t, repo.Add(ctx, deadLetter("item-a", base)))
	require.NoError(t, repo.Add(ctx, deadLetter("item/c", base.Add(time.Hour))))

	got, err := repo.Get(ctx, "item-a")
	require.NoError(t, err)
	assert.Equal(t, "prompt for item-a", got.Payload.Prompt)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "primary", got.LastProvider)
	assert.Equal(t, "test", got.Payload.Metadata["topic"])
	assert.True(t, got.FailedAt.Equal(base))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "item-a", list[0].ItemID)
	assert.Equal(t, "item-b", list[1].ItemID)
	assert.Equal(t, "item/c", list[2].ItemID)

	ok, err := repo.Exists(ctx, "item/c")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := repo.IDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"item-a", "item-b", "item/c"}, ids)

	// re-adding replaces rather than duplicates
	require.NoError(t, repo.Add(ctx, deadLetter("item-a", base)))
	n, err = repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	removed, err := repo.DeleteOlderThan(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	list, err = repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "item/c", list[0].ItemID)
}

// DeadLetterIDs checks that ids which differ only in punctuation, or start
// with a dot, are stored as distinct visible entries. Run it on an empty repository.
func DeadLetterIDs(t *testing.T, repo storage.DeadLetterRepository) {
	t.Helper()
	ctx := context.Background()

	awkward := []string{"a/b", "a_b", "a:b", ".env-prompt", "..", "~x"}
	for i, id := range awkward {
		require.NoError(t, repo.Add(ctx, deadLetter(id, base.Add(time.Duration(i)*time.Minute))))
	}

	ids, err := repo.IDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, awkward, ids)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(awkward), n)

	for _, id := range awkward {
		got, err := repo.Get(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, id, got.ItemID)
		assert.Equal(t, "prompt for "+id, got.Payload.Prompt)
	}

	removed, err := repo.DeleteOlderThan(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, len(awkward), removed)

	n, err = repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	ok, err := repo.Exists(ctx, ".env-prompt")
	require.NoError(t, err)
	assert.False(t, ok)
}

// SessionRepository exercises a fresh, empty repository.
func SessionRepository(t *testing.T, repo storage.SessionRepository) {
	t.Helper()
	ctx := context.Background()

	s, err := repo.Active(ctx)
	require.NoError(t, err)
	require.Nil(t, s)

	s, err = repo.Latest(ctx)
	require.NoError(t, err)
	require.Nil(t, s)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	first := &domain.Session{
		SessionID:  "s1",
		StartTime:  base,
		OutputFile: "out/s1.jsonl",
		TargetSize: 5,
		State:      domain.SessionStateInProgress,
		UpdatedAt:  base,
	}
	require.NoError(t, repo.Save(ctx, first))

	active, err := repo.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "s1", active.SessionID)
	assert.Equal(t, "out/s1.jsonl", active.OutputFile)

	first.CurrentCount = 5
	first.Completed = true
	first.State = domain.SessionStateCompleted
	first.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, first))

	active, err = repo.Active(ctx)
	require.NoError(t, err)
	assert.Nil(t, active, "completed session must not stay active")

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.CurrentCount)
	assert.True(t, got.Completed)
	assert.Equal(t, domain.SessionStateCompleted, got.State)

	second := &domain.Session{
		SessionID:  "s2",
		StartTime:  base.Add(time.Hour),
		OutputFile: "out/s2.jsonl",
		TargetSize: 10,
		State:      domain.SessionStateNew,
		UpdatedAt:  base.Add(time.Hour),
	}
	require.NoError(t, repo.Save(ctx, second))

	latest, err := repo.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "s2", latest.SessionID)

	active, err = repo.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "s2", active.SessionID)
}
