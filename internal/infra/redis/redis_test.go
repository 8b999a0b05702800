package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage/storagetest"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(Config{URL: "redis://" + mr.Addr(), Namespace: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestDeadLetterRepo(t *testing.T) {
	client, _ := newTestClient(t)
	storagetest.DeadLetterRepository(t, NewDeadLetterRepo(client))
}

func TestDeadLetterRepo_AwkwardIDs(t *testing.T) {
	client, _ := newTestClient(t)
	storagetest.DeadLetterIDs(t, NewDeadLetterRepo(client))
}

func TestSessionRepo(t *testing.T) {
	client, _ := newTestClient(t)
	storagetest.SessionRepository(t, NewSessionRepo(client))
}

func TestDeadLetterRepo_KeysHaveNoTTL(t *testing.T) {
	client, mr := newTestClient(t)
	repo := NewDeadLetterRepo(client)

	require.NoError(t, repo.Add(context.Background(), &domain.DeadLetter{
		ItemID:   "x1",
		Reason:   "timeout",
		FailedAt: time.Now(),
	}))

	assert.True(t, mr.Exists("dead_letter:test:x1"))
	assert.Zero(t, mr.TTL("dead_letter:test:x1"))

	members, err := mr.ZMembers("dead_letters:test")
	require.NoError(t, err)
	assert.Equal(t, []string{"x1"}, members)
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient(Config{URL: "://nope"})
	assert.Error(t, err)
}
