package eventstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T) *RedisStream {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStream(rdb, "mage:outcomes")
}

func TestAddAndReadGroup(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	require.NoError(t, s.EnsureGroup(ctx, "pattern-learners"))

	id1, err := s.Add(ctx, map[string]interface{}{"outcome": `{"decisionPoint":"triage"}`})
	require.NoError(t, err)
	id2, err := s.Add(ctx, map[string]interface{}{"outcome": `{"decisionPoint":"processing_route"}`})
	require.NoError(t, err)

	entries, err := s.ReadGroup(ctx, "pattern-learners", "worker-1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, id2, entries[1].ID)
	assert.Contains(t, entries[0].Values["outcome"], "triage")
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	require.NoError(t, s.EnsureGroup(ctx, "g"))
	require.NoError(t, s.EnsureGroup(ctx, "g"))
}

func TestGroupReplaysHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	// Entries added before the group exists are still delivered: the group
	// starts at the beginning of the stream.
	_, err := s.Add(ctx, map[string]interface{}{"outcome": "early"})
	require.NoError(t, err)

	require.NoError(t, s.EnsureGroup(ctx, "late-group"))
	entries, err := s.ReadGroup(ctx, "late-group", "w", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "early", entries[0].Values["outcome"])
}

func TestAckRemovesFromPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)
	require.NoError(t, s.EnsureGroup(ctx, "g"))

	id, err := s.Add(ctx, map[string]interface{}{"outcome": "x"})
	require.NoError(t, err)

	entries, err := s.ReadGroup(ctx, "g", "w", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.Ack(ctx, "g", id))

	// The ">" cursor only yields never-delivered entries.
	entries, err = s.ReadGroup(ctx, "g", "w", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAckNoIDsIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)
	assert.NoError(t, s.Ack(ctx, "g"))
}

func TestLen(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	for i := 0; i < 3; i++ {
		_, err := s.Add(ctx, map[string]interface{}{"outcome": "x"})
		require.NoError(t, err)
	}
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
