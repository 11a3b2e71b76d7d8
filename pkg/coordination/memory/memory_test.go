package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seednode/pkg/coordination"
)

func TestEnsurePath_SecondCallReportsExists(t *testing.T) {
	store := NewStore()
	c := store.Connect()
	ctx := context.Background()

	require.NoError(t, c.EnsurePath(ctx, "/seednode/orders"))
	assert.ErrorIs(t, c.EnsurePath(ctx, "/seednode/orders"), coordination.ErrNodeExists)
	assert.True(t, store.Exists("/seednode"))
	assert.True(t, store.Exists("/seednode/orders"))
}

func TestEnsurePath_ConcurrentSessions(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.Connect().EnsurePath(ctx, "/race")
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range results {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, coordination.ErrNodeExists)
	}
	assert.Equal(t, 1, created)
}

func TestLatch_LowestSequenceLeads(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	a, err := store.Connect().StartCandidate(ctx, "/p", "a:1")
	require.NoError(t, err)
	b, err := store.Connect().StartCandidate(ctx, "/p", "b:1")
	require.NoError(t, err)

	for _, l := range []coordination.Latch{a, b} {
		id, known, err := l.Leader(ctx)
		require.NoError(t, err)
		assert.True(t, known)
		assert.Equal(t, "a:1", id)
	}

	ids, err := b.Candidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:1"}, ids)
}

func TestClientClose_DropsItsCandidates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first := store.Connect()
	_, err := first.StartCandidate(ctx, "/p", "a:1")
	require.NoError(t, err)
	second, err := store.Connect().StartCandidate(ctx, "/p", "b:1")
	require.NoError(t, err)

	require.NoError(t, first.Close())
	assert.ErrorIs(t, first.Close(), coordination.ErrClosed)

	view, err := coordination.View(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "b:1", view.LeaderID)
	assert.True(t, view.IsLeader)
	assert.Equal(t, []string{"b:1"}, view.Candidates)
}

func TestLatchClose_Idempotent(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	l, err := store.Connect().StartCandidate(ctx, "/p", "a:1")
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx))
	assert.ErrorIs(t, l.Close(ctx), coordination.ErrClosed)

	_, known, err := l.Leader(ctx)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestObserve_EmptyPath(t *testing.T) {
	view, err := NewStore().Connect().Observe(context.Background(), "/nothing")
	require.NoError(t, err)
	assert.False(t, view.Known)
	assert.Empty(t, view.Candidates)
}
