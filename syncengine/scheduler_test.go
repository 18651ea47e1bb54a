package syncengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solanaverse/points-engine/points"
	"github.com/solanaverse/points-engine/syncengine"
)

func TestScheduler_DrainsQueuesInBackground(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := env.engine.QueueOperation(ctx, "u1", points.OpAdd, snapshot("u1", 4))
	require.NoError(t, err)

	s := syncengine.NewScheduler(env.engine, nil)
	s.Interval = 10 * time.Millisecond
	s.Start()
	t.Cleanup(s.Stop)

	assert.Eventually(t, func() bool {
		return env.storage.GetQueueSize(ctx, "u1") == 0
	}, time.Second, 5*time.Millisecond)

	row, found, err := env.remote.FetchOne(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(4), row.AlphaPoints)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := env.engine.QueueOperation(ctx, "u1", points.OpAdd, snapshot("u1", 4))
	require.NoError(t, err)

	s := syncengine.NewScheduler(env.engine, nil)
	s.Enabled = false
	s.Start()
	s.Stop()

	assert.Equal(t, 1, env.storage.GetQueueSize(ctx, "u1"))

	results := s.RunNow(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Processed)
}
