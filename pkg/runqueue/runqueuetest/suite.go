// Package runqueuetest checks implementations of runqueue.Client behave alike.
package runqueuetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/knitlaunch/pkg/runqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh Client whose leases last for leaseTTL.
type Factory func(t *testing.T, leaseTTL time.Duration) runqueue.Client

// Run runs the shared test cases against clients made by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("push and pop in order", func(t *testing.T) {
		ctx := context.Background()
		c := factory(t, time.Minute)

		q, err := c.CreateRunQueue(ctx, runqueue.Queue{Entity: "ent", Project: "proj", Name: "default"})
		require.NoError(t, err)
		assert.NotEmpty(t, q.ID)

		_, err = c.CreateRunQueue(ctx, runqueue.Queue{Entity: "ent", Project: "proj", Name: "default"})
		assert.ErrorIs(t, err, runqueue.ErrConflict)

		first, err := c.PushToRunQueueByName(ctx, "ent", "proj", "default", map[string]any{"name": "first"})
		require.NoError(t, err)
		second, err := c.PushToRunQueue(ctx, q.ID, map[string]any{"name": "second"})
		require.NoError(t, err)

		popped, err := c.PopFromRunQueue(ctx, "ent", "proj", "default", "agent-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, popped.ID)
		assert.Equal(t, "first", popped.RunSpec["name"])
		assert.Equal(t, runqueue.ItemLeased, popped.State)
		assert.NotEmpty(t, popped.Lease)

		popped2, err := c.PopFromRunQueue(ctx, "ent", "proj", "default", "agent-2")
		require.NoError(t, err)
		assert.Equal(t, second.ID, popped2.ID)

		_, err = c.PopFromRunQueue(ctx, "ent", "proj", "default", "agent-1")
		assert.ErrorIs(t, err, runqueue.ErrEmpty)
	})

	t.Run("unknown queue", func(t *testing.T) {
		ctx := context.Background()
		c := factory(t, time.Minute)

		_, err := c.GetRunQueue(ctx, "ent", "nope")
		assert.ErrorIs(t, err, runqueue.ErrNotFound)
		_, err = c.PushToRunQueueByName(ctx, "ent", "proj", "nope", map[string]any{})
		assert.ErrorIs(t, err, runqueue.ErrNotFound)
	})

	t.Run("ack claims the item once", func(t *testing.T) {
		ctx := context.Background()
		c := factory(t, time.Minute)
		_, err := c.CreateRunQueue(ctx, runqueue.Queue{Entity: "ent", Project: "proj", Name: "q"})
		require.NoError(t, err)
		_, err = c.PushToRunQueueByName(ctx, "ent", "proj", "q", map[string]any{})
		require.NoError(t, err)

		item, err := c.PopFromRunQueue(ctx, "ent", "proj", "q", "agent-1")
		require.NoError(t, err)

		assert.ErrorIs(t, c.AckRunQueueItem(ctx, item.ID, "forged", "run-1"), runqueue.ErrLeaseLost)
		require.NoError(t, c.AckRunQueueItem(ctx, item.ID, item.Lease, "run-1"))
		assert.ErrorIs(t, c.AckRunQueueItem(ctx, item.ID, item.Lease, "run-1"), runqueue.ErrLeaseLost)

		got, err := c.GetRunQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, runqueue.ItemClaimed, got.State)
		assert.Equal(t, "run-1", got.AssociatedRunID)

		_, err = c.PopFromRunQueue(ctx, "ent", "proj", "q", "agent-2")
		assert.ErrorIs(t, err, runqueue.ErrEmpty)
	})

	t.Run("expired lease is lost", func(t *testing.T) {
		ctx := context.Background()
		c := factory(t, 200*time.Millisecond)
		_, err := c.CreateRunQueue(ctx, runqueue.Queue{Entity: "ent", Project: "proj", Name: "q"})
		require.NoError(t, err)
		_, err = c.PushToRunQueueByName(ctx, "ent", "proj", "q", map[string]any{})
		require.NoError(t, err)

		slow, err := c.PopFromRunQueue(ctx, "ent", "proj", "q", "slow-agent")
		require.NoError(t, err)

		time.Sleep(300 * time.Millisecond)

		fast, err := c.PopFromRunQueue(ctx, "ent", "proj", "q", "fast-agent")
		require.NoError(t, err)
		assert.Equal(t, slow.ID, fast.ID)

		assert.ErrorIs(t, c.AckRunQueueItem(ctx, slow.ID, slow.Lease, "run-slow"), runqueue.ErrLeaseLost)
		assert.NoError(t, c.AckRunQueueItem(ctx, fast.ID, fast.Lease, "run-fast"))
	})

	t.Run("fail and warnings", func(t *testing.T) {
		ctx := context.Background()
		c := factory(t, time.Minute)
		_, err := c.CreateRunQueue(ctx, runqueue.Queue{Entity: "ent", Project: "proj", Name: "q"})
		require.NoError(t, err)
		pushed, err := c.PushToRunQueueByName(ctx, "ent", "proj", "q", map[string]any{})
		require.NoError(t, err)

		require.NoError(t, c.UpdateRunQueueItemWarning(ctx, pushed.ID, "torch failed to install", "build"))
		require.NoError(t, c.FailRunQueueItem(ctx, pushed.ID, "no image", "run"))

		got, err := c.GetRunQueueItem(ctx, pushed.ID)
		require.NoError(t, err)
		assert.Equal(t, runqueue.ItemFailed, got.State)
		assert.Equal(t, "no image", got.Error)
		require.Len(t, got.Warnings, 2)
		assert.Equal(t, "torch failed to install", got.Warnings[0].Message)
		assert.Equal(t, "build", got.Warnings[0].Phase)

		_, err = c.PopFromRunQueue(ctx, "ent", "proj", "q", "agent")
		assert.ErrorIs(t, err, runqueue.ErrEmpty)

		assert.ErrorIs(t, c.FailRunQueueItem(ctx, "no-such-item", "", ""), runqueue.ErrNotFound)
	})

	t.Run("run state and stop requests", func(t *testing.T) {
		ctx := context.Background()
		c := factory(t, time.Minute)

		state, err := c.GetRunState(ctx, "ent", "proj", "run-1")
		require.NoError(t, err)
		assert.Equal(t, runqueue.RunPending, state)

		require.NoError(t, c.SetRunState(ctx, "ent", "proj", "run-1", runqueue.RunRunning))
		state, err = c.GetRunState(ctx, "ent", "proj", "run-1")
		require.NoError(t, err)
		assert.Equal(t, runqueue.RunRunning, state)

		stop, err := c.CheckStopRequested(ctx, "ent", "proj", "run-1")
		require.NoError(t, err)
		assert.False(t, stop)

		require.NoError(t, c.StopRun(ctx, "ent", "proj", "run-1"))
		stop, err = c.CheckStopRequested(ctx, "ent", "proj", "run-1")
		require.NoError(t, err)
		assert.True(t, stop)

		state, err = c.GetRunState(ctx, "ent", "proj", "run-1")
		require.NoError(t, err)
		assert.Equal(t, runqueue.RunRunning, state, "stop request does not change state")
	})

	t.Run("agents", func(t *testing.T) {
		ctx := context.Background()
		c := factory(t, time.Minute)

		a, err := c.CreateLaunchAgent(ctx, runqueue.Agent{Entity: "ent", Project: "proj", Queues: []string{"q"}})
		require.NoError(t, err)
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, runqueue.AgentPolling, a.Status)

		assert.NoError(t, c.UpdateLaunchAgentStatus(ctx, a.ID, runqueue.AgentRunning))
		err = c.UpdateLaunchAgentStatus(ctx, "no-such-agent", runqueue.AgentKilled)
		assert.True(t, errors.Is(err, runqueue.ErrNotFound), "unexpected error: %v", err)
	})

	t.Run("Push works with any features", func(t *testing.T) {
		ctx := context.Background()
		c := factory(t, time.Minute)
		_, err := c.CreateRunQueue(ctx, runqueue.Queue{Entity: "ent", Project: "proj", Name: "q"})
		require.NoError(t, err)

		item, err := runqueue.Push(ctx, c, "ent", "proj", "q", map[string]any{"resource": "local-process"})
		require.NoError(t, err)
		got, err := c.GetRunQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, "local-process", got.RunSpec["resource"])
	})
}
