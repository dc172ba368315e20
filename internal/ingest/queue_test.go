package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/internal/logging"
)

func TestQueue_SerializesPerProject(t *testing.T) {
	f, pipe := newFixture(t, nil)
	f.write(t, "a.go", goFile("A", "alpha"))
	q := NewQueue(pipe, QueueOptions{Logger: logging.Discard()})
	defer func() { _ = q.Close() }()

	gate := f.emb.block()
	ctx := context.Background()
	first := q.Submit(ctx, f.request(KindFull))

	require.Eventually(t, func() bool {
		return q.Status(testTenant, f.project.ID).State == StateEmbedding
	}, 2*time.Second, 5*time.Millisecond)

	second := q.Submit(ctx, f.request(KindIncremental))
	st := q.Status(testTenant, f.project.ID)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, KindFull, st.Kind)
	assert.NotEmpty(t, st.RunID)

	close(gate)

	out := <-first
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.Files.Succeeded)

	// the queued run starts after the first committed and sees no change
	out = <-second
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.Files.Skipped)
	assert.Zero(t, out.Summary.EmbeddingsCreated)

	require.Eventually(t, func() bool {
		return q.Status(testTenant, f.project.ID).State == StateIdle
	}, time.Second, 5*time.Millisecond)
	st = q.Status(testTenant, f.project.ID)
	assert.Zero(t, st.Queued)
	require.NotNil(t, st.Last)
	assert.Equal(t, KindIncremental, st.Last.Kind)
}

func TestQueue_DepthLimit(t *testing.T) {
	f, pipe := newFixture(t, nil)
	f.write(t, "a.go", goFile("A", "alpha"))
	q := NewQueue(pipe, QueueOptions{Depth: 1, Logger: logging.Discard()})
	defer func() { _ = q.Close() }()

	gate := f.emb.block()
	defer close(gate)
	ctx := context.Background()

	_ = q.Submit(ctx, f.request(KindFull))
	require.Eventually(t, func() bool {
		return q.Status(testTenant, f.project.ID).State == StateEmbedding
	}, 2*time.Second, 5*time.Millisecond)

	_ = q.Submit(ctx, f.request(KindFull))
	out := <-q.Submit(ctx, f.request(KindFull))
	assert.ErrorIs(t, out.Err, ErrQueueFull)

	// a reset never merges and needs its own slot
	out = <-q.Submit(ctx, f.request(KindReset))
	assert.ErrorIs(t, out.Err, ErrQueueFull)
}

func TestQueue_MergesIncrementalTriggers(t *testing.T) {
	f, pipe := newFixture(t, nil)
	f.write(t, "a.go", goFile("A", "alpha"))
	q := NewQueue(pipe, QueueOptions{Depth: 1, Logger: logging.Discard()})
	defer func() { _ = q.Close() }()

	gate := f.emb.block()
	ctx := context.Background()
	first := q.Submit(ctx, f.request(KindFull))
	require.Eventually(t, func() bool {
		return q.Status(testTenant, f.project.ID).State == StateEmbedding
	}, 2*time.Second, 5*time.Millisecond)

	var pushes []<-chan Outcome
	for i, id := range []string{"e1", "e2", "e3"} {
		req := f.request(KindIncremental)
		req.EventID = id
		req.TargetCommit = fmt.Sprintf("c%d", i+1)
		pushes = append(pushes, q.Submit(ctx, req))
	}
	assert.Equal(t, 1, q.Status(testTenant, f.project.ID).Queued, "pushes share one queued run")

	f.write(t, "b.go", goFile("B", "beta"))
	close(gate)
	require.NoError(t, (<-first).Err)

	var runID string
	for _, ch := range pushes {
		out := <-ch
		require.NoError(t, out.Err)
		require.NotNil(t, out.Summary)
		if runID == "" {
			runID = out.Summary.RunID
		}
		assert.Equal(t, runID, out.Summary.RunID)
		assert.Equal(t, 1, out.Summary.Files.Succeeded)
	}
	for _, id := range []string{"e1", "e2", "e3"} {
		seen, err := f.store.EventSeen(ctx, testTenant, f.project.ID, id)
		require.NoError(t, err)
		assert.True(t, seen, id)
	}
}

func TestQueue_MergedRunSurvivesOneCancellation(t *testing.T) {
	f, pipe := newFixture(t, nil)
	f.write(t, "a.go", goFile("A", "alpha"))
	q := NewQueue(pipe, QueueOptions{Logger: logging.Discard()})
	defer func() { _ = q.Close() }()

	gate := f.emb.block()
	first := q.Submit(context.Background(), f.request(KindFull))
	require.Eventually(t, func() bool {
		return q.Status(testTenant, f.project.ID).State == StateEmbedding
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	gone := q.Submit(ctx, f.request(KindIncremental))
	kept := q.Submit(context.Background(), f.request(KindIncremental))
	cancel()
	close(gate)

	require.NoError(t, (<-first).Err)
	assert.NoError(t, (<-gone).Err)
	assert.NoError(t, (<-kept).Err)
}

func TestQueue_CancelledWhileQueued(t *testing.T) {
	f, pipe := newFixture(t, nil)
	f.write(t, "a.go", goFile("A", "alpha"))
	q := NewQueue(pipe, QueueOptions{Logger: logging.Discard()})
	defer func() { _ = q.Close() }()

	gate := f.emb.block()
	first := q.Submit(context.Background(), f.request(KindFull))
	require.Eventually(t, func() bool {
		return q.Status(testTenant, f.project.ID).State == StateEmbedding
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	queued := q.Submit(ctx, f.request(KindIncremental))
	cancel()
	close(gate)

	require.NoError(t, (<-first).Err)
	assert.ErrorIs(t, (<-queued).Err, context.Canceled)
}

func TestQueue_CloseCancelsRunning(t *testing.T) {
	f, pipe := newFixture(t, nil)
	f.write(t, "a.go", goFile("A", "alpha"))
	q := NewQueue(pipe, QueueOptions{Logger: logging.Discard()})

	gate := f.emb.block()
	defer close(gate)
	running := q.Submit(context.Background(), f.request(KindFull))
	require.Eventually(t, func() bool {
		return q.Status(testTenant, f.project.ID).State == StateEmbedding
	}, 2*time.Second, 5*time.Millisecond)
	pending := q.Submit(context.Background(), f.request(KindIncremental))

	require.NoError(t, q.Close())
	assert.ErrorIs(t, (<-running).Err, context.Canceled)
	assert.ErrorIs(t, (<-pending).Err, ErrQueueClosed)

	out := <-q.Submit(context.Background(), f.request(KindFull))
	assert.ErrorIs(t, out.Err, ErrQueueClosed)
}

func TestQueue_RunAndResetCursor(t *testing.T) {
	f, pipe := newFixture(t, nil)
	f.write(t, "a.go", goFile("A", "alpha"))
	q := NewQueue(pipe, QueueOptions{Logger: logging.Discard()})
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	req := f.request(KindIncremental)
	req.TargetCommit = "c5"
	sum, err := q.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "c5", sum.CursorAfter)

	sum, err = q.ResetCursor(ctx, testTenant, f.project.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "c5", sum.CursorBefore)
	assert.Empty(t, sum.CursorAfter)

	_, err = q.Run(ctx, Request{ProjectID: f.project.ID})
	assert.Error(t, err)

	st := q.Status("globex", f.project.ID)
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.Last)
}

func TestRunLock(t *testing.T) {
	var l runLock
	assert.False(t, l.Held())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.True(t, l.Held())
	l.Release()
	assert.True(t, l.TryAcquire())
}
