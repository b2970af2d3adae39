package cookieprofile

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDeleter returns scripted outcomes per message ID and records every
// attempt.
type stubDeleter struct {
	mu       sync.Mutex
	outcomes map[int64]DeleteOutcome
	attempts []int64
}

func newStubDeleter(outcomes map[int64]DeleteOutcome) *stubDeleter {
	return &stubDeleter{outcomes: outcomes}
}

func (s *stubDeleter) DeleteMessage(
	_ context.Context,
	_ string,
	messageID int64,
) DeleteOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, messageID)
	outcome, ok := s.outcomes[messageID]
	if !ok {
		return DeleteOutcomeDeleted
	}
	return outcome
}

func (s *stubDeleter) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func testWorkerConfig() *ScheduledDeleteConfig {
	return &ScheduledDeleteConfig{
		PollInterval:        10 * time.Millisecond,
		BatchSize:           50,
		MaxAttempts:         20,
		MaxDeletesPerSecond: 1000,
		TransientMessageTTL: time.Minute,
	}
}

func scheduledCount(t *testing.T, db Store) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.DB().Model(&ScheduledDelete{}).Count(&count).Error)
	return count
}

func TestDeleteOutcomeTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, DeleteOutcomeDeleted.Terminal())
	assert.True(t, DeleteOutcomeNotFound.Terminal())
	assert.True(t, DeleteOutcomeForbidden.Terminal())
	assert.False(t, DeleteOutcomeTransient.Terminal())
}

func TestWorkerRemovesEntriesOnTerminalOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := testStore(t)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, db.ScheduleDelete(ctx, "g", "c", 1, past))
	require.NoError(t, db.ScheduleDelete(ctx, "g", "c", 2, past))
	require.NoError(t, db.ScheduleDelete(ctx, "g", "c", 3, past))

	deleter := newStubDeleter(map[int64]DeleteOutcome{
		1: DeleteOutcomeDeleted,
		2: DeleteOutcomeNotFound,
		3: DeleteOutcomeForbidden,
	})
	w := newScheduledDeleteWorker(db, deleter, slog.Default(), testWorkerConfig())
	w.runOnce(ctx)

	assert.Equal(t, 3, deleter.attemptCount())
	assert.Zero(
		t, scheduledCount(t, db),
		"terminal outcomes leave the durable set",
	)
}

func TestWorkerKeepsTransientEntriesAndCountsAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := testStore(t)

	require.NoError(
		t, db.ScheduleDelete(ctx, "g", "c", 1, time.Now().Add(-time.Minute)),
	)
	deleter := newStubDeleter(map[int64]DeleteOutcome{1: DeleteOutcomeTransient})
	w := newScheduledDeleteWorker(db, deleter, slog.Default(), testWorkerConfig())

	w.runOnce(ctx)
	w.runOnce(ctx)

	assert.Equal(t, int64(1), scheduledCount(t, db))
	var entry ScheduledDelete
	require.NoError(t, db.DB().First(&entry).Error)
	assert.Equal(t, 2, entry.Attempts)
}

func TestWorkerDropsEntryAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := testStore(t)

	require.NoError(
		t, db.ScheduleDelete(ctx, "g", "c", 1, time.Now().Add(-time.Minute)),
	)
	deleter := newStubDeleter(map[int64]DeleteOutcome{1: DeleteOutcomeTransient})
	cfg := testWorkerConfig()
	cfg.MaxAttempts = 3
	w := newScheduledDeleteWorker(db, deleter, slog.Default(), cfg)

	w.runOnce(ctx)
	w.runOnce(ctx)
	assert.Equal(t, int64(1), scheduledCount(t, db))

	// third transient failure exhausts the budget
	w.runOnce(ctx)
	assert.Zero(t, scheduledCount(t, db))
}

func TestWorkerIgnoresFutureDeadlines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := testStore(t)

	require.NoError(
		t, db.ScheduleDelete(ctx, "g", "c", 1, time.Now().Add(time.Hour)),
	)
	deleter := newStubDeleter(nil)
	w := newScheduledDeleteWorker(db, deleter, slog.Default(), testWorkerConfig())
	w.runOnce(ctx)

	assert.Zero(t, deleter.attemptCount())
	assert.Equal(t, int64(1), scheduledCount(t, db))
}

func TestWorkerRunsAfterEarlyStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := testStore(t)

	require.NoError(
		t, db.ScheduleDelete(ctx, "g", "c", 1, time.Now().Add(-time.Minute)),
	)
	deleter := newStubDeleter(nil)
	w := newScheduledDeleteWorker(db, deleter, slog.Default(), testWorkerConfig())

	// a Stop before any Run returns immediately and must not poison the
	// stop channel for the run that follows
	stopCtx, stopCancel := context.WithTimeout(ctx, time.Second)
	require.NoError(t, w.Stop(stopCtx))
	stopCancel()

	started := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		w.Run(ctx, started)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}

	require.Eventually(
		t,
		func() bool { return deleter.attemptCount() > 0 },
		5*time.Second,
		5*time.Millisecond,
		"loop survives the pre-run stop signal",
	)

	stopCtx, stopCancel = context.WithTimeout(ctx, 5*time.Second)
	defer stopCancel()
	require.NoError(t, w.Stop(stopCtx))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker loop never exited")
	}
}

func TestWorkerRunAndStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := testStore(t)

	require.NoError(
		t, db.ScheduleDelete(ctx, "g", "c", 1, time.Now().Add(-time.Minute)),
	)
	deleter := newStubDeleter(nil)
	w := newScheduledDeleteWorker(db, deleter, slog.Default(), testWorkerConfig())

	started := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		w.Run(ctx, started)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}

	// the poll loop should drain the due entry
	require.Eventually(
		t,
		func() bool { return deleter.attemptCount() > 0 },
		5*time.Second,
		5*time.Millisecond,
	)

	stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
	defer stopCancel()
	require.NoError(t, w.Stop(stopCtx))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker loop never exited")
	}
	assert.False(t, w.running.Load())
	assert.Zero(t, scheduledCount(t, db))
}
