package cookieprofile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// DeleteOutcome is the typed result of a delete-by-location attempt.
// The worker branches on this explicitly rather than unwinding through
// errors: "already gone" and "never allowed" are terminal successes from
// the queue's point of view, while transient failures keep the entry
// for the next cycle.
type DeleteOutcome int

const (
	// DeleteOutcomeDeleted - the message was deleted
	DeleteOutcomeDeleted DeleteOutcome = iota

	// DeleteOutcomeNotFound - the message no longer exists; the goal
	// (absence) is already satisfied
	DeleteOutcomeNotFound

	// DeleteOutcomeForbidden - permanently denied; retrying would never
	// succeed
	DeleteOutcomeForbidden

	// DeleteOutcomeTransient - the attempt failed for a reason that may
	// resolve itself (rate limit, network blip)
	DeleteOutcomeTransient
)

// Terminal reports whether the entry should be removed from the durable
// set after this outcome.
func (o DeleteOutcome) Terminal() bool {
	return o != DeleteOutcomeTransient
}

func (o DeleteOutcome) String() string {
	switch o {
	case DeleteOutcomeDeleted:
		return "deleted"
	case DeleteOutcomeNotFound:
		return "not_found"
	case DeleteOutcomeForbidden:
		return "forbidden"
	case DeleteOutcomeTransient:
		return "transient"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// MessageDeleter is the injected delete-by-location capability. The
// messaging-platform layer supplies the real implementation; tests
// supply stubs.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, channelID string, messageID int64) DeleteOutcome
}

// ScheduledDeleteWorker drains the durable scheduled_deletes queue.
//
// Deadlines must survive process restarts, so they live in the store and
// the worker polls rather than holding per-item timers. Each cycle it
// fetches up to batchSize due entries in deadline order and attempts
// each in isolation - one entry's failure never aborts the batch.
//
// A just-scheduled entry is only guaranteed to be attempted within one
// poll interval of its deadline, not before it.
type ScheduledDeleteWorker struct {
	db      Store
	deleter MessageDeleter
	logger  *slog.Logger

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int

	// sendLimiter paces outbound delete calls so a large due batch
	// doesn't slam the platform API
	sendLimiter *rate.Limiter

	// signalStop asks the loop to exit after the in-flight iteration
	signalStop chan struct{}

	// stopped receives the time the loop actually exited
	stopped chan time.Time

	running atomic.Bool
}

func newScheduledDeleteWorker(
	db Store,
	deleter MessageDeleter,
	logger *slog.Logger,
	cfg *ScheduledDeleteConfig,
) *ScheduledDeleteWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduledDeleteWorker{
		db:           db,
		deleter:      deleter,
		logger:       logger.With(loggerNameKey, "delete_worker"),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		sendLimiter:  rate.NewLimiter(rate.Limit(cfg.MaxDeletesPerSecond), 1),
		signalStop:   make(chan struct{}, 1),
		stopped:      make(chan time.Time, 1),
	}
}

// Run polls the store until the context is canceled or a stop signal is
// received. A value is sent on startCh (and the channel closed) once the
// loop is live.
func (w *ScheduledDeleteWorker) Run(ctx context.Context, startCh chan struct{}) {
	log := w.logger
	if !w.running.CompareAndSwap(false, true) {
		log.Warn("delete worker already running")
		close(startCh)
		return
	}
	defer w.running.Store(false)

	// a Stop issued before this run must not cancel it
	select {
	case <-w.signalStop:
	default:
	}

	startedAt := time.Now()
	log.InfoContext(ctx, "starting delete worker", "poll_interval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer func() {
		ticker.Stop()
		endedAt := time.Now()
		log.InfoContext(
			ctx,
			"stopped delete worker",
			"stopped_at", endedAt,
			"runtime", endedAt.Sub(startedAt),
		)
		select {
		case w.stopped <- endedAt:
		default:
		}
	}()

	startCh <- struct{}{}
	close(startCh)

	for {
		select {
		case <-ctx.Done():
			log.WarnContext(ctx, "context canceled")
			return
		case <-w.signalStop:
			log.InfoContext(ctx, "got stop signal")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop signals the loop and waits for the in-flight iteration to
// finish, bounded by the context. A timed-out stop abandons the loop
// without corrupting state: every removal completed so far is already
// durable.
func (w *ScheduledDeleteWorker) Stop(ctx context.Context) error {
	select {
	case w.signalStop <- struct{}{}:
	default:
		// stop already signaled
	}
	if !w.running.Load() {
		return nil
	}
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for delete worker: %w", ctx.Err())
	}
}

// runOnce processes one batch of due entries.
func (w *ScheduledDeleteWorker) runOnce(ctx context.Context) {
	due, err := w.db.DueDeletions(ctx, w.batchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "error fetching due deletions", tint.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	w.logger.InfoContext(ctx, "processing due deletions", "count", len(due))
	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		w.attempt(ctx, entry)
	}
}

// attempt runs a single delete attempt and settles the entry's durable
// state according to the outcome.
func (w *ScheduledDeleteWorker) attempt(ctx context.Context, entry ScheduledDelete) {
	log := w.logger.With("entry", entry)

	if err := w.sendLimiter.Wait(ctx); err != nil {
		return
	}

	outcome := w.deleter.DeleteMessage(ctx, entry.ChannelID, entry.MessageID)
	switch outcome {
	case DeleteOutcomeDeleted:
		log.DebugContext(ctx, "deleted scheduled message")
	case DeleteOutcomeNotFound:
		log.DebugContext(ctx, "scheduled message already gone")
	case DeleteOutcomeForbidden:
		log.WarnContext(ctx, "permission denied deleting scheduled message")
	case DeleteOutcomeTransient:
		if entry.Attempts+1 >= w.maxAttempts {
			log.WarnContext(
				ctx,
				"giving up on scheduled delete after repeated transient failures",
				"attempts", entry.Attempts+1,
			)
			break
		}
		if err := w.db.IncrementDeleteAttempts(
			ctx, entry.GuildID, entry.ChannelID, entry.MessageID,
		); err != nil {
			log.ErrorContext(ctx, "error bumping delete attempts", tint.Err(err))
		}
		return
	}

	// Terminal outcome (or retry budget exhausted): the entry leaves
	// the durable set exactly once.
	if err := w.db.RemoveScheduledDelete(
		ctx, entry.GuildID, entry.ChannelID, entry.MessageID,
	); err != nil {
		log.ErrorContext(ctx, "error removing scheduled delete", tint.Err(err))
	}
}
