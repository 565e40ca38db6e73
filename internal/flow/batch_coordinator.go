package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// DefaultSupervisorIdle is how long a batch supervisor waits without pending
// work before exiting.
const DefaultSupervisorIdle = time.Minute

// ReadyFunc emits the "ready to proceed" prompt for a settled batch.
type ReadyFunc func(ctx context.Context, actorID string, session models.Session)

// batchState is the progress of one actor's current batch. Fields are
// guarded by BatchCoordinator.mu.
type batchState struct {
	epoch        uint64
	queued       int
	completed    int
	lastActivity time.Time
	deadline     time.Time // zero when no ready check is armed
	signalSent   bool

	wake      chan struct{}
	running   bool
	forgotten bool
}

// BatchCoordinator detects when an actor has finished sending a group of
// files. Each active actor gets a supervising goroutine that owns a single
// timer; producers only update counters and wake it.
type BatchCoordinator struct {
	sessions *SessionStore
	ready    ReadyFunc
	debounce time.Duration
	idle     time.Duration

	mu        sync.Mutex
	actors    map[string]*batchState
	lastEpoch uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BatchOption configures a BatchCoordinator.
type BatchOption func(*BatchCoordinator)

// WithBatchDebounce sets the quiet period required after the last completion.
func WithBatchDebounce(d time.Duration) BatchOption {
	return func(c *BatchCoordinator) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithSupervisorIdle sets how long an idle supervisor lingers.
func WithSupervisorIdle(d time.Duration) BatchOption {
	return func(c *BatchCoordinator) {
		if d > 0 {
			c.idle = d
		}
	}
}

// NewBatchCoordinator creates a coordinator that reads actor modes from
// sessions and calls ready once per settled batch.
func NewBatchCoordinator(sessions *SessionStore, ready ReadyFunc, opts ...BatchOption) *BatchCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &BatchCoordinator{
		sessions: sessions,
		ready:    ready,
		debounce: DefaultDebounce,
		idle:     DefaultSupervisorIdle,
		actors:   make(map[string]*batchState),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// stateLocked returns the actor's progress, starting a new batch when none
// exists.
func (c *BatchCoordinator) stateLocked(actorID string) *batchState {
	st, ok := c.actors[actorID]
	if !ok {
		c.lastEpoch++
		st = &batchState{epoch: c.lastEpoch, wake: make(chan struct{}, 1)}
		c.actors[actorID] = st
	}
	return st
}

// wakeLocked nudges the actor's supervisor, starting it if needed.
func (c *BatchCoordinator) wakeLocked(actorID string, st *batchState) {
	if !st.running {
		if c.ctx.Err() != nil {
			return
		}
		st.running = true
		c.wg.Add(1)
		go c.supervise(actorID, st)
	}
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// Enqueued records a new upload and cancels any armed ready check. It returns
// the batch epoch the upload belongs to; pass it back to Completed.
func (c *BatchCoordinator) Enqueued(actorID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(actorID)
	st.queued++
	st.lastActivity = time.Now()
	st.deadline = time.Time{}
	c.wakeLocked(actorID, st)
	slog.Debug("BatchCoordinator.Enqueued", "actorID", actorID, "queued", st.queued, "completed", st.completed)
	return st.epoch
}

// Completed records that one upload of batch epoch finished, successfully or
// not, and arms a ready check one debounce from now. Completions for a batch
// that was reset since are ignored.
func (c *BatchCoordinator) Completed(actorID string, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.actors[actorID]
	if !ok || st.epoch != epoch {
		slog.Debug("BatchCoordinator.Completed: stale batch", "actorID", actorID, "epoch", epoch)
		return
	}
	if st.completed < st.queued {
		st.completed++
	}
	st.deadline = time.Now().Add(c.debounce)
	c.wakeLocked(actorID, st)
	slog.Debug("BatchCoordinator.Completed", "actorID", actorID, "queued", st.queued, "completed", st.completed)
}

// Reset starts a new batch for the actor. In-flight completions of the old
// batch no longer count.
func (c *BatchCoordinator) Reset(actorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(actorID)
	c.lastEpoch++
	st.epoch = c.lastEpoch
	st.queued, st.completed = 0, 0
	st.lastActivity = time.Time{}
	st.deadline = time.Time{}
	st.signalSent = false
	if st.running {
		c.wakeLocked(actorID, st)
	}
}

// Forget drops all progress for the actor.
func (c *BatchCoordinator) Forget(actorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.actors[actorID]
	if !ok {
		return
	}
	delete(c.actors, actorID)
	st.forgotten = true
	if st.running {
		c.wakeLocked(actorID, st)
	}
}

// MarkSignalled suppresses the automatic ready prompt for the current batch,
// used when the actor finished it explicitly.
func (c *BatchCoordinator) MarkSignalled(actorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.actors[actorID]; ok {
		st.signalSent = true
		st.deadline = time.Time{}
	}
}

// Current reports whether epoch is the actor's current batch.
func (c *BatchCoordinator) Current(actorID string, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.actors[actorID]
	return ok && st.epoch == epoch
}

// Progress returns the queued and completed counts of the current batch.
func (c *BatchCoordinator) Progress(actorID string) (queued, completed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.actors[actorID]; ok {
		return st.queued, st.completed
	}
	return 0, 0
}

// Close stops every supervisor and waits for them to exit. Supervisors are
// started under mu only while the context is live, so none can be added
// once Wait begins.
func (c *BatchCoordinator) Close() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *BatchCoordinator) supervise(actorID string, st *batchState) {
	defer c.wg.Done()
	slog.Debug("BatchCoordinator.supervise: started", "actorID", actorID)

	timer := time.NewTimer(c.debounce)
	timer.Stop()
	defer timer.Stop()
	idle := time.NewTimer(c.idle)
	defer idle.Stop()

	for {
		fired := false
		select {
		case <-c.ctx.Done():
			return
		case <-st.wake:
		case <-timer.C:
			fired = true
		case <-idle.C:
			c.mu.Lock()
			if st.deadline.IsZero() && len(st.wake) == 0 {
				st.running = false
				c.mu.Unlock()
				slog.Debug("BatchCoordinator.supervise: idle exit", "actorID", actorID)
				return
			}
			c.mu.Unlock()
			idle.Reset(c.idle)
			continue
		}
		idle.Reset(c.idle)

		c.mu.Lock()
		if st.forgotten {
			st.running = false
			c.mu.Unlock()
			return
		}
		now := time.Now()
		var emit bool
		epoch := st.epoch
		if fired && !st.deadline.IsZero() && !now.Before(st.deadline) {
			st.deadline = time.Time{}
			if st.queued > 0 && st.completed == st.queued &&
				now.Sub(st.lastActivity) >= c.debounce && !st.signalSent {
				st.signalSent = true
				emit = true
			}
		}
		deadline := st.deadline
		c.mu.Unlock()

		timer.Stop()
		if !deadline.IsZero() {
			timer.Reset(max(0, time.Until(deadline)))
		}
		if emit {
			c.emit(actorID, epoch)
		}
	}
}

// emit calls the ready func if the actor is still in batch mode and the
// batch was not reset meanwhile.
func (c *BatchCoordinator) emit(actorID string, epoch uint64) {
	session := c.sessions.Get(actorID)
	if session.Mode != models.ModeBatch {
		slog.Debug("BatchCoordinator.emit: actor left batch mode", "actorID", actorID, "mode", session.Mode)
		return
	}
	if !c.Current(actorID, epoch) {
		return
	}
	slog.Info("BatchCoordinator.emit: batch settled", "actorID", actorID, "files", len(session.Buffered))
	if c.ready != nil {
		c.ready(c.ctx, actorID, session)
	}
}
