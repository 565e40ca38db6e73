package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// Session eviction defaults.
const (
	DefaultSessionIdle  = 24 * time.Hour
	DefaultSessionSweep = 10 * time.Minute
)

// DiscardHook is called, outside of any session lock, with the artifacts a
// session dropped on reset, mode switch or eviction.
type DiscardHook func(actorID string, dropped []models.BufferedArtifact, evicted bool)

type sessionEntry struct {
	mu      sync.Mutex
	session models.Session
	touched time.Time
	evicted bool
}

// SessionStore keeps one conversation record per actor. Every operation on
// an actor is serialized by that actor's lock; different actors never block
// each other.
type SessionStore struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	now     func() time.Time
	discard DiscardHook
}

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithDiscardHook sets the hook that receives dropped artifacts.
func WithDiscardHook(h DiscardHook) SessionOption {
	return func(s *SessionStore) { s.discard = h }
}

// WithSessionClock replaces time.Now, for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionStore) { s.now = now }
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore(opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		entries: make(map[string]*sessionEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionStore) setDiscardHook(h DiscardHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discard = h
}

// lock returns the actor's entry with its lock held, creating it on first
// use. An entry evicted between lookup and lock is replaced.
func (s *SessionStore) lock(actorID string) *sessionEntry {
	for {
		s.mu.Lock()
		e, ok := s.entries[actorID]
		if !ok {
			e = &sessionEntry{touched: s.now()}
			s.entries[actorID] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.evicted {
			e.touched = s.now()
			return e
		}
		e.mu.Unlock()
	}
}

func (s *SessionStore) notifyDiscard(actorID string, dropped []models.BufferedArtifact, evicted bool) {
	s.mu.Lock()
	hook := s.discard
	s.mu.Unlock()
	if hook != nil && (len(dropped) > 0 || evicted) {
		hook(actorID, dropped, evicted)
	}
}

// Get returns a copy of the actor's session, creating the default session
// on first use.
func (s *SessionStore) Get(actorID string) models.Session {
	e := s.lock(actorID)
	defer e.mu.Unlock()
	return e.session.Clone()
}

// Merge overwrites the fields set in patch and returns the result.
func (s *SessionStore) Merge(actorID string, patch models.SessionPatch) models.Session {
	e := s.lock(actorID)
	defer e.mu.Unlock()
	patch.Apply(&e.session)
	return e.session.Clone()
}

// Reset replaces the actor's session with the default session.
func (s *SessionStore) Reset(actorID string) models.Session {
	return s.SwitchMode(actorID, models.ModeNone)
}

// SwitchMode resets the session and enters mode in one step.
func (s *SessionStore) SwitchMode(actorID string, mode models.Mode) models.Session {
	e := s.lock(actorID)
	dropped := e.session.Buffered
	e.session = models.Session{Mode: mode}
	out := e.session.Clone()
	e.mu.Unlock()

	slog.Debug("SessionStore.SwitchMode", "actorID", actorID, "mode", mode, "dropped", len(dropped))
	s.notifyDiscard(actorID, dropped, false)
	return out
}

// Update runs fn on the actor's session under its lock and returns the
// result.
func (s *SessionStore) Update(actorID string, fn func(*models.Session)) models.Session {
	e := s.lock(actorID)
	defer e.mu.Unlock()
	fn(&e.session)
	return e.session.Clone()
}

// Len reports the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts sessions untouched for longer than idleFor and returns how
// many were evicted. Sessions locked by an in-flight operation are skipped.
func (s *SessionStore) Sweep(idleFor time.Duration) int {
	type evictedSession struct {
		actorID string
		dropped []models.BufferedArtifact
	}
	var evicted []evictedSession

	s.mu.Lock()
	cutoff := s.now().Add(-idleFor)
	for id, e := range s.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.touched.Before(cutoff) {
			e.evicted = true
			delete(s.entries, id)
			evicted = append(evicted, evictedSession{actorID: id, dropped: e.session.Buffered})
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()

	for _, ev := range evicted {
		s.notifyDiscard(ev.actorID, ev.dropped, true)
	}
	if len(evicted) > 0 {
		slog.Info("SessionStore.Sweep: evicted idle sessions", "count", len(evicted))
	}
	return len(evicted)
}

// Run sweeps every interval until ctx is cancelled.
func (s *SessionStore) Run(ctx context.Context, interval, idleFor time.Duration) {
	if interval <= 0 {
		interval = DefaultSessionSweep
	}
	if idleFor <= 0 {
		idleFor = DefaultSessionIdle
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(idleFor)
		}
	}
}
