package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/PackPipe/internal/util"
	"github.com/samber/lo"
)

// InMemoryStore implements Store with process-lifetime durability. It is the
// fallback when no database is configured or reachable.
type InMemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	outbox map[string]*OutboxMessage
	dedup  map[string]*DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:   make(map[string]*Job),
		outbox: make(map[string]*OutboxMessage),
		dedup:  make(map[string]*DedupRecord),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) InsertJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("insert job failed: duplicate id %s", job.ID)
	}
	job.Status = JobStatusPending
	s.jobs[job.ID] = &job
	slog.Debug("InMemoryStore.InsertJob", "id", job.ID, "kind", job.Kind, "owner", job.OwnerID)
	return nil
}

// sortedJobs returns copies of the jobs matching keep, ordered by less with
// ties broken by ID.
func (s *InMemoryStore) sortedJobs(keep func(*Job) bool, less func(a, b *Job) bool, limit int) []Job {
	matched := lo.Filter(lo.Values(s.jobs), func(j *Job, _ int) bool { return keep(j) })
	sort.Slice(matched, func(i, k int) bool {
		if less(matched[i], matched[k]) {
			return true
		}
		if less(matched[k], matched[i]) {
			return false
		}
		return matched[i].ID < matched[k].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return lo.Map(matched, func(j *Job, _ int) Job { return *j })
}

func byCreated(a, b *Job) bool { return a.CreatedAt.Before(b.CreatedAt) }

func (s *InMemoryStore) ListPending(limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedJobs(func(j *Job) bool { return j.Status == JobStatusPending }, byCreated, limit), nil
}

func (s *InMemoryStore) ClaimJob(id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != JobStatusPending {
		return false, nil
	}
	claimed := now
	j.Status = JobStatusProcessing
	j.ClaimedAt = &claimed
	j.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) UpdateJobStatus(id string, status JobStatus, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}
	j.Status = status
	j.UpdatedAt = time.Now()
	switch status {
	case JobStatusCompleted:
		j.ResultJSON = result
	case JobStatusFailed:
		j.Error = errMsg
	}
	return nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) DeletePast(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.ExpiresAt.Before(now) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ReclaimStale(staleBefore, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := s.sortedJobs(func(j *Job) bool {
		return j.Status == JobStatusProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(staleBefore)
	}, byCreated, limit)
	for i := range stale {
		claimed := now
		j := s.jobs[stale[i].ID]
		j.ClaimedAt = &claimed
		j.UpdatedAt = now
		stale[i] = *j
	}
	return stale, nil
}

func (s *InMemoryStore) ListUnnotified(limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedJobs(func(j *Job) bool {
		return j.Status.Terminal() && j.NotifiedAt == nil
	}, func(a, b *Job) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit), nil
}

func (s *InMemoryStore) MarkNotified(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	notified := now
	j.NotifiedAt = &notified
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		Recipient:   recipient,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].CreatedAt.Equal(due[k].CreatedAt) {
			return due[i].CreatedAt.Before(due[k].CreatedAt)
		}
		return due[i].ID < due[k].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	m.Attempts++
	m.LastError = errMsg
	next := nextAttemptAt
	m.NextAttemptAt = &next
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	if m.Attempts >= MaxOutboxAttempts {
		m.Status = OutboxStatusCanceled
	} else {
		m.Status = OutboxStatusQueued
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) DeleteFinishedOutboxMessages(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outbox {
		if (m.Status == OutboxStatusSent || m.Status == OutboxStatusCanceled) && m.UpdatedAt.Before(before) {
			delete(s.outbox, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, actorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ActorID: actorID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok {
		now := time.Now()
		r.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PruneInbound(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.dedup {
		if r.ReceivedAt.Before(before) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}
