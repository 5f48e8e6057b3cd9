package orchestrator

import (
	"sync"
)

// Repository is the concurrency-safe view of the loop shared with the admin
// API. The loop is its only writer.
type Repository interface {
	// RecordCapture stores a finished session and updates the totals.
	RecordCapture(rec CaptureRecord)

	// RecentCaptures returns at most limit records, newest first. A limit
	// <= 0 returns everything kept.
	RecentCaptures(limit int) []CaptureRecord

	// CountRequest increments the request total.
	CountRequest()

	// SetStatus replaces the published loop status.
	SetStatus(st Status)

	// Status returns the last published status and the totals.
	Status() (Status, Totals)
}

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for history; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu     sync.RWMutex
	store  Store
	status Status
	totals Totals
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore(DefaultHistorySize))
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// RecordCapture implements Repository.RecordCapture.
func (r *InMemoryRepository) RecordCapture(rec CaptureRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.store.Append(rec)
	switch rec.Outcome {
	case OutcomeCompleted:
		r.totals.Completed++
	case OutcomeTimedOut:
		r.totals.TimedOut++
	case OutcomeAborted:
		r.totals.Aborted++
	case OutcomeUnavailable:
		r.totals.Unavailable++
	}
}

// RecentCaptures implements Repository.RecentCaptures.
func (r *InMemoryRepository) RecentCaptures(limit int) []CaptureRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.store.List()
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]CaptureRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out
}

// CountRequest implements Repository.CountRequest.
func (r *InMemoryRepository) CountRequest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.Requests++
}

// SetStatus implements Repository.SetStatus.
func (r *InMemoryRepository) SetStatus(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = st
}

// Status implements Repository.Status.
func (r *InMemoryRepository) Status() (Status, Totals) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status, r.totals
}
