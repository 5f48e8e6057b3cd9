package orchestrator

// DefaultHistorySize is how many capture records the in-memory store keeps.
const DefaultHistorySize = 32

// Store is the persistence abstraction for capture history.
// The Repository uses Store for all reads and writes; callers of Repository
// do not need to know which Store is used.
type Store interface {
	Append(rec CaptureRecord)
	// List returns the stored records, oldest first.
	List() []CaptureRecord
}

// InMemoryStore is a fixed-size ring of capture records.
type InMemoryStore struct {
	records []CaptureRecord
	next    int
	full    bool
}

// NewInMemoryStore returns a store keeping the last capacity records. If
// capacity <= 0, DefaultHistorySize is used.
func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &InMemoryStore{records: make([]CaptureRecord, capacity)}
}

// Append implements Store.Append. The oldest record is overwritten when full.
func (s *InMemoryStore) Append(rec CaptureRecord) {
	s.records[s.next] = rec
	s.next++
	if s.next == len(s.records) {
		s.next = 0
		s.full = true
	}
}

// List implements Store.List.
func (s *InMemoryStore) List() []CaptureRecord {
	if !s.full {
		out := make([]CaptureRecord, s.next)
		copy(out, s.records[:s.next])
		return out
	}
	out := make([]CaptureRecord, 0, len(s.records))
	out = append(out, s.records[s.next:]...)
	out = append(out, s.records[:s.next]...)
	return out
}
