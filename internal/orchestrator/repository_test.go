package orchestrator

import (
	"sync"
	"testing"
)

func TestInMemoryRepository_RecordCapture(t *testing.T) {
	repo := NewInMemoryRepository()

	t.Run("totals_by_outcome", func(t *testing.T) {
		repo.RecordCapture(CaptureRecord{Session: 1, Outcome: OutcomeCompleted, Bytes: 76800})
		repo.RecordCapture(CaptureRecord{Session: 2, Outcome: OutcomeTimedOut})
		repo.RecordCapture(CaptureRecord{Session: 3, Outcome: OutcomeAborted, Bytes: 4096})
		repo.RecordCapture(CaptureRecord{Outcome: OutcomeUnavailable})
		repo.RecordCapture(CaptureRecord{Session: 4, Outcome: OutcomeCompleted, Bytes: 76800})

		_, totals := repo.Status()
		want := Totals{Completed: 2, TimedOut: 1, Aborted: 1, Unavailable: 1}
		if totals != want {
			t.Errorf("totals = %+v, want %+v", totals, want)
		}
	})

	t.Run("recent_newest_first", func(t *testing.T) {
		got := repo.RecentCaptures(2)
		if len(got) != 2 || got[0].Session != 4 || got[1].Outcome != OutcomeUnavailable {
			t.Errorf("RecentCaptures(2) = %+v", got)
		}
		if all := repo.RecentCaptures(0); len(all) != 5 {
			t.Errorf("RecentCaptures(0) returned %d records, want 5", len(all))
		}
		if all := repo.RecentCaptures(100); len(all) != 5 {
			t.Errorf("RecentCaptures(100) returned %d records, want 5", len(all))
		}
	})
}

func TestInMemoryRepository_Status(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.CountRequest()
	repo.CountRequest()
	repo.SetStatus(Status{Endpoint: "established", Breaker: "closed", Session: Session{ID: 7, Triggered: true}})

	st, totals := repo.Status()
	if st.Endpoint != "established" || st.Session.ID != 7 || !st.Session.Triggered {
		t.Errorf("status = %+v", st)
	}
	if totals.Requests != 2 {
		t.Errorf("requests = %d, want 2", totals.Requests)
	}
}

func TestNewInMemoryRepositoryWithStore(t *testing.T) {
	store := NewInMemoryStore(2)
	repo := NewInMemoryRepositoryWithStore(store)
	repo.RecordCapture(CaptureRecord{Session: 1, Outcome: OutcomeCompleted})

	if got := store.List(); len(got) != 1 || got[0].Session != 1 {
		t.Errorf("injected store should hold the record, got %+v", got)
	}
}

func TestInMemoryRepository_concurrent_readers(t *testing.T) {
	repo := NewInMemoryRepository()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				repo.Status()
				repo.RecentCaptures(5)
			}
		}()
	}
	for i := 0; i < 100; i++ {
		repo.RecordCapture(CaptureRecord{Session: SessionID(i), Outcome: OutcomeCompleted})
		repo.SetStatus(Status{Endpoint: "listening"})
	}
	wg.Wait()

	if _, totals := repo.Status(); totals.Completed != 100 {
		t.Errorf("completed = %d, want 100", totals.Completed)
	}
}
