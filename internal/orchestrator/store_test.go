package orchestrator

import (
	"testing"
)

func TestInMemoryStore_List_before_wrap(t *testing.T) {
	store := NewInMemoryStore(4)
	if got := store.List(); len(got) != 0 {
		t.Errorf("empty store listed %d records", len(got))
	}

	store.Append(CaptureRecord{Session: 1})
	store.Append(CaptureRecord{Session: 2})

	got := store.List()
	if len(got) != 2 || got[0].Session != 1 || got[1].Session != 2 {
		t.Errorf("List = %+v", got)
	}
}

func TestInMemoryStore_Append_overwrites_oldest(t *testing.T) {
	store := NewInMemoryStore(3)
	for i := 1; i <= 5; i++ {
		store.Append(CaptureRecord{Session: SessionID(i)})
	}

	got := store.List()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []SessionID{3, 4, 5} {
		if got[i].Session != want {
			t.Errorf("List[%d].Session = %d, want %d", i, got[i].Session, want)
		}
	}
}

func TestNewInMemoryStore_default_capacity(t *testing.T) {
	store := NewInMemoryStore(0)
	for i := 0; i < DefaultHistorySize+5; i++ {
		store.Append(CaptureRecord{Session: SessionID(i)})
	}
	if got := len(store.List()); got != DefaultHistorySize {
		t.Errorf("kept %d records, want %d", got, DefaultHistorySize)
	}
}

func TestInMemoryStore_List_is_a_copy(t *testing.T) {
	store := NewInMemoryStore(2)
	store.Append(CaptureRecord{Session: 1})
	got := store.List()
	got[0].Session = 99
	if store.List()[0].Session != 1 {
		t.Error("List should not expose the ring")
	}
}
