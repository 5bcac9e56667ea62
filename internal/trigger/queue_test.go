package trigger

import (
	"testing"
	"time"
)

type memStorage struct {
	data map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string][]byte)}
}

func (s *memStorage) Get(key string) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStorage) Set(key string, value []byte) error {
	s.data[key] = value
	return nil
}

func testQueue(t *testing.T) (*Queue, *memStorage, *time.Time) {
	t.Helper()
	store := newMemStorage()
	q := NewQueue(store, nil)
	clock := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }
	q.sleep = func(time.Duration) {}
	return q, store, &clock
}

func TestQueueAddListCancel(t *testing.T) {
	q, _, clock := testQueue(t)

	id1, err := q.Add(QueueEntry{IdentityID: "group:1", FireAt: clock.Unix() + 60, Prompt: "check in"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	q.Add(QueueEntry{IdentityID: "group:2", FireAt: clock.Unix() + 60, Prompt: "other"})

	if got := q.List("group:1"); len(got) != 1 || got[0].Prompt != "check in" {
		t.Errorf("List = %+v", got)
	}

	ok, err := q.Cancel(id1)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if got := q.List("group:1"); len(got) != 0 {
		t.Errorf("List after cancel = %+v", got)
	}
	if ok, _ := q.Cancel(id1); ok {
		t.Error("double cancel should report missing")
	}
}

func TestQueuePersistsAcrossReload(t *testing.T) {
	q, store, clock := testQueue(t)
	q.Add(QueueEntry{IdentityID: "group:1", FireAt: clock.Unix() + 60, Prompt: "later"})

	q2 := NewQueue(store, nil)
	if got := q2.List("group:1"); len(got) != 1 || got[0].Prompt != "later" {
		t.Errorf("reloaded List = %+v", got)
	}
}

func TestSweepFiresDueOnly(t *testing.T) {
	q, _, clock := testQueue(t)
	q.Add(QueueEntry{IdentityID: "group:1", FireAt: clock.Unix() - 1, Prompt: "due"})
	q.Add(QueueEntry{IdentityID: "group:1", FireAt: clock.Unix() + 3600, Prompt: "future"})

	var fired []string
	q.Sweep(func(e QueueEntry) { fired = append(fired, e.Prompt) })

	if len(fired) != 1 || fired[0] != "due" {
		t.Errorf("fired = %v", fired)
	}
	if got := q.List("group:1"); len(got) != 1 || got[0].Prompt != "future" {
		t.Errorf("remaining = %+v", got)
	}

	// Second sweep: nothing newly due.
	fired = nil
	q.Sweep(func(e QueueEntry) { fired = append(fired, e.Prompt) })
	if len(fired) != 0 {
		t.Errorf("second sweep fired %v", fired)
	}
}

func TestSweepReentrancyGuard(t *testing.T) {
	q, _, clock := testQueue(t)
	q.Add(QueueEntry{IdentityID: "group:1", FireAt: clock.Unix() - 1, Prompt: "due"})

	calls := 0
	q.Sweep(func(e QueueEntry) {
		calls++
		// Nested sweep must be a no-op while this one runs.
		q.Sweep(func(QueueEntry) { calls++ })
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCancelAll(t *testing.T) {
	q, _, clock := testQueue(t)
	q.Add(QueueEntry{IdentityID: "group:1", FireAt: clock.Unix() + 60})
	q.Add(QueueEntry{IdentityID: "group:1", FireAt: clock.Unix() + 120})
	q.Add(QueueEntry{IdentityID: "group:2", FireAt: clock.Unix() + 60})

	n, err := q.CancelAll("group:1")
	if err != nil || n != 2 {
		t.Fatalf("CancelAll = %d, %v", n, err)
	}
	if got := q.List("group:2"); len(got) != 1 {
		t.Errorf("group:2 entries = %+v", got)
	}
}
