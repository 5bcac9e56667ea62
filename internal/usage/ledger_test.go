package usage

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

func testLedger(t *testing.T) (*Ledger, *memStorage, *time.Time) {
	t.Helper()
	store := newMemStorage()
	l := NewLedger(store, nil)
	clock := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, store, &clock
}

func TestRecordSameDaySums(t *testing.T) {
	l, _, _ := testLedger(t)

	if err := l.Record("gpt-4o-mini", 100, 20); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record("gpt-4o-mini", 50, 10); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got := l.ModelTotal("gpt-4o-mini")
	if got.Prompt != 150 || got.Completion != 30 {
		t.Errorf("ModelTotal = %+v", got)
	}
}

func TestRecordNewDayNewBucket(t *testing.T) {
	l, _, clock := testLedger(t)

	l.Record("gpt-4o-mini", 100, 20)
	*clock = clock.AddDate(0, 0, 1)
	l.Record("gpt-4o-mini", 7, 3)

	days := l.LastDays(2)
	if len(days) != 2 {
		t.Fatalf("len = %d", len(days))
	}
	if days[0].Counts.Prompt != 100 || days[1].Counts.Prompt != 7 {
		t.Errorf("days = %+v", days)
	}
}

func TestPersistAndReload(t *testing.T) {
	l, store, _ := testLedger(t)
	l.Record("m1", 10, 5)
	l.Record("m2", 1, 1)

	l2 := NewLedger(store, nil)
	got := l2.ModelTotal("m1")
	if got.Prompt != 10 || got.Completion != 5 {
		t.Errorf("reloaded ModelTotal = %+v", got)
	}
	models := l2.Models()
	if len(models) != 2 || models[0] != "m1" || models[1] != "m2" {
		t.Errorf("Models = %v", models)
	}
}

func TestSumRange(t *testing.T) {
	l, _, clock := testLedger(t)
	l.Record("m", 10, 0)
	*clock = clock.AddDate(0, 0, 5)
	l.Record("m", 20, 0)

	got := l.SumRange("2026-08-31", "2026-09-04")
	if got.Prompt != 10 {
		t.Errorf("SumRange excl = %+v", got)
	}
	got = l.SumRange("2026-08-31", "2026-09-05")
	if got.Prompt != 30 {
		t.Errorf("SumRange incl = %+v", got)
	}
}

func TestLastMonths(t *testing.T) {
	l, _, clock := testLedger(t)
	l.Record("m", 10, 0)
	*clock = clock.AddDate(0, 1, 0)
	l.Record("m", 5, 0)

	months := l.LastMonths(12)
	if len(months) != 12 {
		t.Fatalf("len = %d", len(months))
	}
	last := months[len(months)-1]
	prev := months[len(months)-2]
	if last.Label != "2026-09" || last.Counts.Prompt != 5 {
		t.Errorf("last month = %+v", last)
	}
	if prev.Label != "2026-08" || prev.Counts.Prompt != 10 {
		t.Errorf("prev month = %+v", prev)
	}
}

func TestClearModel(t *testing.T) {
	l, _, _ := testLedger(t)
	l.Record("m1", 10, 0)
	l.Record("m2", 20, 0)

	if err := l.ClearModel("m1"); err != nil {
		t.Fatalf("ClearModel: %v", err)
	}
	if got := l.ModelTotal("m1"); got.Total() != 0 {
		t.Errorf("m1 total = %+v", got)
	}
	if got := l.ModelTotal("m2"); got.Prompt != 20 {
		t.Errorf("m2 total = %+v", got)
	}

	if err := l.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if models := l.Models(); len(models) != 0 {
		t.Errorf("Models after Clear = %v", models)
	}
}
