package trigger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// queueKey is the blob-store key the deferred queue persists under.
const queueKey = "timerQueue"

// defaultPace separates consecutive due-entry firings so the host is not
// hit with a burst after downtime.
const defaultPace = 2 * time.Second

// QueueEntry is one deferred trigger: at FireAt, inject the prompt as a
// timer-fired note into the identity's log and run a turn.
type QueueEntry struct {
	ID         string `json:"id"`
	IdentityID string `json:"identity"`
	UserID     string `json:"user_id,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
	SetAt      int64  `json:"set_at"`
	FireAt     int64  `json:"fire_at"`
	Prompt     string `json:"prompt"`
}

// Storage is the blob-store surface the queue persists through.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// FireFunc runs one due entry's turn. It must not panic; the sweep calls
// it synchronously.
type FireFunc func(entry QueueEntry)

// Queue is the persisted deferred-trigger queue, drained by a
// minute-granularity sweep. The running flag keeps overlapping sweeps
// from double-firing when a drain outlasts the schedule interval.
type Queue struct {
	store  Storage
	logger *slog.Logger
	now    func() time.Time
	pace   time.Duration
	sleep  func(time.Duration)

	mu      sync.Mutex
	entries []QueueEntry

	running atomic.Bool
	cron    *cron.Cron
}

// NewQueue loads the persisted queue, starting empty when the blob is
// missing or malformed.
func NewQueue(store Storage, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:  store,
		logger: logger,
		now:    time.Now,
		pace:   defaultPace,
		sleep:  time.Sleep,
	}

	blob, found, err := store.Get(queueKey)
	if err != nil {
		logger.Error("load timer queue", "error", err)
		return q
	}
	if found {
		if err := json.Unmarshal(blob, &q.entries); err != nil {
			logger.Error("malformed timer queue, starting empty", "error", err)
			q.entries = nil
		}
	}
	return q
}

// Add appends a deferred trigger and persists. Returns the entry id.
func (q *Queue) Add(e QueueEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SetAt == 0 {
		e.SetAt = q.now().Unix()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, e)
	if err := q.persistLocked(); err != nil {
		return "", err
	}
	return e.ID, nil
}

// List returns an identity's pending entries in fire order.
func (q *Queue) List(identityID string) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []QueueEntry
	for _, e := range q.entries {
		if e.IdentityID == identityID {
			out = append(out, e)
		}
	}
	return out
}

// Cancel removes one entry by id. Reports whether it existed.
func (q *Queue) Cancel(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true, q.persistLocked()
		}
	}
	return false, nil
}

// CancelAll removes every entry for an identity, returning the count.
func (q *Queue) CancelAll(identityID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.IdentityID == identityID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, q.persistLocked()
}

func (q *Queue) persistLocked() error {
	blob, err := json.Marshal(q.entries)
	if err != nil {
		return fmt.Errorf("encode timer queue: %w", err)
	}
	if err := q.store.Set(queueKey, blob); err != nil {
		return fmt.Errorf("save timer queue: %w", err)
	}
	return nil
}

// Start schedules the minute sweep. Stop with Stop.
func (q *Queue) Start(fire FireFunc) error {
	q.cron = cron.New()
	if _, err := q.cron.AddFunc("* * * * *", func() { q.Sweep(fire) }); err != nil {
		return fmt.Errorf("schedule timer sweep: %w", err)
	}
	q.cron.Start()
	return nil
}

// Stop halts the sweep schedule. A sweep already in progress finishes.
func (q *Queue) Stop() {
	if q.cron != nil {
		q.cron.Stop()
	}
}

// Sweep fires every due entry, pacing between items, then persists the
// shrunken queue. Re-entrant calls return immediately.
func (q *Queue) Sweep(fire FireFunc) {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	defer q.running.Store(false)

	now := q.now().Unix()

	q.mu.Lock()
	var due []QueueEntry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.FireAt <= now {
			due = append(due, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	if len(due) > 0 {
		if err := q.persistLocked(); err != nil {
			q.logger.Error("persist timer queue", "error", err)
		}
	}
	q.mu.Unlock()

	for i, e := range due {
		if i > 0 {
			q.sleep(q.pace)
		}
		q.logger.Info("deferred trigger firing", "identity", e.IdentityID, "set_at", e.SetAt)
		fire(e)
	}
}
