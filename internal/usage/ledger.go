// Package usage tracks LLM token consumption per model and day.
package usage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// storageKey is the blob-store key the ledger persists under.
const storageKey = "usageMap"

// keySep joins model and ISO date in accumulator keys.
const keySep = "|"

// Counts is a token tally.
type Counts struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
}

// Total returns prompt plus completion tokens.
func (c Counts) Total() int64 { return c.Prompt + c.Completion }

func (c Counts) add(o Counts) Counts {
	return Counts{Prompt: c.Prompt + o.Prompt, Completion: c.Completion + o.Completion}
}

// Storage is the blob-store surface the ledger persists through.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// Ledger accumulates token counts keyed by model and ISO date
// (model|YYYY-MM-DD), persisting after every update. Month and year
// rollups are derived by scanning keys, never stored.
type Ledger struct {
	store  Storage
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	counts map[string]Counts
}

// NewLedger loads the persisted ledger, starting empty when the blob is
// missing or malformed.
func NewLedger(store Storage, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
		counts: make(map[string]Counts),
	}

	blob, found, err := store.Get(storageKey)
	if err != nil {
		logger.Error("load usage ledger", "error", err)
		return l
	}
	if !found {
		return l
	}
	if err := json.Unmarshal(blob, &l.counts); err != nil {
		logger.Error("malformed usage ledger, starting empty", "error", err)
		l.counts = make(map[string]Counts)
	}
	return l
}

// Record adds tokens for model on the current day and persists.
func (l *Ledger) Record(model string, prompt, completion int64) error {
	if model == "" || (prompt == 0 && completion == 0) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := model + keySep + l.now().Format("2006-01-02")
	l.counts[key] = l.counts[key].add(Counts{Prompt: prompt, Completion: completion})
	return l.persistLocked()
}

func (l *Ledger) persistLocked() error {
	blob, err := json.Marshal(l.counts)
	if err != nil {
		return fmt.Errorf("encode usage ledger: %w", err)
	}
	if err := l.store.Set(storageKey, blob); err != nil {
		return fmt.Errorf("save usage ledger: %w", err)
	}
	return nil
}

// Models lists models with recorded usage, sorted.
func (l *Ledger) Models() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	for key := range l.counts {
		if model, _, ok := splitKey(key); ok {
			seen[model] = true
		}
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// ModelTotal sums all days for one model.
func (l *Ledger) ModelTotal(model string) Counts {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total Counts
	for key, c := range l.counts {
		if m, _, ok := splitKey(key); ok && m == model {
			total = total.add(c)
		}
	}
	return total
}

// SumRange sums all models over days in [from, to], both ISO dates
// inclusive.
func (l *Ledger) SumRange(from, to string) Counts {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total Counts
	for key, c := range l.counts {
		if _, day, ok := splitKey(key); ok && day >= from && day <= to {
			total = total.add(c)
		}
	}
	return total
}

// Period is one rollup bucket.
type Period struct {
	Label  string
	Counts Counts
}

// LastDays returns per-day totals for the most recent n days, oldest
// first, including empty days.
func (l *Ledger) LastDays(n int) []Period {
	l.mu.Lock()
	defer l.mu.Unlock()

	byDay := make(map[string]Counts)
	for key, c := range l.counts {
		if _, day, ok := splitKey(key); ok {
			byDay[day] = byDay[day].add(c)
		}
	}

	today := l.now()
	out := make([]Period, 0, n)
	for i := n - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format("2006-01-02")
		out = append(out, Period{Label: day, Counts: byDay[day]})
	}
	return out
}

// LastMonths returns per-month totals for the most recent n months,
// oldest first, including empty months.
func (l *Ledger) LastMonths(n int) []Period {
	l.mu.Lock()
	defer l.mu.Unlock()

	byMonth := make(map[string]Counts)
	for key, c := range l.counts {
		if _, day, ok := splitKey(key); ok && len(day) >= 7 {
			month := day[:7]
			byMonth[month] = byMonth[month].add(c)
		}
	}

	now := l.now()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	out := make([]Period, 0, n)
	for i := n - 1; i >= 0; i-- {
		month := first.AddDate(0, -i, 0).Format("2006-01")
		out = append(out, Period{Label: month, Counts: byMonth[month]})
	}
	return out
}

// Clear drops all usage and persists.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts = make(map[string]Counts)
	return l.persistLocked()
}

// ClearModel drops one model's usage and persists.
func (l *Ledger) ClearModel(model string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.counts {
		if m, _, ok := splitKey(key); ok && m == model {
			delete(l.counts, key)
		}
	}
	return l.persistLocked()
}

// splitKey splits a model|date accumulator key on its last separator so
// model names may themselves contain the separator.
func splitKey(key string) (model, day string, ok bool) {
	i := strings.LastIndex(key, keySep)
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
