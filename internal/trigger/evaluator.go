// Package trigger decides when the AI responds without being commanded:
// keyword rules, one-shot conditions, message counters, probability
// draws, debounce timers, and the persisted deferred-trigger queue.
package trigger

import (
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baiyu-yu/aidice/internal/config"
	"github.com/baiyu-yu/aidice/internal/identity"
)

// Reason labels why a trigger fired.
const (
	ReasonKeyword     = "keyword"
	ReasonCondition   = "condition"
	ReasonCounter     = "counter"
	ReasonProbability = "probability"
)

// Result of evaluating one inbound message. At most one of Fire and
// Debounce is set.
type Result struct {
	Fire     bool
	Reason   string
	Note     string        // system note to inject before the turn (condition reason)
	Debounce time.Duration // >0: arm the debounce timer with this delay
}

// Condition is a one-shot trigger registered by the AI itself: fire the
// next time a message matching the pattern arrives, optionally only from
// one sender.
type Condition struct {
	ID       string
	Pattern  string
	SenderID string
	Reason   string

	re *regexp.Regexp
}

// GateFunc evaluates a configured keyword gate expression against host
// state. A nil gate passes everything.
type GateFunc func(expr string) bool

type keywordRule struct {
	re   *regexp.Regexp
	gate string
}

// Evaluator holds compiled keyword rules plus the per-identity ephemeral
// trigger state: rolling counters, one-shot conditions, and armed
// debounce timers. None of it is persisted.
type Evaluator struct {
	logger *slog.Logger
	rules  []keywordRule
	gate   GateFunc
	rand   func() float64

	mu         sync.Mutex
	counters   map[string]int
	conditions map[string][]*Condition
	debounce   map[string]*time.Timer
}

// NewEvaluator compiles the configured keyword rules. Rules that fail to
// compile are logged and skipped.
func NewEvaluator(rules []config.KeywordRule, gate GateFunc, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		logger:     logger,
		gate:       gate,
		rand:       rand.Float64,
		counters:   make(map[string]int),
		conditions: make(map[string][]*Condition),
		debounce:   make(map[string]*time.Timer),
	}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			logger.Error("bad keyword pattern, skipping", "pattern", r.Pattern, "error", err)
			continue
		}
		e.rules = append(e.rules, keywordRule{re: re, gate: r.Gate})
	}
	return e
}

// AddCondition registers a one-shot condition for an identity. The
// pattern must compile.
func (e *Evaluator) AddCondition(identityID string, c Condition) (string, error) {
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return "", fmt.Errorf("condition pattern %q: %w", c.Pattern, err)
	}
	c.re = re
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	e.mu.Lock()
	e.conditions[identityID] = append(e.conditions[identityID], &c)
	e.mu.Unlock()
	return c.ID, nil
}

// Conditions lists an identity's pending one-shot conditions.
func (e *Evaluator) Conditions(identityID string) []Condition {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Condition, 0, len(e.conditions[identityID]))
	for _, c := range e.conditions[identityID] {
		out = append(out, *c)
	}
	return out
}

// Evaluate runs the trigger ladder for one inbound message: keyword
// rules, then one-shot conditions, then counter, then probability. A
// firing mode wins outright; when nothing fires and the timer mode is
// on, the result asks the caller to arm the debounce timer.
func (e *Evaluator) Evaluate(identityID string, priv identity.Privilege, text, senderID string) Result {
	for _, r := range e.rules {
		if !r.re.MatchString(text) {
			continue
		}
		if r.gate != "" && e.gate != nil && !e.gate(r.gate) {
			continue
		}
		return Result{Fire: true, Reason: ReasonKeyword}
	}

	e.mu.Lock()
	conds := e.conditions[identityID]
	for i, c := range conds {
		if !c.re.MatchString(text) {
			continue
		}
		if c.SenderID != "" && c.SenderID != senderID {
			continue
		}
		e.conditions[identityID] = append(conds[:i], conds[i+1:]...)
		e.mu.Unlock()
		return Result{Fire: true, Reason: ReasonCondition, Note: c.Reason}
	}

	// -1 is the disabled sentinel; 0 is live (fires on every message).
	if priv.Counter > -1 {
		e.counters[identityID]++
		if e.counters[identityID] >= priv.Counter {
			e.counters[identityID] = 0
			e.mu.Unlock()
			return Result{Fire: true, Reason: ReasonCounter}
		}
	}
	e.mu.Unlock()

	if priv.Probability >= 0 && e.rand()*100 <= priv.Probability {
		return Result{Fire: true, Reason: ReasonProbability}
	}

	// Timer 0 is live too: a jitter-only debounce.
	if priv.Timer > -1 {
		jitter := time.Duration(e.rand() * 500 * float64(time.Millisecond))
		return Result{Debounce: time.Duration(priv.Timer)*time.Second + jitter}
	}
	return Result{}
}

// ArmDebounce schedules fire after delay, replacing any timer already
// armed for the identity.
func (e *Evaluator) ArmDebounce(identityID string, delay time.Duration, fire func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.debounce[identityID]; ok {
		t.Stop()
	}
	e.debounce[identityID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.debounce, identityID)
		e.mu.Unlock()
		fire()
	})
}

// CancelDebounce stops the identity's armed timer, if any. Called on
// every fresh inbound message so the timer measures quiet time.
func (e *Evaluator) CancelDebounce(identityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.debounce[identityID]; ok {
		t.Stop()
		delete(e.debounce, identityID)
	}
}

// ResetCounter clears the identity's rolling counter.
func (e *Evaluator) ResetCounter(identityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counters, identityID)
}
