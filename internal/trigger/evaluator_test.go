package trigger

import (
	"testing"
	"time"

	"github.com/baiyu-yu/aidice/internal/config"
	"github.com/baiyu-yu/aidice/internal/identity"
)

func offPrivilege() identity.Privilege {
	return identity.Privilege{MinRoleLevel: 100, Counter: -1, Timer: -1, Probability: -1}
}

func TestKeywordFires(t *testing.T) {
	e := NewEvaluator([]config.KeywordRule{{Pattern: `(?i)\bdragon\b`}}, nil, nil)

	got := e.Evaluate("group:1", offPrivilege(), "beware the Dragon ahead", "user:1")
	if !got.Fire || got.Reason != ReasonKeyword {
		t.Errorf("Evaluate = %+v", got)
	}

	got = e.Evaluate("group:1", offPrivilege(), "nothing here", "user:1")
	if got.Fire {
		t.Errorf("Evaluate = %+v, want no fire", got)
	}
}

func TestKeywordGate(t *testing.T) {
	gateOpen := false
	gate := func(expr string) bool { return gateOpen }
	e := NewEvaluator([]config.KeywordRule{{Pattern: "hello", Gate: "night_only"}}, gate, nil)

	if got := e.Evaluate("g", offPrivilege(), "hello", "u"); got.Fire {
		t.Errorf("closed gate should not fire, got %+v", got)
	}
	gateOpen = true
	if got := e.Evaluate("g", offPrivilege(), "hello", "u"); !got.Fire {
		t.Errorf("open gate should fire, got %+v", got)
	}
}

func TestConditionOneShot(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	if _, err := e.AddCondition("g", Condition{Pattern: "treasure", SenderID: "user:2", Reason: "they promised a map"}); err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	// Wrong sender does not consume the condition.
	if got := e.Evaluate("g", offPrivilege(), "treasure!", "user:9"); got.Fire {
		t.Errorf("wrong sender fired: %+v", got)
	}

	got := e.Evaluate("g", offPrivilege(), "found the treasure", "user:2")
	if !got.Fire || got.Reason != ReasonCondition || got.Note != "they promised a map" {
		t.Errorf("Evaluate = %+v", got)
	}

	// One-shot: consumed.
	if got := e.Evaluate("g", offPrivilege(), "treasure again", "user:2"); got.Fire {
		t.Errorf("condition should be consumed, got %+v", got)
	}
	if len(e.Conditions("g")) != 0 {
		t.Error("condition list should be empty")
	}
}

func TestCounterFiresAndResets(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	priv := offPrivilege()
	priv.Counter = 3

	for round := 0; round < 2; round++ {
		for i := 0; i < 2; i++ {
			if got := e.Evaluate("g", priv, "chatter", "u"); got.Fire {
				t.Fatalf("round %d msg %d fired early: %+v", round, i, got)
			}
		}
		got := e.Evaluate("g", priv, "chatter", "u")
		if !got.Fire || got.Reason != ReasonCounter {
			t.Fatalf("round %d third message = %+v", round, got)
		}
	}
}

func TestProbability(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)

	// Force the draw high: threshold 100 still fires, -1 never does.
	e.rand = func() float64 { return 0.999 }
	priv := offPrivilege()
	priv.Probability = 100
	if got := e.Evaluate("g", priv, "hi", "u"); !got.Fire || got.Reason != ReasonProbability {
		t.Errorf("prob 100 = %+v", got)
	}

	priv.Probability = -1
	if got := e.Evaluate("g", priv, "hi", "u"); got.Fire {
		t.Errorf("prob -1 fired: %+v", got)
	}

	// Draw above threshold does not fire.
	priv.Probability = 10
	e.rand = func() float64 { return 0.5 } // draw 50
	if got := e.Evaluate("g", priv, "hi", "u"); got.Fire {
		t.Errorf("draw 50 vs threshold 10 fired: %+v", got)
	}
	e.rand = func() float64 { return 0.05 } // draw 5
	if got := e.Evaluate("g", priv, "hi", "u"); !got.Fire {
		t.Errorf("draw 5 vs threshold 10 should fire")
	}
}

func TestZeroThresholdsAreLive(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	e.rand = func() float64 { return 0.5 }

	// Counter 0 fires on every message; only -1 disables the mode.
	priv := offPrivilege()
	priv.Counter = 0
	for i := 0; i < 2; i++ {
		if got := e.Evaluate("g", priv, "hi", "u"); !got.Fire || got.Reason != ReasonCounter {
			t.Fatalf("msg %d = %+v, want counter fire", i, got)
		}
	}

	// Timer 0 arms a jitter-only debounce.
	priv.Counter = -1
	priv.Timer = 0
	got := e.Evaluate("g", priv, "hi", "u")
	if got.Fire {
		t.Fatalf("timer mode fired directly: %+v", got)
	}
	if got.Debounce != 250*time.Millisecond {
		t.Errorf("Debounce = %v, want 250ms", got.Debounce)
	}
}

func TestTimerAsksForDebounce(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	e.rand = func() float64 { return 0 } // no jitter, no probability fire
	priv := offPrivilege()
	priv.Timer = 60
	priv.Probability = -1

	got := e.Evaluate("g", priv, "hi", "u")
	if got.Fire {
		t.Fatalf("timer mode should not fire directly: %+v", got)
	}
	if got.Debounce.Seconds() != 60 {
		t.Errorf("Debounce = %v, want 60s", got.Debounce)
	}
}

func TestDebounceArmCancel(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)

	fired := make(chan struct{}, 1)
	e.ArmDebounce("g", 10*time.Millisecond, func() { fired <- struct{}{} })
	e.CancelDebounce("g")

	select {
	case <-fired:
		t.Fatal("cancelled debounce fired")
	case <-time.After(50 * time.Millisecond):
	}

	e.ArmDebounce("g", 10*time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("armed debounce never fired")
	}
}
