package commands

import (
	"context"
	"strings"
	"testing"

	"github.com/baiyu-yu/aidice/internal/config"
	"github.com/baiyu-yu/aidice/internal/identity"
	"github.com/baiyu-yu/aidice/internal/tools"
	"github.com/baiyu-yu/aidice/internal/trigger"
	"github.com/baiyu-yu/aidice/internal/usage"
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

func testHandler(t *testing.T) (*Handler, *identity.Manager, *usage.Ledger) {
	t.Helper()
	store := newMemStorage()
	mgr, err := identity.NewManager(store, 8, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ledger := usage.NewLedger(store, nil)
	eval := trigger.NewEvaluator(nil, nil, nil)
	reg := tools.NewRegistry(&tools.Env{
		Manager:     mgr,
		Evaluator:   eval,
		Queue:       trigger.NewQueue(store, nil),
		MemoryLimit: 5,
	})
	h := New(Deps{
		Config:    config.Default(),
		Manager:   mgr,
		Registry:  reg,
		Ledger:    ledger,
		Evaluator: eval,
		Queue:     trigger.NewQueue(store, nil),
	})
	return h, mgr, ledger
}

func ownerReq(args ...string) Request {
	return Request{
		IdentityID:  "group:1",
		CallerID:    "user:1001",
		CallerName:  "Alice",
		CallerLevel: 100,
		SelfID:      "user:9999",
		GroupID:     "group:1",
		GroupName:   "Dice Hall",
		Args:        args,
	}
}

func TestOnOffRoundTrip(t *testing.T) {
	h, mgr, _ := testHandler(t)

	got := h.Handle(context.Background(), ownerReq("on", "--c=3", "--t", "--p=25"))
	if !strings.Contains(got, "3 messages") || !strings.Contains(got, "60s") || !strings.Contains(got, "25%") {
		t.Errorf("on = %q", got)
	}

	p := mgr.Get("group:1").Privilege
	if p.Counter != 3 || p.Timer != 60 || p.Probability != 25 {
		t.Errorf("privilege = %+v", p)
	}

	h.Handle(context.Background(), ownerReq("off", "--c"))
	p = mgr.Get("group:1").Privilege
	if p.Counter != -1 || p.Timer != 60 {
		t.Errorf("after off --c: %+v", p)
	}

	h.Handle(context.Background(), ownerReq("off"))
	p = mgr.Get("group:1").Privilege
	if p.Timer != -1 || p.Probability != -1 || p.Standby {
		t.Errorf("after off: %+v", p)
	}
}

func TestPermissionGate(t *testing.T) {
	h, mgr, _ := testHandler(t)
	mgr.Get("group:1").Privilege.MinRoleLevel = 50

	req := ownerReq("on", "--c")
	req.CallerLevel = 10
	if got := h.Handle(context.Background(), req); got != "insufficient permission" {
		t.Errorf("low level = %q", got)
	}

	req.CallerLevel = 50
	if got := h.Handle(context.Background(), req); strings.Contains(got, "permission") {
		t.Errorf("exact level = %q", got)
	}

	// st is owner-only regardless of the identity's own level.
	req = ownerReq("st", "0")
	req.CallerLevel = 50
	if got := h.Handle(context.Background(), req); got != "owner only" {
		t.Errorf("st = %q", got)
	}
}

func TestStandbyAndForget(t *testing.T) {
	h, mgr, _ := testHandler(t)

	h.Handle(context.Background(), ownerReq("sb"))
	if !mgr.Get("group:1").Privilege.Standby {
		t.Error("standby not set")
	}

	ident := mgr.Get("group:1")
	ident.Log.AppendSystemNote("note", "something happened", nil)
	if got := h.Handle(context.Background(), ownerReq("fgt")); got != "context forgotten" {
		t.Errorf("fgt = %q", got)
	}
	if len(ident.Log.Messages) != 0 {
		t.Errorf("log = %+v", ident.Log.Messages)
	}
}

func TestMemoCommands(t *testing.T) {
	h, mgr, _ := testHandler(t)

	h.Handle(context.Background(), ownerReq("memo", "st", "speaks", "Latin"))
	if got := mgr.Get("user:1001").Memory.Persona; got != "speaks Latin" {
		t.Errorf("persona = %q", got)
	}

	got := h.Handle(context.Background(), ownerReq("memo", "show"))
	if !strings.Contains(got, "speaks Latin") {
		t.Errorf("show = %q", got)
	}

	h.Handle(context.Background(), ownerReq("memo", "clr"))
	if got := h.Handle(context.Background(), ownerReq("memo", "show")); got != "no memories yet" {
		t.Errorf("after clr = %q", got)
	}
}

func TestToolCommands(t *testing.T) {
	h, mgr, _ := testHandler(t)

	got := h.Handle(context.Background(), ownerReq("tool", "list"))
	if !strings.Contains(got, "[off] send_msg") {
		t.Errorf("list = %q", got)
	}

	h.Handle(context.Background(), ownerReq("tool", "on", "send_msg"))
	if !mgr.Get("group:1").ToolEnabled["send_msg"] {
		t.Error("send_msg not enabled")
	}
	got = h.Handle(context.Background(), ownerReq("tool", "list"))
	if !strings.Contains(got, "[on] send_msg") {
		t.Errorf("list = %q", got)
	}

	got = h.Handle(context.Background(), ownerReq("tool", "help", "poke"))
	if !strings.Contains(got, "poke:") {
		t.Errorf("help = %q", got)
	}
}

func TestForgetResetsTriggerState(t *testing.T) {
	h, _, _ := testHandler(t)
	eval := h.d.Evaluator

	priv := identity.Privilege{Counter: 3, Timer: -1, Probability: -1}
	eval.Evaluate("group:1", priv, "one", "u")
	eval.Evaluate("group:1", priv, "two", "u")

	h.Handle(context.Background(), ownerReq("fgt"))

	// The rolling counter was dropped with the context: this is message
	// 1 of 3 again, not 3 of 3.
	if got := eval.Evaluate("group:1", priv, "three", "u"); got.Fire {
		t.Fatalf("counter survived fgt: %+v", got)
	}
	eval.Evaluate("group:1", priv, "four", "u")
	if got := eval.Evaluate("group:1", priv, "five", "u"); !got.Fire {
		t.Error("counter did not fire after reset")
	}
}

func TestToolInvoke(t *testing.T) {
	h, mgr, _ := testHandler(t)

	h.Handle(context.Background(), ownerReq("tool", "on", "set_memory"))
	got := h.Handle(context.Background(), ownerReq("tool", "invoke", "set_memory", `{"content":"likes tea"}`))
	if !strings.Contains(got, "likes tea") {
		t.Fatalf("invoke = %q", got)
	}

	// The tool ran for real and the call/result pair is in the log.
	if entries := mgr.Get("user:1001").Memory.Entries; len(entries) != 1 || entries[0].Content != "likes tea" {
		t.Errorf("memory = %+v", entries)
	}
	msgs := mgr.Get("group:1").Log.Messages
	var sawPair bool
	for i, m := range msgs {
		if m.Role == "assistant" && len(m.ToolCalls) == 1 && m.ToolCalls[0].Function.Name == "set_memory" {
			if i+1 < len(msgs) && msgs[i+1].Role == "tool" && msgs[i+1].ToolCallID == m.ToolCalls[0].ID {
				sawPair = true
			}
		}
	}
	if !sawPair {
		t.Errorf("log = %+v", msgs)
	}

	if got := h.Handle(context.Background(), ownerReq("tool", "invoke")); !strings.Contains(got, "usage") {
		t.Errorf("bare invoke = %q", got)
	}
}

func TestTokenCommands(t *testing.T) {
	h, _, ledger := testHandler(t)
	ledger.Record("test-model", 100, 50)

	got := h.Handle(context.Background(), ownerReq("tk", "sum"))
	if !strings.Contains(got, "test-model: 100 prompt + 50 completion = 150") {
		t.Errorf("sum = %q", got)
	}

	got = h.Handle(context.Background(), ownerReq("tk", "test-model"))
	if !strings.Contains(got, "= 150") {
		t.Errorf("per-model = %q", got)
	}

	h.Handle(context.Background(), ownerReq("tk", "clr"))
	if got := h.Handle(context.Background(), ownerReq("tk", "sum")); got != "no usage recorded" {
		t.Errorf("after clr = %q", got)
	}
}

func TestUnknownShowsUsage(t *testing.T) {
	h, _, _ := testHandler(t)
	if got := h.Handle(context.Background(), ownerReq("bogus")); !strings.Contains(got, ".ai commands") {
		t.Errorf("usage = %q", got)
	}
}
