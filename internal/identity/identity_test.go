package identity

import (
	"testing"

	"github.com/baiyu-yu/aidice/internal/conversation"
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

func testManager(t *testing.T) (*Manager, *memStorage) {
	t.Helper()
	store := newMemStorage()
	m, err := NewManager(store, 8, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func TestGetCreatesDefault(t *testing.T) {
	m, _ := testManager(t)

	ident := m.Get("group:42")
	if ident.ID != "group:42" {
		t.Errorf("ID = %q", ident.ID)
	}
	if !ident.IsGroup() {
		t.Error("group identity should report IsGroup")
	}
	p := ident.Privilege
	if p.MinRoleLevel != 100 || p.Counter != -1 || p.Timer != -1 || p.Probability != -1 || p.Standby {
		t.Errorf("default privilege = %+v", p)
	}

	// Same pointer back from the cache.
	if m.Get("group:42") != ident {
		t.Error("second Get should hit the cache")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	m, store := testManager(t)

	ident := m.Get("user:7")
	ident.Privilege.Counter = 3
	ident.Privilege.Standby = true
	ident.ToolEnabled["poke"] = true
	ident.Memory.Add(MemoryEntry{Time: 100, Content: "likes riddles"}, 5)
	ident.Log.Append(conversation.AppendInput{
		Role: conversation.RoleUser, Text: "hello",
		ParticipantID: "user:1", ParticipantName: "Alice",
	})
	if err := m.Save(ident); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Reload through a fresh manager over the same storage.
	m2, err := NewManager(store, 8, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	got := m2.Get("user:7")
	if got.Privilege.Counter != 3 || !got.Privilege.Standby {
		t.Errorf("privilege = %+v", got.Privilege)
	}
	if !got.ToolEnabled["poke"] {
		t.Error("tool enablement lost")
	}
	if len(got.Memory.Entries) != 1 || got.Memory.Entries[0].Content != "likes riddles" {
		t.Errorf("memory = %+v", got.Memory.Entries)
	}
	if len(got.Log.Messages) != 1 || got.Log.Messages[0].Content != "hello" {
		t.Errorf("log = %+v", got.Log.Messages)
	}
}

func TestMalformedBlobFallsBack(t *testing.T) {
	m, store := testManager(t)
	store.data["AI_user:9"] = []byte("{not json")

	ident := m.Get("user:9")
	if ident.Privilege.MinRoleLevel != 100 {
		t.Errorf("malformed blob should yield defaults, got %+v", ident.Privilege)
	}
}

func TestMemoryCap(t *testing.T) {
	var mem Memory
	for i := int64(0); i < 8; i++ {
		mem.Add(MemoryEntry{Time: i, Content: "note"}, 5)
	}
	if len(mem.Entries) != 5 {
		t.Fatalf("len = %d, want 5", len(mem.Entries))
	}
	if mem.Entries[0].Time != 3 {
		t.Errorf("oldest kept = %d, want 3", mem.Entries[0].Time)
	}
}

func TestRememberedGroups(t *testing.T) {
	m, _ := testManager(t)
	ident := m.Get("user:5")
	ident.Memory.Add(MemoryEntry{Content: "plays here", GroupID: "group:11", GroupName: "Night Watch"}, 5)
	ident.Memory.Add(MemoryEntry{Content: "personal"}, 5)

	groups := m.RememberedGroups("user:5")
	if len(groups) != 1 || groups[0].GroupID != "group:11" || groups[0].GroupName != "Night Watch" {
		t.Errorf("groups = %+v", groups)
	}
}

func TestTurnFlag(t *testing.T) {
	ident := newIdentity("user:1", nil)
	if !ident.TryBeginTurn() {
		t.Fatal("first TryBeginTurn should succeed")
	}
	if ident.TryBeginTurn() {
		t.Error("second TryBeginTurn should fail while in flight")
	}
	ident.EndTurn()
	if !ident.TryBeginTurn() {
		t.Error("TryBeginTurn after EndTurn should succeed")
	}
}
