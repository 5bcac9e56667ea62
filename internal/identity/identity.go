// Package identity maps chat identities (one private user or one group)
// to their persisted AI state: conversation log, privileges, tool
// enablement, long-term memory, and collected media.
package identity

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/baiyu-yu/aidice/internal/conversation"
)

// Privilege controls when and for whom an identity's AI responds.
// The -1 sentinel on Counter, Timer, and Probability means "mode
// disabled".
type Privilege struct {
	MinRoleLevel int     `json:"limit"`   // host permission level required for commands
	Counter      int     `json:"counter"` // messages per counter-mode firing
	Timer        int     `json:"timer"`   // debounce seconds
	Probability  float64 `json:"prob"`    // per-message firing chance, percent
	Standby      bool    `json:"standby"` // record context even when nothing fires
}

// DefaultPrivilege returns the state of a freshly created identity:
// owner-only commands, every trigger mode off.
func DefaultPrivilege() Privilege {
	return Privilege{MinRoleLevel: 100, Counter: -1, Timer: -1, Probability: -1}
}

// MemoryEntry is one long-term memory record.
type MemoryEntry struct {
	Time      int64  `json:"time"`
	Content   string `json:"content"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// Memory is an identity's long-term memory: an operator-set persona note
// plus a capped list of records.
type Memory struct {
	Persona string        `json:"persona,omitempty"`
	Entries []MemoryEntry `json:"entries,omitempty"`
}

// Add appends an entry, dropping the oldest once limit is exceeded.
func (m *Memory) Add(e MemoryEntry, limit int) {
	m.Entries = append(m.Entries, e)
	if limit > 0 && len(m.Entries) > limit {
		m.Entries = m.Entries[len(m.Entries)-limit:]
	}
}

// Clear removes all records (the persona note stays).
func (m *Memory) Clear() { m.Entries = nil }

// RememberedGroups lists the groups named in this memory, for group
// resolution.
func (m *Memory) RememberedGroups() []conversation.RememberedGroup {
	var out []conversation.RememberedGroup
	for _, e := range m.Entries {
		if e.GroupID != "" && e.GroupName != "" {
			out = append(out, conversation.RememberedGroup{GroupID: e.GroupID, GroupName: e.GroupName})
		}
	}
	return out
}

// MediaBox is the identity's collected media (images seen in chat when
// collection is on).
type MediaBox struct {
	Collect bool                    `json:"collect"`
	Items   []conversation.MediaRef `json:"items,omitempty"`
}

// Add records media items, keeping at most 50.
func (b *MediaBox) Add(items []conversation.MediaRef) {
	b.Items = append(b.Items, items...)
	if len(b.Items) > 50 {
		b.Items = b.Items[len(b.Items)-50:]
	}
}

// Identity is all AI state owned by one chat scope. Created lazily on
// first access, persisted on explicit Save, evicted from the manager's
// cache but never destroyed in storage.
type Identity struct {
	ID          string
	Privilege   Privilege
	Log         *conversation.Log
	ToolEnabled map[string]bool
	Memory      Memory
	Media       MediaBox

	// LastReply is the most recent produced reply text, used to
	// recognize the host echoing our own outgoing send. Never persisted.
	LastReply string

	inFlight atomic.Bool
}

// IsGroup reports whether the identity is a group scope.
func (id *Identity) IsGroup() bool {
	return len(id.ID) > 6 && id.ID[:6] == "group:"
}

// TryBeginTurn sets the in-flight flag; false means a turn is already
// running and the caller must drop its trigger.
func (id *Identity) TryBeginTurn() bool {
	return id.inFlight.CompareAndSwap(false, true)
}

// EndTurn clears the in-flight flag.
func (id *Identity) EndTurn() { id.inFlight.Store(false) }

// TurnInFlight reports whether a turn is currently running.
func (id *Identity) TurnInFlight() bool { return id.inFlight.Load() }

// storedIdentity is the versioned wire schema for persisted identities.
// Decoding is explicit per field; unknown or missing parts fall back to
// defaults instead of failing the whole load.
type storedIdentity struct {
	Version     int                    `json:"version"`
	Privilege   *Privilege             `json:"privilege,omitempty"`
	Messages    []conversation.Message `json:"messages,omitempty"`
	ToolEnabled map[string]bool        `json:"tools,omitempty"`
	Memory      *Memory                `json:"memory,omitempty"`
	Media       *MediaBox              `json:"media,omitempty"`
}

const storedVersion = 1

// newIdentity builds a fresh identity with default state.
func newIdentity(id string, logger *slog.Logger) *Identity {
	return &Identity{
		ID:          id,
		Privilege:   DefaultPrivilege(),
		Log:         conversation.NewLog(logger),
		ToolEnabled: make(map[string]bool),
	}
}

// fromStored decodes a persisted identity blob. A malformed blob is
// logged and replaced with a fresh default; the host must never crash on
// bad state.
func fromStored(id string, blob []byte, logger *slog.Logger) *Identity {
	ident := newIdentity(id, logger)
	if len(blob) == 0 {
		return ident
	}

	var stored storedIdentity
	if err := json.Unmarshal(blob, &stored); err != nil {
		logger.Error("malformed identity blob, using defaults", "identity", id, "error", err)
		return ident
	}

	if stored.Privilege != nil {
		ident.Privilege = *stored.Privilege
	}
	if stored.Messages != nil {
		ident.Log.Messages = stored.Messages
	}
	if stored.ToolEnabled != nil {
		ident.ToolEnabled = stored.ToolEnabled
	}
	if stored.Memory != nil {
		ident.Memory = *stored.Memory
	}
	if stored.Media != nil {
		ident.Media = *stored.Media
	}
	return ident
}

// toStored encodes the identity for persistence.
func (id *Identity) toStored() ([]byte, error) {
	return json.Marshal(storedIdentity{
		Version:     storedVersion,
		Privilege:   &id.Privilege,
		Messages:    id.Log.Messages,
		ToolEnabled: id.ToolEnabled,
		Memory:      &id.Memory,
		Media:       &id.Media,
	})
}
