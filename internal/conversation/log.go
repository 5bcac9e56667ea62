package conversation

import (
	"log/slog"
	"strings"
	"time"

	"github.com/baiyu-yu/aidice/internal/llm"
)

// CoalescePolicy decides whether a new message merges into the last log
// entry instead of creating a new one. The default reproduces the
// original behavior: same participant name and the text does not begin
// with the function-call marker. The exact boundary of "the same logical
// turn" is policy, not an invariant, so callers may swap it out.
type CoalescePolicy func(last *Message, role, name, text string) bool

// DefaultCoalesce is the stock coalescing rule.
func DefaultCoalesce(last *Message, role, name, text string) bool {
	return last.ParticipantName == name && !strings.HasPrefix(text, FunctionCallMarker)
}

// Log is the ordered message history of one identity. It is not
// self-locking: the owning identity's in-flight turn (or the host's
// serialized command handling) is the mutual exclusion.
type Log struct {
	Messages []Message `json:"messages"`

	coalesce CoalescePolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewLog creates an empty log.
func NewLog(logger *slog.Logger) *Log {
	l := &Log{}
	l.Attach(logger)
	return l
}

// Attach (re)binds the unserialized parts of the log: logger, clock, and
// coalescing policy default. Called after construction and after loading
// from storage.
func (l *Log) Attach(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	l.logger = logger
	if l.coalesce == nil {
		l.coalesce = DefaultCoalesce
	}
	if l.now == nil {
		l.now = time.Now
	}
}

func (l *Log) ensure() {
	if l.coalesce == nil || l.logger == nil || l.now == nil {
		l.Attach(l.logger)
	}
}

// SetCoalescePolicy overrides the coalescing rule.
func (l *Log) SetCoalescePolicy(p CoalescePolicy) {
	if p != nil {
		l.coalesce = p
	}
}

// AppendInput describes one inbound or outbound chat message to record.
type AppendInput struct {
	Role            string
	Text            string // raw text, markup not yet stripped
	Media           []MediaRef
	ParticipantID   string
	ParticipantName string
	ExternalMsgID   string // platform message id; empty for most messages

	Namer       MentionNamer // for at-mention rewriting; may be nil
	ShowNumbers bool
	MaxRounds   int
}

// Append strips markup from the message text and records it, coalescing
// into the last entry when the policy allows. A message that is empty
// after stripping is a no-op. The rounds limit is re-applied afterward.
func (l *Log) Append(in AppendInput) {
	l.ensure()
	text := StripMarkup(in.Text, in.Namer, in.ShowNumbers)
	if text == "" {
		return
	}

	if n := len(l.Messages); n > 0 && l.coalesce(&l.Messages[n-1], in.Role, in.ParticipantName, text) {
		last := &l.Messages[n-1]
		last.Timestamp = l.now().Unix()
		last.Media = append(last.Media, in.Media...)
		if in.ExternalMsgID == "" {
			sep := "\n"
			if in.Role == RoleAssistant {
				sep = ""
			}
			if last.Content == "" {
				sep = ""
			}
			last.Content += sep + text
		} else {
			if last.ContentByID == nil {
				last.ContentByID = make(map[string]string)
			}
			if _, seen := last.ContentByID[in.ExternalMsgID]; !seen {
				last.ContentOrder = append(last.ContentOrder, in.ExternalMsgID)
			}
			last.ContentByID[in.ExternalMsgID] = text
		}
	} else {
		msg := Message{
			Role:            in.Role,
			ParticipantID:   in.ParticipantID,
			ParticipantName: in.ParticipantName,
			Timestamp:       l.now().Unix(),
			Media:           in.Media,
		}
		if in.ExternalMsgID == "" {
			msg.Content = text
		} else {
			msg.ContentByID = map[string]string{in.ExternalMsgID: text}
			msg.ContentOrder = []string{in.ExternalMsgID}
		}
		l.Messages = append(l.Messages, msg)
	}

	l.Trim(in.MaxRounds)
}

// AppendToolCalls records an assistant entry carrying the model's
// requested calls, with empty content.
func (l *Log) AppendToolCalls(calls []llm.ToolCall) {
	l.ensure()
	l.Messages = append(l.Messages, Message{
		Role:      RoleAssistant,
		ToolCalls: calls,
		Timestamp: l.now().Unix(),
	})
}

// AppendToolResult inserts a tool entry directly after the most recent
// assistant entry whose call list contains callID, preserving the
// call/response pairing even when unrelated entries were appended in
// between. An unmatched callID is a data-consistency violation: it is
// logged as an error and the entry is appended at the end defensively.
func (l *Log) AppendToolResult(callID, text string) {
	l.ensure()
	result := Message{
		Role:       RoleTool,
		Content:    text,
		ToolCallID: callID,
		Timestamp:  l.now().Unix(),
	}

	for i := len(l.Messages) - 1; i >= 0; i-- {
		for _, call := range l.Messages[i].ToolCalls {
			if call.ID == callID {
				l.Messages = append(l.Messages, Message{})
				copy(l.Messages[i+2:], l.Messages[i+1:])
				l.Messages[i+1] = result
				return
			}
		}
	}

	l.logger.Error("tool result has no matching call", "tool_call_id", callID)
	l.Messages = append(l.Messages, result)
}

// AppendSystemNote injects a user-role entry whose participant name is
// prefixed to mark it synthetic: it is excluded from round counting and
// from participant-name queries.
func (l *Log) AppendSystemNote(label, text string, media []MediaRef) {
	l.ensure()
	l.Messages = append(l.Messages, Message{
		Role:            RoleUser,
		Content:         text,
		ParticipantName: syntheticPrefix + label,
		Timestamp:       l.now().Unix(),
		Media:           media,
	})
}

// Trim enforces the rounds limit: counting backward, once more than
// maxRounds non-synthetic user entries are seen, everything strictly
// before that point is cut. Entries are never split. maxRounds <= 0
// disables trimming.
func (l *Log) Trim(maxRounds int) {
	if maxRounds <= 0 {
		return
	}
	round := 0
	for i := len(l.Messages) - 1; i >= 0; i-- {
		m := &l.Messages[i]
		if m.Role == RoleUser && !m.Synthetic() {
			round++
		}
		if round > maxRounds {
			l.Messages = l.Messages[i+1:]
			return
		}
	}
}

// Clear removes entries. With no roles it empties the log; otherwise it
// removes only entries whose role is listed.
func (l *Log) Clear(roles ...string) {
	if len(roles) == 0 {
		l.Messages = nil
		return
	}
	kept := l.Messages[:0]
	for _, m := range l.Messages {
		drop := false
		for _, r := range roles {
			if m.Role == r {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, m)
		}
	}
	l.Messages = kept
}

// Names returns distinct non-synthetic user participant names in
// first-seen order.
func (l *Log) Names() []string {
	var names []string
	seen := make(map[string]bool)
	for i := range l.Messages {
		m := &l.Messages[i]
		if m.Role != RoleUser || m.ParticipantName == "" || m.Synthetic() {
			continue
		}
		if !seen[m.ParticipantName] {
			seen[m.ParticipantName] = true
			names = append(names, m.ParticipantName)
		}
	}
	return names
}

// FindMedia scans backward through all entries' media for a matching
// reference id. Returns nil when absent.
func (l *Log) FindMedia(refID string) *MediaRef {
	for i := len(l.Messages) - 1; i >= 0; i-- {
		for j := range l.Messages[i].Media {
			if l.Messages[i].Media[j].ID == refID {
				return &l.Messages[i].Media[j]
			}
		}
	}
	return nil
}

// SetLastAssistantText replaces the text of the most recent assistant
// entry that carries text. Used when the host echoes the rendered form
// of a reply back and it differs from the raw model output. Reports
// whether an entry was rewritten.
func (l *Log) SetLastAssistantText(text string) bool {
	for i := len(l.Messages) - 1; i >= 0; i-- {
		m := &l.Messages[i]
		if m.Role == RoleAssistant && m.Text() != "" {
			m.Content = text
			m.ContentByID = nil
			m.ContentOrder = nil
			return true
		}
	}
	return false
}

// LastAssistantText returns the text of the most recent assistant entry,
// or "" when none exists. Used by the repeat guard.
func (l *Log) LastAssistantText() string {
	for i := len(l.Messages) - 1; i >= 0; i-- {
		if l.Messages[i].Role == RoleAssistant && l.Messages[i].Text() != "" {
			return l.Messages[i].Text()
		}
	}
	return ""
}
