// Package conversation implements the per-identity dialogue log: ordered
// message history with same-speaker coalescing, round-bounded trimming,
// tool-call/result pairing, and participant resolution.
package conversation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/baiyu-yu/aidice/internal/llm"
)

// Message roles. System messages are built fresh per turn and never
// stored in the log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FunctionCallMarker prefixes model output that encodes a prompt-engineered
// function call. Text starting with it never coalesces into a prior entry.
const FunctionCallMarker = "<function_call>"

// syntheticPrefix marks participant names of injected system notes. Entries
// with it are excluded from round counting and name listings.
const syntheticPrefix = "_"

// MediaRef is a reference to an embedded media item (image, expression)
// collected from a message.
type MediaRef struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	URL     string `json:"url,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Message is one log entry. A single entry may hold several raw platform
// messages: consecutive same-speaker text coalesces into Content, while
// messages carrying an external message id keep per-id text in ContentByID
// so later corrections stay distinguishable.
type Message struct {
	Role            string            `json:"role"`
	Content         string            `json:"content"`
	ToolCalls       []llm.ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID      string            `json:"tool_call_id,omitempty"`
	ParticipantID   string            `json:"uid"`
	ParticipantName string            `json:"name"`
	Timestamp       int64             `json:"timestamp"`
	Media           []MediaRef        `json:"media,omitempty"`
	ContentByID     map[string]string `json:"content_by_id,omitempty"`
	ContentOrder    []string          `json:"content_order,omitempty"`
}

// Synthetic reports whether the entry is an injected system note.
func (m *Message) Synthetic() bool {
	return strings.HasPrefix(m.ParticipantName, syntheticPrefix)
}

// Text assembles the entry's full text: coalesced content first, then any
// per-message-id segments in arrival order.
func (m *Message) Text() string {
	if len(m.ContentOrder) == 0 {
		return m.Content
	}
	parts := make([]string, 0, len(m.ContentOrder)+1)
	if m.Content != "" {
		parts = append(parts, m.Content)
	}
	for _, id := range m.ContentOrder {
		if s, ok := m.ContentByID[id]; ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// MentionNamer maps a platform user id (digits only) to a display name.
// It backs the rewriting of inline at-mentions.
type MentionNamer func(userID string) string

var (
	quoteAtRe = regexp.MustCompile(`\[CQ:reply,id=-?\d+\]\[CQ:at,qq=\d+\]`)
	atRe      = regexp.MustCompile(`\[CQ:at,qq=(\d+)\]`)
	anyTagRe  = regexp.MustCompile(`\[CQ:.*?\]`)
)

// StripMarkup removes platform inline markup from text: quote-of-at
// compounds are dropped, at-mentions become canonical <|@Name(id)|> tokens,
// and every other inline tag is removed.
func StripMarkup(text string, namer MentionNamer, showNumbers bool) string {
	text = quoteAtRe.ReplaceAllString(text, "")
	text = atRe.ReplaceAllStringFunc(text, func(tag string) string {
		id := atRe.FindStringSubmatch(tag)[1]
		name := ""
		if namer != nil {
			name = namer(id)
		}
		if name == "" {
			name = "unknown user"
		}
		if showNumbers {
			return fmt.Sprintf("<|@%s(%s)|>", name, id)
		}
		return fmt.Sprintf("<|@%s|>", name)
	})
	return anyTagRe.ReplaceAllString(text, "")
}

// levenshtein is the classic edit distance over full strings. The fuzzy
// participant-match threshold of 2 depends on these exact semantics.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, min(cur[j-1]+1, prev[j-1]+cost))
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
