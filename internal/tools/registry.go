// Package tools defines the function-calling tools exposed to the model:
// descriptors with JSON-schema parameters, per-identity enablement, and
// the dispatch path that turns every failure into readable result text.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/baiyu-yu/aidice/internal/conversation"
	"github.com/baiyu-yu/aidice/internal/identity"
	"github.com/baiyu-yu/aidice/internal/platform"
	"github.com/baiyu-yu/aidice/internal/trigger"
)

// Tool represents one callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Required    []string       `json:"-"`

	Handler func(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) `json:"-"`
}

// Platform is the side-channel surface the built-ins need. Satisfied by
// *platform.Client; nil means the channel is not configured.
type Platform interface {
	conversation.Directory
	GetMsg(ctx context.Context, messageID string) (*platform.FetchedMsg, error)
	DeleteMsg(ctx context.Context, messageID string) error
	Poke(ctx context.Context, groupID, userID string) error
	SendGroupMsg(ctx context.Context, groupID, text string) error
	SendPrivateMsg(ctx context.Context, userID, text string) error
}

// DeckProvider draws from the host's card decks.
type DeckProvider interface {
	Draw(ctx context.Context, deck string) (string, error)
	Decks() []string
}

// Env carries the shared dependencies tool handlers run against.
type Env struct {
	Logger    *slog.Logger
	Manager   *identity.Manager
	Platform  Platform
	Evaluator *trigger.Evaluator
	Queue     *trigger.Queue
	Decks     DeckProvider

	MemoryLimit   int
	Disallow      []string
	DefaultClosed []string
}

// Call is the per-invocation context: which identity's turn is running
// and who spoke last.
type Call struct {
	IdentityID string
	CallerID   string
	CallerName string
	SelfID     string
	GroupID    string
	GroupName  string
}

// Registry holds the registered tools and the enablement rules.
type Registry struct {
	env   *Env
	tools map[string]*Tool
	order []string
}

// NewRegistry creates a registry with the built-in tools registered.
func NewRegistry(env *Env) *Registry {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	r := &Registry{env: env, tools: make(map[string]*Tool)}
	r.registerBuiltins()
	return r
}

// Register adds a tool. Registration order is the catalog order.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names lists all registered tool names in catalog order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) disallowed(name string) bool {
	for _, d := range r.env.Disallow {
		if d == name {
			return true
		}
	}
	return false
}

func (r *Registry) defaultClosed(name string) bool {
	for _, d := range r.env.DefaultClosed {
		if d == name {
			return true
		}
	}
	return false
}

// Enable turns one tool on for the identity. Disallowed and unknown
// tools are rejected with a message; an empty return means success.
func (r *Registry) Enable(ident *identity.Identity, name string) string {
	if r.tools[name] == nil {
		return fmt.Sprintf("unknown tool: %s", name)
	}
	if r.disallowed(name) {
		return fmt.Sprintf("tool %s is disallowed on this host", name)
	}
	ident.ToolEnabled[name] = true
	return ""
}

// EnableAll turns on every allowed tool, skipping default-closed ones
// that were never explicitly enabled.
func (r *Registry) EnableAll(ident *identity.Identity) {
	for _, name := range r.order {
		if r.disallowed(name) {
			continue
		}
		if r.defaultClosed(name) {
			if _, set := ident.ToolEnabled[name]; !set {
				continue
			}
		}
		ident.ToolEnabled[name] = true
	}
}

// Disable turns one tool off. Unknown names are still recorded off.
func (r *Registry) Disable(ident *identity.Identity, name string) {
	ident.ToolEnabled[name] = false
}

// DisableAll turns every tool off.
func (r *Registry) DisableAll(ident *identity.Identity) {
	for _, name := range r.order {
		ident.ToolEnabled[name] = false
	}
}

// Enabled lists the identity's enabled tool names, sorted.
func (r *Registry) Enabled(ident *identity.Identity) []string {
	var out []string
	for name, on := range ident.ToolEnabled {
		if on && r.tools[name] != nil && !r.disallowed(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CatalogFor returns the identity's enabled tools in the wire shape the
// chat API expects.
func (r *Registry) CatalogFor(ident *identity.Identity) []map[string]any {
	var result []map[string]any
	for _, name := range r.order {
		if !ident.ToolEnabled[name] || r.disallowed(name) {
			continue
		}
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool call and always returns result text: unknown
// tools, disabled tools, bad arguments, and handler failures all become
// messages the model can read and recover from.
func (r *Registry) Execute(ctx context.Context, call Call, name, argsJSON string) string {
	tool := r.tools[name]
	if tool == nil {
		return fmt.Sprintf("unknown tool: %s", name)
	}
	if r.disallowed(name) {
		return fmt.Sprintf("tool %s is disallowed on this host", name)
	}
	ident := r.env.Manager.Get(call.IdentityID)
	if !ident.ToolEnabled[name] {
		return fmt.Sprintf("tool %s is not enabled here", name)
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Sprintf("arguments are not valid JSON: %v", err)
		}
	}
	for _, req := range tool.Required {
		if _, ok := args[req]; !ok {
			return fmt.Sprintf("missing required parameter %s", req)
		}
	}

	r.env.Logger.Debug("tool call", "tool", name, "identity", call.IdentityID)
	out, err := tool.Handler(ctx, r.env, call, args)
	if err != nil {
		r.env.Logger.Warn("tool failed", "tool", name, "error", err)
		return fmt.Sprintf("%s failed: %v", name, err)
	}
	return out
}

// stringArg reads a string argument, trimmed of nothing; absent or
// non-string values come back empty.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// numberArg reads a numeric argument.
func numberArg(args map[string]any, key string) (float64, bool) {
	n, ok := args[key].(float64)
	return n, ok
}
