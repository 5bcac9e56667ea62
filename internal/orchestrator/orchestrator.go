// Package orchestrator produces AI turns: prompt assembly, the
// tool-call loop, the repeat guard, and the per-identity in-flight
// discipline around it all.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baiyu-yu/aidice/internal/conversation"
	"github.com/baiyu-yu/aidice/internal/identity"
	"github.com/baiyu-yu/aidice/internal/llm"
	"github.com/baiyu-yu/aidice/internal/tools"
	"github.com/baiyu-yu/aidice/internal/usage"
)

// safetyTimeout bounds one whole turn. A hung LLM call must not leave
// the identity's in-flight flag stuck forever.
const safetyTimeout = 60 * time.Second

// repeatRetries is how many fresh completions are attempted when the
// model repeats its previous reply.
const repeatRetries = 3

// Options configures an Orchestrator.
type Options struct {
	Persona       func() string
	Model         string // fallback for usage accounting when the response omits it
	MaxToolRounds int
}

// Orchestrator turns a triggered identity into at most one reply.
type Orchestrator struct {
	logger   *slog.Logger
	client   llm.Client
	registry *tools.Registry
	ledger   *usage.Ledger
	manager  *identity.Manager
	opts     Options

	pause func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// pauseFor waits out d unless the context is cancelled first.
func pauseFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// New builds an orchestrator.
func New(client llm.Client, registry *tools.Registry, ledger *usage.Ledger, manager *identity.Manager, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 5
	}
	return &Orchestrator{
		logger:   logger,
		client:   client,
		registry: registry,
		ledger:   ledger,
		manager:  manager,
		opts:     opts,
		pause:    pauseFor,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Chat runs one guarded turn for the identity: in-flight flag, safety
// timeout, cancellation registration, and persistence. A turn already in
// flight drops this trigger with a log line and an empty reply.
func (o *Orchestrator) Chat(ctx context.Context, identityID string, call tools.Call) (string, error) {
	ident := o.manager.Get(identityID)
	if !ident.TryBeginTurn() {
		o.logger.Warn("turn already in flight, dropping trigger", "identity", identityID)
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, safetyTimeout)
	o.mu.Lock()
	o.cancels[identityID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, identityID)
		o.mu.Unlock()
		cancel()
		ident.EndTurn()
	}()

	reply, err := o.ProduceReply(ctx, ident, call)
	if saveErr := o.manager.Save(ident); saveErr != nil {
		o.logger.Error("save identity after turn", "identity", identityID, "error", saveErr)
	}
	return reply, err
}

// StopStream cancels the identity's in-flight turn, if any. Reports
// whether there was one.
func (o *Orchestrator) StopStream(identityID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[identityID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ProduceReply assembles the prompt, runs the tool-call loop, and
// applies the repeat guard. A cancelled or failed turn rolls the log
// back so no half-written entries survive.
func (o *Orchestrator) ProduceReply(ctx context.Context, ident *identity.Identity, call tools.Call) (string, error) {
	mark := len(ident.Log.Messages)

	for attempt := 0; ; attempt++ {
		reply, err := o.converse(ctx, ident, call)
		if err != nil {
			ident.Log.Messages = ident.Log.Messages[:mark]
			return "", err
		}

		if reply == "" {
			return "", nil
		}
		if reply != strings.TrimSpace(ident.LastReply) {
			ident.Log.Append(conversation.AppendInput{
				Role:            conversation.RoleAssistant,
				Text:            reply,
				ParticipantID:   call.SelfID,
				ParticipantName: "assistant",
			})
			ident.LastReply = reply
			return reply, nil
		}

		if attempt >= repeatRetries {
			o.logger.Warn("model keeps repeating itself, purging context", "identity", ident.ID)
			ident.Log.Clear(conversation.RoleAssistant, conversation.RoleTool)
			return "", nil
		}
		o.logger.Debug("repeated reply, retrying", "identity", ident.ID, "attempt", attempt+1)
		if err := o.pause(ctx, time.Second); err != nil {
			ident.Log.Messages = ident.Log.Messages[:mark]
			return "", err
		}
	}
}

// converse runs bounded tool-call rounds until the model produces text.
func (o *Orchestrator) converse(ctx context.Context, ident *identity.Identity, call tools.Call) (string, error) {
	catalog := o.registry.CatalogFor(ident)

	for round := 0; ; round++ {
		resp, err := o.client.Chat(ctx, o.buildMessages(ident, call), catalog)
		if err != nil {
			return "", fmt.Errorf("llm chat: %w", err)
		}
		o.recordUsage(resp)

		calls := resp.Message.ToolCalls
		if len(calls) == 0 || round >= o.opts.MaxToolRounds {
			if len(calls) > 0 {
				o.logger.Warn("tool round budget exhausted", "identity", ident.ID)
			}
			return strings.TrimSpace(resp.Message.Content), nil
		}

		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = uuid.NewString()
			}
		}
		ident.Log.AppendToolCalls(calls)
		for _, tc := range calls {
			result := o.registry.Execute(ctx, call, tc.Function.Name, tc.Function.Arguments)
			ident.Log.AppendToolResult(tc.ID, result)
		}
	}
}

// buildMessages serializes persona, remembered facts, and the log into
// the chat wire shape. System content is rebuilt fresh every call and
// never stored.
func (o *Orchestrator) buildMessages(ident *identity.Identity, call tools.Call) []llm.Message {
	var system strings.Builder
	if o.opts.Persona != nil {
		system.WriteString(o.opts.Persona())
	}

	if call.CallerID != "" {
		mem := o.manager.Get(call.CallerID).Memory
		if mem.Persona != "" || len(mem.Entries) > 0 {
			fmt.Fprintf(&system, "\n\nWhat you remember about %s:\n", call.CallerName)
			if mem.Persona != "" {
				fmt.Fprintf(&system, "- %s\n", mem.Persona)
			}
			for _, e := range mem.Entries {
				fmt.Fprintf(&system, "- %s\n", e.Content)
			}
		}
	}

	msgs := []llm.Message{{Role: "system", Content: system.String()}}
	for _, m := range ident.Log.Messages {
		switch m.Role {
		case conversation.RoleAssistant:
			msgs = append(msgs, llm.Message{
				Role:      conversation.RoleAssistant,
				Content:   m.Text(),
				ToolCalls: m.ToolCalls,
			})
		case conversation.RoleTool:
			msgs = append(msgs, llm.Message{
				Role:       conversation.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			text := m.Text()
			if !m.Synthetic() {
				text = m.ParticipantName + ": " + text
			}
			msgs = append(msgs, llm.Message{Role: conversation.RoleUser, Content: text})
		}
	}
	return msgs
}

func (o *Orchestrator) recordUsage(resp *llm.ChatResponse) {
	if o.ledger == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = o.opts.Model
	}
	if err := o.ledger.Record(model, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)); err != nil {
		o.logger.Error("record usage", "error", err)
	}
}
