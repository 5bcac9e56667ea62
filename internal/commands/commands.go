// Package commands implements the .ai command surface: plain text in,
// plain text out, so the host-facing layer stays a thin shim.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/baiyu-yu/aidice/internal/config"
	"github.com/baiyu-yu/aidice/internal/identity"
	"github.com/baiyu-yu/aidice/internal/llm"
	"github.com/baiyu-yu/aidice/internal/orchestrator"
	"github.com/baiyu-yu/aidice/internal/tools"
	"github.com/baiyu-yu/aidice/internal/trigger"
	"github.com/baiyu-yu/aidice/internal/usage"
)

// ownerLevel is the host permission level of the bot owner.
const ownerLevel = 100

// usageText is the reply to an unknown or bare .ai invocation.
const usageText = `.ai commands:
  pr                       show trigger settings
  on [--c=N] [--t=N] [--p=N]  enable counter/timer/probability triggers
  sb                       standby: listen without speaking
  off [--c] [--t] [--p]    disable triggers (all when no flags)
  fgt [all|ass|user]       forget context
  ctxn                     list people in context
  prompt                   show the system prompt
  memo [st <text>|show|clr]  long-term memory
  tool [list|help <name>|on <name|all>|off <name|all>|invoke <name> [args]]
  tk [lst|sum|all|y|m|clr|<model>]  token usage
  shut                     stop the reply in progress
  st <level>               set required permission level (owner)
  ck <id>                  inspect an identity (owner)`

// Request is one .ai command invocation.
type Request struct {
	IdentityID  string
	CallerID    string
	CallerName  string
	CallerLevel int
	SelfID      string
	GroupID     string
	GroupName   string
	Args        []string
}

// Deps are the managers the command surface operates on.
type Deps struct {
	Logger       *slog.Logger
	Config       *config.Config
	Manager      *identity.Manager
	Registry     *tools.Registry
	Ledger       *usage.Ledger
	Evaluator    *trigger.Evaluator
	Queue        *trigger.Queue
	Orchestrator *orchestrator.Orchestrator
}

// Handler dispatches .ai commands.
type Handler struct {
	d Deps
}

// New builds a command handler.
func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{d: d}
}

// Handle runs one command and returns the reply text.
func (h *Handler) Handle(ctx context.Context, req Request) string {
	if len(req.Args) == 0 {
		return usageText
	}

	ident := h.d.Manager.Get(req.IdentityID)
	sub, rest := req.Args[0], req.Args[1:]

	switch sub {
	case "pr":
		return h.showPrivilege(ident)
	case "ctxn":
		names := ident.Log.Names()
		if len(names) == 0 {
			return "nobody is in context yet"
		}
		return "in context: " + strings.Join(names, ", ")
	case "prompt":
		return h.d.Config.Persona()
	case "on":
		return h.requirePrivilege(req, ident, func() string { return h.triggersOn(ident, rest) })
	case "sb":
		return h.requirePrivilege(req, ident, func() string {
			ident.Privilege.Standby = true
			h.save(ident)
			return "standby on: listening without speaking"
		})
	case "off":
		return h.requirePrivilege(req, ident, func() string { return h.triggersOff(ident, rest) })
	case "fgt":
		return h.requirePrivilege(req, ident, func() string { return h.forget(ident, rest) })
	case "memo":
		return h.memo(req, rest)
	case "tool":
		return h.tool(ctx, req, ident, rest)
	case "tk":
		return h.requirePrivilege(req, ident, func() string { return h.tokens(rest) })
	case "shut":
		return h.requirePrivilege(req, ident, func() string {
			if h.d.Orchestrator != nil && h.d.Orchestrator.StopStream(req.IdentityID) {
				return "stopped the reply in progress"
			}
			return "nothing is being generated right now"
		})
	case "st":
		return h.requireOwner(req, func() string { return h.setLevel(ident, rest) })
	case "ck":
		return h.requireOwner(req, func() string { return h.inspect(rest) })
	default:
		return usageText
	}
}

func (h *Handler) requirePrivilege(req Request, ident *identity.Identity, fn func() string) string {
	if req.CallerLevel < ident.Privilege.MinRoleLevel {
		return "insufficient permission"
	}
	return fn()
}

func (h *Handler) requireOwner(req Request, fn func() string) string {
	if req.CallerLevel < ownerLevel {
		return "owner only"
	}
	return fn()
}

func (h *Handler) save(ident *identity.Identity) {
	if err := h.d.Manager.Save(ident); err != nil {
		h.d.Logger.Error("save identity", "identity", ident.ID, "error", err)
	}
}

func modeLine(label string, v float64, unit string) string {
	if v < 0 {
		return fmt.Sprintf("%s: off", label)
	}
	return fmt.Sprintf("%s: %g%s", label, v, unit)
}

func (h *Handler) showPrivilege(ident *identity.Identity) string {
	p := ident.Privilege
	lines := []string{
		fmt.Sprintf("required level: %d", p.MinRoleLevel),
		modeLine("counter", float64(p.Counter), " messages"),
		modeLine("timer", float64(p.Timer), "s"),
		modeLine("probability", p.Probability, "%"),
		fmt.Sprintf("standby: %v", p.Standby),
	}
	return strings.Join(lines, "\n")
}

// flagValue parses --x or --x=N, returning the default when the flag
// carries no value.
func flagValue(arg, name string, def float64) (float64, bool) {
	if arg == name {
		return def, true
	}
	if strings.HasPrefix(arg, name+"=") {
		if v, err := strconv.ParseFloat(arg[len(name)+1:], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func (h *Handler) triggersOn(ident *identity.Identity, args []string) string {
	if len(args) == 0 {
		return "usage: .ai on [--c=N] [--t=N] [--p=N]"
	}

	var out []string
	for _, arg := range args {
		if v, ok := flagValue(arg, "--c", 10); ok {
			ident.Privilege.Counter = int(v)
			out = append(out, fmt.Sprintf("counter every %d messages", int(v)))
			continue
		}
		if v, ok := flagValue(arg, "--t", 60); ok {
			ident.Privilege.Timer = int(v)
			out = append(out, fmt.Sprintf("timer after %ds of quiet", int(v)))
			continue
		}
		if v, ok := flagValue(arg, "--p", 10); ok {
			ident.Privilege.Probability = v
			out = append(out, fmt.Sprintf("probability %g%% per message", v))
			continue
		}
		return fmt.Sprintf("unknown flag %s", arg)
	}
	h.save(ident)
	return "on: " + strings.Join(out, ", ")
}

func (h *Handler) triggersOff(ident *identity.Identity, args []string) string {
	if len(args) == 0 {
		ident.Privilege.Counter = -1
		ident.Privilege.Timer = -1
		ident.Privilege.Probability = -1
		ident.Privilege.Standby = false
		h.d.Evaluator.ResetCounter(ident.ID)
		h.d.Evaluator.CancelDebounce(ident.ID)
		h.save(ident)
		return "all triggers off"
	}

	var out []string
	for _, arg := range args {
		switch arg {
		case "--c":
			ident.Privilege.Counter = -1
			h.d.Evaluator.ResetCounter(ident.ID)
			out = append(out, "counter")
		case "--t":
			ident.Privilege.Timer = -1
			h.d.Evaluator.CancelDebounce(ident.ID)
			out = append(out, "timer")
		case "--p":
			ident.Privilege.Probability = -1
			out = append(out, "probability")
		default:
			return fmt.Sprintf("unknown flag %s", arg)
		}
	}
	h.save(ident)
	return "off: " + strings.Join(out, ", ")
}

func (h *Handler) forget(ident *identity.Identity, args []string) string {
	scope := "all"
	if len(args) > 0 {
		scope = args[0]
	}

	var msg string
	switch scope {
	case "all":
		ident.Log.Clear()
		msg = "context forgotten"
	case "ass":
		ident.Log.Clear("assistant", "tool")
		msg = "my own lines forgotten"
	case "user":
		ident.Log.Clear("user")
		msg = "your lines forgotten"
	default:
		return "usage: .ai fgt [all|ass|user]"
	}

	// Forgetting also drops the rolling trigger state.
	h.d.Evaluator.ResetCounter(ident.ID)
	h.d.Evaluator.CancelDebounce(ident.ID)
	h.save(ident)
	return msg
}

func (h *Handler) memo(req Request, args []string) string {
	target := h.d.Manager.Get(req.CallerID)
	if len(args) == 0 {
		args = []string{"show"}
	}

	switch args[0] {
	case "st":
		text := strings.Join(args[1:], " ")
		if text == "" {
			return "usage: .ai memo st <text>"
		}
		target.Memory.Persona = text
		h.save(target)
		return "noted"
	case "clr":
		target.Memory = identity.Memory{}
		h.save(target)
		return "memory cleared"
	case "show":
		mem := target.Memory
		if mem.Persona == "" && len(mem.Entries) == 0 {
			return "no memories yet"
		}
		var b strings.Builder
		if mem.Persona != "" {
			fmt.Fprintf(&b, "note: %s\n", mem.Persona)
		}
		for _, e := range mem.Entries {
			if e.GroupName != "" {
				fmt.Fprintf(&b, "- [%s] %s\n", e.GroupName, e.Content)
			} else {
				fmt.Fprintf(&b, "- %s\n", e.Content)
			}
		}
		return strings.TrimRight(b.String(), "\n")
	default:
		return "usage: .ai memo [st <text>|show|clr]"
	}
}

func (h *Handler) tool(ctx context.Context, req Request, ident *identity.Identity, args []string) string {
	if len(args) == 0 {
		args = []string{"list"}
	}

	switch args[0] {
	case "list":
		enabled := make(map[string]bool)
		for _, name := range h.d.Registry.Enabled(ident) {
			enabled[name] = true
		}
		var b strings.Builder
		for _, name := range h.d.Registry.Names() {
			mark := "off"
			if enabled[name] {
				mark = "on"
			}
			fmt.Fprintf(&b, "[%s] %s\n", mark, name)
		}
		return strings.TrimRight(b.String(), "\n")
	case "help":
		if len(args) < 2 {
			return "usage: .ai tool help <name>"
		}
		t := h.d.Registry.Get(args[1])
		if t == nil {
			return fmt.Sprintf("unknown tool: %s", args[1])
		}
		return fmt.Sprintf("%s: %s", t.Name, t.Description)
	case "on", "off":
		return h.requirePrivilege(req, ident, func() string { return h.toolToggle(ident, args) })
	case "invoke":
		return h.requirePrivilege(req, ident, func() string { return h.toolInvoke(ctx, req, ident, args) })
	default:
		return "usage: .ai tool [list|help <name>|on <name|all>|off <name|all>|invoke <name> [args]]"
	}
}

// toolInvoke runs one tool by hand, recording the paired call and result
// entries just as a model-initiated call would.
func (h *Handler) toolInvoke(ctx context.Context, req Request, ident *identity.Identity, args []string) string {
	if len(args) < 2 {
		return "usage: .ai tool invoke <name> [json args]"
	}
	name := args[1]
	argsJSON := strings.Join(args[2:], " ")
	if argsJSON == "" {
		argsJSON = "{}"
	}

	call := tools.Call{
		IdentityID: req.IdentityID,
		CallerID:   req.CallerID,
		CallerName: req.CallerName,
		SelfID:     req.SelfID,
		GroupID:    req.GroupID,
		GroupName:  req.GroupName,
	}

	id := uuid.NewString()
	ident.Log.AppendToolCalls([]llm.ToolCall{{
		ID:       id,
		Type:     "function",
		Function: llm.FunctionCall{Name: name, Arguments: argsJSON},
	}})
	result := h.d.Registry.Execute(ctx, call, name, argsJSON)
	ident.Log.AppendToolResult(id, result)
	h.save(ident)
	return result
}

func (h *Handler) toolToggle(ident *identity.Identity, args []string) string {
	if len(args) < 2 {
		return fmt.Sprintf("usage: .ai tool %s <name|all>", args[0])
	}
	name := args[1]

	if args[0] == "on" {
		if name == "all" {
			h.d.Registry.EnableAll(ident)
			h.save(ident)
			return "all tools on"
		}
		if msg := h.d.Registry.Enable(ident, name); msg != "" {
			return msg
		}
		h.save(ident)
		return fmt.Sprintf("tool %s on", name)
	}

	if name == "all" {
		h.d.Registry.DisableAll(ident)
		h.save(ident)
		return "all tools off"
	}
	h.d.Registry.Disable(ident, name)
	h.save(ident)
	return fmt.Sprintf("tool %s off", name)
}

func (h *Handler) tokens(args []string) string {
	if len(args) == 0 {
		args = []string{"sum"}
	}

	switch args[0] {
	case "lst":
		models := h.d.Ledger.Models()
		if len(models) == 0 {
			return "no usage recorded"
		}
		return strings.Join(models, "\n")
	case "sum":
		var b strings.Builder
		for _, model := range h.d.Ledger.Models() {
			c := h.d.Ledger.ModelTotal(model)
			fmt.Fprintf(&b, "%s: %d prompt + %d completion = %d\n", model, c.Prompt, c.Completion, c.Total())
		}
		if b.Len() == 0 {
			return "no usage recorded"
		}
		return strings.TrimRight(b.String(), "\n")
	case "all":
		var total usage.Counts
		for _, model := range h.d.Ledger.Models() {
			c := h.d.Ledger.ModelTotal(model)
			total.Prompt += c.Prompt
			total.Completion += c.Completion
		}
		return fmt.Sprintf("%d prompt + %d completion = %d tokens", total.Prompt, total.Completion, total.Total())
	case "y":
		return formatPeriods(h.d.Ledger.LastMonths(12))
	case "m":
		return formatPeriods(h.d.Ledger.LastDays(31))
	case "clr":
		if len(args) > 1 {
			if err := h.d.Ledger.ClearModel(args[1]); err != nil {
				return fmt.Sprintf("clear failed: %v", err)
			}
			return fmt.Sprintf("usage for %s cleared", args[1])
		}
		if err := h.d.Ledger.Clear(); err != nil {
			return fmt.Sprintf("clear failed: %v", err)
		}
		return "usage cleared"
	default:
		c := h.d.Ledger.ModelTotal(args[0])
		if c.Total() == 0 {
			return fmt.Sprintf("no usage recorded for %s", args[0])
		}
		return fmt.Sprintf("%s: %d prompt + %d completion = %d", args[0], c.Prompt, c.Completion, c.Total())
	}
}

func formatPeriods(periods []usage.Period) string {
	var b strings.Builder
	for _, p := range periods {
		if p.Counts.Total() == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %d\n", p.Label, p.Counts.Total())
	}
	if b.Len() == 0 {
		return "no usage in this period"
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) setLevel(ident *identity.Identity, args []string) string {
	if len(args) == 0 {
		return "usage: .ai st <level>"
	}
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("not a level: %s", args[0])
	}
	ident.Privilege.MinRoleLevel = level
	h.save(ident)
	return fmt.Sprintf("required level set to %d", level)
}

func (h *Handler) inspect(args []string) string {
	if len(args) == 0 {
		return "usage: .ai ck <id>"
	}
	other := h.d.Manager.Get(args[0])
	var b strings.Builder
	b.WriteString(h.showPrivilege(other))
	fmt.Fprintf(&b, "\ncontext entries: %d", len(other.Log.Messages))
	fmt.Fprintf(&b, "\ntools on: %s", strings.Join(h.d.Registry.Enabled(other), ", "))
	return b.String()
}
