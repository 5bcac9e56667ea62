// Package bot is the plugin boundary: it receives host events (messages,
// commands, sends) and drives triggers, turns, and persistence.
package bot

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/baiyu-yu/aidice/internal/commands"
	"github.com/baiyu-yu/aidice/internal/config"
	"github.com/baiyu-yu/aidice/internal/conversation"
	"github.com/baiyu-yu/aidice/internal/identity"
	"github.com/baiyu-yu/aidice/internal/orchestrator"
	"github.com/baiyu-yu/aidice/internal/tools"
	"github.com/baiyu-yu/aidice/internal/trigger"
)

// Segment is one piece of an inbound message. Kind "text" is always
// accepted; other kinds pass only when configured as allowed.
type Segment struct {
	Kind  string
	Media *conversation.MediaRef
}

// Inbound is one host event: a message, a command, or a send.
type Inbound struct {
	IdentityID  string
	MsgID       string
	SenderID    string
	SenderName  string
	SenderLevel int
	SelfID      string
	GroupID     string
	GroupName   string
	Text        string
	Segments    []Segment
	IsPrivate   bool
}

// Sender pushes reply text back into a chat.
type Sender interface {
	Send(ctx context.Context, identityID, text string) error
}

// Bot wires the host events to the trigger evaluator and orchestrator.
type Bot struct {
	logger    *slog.Logger
	cfg       *config.Config
	manager   *identity.Manager
	evaluator *trigger.Evaluator
	queue     *trigger.Queue
	orch      *orchestrator.Orchestrator
	cmds      *commands.Handler
	sender    Sender
	namer     conversation.MentionNamer

	// spawn runs a turn off the event loop so commands keep flowing
	// while a reply is generated. The identity's in-flight flag is the
	// per-chat serialization.
	spawn func(func())

	mu     sync.Mutex
	listen map[string]bool // identities awaiting the host echo of our last send
}

// New builds the bot boundary.
func New(cfg *config.Config, manager *identity.Manager, evaluator *trigger.Evaluator, queue *trigger.Queue, orch *orchestrator.Orchestrator, cmds *commands.Handler, sender Sender, namer conversation.MentionNamer, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		logger:    logger,
		cfg:       cfg,
		manager:   manager,
		evaluator: evaluator,
		queue:     queue,
		orch:      orch,
		cmds:      cmds,
		sender:    sender,
		namer:     namer,
		spawn:     func(f func()) { go f() },
		listen:    make(map[string]bool),
	}
}

// Start begins draining the deferred-trigger queue.
func (b *Bot) Start() error {
	return b.queue.Start(b.fireDeferred)
}

// Stop halts the queue sweep and flushes cached identities.
func (b *Bot) Stop() {
	b.queue.Stop()
	b.manager.Flush()
}

func (b *Bot) segmentsAllowed(segs []Segment) bool {
	for _, s := range segs {
		if s.Kind == "text" {
			continue
		}
		allowed := false
		for _, k := range b.cfg.Trigger.AllowedSegments {
			if s.Kind == k {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

func (b *Bot) call(in Inbound) tools.Call {
	return tools.Call{
		IdentityID: in.IdentityID,
		CallerID:   in.SenderID,
		CallerName: in.SenderName,
		SelfID:     in.SelfID,
		GroupID:    in.GroupID,
		GroupName:  in.GroupName,
	}
}

// OnMessage handles a non-command chat message: filter, evaluate, and
// possibly capture context and fire a turn. Context is recorded only
// when someone is listening (standby, or a firing trigger); idle chats
// leave no trace in the log or in storage.
func (b *Bot) OnMessage(ctx context.Context, in Inbound) {
	if in.IsPrivate && b.cfg.Trigger.DisabledInPrivate {
		return
	}
	if !b.segmentsAllowed(in.Segments) {
		return
	}

	ident := b.manager.Get(in.IdentityID)

	// A fresh message restarts the quiet-time measurement.
	b.evaluator.CancelDebounce(in.IdentityID)

	stripped := conversation.StripMarkup(in.Text, b.namer, b.cfg.Message.ShowNumbers)
	res := b.evaluator.Evaluate(in.IdentityID, ident.Privilege, stripped, in.SenderID)

	if res.Fire || ident.Privilege.Standby {
		var media []conversation.MediaRef
		for _, s := range in.Segments {
			if s.Media != nil {
				media = append(media, *s.Media)
			}
		}
		if ident.Media.Collect && len(media) > 0 {
			ident.Media.Add(media)
		}

		ident.Log.Append(conversation.AppendInput{
			Role:            conversation.RoleUser,
			Text:            in.Text,
			Media:           media,
			ParticipantID:   in.SenderID,
			ParticipantName: in.SenderName,
			ExternalMsgID:   in.MsgID,
			Namer:           b.namer,
			ShowNumbers:     b.cfg.Message.ShowNumbers,
			MaxRounds:       b.cfg.Message.MaxRounds,
		})
	}

	switch {
	case res.Fire:
		if res.Note != "" {
			ident.Log.AppendSystemNote("trigger", res.Note, nil)
		}
		b.logger.Info("trigger fired", "identity", in.IdentityID, "reason", res.Reason)
		b.runTurn(ctx, in.IdentityID, b.call(in))
	case res.Debounce > 0:
		call := b.call(in)
		b.evaluator.ArmDebounce(in.IdentityID, res.Debounce, func() {
			b.logger.Info("trigger fired", "identity", in.IdentityID, "reason", "timer")
			b.runTurn(context.Background(), in.IdentityID, call)
		})
	}
}

// OnCommand handles a .ai command. Other commands only feed standby
// context when configured to listen.
func (b *Bot) OnCommand(ctx context.Context, in Inbound, args []string) string {
	ident := b.manager.Get(in.IdentityID)
	if ident.Privilege.Standby && b.cfg.Trigger.ListenCommands {
		ident.Log.Append(conversation.AppendInput{
			Role:            conversation.RoleUser,
			Text:            in.Text,
			ParticipantID:   in.SenderID,
			ParticipantName: in.SenderName,
			Namer:           b.namer,
			ShowNumbers:     b.cfg.Message.ShowNumbers,
			MaxRounds:       b.cfg.Message.MaxRounds,
		})
	}

	return b.cmds.Handle(ctx, commands.Request{
		IdentityID:  in.IdentityID,
		CallerID:    in.SenderID,
		CallerName:  in.SenderName,
		CallerLevel: in.SenderLevel,
		SelfID:      in.SelfID,
		GroupID:     in.GroupID,
		GroupName:   in.GroupName,
		Args:        args,
	})
}

// expectEcho arms the echo listener: the next host send into the chat
// is our own reply coming back, possibly rewritten by the host.
func (b *Bot) expectEcho(identityID string) {
	b.mu.Lock()
	b.listen[identityID] = true
	b.mu.Unlock()
}

// takeListener consumes the armed echo listener, if any.
func (b *Bot) takeListener(identityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listen[identityID] {
		delete(b.listen, identityID)
		return true
	}
	return false
}

// OnSent handles a message the host itself sent into the chat. A pending
// echo listener captures the host-rendered form of our own reply over
// the raw model text; without a listener an exact echo is swallowed, and
// anything else feeds standby context as assistant speech when
// configured.
func (b *Bot) OnSent(ctx context.Context, in Inbound) {
	ident := b.manager.Get(in.IdentityID)

	if b.takeListener(in.IdentityID) {
		rendered := conversation.StripMarkup(in.Text, b.namer, b.cfg.Message.ShowNumbers)
		if rendered != "" && rendered != strings.TrimSpace(ident.LastReply) {
			ident.Log.SetLastAssistantText(rendered)
			ident.LastReply = rendered
			if err := b.manager.Save(ident); err != nil {
				b.logger.Error("save identity", "identity", in.IdentityID, "error", err)
			}
		}
		return
	}

	if ident.LastReply != "" && strings.TrimSpace(in.Text) == strings.TrimSpace(ident.LastReply) {
		return
	}

	if ident.Privilege.Standby && b.cfg.Trigger.ListenSent {
		ident.Log.Append(conversation.AppendInput{
			Role:            conversation.RoleAssistant,
			Text:            in.Text,
			ParticipantID:   in.SelfID,
			ParticipantName: "assistant",
			Namer:           b.namer,
			ShowNumbers:     b.cfg.Message.ShowNumbers,
			MaxRounds:       b.cfg.Message.MaxRounds,
		})
		if err := b.manager.Save(ident); err != nil {
			b.logger.Error("save identity", "identity", in.IdentityID, "error", err)
		}
	}
}

// runTurn produces a reply off the event loop and sends it. Every fire
// resets the rolling counter and any armed debounce; the turn itself is
// persisted by the orchestrator.
func (b *Bot) runTurn(ctx context.Context, identityID string, call tools.Call) {
	b.evaluator.ResetCounter(identityID)
	b.evaluator.CancelDebounce(identityID)

	b.spawn(func() {
		reply, err := b.orch.Chat(ctx, identityID, call)
		if err != nil {
			b.logger.Error("turn failed", "identity", identityID, "error", err)
			return
		}
		if reply == "" || b.sender == nil {
			return
		}
		if err := b.sender.Send(ctx, identityID, reply); err != nil {
			b.logger.Error("send reply", "identity", identityID, "error", err)
			return
		}
		b.expectEcho(identityID)
	})
}

// fireDeferred runs one due timer-queue entry.
func (b *Bot) fireDeferred(e trigger.QueueEntry) {
	ident := b.manager.Get(e.IdentityID)
	ident.Log.AppendSystemNote("timer", "a timer you set has fired: "+e.Prompt, nil)

	call := tools.Call{
		IdentityID: e.IdentityID,
		CallerID:   e.UserID,
		GroupID:    e.GroupID,
	}
	b.runTurn(context.Background(), e.IdentityID, call)
}
