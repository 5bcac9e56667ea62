// Aidice is a conversational AI companion plugin for a tabletop-RPG
// chat bot host.
//
// It connects to the host over a websocket side channel, watches chat
// for configured triggers (keywords, counters, quiet-time timers,
// probability draws), and produces LLM replies with function calling
// into the host: sending messages, poking users, drawing decks, and
// setting its own reminders. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	aidice serve     Connect to the host and run
//	aidice version   Print version information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/baiyu-yu/aidice/internal/bot"
	"github.com/baiyu-yu/aidice/internal/commands"
	"github.com/baiyu-yu/aidice/internal/config"
	"github.com/baiyu-yu/aidice/internal/conversation"
	"github.com/baiyu-yu/aidice/internal/identity"
	"github.com/baiyu-yu/aidice/internal/kvstore"
	"github.com/baiyu-yu/aidice/internal/llm"
	"github.com/baiyu-yu/aidice/internal/orchestrator"
	"github.com/baiyu-yu/aidice/internal/platform"
	"github.com/baiyu-yu/aidice/internal/tools"
	"github.com/baiyu-yu/aidice/internal/trigger"
	"github.com/baiyu-yu/aidice/internal/usage"
)

// version is set at build time via -ldflags.
var version = "dev"

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand; the surface is small enough that a CLI
// framework would be more code than it saves, and the flag package's
// global state gets in the way of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, configPath)
	case "version":
		fmt.Fprintf(stdout, "aidice %s\n", version)
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `usage: aidice [-config <path>] <command>

commands:
  serve     Connect to the host and run
  version   Print version information`)
	return nil
}

func runServe(ctx context.Context, configPath string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	logger.Info("aidice starting", "version", version, "config", path)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := kvstore.Open(filepath.Join(cfg.DataDir, "aidice.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := identity.NewManager(store, 256, logger)
	if err != nil {
		return err
	}
	ledger := usage.NewLedger(store, logger)
	evaluator := trigger.NewEvaluator(cfg.Trigger.Keywords, nil, logger)
	queue := trigger.NewQueue(store, logger)

	plat := platform.NewClient(cfg.Host.Endpoint, cfg.Host.AccessToken, logger)
	if err := plat.Connect(ctx); err != nil {
		logger.Warn("platform side channel unavailable, degraded mode", "error", err)
	}
	defer plat.Close()

	names := newNameCache()

	registry := tools.NewRegistry(&tools.Env{
		Logger:        logger,
		Manager:       manager,
		Platform:      plat,
		Evaluator:     evaluator,
		Queue:         queue,
		MemoryLimit:   cfg.Tools.MemoryLimit,
		Disallow:      cfg.Tools.Disallow,
		DefaultClosed: cfg.Tools.DefaultClosed,
	})

	client := llm.NewOpenAIClient(
		cfg.LLM.BaseURL,
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		time.Duration(cfg.LLM.TimeoutSeconds)*time.Second,
		logger,
	)
	orch := orchestrator.New(client, registry, ledger, manager, orchestrator.Options{
		Persona:       cfg.Persona,
		Model:         cfg.LLM.Model,
		MaxToolRounds: cfg.LLM.MaxToolRounds,
	}, logger)

	cmds := commands.New(commands.Deps{
		Logger:       logger,
		Config:       cfg,
		Manager:      manager,
		Registry:     registry,
		Ledger:       ledger,
		Evaluator:    evaluator,
		Queue:        queue,
		Orchestrator: orch,
	})

	sender := &platformSender{plat: plat}
	b := bot.New(cfg, manager, evaluator, queue, orch, cmds, sender, names.lookup, logger)
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()

	logger.Info("aidice ready")
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case raw, ok := <-plat.Events():
			if !ok {
				return nil
			}
			dispatch(ctx, b, cfg, names, sender, raw)
		}
	}
}

// hostEvent is the subset of the host's event push we act on.
type hostEvent struct {
	PostType    string      `json:"post_type"`
	MessageType string      `json:"message_type"`
	MessageID   json.Number `json:"message_id"`
	GroupID     json.Number `json:"group_id"`
	UserID      json.Number `json:"user_id"`
	SelfID      json.Number `json:"self_id"`
	RawMessage  string      `json:"raw_message"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
		Role     string `json:"role"`
	} `json:"sender"`
}

func (ev *hostEvent) senderName() string {
	if ev.Sender.Card != "" {
		return ev.Sender.Card
	}
	return ev.Sender.Nickname
}

// senderLevel maps the event to a host permission level: configured
// superusers are owners, group staff sit in between.
func senderLevel(cfg *config.Config, ev *hostEvent) int {
	for _, su := range cfg.Host.Superusers {
		if su == ev.UserID.String() {
			return 100
		}
	}
	switch ev.Sender.Role {
	case "owner":
		return 60
	case "admin":
		return 50
	default:
		return 0
	}
}

func toInbound(cfg *config.Config, ev *hostEvent) bot.Inbound {
	in := bot.Inbound{
		MsgID:       ev.MessageID.String(),
		SenderID:    conversation.UserKey(ev.UserID.String()),
		SenderName:  ev.senderName(),
		SenderLevel: senderLevel(cfg, ev),
		SelfID:      conversation.UserKey(ev.SelfID.String()),
		Text:        ev.RawMessage,
		Segments:    bot.ParseSegments(ev.RawMessage),
	}
	if ev.MessageType == "private" {
		in.IsPrivate = true
		in.IdentityID = in.SenderID
	} else {
		in.GroupID = conversation.GroupKey(ev.GroupID.String())
		in.IdentityID = in.GroupID
	}
	return in
}

func dispatch(ctx context.Context, b *bot.Bot, cfg *config.Config, names *nameCache, sender bot.Sender, raw json.RawMessage) {
	var ev hostEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	if ev.PostType != "message" && ev.PostType != "message_sent" {
		return
	}

	names.remember(ev.UserID.String(), ev.senderName())
	in := toInbound(cfg, &ev)

	if ev.PostType == "message_sent" {
		b.OnSent(ctx, in)
		return
	}

	text := strings.TrimSpace(ev.RawMessage)
	if strings.HasPrefix(text, ".") || strings.HasPrefix(text, "/") {
		fields := strings.Fields(text)
		if fields[0] == ".ai" || fields[0] == "/ai" {
			if reply := b.OnCommand(ctx, in, fields[1:]); reply != "" {
				sender.Send(ctx, in.IdentityID, reply)
			}
			return
		}
		// Other commands only feed standby context.
		b.OnCommand(ctx, in, nil)
		return
	}

	b.OnMessage(ctx, in)
}

// nameCache remembers platform user ids seen in events so inline
// at-mentions can be rewritten to names without a roster round trip.
type nameCache struct {
	mu    sync.Mutex
	names map[string]string
}

func newNameCache() *nameCache {
	return &nameCache{names: make(map[string]string)}
}

func (c *nameCache) remember(id, name string) {
	if id == "" || name == "" {
		return
	}
	c.mu.Lock()
	c.names[id] = name
	c.mu.Unlock()
}

func (c *nameCache) lookup(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[id]
}

// platformSender routes reply text to the identity's chat.
type platformSender struct {
	plat *platform.Client
}

func (s *platformSender) Send(ctx context.Context, identityID, text string) error {
	if strings.HasPrefix(identityID, "group:") {
		return s.plat.SendGroupMsg(ctx, identityID, text)
	}
	return s.plat.SendPrivateMsg(ctx, identityID, text)
}
