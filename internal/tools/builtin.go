package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/baiyu-yu/aidice/internal/conversation"
	"github.com/baiyu-yu/aidice/internal/identity"
	"github.com/baiyu-yu/aidice/internal/trigger"
)

// resolveEnv assembles the resolution context for the running call.
func resolveEnv(env *Env, call Call) conversation.ResolveEnv {
	re := conversation.ResolveEnv{
		CallerID:   call.CallerID,
		CallerName: call.CallerName,
		SelfID:     call.SelfID,
		GroupID:    call.GroupID,
		GroupName:  call.GroupName,
	}
	if env.Platform != nil {
		re.Dir = env.Platform
	}
	if env.Manager != nil {
		re.MemoryGroups = env.Manager.RememberedGroups
	}
	return re
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "send_msg",
		Description: "Send a message to another private chat or group. Use only for chats other than this one.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"msg_type": map[string]any{
					"type":        "string",
					"enum":        []string{"private", "group"},
					"description": "Target chat type",
				},
				"name": map[string]any{
					"type":        "string",
					"description": "Target user or group name, or a numeric id",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The message text to send",
				},
			},
			"required": []string{"msg_type", "name", "content"},
		},
		Required: []string{"msg_type", "name", "content"},
		Handler:  handleSendMsg,
	})

	r.Register(&Tool{
		Name:        "get_msg",
		Description: "Fetch one chat message by its message id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"msg_id": map[string]any{
					"type":        "string",
					"description": "The platform message id",
				},
			},
			"required": []string{"msg_id"},
		},
		Required: []string{"msg_id"},
		Handler:  handleGetMsg,
	})

	r.Register(&Tool{
		Name:        "delete_msg",
		Description: "Recall a message by id. Works on own messages, or on others' when the bot has group admin rights.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"msg_id": map[string]any{
					"type":        "string",
					"description": "The platform message id to recall",
				},
			},
			"required": []string{"msg_id"},
		},
		Required: []string{"msg_id"},
		Handler:  handleDeleteMsg,
	})

	r.Register(&Tool{
		Name:        "poke",
		Description: "Send a playful nudge to a user in the current chat.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The user to poke, by name or numeric id",
				},
			},
			"required": []string{"name"},
		},
		Required: []string{"name"},
		Handler:  handlePoke,
	})

	r.Register(&Tool{
		Name:        "get_list",
		Description: "List the bot's friends or joined groups.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{
					"type":        "string",
					"enum":        []string{"friend", "group"},
					"description": "Which list to fetch",
				},
			},
			"required": []string{"type"},
		},
		Required: []string{"type"},
		Handler:  handleGetList,
	})

	r.Register(&Tool{
		Name:        "get_group_member_list",
		Description: "List members of the current group, optionally filtered by role.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role": map[string]any{
					"type":        "string",
					"enum":        []string{"owner", "admin", "member"},
					"description": "Only members with this role",
				},
			},
			"required": []string{},
		},
		Handler: handleGroupMemberList,
	})

	r.Register(&Tool{
		Name:        "search_chat",
		Description: "Search this conversation's history for a keyword.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keyword": map[string]any{
					"type":        "string",
					"description": "Text to look for, case-insensitive",
				},
			},
			"required": []string{"keyword"},
		},
		Required: []string{"keyword"},
		Handler:  handleSearchChat,
	})

	r.Register(&Tool{
		Name:        "search_common_group",
		Description: "Find groups the bot shares with a given user.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The user to look for, by name or numeric id",
				},
			},
			"required": []string{"name"},
		},
		Required: []string{"name"},
		Handler:  handleSearchCommonGroup,
	})

	r.Register(&Tool{
		Name:        "set_trigger_condition",
		Description: "Arrange to speak up the next time a message matching a pattern arrives, optionally only from one sender.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keyword": map[string]any{
					"type":        "string",
					"description": "Regular expression to watch for",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Why you want to respond then; shown to you when it fires",
				},
				"name": map[string]any{
					"type":        "string",
					"description": "Only trigger on messages from this user",
				},
			},
			"required": []string{"keyword", "reason"},
		},
		Required: []string{"keyword", "reason"},
		Handler:  handleSetTriggerCondition,
	})

	r.Register(&Tool{
		Name:        "set_timer",
		Description: "Schedule a reminder for yourself: after the delay you will be prompted with the content and can speak.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seconds": map[string]any{
					"type":        "integer",
					"description": "Delay before firing, in seconds",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "What to be reminded about",
				},
			},
			"required": []string{"seconds", "content"},
		},
		Required: []string{"seconds", "content"},
		Handler:  handleSetTimer,
	})

	r.Register(&Tool{
		Name:        "show_timer_list",
		Description: "List this chat's pending timers.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}, "required": []string{}},
		Handler:     handleShowTimerList,
	})

	r.Register(&Tool{
		Name:        "cancel_timer",
		Description: "Cancel one pending timer by id, or all of them.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The timer id, or \"all\"",
				},
			},
			"required": []string{"id"},
		},
		Required: []string{"id"},
		Handler:  handleCancelTimer,
	})

	r.Register(&Tool{
		Name:        "set_memory",
		Description: "Record a long-term memory about the user you are talking with.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The fact to remember, short and concrete",
				},
			},
			"required": []string{"content"},
		},
		Required: []string{"content"},
		Handler:  handleSetMemory,
	})

	r.Register(&Tool{
		Name:        "show_memory",
		Description: "Show the long-term memories recorded about a user.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Whose memory to show; defaults to the current speaker",
				},
			},
			"required": []string{},
		},
		Handler: handleShowMemory,
	})

	r.Register(&Tool{
		Name:        "draw_deck",
		Description: "Draw a result from one of the host's card decks.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"deck": map[string]any{
					"type":        "string",
					"description": "The deck name",
				},
			},
			"required": []string{"deck"},
		},
		Required: []string{"deck"},
		Handler:  handleDrawDeck,
	})
}

func handleSendMsg(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	if env.Platform == nil {
		return "the platform side channel is not connected; cannot reach other chats", nil
	}
	msgType := stringArg(args, "msg_type")
	name := stringArg(args, "name")
	content := stringArg(args, "content")

	ident := env.Manager.Get(call.IdentityID)
	re := resolveEnv(env, call)

	var targetKey string
	switch msgType {
	case "private":
		key, ok := ident.Log.ResolveUserID(ctx, re, name, true)
		if !ok {
			return fmt.Sprintf("could not find a user named %s", name), nil
		}
		targetKey = key
	case "group":
		key, ok := ident.Log.ResolveGroupID(ctx, re, name)
		if !ok {
			return fmt.Sprintf("could not find a group named %s", name), nil
		}
		targetKey = key
	default:
		return fmt.Sprintf("msg_type must be private or group, not %q", msgType), nil
	}

	if targetKey == call.SelfID {
		return "refusing to send a message to myself", nil
	}
	if targetKey == call.IdentityID {
		return "that is this very chat; just reply normally", nil
	}

	var err error
	if msgType == "group" {
		err = env.Platform.SendGroupMsg(ctx, targetKey, content)
	} else {
		err = env.Platform.SendPrivateMsg(ctx, targetKey, content)
	}
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", name, err)
	}

	// Leave a trace in the target chat's context so the AI there knows
	// where the message came from.
	origin := call.GroupName
	if origin == "" {
		origin = call.CallerName
	}
	target := env.Manager.Get(targetKey)
	target.Log.AppendSystemNote("relay", fmt.Sprintf("you sent a message here on behalf of the chat with %s: %s", origin, content), nil)
	if err := env.Manager.Save(target); err != nil {
		env.Logger.Error("save relay target", "identity", targetKey, "error", err)
	}

	return fmt.Sprintf("message sent to %s", name), nil
}

func handleGetMsg(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	if env.Platform == nil {
		return "the platform side channel is not connected; cannot fetch messages", nil
	}
	msg, err := env.Platform.GetMsg(ctx, stringArg(args, "msg_id"))
	if err != nil {
		return "", fmt.Errorf("get message: %w", err)
	}
	when := time.Unix(msg.Time, 0).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("[%s] %s(%s): %s", when, msg.SenderName, msg.SenderID, msg.Text), nil
}

func handleDeleteMsg(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	if env.Platform == nil {
		return "the platform side channel is not connected; cannot recall messages", nil
	}
	msgID := stringArg(args, "msg_id")

	msg, err := env.Platform.GetMsg(ctx, msgID)
	if err != nil {
		return "", fmt.Errorf("get message: %w", err)
	}
	if msg.SenderID != conversation.PlatformID(call.SelfID) {
		if call.GroupID == "" {
			return "can only recall my own messages in a private chat", nil
		}
		members, err := env.Platform.GroupMemberList(ctx, call.GroupID)
		if err != nil {
			return "", fmt.Errorf("check permissions: %w", err)
		}
		selfRole := ""
		for _, m := range members {
			if m.UserID == conversation.PlatformID(call.SelfID) {
				selfRole = m.Role
			}
		}
		if selfRole != "owner" && selfRole != "admin" {
			return "no permission to recall that message", nil
		}
	}

	if err := env.Platform.DeleteMsg(ctx, msgID); err != nil {
		return "", fmt.Errorf("recall message: %w", err)
	}
	return "message recalled", nil
}

func handlePoke(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	if env.Platform == nil {
		return "the platform side channel is not connected; cannot poke", nil
	}
	name := stringArg(args, "name")
	ident := env.Manager.Get(call.IdentityID)

	key, ok := ident.Log.ResolveUserID(ctx, resolveEnv(env, call), name, false)
	if !ok {
		return fmt.Sprintf("could not find a user named %s", name), nil
	}
	if err := env.Platform.Poke(ctx, call.GroupID, key); err != nil {
		return "", fmt.Errorf("poke %s: %w", name, err)
	}
	return fmt.Sprintf("poked %s", name), nil
}

func handleGetList(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	if env.Platform == nil {
		return "the platform side channel is not connected; cannot list contacts", nil
	}

	var b strings.Builder
	switch stringArg(args, "type") {
	case "friend":
		friends, err := env.Platform.FriendList(ctx)
		if err != nil {
			return "", fmt.Errorf("friend list: %w", err)
		}
		for _, f := range friends {
			name := f.Remark
			if name == "" {
				name = f.Nickname
			}
			fmt.Fprintf(&b, "%s(%s)\n", name, f.UserID)
		}
	case "group":
		groups, err := env.Platform.GroupList(ctx)
		if err != nil {
			return "", fmt.Errorf("group list: %w", err)
		}
		for _, g := range groups {
			fmt.Fprintf(&b, "%s(%s) %d/%d\n", g.Name, g.GroupID, g.MemberCount, g.MaxMemberCount)
		}
	default:
		return "type must be friend or group", nil
	}
	if b.Len() == 0 {
		return "the list is empty", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func handleGroupMemberList(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	if env.Platform == nil {
		return "the platform side channel is not connected; cannot list members", nil
	}
	if call.GroupID == "" {
		return "this is a private chat, there is no member list", nil
	}

	members, err := env.Platform.GroupMemberList(ctx, call.GroupID)
	if err != nil {
		return "", fmt.Errorf("member list: %w", err)
	}

	roleFilter := stringArg(args, "role")
	var b strings.Builder
	for _, m := range members {
		if roleFilter != "" && m.Role != roleFilter {
			continue
		}
		name := m.Card
		if name == "" {
			name = m.Nickname
		}
		fmt.Fprintf(&b, "%s(%s) [%s]\n", name, m.UserID, m.Role)
	}
	if b.Len() == 0 {
		return "no members match", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func handleSearchChat(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	keyword := strings.ToLower(stringArg(args, "keyword"))
	ident := env.Manager.Get(call.IdentityID)

	var b strings.Builder
	hits := 0
	for _, m := range ident.Log.Messages {
		if m.Synthetic() || m.Role == conversation.RoleTool {
			continue
		}
		text := m.Text()
		if !strings.Contains(strings.ToLower(text), keyword) {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.ParticipantName, text)
		hits++
		if hits >= 10 {
			break
		}
	}
	if hits == 0 {
		return fmt.Sprintf("nothing in this chat mentions %q", stringArg(args, "keyword")), nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func handleSearchCommonGroup(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	if env.Platform == nil {
		return "the platform side channel is not connected; cannot search groups", nil
	}
	name := stringArg(args, "name")
	ident := env.Manager.Get(call.IdentityID)

	key, ok := ident.Log.ResolveUserID(ctx, resolveEnv(env, call), name, true)
	if !ok {
		return fmt.Sprintf("could not find a user named %s", name), nil
	}
	userID := conversation.PlatformID(key)

	groups, err := env.Platform.GroupList(ctx)
	if err != nil {
		return "", fmt.Errorf("group list: %w", err)
	}

	var shared []string
	for _, g := range groups {
		members, err := env.Platform.GroupMemberList(ctx, conversation.GroupKey(g.GroupID))
		if err != nil {
			continue
		}
		for _, m := range members {
			if m.UserID == userID {
				shared = append(shared, fmt.Sprintf("%s(%s)", g.Name, g.GroupID))
				break
			}
		}
	}
	if len(shared) == 0 {
		return fmt.Sprintf("no shared groups with %s", name), nil
	}
	return strings.Join(shared, "\n"), nil
}

func handleSetTriggerCondition(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	cond := trigger.Condition{
		Pattern: stringArg(args, "keyword"),
		Reason:  stringArg(args, "reason"),
	}
	if name := stringArg(args, "name"); name != "" {
		ident := env.Manager.Get(call.IdentityID)
		key, ok := ident.Log.ResolveUserID(ctx, resolveEnv(env, call), name, false)
		if !ok {
			return fmt.Sprintf("could not find a user named %s", name), nil
		}
		cond.SenderID = key
	}

	if _, err := env.Evaluator.AddCondition(call.IdentityID, cond); err != nil {
		return fmt.Sprintf("that pattern does not compile: %v", err), nil
	}
	return fmt.Sprintf("watching for %q", cond.Pattern), nil
}

func handleSetTimer(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	seconds, ok := numberArg(args, "seconds")
	if !ok || seconds <= 0 {
		return "seconds must be a positive number", nil
	}

	id, err := env.Queue.Add(trigger.QueueEntry{
		IdentityID: call.IdentityID,
		UserID:     call.CallerID,
		GroupID:    call.GroupID,
		FireAt:     time.Now().Unix() + int64(seconds),
		Prompt:     stringArg(args, "content"),
	})
	if err != nil {
		return "", fmt.Errorf("set timer: %w", err)
	}
	return fmt.Sprintf("timer %s set, fires in %.0f seconds", id, seconds), nil
}

func handleShowTimerList(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	entries := env.Queue.List(call.IdentityID)
	if len(entries) == 0 {
		return "no pending timers", nil
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s at %s: %s\n", e.ID, time.Unix(e.FireAt, 0).Format("2006-01-02 15:04:05"), e.Prompt)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func handleCancelTimer(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	id := stringArg(args, "id")
	if id == "all" {
		n, err := env.Queue.CancelAll(call.IdentityID)
		if err != nil {
			return "", fmt.Errorf("cancel timers: %w", err)
		}
		return fmt.Sprintf("cancelled %d timers", n), nil
	}

	ok, err := env.Queue.Cancel(id)
	if err != nil {
		return "", fmt.Errorf("cancel timer: %w", err)
	}
	if !ok {
		return fmt.Sprintf("no timer with id %s", id), nil
	}
	return "timer cancelled", nil
}

func handleSetMemory(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	target := env.Manager.Get(call.CallerID)
	entry := identity.MemoryEntry{
		Time:    time.Now().Unix(),
		Content: stringArg(args, "content"),
	}
	if call.GroupID != "" {
		entry.GroupID = call.GroupID
		entry.GroupName = call.GroupName
	}
	target.Memory.Add(entry, env.MemoryLimit)
	if err := env.Manager.Save(target); err != nil {
		return "", fmt.Errorf("save memory: %w", err)
	}
	return fmt.Sprintf("remembered about %s: %s", call.CallerName, entry.Content), nil
}

func handleShowMemory(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	key := call.CallerID
	who := call.CallerName
	if name := stringArg(args, "name"); name != "" {
		ident := env.Manager.Get(call.IdentityID)
		resolved, ok := ident.Log.ResolveUserID(ctx, resolveEnv(env, call), name, true)
		if !ok {
			return fmt.Sprintf("could not find a user named %s", name), nil
		}
		key, who = resolved, name
	}

	mem := env.Manager.Get(key).Memory
	if mem.Persona == "" && len(mem.Entries) == 0 {
		return fmt.Sprintf("no memories about %s yet", who), nil
	}

	var b strings.Builder
	if mem.Persona != "" {
		fmt.Fprintf(&b, "note: %s\n", mem.Persona)
	}
	for _, e := range mem.Entries {
		when := time.Unix(e.Time, 0).Format("2006-01-02")
		if e.GroupName != "" {
			fmt.Fprintf(&b, "[%s, in %s] %s\n", when, e.GroupName, e.Content)
		} else {
			fmt.Fprintf(&b, "[%s] %s\n", when, e.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func handleDrawDeck(ctx context.Context, env *Env, call Call, args map[string]any) (string, error) {
	if env.Decks == nil {
		return "no deck service is available on this host", nil
	}
	deck := stringArg(args, "deck")
	result, err := env.Decks.Draw(ctx, deck)
	if err != nil {
		return "", fmt.Errorf("draw from %s: %w", deck, err)
	}
	return result, nil
}
