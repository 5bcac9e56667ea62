package conversation

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// Member is one group roster entry from the platform directory.
type Member struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"` // per-group display name
	Role     string `json:"role"` // owner, admin, member
	IsRobot  bool   `json:"is_robot"`
}

// Friend is one friend-list entry.
type Friend struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark"`
}

// GroupInfo is one group-list entry.
type GroupInfo struct {
	GroupID        string `json:"group_id"`
	Name           string `json:"group_name"`
	MemberCount    int    `json:"member_count"`
	MaxMemberCount int    `json:"max_member_count"`
}

// Directory is the external lookup surface (platform side channel) that
// resolution falls back to after the log itself. A nil Directory skips
// those steps.
type Directory interface {
	GroupMemberList(ctx context.Context, groupID string) ([]Member, error)
	FriendList(ctx context.Context) ([]Friend, error)
	GroupList(ctx context.Context) ([]GroupInfo, error)
}

// RememberedGroup is a group name recorded in some identity's long-term
// memory, consulted during group resolution.
type RememberedGroup struct {
	GroupID   string
	GroupName string
}

// ResolveEnv carries the caller-side context a resolution needs: who is
// speaking, where, and which external lookups are available.
type ResolveEnv struct {
	CallerID   string // identity key of the message sender, e.g. user:1234
	CallerName string
	SelfID     string // the bot's own identity key
	GroupID    string // current group identity key; empty in private chat
	GroupName  string

	Dir Directory // may be nil

	// MemoryGroups returns the groups remembered by the given user
	// identity. May be nil.
	MemoryGroups func(userKey string) []RememberedGroup
}

// decorated matches display names wrapped in angle brackets or carrying a
// trailing (id) suffix, as they appear in rewritten mentions.
var decorated = regexp.MustCompile(`^<([^>]+?)>(?:\(\d+\))?$|(.+?)\(\d+\)$`)

func undecorate(name string) string {
	if m := decorated.FindStringSubmatch(name); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}
	return name
}

func numeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// UserKey builds the identity key for a numeric platform user id.
func UserKey(id string) string { return "user:" + id }

// GroupKey builds the identity key for a numeric platform group id.
func GroupKey(id string) string { return "group:" + id }

// PlatformID strips the identity-key prefix, leaving the numeric id.
func PlatformID(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// ResolveUserID maps a display name to an identity key. Resolution order:
// long-enough numeric names map directly; decorations are stripped; exact
// caller self-match; backward log scan, exact then fuzzy (edit distance
// <= 2, name longer than 4); external roster and, when searchFriends is
// set, the friend list; finally a fuzzy match against the caller's own
// name. Returns ("", false) and logs a warning when exhausted.
func (l *Log) ResolveUserID(ctx context.Context, env ResolveEnv, name string, searchFriends bool) (string, bool) {
	l.ensure()

	if len(name) > 4 && numeric(name) {
		return UserKey(name), true
	}

	name = undecorate(name)

	if name == env.CallerName && env.CallerName != "" {
		return env.CallerID, true
	}

	for i := len(l.Messages) - 1; i >= 0; i-- {
		m := &l.Messages[i]
		if m.ParticipantName == "" || m.ParticipantID == "" {
			continue
		}
		if name == m.ParticipantName {
			return m.ParticipantID, true
		}
		if len([]rune(name)) > 4 && levenshtein(name, m.ParticipantName) <= 2 {
			return m.ParticipantID, true
		}
	}

	if env.Dir != nil {
		if env.GroupID != "" {
			members, err := env.Dir.GroupMemberList(ctx, PlatformID(env.GroupID))
			if err != nil {
				l.logger.Warn("group member lookup failed", "group", env.GroupID, "error", err)
			}
			for _, mb := range members {
				if name == mb.Card || name == mb.Nickname {
					return UserKey(mb.UserID), true
				}
			}
		}

		if searchFriends {
			friends, err := env.Dir.FriendList(ctx)
			if err != nil {
				l.logger.Warn("friend list lookup failed", "error", err)
			}
			for _, f := range friends {
				if name == f.Nickname || name == f.Remark {
					return UserKey(f.UserID), true
				}
			}
		}
	}

	if len([]rune(name)) > 4 && levenshtein(name, env.CallerName) <= 2 {
		return env.CallerID, true
	}

	l.logger.Warn("user not found", "name", name)
	return "", false
}

// ResolveGroupID maps a display name to a group identity key. Symmetric
// to ResolveUserID, but before the external directory it consults the
// long-term memory of users seen in the log for a remembered group name.
func (l *Log) ResolveGroupID(ctx context.Context, env ResolveEnv, name string) (string, bool) {
	l.ensure()

	if len(name) > 5 && numeric(name) {
		return GroupKey(name), true
	}

	name = undecorate(name)

	if name == env.GroupName && env.GroupName != "" {
		return env.GroupID, true
	}

	if env.MemoryGroups != nil {
		seen := make(map[string]bool)
		for i := len(l.Messages) - 1; i >= 0; i-- {
			m := &l.Messages[i]
			if m.Role != RoleUser || m.ParticipantID == "" || m.Synthetic() || seen[m.ParticipantID] {
				continue
			}
			seen[m.ParticipantID] = true

			for _, g := range env.MemoryGroups(m.ParticipantID) {
				if g.GroupName == name {
					return g.GroupID, true
				}
				if len([]rune(g.GroupName)) > 4 && levenshtein(name, g.GroupName) <= 2 {
					return g.GroupID, true
				}
			}
		}
	}

	if env.Dir != nil {
		groups, err := env.Dir.GroupList(ctx)
		if err != nil {
			l.logger.Warn("group list lookup failed", "error", err)
		}
		for _, g := range groups {
			if name == g.Name {
				return GroupKey(g.GroupID), true
			}
		}
	}

	if len([]rune(name)) > 4 && levenshtein(name, env.GroupName) <= 2 {
		return env.GroupID, true
	}

	l.logger.Warn("group not found", "name", name)
	return "", false
}
