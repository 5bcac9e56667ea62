// Package platform speaks the bot host's websocket side channel:
// action/echo JSON frames for rosters, message fetch and delete, pokes,
// and outbound sends. Everything the main plugin surface cannot do.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/baiyu-yu/aidice/internal/conversation"
)

// ErrNotConnected is returned by every call when the side channel is
// down. Callers degrade to guidance text instead of failing the turn.
var ErrNotConnected = errors.New("platform side channel not connected")

// callTimeout bounds one action round trip.
const callTimeout = 15 * time.Second

// frame is one wire message in either direction. Requests carry action,
// params, and echo; responses carry status, data, and the same echo.
type frame struct {
	Action  string          `json:"action,omitempty"`
	Params  any             `json:"params,omitempty"`
	Echo    string          `json:"echo,omitempty"`
	Status  string          `json:"status,omitempty"`
	Retcode int             `json:"retcode,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client is the side-channel connection. Safe for concurrent use; each
// in-flight action is correlated to its response by echo id.
type Client struct {
	endpoint string
	token    string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame

	writeMu sync.Mutex

	events chan json.RawMessage
}

// NewClient builds a client for the given ws:// endpoint. Call Connect
// before use; a client that never connects still works, answering every
// call with ErrNotConnected.
func NewClient(endpoint, accessToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		token:    accessToken,
		logger:   logger,
		pending:  make(map[string]chan frame),
		events:   make(chan json.RawMessage, 16),
	}
}

// Connect dials the endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.endpoint == "" {
		return ErrNotConnected
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	c.logger.Info("platform side channel connected", "endpoint", c.endpoint)
	return nil
}

// Close shuts the connection down. Pending calls fail.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	for echo, ch := range c.pending {
		close(ch)
		delete(c.pending, echo)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Events exposes unsolicited pushes from the host (frames without an
// echo). The channel drops when full; consuming it is optional.
func (c *Client) Events() <-chan json.RawMessage { return c.events }

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("platform read loop ended", "error", err)
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			for echo, ch := range c.pending {
				close(ch)
				delete(c.pending, echo)
			}
			c.mu.Unlock()
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("platform frame not json", "error", err)
			continue
		}

		if f.Echo == "" {
			select {
			case c.events <- json.RawMessage(data):
			default:
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.Echo]
		if ok {
			delete(c.pending, f.Echo)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

// call sends one action and waits for the correlated response.
func (c *Client) call(ctx context.Context, action string, params any, out any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	echo := uuid.NewString()
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[echo] = ch
	c.mu.Unlock()

	req := frame{Action: action, Params: params, Echo: echo}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", action, err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", action, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if resp.Status != "" && resp.Status != "ok" && resp.Status != "async" {
			return fmt.Errorf("%s: host status %s (retcode %d)", action, resp.Status, resp.Retcode)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("decode %s response: %w", action, err)
			}
		}
		return nil
	}
}

type wireMember struct {
	UserID   json.Number `json:"user_id"`
	Nickname string      `json:"nickname"`
	Card     string      `json:"card"`
	Role     string      `json:"role"`
	IsRobot  bool        `json:"is_robot"`
}

// GroupMemberList fetches the group roster. Accepts either a bare
// numeric id or a group:<id> identity key.
func (c *Client) GroupMemberList(ctx context.Context, groupID string) ([]conversation.Member, error) {
	var wire []wireMember
	params := map[string]any{"group_id": conversation.PlatformID(groupID)}
	if err := c.call(ctx, "get_group_member_list", params, &wire); err != nil {
		return nil, err
	}

	members := make([]conversation.Member, 0, len(wire))
	for _, m := range wire {
		members = append(members, conversation.Member{
			UserID:   m.UserID.String(),
			Nickname: m.Nickname,
			Card:     m.Card,
			Role:     m.Role,
			IsRobot:  m.IsRobot,
		})
	}
	return members, nil
}

type wireFriend struct {
	UserID   json.Number `json:"user_id"`
	Nickname string      `json:"nickname"`
	Remark   string      `json:"remark"`
}

// FriendList fetches the bot's friend list.
func (c *Client) FriendList(ctx context.Context) ([]conversation.Friend, error) {
	var wire []wireFriend
	if err := c.call(ctx, "get_friend_list", nil, &wire); err != nil {
		return nil, err
	}

	friends := make([]conversation.Friend, 0, len(wire))
	for _, f := range wire {
		friends = append(friends, conversation.Friend{
			UserID:   f.UserID.String(),
			Nickname: f.Nickname,
			Remark:   f.Remark,
		})
	}
	return friends, nil
}

type wireGroup struct {
	GroupID        json.Number `json:"group_id"`
	GroupName      string      `json:"group_name"`
	MemberCount    int         `json:"member_count"`
	MaxMemberCount int         `json:"max_member_count"`
}

// GroupList fetches the bot's joined groups.
func (c *Client) GroupList(ctx context.Context) ([]conversation.GroupInfo, error) {
	var wire []wireGroup
	if err := c.call(ctx, "get_group_list", nil, &wire); err != nil {
		return nil, err
	}

	groups := make([]conversation.GroupInfo, 0, len(wire))
	for _, g := range wire {
		groups = append(groups, conversation.GroupInfo{
			GroupID:        g.GroupID.String(),
			Name:           g.GroupName,
			MemberCount:    g.MemberCount,
			MaxMemberCount: g.MaxMemberCount,
		})
	}
	return groups, nil
}

// FetchedMsg is one message retrieved by id.
type FetchedMsg struct {
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
	Time       int64
}

type wireMsg struct {
	MessageID json.Number `json:"message_id"`
	Time      int64       `json:"time"`
	Sender    struct {
		UserID   json.Number `json:"user_id"`
		Nickname string      `json:"nickname"`
		Card     string      `json:"card"`
	} `json:"sender"`
	RawMessage string `json:"raw_message"`
}

// GetMsg fetches one message by platform message id.
func (c *Client) GetMsg(ctx context.Context, messageID string) (*FetchedMsg, error) {
	var wire wireMsg
	if err := c.call(ctx, "get_msg", map[string]any{"message_id": messageID}, &wire); err != nil {
		return nil, err
	}

	name := wire.Sender.Card
	if name == "" {
		name = wire.Sender.Nickname
	}
	return &FetchedMsg{
		MessageID:  wire.MessageID.String(),
		SenderID:   wire.Sender.UserID.String(),
		SenderName: name,
		Text:       wire.RawMessage,
		Time:       wire.Time,
	}, nil
}

// DeleteMsg recalls one message by platform message id.
func (c *Client) DeleteMsg(ctx context.Context, messageID string) error {
	return c.call(ctx, "delete_msg", map[string]any{"message_id": messageID}, nil)
}

// Poke sends a nudge to a user, in a group when groupID is non-empty.
func (c *Client) Poke(ctx context.Context, groupID, userID string) error {
	params := map[string]any{"user_id": conversation.PlatformID(userID)}
	if groupID != "" {
		params["group_id"] = conversation.PlatformID(groupID)
	}
	return c.call(ctx, "send_poke", params, nil)
}

// SendGroupMsg sends text into a group.
func (c *Client) SendGroupMsg(ctx context.Context, groupID, text string) error {
	params := map[string]any{"group_id": conversation.PlatformID(groupID), "message": text}
	return c.call(ctx, "send_group_msg", params, nil)
}

// SendPrivateMsg sends text to a user.
func (c *Client) SendPrivateMsg(ctx context.Context, userID, text string) error {
	params := map[string]any{"user_id": conversation.PlatformID(userID), "message": text}
	return c.call(ctx, "send_private_msg", params, nil)
}
