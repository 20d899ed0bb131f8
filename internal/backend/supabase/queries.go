package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/orbitthread/dmsync/internal/backend"
	"github.com/orbitthread/dmsync/internal/model/dm"
)

const (
	tableConversations = "direct_conversations"
	tableMembers       = "direct_conversation_members"
	tableMessages      = "direct_messages"
	tableProfiles      = "profiles"
)

var (
	messageSelect      = "*,sender:profiles!sender_id(" + profileColumns + ")"
	conversationSelect = "id,created_at,updated_at," + tableMembers + "(user_id,profiles:user_id(" + profileColumns + "))"
)

func (c *Client) FindDirectConversation(ctx context.Context, a, b string) (string, bool, error) {
	var id *string
	body := map[string]string{"user_a": a, "user_b": b}
	if err := c.rest(ctx, "find_dm_conversation", request{method: http.MethodPost, table: "rpc/find_dm_conversation", body: body}, &id); err != nil {
		return "", false, err
	}
	if id == nil || *id == "" {
		return "", false, nil
	}
	return *id, true, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (dm.Conversation, error) {
	var row conversationRow
	q := url.Values{"select": {"*"}, "id": {eq(id)}}
	if err := c.rest(ctx, "get conversation", request{method: http.MethodGet, table: tableConversations, query: q, single: true}, &row); err != nil {
		return dm.Conversation{}, err
	}
	return row.toModel(), nil
}

func (c *Client) CreateConversation(ctx context.Context) (dm.Conversation, error) {
	var row conversationRow
	q := url.Values{"select": {"*"}}
	req := request{method: http.MethodPost, table: tableConversations, query: q, body: map[string]any{}, single: true, represent: true}
	if err := c.rest(ctx, "create conversation", req, &row); err != nil {
		return dm.Conversation{}, err
	}
	return row.toModel(), nil
}

// AddMembers inserts all rows in one statement, so either every membership is
// created or none is.
func (c *Client) AddMembers(ctx context.Context, conversationID string, actorIDs []string) error {
	rows := make([]memberRow, 0, len(actorIDs))
	for _, id := range actorIDs {
		rows = append(rows, memberRow{ConversationID: conversationID, UserID: id})
	}
	return c.rest(ctx, "add members", request{method: http.MethodPost, table: tableMembers, body: rows}, nil)
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	q := url.Values{"id": {eq(id)}}
	return c.rest(ctx, "delete conversation", request{method: http.MethodDelete, table: tableConversations, query: q}, nil)
}

func (c *Client) ListMemberships(ctx context.Context, actorID string) ([]string, error) {
	var rows []memberRow
	q := url.Values{"select": {"conversation_id"}, "user_id": {eq(actorID)}}
	if err := c.rest(ctx, "list memberships", request{method: http.MethodGet, table: tableMembers, query: q}, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ConversationID)
	}
	return ids, nil
}

func (c *Client) IsMember(ctx context.Context, conversationID, actorID string) (bool, error) {
	var rows []memberRow
	q := url.Values{
		"select":          {"conversation_id,user_id"},
		"conversation_id": {eq(conversationID)},
		"user_id":         {eq(actorID)},
		"limit":           {"1"},
	}
	if err := c.rest(ctx, "check membership", request{method: http.MethodGet, table: tableMembers, query: q}, &rows); err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *Client) ListConversations(ctx context.Context, ids []string) ([]dm.ConversationDetails, error) {
	if len(ids) == 0 {
		return []dm.ConversationDetails{}, nil
	}
	var rows []conversationRow
	q := url.Values{
		"select": {conversationSelect},
		"id":     {"in.(" + strings.Join(ids, ",") + ")"},
		"order":  {"updated_at.desc"},
	}
	if err := c.rest(ctx, "list conversations", request{method: http.MethodGet, table: tableConversations, query: q}, &rows); err != nil {
		return nil, err
	}
	out := make([]dm.ConversationDetails, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDetails())
	}
	return out, nil
}

func (c *Client) LastMessage(ctx context.Context, conversationID string) (*dm.LastMessage, error) {
	var rows []lastMessageRow
	q := url.Values{
		"select":          {"content,sender_id,created_at"},
		"conversation_id": {eq(conversationID)},
		"deleted":         {"eq.false"},
		"order":           {"created_at.desc"},
		"limit":           {"1"},
	}
	if err := c.rest(ctx, "last message", request{method: http.MethodGet, table: tableMessages, query: q}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &dm.LastMessage{Content: rows[0].Content, SenderID: rows[0].SenderID, CreatedAt: rows[0].CreatedAt.Time}, nil
}

// ListMessages fetches the newest page before q.Before and returns it ascending.
func (c *Client) ListMessages(ctx context.Context, conversationID string, q dm.PageQuery) ([]dm.Message, error) {
	var rows []messageRow
	query := url.Values{
		"select":          {messageSelect},
		"conversation_id": {eq(conversationID)},
		"deleted":         {"eq.false"},
		"order":           {"created_at.desc,id.desc"},
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Before.IsZero() {
		before := q.Before.UTC().Format(time.RFC3339Nano)
		if q.BeforeID == "" {
			query.Set("created_at", "lt."+before)
		} else {
			query.Set("or", fmt.Sprintf(`(created_at.lt.%q,and(created_at.eq.%q,id.lt.%q))`, before, before, q.BeforeID))
		}
	}
	if err := c.rest(ctx, "list messages", request{method: http.MethodGet, table: tableMessages, query: query}, &rows); err != nil {
		return nil, err
	}
	out := make([]dm.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	slices.Reverse(out)
	return out, nil
}

func (c *Client) InsertMessage(ctx context.Context, msg dm.NewMessage) (dm.Message, error) {
	var row messageRow
	body := insertMessageRow{ConversationID: msg.ConversationID, SenderID: msg.SenderID, Content: msg.Content}
	q := url.Values{"select": {messageSelect}}
	req := request{method: http.MethodPost, table: tableMessages, query: q, body: body, single: true, represent: true}
	if err := c.rest(ctx, "insert message", req, &row); err != nil {
		return dm.Message{}, err
	}
	return row.toModel(), nil
}

func (c *Client) UpdateMessage(ctx context.Context, id string, patch dm.MessagePatch) (dm.Message, error) {
	var row messageRow
	q := url.Values{"select": {messageSelect}, "id": {eq(id)}}
	req := request{method: http.MethodPatch, table: tableMessages, query: q, body: patchRow(patch), single: true, represent: true}
	if err := c.rest(ctx, "update message", req, &row); err != nil {
		return dm.Message{}, err
	}
	return row.toModel(), nil
}

func (c *Client) GetProfile(ctx context.Context, id string) (dm.Profile, error) {
	var row profileRow
	q := url.Values{"select": {profileColumns}, "id": {eq(id)}}
	if err := c.rest(ctx, "get profile", request{method: http.MethodGet, table: tableProfiles, query: q, single: true}, &row); err != nil {
		return dm.Profile{}, err
	}
	return row.toModel(), nil
}

// Subscribe joins a realtime channel for message changes matching filter.
func (c *Client) Subscribe(ctx context.Context, filter backend.ChangeFilter) (backend.ChangeStream, error) {
	return c.realtime.Subscribe(ctx, filter)
}
