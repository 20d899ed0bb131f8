package memory

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"

	"github.com/orbitthread/dmsync/internal/backend"
	"github.com/orbitthread/dmsync/internal/model/dm"
)

// Client is a backend.Backend bound to one actor.
type Client struct {
	store   *Store
	actorID string
}

var _ backend.Backend = (*Client)(nil)

func rlsViolation(op, table string) error {
	return &backend.Error{
		Op:      op,
		Status:  http.StatusForbidden,
		Code:    "42501",
		Message: fmt.Sprintf("new row violates row-level security policy for table %q", table),
	}
}

func noRows(op string) error {
	return &backend.Error{
		Op:      op,
		Status:  http.StatusNotAcceptable,
		Code:    "PGRST116",
		Message: "JSON object requested, multiple (or no) rows returned",
		Err:     backend.ErrNotFound,
	}
}

func unauthenticated(op string) error {
	return &backend.Error{Op: op, Status: http.StatusUnauthorized, Message: "Not authenticated", Err: backend.ErrUnauthenticated}
}

func (c *Client) CurrentActor(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.actorID == "" {
		return "", backend.ErrUnauthenticated
	}
	return c.actorID, nil
}

func (c *Client) FindDirectConversation(ctx context.Context, a, b string) (string, bool, error) {
	if err := c.store.intercept(ctx, OpFind); err != nil {
		return "", false, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	id, ok := c.store.pairOwnerLocked(a, b)
	return id, ok, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (dm.Conversation, error) {
	if err := c.store.intercept(ctx, OpGetConversation); err != nil {
		return dm.Conversation{}, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	conv, ok := c.store.conversations[id]
	if !ok || !c.store.isMemberLocked(id, c.actorID) {
		return dm.Conversation{}, noRows(OpGetConversation)
	}
	return conv, nil
}

func (c *Client) CreateConversation(ctx context.Context) (dm.Conversation, error) {
	if err := c.store.intercept(ctx, OpCreateConversation); err != nil {
		return dm.Conversation{}, err
	}
	if c.actorID == "" {
		return dm.Conversation{}, unauthenticated(OpCreateConversation)
	}
	now := c.store.now()
	conv := dm.Conversation{ID: newID(), CreatedAt: now, UpdatedAt: now}

	c.store.mu.Lock()
	c.store.conversations[conv.ID] = conv
	c.store.mu.Unlock()
	return conv, nil
}

// AddMembers inserts all memberships or none. A second two-party membership set for
// the same pair is rejected with backend.ErrConflict.
func (c *Client) AddMembers(ctx context.Context, conversationID string, actorIDs []string) error {
	if err := c.store.intercept(ctx, OpAddMembers); err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if _, ok := c.store.conversations[conversationID]; !ok {
		return &backend.Error{
			Op:      OpAddMembers,
			Status:  http.StatusConflict,
			Code:    "23503",
			Message: `insert or update on table "direct_conversation_members" violates foreign key constraint "direct_conversation_members_conversation_id_fkey"`,
		}
	}

	existing := c.store.members[conversationID]
	seen := make(map[string]bool, len(existing)+len(actorIDs))
	for _, m := range existing {
		seen[m.UserID] = true
	}
	for _, id := range actorIDs {
		if seen[id] {
			return &backend.Error{
				Op:      OpAddMembers,
				Status:  http.StatusConflict,
				Code:    "23505",
				Message: `duplicate key value violates unique constraint "direct_conversation_members_conversation_id_user_id_key"`,
				Err:     backend.ErrConflict,
			}
		}
		seen[id] = true
	}

	if len(seen) == 2 {
		pair := make([]string, 0, 2)
		for id := range seen {
			pair = append(pair, id)
		}
		if owner, ok := c.store.pairOwnerLocked(pair[0], pair[1]); ok && owner != conversationID {
			return &backend.Error{
				Op:      OpAddMembers,
				Status:  http.StatusConflict,
				Code:    "23505",
				Message: `duplicate key value violates unique constraint "direct_conversation_pair_key"`,
				Err:     backend.ErrConflict,
			}
		}
	}

	now := c.store.now()
	for _, id := range actorIDs {
		existing = append(existing, dm.Membership{ID: newID(), ConversationID: conversationID, UserID: id, JoinedAt: now})
	}
	c.store.members[conversationID] = existing
	return nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.store.intercept(ctx, OpDeleteConversation); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, m := range c.store.messages[id] {
		delete(c.store.messageConv, m.ID)
	}
	delete(c.store.messages, id)
	delete(c.store.members, id)
	delete(c.store.conversations, id)
	return nil
}

func (c *Client) ListMemberships(ctx context.Context, actorID string) ([]string, error) {
	if err := c.store.intercept(ctx, OpListMemberships); err != nil {
		return nil, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	var ids []string
	for convID := range c.store.members {
		if c.store.isMemberLocked(convID, actorID) {
			ids = append(ids, convID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Client) IsMember(ctx context.Context, conversationID, actorID string) (bool, error) {
	if err := c.store.intercept(ctx, OpIsMember); err != nil {
		return false, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.store.isMemberLocked(conversationID, actorID), nil
}

func (c *Client) ListConversations(ctx context.Context, ids []string) ([]dm.ConversationDetails, error) {
	if err := c.store.intercept(ctx, OpListConversations); err != nil {
		return nil, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	out := make([]dm.ConversationDetails, 0, len(ids))
	for _, id := range ids {
		conv, ok := c.store.conversations[id]
		if !ok || !c.store.isMemberLocked(id, c.actorID) {
			continue
		}
		details := dm.ConversationDetails{Conversation: conv}
		for _, m := range c.store.members[id] {
			member := dm.Member{UserID: m.UserID}
			if p, ok := c.store.profiles[m.UserID]; ok {
				member.Profile = &p
			}
			details.Members = append(details.Members, member)
		}
		out = append(out, details)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (c *Client) LastMessage(ctx context.Context, conversationID string) (*dm.LastMessage, error) {
	if err := c.store.intercept(ctx, OpLastMessage); err != nil {
		return nil, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if !c.store.isMemberLocked(conversationID, c.actorID) {
		return nil, nil
	}
	list := c.store.messages[conversationID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Deleted {
			continue
		}
		return &dm.LastMessage{Content: list[i].Content, SenderID: list[i].SenderID, CreatedAt: list[i].CreatedAt}, nil
	}
	return nil, nil
}

// ListMessages returns the newest q.Limit non-deleted messages before the cursor,
// ascending by (created_at, id). Non-members see no rows.
func (c *Client) ListMessages(ctx context.Context, conversationID string, q dm.PageQuery) ([]dm.Message, error) {
	if err := c.store.intercept(ctx, OpListMessages); err != nil {
		return nil, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if !c.store.isMemberLocked(conversationID, c.actorID) {
		return []dm.Message{}, nil
	}

	list := c.store.messages[conversationID]
	picked := make([]dm.Message, 0, q.Limit)
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		if m.Deleted {
			continue
		}
		if !q.Precedes(m) {
			continue
		}
		picked = append(picked, c.store.withSenderLocked(m))
		if q.Limit > 0 && len(picked) == q.Limit {
			break
		}
	}
	sortMessages(picked)
	return picked, nil
}

func (c *Client) InsertMessage(ctx context.Context, msg dm.NewMessage) (dm.Message, error) {
	if err := c.store.intercept(ctx, OpInsertMessage); err != nil {
		return dm.Message{}, err
	}
	if c.actorID == "" {
		return dm.Message{}, unauthenticated(OpInsertMessage)
	}

	c.store.mu.Lock()
	conv, ok := c.store.conversations[msg.ConversationID]
	if !ok || msg.SenderID != c.actorID || !c.store.isMemberLocked(msg.ConversationID, c.actorID) {
		c.store.mu.Unlock()
		return dm.Message{}, rlsViolation(OpInsertMessage, "direct_messages")
	}
	row := dm.Message{
		ID:             newID(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      c.store.now(),
	}
	list := append(c.store.messages[msg.ConversationID], row)
	sortMessages(list)
	c.store.messages[msg.ConversationID] = list
	c.store.messageConv[row.ID] = row.ConversationID
	if row.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = row.CreatedAt
		c.store.conversations[conv.ID] = conv
	}
	enriched := c.store.withSenderLocked(row)
	c.store.mu.Unlock()

	c.store.publish(backend.RowChange{Kind: dm.ChangeInsert, Row: row})
	return enriched, nil
}

// UpdateMessage applies patch to a message authored by the actor.
func (c *Client) UpdateMessage(ctx context.Context, id string, patch dm.MessagePatch) (dm.Message, error) {
	if err := c.store.intercept(ctx, OpUpdateMessage); err != nil {
		return dm.Message{}, err
	}

	c.store.mu.Lock()
	convID, ok := c.store.messageConv[id]
	if !ok {
		c.store.mu.Unlock()
		return dm.Message{}, noRows(OpUpdateMessage)
	}
	list := c.store.messages[convID]
	i := slices.IndexFunc(list, func(m dm.Message) bool { return m.ID == id })
	if i < 0 {
		c.store.mu.Unlock()
		return dm.Message{}, noRows(OpUpdateMessage)
	}
	row := list[i]
	if row.SenderID != c.actorID {
		c.store.mu.Unlock()
		return dm.Message{}, noRows(OpUpdateMessage)
	}
	if patch.Content != nil {
		row.Content = *patch.Content
	}
	if patch.EditedAt != nil {
		edited := *patch.EditedAt
		row.EditedAt = &edited
	}
	if patch.Deleted != nil {
		row.Deleted = *patch.Deleted
	}
	list[i] = row
	enriched := c.store.withSenderLocked(row)
	c.store.mu.Unlock()

	c.store.publish(backend.RowChange{Kind: dm.ChangeUpdate, Row: row})
	return enriched, nil
}

func (c *Client) GetProfile(ctx context.Context, id string) (dm.Profile, error) {
	if err := c.store.intercept(ctx, OpGetProfile); err != nil {
		return dm.Profile{}, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	p, ok := c.store.profiles[id]
	if !ok {
		return dm.Profile{}, noRows(OpGetProfile)
	}
	return p, nil
}

// Subscribe streams message changes visible to the actor until the stream is closed
// or ctx ends.
func (c *Client) Subscribe(ctx context.Context, filter backend.ChangeFilter) (backend.ChangeStream, error) {
	if err := c.store.intercept(ctx, OpSubscribe); err != nil {
		return nil, err
	}
	if c.actorID == "" {
		return nil, unauthenticated(OpSubscribe)
	}
	return c.store.subscribe(ctx, c.actorID, filter), nil
}
