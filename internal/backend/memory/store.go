// Package memory is an in-process backend with the same observable rules as the
// hosted service: pair-unique two-party conversations, member-only visibility,
// sender-only mutation, soft-delete filtering and change fan-out.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitthread/dmsync/internal/backend"
	"github.com/orbitthread/dmsync/internal/model/dm"
)

// Operation names accepted by Store.Intercept.
const (
	OpFind               = "find_dm_conversation"
	OpGetConversation    = "get_conversation"
	OpCreateConversation = "create_conversation"
	OpAddMembers         = "add_members"
	OpDeleteConversation = "delete_conversation"
	OpListMemberships    = "list_memberships"
	OpIsMember           = "is_member"
	OpListConversations  = "list_conversations"
	OpLastMessage        = "last_message"
	OpListMessages       = "list_messages"
	OpInsertMessage      = "insert_message"
	OpUpdateMessage      = "update_message"
	OpGetProfile         = "get_profile"
	OpSubscribe          = "subscribe"
)

// Interceptor runs before an operation. A non-nil error is returned to the caller
// instead of executing the operation.
type Interceptor func(ctx context.Context) error

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the time source used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithProfiles preloads profiles.
func WithProfiles(profiles ...dm.Profile) Option {
	return func(s *Store) {
		for _, p := range profiles {
			s.profiles[p.ID] = p
		}
	}
}

type subscriber struct {
	actorID string
	filter  backend.ChangeFilter
	stream  *backend.Stream
}

// Store holds the shared state. Clients bound to an actor act on it.
type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	profiles      map[string]dm.Profile
	conversations map[string]dm.Conversation
	members       map[string][]dm.Membership
	messages      map[string][]dm.Message
	messageConv   map[string]string

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	hookMu sync.RWMutex
	hooks  map[string]Interceptor
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:           func() time.Time { return time.Now().UTC() },
		profiles:      make(map[string]dm.Profile),
		conversations: make(map[string]dm.Conversation),
		members:       make(map[string][]dm.Membership),
		messages:      make(map[string][]dm.Message),
		messageConv:   make(map[string]string),
		subs:          make(map[int]*subscriber),
		hooks:         make(map[string]Interceptor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns a backend acting as actorID. An empty actorID is unauthenticated.
func (s *Store) Client(actorID string) *Client {
	return &Client{store: s, actorID: actorID}
}

// PutProfile inserts or replaces a profile.
func (s *Store) PutProfile(p dm.Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

// Intercept installs fn for op, replacing any earlier interceptor. A nil fn removes it.
func (s *Store) Intercept(op string, fn Interceptor) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if fn == nil {
		delete(s.hooks, op)
		return
	}
	s.hooks[op] = fn
}

// ConversationCount returns the number of stored conversations.
func (s *Store) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Members returns the member ids of a conversation in join order.
func (s *Store) Members(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members[conversationID]))
	for _, m := range s.members[conversationID] {
		out = append(out, m.UserID)
	}
	return out
}

func (s *Store) intercept(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.hookMu.RLock()
	fn := s.hooks[op]
	s.hookMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (s *Store) isMemberLocked(conversationID, actorID string) bool {
	for _, m := range s.members[conversationID] {
		if m.UserID == actorID {
			return true
		}
	}
	return false
}

// pairOwnerLocked returns the conversation whose members are exactly a and b.
func (s *Store) pairOwnerLocked(a, b string) (string, bool) {
	for convID, ms := range s.members {
		if len(ms) != 2 {
			continue
		}
		x, y := ms[0].UserID, ms[1].UserID
		if (x == a && y == b) || (x == b && y == a) {
			return convID, true
		}
	}
	return "", false
}

func (s *Store) withSenderLocked(msg dm.Message) dm.Message {
	if p, ok := s.profiles[msg.SenderID]; ok {
		msg.Sender = p
	}
	return msg
}

func (s *Store) publish(change backend.RowChange) {
	s.subMu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.filter.Matches(change) {
			targets = append(targets, sub)
		}
	}
	s.subMu.Unlock()

	s.mu.RLock()
	visible := make([]*subscriber, 0, len(targets))
	for _, sub := range targets {
		if s.isMemberLocked(change.Row.ConversationID, sub.actorID) {
			visible = append(visible, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range visible {
		sub.stream.Push(change)
	}
}

func (s *Store) subscribe(ctx context.Context, actorID string, filter backend.ChangeFilter) *backend.Stream {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subMu.Unlock()

	stream := backend.NewStream(func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	})

	s.subMu.Lock()
	s.subs[id] = &subscriber{actorID: actorID, filter: filter, stream: stream}
	s.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-stream.Done():
		}
	}()
	return stream
}

func sortMessages(list []dm.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func newID() string {
	return uuid.NewString()
}
