package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitthread/dmsync/internal/backend"
	"github.com/orbitthread/dmsync/internal/model/dm"
)

type tick struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tick) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore() *Store {
	clock := &tick{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return NewStore(WithClock(clock.now), WithProfiles(
		dm.Profile{ID: "alice", Name: "Alice"},
		dm.Profile{ID: "bob", Name: "Bob"},
	))
}

func pairConversation(t *testing.T, s *Store, a, b string) string {
	t.Helper()
	ctx := context.Background()
	conv, err := s.Client(a).CreateConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Client(a).AddMembers(ctx, conv.ID, []string{a, b}))
	return conv.ID
}

func TestAddMembersRejectsSecondPairConversation(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	first := pairConversation(t, s, "alice", "bob")

	second, err := s.Client("bob").CreateConversation(ctx)
	require.NoError(t, err)
	err = s.Client("bob").AddMembers(ctx, second.ID, []string{"bob", "alice"})

	require.ErrorIs(t, err, backend.ErrConflict)
	assert.Empty(t, s.Members(second.ID), "membership insert must be all or nothing")

	found, ok, err := s.Client("bob").FindDirectConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first, found)
}

func TestListMessagesPagesNewestFirstReturnedAscending(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	convID := pairConversation(t, s, "alice", "bob")
	alice := s.Client("alice")

	var sent []dm.Message
	for _, text := range []string{"one", "two", "three", "four"} {
		m, err := alice.InsertMessage(ctx, dm.NewMessage{ConversationID: convID, SenderID: "alice", Content: text})
		require.NoError(t, err)
		sent = append(sent, m)
	}

	page, err := alice.ListMessages(ctx, convID, dm.PageQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "three", page[0].Content)
	assert.Equal(t, "four", page[1].Content)
	assert.Equal(t, "Alice", page[0].Sender.Name)

	older, err := alice.ListMessages(ctx, convID, dm.PageQuery{Limit: 2, Before: page[0].CreatedAt})
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "one", older[0].Content)
	assert.Equal(t, sent[1].ID, older[1].ID)
}

func TestListMessagesPagesThroughEqualTimestamps(t *testing.T) {
	stamp := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return stamp }), WithProfiles(
		dm.Profile{ID: "alice", Name: "Alice"},
		dm.Profile{ID: "bob", Name: "Bob"},
	))
	ctx := context.Background()
	convID := pairConversation(t, s, "alice", "bob")
	alice := s.Client("alice")
	for i := 0; i < 5; i++ {
		_, err := alice.InsertMessage(ctx, dm.NewMessage{ConversationID: convID, SenderID: "alice", Content: "same second"})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	q := dm.PageQuery{Limit: 2}
	for {
		page, err := alice.ListMessages(ctx, convID, q)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			require.False(t, seen[m.ID], "message %s returned twice", m.ID)
			seen[m.ID] = true
		}
		q.Before, q.BeforeID = page[0].CreatedAt, page[0].ID
	}
	assert.Len(t, seen, 5)
}

func TestSoftDeletedMessagesAreFilteredFromReads(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	convID := pairConversation(t, s, "alice", "bob")
	alice := s.Client("alice")

	keep, err := alice.InsertMessage(ctx, dm.NewMessage{ConversationID: convID, SenderID: "alice", Content: "keep"})
	require.NoError(t, err)
	gone, err := alice.InsertMessage(ctx, dm.NewMessage{ConversationID: convID, SenderID: "alice", Content: "gone"})
	require.NoError(t, err)

	deleted := true
	_, err = alice.UpdateMessage(ctx, gone.ID, dm.MessagePatch{Deleted: &deleted})
	require.NoError(t, err)

	page, err := alice.ListMessages(ctx, convID, dm.PageQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, keep.ID, page[0].ID)

	last, err := alice.LastMessage(ctx, convID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "keep", last.Content)
}

func TestOnlySenderMayUpdate(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	convID := pairConversation(t, s, "alice", "bob")
	m, err := s.Client("alice").InsertMessage(ctx, dm.NewMessage{ConversationID: convID, SenderID: "alice", Content: "mine"})
	require.NoError(t, err)

	text := "hijacked"
	_, err = s.Client("bob").UpdateMessage(ctx, m.ID, dm.MessagePatch{Content: &text})

	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestInsertRequiresMembership(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	convID := pairConversation(t, s, "alice", "bob")

	_, err := s.Client("mallory").InsertMessage(ctx, dm.NewMessage{ConversationID: convID, SenderID: "mallory", Content: "hi"})

	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "42501", be.Code)
}

func TestSubscribeDeliversOnlyToMembers(t *testing.T) {
	s := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	convID := pairConversation(t, s, "alice", "bob")

	bobStream, err := s.Client("bob").Subscribe(ctx, backend.ChangeFilter{ConversationID: convID})
	require.NoError(t, err)
	defer bobStream.Close()
	outsider, err := s.Client("mallory").Subscribe(ctx, backend.ChangeFilter{})
	require.NoError(t, err)
	defer outsider.Close()

	m, err := s.Client("alice").InsertMessage(ctx, dm.NewMessage{ConversationID: convID, SenderID: "alice", Content: "hello"})
	require.NoError(t, err)

	select {
	case change := <-bobStream.Changes():
		assert.Equal(t, dm.ChangeInsert, change.Kind)
		assert.Equal(t, m.ID, change.Row.ID)
	case <-time.After(time.Second):
		t.Fatalf("member did not receive insert")
	}

	select {
	case change := <-outsider.Changes():
		t.Fatalf("outsider received %v", change)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeEndsWithContext(t *testing.T) {
	s := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := s.Client("alice").Subscribe(ctx, backend.ChangeFilter{})
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-stream.Changes():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("stream not closed after cancel")
	}
	s.subMu.Lock()
	assert.Empty(t, s.subs)
	s.subMu.Unlock()
}

func TestInterceptInjectsFailure(t *testing.T) {
	s := newTestStore()
	injected := &backend.Error{Op: OpCreateConversation, Status: 500, Message: "boom"}
	s.Intercept(OpCreateConversation, func(context.Context) error { return injected })

	_, err := s.Client("alice").CreateConversation(context.Background())
	assert.ErrorIs(t, err, injected)

	s.Intercept(OpCreateConversation, nil)
	_, err = s.Client("alice").CreateConversation(context.Background())
	assert.NoError(t, err)
}

func TestUnauthenticatedClient(t *testing.T) {
	s := newTestStore()

	_, err := s.Client("").CurrentActor(context.Background())

	assert.ErrorIs(t, err, backend.ErrUnauthenticated)
}
