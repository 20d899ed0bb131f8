package dm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orbitthread/dmsync/internal/backend"
	"github.com/orbitthread/dmsync/internal/backend/memory"
	"github.com/orbitthread/dmsync/internal/model/dm"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore() *memory.Store {
	c := &clock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	return memory.NewStore(memory.WithClock(c.now), memory.WithProfiles(
		dm.Profile{ID: "alice", Name: "Alice", Handle: "@alice"},
		dm.Profile{ID: "bob", Name: "Bob", Handle: "@bob"},
		dm.Profile{ID: "carol", Name: "Carol", Handle: "@carol"},
	))
}

func newService(t *testing.T, store *memory.Store, actor string) *Service {
	t.Helper()
	return NewService(store.Client(actor), zaptest.NewLogger(t))
}

func TestResolveCreatesThenReuses(t *testing.T) {
	store := newStore()
	alice := newService(t, store, "alice")
	bob := newService(t, store, "bob")
	ctx := context.Background()

	first, err := alice.ResolveConversation(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, first.Existing)
	assert.ElementsMatch(t, []string{"alice", "bob"}, store.Members(first.Conversation.ID))

	second, err := bob.ResolveConversation(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, 1, store.ConversationCount())
}

func TestResolveRejectsSelfAndAnonymous(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	_, err := newService(t, store, "alice").ResolveConversation(ctx, "alice")
	require.ErrorIs(t, err, dm.ErrSelfConversation)
	assert.Equal(t, dm.KindInvalidArgument, dm.KindOf(err))

	_, err = newService(t, store, "").ResolveConversation(ctx, "bob")
	require.ErrorIs(t, err, dm.ErrNotAuthenticated)
	assert.Equal(t, "Not authenticated", err.Error())

	_, err = newService(t, store, "alice").ResolveConversation(ctx, "")
	assert.ErrorIs(t, err, ErrCounterpartRequired)
	assert.Zero(t, store.ConversationCount())
}

func TestResolveCompensatesFailedMembership(t *testing.T) {
	store := newStore()
	store.Intercept(memory.OpAddMembers, func(context.Context) error {
		return &backend.Error{Op: memory.OpAddMembers, Status: 403, Message: "permission denied for table direct_conversation_members"}
	})

	_, err := newService(t, store, "alice").ResolveConversation(context.Background(), "bob")

	require.Error(t, err)
	assert.Equal(t, "Failed to add conversation members: permission denied for table direct_conversation_members", err.Error())
	assert.Zero(t, store.ConversationCount(), "no orphan conversation may remain")
}

func TestResolveSurfacesLookupFailure(t *testing.T) {
	store := newStore()
	store.Intercept(memory.OpFind, func(context.Context) error {
		return &backend.Error{Op: memory.OpFind, Status: 500, Message: "boom"}
	})

	_, err := newService(t, store, "alice").ResolveConversation(context.Background(), "bob")

	require.Error(t, err)
	assert.Equal(t, "Failed to check existing conversation: boom", err.Error())
	assert.Equal(t, dm.KindBackend, dm.KindOf(err))
}

func TestConcurrentResolveSameProcess(t *testing.T) {
	store := newStore()
	svc := newService(t, store, "alice")
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.ResolveConversation(ctx, "bob")
			ids[i], errs[i] = res.Conversation.ID, err
		}()
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, store.ConversationCount())
	assert.Len(t, store.Members(ids[0]), 2)
}

type actorFailure struct {
	backend.Backend
	err error
}

func (a actorFailure) CurrentActor(context.Context) (string, error) {
	return "", a.err
}

func TestCurrentActorSeparatesAuthFromTransportFailures(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	transport := &backend.Error{Op: "get user", Status: 503, Message: "upstream unavailable"}
	_, err := NewService(actorFailure{store.Client("alice"), transport}, nil).CurrentActor(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, dm.ErrNotAuthenticated)
	assert.Equal(t, dm.KindBackend, dm.KindOf(err))
	assert.Equal(t, "Failed to get current user: upstream unavailable", err.Error())

	rejected := &backend.Error{Op: "get user", Status: 401, Message: "invalid JWT", Err: backend.ErrUnauthenticated}
	_, err = NewService(actorFailure{store.Client("alice"), rejected}, nil).CurrentActor(ctx)
	require.ErrorIs(t, err, dm.ErrNotAuthenticated)
	assert.Equal(t, "Not authenticated", err.Error())
}

func TestResolveCancelledCallerDoesNotFailOthers(t *testing.T) {
	store := newStore()
	svc := newService(t, store, "alice")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.Intercept(memory.OpFind, func(ctx context.Context) error {
		once.Do(func() { close(entered) })
		<-release
		return ctx.Err()
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.ResolveConversation(ctxA, "bob")
		errA <- err
	}()
	<-entered

	type result struct {
		res dm.Resolution
		err error
	}
	resB := make(chan result, 1)
	go func() {
		res, err := svc.ResolveConversation(context.Background(), "bob")
		resB <- result{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared lookup")
	}

	close(release)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.NotEmpty(t, r.res.Conversation.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("live caller never returned")
	}
	assert.Equal(t, 1, store.ConversationCount())
}

func TestConcurrentResolveAcrossActors(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	services := []*Service{newService(t, store, "alice"), newService(t, store, "bob")}
	others := []string{"bob", "alice"}

	var wg sync.WaitGroup
	ids := make([]string, 10)
	errs := make([]error, 10)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := services[i%2].ResolveConversation(ctx, others[i%2])
			ids[i], errs[i] = res.Conversation.ID, err
		}()
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, store.ConversationCount())
	assert.Len(t, store.Members(ids[0]), 2)
}

func TestResolveLoserCompensatesAndAdoptsWinner(t *testing.T) {
	store := newStore()
	alice := newService(t, store, "alice")
	bob := newService(t, store, "bob")
	ctx := context.Background()

	var raced atomic.Bool
	var winner dm.Resolution
	store.Intercept(memory.OpAddMembers, func(ctx context.Context) error {
		if raced.CompareAndSwap(false, true) {
			res, err := alice.ResolveConversation(ctx, "bob")
			if err != nil {
				return err
			}
			winner = res
		}
		return nil
	})

	res, err := bob.ResolveConversation(ctx, "alice")

	require.NoError(t, err)
	assert.True(t, res.Existing)
	assert.False(t, winner.Existing)
	assert.Equal(t, winner.Conversation.ID, res.Conversation.ID)
	assert.Equal(t, 1, store.ConversationCount())
}

func TestSendMessageValidatesAndInserts(t *testing.T) {
	store := newStore()
	svc := newService(t, store, "alice")
	ctx := context.Background()
	res, err := svc.ResolveConversation(ctx, "bob")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, res.Conversation.ID, "   ")
	assert.ErrorIs(t, err, dm.ErrEmptyContent)

	_, err = svc.SendMessage(ctx, res.Conversation.ID, strings.Repeat("x", dm.MaxContentLength+1))
	assert.ErrorIs(t, err, dm.ErrContentTooLong)

	msg, err := svc.SendMessage(ctx, res.Conversation.ID, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "Alice", msg.Sender.Name)
}

func TestSendMessageOutsideConversationKeepsBackendText(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	res, err := newService(t, store, "alice").ResolveConversation(ctx, "bob")
	require.NoError(t, err)

	_, err = newService(t, store, "carol").SendMessage(ctx, res.Conversation.ID, "sneaky")

	require.Error(t, err)
	assert.Equal(t, `Failed to send message: new row violates row-level security policy for table "direct_messages"`, err.Error())
}

func TestListConversationsEnrichesAndSorts(t *testing.T) {
	store := newStore()
	alice := newService(t, store, "alice")
	ctx := context.Background()

	withBob, err := alice.ResolveConversation(ctx, "bob")
	require.NoError(t, err)
	withGhost, err := alice.ResolveConversation(ctx, "ghost")
	require.NoError(t, err)
	_, err = alice.SendMessage(ctx, withBob.Conversation.ID, "latest")
	require.NoError(t, err)

	list, err := alice.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, withBob.Conversation.ID, list[0].ID)
	assert.Equal(t, "Bob", list[0].OtherUser.Name)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "latest", list[0].LastMessage.Content)
	assert.Zero(t, list[0].UnreadCount)

	assert.Equal(t, withGhost.Conversation.ID, list[1].ID)
	assert.True(t, list[1].OtherUser.IsPlaceholder())
	assert.Equal(t, "ghost", list[1].OtherUser.ID)
	assert.Nil(t, list[1].LastMessage)
}

func TestListConversationsEmpty(t *testing.T) {
	list, err := newService(t, newStore(), "alice").ListConversations(context.Background())

	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestListConversationsToleratesLastMessageFailure(t *testing.T) {
	store := newStore()
	svc := newService(t, store, "alice")
	ctx := context.Background()
	_, err := svc.ResolveConversation(ctx, "bob")
	require.NoError(t, err)
	store.Intercept(memory.OpLastMessage, func(context.Context) error { return errors.New("timeout") })

	list, err := svc.ListConversations(ctx)

	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].LastMessage)
}

func TestEditAndDeleteMessage(t *testing.T) {
	store := newStore()
	alice := newService(t, store, "alice")
	ctx := context.Background()
	res, err := alice.ResolveConversation(ctx, "bob")
	require.NoError(t, err)
	msg, err := alice.SendMessage(ctx, res.Conversation.ID, "first draft")
	require.NoError(t, err)

	edited, err := alice.EditMessage(ctx, msg.ID, " final ")
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Content)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, msg.CreatedAt, edited.CreatedAt)

	_, err = newService(t, store, "bob").EditMessage(ctx, msg.ID, "hijack")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "Failed to edit message: "))
	assert.Equal(t, dm.KindNotFound, dm.KindOf(err))

	deleted, err := alice.DeleteMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, dm.DeletedPlaceholder, deleted.Content)

	page, err := alice.ListMessages(ctx, res.Conversation.ID, dm.PageQuery{})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestListMessagesFillsMissingSender(t *testing.T) {
	store := newStore()
	alice := newService(t, store, "alice")
	ghost := newService(t, store, "ghost")
	ctx := context.Background()
	res, err := alice.ResolveConversation(ctx, "ghost")
	require.NoError(t, err)
	_, err = ghost.SendMessage(ctx, res.Conversation.ID, "boo")
	require.NoError(t, err)

	page, err := alice.ListMessages(ctx, res.Conversation.ID, dm.PageQuery{})

	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].Sender.IsPlaceholder())
	assert.Equal(t, "ghost", page[0].Sender.ID)
}
