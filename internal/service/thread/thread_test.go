package thread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orbitthread/dmsync/internal/backend/memory"
	"github.com/orbitthread/dmsync/internal/model/dm"
	"github.com/orbitthread/dmsync/internal/realtime"
	dmsvc "github.com/orbitthread/dmsync/internal/service/dm"
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

type fixture struct {
	store  *memory.Store
	alice  *dmsvc.Service
	bob    *dmsvc.Service
	thread *Thread
	conv   string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC)}
	store := memory.NewStore(memory.WithClock(c.now), memory.WithProfiles(
		dm.Profile{ID: "alice", Name: "Alice"},
		dm.Profile{ID: "bob", Name: "Bob"},
	))
	logger := zaptest.NewLogger(t)
	f := &fixture{
		store: store,
		alice: dmsvc.NewService(store.Client("alice"), logger),
		bob:   dmsvc.NewService(store.Client("bob"), logger),
	}
	f.thread = New(f.alice, realtime.NewAdapter(store.Client("alice"), logger, nil), logger, nil, opts)
	t.Cleanup(f.thread.Close)

	res, err := f.alice.ResolveConversation(context.Background(), "bob")
	require.NoError(t, err)
	f.conv = res.Conversation.ID
	return f
}

func (f *fixture) send(t *testing.T, svc *dmsvc.Service, content string) dm.Message {
	t.Helper()
	msg, err := svc.SendMessage(context.Background(), f.conv, content)
	require.NoError(t, err)
	return msg
}

func contents(list []dm.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.Content
	}
	return out
}

func provisional(conv, sender, content string) dm.Message {
	return dm.Message{
		ID:             dm.TempIDPrefix + "1-abcd",
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Sender:         dm.SelfProfile(sender),
		Provisional:    true,
	}
}

func eventually(t *testing.T, th *Thread, cond func(State) bool) State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(th.Snapshot()) }, 2*time.Second, 10*time.Millisecond)
	return th.Snapshot()
}

func TestOpenFetchesAscendingPage(t *testing.T) {
	f := newFixture(t, Options{})
	f.send(t, f.alice, "one")
	f.send(t, f.bob, "two")

	require.NoError(t, f.thread.Open(context.Background(), f.conv))

	state := f.thread.Snapshot()
	assert.Equal(t, StatusReady, state.Status)
	assert.Equal(t, f.conv, state.ConversationID)
	assert.Equal(t, []string{"one", "two"}, contents(state.Messages))
	assert.Equal(t, "Bob", state.Messages[1].Sender.Name)
	assert.False(t, state.HasMore)
	assert.True(t, state.Live)
}

func TestProvisionalReplacedByConfirmedInsert(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.thread.Open(context.Background(), f.conv))

	require.True(t, f.thread.AddProvisional(provisional(f.conv, "alice", "hello")))
	state := f.thread.Snapshot()
	require.Len(t, state.Messages, 1)
	assert.True(t, state.Messages[0].Provisional)

	confirmed := f.send(t, f.alice, "hello")

	state = eventually(t, f.thread, func(s State) bool {
		return len(s.Messages) == 1 && !s.Messages[0].Provisional
	})
	assert.Equal(t, confirmed.ID, state.Messages[0].ID)
	assert.Equal(t, "Alice", state.Messages[0].Sender.Name)
}

func TestProvisionalAddedWhileLoadingRetiredByPage(t *testing.T) {
	f := newFixture(t, Options{})
	confirmed := f.send(t, f.alice, "hello")

	release := make(chan struct{})
	f.store.Intercept(memory.OpListMessages, func(context.Context) error {
		<-release
		return nil
	})

	opened := make(chan error, 1)
	go func() { opened <- f.thread.Open(context.Background(), f.conv) }()

	eventually(t, f.thread, func(s State) bool {
		return s.Status == StatusLoading && s.ConversationID == f.conv
	})
	require.True(t, f.thread.AddProvisional(provisional(f.conv, "alice", "hello")))
	close(release)
	require.NoError(t, <-opened)

	state := f.thread.Snapshot()
	require.Len(t, state.Messages, 1)
	assert.Equal(t, confirmed.ID, state.Messages[0].ID)
	assert.False(t, state.Messages[0].Provisional)
}

func TestInsertEventsStayOrderedAndUnique(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.thread.Open(context.Background(), f.conv))

	for _, c := range []string{"a", "b", "c"} {
		f.send(t, f.bob, c)
	}

	state := eventually(t, f.thread, func(s State) bool { return len(s.Messages) == 3 })
	assert.Equal(t, []string{"a", "b", "c"}, contents(state.Messages))

	require.NoError(t, f.thread.Open(context.Background(), f.conv))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, contents(f.thread.Snapshot().Messages))
}

func TestSoftDeleteKeepsPlaceholderInPlace(t *testing.T) {
	f := newFixture(t, Options{})
	f.send(t, f.alice, "first")
	doomed := f.send(t, f.alice, "regret")
	f.send(t, f.alice, "last")
	require.NoError(t, f.thread.Open(context.Background(), f.conv))

	_, err := f.alice.DeleteMessage(context.Background(), doomed.ID)
	require.NoError(t, err)

	state := eventually(t, f.thread, func(s State) bool {
		return len(s.Messages) == 3 && s.Messages[1].Deleted
	})
	assert.Equal(t, []string{"first", dm.DeletedPlaceholder, "last"}, contents(state.Messages))
	assert.Equal(t, doomed.CreatedAt, state.Messages[1].CreatedAt)

	// a fresh fetch excludes the deleted row
	require.NoError(t, f.thread.Open(context.Background(), f.conv))
	assert.Equal(t, []string{"first", "last"}, contents(f.thread.Snapshot().Messages))
}

func TestSoftDeleteDropPolicy(t *testing.T) {
	f := newFixture(t, Options{DropDeleted: true})
	doomed := f.send(t, f.alice, "regret")
	f.send(t, f.alice, "keep")
	require.NoError(t, f.thread.Open(context.Background(), f.conv))

	_, err := f.alice.DeleteMessage(context.Background(), doomed.ID)
	require.NoError(t, err)

	state := eventually(t, f.thread, func(s State) bool { return len(s.Messages) == 1 })
	assert.Equal(t, []string{"keep"}, contents(state.Messages))
}

func TestEditUpdatesInPlace(t *testing.T) {
	f := newFixture(t, Options{})
	msg := f.send(t, f.alice, "draft")
	require.NoError(t, f.thread.Open(context.Background(), f.conv))

	_, err := f.alice.EditMessage(context.Background(), msg.ID, "final")
	require.NoError(t, err)

	state := eventually(t, f.thread, func(s State) bool {
		return len(s.Messages) == 1 && s.Messages[0].EditedAt != nil
	})
	assert.Equal(t, "final", state.Messages[0].Content)
	assert.Equal(t, msg.CreatedAt, state.Messages[0].CreatedAt)
}

func TestLoadOlderPagesBackwards(t *testing.T) {
	f := newFixture(t, Options{PageSize: 2})
	for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
		f.send(t, f.bob, c)
	}
	ctx := context.Background()
	require.NoError(t, f.thread.Open(ctx, f.conv))
	assert.Equal(t, []string{"m4", "m5"}, contents(f.thread.Snapshot().Messages))
	assert.True(t, f.thread.Snapshot().HasMore)

	n, err := f.thread.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m2", "m3", "m4", "m5"}, contents(f.thread.Snapshot().Messages))

	n, err = f.thread.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	state := f.thread.Snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, contents(state.Messages))
	assert.False(t, state.HasMore)

	n, err = f.thread.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadOlderReachesMessagesSharingTheCursorTimestamp(t *testing.T) {
	stamp := time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC)
	store := memory.NewStore(memory.WithClock(func() time.Time { return stamp }), memory.WithProfiles(
		dm.Profile{ID: "alice", Name: "Alice"},
		dm.Profile{ID: "bob", Name: "Bob"},
	))
	logger := zaptest.NewLogger(t)
	alice := dmsvc.NewService(store.Client("alice"), logger)
	th := New(alice, realtime.NewAdapter(store.Client("alice"), logger, nil), logger, nil, Options{PageSize: 2})
	t.Cleanup(th.Close)

	ctx := context.Background()
	res, err := alice.ResolveConversation(ctx, "bob")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := alice.SendMessage(ctx, res.Conversation.ID, "tick")
		require.NoError(t, err)
	}

	require.NoError(t, th.Open(ctx, res.Conversation.ID))
	for th.Snapshot().HasMore {
		_, err := th.LoadOlder(ctx)
		require.NoError(t, err)
	}

	state := th.Snapshot()
	require.Len(t, state.Messages, 5)
	seen := map[string]bool{}
	for _, m := range state.Messages {
		assert.False(t, seen[m.ID])
		seen[m.ID] = true
	}
}

func TestSwitchingConversationDropsOldState(t *testing.T) {
	f := newFixture(t, Options{})
	f.send(t, f.alice, "in first")
	ctx := context.Background()
	require.NoError(t, f.thread.Open(ctx, f.conv))

	other, err := f.alice.ResolveConversation(ctx, "carol")
	require.NoError(t, err)
	require.NoError(t, f.thread.Open(ctx, other.Conversation.ID))

	f.send(t, f.bob, "late for first")
	time.Sleep(50 * time.Millisecond)

	state := f.thread.Snapshot()
	assert.Equal(t, other.Conversation.ID, state.ConversationID)
	assert.Empty(t, state.Messages)
	assert.False(t, f.thread.AddProvisional(provisional(f.conv, "alice", "wrong room")))
}

func TestFetchFailureMarksErrored(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.Intercept(memory.OpListMessages, func(context.Context) error { return errors.New("boom") })

	err := f.thread.Open(context.Background(), f.conv)

	require.Error(t, err)
	state := f.thread.Snapshot()
	assert.Equal(t, StatusErrored, state.Status)
	assert.EqualError(t, state.Err, "Failed to fetch messages: boom")
}

func TestDiscardAndClose(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.thread.Open(context.Background(), f.conv))
	p := provisional(f.conv, "alice", "oops")
	require.True(t, f.thread.AddProvisional(p))

	assert.False(t, f.thread.Discard("not-a-temp-id"))
	assert.True(t, f.thread.Discard(p.ID))
	assert.Empty(t, f.thread.Snapshot().Messages)

	f.thread.Close()
	state := f.thread.Snapshot()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Empty(t, state.ConversationID)
	_, err := f.thread.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}
