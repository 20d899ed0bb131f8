// Package thread keeps the message list of the open conversation current.
package thread

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/logging"
	"github.com/orbitthread/dmsync/internal/metrics"
	"github.com/orbitthread/dmsync/internal/model/dm"
	"github.com/orbitthread/dmsync/internal/realtime"
	"github.com/orbitthread/dmsync/internal/reconcile"
	"github.com/orbitthread/dmsync/internal/service/notify"
)

// ErrNotReady is returned by LoadOlder before the first page has arrived.
var ErrNotReady = errors.New("thread is not ready")

// Status is the lifecycle of the open conversation.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusErrored Status = "errored"
)

// Fetcher loads message pages.
type Fetcher interface {
	CurrentActor(ctx context.Context) (string, error)
	ListMessages(ctx context.Context, conversationID string, q dm.PageQuery) ([]dm.Message, error)
}

// Feed opens per-conversation change subscriptions.
type Feed interface {
	SubscribeConversation(ctx context.Context, conversationID string) (*realtime.Subscription, error)
}

// Options tunes a thread.
type Options struct {
	PageSize    int
	DropDeleted bool
}

// State is a snapshot of the thread.
type State struct {
	ConversationID string
	Status         Status
	Messages       []dm.Message
	Err            error
	HasMore        bool
	Live           bool
}

// Thread is the message list sync for one conversation at a time.
type Thread struct {
	fetcher Fetcher
	feed    Feed
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	hub     *notify.Hub

	mu           sync.Mutex
	gen          uint64
	state        State
	cancel       context.CancelFunc
	sub          *realtime.Subscription
	loadingOlder bool
}

// New creates an idle thread. logger and m may be nil.
func New(fetcher Fetcher, feed Feed, logger *zap.Logger, m *metrics.Metrics, opts Options) *Thread {
	if opts.PageSize <= 0 {
		opts.PageSize = dm.DefaultPageSize
	}
	return &Thread{
		fetcher: fetcher,
		feed:    feed,
		log:     logging.OrNop(logger).Named("thread"),
		metrics: m,
		opts:    opts,
		hub:     notify.NewHub(),
		state:   State{Status: StatusIdle},
	}
}

// Open targets conversationID: the previous list and subscription are dropped, a
// subscription is opened and the newest page fetched. An empty id closes the thread.
// The subscription lives until the target changes, Close, or ctx ends.
func (t *Thread) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		t.Close()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	prevSub, prevCancel := t.sub, t.cancel
	t.gen++
	gen := t.gen
	t.sub, t.cancel = nil, cancel
	t.loadingOlder = false
	t.state = State{ConversationID: conversationID, Status: StatusLoading}
	t.mu.Unlock()
	release(prevSub, prevCancel)
	t.hub.Notify()

	if _, err := t.fetcher.CurrentActor(runCtx); err != nil {
		t.fail(gen, err)
		return err
	}

	sub, err := t.feed.SubscribeConversation(runCtx, conversationID)
	if err != nil {
		t.log.Warn("thread subscription failed", zap.String("conversation_id", conversationID), zap.Error(err))
	} else {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			sub.Close()
			return nil
		}
		t.sub = sub
		t.state.Live = true
		t.mu.Unlock()
		go t.consume(gen, sub)
	}

	page, err := t.fetcher.ListMessages(runCtx, conversationID, dm.PageQuery{Limit: t.opts.PageSize})
	if err != nil {
		t.fail(gen, err)
		return err
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return nil
	}
	t.state.Messages = reconcile.MergePage(t.state.Messages, page)
	t.state.Status = StatusReady
	t.state.Err = nil
	t.state.HasMore = len(page) >= t.opts.PageSize
	t.mu.Unlock()
	t.hub.Notify()

	t.log.Debug("thread ready", zap.String("conversation_id", conversationID), zap.Int("messages", len(page)))
	return nil
}

// Ensure opens conversationID unless it is already the loaded or loading target.
func (t *Thread) Ensure(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	current := t.state.ConversationID == conversationID &&
		(t.state.Status == StatusReady || t.state.Status == StatusLoading)
	t.mu.Unlock()
	if current {
		return nil
	}
	return t.Open(ctx, conversationID)
}

// Close releases the subscription and returns to idle.
func (t *Thread) Close() {
	t.mu.Lock()
	t.gen++
	sub, cancel := t.sub, t.cancel
	t.sub, t.cancel = nil, nil
	t.state = State{Status: StatusIdle}
	t.mu.Unlock()
	release(sub, cancel)
	t.hub.Notify()
}

// AddProvisional places a locally authored message in the list of its conversation.
// It reports false when msg belongs to another conversation.
func (t *Thread) AddProvisional(msg dm.Message) bool {
	t.mu.Lock()
	if t.state.Status == StatusIdle || msg.ConversationID != t.state.ConversationID {
		t.mu.Unlock()
		return false
	}
	t.state.Messages = reconcile.AppendProvisional(t.state.Messages, msg)
	t.mu.Unlock()
	t.hub.Notify()
	return true
}

// Discard removes a provisional message by its temporary id.
func (t *Thread) Discard(tempID string) bool {
	if !dm.IsTempID(tempID) {
		return false
	}
	t.mu.Lock()
	list, ok := reconcile.RemoveMessage(t.state.Messages, tempID)
	if ok {
		t.state.Messages = list
	}
	t.mu.Unlock()
	if ok {
		t.hub.Notify()
	}
	return ok
}

// LoadOlder fetches the page before the oldest loaded message and merges it. It
// returns the number of fetched messages.
func (t *Thread) LoadOlder(ctx context.Context) (int, error) {
	t.mu.Lock()
	if t.state.Status != StatusReady {
		t.mu.Unlock()
		return 0, ErrNotReady
	}
	oldest, ok := reconcile.Oldest(t.state.Messages)
	if !ok || !t.state.HasMore || t.loadingOlder {
		t.mu.Unlock()
		return 0, nil
	}
	t.loadingOlder = true
	gen := t.gen
	conversationID := t.state.ConversationID
	t.mu.Unlock()

	page, err := t.fetcher.ListMessages(ctx, conversationID, dm.PageQuery{Limit: t.opts.PageSize, Before: oldest.CreatedAt, BeforeID: oldest.ID})

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return 0, nil
	}
	t.loadingOlder = false
	if err != nil {
		t.state.Err = err
	} else {
		t.state.Err = nil
		t.state.Messages = reconcile.MergePage(t.state.Messages, page)
		t.state.HasMore = len(page) >= t.opts.PageSize
	}
	t.mu.Unlock()
	t.hub.Notify()

	if err != nil {
		return 0, err
	}
	return len(page), nil
}

// Snapshot returns a copy of the current state.
func (t *Thread) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	s.Messages = slices.Clone(t.state.Messages)
	if s.Messages == nil {
		s.Messages = []dm.Message{}
	}
	return s
}

// Updates returns a channel signalled after every state change and a function that
// releases it.
func (t *Thread) Updates() (<-chan struct{}, func()) {
	return t.hub.Subscribe()
}

func (t *Thread) consume(gen uint64, sub *realtime.Subscription) {
	ropts := reconcile.Options{DropDeleted: t.opts.DropDeleted}
	for ev := range sub.Events() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			continue
		}
		list, outcome := reconcile.ApplyMessageEvent(t.state.Messages, ev, ropts)
		t.state.Messages = list
		t.mu.Unlock()

		t.metrics.ReconcileOutcome(string(outcome))
		t.hub.Notify()
	}

	t.mu.Lock()
	current := t.gen == gen
	if current {
		t.state.Live = false
	}
	t.mu.Unlock()
	if current {
		if err := sub.Err(); err != nil {
			t.log.Warn("thread subscription ended", zap.Error(err))
		}
		t.hub.Notify()
	}
}

func (t *Thread) fail(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.state.Status = StatusErrored
	t.state.Err = err
	t.mu.Unlock()
	t.hub.Notify()
	t.log.Warn("thread load failed", zap.Error(err))
}

func release(sub *realtime.Subscription, cancel context.CancelFunc) {
	if sub != nil {
		sub.Close()
	}
	if cancel != nil {
		cancel()
	}
}
