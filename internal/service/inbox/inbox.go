// Package inbox keeps the signed-in actor's conversation list current.
package inbox

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/logging"
	"github.com/orbitthread/dmsync/internal/model/dm"
	"github.com/orbitthread/dmsync/internal/realtime"
	"github.com/orbitthread/dmsync/internal/reconcile"
	"github.com/orbitthread/dmsync/internal/service/notify"
)

// Lister fetches conversation summaries for the actor.
type Lister interface {
	CurrentActor(ctx context.Context) (string, error)
	ListConversations(ctx context.Context) ([]dm.ConversationSummary, error)
}

// Feed opens the actor-wide insert subscription.
type Feed interface {
	SubscribeInbox(ctx context.Context, actorID string) (*realtime.Subscription, error)
}

// State is a snapshot of the inbox.
type State struct {
	Conversations []dm.ConversationSummary
	Loading       bool
	Err           error
	Live          bool
}

// Inbox is the conversation list sync. Every asynchronous result is applied only if
// the generation it was started under is still current.
type Inbox struct {
	lister Lister
	feed   Feed
	log    *zap.Logger
	hub    *notify.Hub

	mu         sync.Mutex
	gen        uint64
	state      State
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *realtime.Subscription
	refreshing bool
}

// New creates an idle inbox. logger may be nil.
func New(lister Lister, feed Feed, logger *zap.Logger) *Inbox {
	return &Inbox{
		lister: lister,
		feed:   feed,
		log:    logging.OrNop(logger).Named("inbox"),
		hub:    notify.NewHub(),
	}
}

// Start subscribes to new messages for the actor, then fetches the list. A running
// inbox is restarted. The subscription lives until Stop or until ctx ends.
func (in *Inbox) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	in.mu.Lock()
	prevSub, prevCancel := in.sub, in.cancel
	in.gen++
	gen := in.gen
	in.ctx, in.cancel, in.sub = runCtx, cancel, nil
	in.refreshing = false
	in.state = State{Loading: true}
	in.mu.Unlock()
	release(prevSub, prevCancel)
	in.hub.Notify()

	actor, err := in.lister.CurrentActor(runCtx)
	if err != nil {
		in.fail(gen, err)
		return err
	}

	sub, err := in.feed.SubscribeInbox(runCtx, actor)
	if err != nil {
		// the list is still useful without live updates
		in.log.Warn("inbox subscription failed", zap.Error(err))
	} else {
		in.mu.Lock()
		if in.gen != gen {
			in.mu.Unlock()
			sub.Close()
			return nil
		}
		in.sub = sub
		in.state.Live = true
		in.mu.Unlock()
		go in.consume(gen, sub)
	}

	return in.refresh(runCtx, gen)
}

// Refresh re-fetches the list for the running inbox.
func (in *Inbox) Refresh(ctx context.Context) error {
	in.mu.Lock()
	gen := in.gen
	in.mu.Unlock()
	return in.refresh(ctx, gen)
}

func (in *Inbox) refresh(ctx context.Context, gen uint64) error {
	in.mu.Lock()
	if in.gen != gen {
		in.mu.Unlock()
		return nil
	}
	in.state.Loading = true
	in.mu.Unlock()
	in.hub.Notify()

	list, err := in.lister.ListConversations(ctx)

	in.mu.Lock()
	if in.gen != gen {
		in.mu.Unlock()
		return nil
	}
	in.state.Loading = false
	if err != nil {
		in.state.Err = err
	} else {
		in.state.Err = nil
		in.state.Conversations = reconcile.MergeConversations(in.state.Conversations, list)
	}
	in.mu.Unlock()
	in.hub.Notify()

	if err != nil {
		in.log.Warn("conversation fetch failed", zap.Error(err))
	}
	return err
}

// Stop releases the subscription. Late results are discarded; the last list stays
// readable.
func (in *Inbox) Stop() {
	in.mu.Lock()
	in.gen++
	sub, cancel := in.sub, in.cancel
	in.sub, in.cancel = nil, nil
	in.state.Live = false
	in.state.Loading = false
	in.mu.Unlock()
	release(sub, cancel)
	in.hub.Notify()
}

// Snapshot returns a copy of the current state.
func (in *Inbox) Snapshot() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := in.state
	s.Conversations = slices.Clone(in.state.Conversations)
	if s.Conversations == nil {
		s.Conversations = []dm.ConversationSummary{}
	}
	return s
}

// Updates returns a channel signalled after every state change and a function that
// releases it.
func (in *Inbox) Updates() (<-chan struct{}, func()) {
	return in.hub.Subscribe()
}

func (in *Inbox) consume(gen uint64, sub *realtime.Subscription) {
	for ev := range sub.Events() {
		in.apply(gen, ev)
	}

	in.mu.Lock()
	current := in.gen == gen
	if current {
		in.state.Live = false
	}
	in.mu.Unlock()
	if current {
		if err := sub.Err(); err != nil {
			in.log.Warn("inbox subscription ended", zap.Error(err))
		}
		in.hub.Notify()
	}
}

func (in *Inbox) apply(gen uint64, ev dm.ChangeEvent) {
	if ev.Kind != dm.ChangeInsert {
		return
	}

	in.mu.Lock()
	if in.gen != gen {
		in.mu.Unlock()
		return
	}
	list, known := reconcile.ApplyConversationMessage(in.state.Conversations, ev.Message)
	if known {
		in.state.Conversations = list
		in.mu.Unlock()
		in.hub.Notify()
		return
	}

	// a counterpart opened a conversation we have not fetched yet
	start := !in.refreshing
	in.refreshing = true
	ctx := in.ctx
	in.mu.Unlock()

	if start {
		in.log.Debug("refreshing for unknown conversation", zap.String("conversation_id", ev.Message.ConversationID))
		go func() {
			in.refresh(ctx, gen)
			in.mu.Lock()
			if in.gen == gen {
				in.refreshing = false
			}
			in.mu.Unlock()
		}()
	}
}

func (in *Inbox) fail(gen uint64, err error) {
	in.mu.Lock()
	if in.gen != gen {
		in.mu.Unlock()
		return
	}
	in.state.Loading = false
	in.state.Err = err
	in.mu.Unlock()
	in.hub.Notify()
}

func release(sub *realtime.Subscription, cancel context.CancelFunc) {
	if sub != nil {
		sub.Close()
	}
	if cancel != nil {
		cancel()
	}
}
