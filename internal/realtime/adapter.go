// Package realtime turns raw row changes from the backend into normalized message
// events with the sender profile attached.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/backend"
	"github.com/orbitthread/dmsync/internal/logging"
	"github.com/orbitthread/dmsync/internal/metrics"
	"github.com/orbitthread/dmsync/internal/model/dm"
)

// Source is the part of the backend the adapter needs.
type Source interface {
	Subscribe(ctx context.Context, filter backend.ChangeFilter) (backend.ChangeStream, error)
	GetProfile(ctx context.Context, id string) (dm.Profile, error)
	IsMember(ctx context.Context, conversationID, actorID string) (bool, error)
}

// Adapter opens normalized subscriptions.
type Adapter struct {
	src     Source
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewAdapter creates an adapter over src. logger and m may be nil.
func NewAdapter(src Source, logger *zap.Logger, m *metrics.Metrics) *Adapter {
	return &Adapter{
		src:     src,
		log:     logging.OrNop(logger).Named("realtime"),
		metrics: m,
	}
}

// SubscribeConversation streams inserts and updates of one conversation.
func (a *Adapter) SubscribeConversation(ctx context.Context, conversationID string) (*Subscription, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	filter := backend.ChangeFilter{
		ConversationID: conversationID,
		Kinds:          []dm.ChangeKind{dm.ChangeInsert, dm.ChangeUpdate},
	}
	return a.open(ctx, filter, metrics.StreamConversation, nil)
}

// SubscribeInbox streams inserts in every conversation actorID belongs to. Membership
// is checked per event.
func (a *Adapter) SubscribeInbox(ctx context.Context, actorID string) (*Subscription, error) {
	if actorID == "" {
		return nil, dm.ErrNotAuthenticated
	}
	filter := backend.ChangeFilter{Kinds: []dm.ChangeKind{dm.ChangeInsert}}
	admit := func(ctx context.Context, change backend.RowChange) bool {
		ok, err := a.src.IsMember(ctx, change.Row.ConversationID, actorID)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Warn("membership lookup failed",
					zap.String("conversation_id", change.Row.ConversationID),
					zap.Error(err))
			}
			return false
		}
		return ok
	}
	return a.open(ctx, filter, metrics.StreamInbox, admit)
}

func (a *Adapter) open(ctx context.Context, filter backend.ChangeFilter, label string, admit func(context.Context, backend.RowChange) bool) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	stream, err := a.src.Subscribe(subCtx, filter)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Subscription{
		events: make(chan dm.ChangeEvent),
		done:   make(chan struct{}),
		stream: stream,
		cancel: cancel,
	}
	go a.pump(subCtx, s, label, admit)

	a.log.Debug("subscription opened",
		zap.String("stream", label),
		zap.String("conversation_id", filter.ConversationID))
	return s, nil
}

func (a *Adapter) pump(ctx context.Context, s *Subscription, label string, admit func(context.Context, backend.RowChange) bool) {
	defer close(s.events)
	defer s.end()

	for change := range s.stream.Changes() {
		if admit != nil && !admit(ctx, change) {
			a.metrics.RealtimeEvent(label, metrics.EventFiltered)
			continue
		}

		ev := dm.ChangeEvent{Kind: change.Kind, Message: a.enrich(ctx, change.Row)}
		if !a.deliver(s, ev) {
			a.metrics.RealtimeEvent(label, metrics.EventDropped)
			continue
		}
		a.metrics.RealtimeEvent(label, metrics.EventDelivered)
	}

	if err := s.stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.setErr(err)
		a.log.Warn("subscription ended", zap.String("stream", label), zap.Error(err))
	}
}

// deliver hands ev to the consumer unless the subscription has ended. done is
// checked on its own first since select picks at random among ready cases. A Close
// that lands while the send below is blocked can still race with a consumer that
// becomes ready at the same moment, so at most that one event may follow Close.
func (a *Adapter) deliver(s *Subscription, ev dm.ChangeEvent) bool {
	if !s.Live() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (a *Adapter) enrich(ctx context.Context, row dm.Message) dm.Message {
	row = row.Normalized()
	row.Provisional = false
	if row.Sender.ID != "" {
		return row
	}
	profile, err := a.src.GetProfile(ctx, row.SenderID)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Debug("sender profile unavailable", zap.String("sender_id", row.SenderID), zap.Error(err))
		}
		profile = dm.UnknownProfile(row.SenderID)
	}
	row.Sender = profile
	return row
}

// Subscription is a cancellable stream of change events. Events is closed once the
// subscription ends; after Close no further event is delivered.
type Subscription struct {
	events chan dm.ChangeEvent
	done   chan struct{}
	stream backend.ChangeStream
	cancel context.CancelFunc

	endOnce sync.Once
	closed  atomic.Bool

	mu  sync.Mutex
	err error
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan dm.ChangeEvent {
	return s.events
}

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Live reports whether the subscription still delivers events.
func (s *Subscription) Live() bool {
	if s.closed.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Err returns the transport failure that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	err := s.stream.Close()
	s.end()
	return err
}

func (s *Subscription) end() {
	s.endOnce.Do(func() { close(s.done) })
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
