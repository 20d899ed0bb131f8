package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/backend"
	"github.com/orbitthread/dmsync/internal/model/dm"
)

// ErrRealtimeClosed ends streams when the client is closed.
var ErrRealtimeClosed = errors.New("realtime client closed")

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"
	topicPhoenix   = "phoenix"
)

type channel struct {
	topic   string
	filter  backend.ChangeFilter
	stream  *backend.Stream
	joinRef string
	joined  bool
}

// Realtime multiplexes change subscriptions over one websocket, keeps it alive with
// heartbeats, and reconnects and rejoins every channel when it drops.
type Realtime struct {
	endpoint string
	token    func() string
	opts     RealtimeConfig
	log      *zap.Logger
	observer Observer
	dialer   *websocket.Dialer

	ref      atomic.Uint64
	dialMu   sync.Mutex
	writeMu  sync.Mutex
	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	channels map[string]*channel
	seq      int
	closed   bool
}

func newRealtime(endpoint string, token func() string, opts RealtimeConfig, logger *zap.Logger, observer Observer) *Realtime {
	return &Realtime{
		endpoint: endpoint,
		token:    token,
		opts:     opts,
		log:      logger.Named("realtime"),
		observer: observer,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		channels: make(map[string]*channel),
	}
}

// Subscribe joins a channel for filter. The join is sent before returning; the
// service's reply is handled asynchronously and a rejected join ends the stream.
func (r *Realtime) Subscribe(ctx context.Context, filter backend.ChangeFilter) (backend.ChangeStream, error) {
	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRealtimeClosed
	}
	r.seq++
	topic := topicFor(filter, r.seq)
	ch := &channel{topic: topic, filter: filter}
	ch.stream = backend.NewStream(func() { r.leave(topic) })
	r.channels[topic] = ch
	r.mu.Unlock()

	if err := r.join(ch); err != nil {
		ch.stream.Fail(err)
		r.mu.Lock()
		delete(r.channels, topic)
		r.mu.Unlock()
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			ch.stream.Close()
		case <-ch.stream.Done():
		}
	}()

	r.log.Debug("channel joined", zap.String("topic", topic), zap.String("conversation_id", filter.ConversationID))
	return ch.stream, nil
}

// Close shuts the connection and ends every stream with ErrRealtimeClosed.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancel
	conn := r.conn
	channels := r.channels
	r.channels = make(map[string]*channel)
	r.conn = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range channels {
		ch.stream.Fail(ErrRealtimeClosed)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func topicFor(filter backend.ChangeFilter, seq int) string {
	if filter.ConversationID != "" {
		return fmt.Sprintf("realtime:dm-%s-%d", filter.ConversationID, seq)
	}
	return fmt.Sprintf("realtime:dm-all-%d", seq)
}

func (r *Realtime) ensureConnected(ctx context.Context) error {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRealtimeClosed
	}
	if r.conn != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	conn, err := r.connectWithRetry(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		conn.Close()
		return ErrRealtimeClosed
	}
	r.conn = conn
	r.cancel = cancel
	r.mu.Unlock()

	go r.run(loopCtx, conn)
	return nil
}

// connectWithRetry dials with a linearly growing pause between attempts.
func (r *Realtime) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for i := 0; i < r.opts.MaxRetries; i++ {
		conn, _, err := r.dialer.DialContext(ctx, r.endpoint, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		r.log.Warn("realtime dial failed", zap.Int("attempt", i+1), zap.Error(err))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * r.opts.RetryDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect after %d retries, last error: %w", r.opts.MaxRetries, lastErr)
}

// run owns one connection lifetime after another until ctx ends or reconnecting
// gives up.
func (r *Realtime) run(ctx context.Context, conn *websocket.Conn) {
	for {
		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		go r.heartbeatLoop(hbCtx, conn)
		err := r.readLoop(conn)
		stopHeartbeat()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		r.log.Warn("realtime connection lost", zap.Error(err))

		next, err := r.connectWithRetry(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error("realtime reconnect failed", zap.Error(err))
				r.failAll(err)
			}
			return
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			next.Close()
			return
		}
		r.conn = next
		channels := make([]*channel, 0, len(r.channels))
		for _, ch := range r.channels {
			ch.joined = false
			channels = append(channels, ch)
		}
		r.mu.Unlock()

		r.observer.RealtimeReconnected()
		r.log.Info("realtime reconnected", zap.Int("channels", len(channels)))
		for _, ch := range channels {
			if err := r.join(ch); err != nil {
				r.log.Warn("rejoin failed", zap.String("topic", ch.topic), zap.Error(err))
			}
		}
		conn = next
	}
}

func (r *Realtime) readLoop(conn *websocket.Conn) error {
	deadline := 2 * r.opts.Heartbeat
	for {
		conn.SetReadDeadline(time.Now().Add(deadline))
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		r.dispatch(msg)
	}
}

func (r *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(r.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := outbound{Topic: topicPhoenix, Event: eventHeartbeat, Payload: struct{}{}, Ref: r.nextRef()}
			if err := r.writeTo(conn, msg); err != nil {
				r.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func (r *Realtime) dispatch(msg inbound) {
	if msg.Topic == topicPhoenix {
		return
	}

	r.mu.Lock()
	ch, ok := r.channels[msg.Topic]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch msg.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			r.log.Warn("malformed reply", zap.String("topic", msg.Topic), zap.Error(err))
			return
		}
		r.mu.Lock()
		joinRef := ch.joinRef
		r.mu.Unlock()
		if msg.refString() != joinRef {
			return
		}
		if reply.Status != "ok" {
			err := fmt.Errorf("join rejected: %s", reply.reason())
			r.log.Error("channel join rejected", zap.String("topic", msg.Topic), zap.Error(err))
			r.mu.Lock()
			delete(r.channels, msg.Topic)
			r.mu.Unlock()
			ch.stream.Fail(err)
			return
		}
		r.mu.Lock()
		ch.joined = true
		r.mu.Unlock()
	case eventChanges:
		change, ok, err := decodeChange(msg.Payload)
		if err != nil {
			r.log.Warn("malformed change", zap.String("topic", msg.Topic), zap.Error(err))
			return
		}
		if !ok || !ch.filter.Matches(change) {
			return
		}
		ch.stream.Push(change)
	case eventError, eventClose:
		r.log.Warn("channel event", zap.String("topic", msg.Topic), zap.String("event", msg.Event))
	case eventSystem:
		r.log.Debug("channel system message", zap.String("topic", msg.Topic), zap.ByteString("payload", msg.Payload))
	}
}

func (r *Realtime) join(ch *channel) error {
	ref := r.nextRef()
	r.mu.Lock()
	ch.joinRef = ref
	r.mu.Unlock()

	msg := outbound{
		Topic:   ch.topic,
		Event:   eventJoin,
		Payload: joinPayloadFor(ch.filter, r.token()),
		Ref:     ref,
		JoinRef: ref,
	}
	return r.write(msg)
}

func (r *Realtime) leave(topic string) {
	r.mu.Lock()
	ch, ok := r.channels[topic]
	delete(r.channels, topic)
	var joinRef string
	if ok {
		joinRef = ch.joinRef
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	msg := outbound{Topic: topic, Event: eventLeave, Payload: struct{}{}, Ref: r.nextRef(), JoinRef: joinRef}
	if err := r.write(msg); err != nil {
		r.log.Debug("leave not sent", zap.String("topic", topic), zap.Error(err))
	}
}

func (r *Realtime) failAll(err error) {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*channel)
	r.conn = nil
	r.mu.Unlock()

	for _, ch := range channels {
		ch.stream.Fail(err)
	}
}

func (r *Realtime) write(msg outbound) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.New("realtime not connected")
	}
	return r.writeTo(conn, msg)
}

func (r *Realtime) writeTo(conn *websocket.Conn, msg outbound) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (r *Realtime) nextRef() string {
	return strconv.FormatUint(r.ref.Add(1), 10)
}

func decodeChange(payload json.RawMessage) (backend.RowChange, bool, error) {
	var p changePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return backend.RowChange{}, false, err
	}
	var kind dm.ChangeKind
	switch p.Data.Type {
	case string(dm.ChangeInsert):
		kind = dm.ChangeInsert
	case string(dm.ChangeUpdate):
		kind = dm.ChangeUpdate
	default:
		return backend.RowChange{}, false, nil
	}
	if p.Data.Record == nil {
		return backend.RowChange{}, false, errors.New("change without record")
	}
	return backend.RowChange{Kind: kind, Row: p.Data.Record.toModel()}, true, nil
}
