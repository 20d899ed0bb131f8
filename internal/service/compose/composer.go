// Package compose validates outgoing messages and drives the optimistic send.
package compose

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orbitthread/dmsync/internal/analysis/moderation"
	"github.com/orbitthread/dmsync/internal/logging"
	"github.com/orbitthread/dmsync/internal/metrics"
	"github.com/orbitthread/dmsync/internal/model/dm"
)

// DefaultErrorTTL is how long a send error stays visible.
const DefaultErrorTTL = 3 * time.Second

// Sender submits messages to the backend.
type Sender interface {
	CurrentActor(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, conversationID, content string) (dm.Message, error)
}

// Sink receives the provisional message before the network call.
type Sink interface {
	AddProvisional(msg dm.Message) bool
}

// Discarder is implemented by sinks that can drop a provisional message again.
type Discarder interface {
	Discard(tempID string) bool
}

// Options tunes a composer. A negative ErrorTTL keeps errors until the next send; a
// zero RatePerMinute disables rate limiting.
type Options struct {
	ErrorTTL      time.Duration
	RatePerMinute float64
	Burst         int
	Rollback      bool
}

// Composer owns the sending flag and the transient error of the compose box.
type Composer struct {
	sender  Sender
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	sending int
	err     error
	errGen  uint64
	timer   *time.Timer
}

// New creates a composer. logger and m may be nil.
func New(sender Sender, logger *zap.Logger, m *metrics.Metrics, opts Options) *Composer {
	if opts.ErrorTTL == 0 {
		opts.ErrorTTL = DefaultErrorTTL
	}
	c := &Composer{
		sender:  sender,
		log:     logging.OrNop(logger).Named("compose"),
		metrics: m,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if opts.RatePerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerMinute/60), burst)
	}
	return c
}

// Send validates content, hands a provisional copy to sink and submits it. Content
// that is empty after trimming is ignored without error. sink may be nil.
func (c *Composer) Send(ctx context.Context, conversationID, content string, sink Sink) (dm.Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return dm.Message{}, nil
	}
	c.clearErr()

	if moderation.Contains(trimmed) {
		return dm.Message{}, c.reject(dm.ErrInappropriate)
	}
	if utf8.RuneCountInString(trimmed) > dm.MaxContentLength {
		return dm.Message{}, c.reject(dm.ErrContentTooLong)
	}
	actor, err := c.sender.CurrentActor(ctx)
	switch {
	case err != nil && dm.KindOf(err) != dm.KindUnauthenticated:
		c.metrics.Send(metrics.SendFailed)
		c.setErr(err)
		return dm.Message{}, err
	case err != nil || actor == "":
		return dm.Message{}, c.reject(dm.ErrNotAuthenticated)
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return dm.Message{}, c.reject(dm.ErrSendingTooQuickly)
	}

	provisional := dm.Message{
		ID:             c.tempID(),
		ConversationID: conversationID,
		SenderID:       actor,
		Content:        trimmed,
		CreatedAt:      c.now(),
		Sender:         dm.SelfProfile(actor),
		Provisional:    true,
	}
	placed := sink != nil && sink.AddProvisional(provisional)

	c.mu.Lock()
	c.sending++
	c.mu.Unlock()

	msg, err := c.sender.SendMessage(ctx, conversationID, trimmed)

	c.mu.Lock()
	c.sending--
	c.mu.Unlock()

	if err != nil {
		c.metrics.Send(metrics.SendFailed)
		c.setErr(err)
		c.log.Warn("send failed", zap.String("conversation_id", conversationID), zap.Error(err))
		if placed && c.opts.Rollback {
			if d, ok := sink.(Discarder); ok {
				d.Discard(provisional.ID)
			}
		}
		return dm.Message{}, err
	}

	c.metrics.Send(metrics.SendOK)
	return msg, nil
}

// Sending reports whether a submission is in flight.
func (c *Composer) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending > 0
}

// Err returns the current transient error.
func (c *Composer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop cancels the pending error timer.
func (c *Composer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Composer) reject(err error) error {
	c.metrics.Send(metrics.SendRejected)
	c.setErr(err)
	return err
}

func (c *Composer) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errGen++
	gen := c.errGen
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.opts.ErrorTTL < 0 {
		return
	}
	c.timer = time.AfterFunc(c.opts.ErrorTTL, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.errGen == gen {
			c.err = nil
			c.timer = nil
		}
	})
}

func (c *Composer) clearErr() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errGen++
	c.err = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// tempID mints temp-<unix ms>-<8 hex chars>.
func (c *Composer) tempID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d-%s", dm.TempIDPrefix, c.now().UnixMilli(), suffix)
}
