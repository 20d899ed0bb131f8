// Package stream pushes inbox and thread snapshots over Server-Sent Events.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/handler/view"
	"github.com/orbitthread/dmsync/internal/logging"
	"github.com/orbitthread/dmsync/internal/service/inbox"
	"github.com/orbitthread/dmsync/internal/service/thread"
	"github.com/orbitthread/dmsync/pkg/utils"
)

// DefaultHeartbeat is the keep-alive interval used when none is configured.
const DefaultHeartbeat = 15 * time.Second

// SSE event names.
const (
	EventSnapshot = "snapshot"
	EventClosed   = "closed"
)

// Handler manages the SSE endpoints.
type Handler struct {
	base      context.Context
	inbox     *inbox.Inbox
	thread    *thread.Thread
	heartbeat time.Duration
	log       *zap.Logger
}

// New creates a stream handler. base bounds the thread subscriptions opened here.
func New(base context.Context, in *inbox.Inbox, th *thread.Thread, heartbeat time.Duration, logger *zap.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{
		base:      base,
		inbox:     in,
		thread:    th,
		heartbeat: heartbeat,
		log:       logging.OrNop(logger).Named("sse"),
	}
}

// RegisterRoutes mounts the stream routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/conversations", h.handleInbox)
	r.Get("/stream/conversations/{conversationID}", h.handleThread)
}

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel := h.inbox.Updates()
	defer cancel()

	utils.SetupSSEHeaders(w)
	h.log.Debug("opening inbox stream")
	h.pump(r.Context(), w, flusher, updates, func() (any, bool) {
		return view.FromInbox(h.inbox.Snapshot()), true
	})
}

func (h *Handler) handleThread(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	updates, cancel := h.thread.Updates()
	defer cancel()

	if err := h.thread.Ensure(h.base, conversationID); err != nil {
		utils.RespondErr(w, err)
		return
	}

	utils.SetupSSEHeaders(w)
	h.log.Debug("opening thread stream", zap.String("conversation_id", conversationID))
	h.pump(r.Context(), w, flusher, updates, func() (any, bool) {
		s := h.thread.Snapshot()
		if s.ConversationID != conversationID {
			return map[string]string{"conversationId": conversationID}, false
		}
		return view.FromThread(s), true
	})
}

// pump writes a snapshot now and after every update until ctx ends, the update
// channel closes, or render reports the target is gone.
func (h *Handler) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, updates <-chan struct{}, render func() (any, bool)) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	emit := func() bool {
		payload, current := render()
		event := EventSnapshot
		if !current {
			event = EventClosed
		}
		if err := utils.SendSSEEvent(w, flusher, event, payload); err != nil {
			h.log.Debug("sse write failed", zap.Error(err))
			return false
		}
		return current
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok || !emit() {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
