// Package conversation exposes conversations and messages over HTTP.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/handler/view"
	"github.com/orbitthread/dmsync/internal/logging"
	"github.com/orbitthread/dmsync/internal/service/compose"
	dmsvc "github.com/orbitthread/dmsync/internal/service/dm"
	"github.com/orbitthread/dmsync/internal/service/inbox"
	"github.com/orbitthread/dmsync/internal/service/thread"
	"github.com/orbitthread/dmsync/pkg/utils"
)

// Handler serves the conversation and message routes.
type Handler struct {
	base     context.Context
	svc      *dmsvc.Service
	inbox    *inbox.Inbox
	thread   *thread.Thread
	composer *compose.Composer
	log      *zap.Logger
}

// New creates a handler. base bounds the subscriptions opened on behalf of requests;
// they outlive the request that opened them.
func New(base context.Context, svc *dmsvc.Service, in *inbox.Inbox, th *thread.Thread, composer *compose.Composer, logger *zap.Logger) *Handler {
	return &Handler{
		base:     base,
		svc:      svc,
		inbox:    in,
		thread:   th,
		composer: composer,
		log:      logging.OrNop(logger).Named("http"),
	}
}

// RegisterRoutes mounts the routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations", h.handleResolve)
	r.Get("/conversations", h.handleListConversations)
	r.Post("/conversations/refresh", h.handleRefresh)
	r.Get("/conversations/{conversationID}/messages", h.handleListMessages)
	r.Post("/conversations/{conversationID}/messages", h.handleSend)
	r.Patch("/messages/{messageID}", h.handleEdit)
	r.Delete("/messages/{messageID}", h.handleDelete)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OtherUserID string `json:"otherUserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.ResolveConversation(r.Context(), payload.OtherUserID)
	if err != nil {
		utils.RespondErr(w, err)
		return
	}

	status := http.StatusOK
	if !res.Existing {
		status = http.StatusCreated
		if err := h.inbox.Refresh(r.Context()); err != nil {
			h.log.Warn("inbox refresh after create failed", zap.Error(err))
		}
	}
	utils.RespondJSON(w, status, res)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, view.FromInbox(h.inbox.Snapshot()))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.inbox.Refresh(r.Context()); err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, view.FromInbox(h.inbox.Snapshot()))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if err := h.thread.Ensure(h.base, conversationID); err != nil {
		utils.RespondErr(w, err)
		return
	}

	if r.URL.Query().Get("older") == "1" {
		if _, err := h.thread.LoadOlder(r.Context()); err != nil {
			if errors.Is(err, thread.ErrNotReady) {
				utils.RespondError(w, http.StatusConflict, err.Error())
				return
			}
			utils.RespondErr(w, err)
			return
		}
	}

	utils.RespondJSON(w, http.StatusOK, view.FromThread(h.thread.Snapshot()))
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The thread ignores provisionals for any other conversation.
	msg, err := h.composer.Send(r.Context(), conversationID, payload.Content, h.thread)
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	if msg.ID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.svc.EditMessage(r.Context(), chi.URLParam(r, "messageID"), payload.Content)
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.DeleteMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, msg)
}
