package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/handler/conversation"
	"github.com/orbitthread/dmsync/internal/handler/stream"
	middlewarePkg "github.com/orbitthread/dmsync/internal/middleware"
	"github.com/orbitthread/dmsync/internal/service/compose"
	dmsvc "github.com/orbitthread/dmsync/internal/service/dm"
	"github.com/orbitthread/dmsync/internal/service/inbox"
	"github.com/orbitthread/dmsync/internal/service/thread"
	"github.com/orbitthread/dmsync/pkg/utils"
)

// Deps are the services behind the routes.
type Deps struct {
	// Base bounds subscriptions opened on behalf of requests.
	Base      context.Context
	Service   *dmsvc.Service
	Inbox     *inbox.Inbox
	Thread    *thread.Thread
	Composer  *compose.Composer
	Gatherer  prometheus.Gatherer
	Heartbeat time.Duration
	Logger    *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	conversationHandler := conversation.New(d.Base, d.Service, d.Inbox, d.Thread, d.Composer, d.Logger)
	streamHandler := stream.New(d.Base, d.Inbox, d.Thread, d.Heartbeat, d.Logger)

	r.Route("/api", func(api chi.Router) {
		conversationHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := d.Service.CurrentActor(r.Context()); err != nil {
			utils.RespondErr(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
