package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"productregistry/backend/internal/broadcast"
	"productregistry/backend/internal/pkg/logger"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleStreamProducts follows ids=a,b when given, otherwise the page that
// sku/page/size would return, otherwise every product.
func (s *Server) handleStreamProducts(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	var (
		sub *broadcast.Subscription
		err error
	)
	switch {
	case values.Get("ids") != "":
		sub, err = s.deps.Catalog.StreamByProductIDs(r.Context(), strings.Split(values.Get("ids"), ","))
	case values.Has("sku") || values.Has("page") || values.Has("size"):
		query, qerr := parseSearchQuery(r)
		if qerr != nil {
			writeDomainError(w, r, qerr)
			return
		}
		sub, _, err = s.deps.Catalog.StreamForSearch(r.Context(), query)
	default:
		sub, err = s.deps.Catalog.StreamByProductIDs(r.Context(), nil)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.serveStream(w, r, sub)
}

func (s *Server) handleStreamProduct(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Catalog.StreamByProductID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.serveStream(w, r, sub)
}

// serveStream writes every change as one SSE frame until the client leaves
// or the subscription closes.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, sub *broadcast.Subscription) {
	defer sub.Cancel()

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug("clear write deadline", zap.Error(err))
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warn("stream not flushable", zap.Error(err))
		return
	}

	log := logger.Named("stream").With(zap.String("subscription_id", sub.ID()))
	log.Debug("stream opened", zap.String("path", r.URL.Path))
	defer func() {
		log.Debug("stream closed", zap.Int64("dropped", sub.Dropped()))
	}()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case change, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				log.Error("encode change", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s:%d\nevent: %s\ndata: %s\n\n",
				change.ProductID, change.Version, change.EventType, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
