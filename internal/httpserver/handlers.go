package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	productdomain "productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/pkg/logger"
	"productregistry/backend/internal/usecase/catalog"
	productusecase "productregistry/backend/internal/usecase/product"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withLogging)
	r.Use(withCORS(s.allowedOrigins))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Get("/health/outbox", s.handleOutboxHealth)

	r.Route("/products", func(r chi.Router) {
		r.Get("/", s.handleSearchProducts)
		r.Get("/count", s.handleCountProducts)
		r.Get("/stream", s.handleStreamProducts)
		r.Get("/{id}", s.handleGetProduct)
		r.Get("/{id}/stream", s.handleStreamProduct)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/", s.handleRegisterProduct)
			r.Put("/{id}/name", s.handleUpdateName)
			r.Put("/{id}/description", s.handleUpdateDescription)
			r.Post("/{id}/retire", s.handleRetire)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(requireAdmin)
		r.Post("/outbox/{id}/requeue", s.handleRequeueOutbox)
		r.Post("/projections/rebuild", s.handleRebuildProjections)
	})
}

type registerRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SKU         string `json:"sku"`
}

type updateNameRequest struct {
	Name string `json:"name"`
}

type updateDescriptionRequest struct {
	Description string `json:"description"`
}

type commandResponse struct {
	ID      productdomain.ID `json:"id"`
	Version int64            `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOutboxHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Outbox.Stats(r.Context())
	if err != nil {
		writeDomainError(w, r, productdomain.StorageFault("outbox stats", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRegisterProduct(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.dispatch(w, r, http.StatusCreated, productusecase.RegisterCommand{
		Name:        req.Name,
		Description: req.Description,
		SKU:         req.SKU,
	})
}

func (s *Server) handleUpdateName(w http.ResponseWriter, r *http.Request) {
	var req updateNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.dispatch(w, r, http.StatusOK, productusecase.UpdateNameCommand{
		ID:   chi.URLParam(r, "id"),
		Name: req.Name,
	})
}

func (s *Server) handleUpdateDescription(w http.ResponseWriter, r *http.Request) {
	var req updateDescriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.dispatch(w, r, http.StatusOK, productusecase.UpdateDescriptionCommand{
		ID:          chi.URLParam(r, "id"),
		Description: req.Description,
	})
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, http.StatusOK, productusecase.RetireCommand{ID: chi.URLParam(r, "id")})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, status int, cmd productusecase.Command) {
	result, err := s.deps.Commands.Handle(r.Context(), cmd)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if claims, ok := claimsFromContext(r.Context()); ok {
		logger.Info("command accepted",
			zap.String("operator", claims.Operator()),
			zap.String("product_id", result.ID.String()),
			zap.Int64("version", result.Version),
		)
	}
	writeJSON(w, status, commandResponse{ID: result.ID, Version: result.Version})
}

func (s *Server) handleSearchProducts(w http.ResponseWriter, r *http.Request) {
	query, err := parseSearchQuery(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	result, err := s.deps.Catalog.Search(r.Context(), query)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCountProducts(w http.ResponseWriter, r *http.Request) {
	total, err := s.deps.Catalog.Count(r.Context(), strings.TrimSpace(r.URL.Query().Get("sku")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"total": total})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Catalog.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRequeueOutbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Outbox.Requeue(r.Context(), id, time.Now().UTC()); err != nil {
		writeDomainError(w, r, err)
		return
	}
	logger.Info("outbox entry requeued", zap.String("outbox_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "requeued"})
}

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	applied, err := s.deps.Projections.Rebuild(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body required")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request payload")
		}
		return false
	}
	return true
}

// parseSearchQuery reads sku, page and size; an absent sku selects the plain listing.
func parseSearchQuery(r *http.Request) (catalog.Query, error) {
	values := r.URL.Query()
	page, err := intParam(values.Get("page"), "page", 0)
	if err != nil {
		return nil, err
	}
	size, err := intParam(values.Get("size"), "size", catalog.DefaultPageSize)
	if err != nil {
		return nil, err
	}
	if pattern := strings.TrimSpace(values.Get("sku")); pattern != "" {
		return catalog.ListBySkuPatternQuery{Pattern: pattern, Page: page, Size: size}, nil
	}
	return catalog.ListQuery{Page: page, Size: size}, nil
}

func intParam(raw, field string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, productdomain.NewValidationError(field, "must be an integer")
	}
	return n, nil
}
