package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	productdomain "productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/pkg/logger"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps an error kind to its status code.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *productdomain.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Error(), Field: validation.Field})
	case errors.Is(err, productdomain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, productdomain.ErrIllegalStateTransition),
		errors.Is(err, productdomain.ErrConcurrencyConflict),
		errors.Is(err, productdomain.ErrDuplicateSKU),
		errors.Is(err, productdomain.ErrAlreadyPublished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, productdomain.ErrStorageFault):
		logger.Error("storage fault", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		logger.Error("unhandled error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
