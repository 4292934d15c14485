package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/codes"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[handlers] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeServiceError maps billing error kinds to HTTP statuses. Anything
// unclassified is logged and answered with 500.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, codes.ErrGenerationExhausted) {
		log.Printf("[handlers] %s: %v", op, err)
		writeError(w, http.StatusServiceUnavailable, "code_generation_exhausted", "could not allocate a family code, please retry")
		return
	}

	be, ok := billing.AsError(err)
	if !ok {
		log.Printf("[handlers] %s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(be.Kind, billing.ErrValidation), errors.Is(be.Kind, billing.ErrInvalidChildSelection):
		status = http.StatusBadRequest
	case errors.Is(be.Kind, billing.ErrNoMembership):
		status = http.StatusNotFound
	case errors.Is(be.Kind, billing.ErrNoPendingChange):
		status = http.StatusConflict
	case errors.Is(be.Kind, billing.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(be.Kind, billing.ErrQuoteUnavailable), errors.Is(be.Kind, billing.ErrProcessorUpdateFailed):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[handlers] %s: %v", op, err)
	}
	writeError(w, status, be.Code, be.Message)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, billing.CodeInvalidRequest, "invalid JSON payload")
		return false
	}
	return true
}
