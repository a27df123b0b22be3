package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"momali/internal/domain/consent"
	"momali/internal/domain/ingest"
	"momali/internal/domain/notification"
	"momali/internal/domain/openbanking"
	"momali/internal/domain/syncjob"
	"momali/internal/shared/middleware"
)

const maxBodySize = 1 << 20 // 1 MiB

// retryAfterSeconds is sent with 503 responses for temporary failures.
const retryAfterSeconds = 30

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consent.ErrConsentNotFound),
		errors.Is(err, syncjob.ErrJobNotFound),
		errors.Is(err, ingest.ErrAccountNotFound):
		writeProblem(w, http.StatusNotFound, "not_found", "Resource not found")
	case errors.Is(err, openbanking.ErrInvalidScope),
		errors.Is(err, consent.ErrInvalidInput),
		errors.Is(err, notification.ErrInvalidDeviceType),
		errors.Is(err, notification.ErrInvalidToken):
		writeProblem(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, consent.ErrInvalidState):
		writeProblem(w, http.StatusBadRequest, "invalid_state", "Authorization state is invalid or expired")
	case errors.Is(err, openbanking.ErrInstitutionUnavailable):
		writeProblem(w, http.StatusUnprocessableEntity, "institution_unavailable", "Institution is not available")
	case errors.Is(err, openbanking.ErrReauthorizationRequired):
		writeProblem(w, http.StatusConflict, "reauthorization_required", "Consent must be authorised again")
	case errors.Is(err, openbanking.ErrInvalidTransition):
		writeProblem(w, http.StatusConflict, "invalid_transition", err.Error())
	case openbanking.IsTemporary(err):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeProblem(w, http.StatusServiceUnavailable, "temporary_failure", "Temporarily unavailable, try again later")
	default:
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeProblem(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

// requireUser returns the authenticated user or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
	}
	return userID, ok
}

// HandleHealth reports liveness.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
