package errors

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func logf(r *http.Request, level, format string, args ...any) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		args = append([]any{requestID}, args...)
		log.Printf("["+level+"] RequestID=%s: "+format, args...)
		return
	}
	log.Printf("["+level+"] "+format, args...)
}

func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	// Log the actual error with request ID for debugging
	logf(r, "ERROR", "%s: %v", message, err)

	// Return generic error to client
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logf(r, "WARN", "bad request: %v", err)
	http.Error(w, clientMessage, http.StatusBadRequest)
}

// ConflictError reports a request that cannot run in the current state,
// such as a sync already holding the user's lock.
func ConflictError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logf(r, "INFO", "conflict: %v", err)
	http.Error(w, clientMessage, http.StatusConflict)
}

func NotFoundError(w http.ResponseWriter, r *http.Request, clientMessage string) {
	http.Error(w, clientMessage, http.StatusNotFound)
}

// WriteJSON encodes v with the given status. Encoding failures after the
// header is written can only be logged.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		LogError(r, "encode response", err)
	}
}

func LogError(r *http.Request, message string, err error) {
	logf(r, "ERROR", "%s: %v", message, err)
}

func LogInfo(r *http.Request, message string) {
	logf(r, "INFO", "%s", message)
}
