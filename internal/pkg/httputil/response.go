package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ignite/comm-dispatch/internal/pkg/logger"
)

// MaxBodyBytes caps webhook request bodies. SendGrid batches up to a few
// thousand events per post, which stays well under this.
const MaxBodyBytes = 5 << 20

// ErrorResponse is the body of every 4xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("JSON encode failed", "error", err)
	}
}

// OK writes a 200 with data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// BadRequest writes a 400. Providers retry on 5xx only, so malformed
// payloads answer 400 to stop redelivery.
func BadRequest(w http.ResponseWriter, message string) {
	JSON(w, http.StatusBadRequest, ErrorResponse{Error: message})
}

// Unauthorized writes a 401 for failed webhook signatures.
func Unauthorized(w http.ResponseWriter, message string) {
	JSON(w, http.StatusUnauthorized, ErrorResponse{Error: message})
}

// ReadBody reads at most MaxBodyBytes of the request body. It writes a 400
// and returns false when the body is unreadable, too large or empty.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		BadRequest(w, "failed to read body")
		return nil, false
	}
	if len(body) == 0 {
		BadRequest(w, "empty body")
		return nil, false
	}
	return body, true
}
