package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/session"
)

// Headers carrying the caller's identity. Authentication happens in front of this service.
const (
	HeaderParticipantID   = "X-Participant-ID"
	HeaderParticipantRole = "X-Participant-Role"
	HeaderSessionToken    = "X-Session-Token"
)

const maxBodyBytes = 64 << 10

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionEnded),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrSeekerExists),
		errors.Is(err, models.ErrAlreadyLogged):
		return http.StatusConflict
	case errors.Is(err, models.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrDeliveryFailure), errors.Is(err, models.ErrNotificationFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err under op and writes the mapped error response. Internal failures are
// not echoed to the client.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusBadGateway {
		slog.Error(op+": request failed", "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
		return
	}
	slog.Warn(op+": request rejected", "status", status, "error", err)
	writeJSONResponse(w, status, models.Failure(err))
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body: %v", models.ErrInvalidInput, err)
	}
	return nil
}

// caller is the identity attached to a request.
type caller struct {
	ID   string
	Role models.Role
}

// identify reads the caller from headers, falling back to query parameters for browser
// WebSocket clients that cannot set headers. The reserved system actor is refused.
func identify(r *http.Request) (caller, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderParticipantID))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("participant_id"))
	}
	role := strings.TrimSpace(r.Header.Get(HeaderParticipantRole))
	if role == "" {
		role = strings.TrimSpace(r.URL.Query().Get("role"))
	}
	if id == "" {
		return caller{}, fmt.Errorf("%w: missing %s", models.ErrUnauthorized, HeaderParticipantID)
	}
	if id == session.SystemActor {
		return caller{}, fmt.Errorf("%w: reserved participant id", models.ErrForbidden)
	}
	c := caller{ID: id, Role: models.Role(role)}
	if c.Role != "" && c.Role != models.RoleAdmin && !c.Role.IsSessionRole() {
		return caller{}, fmt.Errorf("%w: unknown role %q", models.ErrInvalidInput, role)
	}
	return c, nil
}

// sessionToken reads the bearer session token from the header or the query string.
func sessionToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(HeaderSessionToken)); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
