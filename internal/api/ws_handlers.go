package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/router"
)

// wsHandler binds a pooled connection to the session and upgrades the request onto it.
// Query: session_id, token, optional severity (0-10) and emergency.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sockets == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("websocket transport disabled"))
		return
	}
	q := r.URL.Query()
	req := router.ConnectRequest{
		SessionID: q.Get("session_id"),
		Token:     sessionToken(r),
	}
	if req.SessionID == "" || req.Token == "" {
		writeError(w, "Server.wsHandler", fmt.Errorf("%w: session_id and token required", models.ErrUnauthorized))
		return
	}
	if raw := q.Get("severity"); raw != "" {
		sev, err := strconv.Atoi(raw)
		if err != nil || sev < 0 || sev > 10 {
			writeError(w, "Server.wsHandler", fmt.Errorf("%w: severity must be 0-10", models.ErrInvalidInput))
			return
		}
		req.Severity = sev
	}
	if raw := q.Get("emergency"); raw != "" {
		req.Emergency, _ = strconv.ParseBool(raw)
	}

	res, err := s.pool.Connect(r.Context(), req)
	if err != nil {
		writeError(w, "Server.wsHandler", err)
		return
	}
	conn, err := s.deps.Sockets.Upgrade(w, r)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("Server.wsHandler: upgrade failed", "sessionID", req.SessionID, "error", err)
		if relErr := s.pool.Release(res.ConnectionID); relErr != nil {
			slog.Warn("Server.wsHandler: release after failed upgrade", "connID", res.ConnectionID, "error", relErr)
		}
		return
	}
	s.deps.Sockets.Attach(res.ConnectionID, conn)
	slog.Info("Server.wsHandler: connection attached", "sessionID", req.SessionID, "connID", res.ConnectionID,
		"pool", res.Pool, "pooled", res.Pooled, "latency", res.Latency)
}
