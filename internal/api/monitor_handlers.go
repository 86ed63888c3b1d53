package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/monitor"
)

// timeframe reads the "window" query parameter (a Go duration, "0" for all time).
func (s *Server) timeframe(r *http.Request) (models.Timeframe, error) {
	window := s.opts.ReportWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return models.Timeframe{}, fmt.Errorf("%w: invalid window %q", models.ErrInvalidInput, raw)
		}
		window = d
	}
	return models.Since(s.now(), window), nil
}

func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := requireRole(r, models.RoleAdmin, models.RoleSupervisor); err != nil {
		writeError(w, "Server.reportHandler", err)
		return
	}
	tf, err := s.timeframe(r)
	if err != nil {
		writeError(w, "Server.reportHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Monitor.GetPerformanceReport(tf)))
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	c, err := requireRole(r, models.RoleAdmin, models.RoleSupervisor)
	if err != nil {
		writeError(w, "Server.auditHandler", err)
		return
	}
	tf, err := s.timeframe(r)
	if err != nil {
		writeError(w, "Server.auditHandler", err)
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = monitor.FormatJSON
	}
	data, err := s.deps.Monitor.ExportAuditTrail(format, tf)
	if err != nil {
		writeError(w, "Server.auditHandler", err)
		return
	}
	slog.Info("Server.auditHandler: audit trail exported", "format", format, "by", c.ID, "bytes", len(data))

	if format == monitor.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="escalation-audit.csv"`)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.auditHandler: failed to write export", "error", err)
	}
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := requireRole(r, models.RoleAdmin, models.RoleSupervisor); err != nil {
		writeError(w, "Server.alertsHandler", err)
		return
	}
	unresolved := false
	if raw := r.URL.Query().Get("unresolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, "Server.alertsHandler", fmt.Errorf("%w: invalid unresolved flag %q", models.ErrInvalidInput, raw))
			return
		}
		unresolved = v
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Monitor.Alerts(unresolved)))
}

type resolveAlertRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) resolveAlertHandler(w http.ResponseWriter, r *http.Request) {
	c, err := requireRole(r, models.RoleAdmin, models.RoleSupervisor)
	if err != nil {
		writeError(w, "Server.resolveAlertHandler", err)
		return
	}
	var req resolveAlertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.resolveAlertHandler", err)
		return
	}
	alert, err := s.deps.Monitor.ResolveAlert(r.PathValue("id"), req.Notes)
	if err != nil {
		writeError(w, "Server.resolveAlertHandler", err)
		return
	}
	slog.Info("Server.resolveAlertHandler: alert resolved", "alertID", alert.ID, "by", c.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Alert resolved", alert))
}

// notificationsHandler lists the delivery state of every recipient of one escalation.
func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := requireRole(r, models.RoleAdmin, models.RoleSupervisor); err != nil {
		writeError(w, "Server.notificationsHandler", err)
		return
	}
	if s.deps.Notifications == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("notification queue disabled"))
		return
	}
	id := r.PathValue("id")
	list, err := s.deps.Notifications.NotificationsForEscalation(id)
	if err != nil {
		writeError(w, "Server.notificationsHandler", err)
		return
	}
	if len(list) == 0 {
		writeError(w, "Server.notificationsHandler", fmt.Errorf("escalation %s has no notifications: %w", id, models.ErrNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}
