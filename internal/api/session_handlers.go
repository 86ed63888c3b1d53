package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/router"
	"github.com/BTreeMap/CrisisRelay/internal/store"
	"github.com/BTreeMap/CrisisRelay/internal/util"
)

const endReasonRequested = "participant_request"

type createSessionRequest struct {
	Type     models.SessionType            `json:"type"`
	Metadata models.SessionRequestMetadata `json:"metadata"`
}

type createSessionResponse struct {
	Session models.CrisisSession `json:"session"`
	Token   string               `json:"token"`
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	c, err := identify(r)
	if err != nil {
		writeError(w, "Server.createSessionHandler", err)
		return
	}
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.createSessionHandler", err)
		return
	}
	if req.Metadata.OriginAddress == "" {
		req.Metadata.OriginAddress = remoteHost(r)
	}

	sess, err := s.deps.Sessions.CreateSession(r.Context(), c.ID, req.Type, req.Metadata)
	if err != nil {
		writeError(w, "Server.createSessionHandler", err)
		return
	}
	token := util.GenerateSessionToken()
	s.pool.RegisterToken(token, sess.ID)

	slog.Info("Server.createSessionHandler: session created", "sessionID", sess.ID, "type", sess.Type)
	writeJSONResponse(w, http.StatusCreated, models.Success(createSessionResponse{Session: sess, Token: token}))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	c, err := identify(r)
	if err != nil {
		writeError(w, "Server.getSessionHandler", err)
		return
	}
	id := r.PathValue("id")
	sess, err := s.deps.Sessions.GetSession(id, c.ID, c.Role)
	if err != nil {
		writeError(w, "Server.getSessionHandler", err)
		return
	}
	if sess == nil {
		// Non-members cannot tell a hidden session from a missing one.
		writeJSONResponse(w, http.StatusNotFound, models.Failure(fmt.Errorf("session %w", models.ErrNotFound)))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := requireRole(r, models.RoleAdmin, models.RoleSupervisor); err != nil {
		writeError(w, "Server.summaryHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Sessions.Summary()))
}

type addParticipantRequest struct {
	ParticipantID string      `json:"participant_id"`
	Role          models.Role `json:"role"`
}

func (s *Server) addParticipantHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token, err := s.requireToken(r, id)
	if err != nil {
		writeError(w, "Server.addParticipantHandler", err)
		return
	}
	var req addParticipantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.addParticipantHandler", err)
		return
	}
	if strings.TrimSpace(req.ParticipantID) == "" {
		writeError(w, "Server.addParticipantHandler", fmt.Errorf("%w: participant_id required", models.ErrInvalidInput))
		return
	}
	// The session token alone must not be enough to appoint whoever resolves an escalation.
	if req.Role == models.RoleSupervisor || req.Role == models.RoleEmergencyContact {
		if _, err := requireRole(r, models.RoleAdmin, models.RoleSupervisor); err != nil {
			writeError(w, "Server.addParticipantHandler", err)
			return
		}
	}
	added, err := s.deps.Sessions.AddParticipant(r.Context(), id, req.ParticipantID, req.Role)
	if err != nil {
		writeError(w, "Server.addParticipantHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"added": added,
		"token": token,
	}))
}

func (s *Server) removeParticipantHandler(w http.ResponseWriter, r *http.Request) {
	c, err := identify(r)
	if err != nil {
		writeError(w, "Server.removeParticipantHandler", err)
		return
	}
	id, pid := r.PathValue("id"), r.PathValue("pid")
	if c.ID != pid && c.Role != models.RoleAdmin {
		writeError(w, "Server.removeParticipantHandler", fmt.Errorf("%w: participants may only remove themselves", models.ErrForbidden))
		return
	}
	if err := s.deps.Sessions.RemoveParticipant(r.Context(), id, pid); err != nil {
		writeError(w, "Server.removeParticipantHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Participant removed", nil))
}

type messageRequest struct {
	Content         string             `json:"content"`
	Type            models.MessageType `json:"type,omitempty"`
	ClientMessageID string             `json:"client_message_id,omitempty"`
}

type messageResponse struct {
	Outcome  models.MessageOutcome `json:"outcome"`
	Delivery *router.SendResult    `json:"delivery,omitempty"`
}

// messageHandler assesses and records a participant message, then fans it out. The sender
// is acknowledged once the session accepted the message; per-connection delivery failures
// are reported in the body and never fail the request.
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	c, err := identify(r)
	if err != nil {
		writeError(w, "Server.messageHandler", err)
		return
	}
	id := r.PathValue("id")
	token, err := s.requireToken(r, id)
	if err != nil {
		writeError(w, "Server.messageHandler", err)
		return
	}
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.messageHandler", err)
		return
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}

	if prior, ok := s.priorReceipt(id, req.ClientMessageID); ok {
		slog.Info("Server.messageHandler: duplicate message ignored", "sessionID", id, "clientMessageID", req.ClientMessageID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Duplicate message ignored", duplicateResponse{
			Duplicate: true,
			MessageID: prior.MessageID,
		}))
		return
	}

	outcome, err := s.deps.Sessions.ProcessMessage(r.Context(), id, c.ID, req.Content, req.Type)
	if err != nil {
		writeError(w, "Server.messageHandler", err)
		return
	}

	resp := messageResponse{Outcome: outcome}
	sendReq := router.SendRequest{
		Token:      token,
		Content:    req.Content,
		SenderRole: s.roleOf(id, c.ID),
		Severity:   outcome.RiskScore / 10,
		Emergency:  outcome.Severity == models.SeverityCritical,
	}
	delivery, err := s.deps.Router.SendMessage(r.Context(), sendReq)
	if err != nil {
		slog.Error("Server.messageHandler: routing failed", "sessionID", id, "error", err)
	} else {
		resp.Delivery = &delivery
	}
	s.saveReceipt(id, c.ID, req.ClientMessageID, resp.Delivery)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(resp))
}

type duplicateResponse struct {
	Duplicate bool   `json:"duplicate"`
	MessageID string `json:"message_id,omitempty"`
}

// priorReceipt reports whether clientID was already accepted for the session. Lookup
// failures are logged and treated as unseen so a message is never silently dropped.
func (s *Server) priorReceipt(sessionID, clientID string) (store.MessageReceipt, bool) {
	if clientID == "" || s.deps.Receipts == nil {
		return store.MessageReceipt{}, false
	}
	prior, err := s.deps.Receipts.LookupReceipt(sessionID, clientID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("Server.priorReceipt: lookup failed, processing anyway", "sessionID", sessionID, "error", err)
		}
		return store.MessageReceipt{}, false
	}
	return prior, true
}

// saveReceipt records an accepted message. It runs only after processing succeeded, so a
// failed submission can be retried with the same client id.
func (s *Server) saveReceipt(sessionID, senderID, clientID string, delivery *router.SendResult) {
	if clientID == "" || s.deps.Receipts == nil {
		return
	}
	rec := store.MessageReceipt{
		SessionID:       sessionID,
		ClientMessageID: clientID,
		SenderID:        senderID,
		ReceivedAt:      s.now().UTC(),
	}
	if delivery != nil {
		rec.MessageID = delivery.MessageID
	}
	if _, err := s.deps.Receipts.SaveReceipt(rec); err != nil {
		slog.Warn("Server.saveReceipt: failed to record message receipt", "sessionID", sessionID, "error", err)
	}
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) escalateHandler(w http.ResponseWriter, r *http.Request) {
	c, err := identify(r)
	if err != nil {
		writeError(w, "Server.escalateHandler", err)
		return
	}
	var req escalateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.escalateHandler", err)
		return
	}
	id := r.PathValue("id")
	result, err := s.deps.Sessions.EscalateToEmergency(r.Context(), id, req.Reason, c.ID)
	if err != nil {
		writeError(w, "Server.escalateHandler", err)
		return
	}
	slog.Info("Server.escalateHandler: session escalated", "sessionID", id, "by", c.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session escalated", result))
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	c, err := identify(r)
	if err != nil {
		writeError(w, "Server.resolveHandler", err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.resolveHandler", err)
		return
	}
	sess, err := s.deps.Sessions.ResolveEscalation(r.Context(), r.PathValue("id"), c.ID, c.Role, req.Notes)
	if err != nil {
		writeError(w, "Server.resolveHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Escalation resolved", sess))
}

type transferRequest struct {
	ToResponderID string `json:"to_responder_id"`
}

func (s *Server) transferHandler(w http.ResponseWriter, r *http.Request) {
	c, err := identify(r)
	if err != nil {
		writeError(w, "Server.transferHandler", err)
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.transferHandler", err)
		return
	}
	sess, err := s.deps.Sessions.TransferSession(r.Context(), r.PathValue("id"), c.ID, req.ToResponderID)
	if err != nil {
		writeError(w, "Server.transferHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session transferred", sess))
}

func (s *Server) preserveHandler(w http.ResponseWriter, r *http.Request) {
	c, err := identify(r)
	if err != nil {
		writeError(w, "Server.preserveHandler", err)
		return
	}
	if err := s.deps.Sessions.PreserveEvidence(r.Context(), r.PathValue("id"), c.ID, c.Role); err != nil {
		writeError(w, "Server.preserveHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Evidence preservation enabled", nil))
}

type endRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) endHandler(w http.ResponseWriter, r *http.Request) {
	c, err := identify(r)
	if err != nil {
		writeError(w, "Server.endHandler", err)
		return
	}
	var req endRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.endHandler", err)
		return
	}
	if req.Reason == "" {
		req.Reason = endReasonRequested
	}
	sess, err := s.deps.Sessions.EndSession(r.Context(), r.PathValue("id"), c.ID, req.Reason)
	if err != nil {
		writeError(w, "Server.endHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session ended", sess))
}

// requireToken checks that the request's session token belongs to sessionID.
func (s *Server) requireToken(r *http.Request, sessionID string) (string, error) {
	token := sessionToken(r)
	if token == "" {
		return "", fmt.Errorf("%w: missing session token", models.ErrUnauthorized)
	}
	if sid, ok := s.pool.SessionForToken(token); !ok || sid != sessionID {
		return "", fmt.Errorf("%w: session token does not match", models.ErrUnauthorized)
	}
	return token, nil
}

// requireRole identifies the caller and checks they hold one of roles.
func requireRole(r *http.Request, roles ...models.Role) (caller, error) {
	c, err := identify(r)
	if err != nil {
		return caller{}, err
	}
	for _, role := range roles {
		if c.Role == role {
			return c, nil
		}
	}
	return caller{}, fmt.Errorf("%w: role %q not permitted", models.ErrForbidden, c.Role)
}

func (s *Server) roleOf(sessionID, participantID string) models.Role {
	sess, err := s.deps.Sessions.GetSession(sessionID, participantID, "")
	if err != nil || sess == nil {
		return ""
	}
	if p, ok := sess.Participant(participantID); ok {
		return p.Role
	}
	return ""
}

func remoteHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
