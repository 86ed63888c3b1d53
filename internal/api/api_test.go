package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/monitor"
	"github.com/BTreeMap/CrisisRelay/internal/router"
	"github.com/BTreeMap/CrisisRelay/internal/session"
	"github.com/BTreeMap/CrisisRelay/internal/store"
	"github.com/BTreeMap/CrisisRelay/internal/testutil"
	"github.com/BTreeMap/CrisisRelay/internal/transport"
)

type testEnv struct {
	srv     *Server
	mon     *monitor.Monitor
	sockets *transport.WebSocket
	pool    *router.Pool
	store   *store.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sockets := transport.NewWebSocket()
	pool := router.NewPool(router.WithTransport(sockets))
	rt := router.New(pool, sockets)
	mon := monitor.New()
	st := store.NewInMemoryStore()
	srv, err := NewServer(Deps{
		Sessions:      session.NewManager(),
		Router:        rt,
		Monitor:       mon,
		Sockets:       sockets,
		Receipts:      st,
		Notifications: st,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(sockets.CloseAll)
	return &testEnv{srv: srv, mon: mon, sockets: sockets, pool: pool, store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body interface{}) (int, testutil.Response) {
	t.Helper()
	req := testutil.NewJSONRequest(t, method, path, body, headers)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec.Code, testutil.DecodeResponse(t, rec)
}

func as(id string, role models.Role) map[string]string {
	h := map[string]string{HeaderParticipantID: id}
	if role != "" {
		h[HeaderParticipantRole] = string(role)
	}
	return h
}

func withToken(h map[string]string, token string) map[string]string {
	h[HeaderSessionToken] = token
	return h
}

func (e *testEnv) createSession(t *testing.T, seeker string) (models.CrisisSession, string) {
	t.Helper()
	code, res := e.do(t, http.MethodPost, "/sessions", as(seeker, ""), map[string]interface{}{"type": "anonymous"})
	if code != http.StatusCreated {
		t.Fatalf("create session: status %d (%s)", code, res.Message)
	}
	var out createSessionResponse
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.Token == "" {
		t.Fatal("expected a session token")
	}
	return out.Session, out.Token
}

func TestNewServerRequiresDeps(t *testing.T) {
	if _, err := NewServer(Deps{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}

func TestCreateAndGetSession(t *testing.T) {
	e := newTestEnv(t)
	sess, _ := e.createSession(t, "seeker-1")
	if sess.Status != models.StatusActive || len(sess.Participants) != 1 {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.Metadata.OriginHash == "" {
		t.Error("origin should be hashed from the remote address")
	}

	code, res := e.do(t, http.MethodGet, "/sessions/"+sess.ID, as("seeker-1", ""), nil)
	if code != http.StatusOK || res.Status != string(models.APIStatusOK) {
		t.Fatalf("participant get: %d %+v", code, res)
	}
	code, res = e.do(t, http.MethodGet, "/sessions/"+sess.ID, as("stranger", ""), nil)
	if code != http.StatusNotFound || res.Code != "not_found" {
		t.Errorf("stranger get: %d %q, want 404 not_found", code, res.Code)
	}
	if code, _ := e.do(t, http.MethodGet, "/sessions/missing", as("ops", models.RoleAdmin), nil); code != http.StatusNotFound {
		t.Errorf("admin get missing: %d, want 404", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/sessions/"+sess.ID, as("ops", models.RoleAdmin), nil); code != http.StatusOK {
		t.Errorf("admin get: %d, want 200", code)
	}
}

func TestCreateSessionRejectsBadCallers(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name    string
		headers map[string]string
		body    interface{}
		want    int
	}{
		{"no identity", nil, nil, http.StatusUnauthorized},
		{"system actor", as(session.SystemActor, ""), nil, http.StatusForbidden},
		{"unknown role", as("x", "wizard"), nil, http.StatusBadRequest},
		{"bad type", as("x", ""), map[string]string{"type": "nope"}, http.StatusBadRequest},
		{"unknown field", as("x", ""), map[string]string{"colour": "red"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := e.do(t, http.MethodPost, "/sessions", tt.headers, tt.body); code != tt.want {
				t.Errorf("status %d, want %d", code, tt.want)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/sessions/abc/end", nil)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status %d, want 405", rec.Code)
	}
}

func TestMessageRequiresMatchingToken(t *testing.T) {
	e := newTestEnv(t)
	sess, _ := e.createSession(t, "seeker-1")
	_, otherToken := e.createSession(t, "seeker-2")
	body := map[string]string{"content": "hello"}

	if code, _ := e.do(t, http.MethodPost, "/sessions/"+sess.ID+"/messages", as("seeker-1", ""), body); code != http.StatusUnauthorized {
		t.Errorf("missing token: %d, want 401", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/sessions/"+sess.ID+"/messages", withToken(as("seeker-1", ""), otherToken), body); code != http.StatusUnauthorized {
		t.Errorf("foreign token: %d, want 401", code)
	}
}

func TestMessageAcceptedAndDeduplicated(t *testing.T) {
	e := newTestEnv(t)
	sess, token := e.createSession(t, "seeker-1")
	path := "/sessions/" + sess.ID + "/messages"
	body := map[string]string{"content": "I feel hopeless", "client_message_id": "m-1"}

	code, res := e.do(t, http.MethodPost, path, withToken(as("seeker-1", ""), token), body)
	testutil.AssertHTTPStatus(t, http.StatusAccepted, code, "first submit")
	testutil.AssertAPIStatus(t, res, models.APIStatusAccepted)
	var out messageResponse
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.Outcome.RiskLevel != models.RiskHigh {
		t.Errorf("risk level = %s, want high", out.Outcome.RiskLevel)
	}

	code, res = e.do(t, http.MethodPost, path, withToken(as("seeker-1", ""), token), body)
	if code != http.StatusOK || !strings.Contains(res.Message, "Duplicate") {
		t.Errorf("duplicate submit: %d %+v", code, res)
	}
	if _, err := e.store.LookupReceipt(sess.ID, "m-1"); err != nil {
		t.Errorf("receipt not recorded: %v", err)
	}

	// Client ids are scoped to their session.
	other, otherToken := e.createSession(t, "seeker-2")
	code, _ = e.do(t, http.MethodPost, "/sessions/"+other.ID+"/messages", withToken(as("seeker-2", ""), otherToken), body)
	testutil.AssertHTTPStatus(t, http.StatusAccepted, code, "same client id in another session")

	// A non-participant holding the token is still refused by the session.
	if code, _ := e.do(t, http.MethodPost, path, withToken(as("stranger", ""), token), map[string]string{"content": "hi"}); code != http.StatusUnauthorized {
		t.Errorf("stranger submit: %d, want 401", code)
	}
}

func TestParticipantLifecycle(t *testing.T) {
	e := newTestEnv(t)
	sess, token := e.createSession(t, "seeker-1")
	base := "/sessions/" + sess.ID

	code, _ := e.do(t, http.MethodPost, base+"/participants", withToken(as("dispatcher", ""), token),
		map[string]string{"participant_id": "resp-1", "role": string(models.RoleCrisisResponder)})
	if code != http.StatusOK {
		t.Fatalf("add responder: %d", code)
	}
	code, res := e.do(t, http.MethodPost, base+"/participants", withToken(as("dispatcher", ""), token),
		map[string]string{"participant_id": "seeker-2", "role": string(models.RoleCrisisSeeker)})
	if code != http.StatusConflict || res.Code != "seeker_exists" {
		t.Errorf("second seeker: %d %q, want 409 seeker_exists", code, res.Code)
	}

	// Seekers cannot end the session; supervisors can.
	if code, _ := e.do(t, http.MethodPost, base+"/end", as("seeker-1", ""), nil); code != http.StatusForbidden {
		t.Errorf("seeker end: %d, want 403", code)
	}
	if code, _ := e.do(t, http.MethodDelete, base+"/participants/resp-1", as("seeker-1", ""), nil); code != http.StatusForbidden {
		t.Errorf("removing someone else: %d, want 403", code)
	}
	if code, _ := e.do(t, http.MethodDelete, base+"/participants/resp-1", as("resp-1", ""), nil); code != http.StatusOK {
		t.Errorf("self removal: %d, want 200", code)
	}
	if code, _ := e.do(t, http.MethodDelete, base+"/participants/seeker-1", as("seeker-1", ""), nil); code != http.StatusOK {
		t.Errorf("last participant leaves: %d, want 200", code)
	}
	code, res = e.do(t, http.MethodGet, base, as("ops", models.RoleAdmin), nil)
	if code != http.StatusOK {
		t.Fatalf("admin get: %d", code)
	}
	var got models.CrisisSession
	if err := json.Unmarshal(res.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusEnded {
		t.Errorf("status = %s, want ended", got.Status)
	}
}

func TestEscalateAndResolve(t *testing.T) {
	e := newTestEnv(t)
	sess, token := e.createSession(t, "seeker-1")
	base := "/sessions/" + sess.ID
	if code, _ := e.do(t, http.MethodPost, base+"/participants", withToken(as("dispatcher", models.RoleAdmin), token),
		map[string]string{"participant_id": "sup-1", "role": string(models.RoleSupervisor)}); code != http.StatusOK {
		t.Fatalf("admin adds supervisor: %d", code)
	}

	if code, _ := e.do(t, http.MethodPost, base+"/resolve", as("sup-1", ""), nil); code != http.StatusConflict {
		t.Errorf("resolve before escalation: %d, want 409", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/escalate", as("seeker-1", ""), map[string]string{"reason": "manual"}); code != http.StatusOK {
		t.Fatalf("seeker escalate: %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/escalate", as("stranger", ""), nil); code != http.StatusUnauthorized {
		t.Errorf("stranger escalate: %d, want 401", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/resolve", as("seeker-1", ""), nil); code != http.StatusForbidden {
		t.Errorf("seeker resolve: %d, want 403", code)
	}
	code, res := e.do(t, http.MethodPost, base+"/resolve", as("sup-1", ""), map[string]string{"notes": "safe"})
	if code != http.StatusOK {
		t.Fatalf("supervisor resolve: %d %+v", code, res)
	}
	var got models.CrisisSession
	if err := json.Unmarshal(res.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusResolved {
		t.Errorf("status = %s, want resolved", got.Status)
	}
}

func TestAddParticipantPrivilegedRolesNeedStaff(t *testing.T) {
	e := newTestEnv(t)
	sess, token := e.createSession(t, "seeker-1")
	base := "/sessions/" + sess.ID

	for _, role := range []models.Role{models.RoleSupervisor, models.RoleEmergencyContact} {
		code, _ := e.do(t, http.MethodPost, base+"/participants", withToken(as("seeker-1", models.RoleCrisisSeeker), token),
			map[string]string{"participant_id": "friend", "role": string(role)})
		if code != http.StatusForbidden {
			t.Errorf("seeker adds %s: %d, want 403", role, code)
		}
	}
	if code, _ := e.do(t, http.MethodPost, base+"/participants", withToken(as("seeker-1", ""), token),
		map[string]string{"participant_id": "resp-1", "role": string(models.RoleCrisisResponder)}); code != http.StatusOK {
		t.Errorf("seeker adds responder: %d, want 200", code)
	}

	// Without a supervisor of their own choosing, the seeker cannot close their escalation.
	if code, _ := e.do(t, http.MethodPost, base+"/escalate", as("seeker-1", ""), map[string]string{"reason": "manual"}); code != http.StatusOK {
		t.Fatalf("escalate: %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/resolve", as("friend", ""), nil); code == http.StatusOK {
		t.Error("a participant the seeker tried to appoint resolved the escalation")
	}

	if code, _ := e.do(t, http.MethodPost, base+"/participants", withToken(as("lead", models.RoleSupervisor), token),
		map[string]string{"participant_id": "sup-2", "role": string(models.RoleSupervisor)}); code != http.StatusOK {
		t.Errorf("supervisor adds supervisor: %d, want 200", code)
	}
}

func TestMonitorEndpoints(t *testing.T) {
	e := newTestEnv(t)
	alert := e.mon.CreateAlert(models.AlertPerformance, models.AlertHigh, "slow delivery", "")

	if code, _ := e.do(t, http.MethodGet, "/monitor/alerts", as("resp-1", models.RoleCrisisResponder), nil); code != http.StatusForbidden {
		t.Errorf("responder alerts: %d, want 403", code)
	}
	code, res := e.do(t, http.MethodGet, "/monitor/alerts?unresolved=true", as("ops", models.RoleAdmin), nil)
	if code != http.StatusOK {
		t.Fatalf("alerts: %d", code)
	}
	var alerts []models.SystemAlert
	if err := json.Unmarshal(res.Result, &alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].ID != alert.ID {
		t.Fatalf("alerts = %+v", alerts)
	}

	if code, _ := e.do(t, http.MethodPost, "/monitor/alerts/"+alert.ID+"/resolve", as("ops", models.RoleAdmin), map[string]string{"notes": "ok"}); code != http.StatusOK {
		t.Errorf("resolve alert: %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/monitor/alerts/nope/resolve", as("ops", models.RoleAdmin), nil); code != http.StatusNotFound {
		t.Errorf("resolve unknown alert: %d, want 404", code)
	}

	if code, _ := e.do(t, http.MethodGet, "/monitor/report?window=1h", as("sup", models.RoleSupervisor), nil); code != http.StatusOK {
		t.Errorf("report: %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/monitor/report?window=soon", as("sup", models.RoleSupervisor), nil); code != http.StatusBadRequest {
		t.Errorf("bad window: %d, want 400", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/monitor/audit?format=xml", as("ops", models.RoleAdmin), nil); code != http.StatusBadRequest {
		t.Errorf("bad format: %d, want 400", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/monitor/audit?format=csv", nil)
	req.Header.Set(HeaderParticipantID, "ops")
	req.Header.Set(HeaderParticipantRole, string(models.RoleAdmin))
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" {
		t.Errorf("csv export: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(rec.Body.String(), "id,session_id") {
		t.Errorf("csv export should start with the header row: %q", rec.Body.String())
	}
}

func TestEscalationNotificationsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	result := models.EscalationResult{ID: "esc-1", SessionID: "cs-1", Level: models.LevelCritical, Reason: "critical_message"}
	if _, _, err := e.store.EnqueueNotification(result, "sms:+15550100"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.store.EnqueueNotification(result, "log:oncall"); err != nil {
		t.Fatal(err)
	}

	if code, _ := e.do(t, http.MethodGet, "/monitor/escalations/esc-1/notifications", as("resp-1", models.RoleCrisisResponder), nil); code != http.StatusForbidden {
		t.Errorf("responder: %d, want 403", code)
	}
	code, res := e.do(t, http.MethodGet, "/monitor/escalations/esc-1/notifications", as("sup", models.RoleSupervisor), nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, code, "supervisor lookup")
	var got []store.Notification
	testutil.MustUnmarshalJSON(t, res.Result, &got)
	if len(got) != 2 || got[0].Recipient != "sms:+15550100" || got[0].Status != store.NotificationQueued {
		t.Errorf("notifications = %+v", got)
	}

	code, res = e.do(t, http.MethodGet, "/monitor/escalations/esc-404/notifications", as("ops", models.RoleAdmin), nil)
	if code != http.StatusNotFound || res.Code != "not_found" {
		t.Errorf("unknown escalation: %d %q, want 404 not_found", code, res.Code)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	e.createSession(t, "seeker-1")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["open_sessions"].(float64) != 1 {
		t.Errorf("open_sessions = %v", body["open_sessions"])
	}
}

func TestWebSocketReceivesCriticalMessage(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	sess, token := e.createSession(t, "seeker-1")
	e.do(t, http.MethodPost, "/sessions/"+sess.ID+"/participants", withToken(as("dispatcher", ""), token),
		map[string]string{"participant_id": "resp-1", "role": string(models.RoleCrisisResponder)})

	url := fmt.Sprintf("ws%s/ws?session_id=%s&token=%s&severity=3", strings.TrimPrefix(ts.URL, "http"), sess.ID, token)
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.sockets.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	code, res := e.do(t, http.MethodPost, "/sessions/"+sess.ID+"/messages", withToken(as("seeker-1", ""), token),
		map[string]string{"content": "I want to kill myself"})
	if code != http.StatusAccepted {
		t.Fatalf("submit: %d %+v", code, res)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env router.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Kind != router.KindMessage || env.Priority != router.PriorityCritical || env.SessionID != sess.ID {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestWebSocketReusedConnectionForgetsPreviousSocket(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	sessA, tokA := e.createSession(t, "seeker-1")
	url := fmt.Sprintf("ws%s/ws?session_id=%s&token=%s&severity=3", strings.TrimPrefix(ts.URL, "http"), sessA.ID, tokA)
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for e.sockets.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if n := e.pool.ReleaseSession(sessA.ID); n != 1 {
		t.Fatalf("released %d connections, want 1", n)
	}
	sessB, tokB := e.createSession(t, "seeker-2")
	res, err := e.pool.Connect(context.Background(), router.ConnectRequest{SessionID: sessB.ID, Token: tokB, Severity: 3})
	if err != nil || !res.Pooled {
		t.Fatalf("expected a pooled connection, got %+v %v", res, err)
	}

	// Session B has not attached a socket yet, so nothing can be reached.
	sent, err := e.srv.deps.Router.SendMessage(context.Background(), router.SendRequest{
		Token: tokB, Content: "session b only", SenderRole: models.RoleCrisisSeeker, Severity: 9,
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.ConnectionsReached != 0 {
		t.Errorf("reached %d connections before attach, want 0", sent.ConnectionsReached)
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	for {
		_, data, err := client.ReadMessage()
		if err != nil {
			break
		}
		if strings.Contains(string(data), "session b only") {
			t.Fatalf("previous session's socket received %s", data)
		}
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)
	sess, _ := e.createSession(t, "seeker-1")
	code, _ := e.do(t, http.MethodGet, "/ws?session_id="+sess.ID+"&token=forged", nil, nil)
	if code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrUnauthorized, http.StatusUnauthorized},
		{models.ErrForbidden, http.StatusForbidden},
		{models.ErrCapacityExceeded, http.StatusTooManyRequests},
		{models.ErrSessionEnded, http.StatusConflict},
		{models.ErrInvalidInput, http.StatusBadRequest},
		{models.ErrDeliveryFailure, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
