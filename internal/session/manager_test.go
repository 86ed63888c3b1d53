package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/events"
	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/store"
	"github.com/BTreeMap/CrisisRelay/internal/testutil"
)

type fakeEscalator struct {
	mu   sync.Mutex
	reqs []models.EscalationRequest
	err  error
}

func (f *fakeEscalator) Escalate(_ context.Context, req models.EscalationRequest) (models.EscalationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return models.EscalationResult{}, f.err
	}
	return models.EscalationResult{ID: fmt.Sprintf("esc-%d", len(f.reqs)), SessionID: req.SessionID, Level: req.Level, Reason: req.Reason}, nil
}

func (f *fakeEscalator) requests() []models.EscalationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.EscalationRequest(nil), f.reqs...)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeEscalator, *testutil.Clock) {
	t.Helper()
	esc := &fakeEscalator{}
	clock := testutil.NewClock(time.Time{})
	base := []Option{WithEscalator(esc), WithClock(clock.Now), WithOriginSalt("salt")}
	return NewManager(append(base, opts...)...), esc, clock
}

func TestCreateSession_Anonymous(t *testing.T) {
	m, esc, _ := newTestManager(t)
	s, err := m.CreateSession(context.Background(), "seeker-1", models.SessionTypeAnonymous,
		models.SessionRequestMetadata{OriginAddress: "203.0.113.9", ReferralSource: "web"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(s.ID, "cs_") {
		t.Errorf("session id %q lacks prefix", s.ID)
	}
	if s.Status != models.StatusActive || s.Severity != models.SeverityLow {
		t.Errorf("status=%s severity=%s, want active/low", s.Status, s.Severity)
	}
	if len(s.Participants) != 1 {
		t.Fatalf("participants = %d, want 1", len(s.Participants))
	}
	p := s.Participants[0]
	if p.Role != models.RoleCrisisSeeker || !p.Anonymous || !p.Encrypted {
		t.Errorf("unexpected seeker %+v", p)
	}
	if s.Metadata.OriginHash == "" || strings.Contains(s.Metadata.OriginHash, "203.0.113.9") {
		t.Errorf("origin should be hashed, got %q", s.Metadata.OriginHash)
	}
	if len(esc.requests()) != 0 {
		t.Error("anonymous session should not escalate")
	}
}

func TestCreateSession_EmergencyEscalatesImmediately(t *testing.T) {
	m, esc, _ := newTestManager(t)
	s, err := m.CreateSession(context.Background(), "seeker-1", models.SessionTypeEmergency, models.SessionRequestMetadata{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Status != models.StatusEscalated || s.Severity != models.SeverityCritical {
		t.Errorf("status=%s severity=%s, want escalated/critical", s.Status, s.Severity)
	}
	if s.EmergencyEscalations != 1 {
		t.Errorf("escalations = %d, want 1", s.EmergencyEscalations)
	}
	if !s.HasRole(models.RoleEmergencyContact) {
		t.Error("expected an emergency contact participant")
	}
	reqs := esc.requests()
	if len(reqs) != 1 || reqs[0].Reason != models.ReasonSessionCreation || reqs[0].Level != models.LevelCritical {
		t.Errorf("unexpected escalation requests %+v", reqs)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.CreateSession(context.Background(), "x", models.SessionType("bogus"), models.SessionRequestMetadata{}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	s, err := m.CreateSession(context.Background(), "", "", models.SessionRequestMetadata{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Type != models.SessionTypeAnonymous || s.Participants[0].ID == "" {
		t.Errorf("defaults not applied: %+v", s)
	}
}

func TestCreateSession_Capacity(t *testing.T) {
	m, _, _ := newTestManager(t, WithLimits(2, 3))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.CreateSession(ctx, fmt.Sprintf("s%d", i), models.SessionTypeAnonymous, models.SessionRequestMetadata{}); err != nil {
			t.Fatalf("CreateSession %d: %v", i, err)
		}
	}
	if _, err := m.CreateSession(ctx, "s2", models.SessionTypeAnonymous, models.SessionRequestMetadata{}); !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestCreateSession_ConcurrentCapacityHolds(t *testing.T) {
	const limit = 1000
	m, _, _ := newTestManager(t, WithLimits(limit, 3))
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, rejected := 0, 0
	for i := 0; i < limit+200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateSession(context.Background(), fmt.Sprintf("seeker-%d", i), models.SessionTypeAnonymous, models.SessionRequestMetadata{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, models.ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != limit || rejected != 200 {
		t.Errorf("created=%d rejected=%d, want %d/200", created, rejected, limit)
	}
	if sum := m.Summary(); sum.Open != limit {
		t.Errorf("summary open = %d, want %d", sum.Open, limit)
	}
}

func TestAddParticipant(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})

	ok, err := m.AddParticipant(ctx, s.ID, "resp-1", models.RoleCrisisResponder)
	if err != nil || !ok {
		t.Fatalf("AddParticipant: ok=%v err=%v", ok, err)
	}
	ok, err = m.AddParticipant(ctx, s.ID, "resp-1", models.RoleCrisisResponder)
	if err != nil || !ok {
		t.Fatalf("re-adding should be idempotent: ok=%v err=%v", ok, err)
	}
	if _, err := m.AddParticipant(ctx, s.ID, "seeker-2", models.RoleCrisisSeeker); !errors.Is(err, models.ErrSeekerExists) {
		t.Errorf("expected ErrSeekerExists, got %v", err)
	}
	if _, err := m.AddParticipant(ctx, "missing", "x", models.RoleSupervisor); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	got, _ := m.GetSession(s.ID, "resp-1", models.RoleCrisisResponder)
	if got == nil || len(got.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", got)
	}
}

func TestProcessMessage_Authorization(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})

	if _, err := m.ProcessMessage(ctx, s.ID, "stranger", "hello", models.MessageTypeText); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := m.ProcessMessage(ctx, "nope", "seeker", "hello", models.MessageTypeText); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	out, err := m.ProcessMessage(ctx, s.ID, "seeker", "hello there", models.MessageTypeText)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if out.RiskLevel != models.RiskLow || out.Escalated {
		t.Errorf("unexpected outcome %+v", out)
	}
	got, _ := m.GetSession(s.ID, "seeker", models.RoleCrisisSeeker)
	if got.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", got.MessageCount)
	}
}

func TestProcessMessage_CriticalEscalatesOnce(t *testing.T) {
	m, esc, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})

	out, err := m.ProcessMessage(ctx, s.ID, "seeker", "I want to kill myself", models.MessageTypeText)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !out.Escalated || out.EscalationCause != models.ReasonCriticalMessage || out.RiskLevel != models.RiskCritical {
		t.Errorf("unexpected outcome %+v", out)
	}
	got, _ := m.GetSession(s.ID, "seeker", "")
	if got.Status != models.StatusEscalated || got.Severity != models.SeverityCritical {
		t.Errorf("status=%s severity=%s", got.Status, got.Severity)
	}
	contacts := 0
	for _, p := range got.Participants {
		if p.Role == models.RoleEmergencyContact {
			contacts++
		}
	}
	if contacts != 1 {
		t.Errorf("emergency contacts = %d, want 1", contacts)
	}

	// A second critical message escalates again but adds no second contact.
	if _, err := m.ProcessMessage(ctx, s.ID, "seeker", "I am suicidal", models.MessageTypeText); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	got, _ = m.GetSession(s.ID, "seeker", "")
	if got.EmergencyEscalations != 2 {
		t.Errorf("escalations = %d, want 2", got.EmergencyEscalations)
	}
	if len(got.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(got.Participants))
	}
	if n := len(esc.requests()); n != 2 {
		t.Errorf("engine calls = %d, want 2", n)
	}
}

func TestProcessMessage_AutoEscalationThreshold(t *testing.T) {
	m, esc, _ := newTestManager(t, WithLimits(10, 3))
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})

	for i := 0; i < 2; i++ {
		out, err := m.ProcessMessage(ctx, s.ID, "seeker", "I feel hopeless", models.MessageTypeText)
		if err != nil {
			t.Fatalf("ProcessMessage: %v", err)
		}
		if out.Escalated {
			t.Fatalf("message %d escalated before the threshold", i+1)
		}
		if out.RiskLevel != models.RiskHigh {
			t.Fatalf("risk = %s, want high", out.RiskLevel)
		}
	}
	out, err := m.ProcessMessage(ctx, s.ID, "seeker", "I feel hopeless", models.MessageTypeText)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !out.Escalated || out.EscalationCause != models.ReasonAutoEscalationThreshold {
		t.Fatalf("third high-risk message should auto-escalate, got %+v", out)
	}
	reqs := esc.requests()
	if len(reqs) != 1 || reqs[0].Level != models.LevelHigh {
		t.Fatalf("unexpected requests %+v", reqs)
	}

	// Already escalated: further high-risk messages do not re-trigger the threshold.
	out, _ = m.ProcessMessage(ctx, s.ID, "seeker", "still hopeless", models.MessageTypeText)
	if out.Escalated {
		t.Error("threshold should not re-fire while escalated")
	}
}

func TestProcessMessage_EngineFailureKeepsEscalatedState(t *testing.T) {
	m, esc, _ := newTestManager(t)
	esc.err = errors.New("engine down")
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})
	out, err := m.ProcessMessage(ctx, s.ID, "seeker", "I want to die", models.MessageTypeText)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !out.Escalated {
		t.Error("expected escalated outcome")
	}
	got, _ := m.GetSession(s.ID, "seeker", "")
	if got.Status != models.StatusEscalated {
		t.Errorf("status = %s, want escalated", got.Status)
	}
}

func TestProcessMessage_ConcurrentCountsAreExact(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})
	m.AddParticipant(ctx, s.ID, "resp", models.RoleCrisisResponder)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender := "seeker"
			if i%2 == 0 {
				sender = "resp"
			}
			if _, err := m.ProcessMessage(ctx, s.ID, sender, "checking in", models.MessageTypeText); err != nil {
				t.Errorf("ProcessMessage: %v", err)
			}
		}()
	}
	wg.Wait()
	got, _ := m.GetSession(s.ID, "seeker", "")
	if got.MessageCount != 200 {
		t.Errorf("message count = %d, want 200", got.MessageCount)
	}
}

func TestEscalateToEmergency_Authorization(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})

	if _, err := m.EscalateToEmergency(ctx, s.ID, "manual", "stranger"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	res, err := m.EscalateToEmergency(ctx, s.ID, "", "seeker")
	if err != nil {
		t.Fatalf("EscalateToEmergency: %v", err)
	}
	if res == nil || res.Reason != models.ReasonManual {
		t.Errorf("unexpected result %+v", res)
	}
	got, _ := m.GetSession(s.ID, "seeker", "")
	found := false
	for _, f := range got.RiskFlags {
		if f == FlagEmergencyPrefix+models.ReasonManual {
			found = true
		}
	}
	if !found {
		t.Errorf("missing escalation flag in %v", got.RiskFlags)
	}
}

func TestRemoveParticipant_LastEndsSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	bus := events.NewBus()
	var mu sync.Mutex
	var kinds []events.Kind
	bus.Subscribe(events.SessionEnded, func(e events.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})
	m.bus = bus

	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})
	if err := m.RemoveParticipant(ctx, s.ID, "seeker"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	got, err := m.GetSession(s.ID, "admin", models.RoleAdmin)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != models.StatusEnded || got.EndReason != EndReasonAllLeft || got.EndedAt == nil {
		t.Errorf("unexpected ended session %+v", got)
	}
	if _, err := m.ProcessMessage(ctx, s.ID, "seeker", "hi", models.MessageTypeText); !errors.Is(err, models.ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 {
		t.Errorf("session_ended events = %d, want 1", len(kinds))
	}
}

func TestEndSession_RequiresPermission(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})
	m.AddParticipant(ctx, s.ID, "sup", models.RoleSupervisor)

	if _, err := m.EndSession(ctx, s.ID, "seeker", "done"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("seeker should not end session, got %v", err)
	}
	clock.Advance(10 * time.Minute)
	ended, err := m.EndSession(ctx, s.ID, "sup", "resolved")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ended.Duration != 10*time.Minute || ended.EndReason != "resolved" {
		t.Errorf("duration=%s reason=%s", ended.Duration, ended.EndReason)
	}
	if _, err := m.EndSession(ctx, s.ID, SystemActor, "again"); !errors.Is(err, models.ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}
	if sum := m.Summary(); sum.Open != 0 || sum.ByStatus[models.StatusEnded] != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestGetSession_Visibility(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})

	if got, err := m.GetSession(s.ID, "outsider", models.RoleCrisisResponder); got != nil || err != nil {
		t.Errorf("outsider should see nothing, got %+v %v", got, err)
	}
	if got, err := m.GetSession("missing", "outsider", ""); got != nil || err != nil {
		t.Errorf("missing session should look identical to a hidden one, got %+v %v", got, err)
	}
	if _, err := m.GetSession("missing", "root", models.RoleAdmin); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("admin should get ErrNotFound, got %v", err)
	}
	got, _ := m.GetSession(s.ID, "seeker", "")
	got.Participants[0].ID = "mutated"
	again, _ := m.GetSession(s.ID, "seeker", "")
	if again == nil || again.Participants[0].ID != "seeker" {
		t.Error("GetSession must return a copy")
	}
}

func TestResolveAndTransfer(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})
	m.AddParticipant(ctx, s.ID, "sup", models.RoleSupervisor)

	if _, err := m.ResolveEscalation(ctx, s.ID, "sup", models.RoleSupervisor, "n/a"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("resolving an active session should fail, got %v", err)
	}
	if _, err := m.EscalateToEmergency(ctx, s.ID, models.ReasonManual, "sup"); err != nil {
		t.Fatalf("EscalateToEmergency: %v", err)
	}
	if _, err := m.ResolveEscalation(ctx, s.ID, "seeker", "", "x"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("seeker cannot resolve, got %v", err)
	}
	res, err := m.ResolveEscalation(ctx, s.ID, "sup", models.RoleSupervisor, "stable")
	if err != nil {
		t.Fatalf("ResolveEscalation: %v", err)
	}
	if res.Status != models.StatusResolved {
		t.Errorf("status = %s, want resolved", res.Status)
	}

	tr, err := m.TransferSession(ctx, s.ID, "sup", "resp-9")
	if err != nil {
		t.Fatalf("TransferSession: %v", err)
	}
	if tr.Status != models.StatusTransferred {
		t.Errorf("status = %s, want transferred", tr.Status)
	}
	if p, ok := tr.Participant("resp-9"); !ok || p.Role != models.RoleCrisisResponder {
		t.Errorf("transfer target not added: %+v", tr.Participants)
	}
}

func TestSweep(t *testing.T) {
	m, _, clock := newTestManager(t, WithRetention(4*time.Hour, 30*time.Minute, 5*time.Minute))
	ctx := context.Background()

	idle, _ := m.CreateSession(ctx, "a", models.SessionTypeAnonymous, models.SessionRequestMetadata{})
	kept, _ := m.CreateSession(ctx, "b", models.SessionTypeAnonymous, models.SessionRequestMetadata{})
	escalated, _ := m.CreateSession(ctx, "c", models.SessionTypeEmergency, models.SessionRequestMetadata{})
	preserved, _ := m.CreateSession(ctx, "d", models.SessionTypeAnonymous, models.SessionRequestMetadata{})
	if err := m.PreserveEvidence(ctx, preserved.ID, "root", models.RoleAdmin); err != nil {
		t.Fatalf("PreserveEvidence: %v", err)
	}

	clock.Advance(20 * time.Minute)
	m.ProcessMessage(ctx, kept.ID, "b", "still here", models.MessageTypeText)
	clock.Advance(15 * time.Minute)

	if n := m.Sweep(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if got, _ := m.GetSession(idle.ID, "root", models.RoleAdmin); got != nil {
		t.Error("idle session should be removed")
	}
	for _, id := range []string{kept.ID, escalated.ID, preserved.ID} {
		if got, _ := m.GetSession(id, "root", models.RoleAdmin); got == nil {
			t.Errorf("session %s should be kept", id)
		}
	}

	clock.Advance(5 * time.Hour)
	m.Sweep(ctx)
	if got, _ := m.GetSession(escalated.ID, "root", models.RoleAdmin); got == nil {
		t.Error("escalated session must survive the max-duration sweep")
	}
	if got, _ := m.GetSession(kept.ID, "root", models.RoleAdmin); got != nil {
		t.Error("session past max duration should be removed")
	}
}

func TestRestoreFromSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	m, _, _ := newTestManager(t, WithRepo(st))
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "seeker", models.SessionTypeAnonymous, models.SessionRequestMetadata{})
	m.ProcessMessage(ctx, s.ID, "seeker", "I feel so alone", models.MessageTypeText)

	restored, _, _ := newTestManager(t, WithRepo(st))
	n, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d sessions, want 1", n)
	}
	got, _ := restored.GetSession(s.ID, "seeker", "")
	if got == nil || got.MessageCount != 1 || got.Severity != models.SeverityMedium {
		t.Fatalf("unexpected restored session %+v", got)
	}
	if sum := restored.Summary(); sum.Open != 1 {
		t.Errorf("open = %d, want 1", sum.Open)
	}
}
