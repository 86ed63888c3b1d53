package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/testutil"
)

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := newMessageQueue(10)
	for _, m := range []Message{
		{ID: "n1", Priority: PriorityNormal},
		{ID: "h1", Priority: PriorityHigh},
		{ID: "n2", Priority: PriorityNormal},
		{ID: "c1", Priority: PriorityCritical},
		{ID: "h2", Priority: PriorityHigh},
	} {
		if _, err := q.push(m); err != nil {
			t.Fatalf("push %s: %v", m.ID, err)
		}
	}
	want := []string{"c1", "h1", "h2", "n1", "n2"}
	got := q.drain()
	for i, m := range got {
		if m.ID != want[i] {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}
}

func TestQueue_OverflowNeverEvictsMoreUrgent(t *testing.T) {
	q := newMessageQueue(3)
	q.push(Message{ID: "c1", Priority: PriorityCritical})
	q.push(Message{ID: "n1", Priority: PriorityNormal})
	q.push(Message{ID: "n2", Priority: PriorityNormal})

	ev, err := q.push(Message{ID: "h1", Priority: PriorityHigh})
	if err != nil || ev == nil || ev.ID != "n1" {
		t.Fatalf("expected oldest normal evicted, got %+v %v", ev, err)
	}
	ev, err = q.push(Message{ID: "h2", Priority: PriorityHigh})
	if err != nil || ev == nil || ev.ID != "n2" {
		t.Fatalf("expected n2 evicted, got %+v %v", ev, err)
	}
	// Only critical and high remain; a normal message is rejected rather than displacing them.
	if _, err := q.push(Message{ID: "n3", Priority: PriorityNormal}); !errors.Is(err, models.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	got := ids(q.drain())
	want := []string{"c1", "h1", "h2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue = %v, want %v", got, want)
		}
	}
}

func TestQueue_RestoreGoesAheadOfNewerArrivals(t *testing.T) {
	q := newMessageQueue(4)
	q.push(Message{ID: "n3", Priority: PriorityNormal})
	q.push(Message{ID: "h2", Priority: PriorityHigh})

	lost := q.restore([]Message{
		{ID: "h1", Priority: PriorityHigh},
		{ID: "n1", Priority: PriorityNormal},
		{ID: "n2", Priority: PriorityNormal},
	})
	if len(lost) != 1 || lost[0].ID != "n3" {
		t.Fatalf("lost = %v, want [n3]", ids(lost))
	}
	got := ids(q.drain())
	want := []string{"h1", "h2", "n1", "n2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue = %v, want %v", got, want)
		}
	}
}

func ids(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestClassFor(t *testing.T) {
	if ClassFor(2, true) != PoolCritical || ClassFor(8, false) != PoolCritical || ClassFor(7, false) != PoolNormal {
		t.Error("unexpected class selection")
	}
}

func TestConnect_TokenMustMatchSession(t *testing.T) {
	p := NewPool()
	p.RegisterToken("tok_a", "cs_a")
	if _, err := p.Connect(context.Background(), ConnectRequest{SessionID: "cs_b", Token: "tok_a"}); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestConnect_ReuseUpgradesSeverity(t *testing.T) {
	clock := newTestClock()
	p := NewPool(WithPoolClock(clock.Now))
	ctx := context.Background()
	p.RegisterToken("tok_a", "cs_a")
	first, err := p.Connect(ctx, ConnectRequest{SessionID: "cs_a", Token: "tok_a", Severity: 3})
	if err != nil || first.Pooled {
		t.Fatalf("first connect: %+v %v", first, err)
	}
	if n := p.ReleaseSession("cs_a"); n != 1 {
		t.Fatalf("released %d, want 1", n)
	}
	if _, ok := p.SessionForToken("tok_a"); ok {
		t.Error("released session's token should be revoked")
	}

	clock.Advance(10 * time.Second)
	p.RegisterToken("tok_b", "cs_b")
	second, err := p.Connect(ctx, ConnectRequest{SessionID: "cs_b", Token: "tok_b", Severity: 7})
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !second.Pooled || second.ConnectionID != first.ConnectionID {
		t.Fatalf("expected reuse of %s, got %+v", first.ConnectionID, second)
	}
	info, _ := p.Connection(second.ConnectionID)
	if info.Severity != 7 || info.SessionID != "cs_b" {
		t.Errorf("severity=%d session=%s, want 7/cs_b", info.Severity, info.SessionID)
	}

	// Releasing keeps the raised severity, so a milder request allocates a fresh connection.
	p.ReleaseSession("cs_b")
	p.RegisterToken("tok_c", "cs_c")
	third, err := p.Connect(ctx, ConnectRequest{SessionID: "cs_c", Token: "tok_c", Severity: 3})
	if err != nil {
		t.Fatalf("third connect: %v", err)
	}
	if third.Pooled {
		t.Error("a severity 7 connection must not serve a severity 3 request")
	}
}

func TestRelease_DetachesSocketBeforeReuse(t *testing.T) {
	tr := newFakeTransport()
	p := NewPool(WithTransport(tr))
	rt := New(p, tr)
	ctx := context.Background()
	p.RegisterToken("tok_a", "cs_a")
	first, err := p.Connect(ctx, ConnectRequest{SessionID: "cs_a", Token: "tok_a", Severity: 3})
	if err != nil {
		t.Fatal(err)
	}
	p.ReleaseSession("cs_a")
	if len(tr.detached) != 1 || tr.detached[0] != first.ConnectionID {
		t.Fatalf("detached %v, want [%s]", tr.detached, first.ConnectionID)
	}

	p.RegisterToken("tok_b", "cs_b")
	second, err := p.Connect(ctx, ConnectRequest{SessionID: "cs_b", Token: "tok_b", Severity: 3})
	if err != nil || second.ConnectionID != first.ConnectionID {
		t.Fatalf("expected reuse of %s, got %+v %v", first.ConnectionID, second, err)
	}
	if len(tr.detached) != 1 {
		t.Errorf("reuse must not detach again, got %v", tr.detached)
	}
	if _, err := rt.SendMessage(ctx, SendRequest{Token: "tok_b", Content: "hi", Severity: 9}); err != nil {
		t.Fatal(err)
	}
	for _, env := range tr.envelopes(first.ConnectionID) {
		if env.SessionID != "cs_b" {
			t.Errorf("reused connection carried %s traffic", env.SessionID)
		}
	}

	// A release that finds nothing bound leaves the transport alone.
	p.Release(second.ConnectionID)
	p.Release(second.ConnectionID)
	if len(tr.detached) != 2 {
		t.Errorf("detached %v, want two entries", tr.detached)
	}
}

func TestConnect_IdleCeilingBlocksReuse(t *testing.T) {
	clock := newTestClock()
	p := NewPool(WithPoolClock(clock.Now), WithTargets(time.Minute, 100*time.Millisecond, time.Second))
	ctx := context.Background()
	p.RegisterToken("tok_a", "cs_a")
	first, _ := p.Connect(ctx, ConnectRequest{SessionID: "cs_a", Token: "tok_a", Severity: 2})
	p.ReleaseSession("cs_a")

	clock.Advance(2 * time.Minute)
	p.RegisterToken("tok_b", "cs_b")
	second, err := p.Connect(ctx, ConnectRequest{SessionID: "cs_b", Token: "tok_b", Severity: 2})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if second.Pooled || second.ConnectionID == first.ConnectionID {
		t.Error("connection idle past the ceiling must not be reused")
	}
}

func TestConnect_CapacityAndRoomMaking(t *testing.T) {
	clock := newTestClock()
	p := NewPool(WithPoolClock(clock.Now), WithCapacity(1, 1), WithTargets(time.Minute, 100*time.Millisecond, time.Second))
	ctx := context.Background()
	p.RegisterToken("tok_a", "cs_a")
	p.RegisterToken("tok_b", "cs_b")
	if _, err := p.Connect(ctx, ConnectRequest{SessionID: "cs_a", Token: "tok_a"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := p.Connect(ctx, ConnectRequest{SessionID: "cs_b", Token: "tok_b"}); !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	// An expired idle connection gives up its slot.
	p.ReleaseSession("cs_a")
	clock.Advance(5 * time.Minute)
	if _, err := p.Connect(ctx, ConnectRequest{SessionID: "cs_b", Token: "tok_b"}); err != nil {
		t.Fatalf("Connect after expiry: %v", err)
	}
}

type slowOpener struct{ clock *testutil.Clock }

func (o slowOpener) Open(context.Context, string) error {
	o.clock.Advance(time.Second)
	return nil
}

func TestConnect_SlowEstablishmentAlertsButSucceeds(t *testing.T) {
	clock := newTestClock()
	alerts := &recordingAlerter{}
	p := NewPool(WithPoolClock(clock.Now), WithOpener(slowOpener{clock}), WithAlerter(alerts),
		WithTargets(time.Minute, 100*time.Millisecond, 500*time.Millisecond))
	p.RegisterToken("tok_a", "cs_a")
	res, err := p.Connect(context.Background(), ConnectRequest{SessionID: "cs_a", Token: "tok_a", Emergency: true})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.Pool != PoolCritical || res.Latency != time.Second {
		t.Errorf("unexpected result %+v", res)
	}
	if alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1", alerts.count())
	}
}

func TestHeartbeatTouchAndCleanup(t *testing.T) {
	clock := newTestClock()
	p := NewPool(WithPoolClock(clock.Now), WithIntervals(15*time.Second, time.Minute))
	ids := connectN(t, p, "cs_a", "tok_a", 2)

	clock.Advance(20 * time.Second)
	p.Touch(ids[1])
	clock.Advance(15 * time.Second)
	if n := p.Heartbeat(); n != 1 {
		t.Fatalf("marked %d stale, want 1", n)
	}
	if info, _ := p.Connection(ids[0]); info.State != StateStale {
		t.Fatalf("state = %s, want stale", info.State)
	}

	// Touch revives a stale connection.
	p.Touch(ids[0])
	if info, _ := p.Connection(ids[0]); info.State != StateAlive {
		t.Fatalf("state = %s, want alive", info.State)
	}

	clock.Advance(time.Minute)
	p.Heartbeat()
	if removed := p.Cleanup(); len(removed) != 0 {
		t.Fatalf("connections stale for less than the cleanup interval were removed: %v", removed)
	}
	clock.Advance(2 * time.Minute)
	removed := p.Cleanup()
	if len(removed) != 2 {
		t.Fatalf("removed %d, want 2", len(removed))
	}
	if _, ok := p.Connection(ids[0]); ok {
		t.Error("removed connection still present")
	}
	if got := p.liveConnections("cs_a"); len(got) != 0 {
		t.Errorf("session mapping not unlinked: %v", got)
	}
}

func TestOptimizePool(t *testing.T) {
	p := NewPool(WithTargets(time.Minute, 100*time.Millisecond, time.Second))
	ids := connectN(t, p, "cs_a", "tok_a", 2)
	for i := 0; i < 5; i++ {
		p.recordDelivery(ids[0], 50*time.Millisecond, true)
		p.recordDelivery(ids[1], 300*time.Millisecond, true)
	}
	evicted := p.OptimizePool()
	if len(evicted) != 1 || evicted[0] != ids[1] {
		t.Fatalf("evicted %v, want [%s]", evicted, ids[1])
	}
	for _, st := range p.Stats() {
		if st.Name == PoolNormal && (st.Size != 1 || st.Score != 100) {
			t.Errorf("unexpected normal stats %+v", st)
		}
	}

	for i := 0; i < latencySamples; i++ {
		p.recordDelivery(ids[0], 150*time.Millisecond, true)
	}
	p.OptimizePool()
	for _, st := range p.Stats() {
		if st.Name == PoolNormal && (st.Score >= 100 || st.Score <= 0) {
			t.Errorf("score = %f, want between 0 and 100", st.Score)
		}
	}
}
