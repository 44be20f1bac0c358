package dialgroup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"parallel-dialer/internal/numbers"
	"parallel-dialer/internal/telephony"
)

// fakeProvider records creations and terminations against a fake clock so
// stagger timing is observable without real sleeps.
type fakeProvider struct {
	mu           sync.Mutex
	created      []telephony.CreateCallRequest
	createdAt    []time.Time
	terminated   []string
	failAtLeg    int // 1-based position that fails creation; 0 = never
	terminateErr error

	clock *time.Time
}

func (f *fakeProvider) Name() string                          { return "fake" }
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeProvider) CreateCall(ctx context.Context, req telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAtLeg > 0 && len(f.created)+1 == f.failAtLeg {
		return telephony.CreateCallResult{}, errors.New("transport said no")
	}
	f.created = append(f.created, req)
	if f.clock != nil {
		f.createdAt = append(f.createdAt, *f.clock)
	}
	return telephony.CreateCallResult{ProviderCallID: fmt.Sprintf("CA%d", len(f.created))}, nil
}

func (f *fakeProvider) TerminateCall(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, providerCallID)
	return f.terminateErr
}

func (f *fakeProvider) terminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.terminated))
	copy(out, f.terminated)
	return out
}

type stubRecorder struct {
	mu       sync.Mutex
	recorded []*DialGroup
}

func (r *stubRecorder) RecordOutcome(ctx context.Context, g *DialGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, g)
	return nil
}

func newTestCoordinator(t *testing.T, opts Options) (*Coordinator, *MemoryStore, *fakeProvider) {
	t.Helper()
	store := NewMemoryStore()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	provider := &fakeProvider{clock: &clock}

	c := NewCoordinator(store, provider, numbers.NewPolicy(nil, 0), opts)
	store.Now = func() time.Time { return clock }
	c.Now = func() time.Time { return clock }
	c.Sleep = func(ctx context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}
	var n int
	c.NewID = func() string {
		n++
		return fmt.Sprintf("grp%d", n)
	}
	return c, store, provider
}

func initiateThree(t *testing.T, c *Coordinator) *DialGroup {
	t.Helper()
	g, err := c.InitiateGroup(context.Background(), InitiateRequest{
		CustomerNumbers:   []string{"+14155550001", "+14155550002", "+14155550003"},
		FromNumbers:       []string{"+14155550100", "+14155550101", "+14155550102"},
		QueueID:           "q7",
		UserID:            "u1",
		AnswerURL:         "https://dialer.example.com/webhooks/twilio/conference",
		StatusCallbackURL: "https://dialer.example.com/webhooks/twilio/status",
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	return g
}

func event(legID, status, amd string) telephony.StatusEvent {
	return telephony.StatusEvent{ProviderCallID: legID, Status: status, AMDResult: amd}
}

func TestInitiateGroup_CreatesStaggeredLegs(t *testing.T) {
	c, store, provider := newTestCoordinator(t, Options{Stagger: 500 * time.Millisecond})
	g := initiateThree(t, c)

	if g.GroupID != "grp1" {
		t.Fatalf("unexpected group id %q", g.GroupID)
	}
	if g.ConferenceName != "grp1_q7" {
		t.Fatalf("expected conference name grp1_q7, got %q", g.ConferenceName)
	}
	if g.Status != GroupStatusDialing || g.WinnerLegID != "" {
		t.Fatalf("expected dialing group without winner, got %+v", g)
	}
	if len(g.Legs) != 3 {
		t.Fatalf("expected 3 legs, got %d", len(g.Legs))
	}
	for i, leg := range g.Legs {
		if leg.Position != i+1 {
			t.Fatalf("leg %d has position %d", i, leg.Position)
		}
		if leg.Status != LegStatusDialing {
			t.Fatalf("leg %d not dialing: %q", i, leg.Status)
		}
	}

	if len(provider.created) != 3 {
		t.Fatalf("expected 3 creations, got %d", len(provider.created))
	}
	for i, req := range provider.created {
		if !req.MachineDetection {
			t.Fatalf("leg %d created without AMD", i+1)
		}
	}
	// Leg i+1 is issued no earlier than the stagger after leg i.
	for i := 1; i < len(provider.createdAt); i++ {
		gap := provider.createdAt[i].Sub(provider.createdAt[i-1])
		if gap < 500*time.Millisecond {
			t.Fatalf("leg %d issued %v after leg %d; want >= 500ms", i+1, gap, i)
		}
	}

	// Reverse mappings registered with the group TTL.
	for _, leg := range g.Legs {
		gid, err := store.GetCallMapping(context.Background(), leg.LegID)
		if err != nil || gid != "grp1" {
			t.Fatalf("mapping for %s = %q, %v", leg.LegID, gid, err)
		}
	}
}

func TestInitiateGroup_ValidatesInput(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Options{})

	_, err := c.InitiateGroup(context.Background(), InitiateRequest{QueueID: "q"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty numbers, got %v", err)
	}

	_, err = c.InitiateGroup(context.Background(), InitiateRequest{
		CustomerNumbers: []string{"+14155550001", "+14155550002"},
		FromNumbers:     []string{"+14155550100"},
		QueueID:         "q",
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for mismatched lists, got %v", err)
	}
}

func TestInitiateGroup_SelectsCallerIDFromPool(t *testing.T) {
	c, _, provider := newTestCoordinator(t, Options{})

	g, err := c.InitiateGroup(context.Background(), InitiateRequest{
		CustomerNumbers: []string{"+14155550001"},
		Pool: &numbers.Pool{Numbers: []numbers.PhoneNumber{
			{Number: "+12125550100", AreaCode: "212", Active: true, Primary: true},
			{Number: "+14155550100", AreaCode: "415", Active: true},
		}},
		QueueID:           "q7",
		AnswerURL:         "https://x.example/conference",
		StatusCallbackURL: "https://x.example/status",
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if g.Legs[0].FromNumber != "+14155550100" {
		t.Fatalf("expected local 415 caller-id, got %q", g.Legs[0].FromNumber)
	}
	if provider.created[0].From != "+14155550100" {
		t.Fatalf("provider saw from %q", provider.created[0].From)
	}
}

func TestInitiateGroup_RollsBackCreatedLegsOnFailure(t *testing.T) {
	c, _, provider := newTestCoordinator(t, Options{})
	provider.failAtLeg = 3

	_, err := c.InitiateGroup(context.Background(), InitiateRequest{
		CustomerNumbers:   []string{"+14155550001", "+14155550002", "+14155550003"},
		FromNumbers:       []string{"+14155550100", "+14155550101", "+14155550102"},
		QueueID:           "q7",
		AnswerURL:         "https://x.example/conference",
		StatusCallbackURL: "https://x.example/status",
	})
	if err == nil {
		t.Fatalf("expected creation failure to surface")
	}
	if !strings.Contains(err.Error(), "leg 3") {
		t.Fatalf("expected leg position in error, got %v", err)
	}

	term := provider.terminatedIDs()
	if len(term) != 2 || term[0] != "CA1" || term[1] != "CA2" {
		t.Fatalf("expected best-effort rollback of CA1,CA2; got %v", term)
	}
}

func TestInitiateGroup_IDCollisionExhaustion(t *testing.T) {
	c, store, _ := newTestCoordinator(t, Options{IDAttempts: 3})
	c.NewID = func() string { return "dup" }

	taken := &DialGroup{GroupID: "dup", Status: GroupStatusDialing}
	if err := store.SaveGroup(context.Background(), taken, time.Minute); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := c.InitiateGroup(context.Background(), InitiateRequest{
		CustomerNumbers:   []string{"+14155550001"},
		FromNumbers:       []string{"+14155550100"},
		QueueID:           "q7",
		AnswerURL:         "https://x.example/conference",
		StatusCallbackURL: "https://x.example/status",
	})
	if err == nil || !strings.Contains(err.Error(), "unique group id") {
		t.Fatalf("expected id exhaustion error, got %v", err)
	}
}

func TestHandleStatusCallback_WinnerElection(t *testing.T) {
	c, store, provider := newTestCoordinator(t, Options{})
	g := initiateThree(t, c)
	ctx := context.Background()

	if err := c.HandleStatusCallback(ctx, event("CA2", "in-progress", "human")); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	got, _ := store.GetGroup(ctx, g.GroupID)
	if got.Status != GroupStatusConnected {
		t.Fatalf("expected connected, got %q", got.Status)
	}
	if got.WinnerLegID != "CA2" {
		t.Fatalf("expected winner CA2, got %q", got.WinnerLegID)
	}

	term := provider.terminatedIDs()
	if len(term) != 2 {
		t.Fatalf("expected legs 1 and 3 terminated, got %v", term)
	}
	for _, id := range term {
		if id == "CA2" {
			t.Fatalf("winner must not be terminated: %v", term)
		}
	}

	// Losers report their terminal status via later callbacks.
	_ = c.HandleStatusCallback(ctx, event("CA1", "completed", ""))
	_ = c.HandleStatusCallback(ctx, event("CA3", "completed", ""))
	got, _ = store.GetGroup(ctx, g.GroupID)
	if got.Status != GroupStatusConnected || got.WinnerLegID != "CA2" {
		t.Fatalf("winner path must stay connected, got %+v", got)
	}
	if got.Leg("CA1").Status != LegStatusCompleted || got.Leg("CA3").Status != LegStatusCompleted {
		t.Fatalf("losers should be completed, got %+v", got.Legs)
	}
}

func TestHandleStatusCallback_LateAnswerLosesElection(t *testing.T) {
	c, store, provider := newTestCoordinator(t, Options{})
	g := initiateThree(t, c)
	ctx := context.Background()

	_ = c.HandleStatusCallback(ctx, event("CA2", "in-progress", "human"))
	if err := c.HandleStatusCallback(ctx, event("CA3", "in-progress", "human")); err != nil {
		t.Fatalf("late answer callback failed: %v", err)
	}

	got, _ := store.GetGroup(ctx, g.GroupID)
	if got.WinnerLegID != "CA2" {
		t.Fatalf("winner must not change, got %q", got.WinnerLegID)
	}
	if got.Leg("CA3").Status != LegStatusCompleted {
		t.Fatalf("losing answerer should be completed, got %q", got.Leg("CA3").Status)
	}
	found := false
	for _, id := range provider.terminatedIDs() {
		if id == "CA3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("losing answerer should be terminated: %v", provider.terminatedIDs())
	}
}

func TestHandleStatusCallback_MachineNeverWins(t *testing.T) {
	c, store, provider := newTestCoordinator(t, Options{})
	g := initiateThree(t, c)
	ctx := context.Background()

	if err := c.HandleStatusCallback(ctx, event("CA1", "in-progress", "machine")); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	got, _ := store.GetGroup(ctx, g.GroupID)
	if got.WinnerLegID != "" {
		t.Fatalf("machine leg must never win, got winner %q", got.WinnerLegID)
	}
	if got.Leg("CA1").Status != LegStatusCompleted {
		t.Fatalf("machine leg should be completed, got %q", got.Leg("CA1").Status)
	}
	if got.Status != GroupStatusDialing {
		t.Fatalf("group should keep dialing, got %q", got.Status)
	}
	if term := provider.terminatedIDs(); len(term) != 1 || term[0] != "CA1" {
		t.Fatalf("expected CA1 terminated, got %v", term)
	}
	if w, _ := store.GetWinner(ctx, g.GroupID); w != "" {
		t.Fatalf("no winner should be recorded, got %q", w)
	}
}

func TestHandleStatusCallback_NoWinnerCompletion(t *testing.T) {
	c, store, _ := newTestCoordinator(t, Options{})
	rec := &stubRecorder{}
	c.opts.History = rec
	g := initiateThree(t, c)
	ctx := context.Background()

	_ = c.HandleStatusCallback(ctx, event("CA1", "no-answer", ""))
	_ = c.HandleStatusCallback(ctx, event("CA2", "busy", ""))
	_ = c.HandleStatusCallback(ctx, event("CA3", "failed", ""))

	got, _ := store.GetGroup(ctx, g.GroupID)
	if got.Status != GroupStatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if got.WinnerLegID != "" {
		t.Fatalf("expected no winner, got %q", got.WinnerLegID)
	}
	if len(rec.recorded) != 1 || rec.recorded[0].GroupID != g.GroupID {
		t.Fatalf("expected one outcome recorded, got %d", len(rec.recorded))
	}
}

func TestHandleStatusCallback_DuplicateTerminalIsNoop(t *testing.T) {
	c, store, _ := newTestCoordinator(t, Options{})
	g := initiateThree(t, c)
	ctx := context.Background()

	_ = c.HandleStatusCallback(ctx, event("CA1", "completed", ""))
	before, _ := store.GetGroup(ctx, g.GroupID)

	if err := c.HandleStatusCallback(ctx, event("CA1", "completed", "")); err != nil {
		t.Fatalf("duplicate terminal must not error: %v", err)
	}
	after, _ := store.GetGroup(ctx, g.GroupID)
	if after.Version != before.Version {
		t.Fatalf("duplicate terminal must not rewrite the group: %d -> %d", before.Version, after.Version)
	}
}

func TestHandleStatusCallback_UnknownLegIsNoop(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Options{})
	initiateThree(t, c)

	if err := c.HandleStatusCallback(context.Background(), event("CA99", "completed", "")); err != nil {
		t.Fatalf("unknown leg must be a benign no-op: %v", err)
	}
}

func TestHandleStatusCallback_DuplicateWinnerEventKeepsWinner(t *testing.T) {
	c, store, provider := newTestCoordinator(t, Options{})
	g := initiateThree(t, c)
	ctx := context.Background()

	_ = c.HandleStatusCallback(ctx, event("CA2", "in-progress", "human"))
	_ = c.HandleStatusCallback(ctx, event("CA2", "in-progress", "human"))

	got, _ := store.GetGroup(ctx, g.GroupID)
	if got.WinnerLegID != "CA2" || got.Status != GroupStatusConnected {
		t.Fatalf("duplicate winner event changed state: %+v", got)
	}
	for _, id := range provider.terminatedIDs() {
		if id == "CA2" {
			t.Fatalf("duplicate winner event must not terminate the winner")
		}
	}
}

func TestHandleStatusCallback_ConcurrentAnswersElectExactlyOne(t *testing.T) {
	c, store, _ := newTestCoordinator(t, Options{})
	g := initiateThree(t, c)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, legID := range []string{"CA1", "CA3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := c.HandleStatusCallback(ctx, event(id, "in-progress", "human")); err != nil {
				t.Errorf("callback %s failed: %v", id, err)
			}
		}(legID)
	}
	wg.Wait()

	got, _ := store.GetGroup(ctx, g.GroupID)
	if got.WinnerLegID != "CA1" && got.WinnerLegID != "CA3" {
		t.Fatalf("expected CA1 or CA3 as winner, got %q", got.WinnerLegID)
	}
	if got.Status != GroupStatusConnected {
		t.Fatalf("expected connected, got %q", got.Status)
	}
	elected, _ := store.GetWinner(ctx, g.GroupID)
	if elected != got.WinnerLegID {
		t.Fatalf("group winner %q disagrees with election record %q", got.WinnerLegID, elected)
	}
	loser := "CA1"
	if got.WinnerLegID == "CA1" {
		loser = "CA3"
	}
	if got.Leg(loser).Status != LegStatusCompleted {
		t.Fatalf("losing answerer should be completed, got %q", got.Leg(loser).Status)
	}
}

func TestTerminateGroup_Idempotent(t *testing.T) {
	c, store, provider := newTestCoordinator(t, Options{})
	rec := &stubRecorder{}
	c.opts.History = rec
	g := initiateThree(t, c)
	ctx := context.Background()

	if err := c.TerminateGroup(ctx, g.GroupID); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	got, _ := store.GetGroup(ctx, g.GroupID)
	if got.Status != GroupStatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	for _, leg := range got.Legs {
		if leg.Status != LegStatusCanceled {
			t.Fatalf("expected canceled legs, got %+v", got.Legs)
		}
	}
	terms := len(provider.terminatedIDs())
	if terms != 3 {
		t.Fatalf("expected 3 terminations, got %d", terms)
	}

	if err := c.TerminateGroup(ctx, g.GroupID); err != nil {
		t.Fatalf("second terminate must not error: %v", err)
	}
	if len(provider.terminatedIDs()) != terms {
		t.Fatalf("second terminate must not touch the transport")
	}
	if len(rec.recorded) != 1 {
		t.Fatalf("expected one outcome recorded, got %d", len(rec.recorded))
	}

	if err := c.TerminateGroup(ctx, "missing"); err != nil {
		t.Fatalf("terminating an unknown group must be a no-op: %v", err)
	}
}

func TestConferenceTwiMLForCall(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Options{})
	g := initiateThree(t, c)
	ctx := context.Background()

	twiml, err := c.ConferenceTwiMLForCall(ctx, "CA2")
	if err != nil {
		t.Fatalf("twiml failed: %v", err)
	}
	if !strings.Contains(twiml, g.ConferenceName) {
		t.Fatalf("twiml missing conference name: %s", twiml)
	}
	if !strings.Contains(twiml, `startConferenceOnEnter="true"`) {
		t.Fatalf("unexpected twiml: %s", twiml)
	}

	twiml, err = c.ConferenceTwiMLForCall(ctx, "CA99")
	if err != nil {
		t.Fatalf("unknown leg must not error: %v", err)
	}
	if twiml != "" {
		t.Fatalf("expected empty twiml for unknown leg, got %s", twiml)
	}
}

func TestReleasableNumbers(t *testing.T) {
	g := &DialGroup{
		WinnerLegID: "CA2",
		Legs: []CallLeg{
			{LegID: "CA1", FromNumber: "+14155550100"},
			{LegID: "CA2", FromNumber: "+14155550101"},
			{LegID: "CA3", FromNumber: "+14155550102"},
			{LegID: "CA4", FromNumber: "+14155550100"},
		},
	}
	got := ReleasableNumbers(g)
	if len(got) != 2 {
		t.Fatalf("expected 2 releasable numbers, got %v", got)
	}
	if got[0] != "+14155550100" || got[1] != "+14155550102" {
		t.Fatalf("unexpected releasable set: %v", got)
	}
}

func TestValidateRequirements(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Options{MinNumbers: 3})

	r := c.ValidateRequirements(2)
	if r.Valid {
		t.Fatalf("2 numbers must not satisfy the minimum")
	}
	if r.Required != 3 || r.Current != 2 || r.Message == "" {
		t.Fatalf("unexpected requirements: %+v", r)
	}

	r = c.ValidateRequirements(3)
	if !r.Valid || r.Message != "" {
		t.Fatalf("3 numbers should satisfy the minimum: %+v", r)
	}
}

func TestHandleStatusCallback_ExpiredGroupIsNoop(t *testing.T) {
	c, store, _ := newTestCoordinator(t, Options{GroupTTL: 300 * time.Second})
	initiateThree(t, c)

	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	if err := c.HandleStatusCallback(context.Background(), event("CA1", "completed", "")); err != nil {
		t.Fatalf("stale callback after TTL must be a no-op: %v", err)
	}
}
