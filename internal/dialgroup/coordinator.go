package dialgroup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parallel-dialer/internal/numbers"
	"parallel-dialer/internal/telephony"
	"parallel-dialer/pkg/logger"

	"github.com/google/uuid"
)

var ErrInvalidArgument = errors.New("dialgroup: invalid argument")

// saveAttempts bounds optimistic-concurrency retries on group writes.
// Contention is per-group and short-lived (one callback per leg event), so a
// handful of retries is plenty.
const saveAttempts = 5

// OutcomeRecorder receives finished groups for out-of-band history keeping.
// The coordinator itself stays ephemeral; recording is best-effort and
// failures never affect coordination.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, g *DialGroup) error
}

// Options tunes the coordinator. Zero values get safe defaults.
type Options struct {
	GroupTTL   time.Duration // default 300s
	Stagger    time.Duration // default 500ms
	MinNumbers int           // default 3
	IDAttempts int           // default 3

	History OutcomeRecorder // optional
}

func (o Options) withDefaults() Options {
	out := o
	if out.GroupTTL <= 0 {
		out.GroupTTL = 300 * time.Second
	}
	if out.Stagger <= 0 {
		out.Stagger = 500 * time.Millisecond
	}
	if out.MinNumbers <= 0 {
		out.MinNumbers = 3
	}
	if out.IDAttempts <= 0 {
		out.IDAttempts = 3
	}
	return out
}

// Coordinator launches simultaneous outbound legs for one dial attempt,
// elects exactly one winner, tears down the rest, and produces the bridging
// instructions. It is invoked concurrently from independent webhook handlers
// with no ordering or exactly-once guarantees; the Store's atomic winner
// election plus versioned group writes make that safe.
type Coordinator struct {
	Store    Store
	Provider telephony.CallProvider
	Policy   *numbers.Policy

	opts Options

	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// NewID generates candidate group ids.
	NewID func() string
}

func NewCoordinator(store Store, provider telephony.CallProvider, policy *numbers.Policy, opts Options) *Coordinator {
	return &Coordinator{
		Store:    store,
		Provider: provider,
		Policy:   policy,
		opts:     opts.withDefaults(),
		Now:      time.Now,
		Sleep:    sleepCtx,
		NewID:    uuid.NewString,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// InitiateRequest describes one dial attempt. Either FromNumbers pairs with
// CustomerNumbers one-to-one, or Pool is set and the selection policy picks a
// caller-ID per leg.
type InitiateRequest struct {
	CustomerNumbers []string      `json:"customer_numbers"`
	FromNumbers     []string      `json:"from_numbers,omitempty"`
	Pool            *numbers.Pool `json:"pool,omitempty"`

	QueueID string `json:"queue_id"`
	UserID  string `json:"user_id"`

	// AnswerURL serves conference-join TwiML when a leg answers.
	AnswerURL string `json:"answer_url"`

	// StatusCallbackURL receives leg status/AMD events.
	StatusCallbackURL string `json:"status_callback_url"`

	// ContactIDs, when present, pairs with CustomerNumbers one-to-one.
	ContactIDs []string `json:"contact_ids,omitempty"`
}

func (r InitiateRequest) validate() error {
	if len(r.CustomerNumbers) == 0 {
		return fmt.Errorf("%w: customer_numbers required", ErrInvalidArgument)
	}
	if len(r.FromNumbers) == 0 && r.Pool == nil {
		return fmt.Errorf("%w: from_numbers or pool required", ErrInvalidArgument)
	}
	if len(r.FromNumbers) > 0 && len(r.FromNumbers) != len(r.CustomerNumbers) {
		return fmt.Errorf("%w: from_numbers must pair with customer_numbers", ErrInvalidArgument)
	}
	if len(r.ContactIDs) > 0 && len(r.ContactIDs) != len(r.CustomerNumbers) {
		return fmt.Errorf("%w: contact_ids must pair with customer_numbers", ErrInvalidArgument)
	}
	if r.QueueID == "" {
		return fmt.Errorf("%w: queue_id required", ErrInvalidArgument)
	}
	return nil
}

// InitiateGroup creates all legs sequentially with a fixed stagger between
// successive creations. The stagger is deliberate: it avoids
// simultaneous-ring artifacts and burst load against transport rate limits,
// and must not be parallelized. Any creation failure aborts the attempt;
// already-created legs get best-effort termination before the error surfaces.
func (c *Coordinator) InitiateGroup(ctx context.Context, req InitiateRequest) (*DialGroup, error) {
	log := logger.From(ctx)

	if err := req.validate(); err != nil {
		return nil, err
	}

	groupID, err := c.generateGroupID(ctx)
	if err != nil {
		return nil, err
	}
	conferenceName := groupID + "_" + req.QueueID

	legs := make([]CallLeg, 0, len(req.CustomerNumbers))
	for i, to := range req.CustomerNumbers {
		if i > 0 {
			if err := c.Sleep(ctx, c.opts.Stagger); err != nil {
				c.terminateLegs(ctx, legs)
				return nil, err
			}
		}

		from, err := c.fromNumberFor(ctx, req, i)
		if err != nil {
			c.terminateLegs(ctx, legs)
			return nil, err
		}

		res, err := c.Provider.CreateCall(ctx, telephony.CreateCallRequest{
			To:                to,
			From:              from,
			AnswerURL:         req.AnswerURL,
			StatusCallbackURL: req.StatusCallbackURL,
			MachineDetection:  true,
		})
		if err != nil {
			c.terminateLegs(ctx, legs)
			return nil, fmt.Errorf("dialgroup: leg %d creation failed: %w", i+1, err)
		}

		leg := CallLeg{
			LegID:          res.ProviderCallID,
			CustomerNumber: to,
			FromNumber:     from,
			Position:       i + 1,
			Status:         LegStatusDialing,
		}
		if len(req.ContactIDs) > 0 {
			leg.ContactID = req.ContactIDs[i]
		}

		if err := c.Store.SetCallMapping(ctx, leg.LegID, groupID, c.opts.GroupTTL); err != nil {
			legs = append(legs, leg)
			c.terminateLegs(ctx, legs)
			return nil, fmt.Errorf("dialgroup: call mapping write failed: %w", err)
		}
		legs = append(legs, leg)
	}

	g := &DialGroup{
		GroupID:        groupID,
		ConferenceName: conferenceName,
		Status:         GroupStatusDialing,
		Legs:           legs,
		QueueID:        req.QueueID,
		UserID:         req.UserID,
		CreatedAt:      c.Now(),
	}
	if err := c.Store.SaveGroup(ctx, g, c.opts.GroupTTL); err != nil {
		c.terminateLegs(ctx, legs)
		return nil, fmt.Errorf("dialgroup: group write failed: %w", err)
	}

	log.Info("dial group initiated",
		"group_id", groupID,
		"queue_id", req.QueueID,
		"legs", len(legs),
	)
	return g, nil
}

func (c *Coordinator) fromNumberFor(ctx context.Context, req InitiateRequest, i int) (string, error) {
	if len(req.FromNumbers) > 0 {
		return req.FromNumbers[i], nil
	}
	if c.Policy == nil {
		return "", errors.New("dialgroup: number selection policy not configured")
	}
	sel, err := c.Policy.Select(ctx, *req.Pool, req.CustomerNumbers[i])
	if err != nil {
		return "", err
	}
	if sel == nil {
		return "", fmt.Errorf("%w: no outbound number available for %s", ErrInvalidArgument, req.CustomerNumbers[i])
	}
	return sel.PhoneNumber, nil
}

func (c *Coordinator) generateGroupID(ctx context.Context) (string, error) {
	for i := 0; i < c.opts.IDAttempts; i++ {
		id := c.NewID()
		g, err := c.Store.GetGroup(ctx, id)
		if err != nil {
			return "", fmt.Errorf("dialgroup: group id check failed: %w", err)
		}
		if g == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("dialgroup: could not generate unique group id in %d attempts", c.opts.IDAttempts)
}

// HandleStatusCallback applies one transport status/AMD event. Events arrive
// concurrently, unordered, and possibly duplicated; unknown or expired legs
// are expected steady-state traffic and no-op.
func (c *Coordinator) HandleStatusCallback(ctx context.Context, ev telephony.StatusEvent) error {
	log := logger.From(ctx)

	groupID, err := c.Store.GetCallMapping(ctx, ev.ProviderCallID)
	if err != nil {
		return err
	}
	if groupID == "" {
		log.Debug("status callback for unknown leg", "leg_id", ev.ProviderCallID, "status", ev.Status)
		return nil
	}

	var saved *DialGroup
	var toTerminate []string
	for attempt := 0; attempt < saveAttempts; attempt++ {
		g, err := c.Store.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return nil
		}
		leg := g.Leg(ev.ProviderCallID)
		if leg == nil {
			return nil
		}
		if leg.Status.Terminal() {
			// Duplicate terminal delivery; nothing to apply.
			return nil
		}

		toTerminate = toTerminate[:0]
		leg.Status = LegStatus(ev.Status)
		if ev.AMDResult != "" {
			leg.AMDResult = AMDResult(ev.AMDResult)
		}

		switch {
		case leg.Status == LegStatusInProgress && (leg.AMDResult == AMDHuman || leg.AMDResult == AMDUnknown):
			won, err := c.electWinner(ctx, groupID, leg.LegID)
			if err != nil {
				return err
			}
			if won {
				g.WinnerLegID = leg.LegID
				g.Status = GroupStatusConnected
				for i := range g.Legs {
					other := &g.Legs[i]
					if other.LegID != leg.LegID && !other.Status.Terminal() {
						toTerminate = append(toTerminate, other.LegID)
					}
				}
			} else {
				// Another leg answered first. This one also "answered", but
				// loses the election and gets torn down.
				toTerminate = append(toTerminate, leg.LegID)
				leg.Status = LegStatusCompleted
			}

		case leg.Status == LegStatusInProgress && leg.AMDResult == AMDMachine:
			// Machines never compete for winner.
			toTerminate = append(toTerminate, leg.LegID)
			leg.Status = LegStatusCompleted
		}

		if g.AllLegsTerminal() && g.WinnerLegID == "" && g.Status != GroupStatusCompleted {
			g.Status = GroupStatusCompleted
		}

		err = c.Store.SaveGroup(ctx, g, c.opts.GroupTTL)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		saved = g
		break
	}
	if saved == nil {
		return fmt.Errorf("dialgroup: update contention on group %s exceeded %d retries", groupID, saveAttempts)
	}

	for _, legID := range toTerminate {
		c.terminateLeg(ctx, legID)
	}

	if saved.Status == GroupStatusCompleted && saved.WinnerLegID == "" {
		c.recordOutcome(ctx, saved)
	}
	if saved.Status == GroupStatusConnected && saved.WinnerLegID == ev.ProviderCallID {
		log.Info("dial group winner elected",
			"group_id", saved.GroupID,
			"winner_leg_id", saved.WinnerLegID,
			"terminated_legs", len(toTerminate),
		)
	}
	return nil
}

// electWinner runs the atomic test-and-set and re-checks the recorded winner
// so duplicate delivery of the winning leg's own answer event reads as a win
// rather than terminating the winner.
func (c *Coordinator) electWinner(ctx context.Context, groupID, legID string) (bool, error) {
	won, err := c.Store.SetWinnerIfAbsent(ctx, groupID, legID, c.opts.GroupTTL)
	if err != nil {
		return false, err
	}
	if won {
		return true, nil
	}
	w, err := c.Store.GetWinner(ctx, groupID)
	if err != nil {
		return false, err
	}
	return w == legID, nil
}

// GetGroup is a read-through lookup with no side effects.
func (c *Coordinator) GetGroup(ctx context.Context, groupID string) (*DialGroup, error) {
	return c.Store.GetGroup(ctx, groupID)
}

// GroupIDForCall resolves a leg to its group; "" when expired or unknown.
func (c *Coordinator) GroupIDForCall(ctx context.Context, legID string) (string, error) {
	return c.Store.GetCallMapping(ctx, legID)
}

// TerminateGroup tears down every non-terminal leg, best-effort, and marks
// the group completed. Idempotent: terminating a finished group is a no-op.
func (c *Coordinator) TerminateGroup(ctx context.Context, groupID string) error {
	var toTerminate []string
	var saved *DialGroup
	for attempt := 0; attempt < saveAttempts; attempt++ {
		g, err := c.Store.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return nil
		}
		if g.Status == GroupStatusCompleted && g.AllLegsTerminal() {
			return nil
		}

		toTerminate = toTerminate[:0]
		for i := range g.Legs {
			leg := &g.Legs[i]
			if !leg.Status.Terminal() {
				toTerminate = append(toTerminate, leg.LegID)
				leg.Status = LegStatusCanceled
			}
		}
		g.Status = GroupStatusCompleted

		err = c.Store.SaveGroup(ctx, g, c.opts.GroupTTL)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		saved = g
		break
	}
	if saved == nil {
		return fmt.Errorf("dialgroup: update contention on group %s exceeded %d retries", groupID, saveAttempts)
	}

	for _, legID := range toTerminate {
		c.terminateLeg(ctx, legID)
	}
	c.recordOutcome(ctx, saved)
	return nil
}

// ConferenceTwiMLForCall resolves a leg to its group's conference join
// document. Empty result means the leg cannot be resolved to a live group.
func (c *Coordinator) ConferenceTwiMLForCall(ctx context.Context, legID string) (string, error) {
	groupID, err := c.Store.GetCallMapping(ctx, legID)
	if err != nil {
		return "", err
	}
	if groupID == "" {
		return "", nil
	}
	g, err := c.Store.GetGroup(ctx, groupID)
	if err != nil {
		return "", err
	}
	if g == nil {
		return "", nil
	}
	return telephony.ConferenceJoinTwiML(g.ConferenceName)
}

// ReleasableNumbers lists the from_numbers of every non-winner leg, for
// upstream caller-ID-lock release.
func ReleasableNumbers(g *DialGroup) []string {
	out := make([]string, 0, len(g.Legs))
	seen := map[string]bool{}
	for _, leg := range g.Legs {
		if leg.LegID == g.WinnerLegID {
			continue
		}
		if leg.FromNumber == "" || seen[leg.FromNumber] {
			continue
		}
		seen[leg.FromNumber] = true
		out = append(out, leg.FromNumber)
	}
	return out
}

// Requirements is the structured result of the static pre-dial policy check.
// An unmet requirement is not an error; callers act on it before initiating.
type Requirements struct {
	Valid    bool   `json:"valid"`
	Required int    `json:"required"`
	Current  int    `json:"current"`
	Message  string `json:"message,omitempty"`
}

// ValidateRequirements checks whether enough numbers exist to run parallel
// dialing at all.
func (c *Coordinator) ValidateRequirements(numberCount int) Requirements {
	r := Requirements{
		Valid:    numberCount >= c.opts.MinNumbers,
		Required: c.opts.MinNumbers,
		Current:  numberCount,
	}
	if !r.Valid {
		r.Message = fmt.Sprintf("parallel dialing requires at least %d numbers, have %d", r.Required, r.Current)
	}
	return r
}

// terminateLeg is best-effort: a call that already ended is
// indistinguishable from a genuine termination failure, and neither should
// propagate.
func (c *Coordinator) terminateLeg(ctx context.Context, legID string) {
	if err := c.Provider.TerminateCall(ctx, legID); err != nil {
		logger.From(ctx).Debug("leg termination failed", "leg_id", legID, "err", err)
	}
}

func (c *Coordinator) terminateLegs(ctx context.Context, legs []CallLeg) {
	for _, leg := range legs {
		c.terminateLeg(ctx, leg.LegID)
	}
}

func (c *Coordinator) recordOutcome(ctx context.Context, g *DialGroup) {
	if c.opts.History == nil {
		return
	}
	if err := c.opts.History.RecordOutcome(ctx, g); err != nil {
		logger.From(ctx).Warn("group outcome recording failed", "group_id", g.GroupID, "err", err)
	}
}
