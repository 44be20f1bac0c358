package dialgroup

import "time"

// DialGroup is the unit of coordination for one batch of simultaneous
// outbound legs dialed for a single contact.
//
// Invariants:
// - WinnerLegID, once set, is never unset or overwritten and always
//   references a leg in Legs.
// - Status becomes connected exactly when a winner is elected.
// - Groups are never deleted on normal completion; they age out of the
//   store by TTL (callers query briefly after completion).
type DialGroup struct {
	GroupID        string      `json:"group_id"`
	ConferenceName string      `json:"conference_name"`
	Status         GroupStatus `json:"status"`
	WinnerLegID    string      `json:"winner_leg_id,omitempty"`
	Legs           []CallLeg   `json:"legs"`

	QueueID string `json:"queue_id"`
	UserID  string `json:"user_id"`

	CreatedAt time.Time `json:"created_at"`

	// Version drives optimistic concurrency on whole-group writes.
	// Managed by the store; callers never touch it.
	Version int64 `json:"version"`
}

type GroupStatus string

const (
	GroupStatusDialing   GroupStatus = "dialing"
	GroupStatusConnected GroupStatus = "connected"
	GroupStatusCompleted GroupStatus = "completed"

	// GroupStatusFailed is reserved for initiation-time errors; groups that
	// simply never get answered end in completed.
	GroupStatusFailed GroupStatus = "failed"
)

// CallLeg is one outbound call within a group.
type CallLeg struct {
	// LegID is the provider call identifier.
	LegID string `json:"leg_id"`

	CustomerNumber string `json:"customer_number"`
	FromNumber     string `json:"from_number"`

	// Position is the 1-indexed dial order.
	Position int `json:"position"`

	Status    LegStatus `json:"status"`
	AMDResult AMDResult `json:"amd_result,omitempty"`

	ContactID string `json:"contact_id,omitempty"`
}

type LegStatus string

const (
	LegStatusDialing    LegStatus = "dialing"
	LegStatusRinging    LegStatus = "ringing"
	LegStatusInProgress LegStatus = "in-progress"
	LegStatusCompleted  LegStatus = "completed"
	LegStatusFailed     LegStatus = "failed"
	LegStatusBusy       LegStatus = "busy"
	LegStatusNoAnswer   LegStatus = "no-answer"
	LegStatusCanceled   LegStatus = "canceled"
)

// Terminal reports whether a leg has finished for good. Repeated terminal
// notifications for a terminal leg are idempotent no-ops.
func (s LegStatus) Terminal() bool {
	switch s {
	case LegStatusCompleted, LegStatusFailed, LegStatusBusy, LegStatusNoAnswer, LegStatusCanceled:
		return true
	default:
		return false
	}
}

// AMDResult is the transport-supplied answering machine detection verdict.
// Detection is inherently uncertain, so unknown competes for winner alongside
// human; only a machine verdict disqualifies a leg.
type AMDResult string

const (
	AMDHuman   AMDResult = "human"
	AMDMachine AMDResult = "machine"
	AMDUnknown AMDResult = "unknown"
)

// Leg returns the leg with the given id, or nil.
func (g *DialGroup) Leg(legID string) *CallLeg {
	for i := range g.Legs {
		if g.Legs[i].LegID == legID {
			return &g.Legs[i]
		}
	}
	return nil
}

// AllLegsTerminal reports whether every leg has reached a terminal status.
func (g *DialGroup) AllLegsTerminal() bool {
	for i := range g.Legs {
		if !g.Legs[i].Status.Terminal() {
			return false
		}
	}
	return true
}
