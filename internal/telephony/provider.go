package telephony

import (
	"context"
)

// CallProvider defines the provider-agnostic outbound call interface used by
// the dial group coordinator.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic; provider raw payloads stay
//   inside the adapter.
// - Creation errors are fatal to group initiation; termination errors are
//   best-effort and swallowed by callers.
type CallProvider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error)
	TerminateCall(ctx context.Context, providerCallID string) error
}

// CreateCallRequest describes one outbound leg.
type CreateCallRequest struct {
	// To and From are E.164 where possible.
	To   string `json:"to"`
	From string `json:"from"`

	// AnswerURL serves the TwiML executed when the leg answers
	// (conference join for the winning leg).
	AnswerURL string `json:"answer_url"`

	// StatusCallbackURL receives leg lifecycle + AMD events.
	StatusCallbackURL string `json:"status_callback_url"`

	// MachineDetection asks the provider to run AMD on the leg.
	MachineDetection bool `json:"machine_detection"`
}

// CreateCallResult identifies the created leg at the provider.
type CreateCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
}

// StatusEvent is one parsed status/AMD callback, already normalized to the
// internal vocabulary.
//
// Status values: dialing, ringing, in-progress, completed, failed, busy,
// no-answer, canceled. AMDResult values: human, machine, unknown, or empty
// when the provider sent no verdict.
type StatusEvent struct {
	ProviderCallID string `json:"provider_call_id"`
	Status         string `json:"status"`
	AMDResult      string `json:"amd_result,omitempty"`
}

// CallEventSink is implemented by the coordinator. Webhook handlers depend on
// this abstraction only, so provider-specific HTTP code stays free of
// business logic.
type CallEventSink interface {
	HandleStatusCallback(ctx context.Context, ev StatusEvent) error

	// ConferenceTwiMLForCall resolves a leg to its group's conference join
	// TwiML. Empty result means the leg cannot be resolved to a live group.
	ConferenceTwiMLForCall(ctx context.Context, providerCallID string) (string, error)
}
