package agent

import (
	"github.com/qmuntal/stateless"
)

// Phase is the state of the current turn.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseComposing Phase = "Composing"
	PhaseSending   Phase = "Sending"
	PhaseStreaming Phase = "Streaming"
	PhaseResolved  Phase = "Resolved"
)

// FSM triggers
const (
	triggerDraft   = "Draft"
	triggerClear   = "ClearDraft"
	triggerSend    = "Send"
	triggerStream  = "Stream"
	triggerResolve = "Resolve"
	triggerDiscard = "Discard"
	triggerReset   = "Reset"
)

// newTurnMachine builds the per-agent turn state machine:
//
//	Idle -> Composing -> Sending -> Streaming -> Resolved -> Idle
//
// Sending may resolve directly (configuration and attachment failures) or
// fall back to Idle when there is nothing to send.
func newTurnMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(PhaseIdle)

	sm.Configure(PhaseIdle).
		Permit(triggerDraft, PhaseComposing).
		Permit(triggerSend, PhaseSending).
		Ignore(triggerClear)

	sm.Configure(PhaseComposing).
		PermitReentry(triggerDraft).
		Permit(triggerClear, PhaseIdle).
		Permit(triggerSend, PhaseSending)

	sm.Configure(PhaseSending).
		Permit(triggerStream, PhaseStreaming).
		Permit(triggerResolve, PhaseResolved).
		Permit(triggerDiscard, PhaseIdle)

	sm.Configure(PhaseStreaming).
		Permit(triggerResolve, PhaseResolved)

	sm.Configure(PhaseResolved).
		Permit(triggerReset, PhaseIdle)

	return sm
}

func inFlight(p Phase) bool {
	return p == PhaseSending || p == PhaseStreaming || p == PhaseResolved
}
