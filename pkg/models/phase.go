// Package models provides domain types for the Cascade agent runtime.
package models

// Phase identifies one stage of the five-stage reasoning pipeline.
//
// A turn always begins at PhaseIntentAnalysis and advances forward unless a
// phase result asks for a bounded backward jump. PhaseTerminal is a sentinel
// marking the end of a turn; no executor exists for it.
type Phase int

const (
	PhaseIntentAnalysis Phase = iota + 1
	PhaseFunctionSelection
	PhaseParameterGeneration
	PhaseToolExecution
	PhaseResponseSynthesis

	// PhaseTerminal marks turn completion. It is never executed.
	PhaseTerminal
)

// FirstPhase and LastPhase bound the executable pipeline.
const (
	FirstPhase = PhaseIntentAnalysis
	LastPhase  = PhaseResponseSynthesis
)

// String returns the canonical phase name, used for prompt template lookup,
// logging, and metrics labels.
func (p Phase) String() string {
	switch p {
	case PhaseIntentAnalysis:
		return "intent_analysis"
	case PhaseFunctionSelection:
		return "function_selection"
	case PhaseParameterGeneration:
		return "parameter_generation"
	case PhaseToolExecution:
		return "tool_execution"
	case PhaseResponseSynthesis:
		return "response_synthesis"
	case PhaseTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Valid reports whether p names an executable phase.
func (p Phase) Valid() bool {
	return p >= FirstPhase && p <= LastPhase
}

// Next returns the forward successor, clamped to the last phase.
func (p Phase) Next() Phase {
	if p >= LastPhase {
		return LastPhase
	}
	return p + 1
}

// PhaseStatus is the outcome classification of a single phase execution.
type PhaseStatus string

const (
	StatusSuccess        PhaseStatus = "success"
	StatusPartialSuccess PhaseStatus = "partial_success"
	StatusFailure        PhaseStatus = "failure"
	StatusNeedsRetry     PhaseStatus = "needs_retry"
	StatusRequiresInput  PhaseStatus = "requires_input"
)
