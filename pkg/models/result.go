package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PhasePayload is the typed result data a phase executor produces. Each phase
// has its own concrete payload type; the orchestrator's loop predicates
// type-switch on them rather than digging through an untyped bag.
type PhasePayload interface {
	// PayloadKind returns the discriminator used for serialization.
	PayloadKind() string
}

// IntentPayload is produced by the intent-analysis phase.
type IntentPayload struct {
	// Intent is a short normalized description of what the user wants.
	Intent string `json:"intent"`

	// Summary restates the request in the assistant's own words.
	Summary string `json:"summary,omitempty"`

	// NeedsClarification is set when the request is too ambiguous to act on.
	NeedsClarification bool `json:"needs_clarification,omitempty"`

	// ClarifyingQuestion is the question to put to the user when
	// NeedsClarification is set.
	ClarifyingQuestion string `json:"clarifying_question,omitempty"`
}

func (IntentPayload) PayloadKind() string { return "intent" }

// SelectedTool is one tool chosen by the function-selection phase.
type SelectedTool struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// SelectionPayload is produced by the function-selection phase.
type SelectionPayload struct {
	// Tools lists the tools selected for execution, in call order.
	Tools []SelectedTool `json:"tools"`

	// NoToolNeeded is set when the request can be answered directly.
	NoToolNeeded bool `json:"no_tool_needed,omitempty"`

	// NeedsClarification requests a jump back to intent analysis.
	NeedsClarification bool `json:"needs_clarification,omitempty"`
}

func (SelectionPayload) PayloadKind() string { return "selection" }

// PlannedCall is a tool invocation with fully resolved arguments.
type PlannedCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// MissingParameter identifies a required tool parameter that could not be
// resolved from the conversation.
type MissingParameter struct {
	Tool      string `json:"tool"`
	Parameter string `json:"parameter"`
	Reason    string `json:"reason,omitempty"`
}

// ParameterPayload is produced by the parameter-generation phase.
type ParameterPayload struct {
	// Calls holds the fully resolved invocations, ready for execution.
	Calls []PlannedCall `json:"calls,omitempty"`

	// MissingParameters drives the phase-3 retry loop: non-empty means the
	// phase should run again (possibly after asking the user).
	MissingParameters []MissingParameter `json:"missing_parameters,omitempty"`

	// InvalidFunction names a selected tool that no connected worker
	// advertises; it forces a jump back to function selection.
	InvalidFunction string `json:"invalid_function,omitempty"`
}

func (ParameterPayload) PayloadKind() string { return "parameters" }

// ToolExecution records one tool invocation and its outcome. Immutable once
// appended to the conversation state.
type ToolExecution struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Success   bool           `json:"success"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// Duration returns the wall time the execution took.
func (e ToolExecution) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// ExecutionPayload is produced by the tool-execution phase.
type ExecutionPayload struct {
	Executions []ToolExecution `json:"executions"`
}

func (ExecutionPayload) PayloadKind() string { return "execution" }

// SynthesisPayload is produced by the response-synthesis phase.
type SynthesisPayload struct {
	// Message is the final user-facing answer.
	Message string `json:"message"`

	// BestEffort is set when the answer was forced by the turn iteration
	// ceiling rather than reached naturally.
	BestEffort bool `json:"best_effort,omitempty"`
}

func (SynthesisPayload) PayloadKind() string { return "synthesis" }

// PhaseResult is the immutable outcome of one phase execution. Results are
// only ever superseded in the phase history, never mutated.
type PhaseResult struct {
	Phase   Phase       `json:"phase"`
	Status  PhaseStatus `json:"status"`
	Payload PhasePayload

	// Confidence is the executor's self-assessed confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// RequiresUserInput pauses the turn and surfaces Messages to the user.
	RequiresUserInput bool `json:"requires_user_input,omitempty"`

	// Messages are human-readable notes about the phase outcome.
	Messages []string `json:"messages,omitempty"`

	// Error carries the failure description for non-success statuses.
	Error string `json:"error,omitempty"`

	// Timeout marks a result synthesized from a phase deadline expiry.
	Timeout bool `json:"timeout,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Succeeded reports whether the result allows unconditional forward progress.
func (r *PhaseResult) Succeeded() bool {
	return r.Status == StatusSuccess && !r.RequiresUserInput
}

// phaseResultJSON is the wire form of PhaseResult with an explicit payload
// discriminator so typed payloads survive persistence.
type phaseResultJSON struct {
	Phase             Phase           `json:"phase"`
	Status            PhaseStatus     `json:"status"`
	PayloadKind       string          `json:"payload_kind,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Confidence        float64         `json:"confidence"`
	RequiresUserInput bool            `json:"requires_user_input,omitempty"`
	Messages          []string        `json:"messages,omitempty"`
	Error             string          `json:"error,omitempty"`
	Timeout           bool            `json:"timeout,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (r PhaseResult) MarshalJSON() ([]byte, error) {
	out := phaseResultJSON{
		Phase:             r.Phase,
		Status:            r.Status,
		Confidence:        r.Confidence,
		RequiresUserInput: r.RequiresUserInput,
		Messages:          r.Messages,
		Error:             r.Error,
		Timeout:           r.Timeout,
		Timestamp:         r.Timestamp,
	}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", r.Payload.PayloadKind(), err)
		}
		out.PayloadKind = r.Payload.PayloadKind()
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *PhaseResult) UnmarshalJSON(data []byte) error {
	var in phaseResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Phase = in.Phase
	r.Status = in.Status
	r.Confidence = in.Confidence
	r.RequiresUserInput = in.RequiresUserInput
	r.Messages = in.Messages
	r.Error = in.Error
	r.Timeout = in.Timeout
	r.Timestamp = in.Timestamp
	r.Payload = nil
	if in.PayloadKind == "" {
		return nil
	}
	payload, err := decodePayload(in.PayloadKind, in.Payload)
	if err != nil {
		return err
	}
	r.Payload = payload
	return nil
}

func decodePayload(kind string, raw json.RawMessage) (PhasePayload, error) {
	var target PhasePayload
	switch kind {
	case "intent":
		target = &IntentPayload{}
	case "selection":
		target = &SelectionPayload{}
	case "parameters":
		target = &ParameterPayload{}
	case "execution":
		target = &ExecutionPayload{}
	case "synthesis":
		target = &SynthesisPayload{}
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	switch v := target.(type) {
	case *IntentPayload:
		return *v, nil
	case *SelectionPayload:
		return *v, nil
	case *ParameterPayload:
		return *v, nil
	case *ExecutionPayload:
		return *v, nil
	case *SynthesisPayload:
		return *v, nil
	}
	return nil, fmt.Errorf("unknown payload kind %q", kind)
}
