package models

import (
	"time"

	"github.com/google/uuid"
)

// Defaults for loop bounding. Both are overridable through configuration.
const (
	DefaultMaxLoopIterations = 5
	RecentQueryWindow        = 10
)

// LoopDecision records one looping transition taken by the state machine.
// The history is append-only for the duration of a turn.
type LoopDecision struct {
	From   Phase  `json:"from"`
	To     Phase  `json:"to"`
	Reason string `json:"reason"`
}

// LoopContext tracks per-phase loop counters and the decisions that produced
// them. A phase is never revisited more than MaxLoopIterations times; hitting
// the bound forces forward progression regardless of the phase outcome.
type LoopContext struct {
	Counts            map[Phase]int  `json:"counts"`
	MaxLoopIterations int            `json:"max_loop_iterations"`
	History           []LoopDecision `json:"history,omitempty"`
}

// NewLoopContext creates a loop context with the given per-phase bound.
// A non-positive bound falls back to the default.
func NewLoopContext(maxLoops int) *LoopContext {
	if maxLoops <= 0 {
		maxLoops = DefaultMaxLoopIterations
	}
	return &LoopContext{
		Counts:            make(map[Phase]int),
		MaxLoopIterations: maxLoops,
	}
}

// Exhausted reports whether the phase has used up its loop budget.
func (l *LoopContext) Exhausted(p Phase) bool {
	return l.Counts[p] >= l.MaxLoopIterations
}

// Record appends a loop decision and bumps the counter of the revisited phase.
func (l *LoopContext) Record(from, to Phase, reason string) {
	l.History = append(l.History, LoopDecision{From: from, To: to, Reason: reason})
	l.Counts[to]++
}

// Reset clears counters and history for a fresh turn, keeping the bound.
func (l *LoopContext) Reset() {
	l.Counts = make(map[Phase]int)
	l.History = nil
}

// UserContext carries the latest user input plus a bounded window of recent
// queries used as context by the phase executors.
type UserContext struct {
	LastInput     string   `json:"last_input"`
	RecentQueries []string `json:"recent_queries,omitempty"`
}

// Push records a new user query, evicting the oldest entry beyond the window.
func (u *UserContext) Push(query string) {
	u.LastInput = query
	u.RecentQueries = append(u.RecentQueries, query)
	if n := len(u.RecentQueries); n > RecentQueryWindow {
		u.RecentQueries = u.RecentQueries[n-RecentQueryWindow:]
	}
}

// ConversationState is the full per-conversation state driven by the
// orchestrator. It is owned by exactly one turn execution at a time and
// persisted through a Store between turns.
//
// PhaseHistory and Executions are append-only within a turn: results are
// superseded in the map, never mutated in place.
type ConversationState struct {
	ID           string                 `json:"id"`
	CurrentPhase Phase                  `json:"current_phase"`
	PhaseHistory map[Phase]*PhaseResult `json:"phase_history"`
	Loop         *LoopContext           `json:"loop"`
	User         UserContext            `json:"user"`
	Executions   []ToolExecution        `json:"executions,omitempty"`
	LastActivity time.Time              `json:"last_activity"`
}

// NewConversationState creates a fresh state positioned at the first phase.
func NewConversationState(id string, maxLoops int) *ConversationState {
	if id == "" {
		id = uuid.NewString()
	}
	return &ConversationState{
		ID:           id,
		CurrentPhase: FirstPhase,
		PhaseHistory: make(map[Phase]*PhaseResult),
		Loop:         NewLoopContext(maxLoops),
		LastActivity: time.Now(),
	}
}

// RecordResult supersedes the phase's history entry and touches activity.
func (s *ConversationState) RecordResult(result *PhaseResult) {
	if s.PhaseHistory == nil {
		s.PhaseHistory = make(map[Phase]*PhaseResult)
	}
	s.PhaseHistory[result.Phase] = result
	s.LastActivity = time.Now()
}

// Result returns the latest result for a phase, if any.
func (s *ConversationState) Result(p Phase) (*PhaseResult, bool) {
	r, ok := s.PhaseHistory[p]
	return r, ok
}

// AppendExecutions adds tool executions to the turn's accumulating record.
func (s *ConversationState) AppendExecutions(execs ...ToolExecution) {
	s.Executions = append(s.Executions, execs...)
}

// BeginTurn prepares the state for a new user message. An in-flight turn
// (one paused awaiting user input) resumes from its persisted phase; a
// completed or fresh conversation restarts the pipeline.
func (s *ConversationState) BeginTurn(userMessage string, resume bool) {
	s.User.Push(userMessage)
	if s.Loop == nil {
		s.Loop = NewLoopContext(0)
	}
	if resume && s.CurrentPhase.Valid() {
		s.LastActivity = time.Now()
		return
	}
	s.CurrentPhase = FirstPhase
	s.PhaseHistory = make(map[Phase]*PhaseResult)
	s.Executions = nil
	s.Loop.Reset()
	s.LastActivity = time.Now()
}

// TurnResponse is the single result surrounding components receive for a
// processed turn.
type TurnResponse struct {
	ConversationID string         `json:"conversation_id"`
	Message        string         `json:"message"`
	Success        bool           `json:"success"`
	RequiresInput  bool           `json:"requires_input,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
