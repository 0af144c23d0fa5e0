package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cascade-ai/cascade/internal/observability"
	"github.com/cascade-ai/cascade/internal/sessions"
	"github.com/cascade-ai/cascade/pkg/models"
)

// DefaultMaxTurnIterations is the hard ceiling on phase executions per turn.
const DefaultMaxTurnIterations = 24

// DefaultPhaseTimeouts gives short phases short budgets; tool execution may
// legitimately wait on an external worker.
var DefaultPhaseTimeouts = map[models.Phase]time.Duration{
	models.PhaseIntentAnalysis:      15 * time.Second,
	models.PhaseFunctionSelection:   20 * time.Second,
	models.PhaseParameterGeneration: 20 * time.Second,
	models.PhaseToolExecution:       120 * time.Second,
	models.PhaseResponseSynthesis:   30 * time.Second,
}

// Options configures an Orchestrator.
type Options struct {
	Store   sessions.Store
	Factory ExecutorFactory
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// MaxLoopIterations bounds revisits of any single phase. Zero uses the
	// model default.
	MaxLoopIterations int

	// MaxTurnIterations is the hard phase-step ceiling per turn. Zero uses
	// DefaultMaxTurnIterations.
	MaxTurnIterations int

	// PhaseTimeouts overrides entries of DefaultPhaseTimeouts.
	PhaseTimeouts map[models.Phase]time.Duration

	// Recovery handles executor faults. Nil uses best-effort synthesis.
	Recovery RecoveryPolicy
}

// Orchestrator drives turns through the phase state machine. ProcessTurn is
// safe for concurrent use across different conversations; a single
// conversation is owned by one turn at a time.
type Orchestrator struct {
	store    sessions.Store
	factory  ExecutorFactory
	logger   *slog.Logger
	metrics  *observability.Metrics
	recovery RecoveryPolicy

	maxLoops int
	maxSteps int
	timeouts map[models.Phase]time.Duration
}

// New builds an orchestrator from options.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a conversation store")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("orchestrator requires an executor factory")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxTurnIterations <= 0 {
		opts.MaxTurnIterations = DefaultMaxTurnIterations
	}

	timeouts := make(map[models.Phase]time.Duration, len(DefaultPhaseTimeouts))
	for p, d := range DefaultPhaseTimeouts {
		timeouts[p] = d
	}
	for p, d := range opts.PhaseTimeouts {
		timeouts[p] = d
	}

	o := &Orchestrator{
		store:    opts.Store,
		factory:  opts.Factory,
		logger:   opts.Logger.With("component", "orchestrator"),
		metrics:  opts.Metrics,
		recovery: opts.Recovery,
		maxLoops: opts.MaxLoopIterations,
		maxSteps: opts.MaxTurnIterations,
		timeouts: timeouts,
	}
	if o.recovery == nil {
		o.recovery = &bestEffortRecovery{factory: opts.Factory, logger: o.logger}
	}
	return o, nil
}

// ProcessTurn runs one user message through the pipeline and returns the
// final or interim response. It is the only entry point surrounding
// components use.
func (o *Orchestrator) ProcessTurn(ctx context.Context, conversationID, userMessage string) (*models.TurnResponse, error) {
	state, err := sessions.GetOrCreate(ctx, o.store, conversationID, o.maxLoops)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	state.BeginTurn(userMessage, o.resumable(state))
	logger := o.logger.With("conversation", state.ID)
	logger.Info("turn started", "phase", state.CurrentPhase)

	response, err := o.runTurn(ctx, logger, state)

	// Persist whatever the turn accumulated, also on failure, so phase
	// history survives for the next turn and for inspection.
	if saveErr := o.store.Save(context.WithoutCancel(ctx), state); saveErr != nil {
		logger.Error("failed to persist conversation", "error", saveErr)
		if err == nil {
			err = saveErr
		}
	}
	if err != nil {
		o.countTurn("failure")
		return nil, err
	}
	switch {
	case response.RequiresInput:
		o.countTurn("interim")
	case response.Success:
		o.countTurn("success")
	default:
		o.countTurn("failure")
	}
	return response, nil
}

// resumable reports whether the conversation paused mid-turn awaiting user
// input, in which case the new message resumes from the persisted phase.
func (o *Orchestrator) resumable(state *models.ConversationState) bool {
	if !state.CurrentPhase.Valid() {
		return false
	}
	result, ok := state.Result(state.CurrentPhase)
	return ok && result.RequiresUserInput
}

func (o *Orchestrator) runTurn(ctx context.Context, logger *slog.Logger, state *models.ConversationState) (*models.TurnResponse, error) {
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			// User-initiated cancellation is terminal for the turn.
			return nil, err
		}
		if steps >= o.maxSteps {
			logger.Warn("turn iteration ceiling reached", "steps", steps)
			return o.forceSynthesis(ctx, logger, state)
		}

		phase := state.CurrentPhase
		result, err := o.executePhase(ctx, phase, state)
		steps++
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Error("phase fault", "phase", phase, "error", err)
			return o.recover(ctx, state, phase, err)
		}

		state.RecordResult(result)
		o.observePhase(result)
		if payload, ok := result.Payload.(models.ExecutionPayload); ok {
			state.AppendExecutions(payload.Executions...)
		}
		logger.Debug("phase executed",
			"phase", phase, "status", result.Status, "confidence", result.Confidence)

		if result.RequiresUserInput {
			// Pause here; the next user message re-runs this phase with the
			// answer in context.
			return &models.TurnResponse{
				ConversationID: state.ID,
				Message:        strings.Join(result.Messages, "\n"),
				Success:        true,
				RequiresInput:  true,
			}, nil
		}

		next, looped, reason := o.nextPhase(phase, result, state)
		if looped {
			state.Loop.Record(phase, next, reason)
			o.observeLoop(phase, next)
			logger.Info("loop transition", "from", phase, "to", next, "reason", reason)
		}

		if phase == models.LastPhase && !looped && result.Status == models.StatusSuccess {
			state.CurrentPhase = models.PhaseTerminal
			return o.finalResponse(state, result), nil
		}
		state.CurrentPhase = next
	}
}

// executePhase wraps one executor run with the phase's timeout and panic
// containment. A deadline expiry converts to a structured Failure result so
// the loop rules apply; only parent-context cancellation propagates as error.
func (o *Orchestrator) executePhase(ctx context.Context, phase models.Phase, state *models.ConversationState) (result *models.PhaseResult, err error) {
	exec, err := o.factory.Executor(phase)
	if err != nil {
		return nil, err
	}

	timeout := o.timeouts[phase]
	phaseCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("phase %s panicked: %v", phase, r)
		}
	}()

	start := time.Now()
	result, err = exec.Execute(phaseCtx, state)
	o.observeDuration(phase, time.Since(start))

	if err != nil && phaseCtx.Err() != nil && ctx.Err() == nil {
		// The phase deadline expired but the turn is still live.
		return &models.PhaseResult{
			Phase:     phase,
			Status:    models.StatusFailure,
			Error:     fmt.Sprintf("phase %s exceeded its %s budget", phase, timeout),
			Timeout:   true,
			Timestamp: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("phase %s returned no result", phase)
	}
	return result, nil
}

// nextPhase applies the transition rules. Success without a user-input
// request always moves forward; exhausted loop budgets force forward motion
// regardless of the result; otherwise phase-specific predicates pick the
// backward jump.
func (o *Orchestrator) nextPhase(phase models.Phase, result *models.PhaseResult, state *models.ConversationState) (next models.Phase, looped bool, reason string) {
	if result.Succeeded() {
		return phase.Next(), false, ""
	}

	target, reason := loopTarget(phase, result)
	if target == models.PhaseTerminal {
		// No predicate matched; treat like success and move on.
		return phase.Next(), false, ""
	}
	if state.Loop.Exhausted(phase) || state.Loop.Exhausted(target) {
		return phase.Next(), false, ""
	}
	if o.stuckInLoop(state.Loop, phase, target) {
		return phase.Next(), false, ""
	}
	return target, true, reason
}

// loopTarget is the per-phase backward jump table. PhaseTerminal means no
// loop applies.
func loopTarget(phase models.Phase, result *models.PhaseResult) (models.Phase, string) {
	switch phase {
	case models.PhaseIntentAnalysis:
		return phase, "intent analysis did not produce a usable intent"

	case models.PhaseFunctionSelection:
		if payload, ok := result.Payload.(models.SelectionPayload); ok && payload.NeedsClarification {
			return models.PhaseIntentAnalysis, "selection needs a clearer intent"
		}
		return phase, "function selection did not produce a usable plan"

	case models.PhaseParameterGeneration:
		if payload, ok := result.Payload.(models.ParameterPayload); ok {
			if payload.InvalidFunction != "" {
				return models.PhaseFunctionSelection, "selected tool is invalid: " + payload.InvalidFunction
			}
			if len(payload.MissingParameters) > 0 {
				return phase, "parameters unresolved"
			}
		}
		return phase, "parameter generation did not produce usable calls"

	case models.PhaseToolExecution:
		if result.Status == models.StatusNeedsRetry {
			return models.PhaseFunctionSelection, "tool disappeared during execution"
		}
		if result.Status == models.StatusPartialSuccess {
			// Partial results are still usable context for synthesis.
			return models.PhaseTerminal, ""
		}
		return phase, "tool execution failed"

	case models.PhaseResponseSynthesis:
		return phase, "synthesis did not produce an answer"
	}
	return models.PhaseTerminal, ""
}

// stuckInLoop detects a repeating transition pair the counters alone have not
// yet caught, using the full loop-decision history.
func (o *Orchestrator) stuckInLoop(loop *models.LoopContext, from, to models.Phase) bool {
	seen := 0
	for _, d := range loop.History {
		if d.From == from && d.To == to {
			seen++
		}
	}
	return seen >= loop.MaxLoopIterations
}

// forceSynthesis is the iteration-ceiling escape hatch: jump straight to
// response synthesis in best-effort mode so the turn never returns nothing.
func (o *Orchestrator) forceSynthesis(ctx context.Context, logger *slog.Logger, state *models.ConversationState) (*models.TurnResponse, error) {
	state.CurrentPhase = models.PhaseResponseSynthesis

	exec, err := o.factory.Executor(models.PhaseResponseSynthesis)
	if err != nil {
		return o.failureResponse(state, "the request could not be completed"), nil
	}

	type bestEffort interface {
		Synthesize(ctx context.Context, state *models.ConversationState, bestEffort bool) (*models.PhaseResult, error)
	}

	timeout := o.timeouts[models.PhaseResponseSynthesis]
	synthCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		synthCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result *models.PhaseResult
	if be, ok := exec.(bestEffort); ok {
		result, err = be.Synthesize(synthCtx, state, true)
	} else {
		result, err = exec.Execute(synthCtx, state)
	}
	if err != nil || result == nil || result.Status != models.StatusSuccess {
		logger.Warn("best-effort synthesis failed", "error", err)
		return o.failureResponse(state, "the request hit its processing limit before completing"), nil
	}

	state.RecordResult(result)
	o.observePhase(result)
	state.CurrentPhase = models.PhaseTerminal
	return o.finalResponse(state, result), nil
}

func (o *Orchestrator) recover(ctx context.Context, state *models.ConversationState, phase models.Phase, cause error) (*models.TurnResponse, error) {
	response, err := o.recovery.Recover(ctx, state, phase, cause)
	if err == nil && response != nil {
		return response, nil
	}
	if err != nil {
		o.logger.Error("error recovery failed", "conversation", state.ID, "error", err)
	}
	return o.failureResponse(state, "an internal error interrupted the request"), nil
}

func (o *Orchestrator) finalResponse(state *models.ConversationState, result *models.PhaseResult) *models.TurnResponse {
	message := ""
	bestEffortAnswer := false
	if payload, ok := result.Payload.(models.SynthesisPayload); ok {
		message = payload.Message
		bestEffortAnswer = payload.BestEffort
	}
	return &models.TurnResponse{
		ConversationID: state.ID,
		Message:        message,
		Success:        true,
		Metadata: map[string]any{
			"phases_executed": len(state.PhaseHistory),
			"tool_calls":      len(state.Executions),
			"loops":           len(state.Loop.History),
			"best_effort":     bestEffortAnswer,
		},
	}
}

// failureResponse is the terminal structured-failure shape. It always names
// the conversation and never leaks raw error text.
func (o *Orchestrator) failureResponse(state *models.ConversationState, message string) *models.TurnResponse {
	return &models.TurnResponse{
		ConversationID: state.ID,
		Message:        "Sorry, " + message + ".",
		Success:        false,
		Metadata: map[string]any{
			"phases_executed": len(state.PhaseHistory),
			"error":           message,
		},
	}
}

func (o *Orchestrator) countTurn(status string) {
	if o.metrics != nil {
		o.metrics.TurnCounter.WithLabelValues(status).Inc()
	}
}

func (o *Orchestrator) observePhase(result *models.PhaseResult) {
	if o.metrics != nil {
		o.metrics.PhaseCounter.WithLabelValues(result.Phase.String(), string(result.Status)).Inc()
	}
}

func (o *Orchestrator) observeDuration(phase models.Phase, d time.Duration) {
	if o.metrics != nil {
		o.metrics.PhaseDuration.WithLabelValues(phase.String()).Observe(d.Seconds())
	}
}

func (o *Orchestrator) observeLoop(from, to models.Phase) {
	if o.metrics != nil {
		o.metrics.LoopCounter.WithLabelValues(from.String(), to.String()).Inc()
	}
}

var errRecoveryUnavailable = errors.New("no recovery possible")
