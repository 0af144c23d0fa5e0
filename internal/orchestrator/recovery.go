package orchestrator

import (
	"context"
	"log/slog"

	"github.com/cascade-ai/cascade/pkg/models"
)

// RecoveryPolicy handles unexpected executor faults. A policy may produce a
// substitute response; returning an error hands the turn the structured
// failure path.
type RecoveryPolicy interface {
	Recover(ctx context.Context, state *models.ConversationState, phase models.Phase, cause error) (*models.TurnResponse, error)
}

// bestEffortRecovery answers from whatever the turn already gathered. A
// fault before anything useful happened is not recoverable.
type bestEffortRecovery struct {
	factory ExecutorFactory
	logger  *slog.Logger
}

func (r *bestEffortRecovery) Recover(ctx context.Context, state *models.ConversationState, phase models.Phase, cause error) (*models.TurnResponse, error) {
	// A fault inside synthesis itself would just fault again.
	if phase == models.PhaseResponseSynthesis {
		return nil, errRecoveryUnavailable
	}
	if len(state.Executions) == 0 && len(state.PhaseHistory) == 0 {
		return nil, errRecoveryUnavailable
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exec, err := r.factory.Executor(models.PhaseResponseSynthesis)
	if err != nil {
		return nil, err
	}
	type bestEffort interface {
		Synthesize(ctx context.Context, state *models.ConversationState, bestEffort bool) (*models.PhaseResult, error)
	}

	var result *models.PhaseResult
	if be, ok := exec.(bestEffort); ok {
		result, err = be.Synthesize(ctx, state, true)
	} else {
		result, err = exec.Execute(ctx, state)
	}
	if err != nil {
		return nil, err
	}
	if result == nil || result.Status != models.StatusSuccess {
		return nil, errRecoveryUnavailable
	}

	state.RecordResult(result)
	state.CurrentPhase = models.PhaseTerminal
	r.logger.Info("recovered with substitute response", "conversation", state.ID, "fault_phase", phase, "cause", cause)

	message := ""
	if payload, ok := result.Payload.(models.SynthesisPayload); ok {
		message = payload.Message
	}
	return &models.TurnResponse{
		ConversationID: state.ID,
		Message:        message,
		Success:        true,
		Metadata: map[string]any{
			"recovered":   true,
			"fault_phase": phase.String(),
		},
	}, nil
}
