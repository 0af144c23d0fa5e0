package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascade-ai/cascade/internal/llm"
	"github.com/cascade-ai/cascade/internal/prompts"
	"github.com/cascade-ai/cascade/pkg/models"
)

// synthesisExecutor writes the final user-facing answer from everything the
// turn accumulated.
type synthesisExecutor struct {
	provider llm.Provider
	prompts  *prompts.Registry
	logger   *slog.Logger
}

func newSynthesisExecutor(deps Dependencies) *synthesisExecutor {
	return &synthesisExecutor{
		provider: deps.Provider,
		prompts:  deps.Prompts,
		logger:   deps.Logger.With("component", "executor.synthesis"),
	}
}

func (e *synthesisExecutor) Phase() models.Phase { return models.PhaseResponseSynthesis }

type synthesisPromptData struct {
	UserMessage string
	Intent      string
	Executions  []models.ToolExecution
	BestEffort  bool
}

func (e *synthesisExecutor) Execute(ctx context.Context, state *models.ConversationState) (*models.PhaseResult, error) {
	return e.Synthesize(ctx, state, false)
}

// Synthesize produces the final answer. bestEffort marks answers forced by
// the turn iteration ceiling; the prompt tells the model to acknowledge what
// could not be completed.
func (e *synthesisExecutor) Synthesize(ctx context.Context, state *models.ConversationState, bestEffort bool) (*models.PhaseResult, error) {
	intent, _ := latestPayload[models.IntentPayload](state, models.PhaseIntentAnalysis)

	prompt, err := e.prompts.Render("response_synthesis", synthesisPromptData{
		UserMessage: state.User.LastInput,
		Intent:      intent.Intent,
		Executions:  state.Executions,
		BestEffort:  bestEffort,
	})
	if err != nil {
		return nil, err
	}

	message, err := e.provider.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("response synthesis: %w", err)
	}
	if message == "" {
		return retryResult(e.Phase(), "synthesis produced an empty answer"), nil
	}

	return &models.PhaseResult{
		Phase:      e.Phase(),
		Status:     models.StatusSuccess,
		Payload:    models.SynthesisPayload{Message: message, BestEffort: bestEffort},
		Confidence: 0.9,
		Timestamp:  time.Now(),
	}, nil
}
