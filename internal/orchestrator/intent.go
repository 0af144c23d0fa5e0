package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascade-ai/cascade/internal/llm"
	"github.com/cascade-ai/cascade/internal/prompts"
	"github.com/cascade-ai/cascade/pkg/models"
)

// intentExecutor classifies what the user wants and flags requests too
// ambiguous to act on.
type intentExecutor struct {
	provider llm.Provider
	prompts  *prompts.Registry
	logger   *slog.Logger
}

func newIntentExecutor(deps Dependencies) *intentExecutor {
	return &intentExecutor{
		provider: deps.Provider,
		prompts:  deps.Prompts,
		logger:   deps.Logger.With("component", "executor.intent"),
	}
}

func (e *intentExecutor) Phase() models.Phase { return models.PhaseIntentAnalysis }

type intentPromptData struct {
	UserMessage   string
	RecentQueries []string
}

func (e *intentExecutor) Execute(ctx context.Context, state *models.ConversationState) (*models.PhaseResult, error) {
	prompt, err := e.prompts.Render("intent_analysis", intentPromptData{
		UserMessage:   state.User.LastInput,
		RecentQueries: priorQueries(state),
	})
	if err != nil {
		return nil, err
	}

	raw, err := e.provider.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("intent analysis: %w", err)
	}

	obj, err := llm.ExtractJSONObject(raw)
	if err != nil {
		return retryResult(e.Phase(), "intent response was not valid JSON"), nil
	}
	var payload models.IntentPayload
	if err := json.Unmarshal(obj, &payload); err != nil {
		return retryResult(e.Phase(), "intent response did not match the expected shape"), nil
	}
	if payload.Intent == "" && !payload.NeedsClarification {
		return retryResult(e.Phase(), "intent response carried no intent"), nil
	}

	if payload.NeedsClarification {
		question := payload.ClarifyingQuestion
		if question == "" {
			question = "Could you say more about what you'd like me to do?"
		}
		return &models.PhaseResult{
			Phase:             e.Phase(),
			Status:            models.StatusRequiresInput,
			Payload:           payload,
			Confidence:        0.3,
			RequiresUserInput: true,
			Messages:          []string{question},
			Timestamp:         time.Now(),
		}, nil
	}

	e.logger.Debug("intent resolved", "intent", payload.Intent)
	return &models.PhaseResult{
		Phase:      e.Phase(),
		Status:     models.StatusSuccess,
		Payload:    payload,
		Confidence: 0.9,
		Timestamp:  time.Now(),
	}, nil
}

// priorQueries returns the recent-query window minus the current input.
func priorQueries(state *models.ConversationState) []string {
	q := state.User.RecentQueries
	if n := len(q); n > 0 && q[n-1] == state.User.LastInput {
		return q[:n-1]
	}
	return q
}

// retryResult is the shared shape for malformed-LLM-output failures that the
// loop machinery should retry.
func retryResult(p models.Phase, msg string) *models.PhaseResult {
	return &models.PhaseResult{
		Phase:     p,
		Status:    models.StatusNeedsRetry,
		Error:     msg,
		Timestamp: time.Now(),
	}
}
