package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascade-ai/cascade/internal/llm"
	"github.com/cascade-ai/cascade/internal/mcp"
	"github.com/cascade-ai/cascade/internal/prompts"
	"github.com/cascade-ai/cascade/pkg/models"
)

// selectionExecutor picks which advertised tools the turn needs, in call
// order. Selections naming tools no worker advertises are dropped.
type selectionExecutor struct {
	provider llm.Provider
	tools    ToolClient
	prompts  *prompts.Registry
	logger   *slog.Logger
}

func newSelectionExecutor(deps Dependencies) *selectionExecutor {
	return &selectionExecutor{
		provider: deps.Provider,
		tools:    deps.Tools,
		prompts:  deps.Prompts,
		logger:   deps.Logger.With("component", "executor.selection"),
	}
}

func (e *selectionExecutor) Phase() models.Phase { return models.PhaseFunctionSelection }

type selectionPromptData struct {
	Intent  string
	Summary string
	Tools   []*mcp.ToolDefinition
}

func (e *selectionExecutor) Execute(ctx context.Context, state *models.ConversationState) (*models.PhaseResult, error) {
	intent, _ := latestPayload[models.IntentPayload](state, models.PhaseIntentAnalysis)
	available := e.tools.ListAllTools()

	if len(available) == 0 {
		// Nothing to select from; answer directly in synthesis.
		return &models.PhaseResult{
			Phase:      e.Phase(),
			Status:     models.StatusSuccess,
			Payload:    models.SelectionPayload{NoToolNeeded: true},
			Confidence: 1,
			Messages:   []string{"no tools available"},
			Timestamp:  time.Now(),
		}, nil
	}

	prompt, err := e.prompts.Render("function_selection", selectionPromptData{
		Intent:  intent.Intent,
		Summary: intent.Summary,
		Tools:   available,
	})
	if err != nil {
		return nil, err
	}

	raw, err := e.provider.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("function selection: %w", err)
	}

	obj, err := llm.ExtractJSONObject(raw)
	if err != nil {
		return retryResult(e.Phase(), "selection response was not valid JSON"), nil
	}
	var payload models.SelectionPayload
	if err := json.Unmarshal(obj, &payload); err != nil {
		return retryResult(e.Phase(), "selection response did not match the expected shape"), nil
	}

	known := make(map[string]bool, len(available))
	for _, t := range available {
		known[t.Name] = true
	}
	var kept []models.SelectedTool
	var dropped []string
	for _, sel := range payload.Tools {
		if known[sel.Name] {
			kept = append(kept, sel)
		} else {
			dropped = append(dropped, sel.Name)
		}
	}
	payload.Tools = kept

	if len(dropped) > 0 {
		e.logger.Warn("selection named unknown tools", "dropped", dropped)
	}
	if len(kept) == 0 && !payload.NoToolNeeded && !payload.NeedsClarification {
		// Every selection was hallucinated; run the phase again.
		return retryResult(e.Phase(), fmt.Sprintf("selected tools not advertised by any worker: %v", dropped)), nil
	}

	status := models.StatusSuccess
	if payload.NeedsClarification {
		// Routed back to intent analysis by the loop rules.
		status = models.StatusNeedsRetry
	}
	return &models.PhaseResult{
		Phase:      e.Phase(),
		Status:     status,
		Payload:    payload,
		Confidence: 0.85,
		Timestamp:  time.Now(),
	}, nil
}
