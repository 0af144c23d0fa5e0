// Package orchestrator drives the bounded five-phase reasoning pipeline for
// one conversation turn and owns the phase executors.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cascade-ai/cascade/internal/llm"
	"github.com/cascade-ai/cascade/internal/mcp"
	"github.com/cascade-ai/cascade/internal/prompts"
	"github.com/cascade-ai/cascade/pkg/models"
)

// ToolClient is the tool-invocation surface the pipeline consumes. The mcp
// Manager implements it; tests substitute fakes.
type ToolClient interface {
	ListAllTools() []*mcp.ToolDefinition
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolResult, error)
}

// Executor runs one phase as a stateless transformation from accumulated
// conversation state to a phase result. Executors never mutate the state
// they receive; the orchestrator applies results.
type Executor interface {
	Phase() models.Phase
	Execute(ctx context.Context, state *models.ConversationState) (*models.PhaseResult, error)
}

// ExecutorFactory resolves the executor for a phase.
type ExecutorFactory interface {
	Executor(p models.Phase) (Executor, error)
}

// Dependencies are the collaborators the built-in executors need.
type Dependencies struct {
	Provider llm.Provider
	Tools    ToolClient
	Prompts  *prompts.Registry
	Logger   *slog.Logger
}

// Factory is the default ExecutorFactory wired with the built-in phase
// executors.
type Factory struct {
	executors map[models.Phase]Executor
}

// NewFactory builds the standard five-executor pipeline.
func NewFactory(deps Dependencies) *Factory {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Factory{
		executors: map[models.Phase]Executor{
			models.PhaseIntentAnalysis:      newIntentExecutor(deps),
			models.PhaseFunctionSelection:   newSelectionExecutor(deps),
			models.PhaseParameterGeneration: newParameterExecutor(deps),
			models.PhaseToolExecution:       newToolExecutor(deps),
			models.PhaseResponseSynthesis:   newSynthesisExecutor(deps),
		},
	}
}

func (f *Factory) Executor(p models.Phase) (Executor, error) {
	exec, ok := f.executors[p]
	if !ok {
		return nil, fmt.Errorf("no executor for phase %s", p)
	}
	return exec, nil
}

// latestPayload returns the typed payload of the latest result for a phase.
func latestPayload[T models.PhasePayload](state *models.ConversationState, p models.Phase) (T, bool) {
	var zero T
	result, ok := state.Result(p)
	if !ok || result.Payload == nil {
		return zero, false
	}
	payload, ok := result.Payload.(T)
	if !ok {
		return zero, false
	}
	return payload, true
}
