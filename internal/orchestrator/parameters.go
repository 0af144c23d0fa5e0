package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cascade-ai/cascade/internal/llm"
	"github.com/cascade-ai/cascade/internal/mcp"
	"github.com/cascade-ai/cascade/internal/prompts"
	"github.com/cascade-ai/cascade/pkg/models"
)

// parameterExecutor resolves concrete arguments for every selected tool and
// validates them against the tool's advertised input schema. Unresolvable
// required parameters are reported, not invented.
type parameterExecutor struct {
	provider llm.Provider
	tools    ToolClient
	prompts  *prompts.Registry
	logger   *slog.Logger
}

func newParameterExecutor(deps Dependencies) *parameterExecutor {
	return &parameterExecutor{
		provider: deps.Provider,
		tools:    deps.Tools,
		prompts:  deps.Prompts,
		logger:   deps.Logger.With("component", "executor.parameters"),
	}
}

func (e *parameterExecutor) Phase() models.Phase { return models.PhaseParameterGeneration }

type parameterPromptData struct {
	UserMessage string
	Summary     string
	Tools       []*mcp.ToolDefinition
}

func (e *parameterExecutor) Execute(ctx context.Context, state *models.ConversationState) (*models.PhaseResult, error) {
	selection, ok := latestPayload[models.SelectionPayload](state, models.PhaseFunctionSelection)
	if !ok || selection.NoToolNeeded || len(selection.Tools) == 0 {
		return &models.PhaseResult{
			Phase:      e.Phase(),
			Status:     models.StatusSuccess,
			Payload:    models.ParameterPayload{},
			Confidence: 1,
			Timestamp:  time.Now(),
		}, nil
	}

	// Re-resolve the selected tools against the live tool list. A worker may
	// have dropped out since selection ran.
	byName := make(map[string]*mcp.ToolDefinition)
	for _, t := range e.tools.ListAllTools() {
		byName[t.Name] = t
	}
	var selected []*mcp.ToolDefinition
	for _, sel := range selection.Tools {
		def, ok := byName[sel.Name]
		if !ok {
			return &models.PhaseResult{
				Phase:     e.Phase(),
				Status:    models.StatusNeedsRetry,
				Payload:   models.ParameterPayload{InvalidFunction: sel.Name},
				Error:     fmt.Sprintf("tool %s is no longer available", sel.Name),
				Timestamp: time.Now(),
			}, nil
		}
		selected = append(selected, def)
	}

	intent, _ := latestPayload[models.IntentPayload](state, models.PhaseIntentAnalysis)
	prompt, err := e.prompts.Render("parameter_generation", parameterPromptData{
		UserMessage: state.User.LastInput,
		Summary:     intent.Summary,
		Tools:       selected,
	})
	if err != nil {
		return nil, err
	}

	raw, err := e.provider.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("parameter generation: %w", err)
	}

	obj, err := llm.ExtractJSONObject(raw)
	if err != nil {
		return retryResult(e.Phase(), "parameter response was not valid JSON"), nil
	}
	var payload models.ParameterPayload
	if err := json.Unmarshal(obj, &payload); err != nil {
		return retryResult(e.Phase(), "parameter response did not match the expected shape"), nil
	}

	payload.MissingParameters = append(payload.MissingParameters, e.validateCalls(byName, &payload)...)

	if len(payload.MissingParameters) > 0 {
		return &models.PhaseResult{
			Phase:     e.Phase(),
			Status:    models.StatusFailure,
			Payload:   payload,
			Error:     describeMissing(payload.MissingParameters),
			Timestamp: time.Now(),
		}, nil
	}

	return &models.PhaseResult{
		Phase:      e.Phase(),
		Status:     models.StatusSuccess,
		Payload:    payload,
		Confidence: 0.85,
		Timestamp:  time.Now(),
	}, nil
}

// validateCalls checks every planned call against its tool's input schema and
// returns one MissingParameter per violation.
func (e *parameterExecutor) validateCalls(byName map[string]*mcp.ToolDefinition, payload *models.ParameterPayload) []models.MissingParameter {
	var missing []models.MissingParameter
	for i := range payload.Calls {
		call := &payload.Calls[i]
		def, ok := byName[call.Tool]
		if !ok {
			missing = append(missing, models.MissingParameter{
				Tool:   call.Tool,
				Reason: "tool is not advertised by any worker",
			})
			continue
		}
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		for _, name := range def.RequiredParameters() {
			if _, ok := call.Arguments[name]; !ok {
				missing = append(missing, models.MissingParameter{
					Tool:      call.Tool,
					Parameter: name,
					Reason:    "required parameter was not resolved",
				})
			}
		}
		missing = append(missing, validateSchema(def, call.Arguments)...)
	}
	return missing
}

// validateSchema runs the tool's full input schema over the arguments.
// Schemas that fail to compile are logged and skipped rather than blocking
// the call; the worker will enforce its own contract.
func validateSchema(def *mcp.ToolDefinition, args map[string]any) []models.MissingParameter {
	if len(def.InputSchema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	url := def.Name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(def.InputSchema)); err != nil {
		return nil
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil
	}

	// The validator wants plain decoded JSON values.
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return nil
	}

	err = schema.Validate(value)
	if err == nil {
		return nil
	}
	var out []models.MissingParameter
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		for _, cause := range flattenValidation(ve) {
			out = append(out, models.MissingParameter{
				Tool:      def.Name,
				Parameter: cause.InstanceLocation,
				Reason:    cause.Message,
			})
		}
		return out
	}
	return []models.MissingParameter{{Tool: def.Name, Reason: err.Error()}}
}

// flattenValidation walks to the leaf causes of a validation error tree.
func flattenValidation(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		leaves = append(leaves, flattenValidation(c)...)
	}
	return leaves
}

func describeMissing(missing []models.MissingParameter) string {
	var sb bytes.Buffer
	sb.WriteString("unresolved parameters:")
	for _, m := range missing {
		sb.WriteString(" ")
		sb.WriteString(m.Tool)
		if m.Parameter != "" {
			sb.WriteString(".")
			sb.WriteString(m.Parameter)
		}
	}
	return sb.String()
}
