package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascade-ai/cascade/internal/mcp"
	"github.com/cascade-ai/cascade/pkg/models"
)

// toolExecutor runs the planned calls through the protocol client, one at a
// time in plan order, and records every outcome.
type toolExecutor struct {
	tools  ToolClient
	logger *slog.Logger
}

func newToolExecutor(deps Dependencies) *toolExecutor {
	return &toolExecutor{
		tools:  deps.Tools,
		logger: deps.Logger.With("component", "executor.toolexec"),
	}
}

func (e *toolExecutor) Phase() models.Phase { return models.PhaseToolExecution }

func (e *toolExecutor) Execute(ctx context.Context, state *models.ConversationState) (*models.PhaseResult, error) {
	params, ok := latestPayload[models.ParameterPayload](state, models.PhaseParameterGeneration)
	if !ok || len(params.Calls) == 0 {
		return &models.PhaseResult{
			Phase:      e.Phase(),
			Status:     models.StatusSuccess,
			Payload:    models.ExecutionPayload{},
			Confidence: 1,
			Timestamp:  time.Now(),
		}, nil
	}

	var (
		executions []models.ToolExecution
		failures   int
		notFound   bool
	)
	for _, call := range params.Calls {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		exec, err := e.run(ctx, call)
		executions = append(executions, exec)
		if !exec.Success {
			failures++
			if mcp.IsToolNotFound(err) {
				notFound = true
			}
		}
	}

	status := models.StatusSuccess
	errMsg := ""
	switch {
	case notFound:
		// A selected tool vanished between planning and execution; the loop
		// rules route this back to function selection.
		status = models.StatusNeedsRetry
		errMsg = executions[len(executions)-1].Error
	case failures == len(executions):
		status = models.StatusFailure
		errMsg = executions[len(executions)-1].Error
	case failures > 0:
		status = models.StatusPartialSuccess
	}

	return &models.PhaseResult{
		Phase:      e.Phase(),
		Status:     status,
		Payload:    models.ExecutionPayload{Executions: executions},
		Confidence: successRatio(executions),
		Error:      errMsg,
		Timestamp:  time.Now(),
	}, nil
}

func (e *toolExecutor) run(ctx context.Context, call models.PlannedCall) (models.ToolExecution, error) {
	exec := models.ToolExecution{
		Tool:      call.Tool,
		Arguments: call.Arguments,
		StartedAt: time.Now(),
	}

	result, err := e.tools.CallTool(ctx, call.Tool, call.Arguments)
	exec.EndedAt = time.Now()

	switch {
	case err != nil:
		exec.Error = err.Error()
		e.logger.Warn("tool call failed", "tool", call.Tool, "error", err)
	case result.IsError:
		exec.Error = result.Text()
		e.logger.Warn("tool reported error", "tool", call.Tool)
	default:
		exec.Success = true
		exec.Result = result.Text()
		e.logger.Debug("tool call succeeded", "tool", call.Tool, "duration", exec.Duration())
	}
	return exec, err
}

func successRatio(executions []models.ToolExecution) float64 {
	if len(executions) == 0 {
		return 1
	}
	ok := 0
	for _, exec := range executions {
		if exec.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(executions))
}
