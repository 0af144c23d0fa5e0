package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/cascade-ai/cascade/internal/mcp"
	"github.com/cascade-ai/cascade/internal/sessions"
	"github.com/cascade-ai/cascade/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// scriptedExecutor replays a fixed sequence of outcomes, one per invocation,
// repeating the last entry once the script runs out.
type scriptedExecutor struct {
	phase  models.Phase
	script []func(ctx context.Context, state *models.ConversationState) (*models.PhaseResult, error)
	calls  int
}

func (s *scriptedExecutor) Phase() models.Phase { return s.phase }

func (s *scriptedExecutor) Execute(ctx context.Context, state *models.ConversationState) (*models.PhaseResult, error) {
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i](ctx, state)
}

type scriptedFactory struct {
	executors map[models.Phase]*scriptedExecutor
}

func (f *scriptedFactory) Executor(p models.Phase) (Executor, error) {
	exec, ok := f.executors[p]
	if !ok {
		return nil, fmt.Errorf("no executor for phase %s", p)
	}
	return exec, nil
}

func succeed(payload models.PhasePayload) func(context.Context, *models.ConversationState) (*models.PhaseResult, error) {
	return func(_ context.Context, state *models.ConversationState) (*models.PhaseResult, error) {
		return &models.PhaseResult{
			Phase:     state.CurrentPhase,
			Status:    models.StatusSuccess,
			Payload:   payload,
			Timestamp: time.Now(),
		}, nil
	}
}

func fail(payload models.PhasePayload, msg string) func(context.Context, *models.ConversationState) (*models.PhaseResult, error) {
	return func(_ context.Context, state *models.ConversationState) (*models.PhaseResult, error) {
		return &models.PhaseResult{
			Phase:     state.CurrentPhase,
			Status:    models.StatusFailure,
			Payload:   payload,
			Error:     msg,
			Timestamp: time.Now(),
		}, nil
	}
}

// happyFactory scripts a clean single-pass run through all five phases.
func happyFactory() *scriptedFactory {
	return &scriptedFactory{executors: map[models.Phase]*scriptedExecutor{
		models.PhaseIntentAnalysis: {phase: models.PhaseIntentAnalysis, script: []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
			succeed(models.IntentPayload{Intent: "lookup"}),
		}},
		models.PhaseFunctionSelection: {phase: models.PhaseFunctionSelection, script: []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
			succeed(models.SelectionPayload{Tools: []models.SelectedTool{{Name: "echo"}}}),
		}},
		models.PhaseParameterGeneration: {phase: models.PhaseParameterGeneration, script: []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
			succeed(models.ParameterPayload{Calls: []models.PlannedCall{{Tool: "echo", Arguments: map[string]any{"text": "hi"}}}}),
		}},
		models.PhaseToolExecution: {phase: models.PhaseToolExecution, script: []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
			succeed(models.ExecutionPayload{Executions: []models.ToolExecution{{Tool: "echo", Result: "hi", Success: true}}}),
		}},
		models.PhaseResponseSynthesis: {phase: models.PhaseResponseSynthesis, script: []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
			succeed(models.SynthesisPayload{Message: "done: hi"}),
		}},
	}}
}

func newTestOrchestrator(t *testing.T, factory ExecutorFactory, mutate func(*Options)) (*Orchestrator, sessions.Store) {
	t.Helper()
	store := sessions.NewMemoryStore()
	opts := Options{
		Store:   store,
		Factory: factory,
		Logger:  testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return o, store
}

func TestProcessTurnHappyPath(t *testing.T) {
	factory := happyFactory()
	o, store := newTestOrchestrator(t, factory, nil)

	resp, err := o.ProcessTurn(context.Background(), "", "echo hi")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if !resp.Success || resp.RequiresInput {
		t.Errorf("unexpected response flags: %+v", resp)
	}
	if resp.Message != "done: hi" {
		t.Errorf("message: %q", resp.Message)
	}

	state, err := store.Get(context.Background(), resp.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if state.CurrentPhase != models.PhaseTerminal {
		t.Errorf("phase after turn: %v", state.CurrentPhase)
	}
	if len(state.PhaseHistory) != 5 {
		t.Errorf("phase history size: %d", len(state.PhaseHistory))
	}
	if len(state.Executions) != 1 || state.Executions[0].Tool != "echo" {
		t.Errorf("executions not applied: %+v", state.Executions)
	}
	// Forward progression on success must not touch loop counters.
	for p, n := range state.Loop.Counts {
		if n != 0 {
			t.Errorf("loop counter for %v moved to %d on a success-only turn", p, n)
		}
	}
	for p, exec := range factory.executors {
		if exec.calls != 1 {
			t.Errorf("phase %v executed %d times", p, exec.calls)
		}
	}
}

func TestLoopBoundForcesForward(t *testing.T) {
	const maxLoops = 3
	factory := happyFactory()
	// Parameter generation never resolves; the loop budget must force the
	// pipeline forward anyway.
	factory.executors[models.PhaseParameterGeneration] = &scriptedExecutor{
		phase: models.PhaseParameterGeneration,
		script: []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
			fail(models.ParameterPayload{MissingParameters: []models.MissingParameter{{Tool: "echo", Parameter: "text"}}}, "missing text"),
		},
	}

	o, store := newTestOrchestrator(t, factory, func(opts *Options) {
		opts.MaxLoopIterations = maxLoops
	})

	resp, err := o.ProcessTurn(context.Background(), "", "echo")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if !resp.Success {
		t.Errorf("expected forced-forward turn to finish: %+v", resp)
	}

	state, _ := store.Get(context.Background(), resp.ConversationID)
	if got := state.Loop.Counts[models.PhaseParameterGeneration]; got != maxLoops {
		t.Errorf("loop counter: %d, want %d", got, maxLoops)
	}
	// Initial run plus maxLoops revisits.
	if got := factory.executors[models.PhaseParameterGeneration].calls; got != maxLoops+1 {
		t.Errorf("parameter phase executed %d times, want %d", got, maxLoops+1)
	}
	if factory.executors[models.PhaseToolExecution].calls != 1 {
		t.Error("tool execution never reached after loop exhaustion")
	}
}

func TestHardCeilingProducesBestEffortResponse(t *testing.T) {
	factory := happyFactory()
	o, _ := newTestOrchestrator(t, factory, func(opts *Options) {
		opts.MaxTurnIterations = 5 // validated minimum is one full pass
	})
	// Burn the budget before synthesis by retrying intent analysis.
	factory.executors[models.PhaseIntentAnalysis].script = []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
		fail(nil, "try again"),
		fail(nil, "try again"),
		fail(nil, "try again"),
		succeed(models.IntentPayload{Intent: "lookup"}),
	}

	resp, err := o.ProcessTurn(context.Background(), "", "echo hi")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if resp == nil || resp.Message == "" {
		t.Fatal("hard ceiling must still produce a response")
	}
	if !resp.Success {
		t.Errorf("best-effort response should succeed: %+v", resp)
	}
	if factory.executors[models.PhaseResponseSynthesis].calls != 1 {
		t.Error("synthesis was never forced")
	}
	if factory.executors[models.PhaseToolExecution].calls != 0 {
		t.Error("ceiling should jump straight to synthesis")
	}
}

func TestPhaseTimeoutIsRecoverable(t *testing.T) {
	factory := happyFactory()
	blockThenSucceed := &scriptedExecutor{
		phase: models.PhaseFunctionSelection,
		script: []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
			func(ctx context.Context, _ *models.ConversationState) (*models.PhaseResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			succeed(models.SelectionPayload{Tools: []models.SelectedTool{{Name: "echo"}}}),
		},
	}
	factory.executors[models.PhaseFunctionSelection] = blockThenSucceed

	o, store := newTestOrchestrator(t, factory, func(opts *Options) {
		opts.PhaseTimeouts = map[models.Phase]time.Duration{
			models.PhaseFunctionSelection: 20 * time.Millisecond,
		}
	})

	resp, err := o.ProcessTurn(context.Background(), "", "echo hi")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if !resp.Success {
		t.Errorf("timeout should be absorbed by the loop: %+v", resp)
	}
	if blockThenSucceed.calls != 2 {
		t.Errorf("selection executed %d times, want 2", blockThenSucceed.calls)
	}

	state, _ := store.Get(context.Background(), resp.ConversationID)
	found := false
	for _, d := range state.Loop.History {
		if d.From == models.PhaseFunctionSelection && d.To == models.PhaseFunctionSelection {
			found = true
		}
	}
	if !found {
		t.Errorf("timeout retry not recorded in loop history: %+v", state.Loop.History)
	}
}

func TestUserCancellationIsTerminal(t *testing.T) {
	factory := happyFactory()
	factory.executors[models.PhaseIntentAnalysis].script = []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
		func(ctx context.Context, _ *models.ConversationState) (*models.PhaseResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o, _ := newTestOrchestrator(t, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.ProcessTurn(ctx, "", "echo hi")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClarificationPausesAndResumes(t *testing.T) {
	factory := happyFactory()
	factory.executors[models.PhaseIntentAnalysis].script = []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
		func(_ context.Context, state *models.ConversationState) (*models.PhaseResult, error) {
			return &models.PhaseResult{
				Phase:             models.PhaseIntentAnalysis,
				Status:            models.StatusRequiresInput,
				Payload:           models.IntentPayload{NeedsClarification: true, ClarifyingQuestion: "which file?"},
				RequiresUserInput: true,
				Messages:          []string{"which file?"},
				Timestamp:         time.Now(),
			}, nil
		},
		succeed(models.IntentPayload{Intent: "lookup"}),
	}
	o, store := newTestOrchestrator(t, factory, nil)

	interim, err := o.ProcessTurn(context.Background(), "", "open it")
	if err != nil {
		t.Fatal(err)
	}
	if !interim.RequiresInput || interim.Message != "which file?" {
		t.Fatalf("interim response: %+v", interim)
	}
	state, _ := store.Get(context.Background(), interim.ConversationID)
	if state.CurrentPhase != models.PhaseIntentAnalysis {
		t.Errorf("paused phase: %v", state.CurrentPhase)
	}

	final, err := o.ProcessTurn(context.Background(), interim.ConversationID, "the config file")
	if err != nil {
		t.Fatal(err)
	}
	if final.RequiresInput || !final.Success {
		t.Errorf("final response: %+v", final)
	}
	state, _ = store.Get(context.Background(), final.ConversationID)
	if state.User.LastInput != "the config file" {
		t.Errorf("resume did not record new input: %+v", state.User)
	}
	if len(state.User.RecentQueries) != 2 {
		t.Errorf("resume should keep the query window: %+v", state.User.RecentQueries)
	}
}

func TestBackwardJumps(t *testing.T) {
	t.Run("selection back to intent", func(t *testing.T) {
		factory := happyFactory()
		factory.executors[models.PhaseFunctionSelection].script = []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
			func(_ context.Context, _ *models.ConversationState) (*models.PhaseResult, error) {
				return &models.PhaseResult{
					Phase:     models.PhaseFunctionSelection,
					Status:    models.StatusNeedsRetry,
					Payload:   models.SelectionPayload{NeedsClarification: true},
					Timestamp: time.Now(),
				}, nil
			},
			succeed(models.SelectionPayload{Tools: []models.SelectedTool{{Name: "echo"}}}),
		}
		o, store := newTestOrchestrator(t, factory, nil)

		resp, err := o.ProcessTurn(context.Background(), "", "echo hi")
		if err != nil {
			t.Fatal(err)
		}
		state, _ := store.Get(context.Background(), resp.ConversationID)
		assertLoopRecorded(t, state, models.PhaseFunctionSelection, models.PhaseIntentAnalysis)
		if factory.executors[models.PhaseIntentAnalysis].calls != 2 {
			t.Errorf("intent executed %d times, want 2", factory.executors[models.PhaseIntentAnalysis].calls)
		}
	})

	t.Run("invalid function back to selection", func(t *testing.T) {
		factory := happyFactory()
		factory.executors[models.PhaseParameterGeneration].script = []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
			func(_ context.Context, _ *models.ConversationState) (*models.PhaseResult, error) {
				return &models.PhaseResult{
					Phase:     models.PhaseParameterGeneration,
					Status:    models.StatusNeedsRetry,
					Payload:   models.ParameterPayload{InvalidFunction: "ghost"},
					Timestamp: time.Now(),
				}, nil
			},
			succeed(models.ParameterPayload{Calls: []models.PlannedCall{{Tool: "echo", Arguments: map[string]any{"text": "hi"}}}}),
		}
		o, store := newTestOrchestrator(t, factory, nil)

		resp, err := o.ProcessTurn(context.Background(), "", "echo hi")
		if err != nil {
			t.Fatal(err)
		}
		state, _ := store.Get(context.Background(), resp.ConversationID)
		assertLoopRecorded(t, state, models.PhaseParameterGeneration, models.PhaseFunctionSelection)
		if factory.executors[models.PhaseFunctionSelection].calls != 2 {
			t.Errorf("selection executed %d times, want 2", factory.executors[models.PhaseFunctionSelection].calls)
		}
	})
}

func assertLoopRecorded(t *testing.T, state *models.ConversationState, from, to models.Phase) {
	t.Helper()
	for _, d := range state.Loop.History {
		if d.From == from && d.To == to {
			return
		}
	}
	t.Errorf("no %v->%v loop recorded: %+v", from, to, state.Loop.History)
}

func TestExecutorFaultEndsWithStructuredFailure(t *testing.T) {
	factory := happyFactory()
	factory.executors[models.PhaseParameterGeneration].script = []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
		func(_ context.Context, _ *models.ConversationState) (*models.PhaseResult, error) {
			panic("boom")
		},
	}
	// Recovery tries synthesis, which also faults.
	factory.executors[models.PhaseResponseSynthesis].script = []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
		func(_ context.Context, _ *models.ConversationState) (*models.PhaseResult, error) {
			return nil, errors.New("provider down")
		},
	}
	o, store := newTestOrchestrator(t, factory, nil)

	resp, err := o.ProcessTurn(context.Background(), "", "echo hi")
	if err != nil {
		t.Fatalf("fault must convert to a structured response, got error %v", err)
	}
	if resp.Success {
		t.Errorf("expected failure response: %+v", resp)
	}
	if resp.ConversationID == "" || resp.Message == "" {
		t.Errorf("failure response must carry conversation id and message: %+v", resp)
	}
	if resp.Metadata["error"] == "" {
		t.Errorf("failure response must carry an error: %+v", resp.Metadata)
	}

	// Work done before the fault stays persisted.
	state, errGet := store.Get(context.Background(), resp.ConversationID)
	if errGet != nil {
		t.Fatal(errGet)
	}
	if _, ok := state.Result(models.PhaseIntentAnalysis); !ok {
		t.Error("intent result lost after fault")
	}
	if _, ok := state.Result(models.PhaseFunctionSelection); !ok {
		t.Error("selection result lost after fault")
	}
}

func TestRecoverySubstituteResponse(t *testing.T) {
	factory := happyFactory()
	factory.executors[models.PhaseToolExecution].script = []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
		func(_ context.Context, _ *models.ConversationState) (*models.PhaseResult, error) {
			return nil, errors.New("transport blew up")
		},
	}
	factory.executors[models.PhaseResponseSynthesis].script = []func(context.Context, *models.ConversationState) (*models.PhaseResult, error){
		succeed(models.SynthesisPayload{Message: "partial answer", BestEffort: true}),
	}
	o, _ := newTestOrchestrator(t, factory, nil)

	resp, err := o.ProcessTurn(context.Background(), "", "echo hi")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Message != "partial answer" {
		t.Errorf("substitute response not used: %+v", resp)
	}
	if resp.Metadata["recovered"] != true {
		t.Errorf("recovery not marked: %+v", resp.Metadata)
	}
}

// fakeToolClient serves a static tool list from memory.
type fakeToolClient struct {
	tools   []*mcp.ToolDefinition
	calls   []models.PlannedCall
	failOn  map[string]error
	results map[string]string
}

func (f *fakeToolClient) ListAllTools() []*mcp.ToolDefinition { return f.tools }

func (f *fakeToolClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolResult, error) {
	f.calls = append(f.calls, models.PlannedCall{Tool: name, Arguments: arguments})
	if err, ok := f.failOn[name]; ok {
		return nil, err
	}
	text, ok := f.results[name]
	if !ok {
		return nil, &mcp.ToolNotFoundError{Name: name}
	}
	return &mcp.ToolResult{Content: []mcp.Content{{Type: "text", Text: text}}}, nil
}
