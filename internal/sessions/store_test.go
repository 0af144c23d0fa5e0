package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cascade-ai/cascade/pkg/models"
)

// storeFactories builds each Store implementation fresh for the shared
// conformance tests.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemoryStore()
	},
	"sqlite": func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cascade.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	},
}

func TestStoreRoundTrip(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			state := models.NewConversationState("conv-1", 3)
			state.User.Push("what is the weather")
			state.RecordResult(&models.PhaseResult{
				Phase:      models.PhaseIntentAnalysis,
				Status:     models.StatusSuccess,
				Payload:    models.IntentPayload{Intent: "weather_lookup", Summary: "weather question"},
				Confidence: 0.9,
				Timestamp:  time.Now().UTC(),
			})
			state.AppendExecutions(models.ToolExecution{
				Tool:      "get_weather",
				Arguments: map[string]any{"city": "Oslo"},
				Result:    "4C, overcast",
				Success:   true,
				StartedAt: time.Now().UTC(),
				EndedAt:   time.Now().UTC(),
			})
			state.CurrentPhase = models.PhaseToolExecution
			state.Loop.Record(models.PhaseParameterGeneration, models.PhaseParameterGeneration, "missing parameters")

			if err := store.Save(ctx, state); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := store.Get(ctx, "conv-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.ID != "conv-1" || got.CurrentPhase != models.PhaseToolExecution {
				t.Errorf("state mismatch: id=%s phase=%v", got.ID, got.CurrentPhase)
			}
			if got.User.LastInput != "what is the weather" {
				t.Errorf("user context lost: %+v", got.User)
			}
			res, ok := got.Result(models.PhaseIntentAnalysis)
			if !ok {
				t.Fatal("phase history lost")
			}
			intent, ok := res.Payload.(models.IntentPayload)
			if !ok {
				t.Fatalf("payload type lost: %T", res.Payload)
			}
			if intent.Intent != "weather_lookup" {
				t.Errorf("payload content lost: %+v", intent)
			}
			if len(got.Executions) != 1 || got.Executions[0].Tool != "get_weather" {
				t.Errorf("executions lost: %+v", got.Executions)
			}
			if got.Loop.Counts[models.PhaseParameterGeneration] != 1 {
				t.Errorf("loop counters lost: %+v", got.Loop.Counts)
			}
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			if _, err := store.Get(context.Background(), "nope"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreSaveOverwrites(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			state := models.NewConversationState("conv-2", 0)
			if err := store.Save(ctx, state); err != nil {
				t.Fatal(err)
			}
			state.CurrentPhase = models.PhaseResponseSynthesis
			if err := store.Save(ctx, state); err != nil {
				t.Fatal(err)
			}

			got, err := store.Get(ctx, "conv-2")
			if err != nil {
				t.Fatal(err)
			}
			if got.CurrentPhase != models.PhaseResponseSynthesis {
				t.Errorf("overwrite lost: phase=%v", got.CurrentPhase)
			}
			ids, err := store.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 1 {
				t.Errorf("expected a single conversation, got %v", ids)
			}
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			state := models.NewConversationState("conv-3", 0)
			if err := store.Save(ctx, state); err != nil {
				t.Fatal(err)
			}
			if err := store.Delete(ctx, "conv-3"); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Get(ctx, "conv-3"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
			// Deleting again is a no-op.
			if err := store.Delete(ctx, "conv-3"); err != nil {
				t.Errorf("second delete: %v", err)
			}
		})
	}
}

func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := GetOrCreate(ctx, store, "", 4)
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("expected generated conversation id")
	}
	if created.Loop.MaxLoopIterations != 4 {
		t.Errorf("loop bound not applied: %d", created.Loop.MaxLoopIterations)
	}

	again, err := GetOrCreate(ctx, store, created.ID, 4)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != created.ID {
		t.Errorf("expected existing conversation, got %s", again.ID)
	}
}

func TestSQLiteDeleteIdle(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cascade.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	old := models.NewConversationState("old", 0)
	if err := store.Save(ctx, old); err != nil {
		t.Fatal(err)
	}
	// Backdate the row past the retention window.
	if _, err := store.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity = ? WHERE id = ?`,
		time.Now().UTC().Add(-48*time.Hour), "old",
	); err != nil {
		t.Fatal(err)
	}
	fresh := models.NewConversationState("fresh", 0)
	if err := store.Save(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := store.DeleteIdle(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired conversation, got %d", n)
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh conversation expired: %v", err)
	}
}
