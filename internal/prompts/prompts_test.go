package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type intentData struct {
	UserMessage   string
	RecentQueries []string
}

func TestRenderDefault(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Render("intent_analysis", intentData{
		UserMessage:   "what is the weather in Oslo",
		RecentQueries: []string{"hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "what is the weather in Oslo") {
		t.Errorf("user message not rendered: %q", out)
	}
	if !strings.Contains(out, "- hello") {
		t.Errorf("recent queries not rendered: %q", out)
	}
}

func TestRenderUnknownPrompt(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Render("no_such_prompt", nil); err == nil {
		t.Fatal("expected error for unknown prompt")
	}
}

func TestOverrideDirWins(t *testing.T) {
	dir := t.TempDir()
	override := "custom intent prompt for {{.UserMessage}}"
	if err := os.WriteFile(filepath.Join(dir, "intent_analysis.tmpl"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Render("intent_analysis", intentData{UserMessage: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "custom intent prompt for ping" {
		t.Errorf("override not used: %q", out)
	}

	// Prompts without an override still fall back to the embedded default.
	out, err = r.Render("response_synthesis", map[string]any{
		"UserMessage": "ping",
		"Intent":      "",
		"Executions":  nil,
		"BestEffort":  false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No tools were executed") {
		t.Errorf("default synthesis prompt not rendered: %q", out)
	}
}

func TestNewRegistryMissingDir(t *testing.T) {
	if _, err := NewRegistry("/nonexistent/prompt/dir"); err == nil {
		t.Fatal("expected error for missing override dir")
	}
}

func TestNamesCoverAllPhases(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	names := r.Names()
	want := []string{"function_selection", "intent_analysis", "parameter_generation", "response_synthesis"}
	for _, w := range want {
		found := false
		for _, n := range names {
			if n == w {
				found = true
			}
		}
		if !found {
			t.Errorf("missing embedded prompt %q (have %v)", w, names)
		}
	}
}
