// Package prompts holds the phase prompt templates and renders them against
// per-turn data. Defaults are embedded in the binary; a directory override
// lets deployments tune individual prompts without rebuilding.
package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

//go:embed defaults/*.tmpl
var defaultsFS embed.FS

// Registry resolves prompt templates by name. Lookup order is override
// directory first, then embedded defaults.
type Registry struct {
	overrideDir string

	mu     sync.RWMutex
	parsed map[string]*template.Template
}

// NewRegistry builds a registry backed by the embedded defaults. overrideDir
// may be empty; when set it must exist.
func NewRegistry(overrideDir string) (*Registry, error) {
	if overrideDir != "" {
		info, err := os.Stat(overrideDir)
		if err != nil {
			return nil, fmt.Errorf("prompt override dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("prompt override dir %s is not a directory", overrideDir)
		}
	}
	return &Registry{
		overrideDir: overrideDir,
		parsed:      make(map[string]*template.Template),
	}, nil
}

// Render executes the named template against data.
func (r *Registry) Render(name string, data any) (string, error) {
	tmpl, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return sb.String(), nil
}

// Names lists the prompts shipped with the binary.
func (r *Registry) Names() []string {
	entries, err := fs.ReadDir(defaultsFS, "defaults")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".tmpl"))
	}
	return names
}

func (r *Registry) lookup(name string) (*template.Template, error) {
	r.mu.RLock()
	tmpl, ok := r.parsed[name]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	text, err := r.source(name)
	if err != nil {
		return nil, err
	}
	tmpl, err = template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", name, err)
	}

	r.mu.Lock()
	r.parsed[name] = tmpl
	r.mu.Unlock()
	return tmpl, nil
}

func (r *Registry) source(name string) (string, error) {
	file := name + ".tmpl"
	if r.overrideDir != "" {
		raw, err := os.ReadFile(filepath.Join(r.overrideDir, file))
		if err == nil {
			return string(raw), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read prompt override %s: %w", file, err)
		}
	}
	raw, err := defaultsFS.ReadFile("defaults/" + file)
	if err != nil {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	return string(raw), nil
}
