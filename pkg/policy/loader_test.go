package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/teraunit/teraunit/pkg/engine"
)

const capPolicy = `package teraunit.admission.cap

# Caps dataset size for a single move

deny contains violation if {
	input.launch.dataset_size_gb > 100
	violation := {"code": "DATASET_TOO_LARGE", "message": "too large"}
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "dataset-cap.rego")
	writeFile(t, policyFile, capPolicy)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "dataset-cap" {
		t.Errorf("Expected name 'dataset-cap', got '%s'", policy.Name)
	}
	if policy.Description != "Caps dataset size for a single move" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityError || !policy.Enabled {
		t.Errorf("Operator policy should default to enabled error severity, got %+v", policy)
	}
	if policy.Source != policyFile {
		t.Errorf("Source = %s, want %s", policy.Source, policyFile)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	good := filepath.Join(dir, "advisory.json")
	writeFile(t, good, `{"severity": "warning", "rego": "package a\n\ndeny contains \"x\" if { false }\n"}`)

	policy, err := loader.loadFromFile(context.Background(), good)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "advisory" || policy.Severity != SeverityWarning || !policy.Enabled {
		t.Errorf("Unexpected policy %+v", policy)
	}

	empty := filepath.Join(dir, "empty.json")
	writeFile(t, empty, `{"name": "empty"}`)
	if _, err := loader.loadFromFile(context.Background(), empty); err == nil {
		t.Error("Expected error for policy without rego")
	}

	invalid := filepath.Join(dir, "invalid.json")
	writeFile(t, invalid, `{not json`)
	if _, err := loader.loadFromFile(context.Background(), invalid); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.rego"), capPolicy)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), "package b\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	path := filepath.Join(t.TempDir(), "policy.txt")
	writeFile(t, path, "x")
	if _, err := loader.loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"single line", "# One line\npackage x", "One line"},
		{"multi line", "# First\n# Second\n\npackage x", "First Second"},
		{"after package", "package x\n\n# Desc\ndeny contains 1 if { true }", "Desc"},
		{"none", "package x", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.want {
				t.Errorf("extractDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineWatchReloadsPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "placeholder.rego"), "package teraunit.admission.placeholder\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	req := engine.LaunchRequest{Provider: engine.ProviderRunPod, DatasetSizeGB: 500}
	decision, err := eng.EvaluateLaunch(ctx, req)
	if err != nil || !decision.Allowed {
		t.Fatalf("launch blocked before policy was added: %+v, %v", decision, err)
	}

	writeFile(t, filepath.Join(dir, "cap.rego"), capPolicy)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		decision, err = eng.EvaluateLaunch(ctx, req)
		if err == nil && !decision.Allowed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("new policy was not picked up by the watcher")
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "p.rego")
	writeFile(t, path, capPolicy)

	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if len(loader.cache) != 1 {
		t.Fatalf("Expected 1 cached policy, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected empty cache, got %d", len(loader.cache))
	}
}
