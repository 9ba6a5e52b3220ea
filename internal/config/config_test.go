package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	doc := []byte(`
llm:
  api_endpoint:
    primary: http://llm.internal:8080/v1
    fallback: http://llm-backup.internal:8080/v1
    use_fallback: true
stages:
  tool_planner:
    model: qwen-32b
    fallback_model: qwen-7b
    temperature: 0.05
    max_tokens: 8192
    timeout: 90s
retry:
  replanning:
    max_attempts: 2
    max_new_items: 5
providers:
  - name: filesystem
    url: http://127.0.0.1:9001
  - name: graph-memory
    url: http://127.0.0.1:9002
    memory: true
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIEndpoint.Fallback != "http://llm-backup.internal:8080/v1" {
		t.Errorf("fallback endpoint = %q", cfg.LLM.APIEndpoint.Fallback)
	}
	tp := cfg.Stage("tool_planner")
	if tp.Model != "qwen-32b" || tp.FallbackModel != "qwen-7b" || tp.Timeout != 90*time.Second {
		t.Errorf("tool_planner stage = %+v", tp)
	}
	// Untouched sections keep defaults.
	if cfg.Retry.ItemExecution.MaxAttempts != 1 {
		t.Errorf("item max attempts = %d, want default 1", cfg.Retry.ItemExecution.MaxAttempts)
	}
	if cfg.Retry.Replanning.MaxAttempts != 2 || cfg.Retry.Replanning.MaxNewItems != 5 {
		t.Errorf("replanning budgets = %+v", cfg.Retry.Replanning)
	}
	if len(cfg.Providers) != 2 || !cfg.Providers[1].Memory {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing primary endpoint", "llm:\n  api_endpoint:\n    primary: \"\"\n"},
		{"fallback flag without endpoint", "llm:\n  api_endpoint:\n    primary: http://x\n    use_fallback: true\n"},
		{"duplicate provider", "providers:\n  - {name: a, url: http://x}\n  - {name: a, url: http://y}\n"},
		{"provider without url", "providers:\n  - {name: a}\n"},
		{"two memory providers", "providers:\n  - {name: a, url: http://x, memory: true}\n  - {name: b, url: http://y, memory: true}\n"},
		{"zero new items", "retry:\n  replanning:\n    max_new_items: 0\n"},
		{"unknown field", "surprise: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("MAESTRO_TEST_ENDPOINT", "http://from-env:9999/v1")
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "llm:\n  api_endpoint:\n    primary: ${MAESTRO_TEST_ENDPOINT}\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIEndpoint.Primary != "http://from-env:9999/v1" {
		t.Errorf("primary = %q", cfg.LLM.APIEndpoint.Primary)
	}
}
