package schema

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/pkg/models"
)

func catalog() []models.Tool {
	return []models.Tool{
		{
			Server:      "filesystem",
			Name:        "read_file",
			Description: "Read a file from disk",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string"}},
				"required": ["path"],
				"additionalProperties": false
			}`),
		},
		{
			Server: "filesystem",
			Name:   "list_directory",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"directory": {"type": "string"}}
			}`),
		},
		{
			Server: "browser",
			Name:   "navigate",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"url": {"type": "string"}},
				"required": ["url"]
			}`),
		},
	}
}

func rules() map[string]map[string]string {
	return map[string]map[string]string{
		"filesystem__read_file": {"file_path": "path", "filename": "path"},
	}
}

func TestResponseFormatEnums(t *testing.T) {
	c := New(catalog(), nil, nil)
	raw := c.ResponseFormat()
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	for _, want := range []string{`"filesystem"`, `"browser"`, `"filesystem__read_file"`, `"browser__navigate"`, `"tool_calls"`} {
		if !strings.Contains(s, want) {
			t.Errorf("response format missing %s", want)
		}
	}
	if strings.Contains(s, "memory__") {
		t.Error("response format includes a server outside the eligible set")
	}
}

func TestValidate_AcceptsGoodPlan(t *testing.T) {
	c := New(catalog(), nil, nil)
	plan := &models.ToolPlan{Calls: []models.ToolCall{
		{Server: "filesystem", Tool: "read_file", Parameters: map[string]any{"path": "/tmp/x"}},
	}}
	if issues := c.Validate(plan); len(issues) != 0 {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_RejectsUnknownServerAndTool(t *testing.T) {
	c := New(catalog(), nil, nil)
	plan := &models.ToolPlan{Calls: []models.ToolCall{
		{Server: "shell", Tool: "run", Parameters: map[string]any{}},
		{Server: "browser", Tool: "screenshot", Parameters: map[string]any{}},
	}}
	issues := c.Validate(plan)
	if len(issues) != 2 {
		t.Fatalf("issues = %v", issues)
	}
	if !strings.Contains(issues[0], `"shell"`) {
		t.Errorf("issue[0] = %q", issues[0])
	}
	if !strings.Contains(issues[1], `"screenshot"`) {
		t.Errorf("issue[1] = %q", issues[1])
	}
}

func TestValidate_SchemaViolations(t *testing.T) {
	c := New(catalog(), nil, nil)
	tests := []struct {
		name string
		call models.ToolCall
	}{
		{
			name: "missing required parameter",
			call: models.ToolCall{Server: "filesystem", Tool: "read_file", Parameters: map[string]any{}},
		},
		{
			name: "wrong type",
			call: models.ToolCall{Server: "browser", Tool: "navigate", Parameters: map[string]any{"url": 7}},
		},
		{
			name: "additional property",
			call: models.ToolCall{Server: "filesystem", Tool: "read_file", Parameters: map[string]any{"path": "x", "mode": "r"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &models.ToolPlan{Calls: []models.ToolCall{tt.call}}
			if issues := c.Validate(plan); len(issues) == 0 {
				t.Error("expected a validation issue")
			}
		})
	}
}

func TestValidate_AppliesCorrections(t *testing.T) {
	c := New(catalog(), rules(), nil)
	plan := &models.ToolPlan{Calls: []models.ToolCall{
		{Server: "filesystem", Tool: "read_file", Parameters: map[string]any{"file_path": "/tmp/x"}},
	}}
	if issues := c.Validate(plan); len(issues) != 0 {
		t.Fatalf("issues = %v", issues)
	}
	if plan.Calls[0].Parameters["path"] != "/tmp/x" {
		t.Errorf("parameters = %v", plan.Calls[0].Parameters)
	}
	if _, stale := plan.Calls[0].Parameters["file_path"]; stale {
		t.Error("alias parameter survived correction")
	}
}

func TestValidate_InfersServerFromToolName(t *testing.T) {
	c := New(catalog(), nil, nil)
	plan := &models.ToolPlan{Calls: []models.ToolCall{
		{Tool: "navigate", Parameters: map[string]any{"url": "https://example.com"}},
	}}
	if issues := c.Validate(plan); len(issues) != 0 {
		t.Fatalf("issues = %v", issues)
	}
	if plan.Calls[0].Server != "browser" {
		t.Errorf("server = %q", plan.Calls[0].Server)
	}
}

func TestValidate_AcceptsQualifiedToolNames(t *testing.T) {
	// The response format constrains "tool" to qualified server__tool names,
	// so a conformant reply arrives in that form.
	c := New(catalog(), nil, nil)
	plan := &models.ToolPlan{Calls: []models.ToolCall{
		{Server: "filesystem", Tool: "filesystem__read_file", Parameters: map[string]any{"path": "/tmp/x"}},
		{Tool: "browser__navigate", Parameters: map[string]any{"url": "https://example.com"}},
	}}
	if issues := c.Validate(plan); len(issues) != 0 {
		t.Fatalf("issues = %v", issues)
	}
	if plan.Calls[0].Tool != "read_file" {
		t.Errorf("call 0 not normalized: %+v", plan.Calls[0])
	}
	if plan.Calls[1].Server != "browser" || plan.Calls[1].Tool != "navigate" {
		t.Errorf("call 1 server not inferred from prefix: %+v", plan.Calls[1])
	}
}

func TestValidate_NotReadyServer(t *testing.T) {
	ready := func(server string) bool { return server != "browser" }
	c := New(catalog(), nil, ready)
	plan := &models.ToolPlan{Calls: []models.ToolCall{
		{Server: "browser", Tool: "navigate", Parameters: map[string]any{"url": "https://example.com"}},
	}}
	issues := c.Validate(plan)
	if len(issues) != 1 || !strings.Contains(issues[0], "not ready") {
		t.Errorf("issues = %v", issues)
	}
}

type scriptedCompleter struct {
	replies []string
	reqs    []llm.Request
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.reqs = append(s.reqs, req)
	if len(s.replies) == 0 {
		return llm.Response{}, &llm.Error{Kind: llm.KindServer, Message: "script exhausted"}
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return llm.Response{Content: next}, nil
}

func TestCorrect_ValidPlanNeedsNoCall(t *testing.T) {
	c := New(catalog(), nil, nil)
	completer := &scriptedCompleter{}
	plan := &models.ToolPlan{Calls: []models.ToolCall{
		{Server: "browser", Tool: "navigate", Parameters: map[string]any{"url": "https://example.com"}},
	}}
	got, err := Correct(context.Background(), completer, llm.Request{}, c, plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != plan {
		t.Error("valid plan should pass through unchanged")
	}
	if len(completer.reqs) != 0 {
		t.Errorf("unexpected correction calls: %d", len(completer.reqs))
	}
}

func TestCorrect_RepairsWithinBudget(t *testing.T) {
	c := New(catalog(), nil, nil)
	completer := &scriptedCompleter{replies: []string{
		`{"tool_calls": [{"server": "browser", "tool": "navigate", "parameters": {"url": "https://example.com"}}]}`,
	}}
	plan := &models.ToolPlan{Calls: []models.ToolCall{
		{Server: "shell", Tool: "run", Parameters: map[string]any{}},
	}}
	got, err := Correct(context.Background(), completer, llm.Request{}, c, plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Calls) != 1 || got.Calls[0].Server != "browser" || got.Calls[0].Tool != "navigate" {
		t.Errorf("plan = %+v", got)
	}
	// The repair request carries the validation errors verbatim.
	msgs := completer.reqs[0].Messages
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, `"shell"`) {
		t.Errorf("repair prompt missing the violation: %q", last.Content)
	}
	if completer.reqs[0].ResponseFormat == nil {
		t.Error("repair request should be schema constrained")
	}
}

func TestCorrect_ExhaustsBudget(t *testing.T) {
	c := New(catalog(), nil, nil)
	bad := `{"tool_calls": [{"server": "shell", "tool": "run", "parameters": {}}]}`
	completer := &scriptedCompleter{replies: []string{bad, bad, bad}}
	plan := &models.ToolPlan{Calls: []models.ToolCall{
		{Server: "shell", Tool: "run", Parameters: map[string]any{}},
	}}
	_, err := Correct(context.Background(), completer, llm.Request{}, c, plan, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v", err)
	}
	if len(completer.reqs) != MaxCorrectionRounds {
		t.Errorf("correction calls = %d, want %d", len(completer.reqs), MaxCorrectionRounds)
	}
}
