package toolplan

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/selector"
	"github.com/tessro/maestro/pkg/models"
)

type fakeClient struct {
	name  string
	tools []models.Tool
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Ready() bool  { return true }
func (f *fakeClient) ListTools(ctx context.Context) ([]models.Tool, error) {
	return f.tools, nil
}
func (f *fakeClient) CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

type scriptedCompleter struct {
	replies []string
	errs    []error
	reqs    []llm.Request
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.reqs = append(s.reqs, req)
	i := len(s.reqs) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return llm.Response{}, s.errs[i]
	}
	if i < len(s.replies) {
		return llm.Response{Content: s.replies[i]}, nil
	}
	return llm.Response{}, errors.New("script exhausted")
}

func testRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry(nil)
	fs := &fakeClient{name: "filesystem", tools: []models.Tool{
		{Server: "filesystem", Name: "create_directory", InputSchema: json.RawMessage(`{
			"type": "object", "properties": {"path": {"type": "string"}}, "required": ["path"]
		}`)},
		{Server: "filesystem", Name: "write_file", InputSchema: json.RawMessage(`{
			"type": "object", "properties": {"path": {"type": "string"}, "content": {"type": "string"}}, "required": ["path"]
		}`)},
	}}
	desktop := &fakeClient{name: "desktop", tools: []models.Tool{
		{Server: "desktop", Name: "open_app", InputSchema: json.RawMessage(`{
			"type": "object", "properties": {"name": {"type": "string"}}, "required": ["name"]
		}`)},
	}}
	for _, c := range []*fakeClient{fs, desktop} {
		if err := r.Add(context.Background(), c, false); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func newPlanner(t *testing.T, c *scriptedCompleter) *Planner {
	t.Helper()
	platform := config.PlatformConfig{
		Apps:  map[string]string{"editor": "editor.desktop"},
		Paths: map[string]string{"desktop": "/home/user/Desktop"},
	}
	p := New(c, testRegistry(t), config.StageConfig{}, config.ToolPlanningRetry{MaxAttempts: 3, RetryDelay: 2 * time.Second}, platform, nil)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func item(action string) *models.TodoItem {
	return &models.TodoItem{ID: "1", Action: action, SuccessCriteria: "done", MaxAttempts: 3}
}

func sel(servers ...string) selector.Selection {
	return selector.Selection{Servers: servers, Templates: []string{selector.TemplateFilesystem}}
}

func TestPlan_Valid(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		`{"tool_calls": [{"server": "filesystem", "tool": "create_directory", "parameters": {"path": "/tmp/x"}}], "reasoning": "one directory"}`,
	}}
	p := newPlanner(t, c)
	plan, err := p.Plan(context.Background(), item("create a directory"), sel("filesystem"), "English")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Calls) != 1 || plan.Calls[0].Server != "filesystem" || plan.Calls[0].Tool != "create_directory" {
		t.Errorf("plan = %+v", plan)
	}
	if c.reqs[0].ResponseFormat == nil {
		t.Error("request should carry the constrainer schema")
	}
}

func TestPlan_DropsUnknownAndInfersServer(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		`{"tool_calls": [
			{"server": "ghost", "tool": "do_magic", "parameters": {}},
			{"server": "", "tool": "write_file", "parameters": {"path": "/tmp/a"}}
		]}`,
	}}
	p := newPlanner(t, c)
	plan, err := p.Plan(context.Background(), item("write a file"), sel("filesystem"), "English")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Calls) != 1 {
		t.Fatalf("calls = %+v", plan.Calls)
	}
	if plan.Calls[0].Server != "filesystem" {
		t.Errorf("server not inferred: %+v", plan.Calls[0])
	}
}

func TestPlan_AcceptsQualifiedToolNames(t *testing.T) {
	// Replies that follow the constrained response format name tools in the
	// qualified server__tool form; pruning must not drop them.
	c := &scriptedCompleter{replies: []string{
		`{"tool_calls": [{"server": "filesystem", "tool": "filesystem__write_file", "parameters": {"path": "/tmp/a"}}]}`,
	}}
	p := newPlanner(t, c)
	plan, err := p.Plan(context.Background(), item("write a file"), sel("filesystem"), "English")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Calls) != 1 || plan.Calls[0].Server != "filesystem" || plan.Calls[0].Tool != "write_file" {
		t.Errorf("plan = %+v", plan.Calls)
	}
}

func TestPlan_ParameterAliasCorrected(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		`{"tool_calls": [{"server": "filesystem", "tool": "write_file", "parameters": {"file_path": "/tmp/a", "text": "hi"}}]}`,
	}}
	p := newPlanner(t, c)
	plan, err := p.Plan(context.Background(), item("write a file"), sel("filesystem"), "English")
	if err != nil {
		t.Fatal(err)
	}
	params := plan.Calls[0].Parameters
	if params["path"] != "/tmp/a" || params["content"] != "hi" {
		t.Errorf("parameters = %v", params)
	}
}

func TestPlan_SelfCorrectionRepairs(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		`{"tool_calls": [{"server": "filesystem", "tool": "create_directory", "parameters": {}}]}`,
		`{"tool_calls": [{"server": "filesystem", "tool": "create_directory", "parameters": {"path": "/tmp/x"}}]}`,
	}}
	p := newPlanner(t, c)
	plan, err := p.Plan(context.Background(), item("create a directory"), sel("filesystem"), "English")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Calls[0].Parameters["path"] != "/tmp/x" {
		t.Errorf("plan = %+v", plan)
	}
	if len(c.reqs) != 2 {
		t.Errorf("requests = %d, want initial + one correction", len(c.reqs))
	}
}

func TestPlan_DirectResultShortCircuit(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		`{"tool_calls": [], "direct_result": "2 + 2 = 4", "reasoning": "pure arithmetic"}`,
	}}
	p := newPlanner(t, c)
	plan, err := p.Plan(context.Background(), item("what is 2+2?"), sel("filesystem"), "English")
	if err != nil {
		t.Fatal(err)
	}
	if plan.DirectResult != "2 + 2 = 4" || len(plan.Calls) != 0 {
		t.Errorf("plan = %+v", plan)
	}
}

func TestPlan_FallbackLaunchesKnownApp(t *testing.T) {
	c := &scriptedCompleter{replies: []string{`{"tool_calls": []}`}}
	p := newPlanner(t, c)
	plan, err := p.Plan(context.Background(), item("open the editor"), sel("filesystem", "desktop"), "English")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Calls) != 1 || plan.Calls[0].Server != "desktop" || plan.Calls[0].Tool != "open_app" {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Calls[0].Parameters["name"] != "editor.desktop" {
		t.Errorf("parameters = %v", plan.Calls[0].Parameters)
	}
}

func TestPlan_FallbackCreateDirectoryAtKnownLocation(t *testing.T) {
	c := &scriptedCompleter{replies: []string{`{"tool_calls": []}`}}
	p := newPlanner(t, c)
	plan, err := p.Plan(context.Background(), item("create a folder on the desktop"), sel("filesystem"), "English")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Calls) != 1 || plan.Calls[0].Tool != "create_directory" {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Calls[0].Parameters["path"] != "/home/user/Desktop" {
		t.Errorf("parameters = %v", plan.Calls[0].Parameters)
	}
}

func TestPlan_EmptyButValid(t *testing.T) {
	c := &scriptedCompleter{replies: []string{`{"tool_calls": []}`}}
	p := newPlanner(t, c)
	plan, err := p.Plan(context.Background(), item("summarize our conversation"), sel("filesystem"), "English")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Calls) != 0 || plan.Reasoning != "no tools needed" {
		t.Errorf("plan = %+v", plan)
	}
}

func TestPlan_RetriesAcrossAttempts(t *testing.T) {
	c := &scriptedCompleter{
		errs: []error{errors.New("transient"), nil},
		replies: []string{"",
			`{"tool_calls": [{"server": "filesystem", "tool": "create_directory", "parameters": {"path": "/tmp/x"}}]}`,
		},
	}
	p := newPlanner(t, c)
	delays := 0
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays++
		if d != 2*time.Second {
			t.Errorf("delay = %v", d)
		}
		return nil
	}
	plan, err := p.Plan(context.Background(), item("create a directory"), sel("filesystem"), "English")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Calls) != 1 {
		t.Errorf("plan = %+v", plan)
	}
	if delays != 1 {
		t.Errorf("delays = %d", delays)
	}
}

func TestPlan_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("endpoint down")
	c := &scriptedCompleter{errs: []error{boom, boom, boom}}
	p := newPlanner(t, c)
	if _, err := p.Plan(context.Background(), item("create a directory"), sel("filesystem"), "English"); err == nil {
		t.Error("expected failure after retries")
	}
	if len(c.reqs) != 3 {
		t.Errorf("requests = %d", len(c.reqs))
	}
}
