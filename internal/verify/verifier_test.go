package verify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/selector"
	"github.com/tessro/maestro/pkg/models"
)

type fakeClient struct {
	name  string
	tools []models.Tool
	calls []string
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Ready() bool  { return true }
func (f *fakeClient) ListTools(ctx context.Context) ([]models.Tool, error) {
	return f.tools, nil
}
func (f *fakeClient) CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	f.calls = append(f.calls, tool)
	return json.RawMessage(`{"screen": "video player visible, timer advancing"}`), nil
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

func newVerifier(t *testing.T, c *scriptedCompleter, sink events.Sink) (*Verifier, *fakeClient, *[]time.Duration) {
	t.Helper()
	desktop := &fakeClient{name: "desktop", tools: []models.Tool{
		{Server: "desktop", Name: "screenshot", InputSchema: json.RawMessage(`{"type": "object"}`)},
		{Server: "desktop", Name: "open_app"},
	}}
	reg := provider.NewRegistry(nil)
	if err := reg.Add(context.Background(), desktop, false); err != nil {
		t.Fatal(err)
	}
	platform := config.PlatformConfig{Apps: map[string]string{"player": "player.desktop"}}
	v := New(c, reg, nil, config.StageConfig{}, platform, events.NewEmitter("session-1", sink), nil)
	var delays []time.Duration
	v.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return v, desktop, &delays
}

func executedItem() (*models.TodoItem, *models.ExecutionResult) {
	item := &models.TodoItem{ID: "1", Action: "play the video", SuccessCriteria: "playback timer is advancing"}
	execution := &models.ExecutionResult{
		Calls:   []models.CallResult{{Server: "desktop", Tool: "click", Success: true}},
		Success: true,
	}
	return item, execution
}

const evidenceReply = `{"tool_calls": [{"server": "desktop", "tool": "screenshot", "parameters": {}}], "reasoning": "capture the player"}`

func TestVerify_TwoPhases(t *testing.T) {
	sink := events.NewRecorderSink()
	c := &scriptedCompleter{replies: []string{
		evidenceReply,
		`{"verified": true, "confidence": 90, "reason": "timer advancing", "evidence": "screenshot shows playback"}`,
	}}
	v, desktop, _ := newVerifier(t, c, sink)

	item, execution := executedItem()
	result := v.Verify(context.Background(), item, execution, selector.Selection{Servers: []string{"desktop"}})
	if !result.Verified || result.Confidence != 90 {
		t.Errorf("result = %+v", result)
	}
	if len(desktop.calls) != 1 || desktop.calls[0] != "screenshot" {
		t.Errorf("evidence calls = %v", desktop.calls)
	}
	// The decision prompt carries the gathered evidence.
	if !strings.Contains(c.reqs[1].Messages[0].Content, "video player visible") {
		t.Error("decision prompt missing evidence")
	}
	types := sink.Types()
	if len(types) != 1 || types[0] != models.EventItemVerified {
		t.Errorf("events = %v", types)
	}
}

func TestVerify_ScreenEvidenceAlwaysIncluded(t *testing.T) {
	// The model plans no capture; the verifier appends one.
	c := &scriptedCompleter{replies: []string{
		`{"tool_calls": []}`,
		`{"verified": false, "confidence": 40, "reason": "nothing visible"}`,
	}}
	v, desktop, _ := newVerifier(t, c, events.NopSink{})

	item, execution := executedItem()
	v.Verify(context.Background(), item, execution, selector.Selection{Servers: []string{"desktop"}})
	if len(desktop.calls) != 1 || desktop.calls[0] != "screenshot" {
		t.Errorf("evidence calls = %v", desktop.calls)
	}
}

func TestVerify_ParseFailureMeansNotVerified(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		evidenceReply,
		`the step looked fine to me`,
	}}
	v, _, _ := newVerifier(t, c, events.NopSink{})

	item, execution := executedItem()
	result := v.Verify(context.Background(), item, execution, selector.Selection{Servers: []string{"desktop"}})
	if result.Verified {
		t.Error("unparseable decision must not verify")
	}
	if result.Reason == "" {
		t.Error("missing diagnostic reason")
	}
}

func TestVerify_EvidencePlanningFailureDegradesToCapture(t *testing.T) {
	c := &scriptedCompleter{
		errs: []error{errors.New("endpoint down"), nil},
		replies: []string{"",
			`{"verified": true, "confidence": 70, "reason": "screenshot is conclusive"}`,
		},
	}
	v, desktop, _ := newVerifier(t, c, events.NopSink{})

	item, execution := executedItem()
	result := v.Verify(context.Background(), item, execution, selector.Selection{Servers: []string{"desktop"}})
	if !result.Verified {
		t.Errorf("result = %+v", result)
	}
	if len(desktop.calls) != 1 || desktop.calls[0] != "screenshot" {
		t.Errorf("evidence calls = %v", desktop.calls)
	}
}

func TestSettleDelay(t *testing.T) {
	c := &scriptedCompleter{replies: []string{evidenceReply, `{"verified": true, "confidence": 80, "reason": "ok"}`}}
	v, _, delays := newVerifier(t, c, events.NopSink{})

	item := &models.TodoItem{ID: "1", Action: "open the player app", SuccessCriteria: "player visible"}
	execution := &models.ExecutionResult{Calls: []models.CallResult{{Server: "desktop", Tool: "open_app", Success: true}}}
	v.Verify(context.Background(), item, execution, selector.Selection{Servers: []string{"desktop"}})
	if (*delays)[0] != 2500*time.Millisecond {
		t.Errorf("app-launch delay = %v", (*delays)[0])
	}

	c2 := &scriptedCompleter{replies: []string{evidenceReply, `{"verified": true, "confidence": 80, "reason": "ok"}`}}
	v2, _, delays2 := newVerifier(t, c2, events.NopSink{})
	plain, execution2 := executedItem()
	v2.Verify(context.Background(), plain, execution2, selector.Selection{Servers: []string{"desktop"}})
	if (*delays2)[0] != 1000*time.Millisecond {
		t.Errorf("default delay = %v", (*delays2)[0])
	}
}
