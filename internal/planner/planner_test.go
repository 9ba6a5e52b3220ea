package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/pkg/models"
)

type fakeCompleter struct {
	replies []string
	err     error
	reqs    []llm.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return llm.Response{}, f.err
	}
	if len(f.replies) == 0 {
		return llm.Response{}, errors.New("script exhausted")
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	return llm.Response{Content: next}, nil
}

const feasibleReply = `{"feasible": true, "confidence": 90, "strategy": "use the browser", "estimated_steps": 2}`

func planReply() string {
	return `{"items": [
		{"action": "open the browser", "success_criteria": "browser window visible", "dependencies": [], "max_attempts": 2},
		{"action": "play the video", "success_criteria": "video is playing", "dependencies": [1], "tts": "starting playback"}
	]}`
}

func newPlanner(c *fakeCompleter, sink events.Sink) *Planner {
	emitter := events.NewEmitter("session-1", sink)
	return New(c, nil, config.StageConfig{}, config.ItemExecutionRetry{MaxAttempts: 1}, emitter, nil)
}

func TestCreatePlan(t *testing.T) {
	sink := events.NewRecorderSink()
	c := &fakeCompleter{replies: []string{feasibleReply, planReply()}}
	p := newPlanner(c, sink)

	plan, err := p.CreatePlan(context.Background(), "play me a video", nil, models.PlanModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Items) != 2 {
		t.Fatalf("items = %d", len(plan.Items))
	}
	// IDs come from declaration order, never from the model.
	if plan.Items[0].ID != "1" || plan.Items[1].ID != "2" {
		t.Errorf("ids = %q, %q", plan.Items[0].ID, plan.Items[1].ID)
	}
	if got := plan.Items[1].Dependencies; len(got) != 1 || got[0] != "1" {
		t.Errorf("dependencies = %v", got)
	}
	// Declared budgets stick; undeclared ones fall back to the configured
	// item-execution budget.
	if plan.Items[0].MaxAttempts != 2 || plan.Items[1].MaxAttempts != 1 {
		t.Errorf("max attempts = %d, %d", plan.Items[0].MaxAttempts, plan.Items[1].MaxAttempts)
	}
	if plan.Items[1].TTS != "starting playback" {
		t.Errorf("tts = %q", plan.Items[1].TTS)
	}

	types := sink.Types()
	if len(types) != 1 || types[0] != models.EventTodoCreated {
		t.Errorf("events = %v", types)
	}
}

func TestCreatePlan_DefaultAttemptsFromConfig(t *testing.T) {
	c := &fakeCompleter{replies: []string{feasibleReply, planReply()}}
	p := New(c, nil, config.StageConfig{}, config.ItemExecutionRetry{MaxAttempts: 2}, events.NewEmitter("session-1", events.NopSink{}), nil)

	plan, err := p.CreatePlan(context.Background(), "play me a video", nil, models.PlanModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Items[1].MaxAttempts != 2 {
		t.Errorf("max attempts = %d, want the configured budget", plan.Items[1].MaxAttempts)
	}
}

func TestCreatePlan_NormalizesMediaCriteria(t *testing.T) {
	c := &fakeCompleter{replies: []string{feasibleReply, planReply()}}
	p := newPlanner(c, events.NopSink{})

	plan, err := p.CreatePlan(context.Background(), "play me a video", nil, models.PlanModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan.Items[1].SuccessCriteria, "playback timer is advancing") {
		t.Errorf("criteria = %q", plan.Items[1].SuccessCriteria)
	}
	if strings.Contains(plan.Items[0].SuccessCriteria, "playback timer") {
		t.Errorf("non-media criteria mutated: %q", plan.Items[0].SuccessCriteria)
	}
}

func TestCreatePlan_RejectsEmptyAndMalformed(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"empty items", `{"items": []}`},
		{"missing action", `{"items": [{"success_criteria": "x"}]}`},
		{"dependency out of range", `{"items": [{"action": "a", "dependencies": [5]}]}`},
		{"self dependency", `{"items": [{"action": "a", "dependencies": [1]}]}`},
		{"not json", `cannot comply`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCompleter{replies: []string{feasibleReply, tt.reply}}
			p := newPlanner(c, events.NopSink{})
			if _, err := p.CreatePlan(context.Background(), "request", nil, models.PlanModeStandard); err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestCreatePlan_TaskContextOverridesRequest(t *testing.T) {
	c := &fakeCompleter{replies: []string{feasibleReply, planReply()}}
	p := newPlanner(c, events.NopSink{})

	taskCtx := &models.TaskContext{Tasks: []string{"list the connected providers"}, Reason: "handoff"}
	if _, err := p.CreatePlan(context.Background(), "original message", taskCtx, models.PlanModeStandard); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(c.reqs[0].Messages[0].Content, "list the connected providers") {
		t.Error("feasibility prompt should carry the handoff tasks")
	}
}

func TestAssessFeasibility_ParseFailureDefaultsFeasible(t *testing.T) {
	c := &fakeCompleter{replies: []string{"no json here"}}
	p := newPlanner(c, events.NopSink{})

	got := p.AssessFeasibility(context.Background(), "request")
	if !got.Feasible {
		t.Error("parse failure must default to feasible")
	}
	if got.Confidence >= 50 {
		t.Errorf("confidence = %d, want low", got.Confidence)
	}
	if got.Reasoning == "" {
		t.Error("missing diagnostic reasoning")
	}
}

func TestCreatePlan_InfeasibleWithHighConfidence(t *testing.T) {
	c := &fakeCompleter{replies: []string{
		`{"feasible": false, "confidence": 95, "reasoning": "no tools can reach that device"}`,
	}}
	p := newPlanner(c, events.NopSink{})
	if _, err := p.CreatePlan(context.Background(), "request", nil, models.PlanModeStandard); err == nil {
		t.Error("confidently infeasible request should be rejected")
	}
}

func TestNormalizeCriteria(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		criteria string
		want     string
	}{
		{"fullscreen", "make the window fullscreen", "window is fullscreen", "fullscreen indicator visible"},
		{"audio", "play music in the background", "music started", "audio position indicator is advancing"},
		{"plain", "create a directory", "directory exists", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeCriteria(tt.action, tt.criteria)
			if tt.want == "" {
				if got != tt.criteria {
					t.Errorf("criteria mutated: %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("got %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
