// Package planner turns a user request into a hierarchical TODO plan: a
// feasibility pass, a plan-creation pass, and deterministic normalization of
// success criteria.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/prompts"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/ratelimit"
	"github.com/tessro/maestro/pkg/models"
)

// ErrEmptyPlan is returned when the model produces no usable items.
var ErrEmptyPlan = errors.New("plan has no items")

// Planner is the first agent of the pipeline.
type Planner struct {
	llm      llm.Completer
	registry *provider.Registry
	stage    config.StageConfig
	retryCfg config.ItemExecutionRetry
	emitter  *events.Emitter
	logger   *slog.Logger
}

// New builds a planner.
func New(completer llm.Completer, registry *provider.Registry, stage config.StageConfig, retryCfg config.ItemExecutionRetry, emitter *events.Emitter, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		llm:      completer,
		registry: registry,
		stage:    stage,
		retryCfg: retryCfg,
		emitter:  emitter,
		logger:   logger.With("component", "planner"),
	}
}

// AssessFeasibility runs the reasoning pass. A reply that cannot be parsed
// defaults to feasible with low confidence so planning proceeds; the
// diagnostic lands in the reasoning field.
func (p *Planner) AssessFeasibility(ctx context.Context, request string) models.PlanReasoning {
	resp, err := p.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: prompts.Render(prompts.Feasibility, map[string]string{
				prompts.SlotUserRequest:    request,
				prompts.SlotAvailableTools: p.toolsSummary(),
			}),
		}},
		Stage:    p.stage,
		Priority: ratelimit.PriorityNormal,
	})
	if err != nil {
		return models.PlanReasoning{
			Feasible:   true,
			Confidence: 30,
			Reasoning:  fmt.Sprintf("feasibility call failed, proceeding: %v", err),
		}
	}
	var reasoning struct {
		Feasible       bool     `json:"feasible"`
		Confidence     int      `json:"confidence"`
		Strategy       string   `json:"strategy"`
		Risks          []string `json:"risks"`
		Prerequisites  []string `json:"prerequisites"`
		EstimatedSteps int      `json:"estimated_steps"`
		Reasoning      string   `json:"reasoning"`
	}
	if err := llm.DecodeInto(resp.Content, &reasoning); err != nil {
		return models.PlanReasoning{
			Feasible:   true,
			Confidence: 30,
			Reasoning:  fmt.Sprintf("feasibility reply unparseable, proceeding: %v", err),
		}
	}
	return models.PlanReasoning{
		Feasible:       reasoning.Feasible,
		Confidence:     reasoning.Confidence,
		Strategy:       reasoning.Strategy,
		Risks:          reasoning.Risks,
		Prerequisites:  reasoning.Prerequisites,
		EstimatedSteps: reasoning.EstimatedSteps,
		Reasoning:      reasoning.Reasoning,
	}
}

// planItemWire is the LLM wire shape of one planned step. Dependencies are
// 1-based positions into the same list; IDs are never taken from the model.
type planItemWire struct {
	Action          string `json:"action"`
	SuccessCriteria string `json:"success_criteria"`
	Dependencies    []int  `json:"dependencies"`
	MaxAttempts     int    `json:"max_attempts"`
	TTS             string `json:"tts"`
}

// CreatePlan runs feasibility and plan creation, assigns root IDs in
// declaration order, normalizes success criteria, and emits the creation
// event. taskCtx, when non-nil, replaces the raw request with the
// introspect branch's pre-analyzed tasks.
func (p *Planner) CreatePlan(ctx context.Context, request string, taskCtx *models.TaskContext, mode models.PlanMode) (*models.TodoPlan, error) {
	planRequest := request
	if taskCtx != nil && len(taskCtx.Tasks) > 0 {
		planRequest = strings.Join(taskCtx.Tasks, "\n")
	}

	reasoning := p.AssessFeasibility(ctx, planRequest)
	if !reasoning.Feasible && reasoning.Confidence >= 80 {
		return nil, fmt.Errorf("request assessed infeasible: %s", reasoning.Reasoning)
	}

	resp, err := p.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: prompts.Render(prompts.PlanCreation, map[string]string{
				prompts.SlotUserRequest:    planRequest,
				prompts.SlotContext:        reasoning.Strategy,
				prompts.SlotAvailableTools: p.toolsSummary(),
				prompts.SlotUserLanguage:   prompts.DetectLanguage(request),
			}),
		}},
		Stage:    p.stage,
		Priority: ratelimit.PriorityNormal,
	})
	if err != nil {
		return nil, fmt.Errorf("plan creation: %w", err)
	}

	var wire struct {
		Items []planItemWire `json:"items"`
	}
	if err := llm.DecodeInto(resp.Content, &wire); err != nil {
		return nil, fmt.Errorf("plan creation: %w", err)
	}

	plan, err := buildPlan(request, wire.Items, mode, p.defaultAttempts())
	if err != nil {
		return nil, err
	}
	plan.Complexity = reasoning.EstimatedSteps

	if p.emitter != nil {
		p.emitter.TodoCreated(ctx, plan, summarize(plan))
	}
	p.logger.Info("plan created", "plan", plan.ID, "items", len(plan.Items), "mode", string(mode))
	return plan, nil
}

// defaultAttempts is the item attempt budget when the model declares none:
// the configured retry.item_execution.max_attempts, floored at one.
func (p *Planner) defaultAttempts() int {
	if p.retryCfg.MaxAttempts < 1 {
		return 1
	}
	return p.retryCfg.MaxAttempts
}

// buildPlan converts wire items into a plan: root IDs in declaration order,
// positional dependencies resolved to those IDs, criteria normalized.
func buildPlan(request string, items []planItemWire, mode models.PlanMode, defaultAttempts int) (*models.TodoPlan, error) {
	plan := &models.TodoPlan{
		ID:      uuid.NewString(),
		Request: request,
		Mode:    mode,
		Context: models.PlanContext{OriginalRequest: request},
	}
	for i, w := range items {
		if strings.TrimSpace(w.Action) == "" {
			return nil, fmt.Errorf("plan item %d has no action", i+1)
		}
		item := &models.TodoItem{
			ID:              strconv.Itoa(i + 1),
			Action:          strings.TrimSpace(w.Action),
			SuccessCriteria: NormalizeCriteria(w.Action, w.SuccessCriteria),
			Status:          models.StatusPending,
			MaxAttempts:     w.MaxAttempts,
			TTS:             w.TTS,
		}
		if item.MaxAttempts <= 0 {
			item.MaxAttempts = defaultAttempts
		}
		for _, dep := range w.Dependencies {
			if dep < 1 || dep > len(items) {
				return nil, fmt.Errorf("plan item %d depends on position %d, out of range", i+1, dep)
			}
			if dep == i+1 {
				return nil, fmt.Errorf("plan item %d depends on itself", i+1)
			}
			item.Dependencies = append(item.Dependencies, strconv.Itoa(dep))
		}
		plan.Items = append(plan.Items, item)
	}
	if len(plan.Items) == 0 {
		return nil, ErrEmptyPlan
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan rejected: %w", err)
	}
	plan.UpdateProgress()
	return plan, nil
}

// mediaIndicators maps action/criteria phrasings to the observable indicator
// appended to the success criteria. Verification of playback or fullscreen
// by intent alone is unreliable; the indicator pins what the verifier must
// actually see.
var mediaIndicators = []struct {
	cues      []string
	indicator string
}{
	{
		cues:      []string{"play video", "play the video", "playback", "play a video", "watch"},
		indicator: "playback timer is advancing",
	},
	{
		cues:      []string{"fullscreen", "full screen", "full-screen"},
		indicator: "fullscreen indicator visible or window covers the entire display",
	},
	{
		cues:      []string{"play music", "play audio", "play the song", "play a song"},
		indicator: "audio position indicator is advancing",
	},
}

// NormalizeCriteria deterministically appends observable indicators for
// media-related steps.
func NormalizeCriteria(action, criteria string) string {
	criteria = strings.TrimSpace(criteria)
	if criteria == "" {
		criteria = "the action visibly completed"
	}
	low := strings.ToLower(action + " " + criteria)
	for _, m := range mediaIndicators {
		for _, cue := range m.cues {
			if strings.Contains(low, cue) && !strings.Contains(strings.ToLower(criteria), m.indicator) {
				criteria = criteria + "; " + m.indicator
				break
			}
		}
	}
	return criteria
}

func (p *Planner) toolsSummary() string {
	if p.registry == nil {
		return "(no providers connected)"
	}
	return p.registry.ToolsSummary()
}

func summarize(plan *models.TodoPlan) string {
	if len(plan.Items) == 0 {
		return plan.Request
	}
	actions := make([]string, 0, len(plan.Items))
	for _, item := range plan.Items {
		actions = append(actions, item.Action)
	}
	s := strings.Join(actions, "; ")
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
