// Package toolplan produces the validated tool-call sequence for one todo
// item: prompt assembly from the selected template, a schema-constrained
// model call, pruning and self-correction, and deterministic fallbacks.
package toolplan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/prompts"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/ratelimit"
	"github.com/tessro/maestro/internal/retry"
	"github.com/tessro/maestro/internal/schema"
	"github.com/tessro/maestro/internal/selector"
	"github.com/tessro/maestro/pkg/models"
)

// Planner turns one item into a tool plan.
type Planner struct {
	llm      llm.Completer
	registry *provider.Registry
	stage    config.StageConfig
	retryCfg config.ToolPlanningRetry
	platform config.PlatformConfig
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a tool planner.
func New(completer llm.Completer, registry *provider.Registry, stage config.StageConfig, retryCfg config.ToolPlanningRetry, platform config.PlatformConfig, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		llm:      completer,
		registry: registry,
		stage:    stage,
		retryCfg: retryCfg,
		platform: platform,
		logger:   logger.With("component", "toolplan"),
		sleep:    retry.Sleep,
	}
}

// SetSleep replaces the retry delay function. Intended for tests.
func (p *Planner) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	p.sleep = fn
}

// Plan produces a validated plan for the item, retrying the whole pipeline
// up to the configured attempts with a fixed delay in between. The returned
// plan may be empty-but-valid ("no tools needed") or carry a direct result.
func (p *Planner) Plan(ctx context.Context, item *models.TodoItem, sel selector.Selection, language string) (*models.ToolPlan, error) {
	attempts := p.retryCfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		plan, err := p.planOnce(ctx, item, sel, language)
		if err == nil {
			return plan, nil
		}
		lastErr = err
		p.logger.Warn("tool planning attempt failed", "item", item.ID, "attempt", attempt, "error", err)
		if attempt < attempts {
			if err := p.sleep(ctx, p.retryCfg.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("tool planning for item %s: %w", item.ID, lastErr)
}

func (p *Planner) planOnce(ctx context.Context, item *models.TodoItem, sel selector.Selection, language string) (*models.ToolPlan, error) {
	tools := p.registry.ListTools(sel.Servers...)
	cons := schema.New(tools, p.registry.CorrectionRules(), p.readyFn())

	template := selector.TemplateText(firstTemplate(sel.Templates))
	req := llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: prompts.Render(template, map[string]string{
				prompts.SlotAction:         item.Action,
				prompts.SlotCriteria:       item.SuccessCriteria,
				prompts.SlotContext:        planContext(item),
				prompts.SlotAvailableTools: p.registry.ToolsSummary(sel.Servers...),
				prompts.SlotUserLanguage:   language,
			}),
		}},
		Stage:          p.stage,
		ResponseFormat: cons.ResponseFormat(),
		SchemaName:     "tool_plan",
		Priority:       ratelimit.PriorityNormal,
	}

	resp, err := p.llm.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	raw, err := llm.ParseJSONResponse(resp.Content)
	if err != nil {
		return nil, err
	}
	plan, err := schema.DecodePlan(raw)
	if err != nil {
		return nil, err
	}

	// A direct answer with no tool work short-circuits the pipeline.
	if plan.DirectResult != "" && len(plan.Calls) == 0 {
		return plan, nil
	}

	p.prune(cons, plan)

	plan, err = schema.Correct(ctx, p.llm, req, cons, plan, p.logger)
	if err != nil {
		return nil, err
	}

	if len(plan.Calls) == 0 && plan.DirectResult == "" {
		return p.FallbackPlan(item.Action, cons), nil
	}
	return plan, nil
}

// prune drops calls referencing inactive servers or unknown tools before
// self-correction, re-inferring the server from the tool name when absent.
func (p *Planner) prune(cons *schema.Constrainer, plan *models.ToolPlan) {
	kept := plan.Calls[:0]
	for _, call := range plan.Calls {
		cons.NormalizeCall(&call)
		if call.Server == "" {
			if server, ok := cons.InferServer(call.Tool); ok {
				call.Server = server
			}
		}
		if !cons.HasServer(call.Server) {
			p.logger.Warn("dropping call to inactive server", "server", call.Server, "tool", call.Tool)
			continue
		}
		if !cons.HasTool(call.Server + models.ToolNameSeparator + call.Tool) {
			p.logger.Warn("dropping call to unknown tool", "server", call.Server, "tool", call.Tool)
			continue
		}
		kept = append(kept, call)
	}
	plan.Calls = kept
}

// launchTools and mkdirTools name the tool families the fallback planner
// can target, in preference order.
var (
	launchTools = []string{"open_app", "launch_app", "open_application", "launch"}
	mkdirTools  = []string{"create_directory", "make_directory", "mkdir"}
)

// FallbackPlan builds a deterministic plan from action keywords when the
// model produced nothing: app launches map through the platform app table,
// directory creation maps through the symbolic path table. Anything else is
// an empty-but-valid plan.
func (p *Planner) FallbackPlan(action string, cons *schema.Constrainer) *models.ToolPlan {
	low := strings.ToLower(action)

	if app, target := p.matchApp(low); app != "" {
		if server, tool, ok := findTool(cons, launchTools); ok {
			return &models.ToolPlan{
				Calls: []models.ToolCall{{
					Server:     server,
					Tool:       tool,
					Parameters: map[string]any{"name": target},
				}},
				Reasoning: fmt.Sprintf("fallback: launch %s", app),
			}
		}
	}

	if strings.Contains(low, "create") && (strings.Contains(low, "directory") || strings.Contains(low, "folder")) {
		if server, tool, ok := findTool(cons, mkdirTools); ok {
			if dir := p.matchPath(low); dir != "" {
				return &models.ToolPlan{
					Calls: []models.ToolCall{{
						Server:     server,
						Tool:       tool,
						Parameters: map[string]any{"path": dir},
					}},
					Reasoning: "fallback: create directory at a known location",
				}
			}
		}
	}

	return &models.ToolPlan{Reasoning: "no tools needed"}
}

func (p *Planner) matchApp(action string) (name, target string) {
	if !strings.Contains(action, "open") && !strings.Contains(action, "launch") && !strings.Contains(action, "start") {
		return "", ""
	}
	for app, launchTarget := range p.platform.Apps {
		if strings.Contains(action, strings.ToLower(app)) {
			return app, launchTarget
		}
	}
	return "", ""
}

func (p *Planner) matchPath(action string) string {
	for symbolic, dir := range p.platform.Paths {
		if strings.Contains(action, strings.ToLower(symbolic)) {
			return dir
		}
	}
	return ""
}

func findTool(cons *schema.Constrainer, names []string) (server, tool string, ok bool) {
	for _, name := range names {
		if s, found := cons.InferServer(name); found {
			return s, name, true
		}
	}
	return "", "", false
}

func (p *Planner) readyFn() func(string) bool {
	return func(server string) bool {
		c, ok := p.registry.Provider(server)
		return ok && c.Ready()
	}
}

func firstTemplate(templates []string) string {
	if len(templates) == 0 {
		return selector.TemplateDefault
	}
	return templates[0]
}

func planContext(item *models.TodoItem) string {
	var parts []string
	if item.ReplanReason != "" {
		parts = append(parts, "This step replaces a failed attempt: "+item.ReplanReason)
	}
	if item.LastVerification != nil && !item.LastVerification.Verified {
		parts = append(parts, "Previous attempt failed verification: "+item.LastVerification.Reason)
	}
	return strings.Join(parts, "\n")
}
