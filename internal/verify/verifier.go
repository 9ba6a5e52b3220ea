// Package verify decides whether an executed item actually achieved its
// success criteria: evidence gathering with mandatory screen evidence, then
// an LLM decision over the collected material.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/prompts"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/ratelimit"
	"github.com/tessro/maestro/internal/schema"
	"github.com/tessro/maestro/internal/selector"
	"github.com/tessro/maestro/pkg/models"
)

// Settle delays before evidence gathering: freshly launched applications
// need longer to paint than in-place state changes.
const (
	appLaunchDelay = 2500 * time.Millisecond
	defaultDelay   = 1000 * time.Millisecond
)

// screenEvidenceTools name the tool families that count as screen evidence,
// in preference order.
var screenEvidenceTools = []string{
	"screenshot", "take_screenshot", "capture_screen", "screen_capture", "read_file",
}

// launchKeywords flag an action or shell command as an app launch.
var launchKeywords = []string{"open ", "launch ", "start ", "xdg-open", "gtk-launch"}

// Verifier is the third agent of the pipeline. Verification runs at high
// throttler priority so a long planning queue cannot stall it.
type Verifier struct {
	llm       llm.Completer
	registry  *provider.Registry
	throttler *ratelimit.Throttler
	stage     config.StageConfig
	platform  config.PlatformConfig
	emitter   *events.Emitter
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New builds a verifier.
func New(completer llm.Completer, registry *provider.Registry, throttler *ratelimit.Throttler, stage config.StageConfig, platform config.PlatformConfig, emitter *events.Emitter, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		llm:       completer,
		registry:  registry,
		throttler: throttler,
		stage:     stage,
		platform:  platform,
		emitter:   emitter,
		logger:    logger.With("component", "verifier"),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// SetSleep replaces the settle-delay function. Intended for tests.
func (v *Verifier) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	v.sleep = fn
}

// Verify runs both phases for one executed item and emits the decision.
// sel is the same provider selection the executor used.
func (v *Verifier) Verify(ctx context.Context, item *models.TodoItem, execution *models.ExecutionResult, sel selector.Selection) *models.VerificationResult {
	if err := v.sleep(ctx, v.settleDelay(item, execution)); err != nil {
		return &models.VerificationResult{Verified: false, Reason: err.Error()}
	}

	evidence := v.gatherEvidence(ctx, item, execution, sel)
	result := v.decide(ctx, item, execution, evidence)

	if v.emitter != nil {
		v.emitter.ItemVerified(ctx, item.ID, result)
	}
	return result
}

// settleDelay picks the pre-evidence wait: longer when the execution or the
// action indicates an application launch.
func (v *Verifier) settleDelay(item *models.TodoItem, execution *models.ExecutionResult) time.Duration {
	if v.looksLikeLaunch(item, execution) {
		return appLaunchDelay
	}
	return defaultDelay
}

func (v *Verifier) looksLikeLaunch(item *models.TodoItem, execution *models.ExecutionResult) bool {
	if execution != nil {
		for _, call := range execution.Calls {
			for _, name := range []string{"open_app", "launch_app", "open_application", "launch"} {
				if call.Tool == name {
					return true
				}
			}
			if call.Tool == "run_command" || strings.Contains(call.Tool, "shell") {
				if cmd, ok := callCommand(call); ok && hasAny(cmd, launchKeywords) {
					return true
				}
			}
		}
	}
	low := strings.ToLower(item.Action)
	if hasAny(low, launchKeywords) {
		for app := range v.platform.Apps {
			if strings.Contains(low, strings.ToLower(app)) {
				return true
			}
		}
	}
	return false
}

// gatherEvidence plans and runs the evidence calls. The planned set always
// ends up containing at least one screen-evidence capture; when planning
// fails the phase degrades to that capture alone.
func (v *Verifier) gatherEvidence(ctx context.Context, item *models.TodoItem, execution *models.ExecutionResult, sel selector.Selection) string {
	tools := v.registry.ListTools(sel.Servers...)
	cons := schema.New(tools, v.registry.CorrectionRules(), func(server string) bool {
		c, ok := v.registry.Provider(server)
		return ok && c.Ready()
	})

	plan := v.planEvidence(ctx, item, execution, cons)
	plan.Calls = ensureScreenEvidence(cons, plan.Calls)

	var b strings.Builder
	for _, call := range plan.Calls {
		raw, err := v.invoke(ctx, call)
		if err != nil {
			fmt.Fprintf(&b, "- %s failed: %v\n", call.Key(), err)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", call.Key(), clip(string(raw), 1500))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (v *Verifier) planEvidence(ctx context.Context, item *models.TodoItem, execution *models.ExecutionResult, cons *schema.Constrainer) *models.ToolPlan {
	req := llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: prompts.Render(prompts.VerifyEvidence, map[string]string{
				prompts.SlotAction:         item.Action,
				prompts.SlotCriteria:       item.SuccessCriteria,
				prompts.SlotResults:        executionSummary(execution),
				prompts.SlotAvailableTools: cataloguedTools(cons),
			}),
		}},
		Stage:          v.stage,
		ResponseFormat: cons.ResponseFormat(),
		SchemaName:     "evidence_plan",
		Priority:       ratelimit.PriorityHigh,
	}
	resp, err := v.llm.Complete(ctx, req)
	if err != nil {
		v.logger.Warn("evidence planning failed", "item", item.ID, "error", err)
		return &models.ToolPlan{}
	}
	raw, err := llm.ParseJSONResponse(resp.Content)
	if err != nil {
		return &models.ToolPlan{}
	}
	plan, err := schema.DecodePlan(raw)
	if err != nil {
		return &models.ToolPlan{}
	}
	plan, err = schema.Correct(ctx, v.llm, req, cons, plan, v.logger)
	if err != nil {
		v.logger.Warn("evidence plan rejected", "item", item.ID, "error", err)
		return &models.ToolPlan{}
	}
	return plan
}

// ensureScreenEvidence appends a capture call when the planned set has none.
func ensureScreenEvidence(cons *schema.Constrainer, calls []models.ToolCall) []models.ToolCall {
	for _, call := range calls {
		if isScreenEvidence(call.Tool) {
			return calls
		}
	}
	for _, name := range screenEvidenceTools {
		if name == "read_file" {
			continue // a blind read-back needs a path; only planned reads qualify
		}
		if server, ok := cons.InferServer(name); ok {
			return append(calls, models.ToolCall{Server: server, Tool: name, Parameters: map[string]any{}})
		}
	}
	return calls
}

func isScreenEvidence(tool string) bool {
	for _, name := range screenEvidenceTools {
		if tool == name {
			return true
		}
	}
	return false
}

func (v *Verifier) invoke(ctx context.Context, call models.ToolCall) (json.RawMessage, error) {
	client, ok := v.registry.Provider(call.Server)
	if !ok || !client.Ready() {
		return nil, fmt.Errorf("provider %q unavailable", call.Server)
	}
	if v.throttler != nil {
		release, err := v.throttler.Acquire(ctx, ratelimit.PriorityHigh)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	timeout := v.platform.ToolTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.CallTool(callCtx, call.Tool, call.Parameters)
}

// decide runs the decision call. Any failure to obtain or parse a decision
// yields verified=false, never a silent pass.
func (v *Verifier) decide(ctx context.Context, item *models.TodoItem, execution *models.ExecutionResult, evidence string) *models.VerificationResult {
	resp, err := v.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: prompts.Render(prompts.VerifyDecision, map[string]string{
				prompts.SlotAction:   item.Action,
				prompts.SlotCriteria: item.SuccessCriteria,
				prompts.SlotResults:  executionSummary(execution),
				prompts.SlotEvidence: evidence,
			}),
		}},
		Stage:    v.stage,
		Priority: ratelimit.PriorityHigh,
	})
	if err != nil {
		return &models.VerificationResult{Verified: false, Reason: fmt.Sprintf("verification call failed: %v", err)}
	}
	var wire struct {
		Verified            bool   `json:"verified"`
		Confidence          int    `json:"confidence"`
		Reason              string `json:"reason"`
		Evidence            string `json:"evidence"`
		LikelyCause         string `json:"likely_cause"`
		RecommendedStrategy string `json:"recommended_strategy"`
	}
	if err := llm.DecodeInto(resp.Content, &wire); err != nil {
		return &models.VerificationResult{Verified: false, Reason: fmt.Sprintf("verification reply unparseable: %v", err)}
	}
	return &models.VerificationResult{
		Verified:            wire.Verified,
		Confidence:          wire.Confidence,
		Reason:              wire.Reason,
		Evidence:            wire.Evidence,
		LikelyCause:         wire.LikelyCause,
		RecommendedStrategy: wire.RecommendedStrategy,
	}
}

func executionSummary(execution *models.ExecutionResult) string {
	if execution == nil || len(execution.Calls) == 0 {
		return "(no tool calls ran)"
	}
	var b strings.Builder
	for _, call := range execution.Calls {
		if call.Success {
			fmt.Fprintf(&b, "- %s__%s ok: %s\n", call.Server, call.Tool, clip(fmt.Sprint(call.Result), 300))
		} else {
			fmt.Fprintf(&b, "- %s__%s failed: %s\n", call.Server, call.Tool, call.Error)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func cataloguedTools(cons *schema.Constrainer) string {
	return strings.Join(cons.ToolEnum(), "\n")
}

func callCommand(call models.CallResult) (string, bool) {
	// Command text is not retained on call records; match on the result
	// echo when present.
	s, ok := call.Result.(string)
	return strings.ToLower(s), ok && s != ""
}

func hasAny(s string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}

func clip(s string, max int) string {
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
