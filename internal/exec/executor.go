// Package exec runs a validated tool plan against the providers, one call
// at a time, in declaration order.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/ratelimit"
	"github.com/tessro/maestro/pkg/models"
)

// defaultToolTimeout bounds one tool invocation when the platform config
// does not override it.
const defaultToolTimeout = 30 * time.Second

// maxResultLen bounds how much of a tool result is kept on the call record.
const maxResultLen = 2000

// Executor invokes planned tool calls through the registry.
type Executor struct {
	registry  *provider.Registry
	throttler *ratelimit.Throttler
	platform  config.PlatformConfig
	emitter   *events.Emitter
	logger    *slog.Logger
}

// New builds an executor.
func New(registry *provider.Registry, throttler *ratelimit.Throttler, platform config.PlatformConfig, emitter *events.Emitter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:  registry,
		throttler: throttler,
		platform:  platform,
		emitter:   emitter,
		logger:    logger.With("component", "executor"),
	}
}

// Execute runs the plan's calls sequentially in declaration order. A failed
// call is recorded and execution continues; overall success means at least
// one call succeeded. The verifier, not the executor, decides the item's
// fate.
func (e *Executor) Execute(ctx context.Context, item *models.TodoItem, plan *models.ToolPlan) *models.ExecutionResult {
	result := &models.ExecutionResult{}

	if plan.DirectResult != "" && len(plan.Calls) == 0 {
		result.Calls = append(result.Calls, models.CallResult{
			Tool:    "direct_result",
			Success: true,
			Result:  plan.DirectResult,
		})
		result.Success = true
		result.Summary = plan.DirectResult
		e.emit(ctx, item, result)
		return result
	}

	for _, call := range plan.Calls {
		record := e.invoke(ctx, call)
		result.Calls = append(result.Calls, record)
		if record.Success {
			result.Success = true
		} else {
			e.logger.Warn("tool call failed",
				"item", item.ID, "call", call.Key(), "error", record.Error)
		}
	}
	result.Summary = summarize(result.Calls)
	e.emit(ctx, item, result)
	return result
}

// invoke runs a single call with readiness fail-fast, the platform command
// mapping, the shared throttler, and the per-tool timeout.
func (e *Executor) invoke(ctx context.Context, call models.ToolCall) models.CallResult {
	record := models.CallResult{Server: call.Server, Tool: call.Tool}

	client, ok := e.registry.Provider(call.Server)
	if !ok {
		record.Error = fmt.Sprintf("provider %q not registered", call.Server)
		return record
	}
	if !client.Ready() {
		record.Error = fmt.Sprintf("provider %q not ready", call.Server)
		return record
	}

	params := e.mapCommand(call)

	if e.throttler != nil {
		release, err := e.throttler.Acquire(ctx, ratelimit.PriorityNormal)
		if err != nil {
			record.Error = err.Error()
			return record
		}
		defer release()
	}

	timeout := e.platform.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := client.CallTool(callCtx, call.Tool, params)
	if err != nil {
		record.Error = err.Error()
		return record
	}
	record.Success = true
	record.Result = clipResult(raw)
	return record
}

// mapCommand rewrites foreign shell commands to the platform equivalent.
// The original parameters map stays untouched; execution works on a copy.
func (e *Executor) mapCommand(call models.ToolCall) map[string]any {
	if len(e.platform.Commands) == 0 {
		return call.Parameters
	}
	cmd, ok := call.Parameters["command"].(string)
	if !ok || cmd == "" {
		return call.Parameters
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return call.Parameters
	}
	mapped, ok := e.platform.Commands[fields[0]]
	if !ok {
		return call.Parameters
	}
	// Mapping targets come from operator config, but they end up spliced
	// into a shell command; validate before substituting.
	target, err := SanitizeExecutable(mapped)
	if err != nil {
		e.logger.Warn("command mapping target rejected",
			"from", fields[0], "to", mapped, "error", err)
		return call.Parameters
	}
	e.logger.Warn("mapped foreign command to platform equivalent",
		"from", fields[0], "to", target)
	params := make(map[string]any, len(call.Parameters))
	for k, v := range call.Parameters {
		params[k] = v
	}
	fields[0] = target
	params["command"] = strings.Join(fields, " ")
	return params
}

func (e *Executor) emit(ctx context.Context, item *models.TodoItem, result *models.ExecutionResult) {
	if e.emitter != nil {
		e.emitter.ItemExecuted(ctx, item.ID, result)
	}
}

// clipResult keeps tool output small enough for diagnostics and prompts.
func clipResult(raw json.RawMessage) any {
	s := string(raw)
	if len(s) > maxResultLen {
		s = s[:maxResultLen] + "…"
	}
	return s
}

func summarize(calls []models.CallResult) string {
	succeeded := 0
	for _, c := range calls {
		if c.Success {
			succeeded++
		}
	}
	return fmt.Sprintf("%d/%d calls succeeded", succeeded, len(calls))
}
