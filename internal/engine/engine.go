// Package engine drives a todo plan to termination: dependency gating,
// the per-item select→plan→execute→verify pipeline, bounded retries, and
// replanning.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/exec"
	"github.com/tessro/maestro/internal/prompts"
	"github.com/tessro/maestro/internal/replan"
	"github.com/tessro/maestro/internal/retry"
	"github.com/tessro/maestro/internal/selector"
	"github.com/tessro/maestro/internal/toolplan"
	"github.com/tessro/maestro/internal/verify"
	"github.com/tessro/maestro/pkg/models"
)

// Blocked-check bounds. After rewriteThreshold checks an item's replanned
// dependencies are rewritten to their children; after skipThreshold the
// item is abandoned.
const (
	rewriteThreshold = 5
	skipThreshold    = 10
)

// ErrAborted reports a run terminated by an abort decision.
var ErrAborted = errors.New("workflow aborted")

// Engine owns one plan's execution. One active item at a time; plans are
// never shared across sessions.
type Engine struct {
	selector    *selector.Selector
	toolPlanner *toolplan.Planner
	executor    *exec.Executor
	verifier    *verify.Verifier
	replanner   *replan.Replanner
	emitter     *events.Emitter
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds an engine.
func New(sel *selector.Selector, tp *toolplan.Planner, ex *exec.Executor, v *verify.Verifier, rp *replan.Replanner, emitter *events.Emitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		selector:    sel,
		toolPlanner: tp,
		executor:    ex,
		verifier:    v,
		replanner:   rp,
		emitter:     emitter,
		logger:      logger.With("component", "engine"),
		sleep:       retry.Sleep,
	}
}

// Run walks the plan until every item is terminal. The walk restarts from
// the top after each pass; it terminates because terminal statuses are
// absorbing, replans are bounded in depth and count, and the blocked
// counter is bounded.
func (e *Engine) Run(ctx context.Context, plan *models.TodoPlan) (models.ExecutionProgress, error) {
	start := time.Now()
	language := prompts.DetectLanguage(plan.Request)

	for {
		remaining := false
		progressed := false
		for i := 0; i < len(plan.Items); i++ {
			item := plan.Items[i]
			if item.Status.Terminal() {
				continue
			}
			remaining = true

			if err := ctx.Err(); err != nil {
				return e.cancelled(ctx, plan, item, start)
			}

			unsatisfied := e.unsatisfiedDeps(plan, item)
			if len(unsatisfied) > 0 {
				e.handleBlocked(ctx, plan, item, unsatisfied)
				continue
			}

			if err := e.processItem(ctx, plan, item, language); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return e.cancelled(ctx, plan, item, start)
				}
				if errors.Is(err, ErrAborted) {
					plan.UpdateProgress()
					return e.finish(ctx, plan, start, item.ID, err)
				}
				return plan.Progress, err
			}
			progressed = true
		}
		if !remaining {
			break
		}
		if !progressed {
			// Every non-terminal item was blocked this pass; the counters
			// advanced, so the next passes converge on rewrite or skip.
			continue
		}
	}
	return e.finish(ctx, plan, start, "", nil)
}

// unsatisfiedDeps returns the dependencies currently holding the item back.
func (e *Engine) unsatisfiedDeps(plan *models.TodoPlan, item *models.TodoItem) []string {
	var unsatisfied []string
	for _, dep := range item.Dependencies {
		if !plan.DependencySatisfied(dep) {
			unsatisfied = append(unsatisfied, dep)
		}
	}
	return unsatisfied
}

// handleBlocked applies the bounded blocked-check policy.
func (e *Engine) handleBlocked(ctx context.Context, plan *models.TodoPlan, item *models.TodoItem, unsatisfied []string) {
	item.Status = models.StatusBlocked
	item.BlockedCheckCount++
	if e.emitter != nil {
		e.emitter.ItemBlocked(ctx, item.ID, unsatisfied, item.BlockedCheckCount)
	}

	if item.BlockedCheckCount >= skipThreshold {
		item.Status = models.StatusSkipped
		item.SkipReason = "blocked too many times"
		if e.emitter != nil {
			e.emitter.ItemSkipped(ctx, item.ID, item.SkipReason)
		}
		plan.UpdateProgress()
		return
	}

	if item.BlockedCheckCount >= rewriteThreshold && e.rewriteReplannedDeps(plan, item) {
		item.BlockedCheckCount = 0
	}
}

// rewriteReplannedDeps substitutes each replanned dependency with that
// item's direct children. Reports whether anything changed.
func (e *Engine) rewriteReplannedDeps(plan *models.TodoPlan, item *models.TodoItem) bool {
	changed := false
	var deps []string
	for _, dep := range item.Dependencies {
		parent, _ := plan.Find(dep)
		if parent == nil || parent.Status != models.StatusReplanned {
			deps = append(deps, dep)
			continue
		}
		children := plan.Children(dep)
		if len(children) == 0 {
			deps = append(deps, dep)
			continue
		}
		for _, child := range children {
			deps = append(deps, child.ID)
		}
		changed = true
	}
	if changed {
		e.logger.Info("rewrote blocked item dependencies",
			"item", item.ID, "deps", strings.Join(deps, ","))
		item.Dependencies = deps
	}
	return changed
}

// processItem runs the full pipeline for one item: attempts with backoff,
// then replanning when the budget is spent.
func (e *Engine) processItem(ctx context.Context, plan *models.TodoPlan, item *models.TodoItem, language string) error {
	item.Status = models.StatusInProgress
	item.BlockedCheckCount = 0

	if item.TTS != "" && e.emitter != nil {
		e.emitter.AgentMessage(ctx, models.AgentExecutor, item.Action, item.TTS, models.ModeTask)
	}

	maxAttempts := item.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var prefilter []string
	if item.ProviderHint != "" {
		prefilter = strings.Split(item.ProviderHint, ",")
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		item.Attempt = attempt
		if attempt > 1 {
			if err := e.sleep(ctx, retry.ItemBackoff(attempt-1)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		sel := e.selector.Select(ctx, item, prefilter)

		toolPlan, err := e.toolPlanner.Plan(ctx, item, sel, language)
		if err != nil {
			e.logger.Warn("tool planning failed", "item", item.ID, "attempt", attempt, "error", err)
			item.LastVerification = &models.VerificationResult{
				Verified: false,
				Reason:   fmt.Sprintf("tool planning failed: %v", err),
			}
			continue
		}
		item.LastPlan = toolPlan

		execution := e.executor.Execute(ctx, item, toolPlan)
		item.LastExecution = execution

		// A direct answer completes the item without verification.
		if toolPlan.DirectResult != "" && len(toolPlan.Calls) == 0 {
			item.Status = models.StatusCompleted
			plan.UpdateProgress()
			return nil
		}

		verification := e.verifier.Verify(ctx, item, execution, sel)
		item.LastVerification = verification
		if verification.Verified {
			item.Status = models.StatusCompleted
			plan.UpdateProgress()
			return nil
		}
		e.logger.Info("verification negative",
			"item", item.ID, "attempt", attempt, "reason", verification.Reason)
	}

	return e.escalate(ctx, plan, item)
}

// escalate hands a spent item to the replanner and applies the decision.
func (e *Engine) escalate(ctx context.Context, plan *models.TodoPlan, item *models.TodoItem) error {
	decision := e.replanner.Replan(ctx, plan, item)
	if decision.Strategy == replan.StrategyAbort {
		item.Status = models.StatusFailed
		if item.LastVerification != nil {
			item.ReplanReason = decision.Reason
		}
		if e.emitter != nil {
			e.emitter.ItemFailed(ctx, item.ID, decision.Reason)
		}
		plan.UpdateProgress()
		return fmt.Errorf("%w: %s", ErrAborted, decision.Reason)
	}
	return e.replanner.Apply(ctx, plan, item, decision)
}

// cancelled marks the active item failed and reports the run as errored.
func (e *Engine) cancelled(ctx context.Context, plan *models.TodoPlan, item *models.TodoItem, start time.Time) (models.ExecutionProgress, error) {
	item.Status = models.StatusFailed
	item.SkipReason = ""
	if e.emitter != nil {
		e.emitter.ItemFailed(context.WithoutCancel(ctx), item.ID, "cancelled")
		e.emitter.WorkflowError(context.WithoutCancel(ctx), "cancelled", item.ID)
	}
	plan.UpdateProgress()
	plan.Progress.DurationMs = time.Since(start).Milliseconds()
	return plan.Progress, context.Canceled
}

// finish computes the final accounting and emits the terminal event. itemID
// names the item an errored run stopped on.
func (e *Engine) finish(ctx context.Context, plan *models.TodoPlan, start time.Time, itemID string, runErr error) (models.ExecutionProgress, error) {
	plan.UpdateProgress()
	plan.Progress.DurationMs = time.Since(start).Milliseconds()
	if e.emitter != nil {
		if runErr != nil {
			e.emitter.WorkflowError(ctx, runErr.Error(), itemID)
		} else {
			e.emitter.WorkflowComplete(ctx, plan.Progress)
		}
	}
	e.logger.Info("workflow finished",
		"plan", plan.ID,
		"completed", plan.Progress.Completed,
		"total", plan.Progress.Total,
		"duration_ms", plan.Progress.DurationMs,
		"error", runErr)
	return plan.Progress, runErr
}
