// Package replan decides what happens to an item that failed verification
// after its retry budget: replace it with children, skip it, or abort the
// run.
package replan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/prompts"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/ratelimit"
	"github.com/tessro/maestro/pkg/models"
)

// Strategies the replanner may return.
const (
	StrategyInjectChildren  = "inject_children"
	StrategySkipAndContinue = "skip_and_continue"
	StrategyAbort           = "abort"
)

// Decision is the replanner's verdict for one failed item.
type Decision struct {
	Strategy string
	Reason   string
	NewItems []*models.TodoItem
}

// Replanner is invoked only after verification failed and the item's
// attempts are spent.
type Replanner struct {
	llm      llm.Completer
	registry *provider.Registry
	stage    config.StageConfig
	cfg      config.ReplanningRetry
	emitter  *events.Emitter
	logger   *slog.Logger
}

// New builds a replanner.
func New(completer llm.Completer, registry *provider.Registry, stage config.StageConfig, cfg config.ReplanningRetry, emitter *events.Emitter, logger *slog.Logger) *Replanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replanner{
		llm:      completer,
		registry: registry,
		stage:    stage,
		cfg:      cfg,
		emitter:  emitter,
		logger:   logger.With("component", "replanner"),
	}
}

// newItemWire is the LLM wire shape of an injected child. Dependencies may
// be 1-based positions into new_items (earlier entries only) or existing
// item IDs.
type newItemWire struct {
	Action          string `json:"action"`
	SuccessCriteria string `json:"success_criteria"`
	Dependencies    []any  `json:"dependencies"`
	MaxAttempts     int    `json:"max_attempts"`
}

// Replan produces a decision for the failed item. The lineage budget is
// enforced here: a chain of replans deeper than the configured rounds is
// forced to skip. Unusable model output also degrades to skip, never to an
// unbounded loop.
func (r *Replanner) Replan(ctx context.Context, plan *models.TodoPlan, item *models.TodoItem) Decision {
	if depth := lineageDepth(plan, item); depth >= r.cfg.MaxAttempts {
		return Decision{
			Strategy: StrategySkipAndContinue,
			Reason:   fmt.Sprintf("replanning budget exhausted after %d rounds", depth),
		}
	}

	resp, err := r.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: prompts.Render(prompts.Replan, map[string]string{
				prompts.SlotAction:         item.Action,
				prompts.SlotCriteria:       item.SuccessCriteria,
				prompts.SlotFailureReason:  failureSummary(item),
				prompts.SlotPlanState:      planState(plan),
				prompts.SlotAvailableTools: r.toolsSummary(),
			}),
		}},
		Stage:    r.stage,
		Priority: ratelimit.PriorityHigh,
	})
	if err != nil {
		r.logger.Warn("replan call failed", "item", item.ID, "error", err)
		return Decision{Strategy: StrategySkipAndContinue, Reason: fmt.Sprintf("replanning unavailable: %v", err)}
	}

	var wire struct {
		Strategy  string        `json:"strategy"`
		Reasoning string        `json:"reasoning"`
		NewItems  []newItemWire `json:"new_items"`
	}
	if err := llm.DecodeInto(resp.Content, &wire); err != nil {
		return Decision{Strategy: StrategySkipAndContinue, Reason: fmt.Sprintf("replan reply unparseable: %v", err)}
	}

	switch wire.Strategy {
	case StrategyAbort:
		return Decision{Strategy: StrategyAbort, Reason: wire.Reasoning}
	case StrategySkipAndContinue:
		return Decision{Strategy: StrategySkipAndContinue, Reason: wire.Reasoning}
	case StrategyInjectChildren:
		children, err := r.buildChildren(plan, item, wire.NewItems)
		if err != nil {
			r.logger.Warn("rejecting injected children", "item", item.ID, "error", err)
			return Decision{Strategy: StrategySkipAndContinue, Reason: fmt.Sprintf("replan rejected: %v", err)}
		}
		return Decision{Strategy: StrategyInjectChildren, Reason: wire.Reasoning, NewItems: children}
	default:
		return Decision{Strategy: StrategySkipAndContinue, Reason: fmt.Sprintf("unknown replan strategy %q", wire.Strategy)}
	}
}

// buildChildren converts wire items into child todo items with fresh
// hierarchical IDs under the failed item. Dependencies may only point
// backward: at earlier new items or at existing plan items.
func (r *Replanner) buildChildren(plan *models.TodoPlan, parent *models.TodoItem, wires []newItemWire) ([]*models.TodoItem, error) {
	if len(wires) == 0 {
		return nil, fmt.Errorf("inject_children with no new items")
	}
	if r.cfg.MaxNewItems > 0 && len(wires) > r.cfg.MaxNewItems {
		wires = wires[:r.cfg.MaxNewItems]
	}

	population := plan.IDs()
	var children []*models.TodoItem
	for i, w := range wires {
		if strings.TrimSpace(w.Action) == "" {
			return nil, fmt.Errorf("new item %d has no action", i+1)
		}
		id, err := models.NextChildID(parent.ID, population)
		if err != nil {
			return nil, err
		}
		population = append(population, id)

		child := &models.TodoItem{
			ID:              id,
			Action:          strings.TrimSpace(w.Action),
			SuccessCriteria: strings.TrimSpace(w.SuccessCriteria),
			ParentID:        parent.ID,
			Status:          models.StatusPending,
			MaxAttempts:     w.MaxAttempts,
		}
		if child.MaxAttempts <= 0 {
			child.MaxAttempts = parent.MaxAttempts
		}
		if child.SuccessCriteria == "" {
			child.SuccessCriteria = parent.SuccessCriteria
		}

		for _, dep := range w.Dependencies {
			depID, err := resolveDependency(dep, children, plan, i)
			if err != nil {
				return nil, err
			}
			child.Dependencies = append(child.Dependencies, depID)
		}
		children = append(children, child)
	}
	return children, nil
}

// resolveDependency maps a wire dependency to an item ID. Numbers are
// 1-based positions into the new items and must point at an earlier entry;
// forward references are rejected. Strings must name an existing plan item.
func resolveDependency(dep any, built []*models.TodoItem, plan *models.TodoPlan, index int) (string, error) {
	switch d := dep.(type) {
	case float64:
		pos := int(d)
		if pos < 1 || pos > index {
			return "", fmt.Errorf("new item %d references position %d; only earlier new items are allowed", index+1, pos)
		}
		return built[pos-1].ID, nil
	case string:
		if _, idx := plan.Find(d); idx < 0 {
			return "", fmt.Errorf("new item %d depends on unknown item %q", index+1, d)
		}
		return d, nil
	default:
		return "", fmt.Errorf("new item %d has dependency of unsupported type %T", index+1, dep)
	}
}

// Apply mutates the plan per the decision: children are spliced in directly
// after the failed item and the item transitions to its terminal status.
// Abort leaves the plan untouched; the engine terminates the run.
func (r *Replanner) Apply(ctx context.Context, plan *models.TodoPlan, item *models.TodoItem, decision Decision) error {
	switch decision.Strategy {
	case StrategyInjectChildren:
		if err := plan.InsertAfter(item.ID, decision.NewItems); err != nil {
			return err
		}
		item.Status = models.StatusReplanned
		item.ReplanReason = decision.Reason
		if r.emitter != nil {
			ids := make([]string, 0, len(decision.NewItems))
			for _, child := range decision.NewItems {
				ids = append(ids, child.ID)
			}
			r.emitter.ItemReplanned(ctx, item.ID, decision.Reason, ids)
		}
	case StrategySkipAndContinue:
		item.Status = models.StatusSkipped
		item.SkipReason = decision.Reason
		if r.emitter != nil {
			r.emitter.ItemSkipped(ctx, item.ID, decision.Reason)
		}
	case StrategyAbort:
	default:
		return fmt.Errorf("unknown strategy %q", decision.Strategy)
	}
	plan.UpdateProgress()
	return nil
}

// lineageDepth counts how many replanned ancestors the item has; each one
// is a spent replanning round on this lineage.
func lineageDepth(plan *models.TodoPlan, item *models.TodoItem) int {
	depth := 0
	for id := item.ParentID; id != ""; {
		parent, _ := plan.Find(id)
		if parent == nil {
			break
		}
		if parent.Status == models.StatusReplanned {
			depth++
		}
		id = parent.ParentID
	}
	return depth
}

func failureSummary(item *models.TodoItem) string {
	var parts []string
	if item.LastVerification != nil {
		v := item.LastVerification
		parts = append(parts, "verification: "+v.Reason)
		if v.LikelyCause != "" {
			parts = append(parts, "likely cause: "+v.LikelyCause)
		}
		if v.RecommendedStrategy != "" {
			parts = append(parts, "recommended: "+v.RecommendedStrategy)
		}
	}
	if item.LastExecution != nil {
		for _, call := range item.LastExecution.Calls {
			if !call.Success {
				parts = append(parts, fmt.Sprintf("%s__%s failed: %s", call.Server, call.Tool, call.Error))
			}
		}
	}
	if len(parts) == 0 {
		return "no diagnostic information recorded"
	}
	return strings.Join(parts, "\n")
}

func planState(plan *models.TodoPlan) string {
	var b strings.Builder
	for _, it := range plan.Items {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", it.Status, it.ID, it.Action)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Replanner) toolsSummary() string {
	if r.registry == nil {
		return "(no providers connected)"
	}
	return r.registry.ToolsSummary()
}
