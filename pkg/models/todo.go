package models

import (
	"fmt"
	"time"
)

// ItemStatus is the lifecycle state of a todo item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusSkipped    ItemStatus = "skipped"
	StatusBlocked    ItemStatus = "blocked"
	StatusReplanned  ItemStatus = "replanned"
)

// Terminal reports whether the status is absorbing. A replanned item never
// runs again itself; its children supersede it.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusReplanned:
		return true
	default:
		return false
	}
}

// PlanMode selects the planning depth.
type PlanMode string

const (
	PlanModeStandard PlanMode = "standard"
	PlanModeExtended PlanMode = "extended"
)

// TodoItem is a single unit of work in a plan.
type TodoItem struct {
	ID              string   `json:"id"`
	Action          string   `json:"action"`
	SuccessCriteria string   `json:"successCriteria"`
	Dependencies    []string `json:"dependencies,omitempty"`
	ParentID        string   `json:"parentId,omitempty"`

	Status      ItemStatus `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`

	// BlockedCheckCount guards against starvation; bounded by the engine.
	BlockedCheckCount int `json:"blockedCheckCount,omitempty"`

	ReplanReason string `json:"replanReason,omitempty"`
	SkipReason   string `json:"skipReason,omitempty"`

	ProviderHint string `json:"providerHint,omitempty"`
	TTS          string `json:"tts,omitempty"`

	// Diagnostic state from the most recent attempt.
	LastPlan         *ToolPlan           `json:"lastPlan,omitempty"`
	LastExecution    *ExecutionResult    `json:"lastExecution,omitempty"`
	LastVerification *VerificationResult `json:"lastVerification,omitempty"`
}

// PlanContext carries the request context a plan was created for.
type PlanContext struct {
	OriginalRequest string            `json:"originalRequest"`
	Preferences     map[string]string `json:"preferences,omitempty"`
}

// ExecutionProgress is the live completion accounting for a plan.
type ExecutionProgress struct {
	Completed   int     `json:"completed"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"successRate"`
	DurationMs  int64   `json:"durationMs,omitempty"`
}

// TodoPlan is the ordered, mutable list of items making up a task run.
// Ordering is canonical insertion order, not natural-ID order: replanned
// children are spliced in directly after their parent.
type TodoPlan struct {
	ID         string            `json:"id"`
	Request    string            `json:"request"`
	Mode       PlanMode          `json:"mode"`
	Complexity int               `json:"complexity"`
	Items      []*TodoItem       `json:"items"`
	Context    PlanContext       `json:"context"`
	Progress   ExecutionProgress `json:"executionProgress"`

	CreatedAt time.Time `json:"createdAt"`
}

// Find returns the item with the given ID and its index, or nil and -1.
func (p *TodoPlan) Find(id string) (*TodoItem, int) {
	for i, it := range p.Items {
		if it.ID == id {
			return it, i
		}
	}
	return nil, -1
}

// IDs returns all item IDs in plan order.
func (p *TodoPlan) IDs() []string {
	out := make([]string, len(p.Items))
	for i, it := range p.Items {
		out[i] = it.ID
	}
	return out
}

// InsertAfter splices items into the plan directly after the item with the
// given ID. Items with duplicate IDs are rejected.
func (p *TodoPlan) InsertAfter(id string, items []*TodoItem) error {
	_, idx := p.Find(id)
	if idx < 0 {
		return fmt.Errorf("insert after %q: no such item", id)
	}
	for _, it := range items {
		if existing, _ := p.Find(it.ID); existing != nil {
			return fmt.Errorf("insert after %q: duplicate item ID %q", id, it.ID)
		}
	}
	rest := append([]*TodoItem(nil), p.Items[idx+1:]...)
	p.Items = append(p.Items[:idx+1], append(items, rest...)...)
	return nil
}

// Children returns the direct children of the item, in plan order.
func (p *TodoPlan) Children(id string) []*TodoItem {
	var out []*TodoItem
	for _, it := range p.Items {
		if IsChild(id, it.ID) {
			out = append(out, it)
		}
	}
	return out
}

// DependencySatisfied reports whether a dependency on depID is met: the item
// is completed, or it was replanned and every direct child is completed.
// Children of a replanned item that were themselves replanned are checked
// recursively through the same rule.
func (p *TodoPlan) DependencySatisfied(depID string) bool {
	dep, _ := p.Find(depID)
	if dep == nil {
		return false
	}
	switch dep.Status {
	case StatusCompleted:
		return true
	case StatusReplanned:
		children := p.Children(depID)
		if len(children) == 0 {
			return false
		}
		for _, c := range children {
			if !p.DependencySatisfied(c.ID) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// UpdateProgress recomputes the completion accounting. Replanned items do not
// count toward the total; their children do.
func (p *TodoPlan) UpdateProgress() {
	total, completed := 0, 0
	for _, it := range p.Items {
		if it.Status == StatusReplanned {
			continue
		}
		total++
		if it.Status == StatusCompleted {
			completed++
		}
	}
	p.Progress.Total = total
	p.Progress.Completed = completed
	if total > 0 {
		p.Progress.SuccessRate = float64(completed) / float64(total) * 100
	} else {
		p.Progress.SuccessRate = 0
	}
}

// Validate checks the plan's structural invariants: unique well-formed IDs,
// parent links that match ID ancestry, and dependencies that refer to
// existing items for every non-terminal item.
func (p *TodoPlan) Validate() error {
	seen := make(map[string]bool, len(p.Items))
	for _, it := range p.Items {
		if _, err := ParseHID(it.ID); err != nil {
			return err
		}
		if seen[it.ID] {
			return fmt.Errorf("duplicate item ID %q", it.ID)
		}
		seen[it.ID] = true
	}
	for _, it := range p.Items {
		if it.ParentID != "" {
			if !seen[it.ParentID] {
				return fmt.Errorf("item %q: parent %q does not exist", it.ID, it.ParentID)
			}
			if ParentID(it.ID) != it.ParentID {
				return fmt.Errorf("item %q: parent link %q does not match ID ancestry", it.ID, it.ParentID)
			}
		}
		switch it.Status {
		case StatusPending, StatusInProgress, StatusBlocked:
			for _, dep := range it.Dependencies {
				if !seen[dep] {
					return fmt.Errorf("item %q: dependency %q does not exist", it.ID, dep)
				}
			}
		}
	}
	return nil
}
