// Package selector chooses which providers and planning template serve a
// todo item.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/prompts"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/ratelimit"
	"github.com/tessro/maestro/pkg/models"
)

// maxSelected caps how many providers one item gets; more providers means a
// larger tool catalog in the planning prompt.
const maxSelected = 2

// Selection is the per-item provider and template choice.
type Selection struct {
	Servers    []string
	Templates  []string
	Confidence int
}

// Template names the selector may hand to the tool planner.
const (
	TemplateDefault    = "default"
	TemplateFilesystem = "filesystem"
	TemplateShell      = "shell"
	TemplateBrowser    = "browser"
)

// Selector is the per-item provider chooser.
type Selector struct {
	llm      llm.Completer
	registry *provider.Registry
	stage    config.StageConfig
	logger   *slog.Logger
}

// New builds a selector.
func New(completer llm.Completer, registry *provider.Registry, stage config.StageConfig, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		llm:      completer,
		registry: registry,
		stage:    stage,
		logger:   logger.With("component", "selector"),
	}
}

// Select picks 1-2 ready providers for the item. A router pre-filter naming
// ready providers wins outright; otherwise one LLM classification runs, and
// when it yields nothing usable the selection falls back to all ready
// providers with a rule-based template.
func (s *Selector) Select(ctx context.Context, item *models.TodoItem, prefilter []string) Selection {
	ready := s.registry.ReadyNames()
	if len(ready) == 0 {
		return Selection{Templates: []string{FallbackTemplate(item.Action)}}
	}

	if kept := keepReady(prefilter, ready); len(kept) > 0 {
		return Selection{
			Servers:    cap2(kept),
			Templates:  []string{FallbackTemplate(item.Action)},
			Confidence: 100,
		}
	}

	selection, err := s.classify(ctx, item, ready)
	if err != nil {
		s.logger.Warn("provider classification failed, using all ready providers",
			"item", item.ID, "error", err)
		return Selection{Servers: ready, Templates: []string{FallbackTemplate(item.Action)}}
	}
	if kept := keepReady(selection.Servers, ready); len(kept) > 0 {
		selection.Servers = cap2(kept)
	} else {
		selection.Servers = ready
	}
	if len(selection.Templates) == 0 {
		selection.Templates = []string{FallbackTemplate(item.Action)}
	}
	return selection
}

func (s *Selector) classify(ctx context.Context, item *models.TodoItem, ready []string) (Selection, error) {
	var lines strings.Builder
	for _, info := range s.registry.Providers() {
		if !info.Ready {
			continue
		}
		fmt.Fprintf(&lines, "- %s (%d tools)\n", info.Name, info.ToolCount)
	}
	resp, err := s.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: prompts.Render(prompts.ProviderSelection, map[string]string{
				prompts.SlotAction:    item.Action,
				prompts.SlotProviders: strings.TrimRight(lines.String(), "\n"),
			}),
		}},
		Stage:    s.stage,
		Priority: ratelimit.PriorityNormal,
	})
	if err != nil {
		return Selection{}, err
	}
	var wire struct {
		SelectedServers []string `json:"selected_servers"`
		SelectedPrompts []string `json:"selected_prompts"`
		Confidence      int      `json:"confidence"`
	}
	if err := llm.DecodeInto(resp.Content, &wire); err != nil {
		return Selection{}, err
	}
	return Selection{
		Servers:    wire.SelectedServers,
		Templates:  normalizeTemplates(wire.SelectedPrompts),
		Confidence: wire.Confidence,
	}, nil
}

// filesystemVerbs, shellVerbs, and webVerbs drive the rule-based template
// choice when no specialized template was classified.
var (
	filesystemVerbs = []string{"create", "write", "read", "delete", "move", "copy", "rename", "file", "directory", "folder", "save"}
	shellVerbs      = []string{"run", "execute", "command", "install", "script"}
	webVerbs        = []string{"browse", "browser", "website", "web", "url", "search online", "navigate", "download", "video", "page"}
)

// FallbackTemplate picks a planning template from the action text.
func FallbackTemplate(action string) string {
	low := strings.ToLower(action)
	for _, v := range shellVerbs {
		if strings.Contains(low, v) {
			return TemplateShell
		}
	}
	for _, v := range webVerbs {
		if strings.Contains(low, v) {
			return TemplateBrowser
		}
	}
	for _, v := range filesystemVerbs {
		if strings.Contains(low, v) {
			return TemplateFilesystem
		}
	}
	return TemplateDefault
}

// TemplateText resolves a template name to its prompt text.
func TemplateText(name string) string {
	switch name {
	case TemplateFilesystem:
		return prompts.ToolPlanFilesystem
	case TemplateShell:
		return prompts.ToolPlanShell
	case TemplateBrowser:
		return prompts.ToolPlanBrowser
	default:
		return prompts.ToolPlanDefault
	}
}

func normalizeTemplates(names []string) []string {
	var out []string
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case TemplateFilesystem, TemplateShell, TemplateBrowser:
			out = append(out, strings.ToLower(strings.TrimSpace(name)))
		}
	}
	return out
}

func keepReady(candidates, ready []string) []string {
	readySet := make(map[string]bool, len(ready))
	for _, name := range ready {
		readySet[name] = true
	}
	var kept []string
	for _, name := range candidates {
		if readySet[name] {
			kept = append(kept, name)
		}
	}
	return kept
}

func cap2(names []string) []string {
	if len(names) > maxSelected {
		return names[:maxSelected]
	}
	return names
}
