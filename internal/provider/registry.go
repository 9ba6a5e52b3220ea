package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tessro/maestro/pkg/models"
)

// maxSummaryLen bounds the prompt block produced by ToolsSummary.
const maxSummaryLen = 4000

// Info is a registry snapshot entry for one provider.
type Info struct {
	Name      string `json:"name"`
	Ready     bool   `json:"ready"`
	ToolCount int    `json:"toolCount"`
}

// Registry is the read-mostly inventory of providers. The tool catalog and
// the parameter-correction rules are rebuilt only on provider add/remove or
// an explicit refresh.
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	providers  map[string]Client
	order      []string
	memoryName string
	catalog    []models.Tool
	rules      map[string]map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger.With("component", "provider_registry"),
		providers: make(map[string]Client),
		rules:     make(map[string]map[string]string),
	}
}

// Add registers a provider and pulls its tools into the catalog. When memory
// is set the provider becomes the session-independent memory provider.
func (r *Registry) Add(ctx context.Context, client Client, memory bool) error {
	name := client.Name()
	r.mu.Lock()
	if _, exists := r.providers[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = client
	r.order = append(r.order, name)
	if memory {
		r.memoryName = name
	}
	r.mu.Unlock()

	return r.Refresh(ctx)
}

// Remove drops a provider and rebuilds the catalog.
func (r *Registry) Remove(ctx context.Context, name string) {
	r.mu.Lock()
	delete(r.providers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.memoryName == name {
		r.memoryName = ""
	}
	r.mu.Unlock()

	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("catalog refresh after remove failed", "provider", name, "error", err)
	}
}

// Refresh rebuilds the tool catalog and correction rules from all ready
// providers. Providers that fail to list tools are logged and skipped.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	clients := make([]Client, 0, len(names))
	for _, n := range names {
		clients = append(clients, r.providers[n])
	}
	r.mu.RUnlock()

	var catalog []models.Tool
	var firstErr error
	for _, c := range clients {
		if !c.Ready() {
			continue
		}
		tools, err := c.ListTools(ctx)
		if err != nil {
			r.logger.Warn("listTools failed", "provider", c.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		catalog = append(catalog, tools...)
	}

	rules := deriveCorrectionRules(catalog)

	r.mu.Lock()
	r.catalog = catalog
	r.rules = rules
	r.mu.Unlock()
	return firstErr
}

// Provider returns the named provider.
func (r *Registry) Provider(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.providers[name]
	return c, ok
}

// MemoryProvider returns the provider designated for long-term memory.
func (r *Registry) MemoryProvider() (Client, bool) {
	r.mu.RLock()
	name := r.memoryName
	r.mu.RUnlock()
	if name == "" {
		return nil, false
	}
	return r.Provider(name)
}

// Providers returns a snapshot of all providers in registration order.
func (r *Registry) Providers() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		c := r.providers[name]
		count := 0
		for _, t := range r.catalog {
			if t.Server == name {
				count++
			}
		}
		out = append(out, Info{Name: name, Ready: c.Ready(), ToolCount: count})
	}
	return out
}

// ReadyNames returns the names of all ready providers.
func (r *Registry) ReadyNames() []string {
	var out []string
	for _, info := range r.Providers() {
		if info.Ready {
			out = append(out, info.Name)
		}
	}
	return out
}

// ListTools returns the catalog, optionally restricted to a provider subset.
// Only tools of ready providers are eligible for invocation.
func (r *Registry) ListTools(subset ...string) []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowed := func(server string) bool {
		c, ok := r.providers[server]
		if !ok || !c.Ready() {
			return false
		}
		if len(subset) == 0 {
			return true
		}
		for _, s := range subset {
			if s == server {
				return true
			}
		}
		return false
	}

	var out []models.Tool
	for _, t := range r.catalog {
		if allowed(t.Server) {
			out = append(out, t)
		}
	}
	return out
}

// Tool looks up a tool by server and bare name among ready providers.
func (r *Registry) Tool(server, name string) (models.Tool, bool) {
	for _, t := range r.ListTools(server) {
		if t.Name == name {
			return t, true
		}
	}
	return models.Tool{}, false
}

// ToolsSummary renders a compact text block of the subset's tools for
// inclusion in a prompt: one line per tool, bounded total size.
func (r *Registry) ToolsSummary(subset ...string) string {
	tools := r.ListTools(subset...)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Qualified() < tools[j].Qualified() })

	var b strings.Builder
	for i, t := range tools {
		line := "- " + t.Qualified()
		if desc := firstLine(t.Description); desc != "" {
			line += ": " + desc
		}
		if b.Len()+len(line)+1 > maxSummaryLen {
			fmt.Fprintf(&b, "… and %d more tools\n", len(tools)-i)
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// CorrectionRules returns the per-tool parameter renames derived from the
// catalog's input schemas, keyed by qualified tool name.
func (r *Registry) CorrectionRules() map[string]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	const max = 100
	if len(s) > max {
		s = s[:max-1] + "…"
	}
	return s
}
