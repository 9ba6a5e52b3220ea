// Package memory coordinates recall and storage against the memory provider:
// deciding when a request warrants a lookup, caching formatted recall blocks,
// and gating what the orchestrator is allowed to persist.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/prompts"
	"github.com/tessro/maestro/internal/ratelimit"
)

// Entity is one fact cluster persisted in the memory graph.
type Entity struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
}

// Relation links two entities in the memory graph.
type Relation struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// Provider is the slice of the memory provider the coordinator calls.
type Provider interface {
	CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error)
}

// recallTriggers flag messages that refer back to stored context even when
// the classifier is unavailable.
var recallTriggers = []string{
	"remember", "last time", "again", "как обычно", "as usual",
	"my preference", "my favorite", "we discussed", "previously",
}

// Coordinator decides retrieval and storage eligibility and talks to the
// memory provider. All failures on the retrieval path are non-fatal: a
// request proceeds without memory rather than failing on it.
type Coordinator struct {
	provider Provider
	llm      llm.Completer
	stage    config.StageConfig
	cfg      config.MemoryConfig
	cache    *expirable.LRU[string, string]
	logger   *slog.Logger
}

// NewCoordinator builds a coordinator. provider may be nil when no memory
// provider is configured; every operation then degrades to a no-op.
func NewCoordinator(p Provider, completer llm.Completer, stage config.StageConfig, cfg config.MemoryConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		provider: p,
		llm:      completer,
		stage:    stage,
		cfg:      cfg,
		cache:    expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:   logger.With("component", "memory"),
	}
}

// NeedsMemory classifies whether answering the message benefits from recall.
// The classifier is one low-priority LLM call; on any failure it falls back
// to trigger-phrase matching.
func (c *Coordinator) NeedsMemory(ctx context.Context, message string) (bool, []string) {
	triggers := matchTriggers(message)
	if c.llm == nil {
		return len(triggers) > 0, triggers
	}
	resp, err := c.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: prompts.Render(prompts.MemoryDecision, map[string]string{prompts.SlotUserRequest: message}),
		}},
		Stage:    c.stage,
		Priority: ratelimit.PriorityLow,
	})
	if err != nil {
		c.logger.Debug("memory classifier unavailable", "error", err)
		return len(triggers) > 0, triggers
	}
	var decision struct {
		NeedsMemory bool     `json:"needs_memory"`
		SearchTerms []string `json:"search_terms"`
	}
	if err := llm.DecodeInto(resp.Content, &decision); err != nil {
		return len(triggers) > 0, triggers
	}
	terms := decision.SearchTerms
	if len(terms) == 0 {
		terms = triggers
	}
	return decision.NeedsMemory || len(triggers) > 0, terms
}

// Retrieve returns the formatted recall block for a message, or "" when no
// recall applies. Results are cached under (message prefix, trigger set).
func (c *Coordinator) Retrieve(ctx context.Context, message string) string {
	if c.provider == nil {
		return ""
	}
	needed, terms := c.NeedsMemory(ctx, message)
	if !needed {
		return ""
	}
	key := cacheKey(message, terms)
	if block, ok := c.cache.Get(key); ok {
		return block
	}

	query := message
	if len(terms) > 0 {
		query = strings.Join(terms, " ")
	}
	raw, err := c.provider.CallTool(ctx, "search_nodes", map[string]any{
		"query": query,
		"limit": c.searchLimit(),
	})
	if err != nil {
		c.logger.Warn("memory search failed", "error", err)
		return ""
	}
	block := c.formatRecall(raw)
	c.cache.Add(key, block)
	return block
}

// searchLimit bounds how many nodes the provider is asked for.
func (c *Coordinator) searchLimit() int {
	if c.cfg.TopEntities > 0 {
		return c.cfg.TopEntities
	}
	return 5
}

// formatRecall renders top entities and relations as a prompt block. Memory
// providers answer with either "nodes" or "entities"; both are accepted.
func (c *Coordinator) formatRecall(raw json.RawMessage) string {
	var result struct {
		Nodes     []Entity   `json:"nodes"`
		Entities  []Entity   `json:"entities"`
		Relations []Relation `json:"relations"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ""
	}
	entities := result.Entities
	if len(entities) == 0 {
		entities = result.Nodes
	}
	if len(entities) == 0 {
		return ""
	}
	if len(entities) > c.cfg.TopEntities {
		entities = entities[:c.cfg.TopEntities]
	}
	if len(result.Relations) > c.cfg.TopRelations {
		result.Relations = result.Relations[:c.cfg.TopRelations]
	}

	var b strings.Builder
	b.WriteString("Relevant memory:\n")
	for _, e := range entities {
		obs := e.Observations
		if len(obs) > 3 {
			obs = obs[:3]
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", e.Name, e.EntityType, strings.Join(obs, "; "))
	}
	for _, r := range result.Relations {
		fmt.Fprintf(&b, "- %s %s %s\n", r.From, r.RelationType, r.To)
	}
	return strings.TrimRight(b.String(), "\n")
}

// storageRejectMarkers must never appear in stored content: a reply echoing
// the system prompt or a recall block would poison the graph with itself.
var storageRejectMarkers = []string{
	"relevant memory:",
	"you are a concise, helpful assistant",
	"respond with json",
	"{{",
}

// explicitStoreCues mean the user asked for persistence outright.
var explicitStoreCues = []string{
	"remember that", "remember this", "don't forget", "note that", "запомни",
}

// topicStoreCues cover preferences and project architecture, the two topics
// stored without an explicit ask.
var topicStoreCues = []string{
	"i prefer", "my favorite", "i like to", "i always", "i never", "call me",
	"we use", "we decided", "the architecture", "our stack", "the database is",
	"the project uses",
}

// ShouldStore gates persistence of a finalized exchange. Reject markers win
// over every accept rule.
func (c *Coordinator) ShouldStore(userMsg, reply string) bool {
	lowReply := strings.ToLower(reply)
	for _, marker := range storageRejectMarkers {
		if strings.Contains(lowReply, marker) {
			return false
		}
	}
	lowUser := strings.ToLower(userMsg)
	for _, cue := range explicitStoreCues {
		if strings.Contains(lowUser, cue) {
			return true
		}
	}
	for _, cue := range topicStoreCues {
		if strings.Contains(lowUser, cue) {
			return true
		}
	}
	return false
}

// Store persists the exchange when the gate accepts it. Extraction is
// rule-based and conservative: only sentences carrying a store cue become
// observations.
func (c *Coordinator) Store(ctx context.Context, userMsg, reply string) error {
	if c.provider == nil || !c.ShouldStore(userMsg, reply) {
		return nil
	}
	entities := ExtractEntities(userMsg)
	if len(entities) == 0 {
		return nil
	}
	payload := make([]any, 0, len(entities))
	for _, e := range entities {
		payload = append(payload, e)
	}
	if _, err := c.provider.CallTool(ctx, "create_entities", map[string]any{"entities": payload}); err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	c.logger.Info("stored memory entities", "count", len(entities))
	return nil
}

// ExtractEntities pulls entities out of a user message. Preference and
// explicit-request sentences attach to the "user" entity; architecture
// sentences attach to the "project" entity.
func ExtractEntities(userMsg string) []Entity {
	byName := map[string]*Entity{}
	add := func(name, typ, observation string) {
		e, ok := byName[name]
		if !ok {
			e = &Entity{Name: name, EntityType: typ}
			byName[name] = e
		}
		e.Observations = append(e.Observations, observation)
	}

	for _, sentence := range splitSentences(userMsg) {
		low := strings.ToLower(sentence)
		switch {
		case hasAny(low, explicitStoreCues):
			add("user", "person", strings.TrimSpace(sentence))
		case hasAny(low, []string{"i prefer", "my favorite", "i like to", "i always", "i never", "call me"}):
			add("user", "person", strings.TrimSpace(sentence))
		case hasAny(low, []string{"we use", "we decided", "the architecture", "our stack", "the database is", "the project uses"}):
			add("project", "project", strings.TrimSpace(sentence))
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	entities := make([]Entity, 0, len(names))
	for _, name := range names {
		entities = append(entities, *byName[name])
	}
	return entities
}

func matchTriggers(message string) []string {
	low := strings.ToLower(message)
	var matched []string
	for _, trigger := range recallTriggers {
		if strings.Contains(low, trigger) {
			matched = append(matched, trigger)
		}
	}
	return matched
}

func hasAny(s string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}

func splitSentences(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == ';'
	})
}

func cacheKey(message string, terms []string) string {
	prefix := message
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	sorted := append([]string{}, terms...)
	sort.Strings(sorted)
	return prefix + "|" + strings.Join(sorted, ",")
}
