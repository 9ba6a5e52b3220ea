// Package router classifies incoming requests into chat, introspect, or
// task handling, and serves the two conversational branches directly.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/memory"
	"github.com/tessro/maestro/internal/prompts"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/ratelimit"
	"github.com/tessro/maestro/pkg/models"
)

// taskVerbs steer the rule-based fallback when classification is
// unavailable: a message that opens with one of these is treated as a task.
var taskVerbs = []string{
	"open", "create", "write", "delete", "run", "execute", "install",
	"download", "play", "search", "move", "copy", "rename", "start", "stop",
	"close", "launch", "build", "deploy",
}

// Router owns mode classification and the chat/introspect branches.
type Router struct {
	llm      llm.Completer
	memory   *memory.Coordinator
	registry *provider.Registry
	router   config.StageConfig
	chat     config.StageConfig
	logger   *slog.Logger
}

// New builds a router. memory may be nil.
func New(completer llm.Completer, mem *memory.Coordinator, registry *provider.Registry, routerStage, chatStage config.StageConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		llm:      completer,
		memory:   mem,
		registry: registry,
		router:   routerStage,
		chat:     chatStage,
		logger:   logger.With("component", "router"),
	}
}

// Route classifies the message. Classification runs at low priority so it
// never starves verification or replanning; on any failure it degrades to
// the rule-based verb heuristic.
func (r *Router) Route(ctx context.Context, message string) models.ModeDecision {
	resp, err := r.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: prompts.Render(prompts.ModeRouter, map[string]string{prompts.SlotUserRequest: message}),
		}},
		Stage:    r.router,
		Priority: ratelimit.PriorityLow,
	})
	if err != nil {
		r.logger.Warn("mode classification failed", "error", err)
		return ruleBasedMode(message)
	}
	var decision models.ModeDecision
	if err := llm.DecodeInto(resp.Content, &decision); err != nil {
		r.logger.Warn("mode classification unparseable", "error", err)
		return ruleBasedMode(message)
	}
	switch decision.Mode {
	case models.ModeChat, models.ModeIntrospect, models.ModeTask:
		return decision
	default:
		return ruleBasedMode(message)
	}
}

// ruleBasedMode is the no-LLM fallback: leading action verbs mean task,
// everything else is chat.
func ruleBasedMode(message string) models.ModeDecision {
	low := strings.ToLower(strings.TrimSpace(message))
	for _, verb := range taskVerbs {
		if strings.HasPrefix(low, verb+" ") || strings.Contains(low, " "+verb+" ") {
			return models.ModeDecision{Mode: models.ModeTask, Confidence: 40, Reasoning: "rule-based fallback"}
		}
	}
	return models.ModeDecision{Mode: models.ModeChat, Confidence: 40, Reasoning: "rule-based fallback"}
}

// Chat answers a conversational message, with the recall block prepended
// when the memory coordinator finds one.
func (r *Router) Chat(ctx context.Context, message string) (string, error) {
	recall := ""
	if r.memory != nil {
		recall = r.memory.Retrieve(ctx, message)
	}
	resp, err := r.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: prompts.Render(prompts.Chat, map[string]string{
				prompts.SlotUserRequest:   message,
				prompts.SlotUserLanguage:  prompts.DetectLanguage(message),
				prompts.SlotMemoryContext: recall,
			}),
		}},
		Stage:    r.chat,
		Priority: ratelimit.PriorityNormal,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	reply := resp.Content
	if r.memory != nil {
		if err := r.memory.Store(ctx, message, reply); err != nil {
			r.logger.Warn("memory storage failed", "error", err)
		}
	}
	return reply, nil
}

// introspectReply is the wire shape of the introspect branch's answer.
type introspectReply struct {
	Handoff bool     `json:"handoff"`
	Reply   string   `json:"reply"`
	Tasks   []string `json:"tasks"`
	Reason  string   `json:"reason"`
}

// Introspect answers a question about the orchestrator itself. When the
// model decides the question needs actual tool use, it returns a task
// context instead of a reply; the caller feeds it to the planner.
func (r *Router) Introspect(ctx context.Context, message string) (string, *models.TaskContext, error) {
	recall := ""
	if r.memory != nil {
		recall = r.memory.Retrieve(ctx, message)
	}
	resp, err := r.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: prompts.Render(prompts.Introspect, map[string]string{
				prompts.SlotUserRequest:   message,
				prompts.SlotUserLanguage:  prompts.DetectLanguage(message),
				prompts.SlotMemoryContext: recall,
				prompts.SlotProviders:     r.providerSummary(),
			}),
		}},
		Stage:    r.chat,
		Priority: ratelimit.PriorityNormal,
	})
	if err != nil {
		return "", nil, fmt.Errorf("introspect completion: %w", err)
	}
	var reply introspectReply
	if err := llm.DecodeInto(resp.Content, &reply); err != nil {
		// Prose replies are acceptable here; only the handoff needs JSON.
		return resp.Content, nil, nil
	}
	if reply.Handoff && len(reply.Tasks) > 0 {
		return "", &models.TaskContext{Tasks: reply.Tasks, Reason: reply.Reason}, nil
	}
	return reply.Reply, nil, nil
}

func (r *Router) providerSummary() string {
	if r.registry == nil {
		return "(none)"
	}
	infos := r.registry.Providers()
	if len(infos) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, info := range infos {
		state := "ready"
		if !info.Ready {
			state = "not ready"
		}
		fmt.Fprintf(&b, "- %s: %d tools, %s\n", info.Name, info.ToolCount, state)
	}
	return strings.TrimRight(b.String(), "\n")
}
