// Package prompts holds the prompt templates the pipeline stages send to the
// model. Templates are opaque text with named {{PLACEHOLDER}} slots; stages
// fill the slots with Render and never concatenate prompt text by hand.
package prompts

import (
	"strings"
)

// Placeholder names shared across templates.
const (
	SlotAvailableTools = "AVAILABLE_TOOLS"
	SlotUserLanguage   = "USER_LANGUAGE"
	SlotUserRequest    = "USER_REQUEST"
	SlotAction         = "ACTION"
	SlotCriteria       = "SUCCESS_CRITERIA"
	SlotContext        = "CONTEXT"
	SlotMemoryContext  = "MEMORY_CONTEXT"
	SlotProviders      = "PROVIDERS"
	SlotResults        = "RESULTS"
	SlotEvidence       = "EVIDENCE"
	SlotPlanState      = "PLAN_STATE"
	SlotFailureReason  = "FAILURE_REASON"
)

// Render substitutes {{NAME}} slots with the given values. Unknown slots are
// left in place so a missing substitution is visible in logs rather than
// silently blank.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Mode routing.
const ModeRouter = `You route incoming user messages to one of three modes.

Modes:
- "chat": conversation, questions, opinions; nothing to do on the machine.
- "introspect": the user asks about this assistant's own state, capabilities, memory, or history.
- "task": the user wants something done on the machine or with external tools.

User message:
{{USER_REQUEST}}

Respond with JSON: {"mode": "chat"|"introspect"|"task", "confidence": 0-100, "reasoning": "...", "mood": "..."}`

// Chat branch reply.
const Chat = `You are a concise, helpful assistant. Reply to the user in {{USER_LANGUAGE}}.
{{MEMORY_CONTEXT}}

User: {{USER_REQUEST}}`

// Introspect branch: answer about the orchestrator itself, or hand off.
const Introspect = `The user is asking about you: your capabilities, connected providers, memory, or recent activity.

Connected providers:
{{PROVIDERS}}

{{MEMORY_CONTEXT}}

User: {{USER_REQUEST}}

If answering requires actually operating tools rather than describing them, respond with
{"handoff": true, "tasks": ["..."], "reason": "..."}.
Otherwise respond with {"handoff": false, "reply": "..."} in {{USER_LANGUAGE}}.`

// Planner stage 1: feasibility.
const Feasibility = `Assess whether the following request can be accomplished with the available tools.

Request: {{USER_REQUEST}}

Available tools:
{{AVAILABLE_TOOLS}}

Respond with JSON:
{"feasible": bool, "confidence": 0-100, "strategy": "...", "risks": ["..."], "prerequisites": ["..."], "estimated_steps": n, "reasoning": "..."}`

// Planner stage 2: plan creation.
const PlanCreation = `Break the request into a minimal ordered list of concrete steps.

Request: {{USER_REQUEST}}

Strategy: {{CONTEXT}}

Available tools:
{{AVAILABLE_TOOLS}}

Rules:
- Each step is one action a tool-using executor can perform.
- "dependencies" lists the 1-based positions of steps that must complete first.
- "success_criteria" must be observable after the step runs.
- Write "action" and "tts" in {{USER_LANGUAGE}}.

Respond with JSON:
{"items": [{"action": "...", "success_criteria": "...", "dependencies": [..], "max_attempts": n, "tts": "..."}]}`

// Provider selection per item.
const ProviderSelection = `Pick the providers needed for this step.

Step: {{ACTION}}

Ready providers:
{{PROVIDERS}}

Respond with JSON:
{"selected_servers": ["..."], "selected_prompts": ["..."], "confidence": 0-100}
Select 1-2 servers. "selected_prompts" may name specialized planning styles: "filesystem", "shell", "browser".`

// Tool-planning templates, one per specialization. Selection is by the
// ProviderSelector; Default covers everything without a specialized style.
const (
	ToolPlanDefault = `Plan the tool calls that accomplish this step.

Step: {{ACTION}}
Success criteria: {{SUCCESS_CRITERIA}}
{{CONTEXT}}

Available tools:
{{AVAILABLE_TOOLS}}

Respond in {{USER_LANGUAGE}} reasoning, JSON only:
{"tool_calls": [{"server": "...", "tool": "...", "parameters": {...}}], "reasoning": "..."}
If the step needs no tools (a pure answer), respond {"tool_calls": [], "direct_result": "...", "reasoning": "..."}.`

	ToolPlanFilesystem = `Plan filesystem tool calls for this step. Use absolute paths; create parent
directories before writing into them; never overwrite without being asked.

Step: {{ACTION}}
Success criteria: {{SUCCESS_CRITERIA}}

Available tools:
{{AVAILABLE_TOOLS}}

Respond with JSON:
{"tool_calls": [{"server": "...", "tool": "...", "parameters": {...}}], "reasoning": "..."}`

	ToolPlanShell = `Plan shell command invocations for this step. One command per call; no
pipelines of destructive commands; prefer idempotent flags.

Step: {{ACTION}}
Success criteria: {{SUCCESS_CRITERIA}}

Available tools:
{{AVAILABLE_TOOLS}}

Respond with JSON:
{"tool_calls": [{"server": "...", "tool": "...", "parameters": {...}}], "reasoning": "..."}`

	ToolPlanBrowser = `Plan browser automation calls for this step. Navigate before interacting;
wait for page loads; prefer stable selectors.

Step: {{ACTION}}
Success criteria: {{SUCCESS_CRITERIA}}

Available tools:
{{AVAILABLE_TOOLS}}

Respond with JSON:
{"tool_calls": [{"server": "...", "tool": "...", "parameters": {...}}], "reasoning": "..."}`
)

// Verifier phase A: evidence gathering.
const VerifyEvidence = `Plan the tool calls that gather evidence of whether this step succeeded.
Always include at least one screen capture or a read-back of the affected artifact.

Step: {{ACTION}}
Success criteria: {{SUCCESS_CRITERIA}}
Execution results: {{RESULTS}}

Available tools:
{{AVAILABLE_TOOLS}}

Respond with JSON:
{"tool_calls": [{"server": "...", "tool": "...", "parameters": {...}}], "reasoning": "..."}`

// Verifier phase B: the decision.
const VerifyDecision = `Decide whether this step achieved its success criteria.

Step: {{ACTION}}
Success criteria: {{SUCCESS_CRITERIA}}
Execution results: {{RESULTS}}
Evidence: {{EVIDENCE}}

Respond with JSON:
{"verified": bool, "confidence": 0-100, "reason": "...", "evidence": "...", "likely_cause": "...", "recommended_strategy": "..."}`

// Replanner.
const Replan = `A step failed after execution and verification. Decide how to proceed.

Failed step: {{ACTION}}
Success criteria: {{SUCCESS_CRITERIA}}
Failure: {{FAILURE_REASON}}

Plan state:
{{PLAN_STATE}}

Available tools:
{{AVAILABLE_TOOLS}}

Strategies:
- "inject_children": replace the step with smaller child steps.
- "skip_and_continue": the step is not essential; skip it.
- "abort": the workflow cannot meaningfully continue.

Respond with JSON:
{"strategy": "...", "reasoning": "...", "new_items": [{"action": "...", "success_criteria": "...", "dependencies": [..], "max_attempts": n}]}
"dependencies" in new_items may reference only earlier new items by 1-based position, or existing completed step IDs.`

// Memory decision: does this message warrant a recall lookup?
const MemoryDecision = `Does answering this message benefit from recalling stored facts about the user
or their environment?

Message: {{USER_REQUEST}}

Respond with JSON: {"needs_memory": bool, "search_terms": ["..."]}`
