package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolNameSeparator joins a server ID and tool name into the externally
// visible qualified tool name, e.g. "filesystem__write_file".
const ToolNameSeparator = "__"

// Tool is a capability exposed by a provider.
type Tool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Qualified returns the server-qualified tool name.
func (t Tool) Qualified() string {
	return t.Server + ToolNameSeparator + t.Name
}

// SplitQualified splits a qualified tool name into server and tool. The
// second return is the bare name; ok is false when the separator is absent.
func SplitQualified(qualified string) (server, name string, ok bool) {
	idx := strings.Index(qualified, ToolNameSeparator)
	if idx <= 0 || idx+len(ToolNameSeparator) >= len(qualified) {
		return "", qualified, false
	}
	return qualified[:idx], qualified[idx+len(ToolNameSeparator):], true
}

// ToolCall is a concrete invocation request against a provider tool.
type ToolCall struct {
	Server     string         `json:"server"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// Key renders the call for logging and dedup checks.
func (c ToolCall) Key() string {
	params, _ := json.Marshal(c.Parameters)
	return fmt.Sprintf("%s%s%s(%s)", c.Server, ToolNameSeparator, c.Tool, params)
}

// ToolPlan is a validated sequence of tool calls for one item attempt.
type ToolPlan struct {
	Calls     []ToolCall `json:"toolCalls"`
	Reasoning string     `json:"reasoning,omitempty"`

	// DirectResult short-circuits execution: the answer is the result and no
	// tools run.
	DirectResult string `json:"directResult,omitempty"`
}

// CallResult is the outcome of a single tool invocation.
type CallResult struct {
	Server  string `json:"server"`
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecutionResult aggregates the call results of one item attempt. Success
// means at least one call succeeded; the verifier decides the item outcome.
type ExecutionResult struct {
	Calls   []CallResult `json:"calls"`
	Success bool         `json:"success"`
	Summary string       `json:"summary,omitempty"`
}

// VerificationResult is the verifier's decision for one item attempt.
type VerificationResult struct {
	Verified   bool   `json:"verified"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason,omitempty"`
	Evidence   string `json:"evidence,omitempty"`

	// Failure analysis, consumed by the replanner.
	LikelyCause         string `json:"likelyCause,omitempty"`
	RecommendedStrategy string `json:"recommendedStrategy,omitempty"`
}

// PlanReasoning is the planner's feasibility assessment of a request.
type PlanReasoning struct {
	Feasible       bool     `json:"feasible"`
	Confidence     int      `json:"confidence"`
	Strategy       string   `json:"strategy,omitempty"`
	Risks          []string `json:"risks,omitempty"`
	Prerequisites  []string `json:"prerequisites,omitempty"`
	EstimatedSteps int      `json:"estimatedSteps,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// SessionMode classifies what kind of handling a request gets.
type SessionMode string

const (
	ModeChat       SessionMode = "chat"
	ModeIntrospect SessionMode = "introspect"
	ModeTask       SessionMode = "task"
)

// ModeDecision is the router's classification of a request.
type ModeDecision struct {
	Mode       SessionMode `json:"mode"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning,omitempty"`
	Mood       string      `json:"mood,omitempty"`
}

// TaskContext is the introspect-to-task handoff: pre-analyzed task seeds the
// planner consumes in lieu of classifying the original message.
type TaskContext struct {
	Tasks  []string `json:"tasks"`
	Reason string   `json:"reason,omitempty"`
}
