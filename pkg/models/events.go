package models

import "time"

// EventType tags a wire frame on the event stream. The names are contractual
// and consumed by external sinks (UI, TTS, localization).
type EventType string

const (
	EventModeSelected     EventType = "mode_selected"
	EventTodoCreated      EventType = "mcp_todo_created"
	EventItemBlocked      EventType = "mcp_item_blocked"
	EventItemExecuted     EventType = "mcp_item_executed"
	EventItemVerified     EventType = "mcp_item_verified"
	EventItemReplanned    EventType = "mcp_item_replanned"
	EventItemSkipped      EventType = "mcp_item_skipped"
	EventItemFailed       EventType = "mcp_item_failed"
	EventWorkflowComplete EventType = "mcp_workflow_complete"
	EventWorkflowError    EventType = "mcp_workflow_error"
	EventAgentMessage     EventType = "agent_message"
)

// Frame is a single tagged JSON object on the event stream.
type Frame struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Time      time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Agent identifies which logical agent produced a chat message.
type Agent string

const (
	AgentPlanner  Agent = "planner"
	AgentExecutor Agent = "executor"
	AgentVerifier Agent = "verifier"
	AgentSystem   Agent = "system"
)

// AgentMessage is a chat message emitted toward the user.
type AgentMessage struct {
	Agent      Agent       `json:"agent"`
	Content    string      `json:"content"`
	TTSContent string      `json:"ttsContent,omitempty"`
	Mode       SessionMode `json:"mode,omitempty"`
	SessionID  string      `json:"sessionId,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ModeSelectedData reports the router's classification.
type ModeSelectedData struct {
	Mode       SessionMode `json:"mode"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning,omitempty"`
}

// TodoCreatedData reports a freshly created plan.
type TodoCreatedData struct {
	PlanID    string   `json:"planId"`
	Summary   string   `json:"summary"`
	ItemCount int      `json:"itemCount"`
	Mode      PlanMode `json:"mode"`
}

// ItemBlockedData reports an item whose dependencies are unmet.
type ItemBlockedData struct {
	ItemID      string   `json:"itemId"`
	Unsatisfied []string `json:"unsatisfied,omitempty"`
	CheckCount  int      `json:"checkCount"`
}

// ItemExecutedData reports a finished execution attempt. Success means at
// least one tool call succeeded; Results carries the per-call outcomes for
// consumers that need stricter accounting.
type ItemExecutedData struct {
	ItemID  string       `json:"itemId"`
	Success bool         `json:"success"`
	Summary string       `json:"summary,omitempty"`
	Results []CallResult `json:"results,omitempty"`
}

// ItemVerifiedData reports the verifier's decision.
type ItemVerifiedData struct {
	ItemID     string `json:"itemId"`
	Verified   bool   `json:"verified"`
	Confidence int    `json:"confidence"`
	Summary    string `json:"summary,omitempty"`
}

// ItemReplannedData reports a replan that injected child items.
type ItemReplannedData struct {
	ItemID        string   `json:"itemId"`
	Reason        string   `json:"reason,omitempty"`
	NewItemsCount int      `json:"newItemsCount"`
	NewItemIDs    []string `json:"newItemIds,omitempty"`
}

// ItemSkippedData reports an item abandoned without completion.
type ItemSkippedData struct {
	ItemID string `json:"itemId"`
	Reason string `json:"reason,omitempty"`
}

// ItemFailedData reports a terminally failed item.
type ItemFailedData struct {
	ItemID string `json:"itemId"`
	Reason string `json:"reason,omitempty"`
}

// WorkflowCompleteData is the run summary on normal termination.
type WorkflowCompleteData struct {
	Completed   int     `json:"completed"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"successRate"`
	DurationMs  int64   `json:"durationMs"`
}

// WorkflowErrorData reports an aborted or cancelled run.
type WorkflowErrorData struct {
	Reason string `json:"reason"`
	ItemID string `json:"itemId,omitempty"`
}
