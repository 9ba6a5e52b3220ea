package events

import (
	"context"
	"time"

	"github.com/tessro/maestro/pkg/models"
)

// Emitter builds correctly tagged frames for one session and hands them to
// the sink. All helpers are safe for concurrent use as long as the sink is.
type Emitter struct {
	sessionID string
	sink      Sink
	now       func() time.Time
}

// NewEmitter creates an emitter for a session. A nil sink discards frames.
func NewEmitter(sessionID string, sink Sink) *Emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Emitter{sessionID: sessionID, sink: sink, now: time.Now}
}

func (e *Emitter) emit(ctx context.Context, eventType models.EventType, data any) {
	e.sink.Emit(ctx, models.Frame{
		Type:      eventType,
		SessionID: e.sessionID,
		Time:      e.now(),
		Data:      data,
	})
}

// ModeSelected reports the router's classification.
func (e *Emitter) ModeSelected(ctx context.Context, decision models.ModeDecision) {
	e.emit(ctx, models.EventModeSelected, models.ModeSelectedData{
		Mode:       decision.Mode,
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
	})
}

// TodoCreated reports a freshly planned todo.
func (e *Emitter) TodoCreated(ctx context.Context, plan *models.TodoPlan, summary string) {
	e.emit(ctx, models.EventTodoCreated, models.TodoCreatedData{
		PlanID:    plan.ID,
		Summary:   summary,
		ItemCount: len(plan.Items),
		Mode:      plan.Mode,
	})
}

// ItemBlocked reports an item with unmet dependencies.
func (e *Emitter) ItemBlocked(ctx context.Context, itemID string, unsatisfied []string, checks int) {
	e.emit(ctx, models.EventItemBlocked, models.ItemBlockedData{
		ItemID:      itemID,
		Unsatisfied: unsatisfied,
		CheckCount:  checks,
	})
}

// ItemExecuted reports a finished execution attempt.
func (e *Emitter) ItemExecuted(ctx context.Context, itemID string, result *models.ExecutionResult) {
	data := models.ItemExecutedData{ItemID: itemID}
	if result != nil {
		data.Success = result.Success
		data.Summary = result.Summary
		data.Results = result.Calls
	}
	e.emit(ctx, models.EventItemExecuted, data)
}

// ItemVerified reports the verifier's decision.
func (e *Emitter) ItemVerified(ctx context.Context, itemID string, verification *models.VerificationResult) {
	data := models.ItemVerifiedData{ItemID: itemID}
	if verification != nil {
		data.Verified = verification.Verified
		data.Confidence = verification.Confidence
		data.Summary = verification.Reason
	}
	e.emit(ctx, models.EventItemVerified, data)
}

// ItemReplanned reports child injection for a failed item.
func (e *Emitter) ItemReplanned(ctx context.Context, itemID, reason string, newIDs []string) {
	e.emit(ctx, models.EventItemReplanned, models.ItemReplannedData{
		ItemID:        itemID,
		Reason:        reason,
		NewItemsCount: len(newIDs),
		NewItemIDs:    newIDs,
	})
}

// ItemSkipped reports an abandoned item.
func (e *Emitter) ItemSkipped(ctx context.Context, itemID, reason string) {
	e.emit(ctx, models.EventItemSkipped, models.ItemSkippedData{ItemID: itemID, Reason: reason})
}

// ItemFailed reports a terminally failed item.
func (e *Emitter) ItemFailed(ctx context.Context, itemID, reason string) {
	e.emit(ctx, models.EventItemFailed, models.ItemFailedData{ItemID: itemID, Reason: reason})
}

// WorkflowComplete reports normal termination with the run summary.
func (e *Emitter) WorkflowComplete(ctx context.Context, progress models.ExecutionProgress) {
	e.emit(ctx, models.EventWorkflowComplete, models.WorkflowCompleteData{
		Completed:   progress.Completed,
		Total:       progress.Total,
		SuccessRate: progress.SuccessRate,
		DurationMs:  progress.DurationMs,
	})
}

// WorkflowError reports an aborted or cancelled run.
func (e *Emitter) WorkflowError(ctx context.Context, reason, itemID string) {
	e.emit(ctx, models.EventWorkflowError, models.WorkflowErrorData{Reason: reason, ItemID: itemID})
}

// AgentMessage emits a chat message attributed to one of the logical agents.
func (e *Emitter) AgentMessage(ctx context.Context, agent models.Agent, content, tts string, mode models.SessionMode) {
	e.emit(ctx, models.EventAgentMessage, models.AgentMessage{
		Agent:      agent,
		Content:    content,
		TTSContent: tts,
		Mode:       mode,
		SessionID:  e.sessionID,
		Timestamp:  e.now(),
	})
}
