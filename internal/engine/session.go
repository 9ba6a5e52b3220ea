package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/planner"
	"github.com/tessro/maestro/internal/router"
	"github.com/tessro/maestro/pkg/models"
)

// Outcome is what one handled message produced.
type Outcome struct {
	Mode     models.SessionMode
	Reply    string
	Plan     *models.TodoPlan
	Progress models.ExecutionProgress
}

// Session handles one conversation: route, then the chat, introspect, or
// task branch. Sessions are independent; each owns its plan state.
type Session struct {
	ID      string
	router  *router.Router
	planner *planner.Planner
	engine  *Engine
	emitter *events.Emitter
	logger  *slog.Logger
}

// NewSession builds a session over already-wired components.
func NewSession(id string, rt *router.Router, pl *planner.Planner, eng *Engine, emitter *events.Emitter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:      id,
		router:  rt,
		planner: pl,
		engine:  eng,
		emitter: emitter,
		logger:  logger.With("session", id),
	}
}

// Handle routes and serves one user message.
func (s *Session) Handle(ctx context.Context, message string) (*Outcome, error) {
	decision := s.router.Route(ctx, message)
	if s.emitter != nil {
		s.emitter.ModeSelected(ctx, decision)
	}
	s.logger.Info("mode selected", "mode", string(decision.Mode), "confidence", decision.Confidence)

	switch decision.Mode {
	case models.ModeChat:
		reply, err := s.router.Chat(ctx, message)
		if err != nil {
			return nil, err
		}
		s.say(ctx, models.AgentSystem, reply, models.ModeChat)
		return &Outcome{Mode: models.ModeChat, Reply: reply}, nil

	case models.ModeIntrospect:
		reply, taskCtx, err := s.router.Introspect(ctx, message)
		if err != nil {
			return nil, err
		}
		if taskCtx == nil {
			s.say(ctx, models.AgentSystem, reply, models.ModeIntrospect)
			return &Outcome{Mode: models.ModeIntrospect, Reply: reply}, nil
		}
		s.logger.Info("introspect handed off to task", "tasks", len(taskCtx.Tasks))
		return s.runTask(ctx, message, taskCtx)

	default:
		return s.runTask(ctx, message, nil)
	}
}

// runTask plans and executes the task branch.
func (s *Session) runTask(ctx context.Context, message string, taskCtx *models.TaskContext) (*Outcome, error) {
	plan, err := s.planner.CreatePlan(ctx, message, taskCtx, models.PlanModeStandard)
	if err != nil {
		if s.emitter != nil {
			s.emitter.WorkflowError(ctx, err.Error(), "")
		}
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}

	progress, err := s.engine.Run(ctx, plan)
	outcome := &Outcome{Mode: models.ModeTask, Plan: plan, Progress: progress}
	if err != nil {
		return outcome, err
	}
	s.say(ctx, models.AgentSystem, taskSummary(progress), models.ModeTask)
	return outcome, nil
}

func (s *Session) say(ctx context.Context, agent models.Agent, content string, mode models.SessionMode) {
	if s.emitter != nil && content != "" {
		s.emitter.AgentMessage(ctx, agent, content, "", mode)
	}
}

func taskSummary(progress models.ExecutionProgress) string {
	return fmt.Sprintf("Finished %d of %d steps (%.0f%%).",
		progress.Completed, progress.Total, progress.SuccessRate)
}
