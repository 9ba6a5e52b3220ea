package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/exec"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/memory"
	"github.com/tessro/maestro/internal/planner"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/internal/ratelimit"
	"github.com/tessro/maestro/internal/replan"
	"github.com/tessro/maestro/internal/router"
	"github.com/tessro/maestro/internal/selector"
	"github.com/tessro/maestro/internal/toolplan"
	"github.com/tessro/maestro/internal/verify"
)

// Orchestrator owns the process-wide components (LLM client, throttler,
// provider registry, memory) and spawns independent sessions over them.
type Orchestrator struct {
	cfg       *config.Config
	registry  *provider.Registry
	client    *llm.Client
	throttler *ratelimit.Throttler
	memory    *memory.Coordinator
	sink      events.Sink
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	session *Session
	cancel  context.CancelFunc
}

// NewOrchestrator wires the shared components from configuration. Providers
// are connected separately with Connect.
func NewOrchestrator(cfg *config.Config, sink events.Sink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	throttler := ratelimit.New(ratelimit.Config{
		MinSpacing:  cfg.RateLimit.MinSpacing,
		MaxInFlight: cfg.RateLimit.MaxInFlight,
		Enabled:     cfg.RateLimit.Enabled,
	})
	client := llm.NewClient(cfg.LLM, throttler, logger)
	registry := provider.NewRegistry(logger)

	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		client:    client,
		throttler: throttler,
		sink:      sink,
		logger:    logger,
		sessions:  make(map[string]*sessionEntry),
	}
}

// SetMetrics plugs request accounting into the shared LLM client.
func (o *Orchestrator) SetMetrics(m llm.MetricsRecorder) {
	o.client.SetMetrics(m)
}

// Connect dials every configured provider. A provider that fails to connect
// is registered anyway and stays not-ready until a later refresh finds it.
func (o *Orchestrator) Connect(ctx context.Context) error {
	for _, pc := range o.cfg.Providers {
		client := provider.NewHTTPClient(pc.Name, pc.URL, pc.Headers, pc.Timeout, o.logger)
		if err := client.Connect(ctx); err != nil {
			o.logger.Warn("provider connect failed", "provider", pc.Name, "error", err)
		}
		if err := o.registry.Add(ctx, client, pc.Memory); err != nil {
			return err
		}
	}

	if memClient, ok := o.registry.MemoryProvider(); ok {
		o.memory = memory.NewCoordinator(
			memClient, o.client, o.cfg.Stages.Memory, o.cfg.Memory, o.logger)
	}
	return nil
}

// Registry exposes the provider inventory for status surfaces.
func (o *Orchestrator) Registry() *provider.Registry { return o.registry }

// Session returns the session with the given ID, creating it on first use.
// An empty ID allocates a fresh session.
func (o *Orchestrator) Session(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.sessions[id]; ok {
		return entry.session
	}
	session := o.newSession(id)
	o.sessions[id] = &sessionEntry{session: session}
	return session
}

// newSession builds the per-session pipeline over the shared components.
func (o *Orchestrator) newSession(id string) *Session {
	emitter := events.NewEmitter(id, o.sink)
	stages := o.cfg.Stages

	rt := router.New(o.client, o.memory, o.registry, stages.Router, stages.Chat, o.logger)
	pl := planner.New(o.client, o.registry, stages.Planner, o.cfg.Retry.ItemExecution, emitter, o.logger)
	sel := selector.New(o.client, o.registry, stages.Selector, o.logger)
	tp := toolplan.New(o.client, o.registry, stages.ToolPlanner, o.cfg.Retry.ToolPlanning, o.cfg.Platform, o.logger)
	ex := exec.New(o.registry, o.throttler, o.cfg.Platform, emitter, o.logger)
	vf := verify.New(o.client, o.registry, o.throttler, stages.Verifier, o.cfg.Platform, emitter, o.logger)
	rp := replan.New(o.client, o.registry, stages.Replanner, o.cfg.Retry.Replanning, emitter, o.logger)
	eng := New(sel, tp, ex, vf, rp, emitter, o.logger)

	return NewSession(id, rt, pl, eng, emitter, o.logger)
}

// Handle serves one message on the named session, tracking its cancel
// handle so a concurrent Cancel can interrupt the run.
func (o *Orchestrator) Handle(ctx context.Context, sessionID, message string) (*Outcome, error) {
	session := o.Session(sessionID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	if entry, ok := o.sessions[session.ID]; ok {
		entry.cancel = cancel
	}
	o.mu.Unlock()

	return session.Handle(runCtx, message)
}

// Cancel interrupts the named session's active run, if any.
func (o *Orchestrator) Cancel(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.sessions[sessionID]; ok && entry.cancel != nil {
		entry.cancel()
	}
}

// Close stops the shared components.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, entry := range o.sessions {
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	o.sessions = make(map[string]*sessionEntry)
	o.mu.Unlock()
	o.throttler.Stop()
}
