package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/engine"
	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/internal/observability"
)

// buildServeCmd creates the "serve" command that runs the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the maestro HTTP server",
		Long: `Start the HTTP server exposing the orchestrator:

  POST /v1/messages               handle a message on a session
  POST /v1/sessions/{id}/cancel   interrupt a session's active run
  GET  /v1/events                 live event stream (SSE)
  GET  /v1/ws                     live event stream (websocket)
  GET  /v1/providers              capability provider inventory
  GET  /metrics                   Prometheus metrics
  GET  /healthz                   liveness probe

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides server.addr)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)
	broadcast := events.NewBroadcastSink()
	sink := events.NewMultiSink(metrics.Sink(), broadcast)

	orch := engine.NewOrchestrator(cfg, sink, slog.Default())
	defer orch.Close()
	orch.SetMetrics(metrics)
	if err := orch.Connect(ctx); err != nil {
		return err
	}

	srv := &server{orch: orch, metrics: metrics, broadcast: broadcast, logger: slog.Default()}
	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type server struct {
	orch      *engine.Orchestrator
	metrics   *observability.Metrics
	broadcast *events.BroadcastSink
	logger    *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/events", s.handleSSE)
	mux.HandleFunc("GET /v1/ws", s.handleWebsocket)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type messageRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type messageResponse struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
	Reply     string `json:"reply,omitempty"`
	Progress  any    `json:"progress,omitempty"`
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}

	// Resolve the session first so a fresh ID reaches the response.
	session := s.orch.Session(req.SessionID)

	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()

	outcome, err := s.orch.Handle(r.Context(), session.ID, req.Message)
	if err != nil {
		s.logger.Error("message handling failed", "session", session.ID, "error", err)
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := messageResponse{
		SessionID: session.ID,
		Mode:      string(outcome.Mode),
		Reply:     outcome.Reply,
	}
	if outcome.Plan != nil {
		resp.Progress = outcome.Progress
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.orch.Cancel(r.PathValue("id"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sse, err := events.NewSSESink(w)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.broadcast.Add(sse)
	defer s.broadcast.Remove(sse)
	<-r.Context().Done()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ws := events.NewWebsocketSink(conn)
	s.broadcast.Add(ws)
	defer s.broadcast.Remove(ws)

	// Inbound messages are not accepted on this socket; the read loop exists
	// to notice the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Registry().Providers())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
