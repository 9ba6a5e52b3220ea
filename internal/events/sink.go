// Package events carries the orchestrator's typed event stream to its
// consumers: chat surfaces, SSE subscribers, and websocket clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tessro/maestro/pkg/models"
)

// Sink receives event frames during a run.
// Implementations must be safe to call from multiple goroutines.
type Sink interface {
	Emit(ctx context.Context, frame models.Frame)
}

// ChanSink sends frames to a channel, dropping when the channel is full so a
// slow consumer never stalls the engine.
type ChanSink struct {
	ch chan<- models.Frame
}

// NewChanSink creates a sink backed by a channel. The channel should be
// buffered.
func NewChanSink(ch chan<- models.Frame) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the frame without blocking.
func (s *ChanSink) Emit(ctx context.Context, frame models.Frame) {
	select {
	case s.ch <- frame:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans frames out to several sinks. Nil sinks are filtered out.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the frame to all sinks in order.
func (s *MultiSink) Emit(ctx context.Context, frame models.Frame) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, frame)
	}
}

// BroadcastSink fans frames out to a changing set of subscribers, typically
// SSE and websocket clients that come and go while the server runs.
type BroadcastSink struct {
	mu   sync.RWMutex
	subs map[Sink]struct{}
}

// NewBroadcastSink creates an empty broadcast sink.
func NewBroadcastSink() *BroadcastSink {
	return &BroadcastSink{subs: make(map[Sink]struct{})}
}

// Add subscribes a sink to future frames.
func (s *BroadcastSink) Add(sub Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
}

// Remove unsubscribes a sink.
func (s *BroadcastSink) Remove(sub Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// Emit dispatches the frame to every current subscriber.
func (s *BroadcastSink) Emit(ctx context.Context, frame models.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		sub.Emit(ctx, frame)
	}
}

// CallbackSink wraps a function as a Sink for inline handling.
type CallbackSink struct {
	fn func(ctx context.Context, frame models.Frame)
}

// NewCallbackSink creates a sink that calls fn for each frame.
func NewCallbackSink(fn func(ctx context.Context, frame models.Frame)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, frame models.Frame) {
	if s.fn != nil {
		s.fn(ctx, frame)
	}
}

// NopSink discards all frames.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, frame models.Frame) {}

// RecorderSink retains all frames in order. Intended for tests and
// diagnostics.
type RecorderSink struct {
	mu     sync.Mutex
	frames []models.Frame
}

// NewRecorderSink creates an empty recorder.
func NewRecorderSink() *RecorderSink {
	return &RecorderSink{}
}

// Emit appends the frame.
func (s *RecorderSink) Emit(ctx context.Context, frame models.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

// Frames returns a copy of the recorded frames.
func (s *RecorderSink) Frames() []models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Frame(nil), s.frames...)
}

// Types returns the recorded frame types in order.
func (s *RecorderSink) Types() []models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventType, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Type
	}
	return out
}

// SSESink writes frames as server-sent events. Writes are serialized; the
// response is flushed after every frame.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink prepares the response for event streaming and returns the sink.
// It fails when the writer does not support flushing.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSESink{w: w, flusher: flusher}, nil
}

// Emit writes one SSE frame: "event: <type>\ndata: <json>\n\n".
func (s *SSESink) Emit(ctx context.Context, frame models.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", frame.Type, payload)
	s.flusher.Flush()
}

// WebsocketSink writes frames as JSON text messages on a websocket
// connection. Writes are serialized because gorilla connections allow only
// one concurrent writer.
type WebsocketSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketSink wraps an established connection.
func NewWebsocketSink(conn *websocket.Conn) *WebsocketSink {
	return &WebsocketSink{conn: conn}
}

// Emit writes the frame; write errors are swallowed (the session notices the
// broken connection through its own lifecycle).
func (s *WebsocketSink) Emit(ctx context.Context, frame models.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteJSON(frame)
}
