package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/pkg/models"
)

type fakeCompleter struct {
	replies []string
	err     error
	reqs    []llm.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return llm.Response{}, f.err
	}
	if len(f.replies) == 0 {
		return llm.Response{}, errors.New("script exhausted")
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	return llm.Response{Content: next}, nil
}

func newRouter(c *fakeCompleter) *Router {
	return New(c, nil, nil, config.StageConfig{}, config.StageConfig{}, nil)
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  models.SessionMode
	}{
		{"task", `{"mode": "task", "confidence": 92, "reasoning": "wants a file created"}`, models.ModeTask},
		{"chat", `{"mode": "chat", "confidence": 88}`, models.ModeChat},
		{"introspect", `{"mode": "introspect", "confidence": 70, "mood": "curious"}`, models.ModeIntrospect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&fakeCompleter{replies: []string{tt.reply}})
			got := r.Route(context.Background(), "message")
			if got.Mode != tt.want {
				t.Errorf("mode = %q, want %q", got.Mode, tt.want)
			}
		})
	}
}

func TestRoute_FallbackOnFailure(t *testing.T) {
	r := newRouter(&fakeCompleter{err: errors.New("endpoint down")})
	if got := r.Route(context.Background(), "open the browser"); got.Mode != models.ModeTask {
		t.Errorf("mode = %q", got.Mode)
	}
	if got := r.Route(context.Background(), "how are you today?"); got.Mode != models.ModeChat {
		t.Errorf("mode = %q", got.Mode)
	}
}

func TestRoute_UnknownModeFallsBack(t *testing.T) {
	r := newRouter(&fakeCompleter{replies: []string{`{"mode": "panic", "confidence": 99}`}})
	got := r.Route(context.Background(), "delete the old logs")
	if got.Mode != models.ModeTask {
		t.Errorf("mode = %q", got.Mode)
	}
}

func TestChat(t *testing.T) {
	c := &fakeCompleter{replies: []string{"hello!"}}
	r := newRouter(c)
	reply, err := r.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hello!" {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(c.reqs[0].Messages[0].Content, "hi") {
		t.Error("prompt missing user message")
	}
}

func TestIntrospect_Reply(t *testing.T) {
	c := &fakeCompleter{replies: []string{`{"handoff": false, "reply": "I have 2 providers connected."}`}}
	r := newRouter(c)
	reply, handoff, err := r.Introspect(context.Background(), "what can you do?")
	if err != nil {
		t.Fatal(err)
	}
	if handoff != nil {
		t.Errorf("unexpected handoff %+v", handoff)
	}
	if reply != "I have 2 providers connected." {
		t.Errorf("reply = %q", reply)
	}
}

func TestIntrospect_Handoff(t *testing.T) {
	c := &fakeCompleter{replies: []string{`{"handoff": true, "tasks": ["list connected provider processes"], "reason": "needs live tool output"}`}}
	r := newRouter(c)
	reply, handoff, err := r.Introspect(context.Background(), "show me what tools are actually responding right now")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "" || handoff == nil {
		t.Fatalf("reply = %q, handoff = %+v", reply, handoff)
	}
	if len(handoff.Tasks) != 1 || handoff.Reason == "" {
		t.Errorf("handoff = %+v", handoff)
	}
}

func TestIntrospect_ProseReplyPassesThrough(t *testing.T) {
	c := &fakeCompleter{replies: []string{"I am an orchestrator with three agents."}}
	r := newRouter(c)
	reply, handoff, err := r.Introspect(context.Background(), "who are you?")
	if err != nil {
		t.Fatal(err)
	}
	if handoff != nil || !strings.Contains(reply, "orchestrator") {
		t.Errorf("reply = %q, handoff = %+v", reply, handoff)
	}
}
