package mcpserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/cuecall/internal/session"
	"github.com/MrWong99/cuecall/internal/trigger"
	audiomock "github.com/MrWong99/cuecall/pkg/audio/mock"
	"github.com/MrWong99/cuecall/pkg/realtime"
	rtmock "github.com/MrWong99/cuecall/pkg/realtime/mock"
)

type fakeSessions struct {
	cur atomic.Pointer[session.Session]
}

func (f *fakeSessions) Current() *session.Session { return f.cur.Load() }

func startSession(t *testing.T, sessions *fakeSessions) *rtmock.Transport {
	t.Helper()
	tr := rtmock.NewTransport()
	s := session.New(tr, &audiomock.Sink{}, session.Options{
		Triggers: trigger.Config{
			ShortHint:    trigger.Trigger{Phrase: "good question", Duration: 10 * time.Second},
			FullGuidance: trigger.Trigger{Phrase: "walk me through", Duration: 45 * time.Second},
		},
		ModalitySwitchDelay: time.Hour,
		StrictInvariants:    true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	sessions.cur.Store(s)
	return tr
}

// connect returns a client session wired to a server over in-memory transports.
func connect(t *testing.T, sessions Sessions) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcpsdk.NewInMemoryTransports()

	ss, err := New(sessions).Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// call invokes tool and decodes its text content into out.
func call(t *testing.T, cs *mcpsdk.ClientSession, tool string, out any) *mcpsdk.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", tool, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", tool)
	}
	text, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): content is %T", tool, res.Content[0])
	}
	if out != nil && !res.IsError {
		if err := json.Unmarshal([]byte(text.Text), out); err != nil {
			t.Fatalf("CallTool(%s): decode %q: %v", tool, text.Text, err)
		}
	}
	return res
}

func TestTools_Listed(t *testing.T) {
	t.Parallel()
	cs := connect(t, &fakeSessions{})

	var names []string
	for tool, err := range cs.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{"interrupt", "session_state", "trigger_full_guidance", "trigger_short_hint"}
	if !slices.Equal(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestTools_NoSession(t *testing.T) {
	t.Parallel()
	cs := connect(t, &fakeSessions{})

	if res := call(t, cs, "trigger_short_hint", nil); !res.IsError {
		t.Error("trigger without a session should be a tool error")
	}

	var st StateOutput
	if res := call(t, cs, "session_state", &st); res.IsError {
		t.Fatal("session_state should not fail while disconnected")
	}
	if st.Connected {
		t.Errorf("state = %+v, want disconnected", st)
	}
}

func TestTools_TriggerInterruptState(t *testing.T) {
	t.Parallel()
	sessions := &fakeSessions{}
	tr := startSession(t, sessions)
	cs := connect(t, sessions)

	var out ActionOutput
	call(t, cs, "trigger_short_hint", &out)
	if !out.Accepted || out.Mode != "generating" {
		t.Fatalf("trigger_short_hint = %+v", out)
	}

	call(t, cs, "trigger_full_guidance", &out)
	if out.Accepted {
		t.Errorf("trigger while busy accepted: %+v", out)
	}

	call(t, cs, "interrupt", &out)
	if !out.Accepted || out.Mode != "listening" {
		t.Fatalf("interrupt = %+v", out)
	}

	var kinds []realtime.CommandKind
	for _, c := range tr.Commands() {
		kinds = append(kinds, c.Kind)
	}
	if !slices.Contains(kinds, realtime.CommandCancelResponse) {
		t.Errorf("commands = %v, want a cancel", tr.Commands())
	}

	var st StateOutput
	call(t, cs, "session_state", &st)
	if !st.Connected || st.SessionID == "" || st.Mode != "listening" {
		t.Errorf("state = %+v", st)
	}
}

func TestHandler_ServesStreamableHTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(Handler(&fakeSessions{}))
	t.Cleanup(srv.Close)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(context.Background(), &mcpsdk.StreamableClientTransport{Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cs.Close()

	var st StateOutput
	call(t, cs, "session_state", &st)
	if st.Connected {
		t.Errorf("state = %+v", st)
	}
}
