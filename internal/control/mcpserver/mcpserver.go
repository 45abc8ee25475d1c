// Package mcpserver exposes the session controls as Model Context Protocol
// tools so that an assistant client can trigger or stop the agent.
//
// Tools:
//
//	trigger_short_hint     ask for a short spoken hint
//	trigger_full_guidance  ask for full spoken guidance
//	interrupt              stop the agent
//	session_state          current mode, liveness and transcripts
//
// [Handler] serves them over the streamable HTTP transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/cuecall/internal/session"
	"github.com/MrWong99/cuecall/internal/transcript"
)

const (
	serverName    = "cuecall"
	serverVersion = "v1"
)

// Sessions yields the session currently bound to the realtime connection, or
// nil while disconnected.
type Sessions interface {
	Current() *session.Session
}

// ActionOutput is the structured result of the trigger and interrupt tools.
type ActionOutput struct {
	Accepted bool   `json:"accepted" jsonschema:"whether the request changed the session state"`
	Mode     string `json:"mode" jsonschema:"session mode after the request"`
}

// StateOutput is the structured result of session_state.
type StateOutput struct {
	Connected   bool   `json:"connected"`
	SessionID   string `json:"session_id,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Live        bool   `json:"live"`
	Transcripts []Turn `json:"transcripts,omitempty"`
}

// Turn is one transcript entry in [StateOutput].
type Turn struct {
	TurnID   string `json:"turn_id"`
	Role     string `json:"role"`
	Text     string `json:"text"`
	Resolved bool   `json:"resolved"`
}

type noArgs struct{}

// New builds an MCP server exposing the session tools.
func New(sessions Sessions) *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: serverVersion}, nil)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "trigger_short_hint",
		Description: "Ask the agent for a brief spoken answer based on the last few user utterances. Ignored while the agent is already responding.",
	}, action(sessions, (*session.Session).TriggerShortHint))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "trigger_full_guidance",
		Description: "Ask the agent for a longer spoken answer based on the recent conversation. Ignored while the agent is already responding.",
	}, action(sessions, (*session.Session).TriggerFullGuidance))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "interrupt",
		Description: "Stop the agent immediately and discard any audio it has not played yet.",
	}, action(sessions, (*session.Session).Interrupt))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "session_state",
		Description: "Report whether a session is connected, its mode and the transcript so far.",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, _ noArgs) (*mcpsdk.CallToolResult, StateOutput, error) {
		out := state(sessions)
		return textResult(out), out, nil
	})

	return srv
}

// Handler returns an http.Handler serving the tools over streamable HTTP.
func Handler(sessions Sessions) http.Handler {
	srv := New(sessions)
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
}

func action(sessions Sessions, call func(*session.Session, context.Context) bool) mcpsdk.ToolHandlerFor[noArgs, ActionOutput] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, _ noArgs) (*mcpsdk.CallToolResult, ActionOutput, error) {
		sess := sessions.Current()
		if sess == nil {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "no active session"}},
			}, ActionOutput{}, nil
		}
		ok := call(sess, ctx)
		out := ActionOutput{Accepted: ok, Mode: sess.Mode().String()}
		return textResult(out), out, nil
	}
}

func state(sessions Sessions) StateOutput {
	sess := sessions.Current()
	if sess == nil {
		return StateOutput{}
	}
	snap := sess.Snapshot()
	out := StateOutput{
		Connected: !snap.Closed,
		SessionID: snap.ID,
		Mode:      snap.Mode.String(),
		Live:      snap.Live,
	}
	for _, e := range snap.Transcripts {
		out.Transcripts = append(out.Transcripts, turn(e))
	}
	return out
}

func turn(e transcript.Entry) Turn {
	return Turn{TurnID: e.TurnID, Role: string(e.Role), Text: e.Text, Resolved: e.Resolved}
}

// textResult renders v as the tool's text content for clients that ignore
// structured output.
func textResult(v any) *mcpsdk.CallToolResult {
	data, _ := json.Marshal(v)
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}
