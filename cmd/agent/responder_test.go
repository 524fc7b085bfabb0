package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"agentcore/internal/chat"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		kind     chat.AskKind
		line     string
		want     chat.ResponseKind
		wantText string
	}{
		{name: "empty approves", kind: chat.AskTool, line: "", want: chat.ResponseYes},
		{name: "yes approves", kind: chat.AskCommand, line: "YES", want: chat.ResponseYes},
		{name: "no denies", kind: chat.AskCommand, line: "n", want: chat.ResponseNo},
		{name: "text becomes feedback", kind: chat.AskTool, line: "use sed instead", want: chat.ResponseMessage, wantText: "use sed instead"},
		{name: "followup passes through", kind: chat.AskFollowup, line: "no", want: chat.ResponseMessage, wantText: "no"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseResponse(tt.kind, tt.line)
			if got.Response != tt.want {
				t.Fatalf("parseResponse(%q).Response = %s, want %s", tt.line, got.Response, tt.want)
			}
			if got.Text != tt.wantText {
				t.Fatalf("parseResponse(%q).Text = %q, want %q", tt.line, got.Text, tt.wantText)
			}
		})
	}
}

func TestConsoleResponder_WaitResponse(t *testing.T) {
	var out bytes.Buffer
	r := newConsoleResponder(strings.NewReader("y\n"), &out)

	resp, err := r.WaitResponse(context.Background(), chat.Message{
		Kind: chat.KindAsk,
		Ask:  chat.AskCommand,
		Text: "run: ls",
	})
	if err != nil {
		t.Fatalf("WaitResponse() error = %v", err)
	}
	if resp.Response != chat.ResponseYes {
		t.Fatalf("Response = %s, want yes", resp.Response)
	}
	if !strings.Contains(out.String(), "run: ls") {
		t.Fatalf("prompt output = %q, want ask text", out.String())
	}
}

func TestConsoleResponder_EOFSurfacesError(t *testing.T) {
	r := newConsoleResponder(strings.NewReader(""), &bytes.Buffer{})

	if _, err := r.WaitResponse(context.Background(), chat.Message{Kind: chat.KindAsk, Ask: chat.AskTool}); err == nil {
		t.Fatal("WaitResponse() error = nil, want EOF error")
	}
}
