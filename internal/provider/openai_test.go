package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentcore/internal/chat"
	"agentcore/internal/config"
)

// sseServer 以 SSE 形式回放脚本化的流式响应
// sseServer replays scripted streaming responses as SSE
func sseServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newTestProvider(url string) *OpenAIProvider {
	return NewOpenAIProvider(config.ProviderConfig{
		BaseURL: url + "/v1",
		APIKey:  "test-key",
		Model:   "gpt-4o",
	})
}

func TestStreamForwardsTextDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"role":"assistant","content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`,
	})
	defer srv.Close()

	var deltas []string
	resp, err := newTestProvider(srv.URL).Stream(context.Background(), Request{
		Messages: []chat.HistoryMessage{chat.TextHistoryMessage("user", "hi")},
	}, &StreamCallbacks{
		OnText: func(d string) { deltas = append(deltas, d) },
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q, want stop", resp.FinishReason)
	}
	if len(deltas) != 2 || deltas[0] != "hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStreamForwardsToolCallDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer srv.Close()

	type delta struct {
		index          int
		id, name, args string
	}
	var got []delta
	resp, err := newTestProvider(srv.URL).Stream(context.Background(), Request{
		Messages: []chat.HistoryMessage{chat.TextHistoryMessage("user", "read it")},
		Tools:    []ToolDef{{Name: "read_file", Parameters: map[string]any{"type": "object"}}},
	}, &StreamCallbacks{
		OnToolCallDelta: func(index int, id, name, args string) {
			got = append(got, delta{index, id, name, args})
		},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q, want tool_calls", resp.FinishReason)
	}
	if len(got) != 2 {
		t.Fatalf("deltas = %d, want 2", len(got))
	}
	if got[0].id != "call_1" || got[0].name != "read_file" {
		t.Errorf("first delta = %+v", got[0])
	}
	if got[0].args+got[1].args != `{"path":"a.go"}` {
		t.Errorf("joined args = %q", got[0].args+got[1].args)
	}
}

func TestStreamErrorWithoutContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).Stream(context.Background(), Request{
		Messages: []chat.HistoryMessage{chat.TextHistoryMessage("user", "hi")},
	}, nil)
	if err == nil {
		t.Fatal("expected transport error")
	}
}

func TestBuildMessagesIncludesSystemPrompt(t *testing.T) {
	msgs := buildMessages(Request{
		SystemPrompt: "you are helpful",
		Messages: []chat.HistoryMessage{
			chat.TextHistoryMessage("user", "hi"),
			chat.TextHistoryMessage("assistant", "hello"),
		},
	})
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "you are helpful" {
		t.Errorf("system message = %+v", msgs[0])
	}
}

func TestBuildMessagesMultimodal(t *testing.T) {
	msgs := buildMessages(Request{
		Messages: []chat.HistoryMessage{{
			Role: "user",
			Content: []chat.HistoryContent{
				{Type: "text", Text: "look"},
				{Type: "image", Image: "data:image/png;base64,AAAA"},
			},
		}},
	})
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if len(msgs[0].MultiContent) != 2 {
		t.Fatalf("parts = %d, want 2", len(msgs[0].MultiContent))
	}
	if msgs[0].MultiContent[1].ImageURL == nil {
		t.Error("second part should carry the image URL")
	}
}
