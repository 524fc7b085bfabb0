package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"agentcore/internal/backend"
	"agentcore/internal/chat"
	"agentcore/internal/config"
	"agentcore/internal/provider"
	"agentcore/internal/state"
	"agentcore/internal/storage"
	"agentcore/internal/tools"
)

// memoryStore 内存存储，测试用。
// memoryStore is the in-memory store used by tests.
type memoryStore struct {
	mu        sync.Mutex
	summaries map[string]storage.TaskSummary
	history   map[string][]chat.HistoryMessage
	messages  map[string][]chat.Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		summaries: map[string]storage.TaskSummary{},
		history:   map[string][]chat.HistoryMessage{},
		messages:  map[string][]chat.Message{},
	}
}

func (s *memoryStore) UpsertSummary(summary storage.TaskSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.ID] = summary
	return nil
}

func (s *memoryStore) LoadSummary(taskID string) (storage.TaskSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[taskID]
	if !ok {
		return storage.TaskSummary{}, fmt.Errorf("task not found: %s", taskID)
	}
	return sum, nil
}

func (s *memoryStore) ListSummaries() ([]storage.TaskSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.TaskSummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		out = append(out, sum)
	}
	return out, nil
}

func (s *memoryStore) DeleteTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.summaries, taskID)
	delete(s.history, taskID)
	delete(s.messages, taskID)
	return nil
}

func (s *memoryStore) SaveHistory(taskID string, history []chat.HistoryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[taskID] = append([]chat.HistoryMessage(nil), history...)
	return nil
}

func (s *memoryStore) LoadHistory(taskID string) ([]chat.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.HistoryMessage(nil), s.history[taskID]...), nil
}

func (s *memoryStore) SaveMessages(taskID string, messages []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[taskID] = append([]chat.Message(nil), messages...)
	return nil
}

func (s *memoryStore) LoadMessages(taskID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages[taskID]...), nil
}

func (s *memoryStore) Close() error { return nil }

// scriptedProvider 按脚本回放流；每次调用消费一个条目。
// scriptedProvider replays scripted streams, one entry per call.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	scripts []streamScript
}

type streamScript struct {
	err       error
	text      string
	toolCalls []scriptedToolCall
}

type scriptedToolCall struct {
	id, name, args string
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) CurrentModel() string { return "gpt-4o" }

func (p *scriptedProvider) Stream(_ context.Context, _ provider.Request, cb *provider.StreamCallbacks) (provider.Response, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()
	if idx >= len(p.scripts) {
		return provider.Response{}, fmt.Errorf("no script for call %d", idx)
	}
	script := p.scripts[idx]
	if script.err != nil {
		return provider.Response{}, script.err
	}
	if script.text != "" && cb != nil && cb.OnText != nil {
		cb.OnText(script.text)
	}
	for i, tc := range script.toolCalls {
		if cb != nil && cb.OnToolCallDelta != nil {
			cb.OnToolCallDelta(i, tc.id, tc.name, tc.args)
		}
	}
	return provider.Response{
		Content: script.text,
		Usage:   provider.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// scriptedResponder 按 ask 类型应答
// scriptedResponder answers asks by kind
type scriptedResponder struct {
	mu        sync.Mutex
	responses map[chat.AskKind][]chat.AskResponse
	asked     []chat.AskKind
}

func (r *scriptedResponder) WaitResponse(_ context.Context, msg chat.Message) (chat.AskResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asked = append(r.asked, msg.Ask)
	queue := r.responses[msg.Ask]
	if len(queue) == 0 {
		return chat.AskResponse{Response: chat.ResponseYes}, nil
	}
	resp := queue[0]
	r.responses[msg.Ask] = queue[1:]
	return resp, nil
}

func (r *scriptedResponder) askedKinds() []chat.AskKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.AskKind(nil), r.asked...)
}

// fakeBackend 最小后端桩
// fakeBackend is a minimal backend stub
type fakeBackend struct{}

func (fakeBackend) SelectPersona(context.Context, string) (backend.Persona, error) {
	return backend.Persona{Name: "engineer", Prompt: "You are a careful engineer."}, nil
}

func (fakeBackend) KnowledgeSearch(context.Context, string) ([]backend.KnowledgeHit, error) {
	return nil, nil
}

func (fakeBackend) GeneratePlan(_ context.Context, goal, _ string) (backend.Plan, error) {
	return backend.Plan{Goal: goal, Steps: []backend.PlanStep{{ID: "1", Title: "do the work"}}}, nil
}

func (fakeBackend) AnalyzeAndRecover(context.Context, string) (backend.Recovery, error) {
	return backend.Recovery{Analysis: "transient", Suggestion: "retry the request"}, nil
}

func (fakeBackend) Close() error { return nil }

type testFiles struct {
	mu    sync.Mutex
	reads []string
}

func (f *testFiles) ReadFile(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, path)
	return "contents", nil
}

func (f *testFiles) WriteFile(_ context.Context, path, _ string) (tools.FileResult, error) {
	return tools.FileResult{FinalContent: "ok"}, nil
}

func (f *testFiles) ReplaceInFile(_ context.Context, path, _ string) (tools.FileResult, error) {
	return tools.FileResult{FinalContent: "ok"}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		WorkspaceRoot: t.TempDir(),
		StateDir:      t.TempDir(),
		Provider:      config.ProviderConfig{Model: "gpt-4o"},
		AutoApproval: config.AutoApprovalConfig{
			Enabled:     true,
			ReadFiles:   true,
			MaxRequests: 20,
		},
		Autonomy: config.AutonomyConfig{Mode: config.AutonomyFull},
		Limits:   config.LimitsConfig{MaxConsecutiveMistakes: 3},
	}
}

func newTestTask(t *testing.T, cfg config.Config, prov provider.Provider, responder Responder) (*Task, *state.Manager) {
	t.Helper()
	st, err := state.NewManager(newMemoryStore(), "task-1", "test goal")
	if err != nil {
		t.Fatal(err)
	}
	tk := New("task-1", "test goal", Deps{
		Config:        cfg,
		State:         st,
		Responder:     responder,
		Backend:       fakeBackend{},
		Provider:      prov,
		Collaborators: tools.Collaborators{Files: &testFiles{}},
	})
	return tk, st
}

func completionScript() streamScript {
	return streamScript{toolCalls: []scriptedToolCall{
		{id: "c1", name: "attempt_completion", args: `{"result":"all done"}`},
	}}
}

func TestRunCompletesOnAttemptCompletion(t *testing.T) {
	prov := &scriptedProvider{scripts: []streamScript{completionScript()}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{}}
	tk, st := newTestTask(t, testConfig(t), prov, responder)

	outcome := tk.Run(context.Background(), "do the thing", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}
	if outcome.Result != "all done" {
		t.Errorf("result = %q, want all done", outcome.Result)
	}

	var sawCompletion bool
	for _, msg := range st.Messages() {
		if msg.Kind == chat.KindSay && msg.Say == chat.SayCompletionResult {
			sawCompletion = true
		}
	}
	if !sawCompletion {
		t.Error("completion result message missing from the log")
	}
}

func TestRetryContractUserConfirmed(t *testing.T) {
	prov := &scriptedProvider{scripts: []streamScript{
		{err: fmt.Errorf("connection reset")},
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{
		chat.AskAPIReqFailed: {{Response: chat.ResponseYes}},
	}}
	tk, _ := newTestTask(t, testConfig(t), prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}
	if prov.callCount() != 2 {
		t.Errorf("model calls = %d, want exactly 2", prov.callCount())
	}
	if got := responder.askedKinds(); len(got) == 0 || got[0] != chat.AskAPIReqFailed {
		t.Errorf("asks = %v, want api_req_failed first", got)
	}
}

func TestRetryContractUserDeclined(t *testing.T) {
	prov := &scriptedProvider{scripts: []streamScript{
		{err: fmt.Errorf("connection reset")},
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{
		chat.AskAPIReqFailed: {{Response: chat.ResponseNo}},
	}}
	tk, _ := newTestTask(t, testConfig(t), prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusFatal {
		t.Fatalf("status = %s, want fatal", outcome.Status)
	}
	if outcome.Err == nil || !strings.Contains(outcome.Err.Error(), "user did not retry") {
		t.Errorf("err = %v, want mention of declined retry", outcome.Err)
	}
	if prov.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", prov.callCount())
	}
}

func TestAutoRetryIsSilentOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.AutoRetry = true
	prov := &scriptedProvider{scripts: []streamScript{
		{err: fmt.Errorf("overloaded")},
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{}}
	tk, _ := newTestTask(t, cfg, prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}
	if prov.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", prov.callCount())
	}
	for _, kind := range responder.askedKinds() {
		if kind == chat.AskAPIReqFailed {
			t.Error("silent auto-retry must not ask the user")
		}
	}
}

func TestMistakeLimitTriggersAsk(t *testing.T) {
	// 三轮纯文本响应触发失误上限，用户给出指导后第四轮完成。
	// Three text-only turns trip the mistake limit; after user guidance the
	// fourth turn completes.
	prov := &scriptedProvider{scripts: []streamScript{
		{text: "thinking about it"},
		{text: "still thinking"},
		{text: "hmm"},
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{
		chat.AskMistakeLimitReached: {{Response: chat.ResponseMessage, Text: "read main.go first"}},
	}}
	tk, _ := newTestTask(t, testConfig(t), prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}

	var mistakeAsks int
	for _, kind := range responder.askedKinds() {
		if kind == chat.AskMistakeLimitReached {
			mistakeAsks++
		}
	}
	if mistakeAsks != 1 {
		t.Errorf("mistake-limit asks = %d, want 1", mistakeAsks)
	}
}

func TestTurnModeAsksEveryTurn(t *testing.T) {
	cfg := testConfig(t)
	cfg.Autonomy.Mode = config.AutonomyTurnBased
	prov := &scriptedProvider{scripts: []streamScript{
		{toolCalls: []scriptedToolCall{{id: "c1", name: "read_file", args: `{"path":"a.go"}`}}},
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{}}
	tk, _ := newTestTask(t, cfg, prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}
	var gateAsks int
	for _, kind := range responder.askedKinds() {
		if kind == chat.AskStepLimitReached {
			gateAsks++
		}
	}
	if gateAsks != 1 {
		t.Errorf("autonomy asks = %d, want 1 (one non-terminal turn)", gateAsks)
	}
}

func TestToolResultsFeedNextTurn(t *testing.T) {
	prov := &scriptedProvider{scripts: []streamScript{
		{toolCalls: []scriptedToolCall{{id: "c1", name: "read_file", args: `{"path":"main.go"}`}}},
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{}}
	tk, st := newTestTask(t, testConfig(t), prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}

	history := st.History()
	// user goal, assistant tool call, user tool result, assistant completion
	if len(history) != 4 {
		t.Fatalf("history = %d entries, want 4", len(history))
	}
	if !strings.Contains(history[2].JoinedText(), "read_file") {
		t.Errorf("tool result missing from next user content: %q", history[2].JoinedText())
	}
	if !chat.RolesAlternate(history) {
		t.Error("history roles must alternate")
	}
}

func TestHistoryTruncationConsistency(t *testing.T) {
	prov := &scriptedProvider{scripts: []streamScript{
		{toolCalls: []scriptedToolCall{{id: "c1", name: "read_file", args: `{"path":"a.go"}`}}},
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{}}
	tk, st := newTestTask(t, testConfig(t), prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}

	messages := st.Messages()
	// 选第一轮的 api_req_started 作为恢复目标。
	// Pick the first turn's api_req_started as the restore target.
	var target chat.Message
	var targetIndex int
	for i, msg := range messages {
		if msg.Kind == chat.KindSay && msg.Say == chat.SayAPIReqStarted {
			target = msg
			targetIndex = i
			break
		}
	}
	if target.Ts == 0 {
		t.Fatal("no api_req_started message found")
	}

	if err := tk.RestoreCheckpoint(context.Background(), target.Ts, RestoreTask); err != nil {
		t.Fatalf("restore: %v", err)
	}

	wantHistory := target.ConversationHistoryIndex + 2
	if got := st.HistoryLen(); got != wantHistory {
		t.Errorf("history length = %d, want %d", got, wantHistory)
	}
	newMessages := st.Messages()
	// 截断到目标下标（含）；被丢弃请求的汇总消息可能额外追加一条。
	// Truncated to the target index inclusive; one informational message
	// about discarded requests may follow.
	if len(newMessages) < targetIndex+1 || len(newMessages) > targetIndex+2 {
		t.Errorf("message log length = %d, want %d or %d", len(newMessages), targetIndex+1, targetIndex+2)
	}
	if newMessages[targetIndex].Ts != target.Ts {
		t.Error("target message must remain the last retained entry")
	}
}

func TestAbortRevertsAndStops(t *testing.T) {
	prov := &scriptedProvider{scripts: []streamScript{completionScript()}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{}}
	tk, _ := newTestTask(t, testConfig(t), prov, responder)

	tk.Abort()
	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", outcome.Status)
	}
	if prov.callCount() != 0 {
		t.Errorf("model calls = %d, want 0 after pre-run abort", prov.callCount())
	}
}

func TestCompletionFeedbackContinuesLoop(t *testing.T) {
	prov := &scriptedProvider{scripts: []streamScript{
		completionScript(),
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{
		chat.AskCompletionResult: {
			{Response: chat.ResponseMessage, Text: "also add tests"},
			{Response: chat.ResponseYes},
		},
	}}
	tk, st := newTestTask(t, testConfig(t), prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}
	if prov.callCount() != 2 {
		t.Errorf("model calls = %d, want 2 (feedback forces another turn)", prov.callCount())
	}
	var feedback bool
	for _, msg := range st.Messages() {
		if msg.Kind == chat.KindSay && msg.Say == chat.SayUserFeedback {
			feedback = true
		}
	}
	if !feedback {
		t.Error("user feedback message missing from the log")
	}
}

func TestAutoApprovalLimitPausesForConfirmation(t *testing.T) {
	// 上限 2：两轮自动批准的读取后暂停询问，确认后计数清零并继续。
	// Cap of 2: two auto-approved reads pause for confirmation; a yes
	// resets the counter and the loop continues.
	cfg := testConfig(t)
	cfg.AutoApproval.MaxRequests = 2
	prov := &scriptedProvider{scripts: []streamScript{
		{toolCalls: []scriptedToolCall{{id: "c1", name: "read_file", args: `{"path":"a.go"}`}}},
		{toolCalls: []scriptedToolCall{{id: "c2", name: "read_file", args: `{"path":"b.go"}`}}},
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{
		chat.AskAutoApprovalMaxReached: {{Response: chat.ResponseYes}},
	}}
	tk, _ := newTestTask(t, cfg, prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}
	var limitAsks int
	for _, kind := range responder.askedKinds() {
		if kind == chat.AskAutoApprovalMaxReached {
			limitAsks++
		}
	}
	if limitAsks != 1 {
		t.Errorf("auto-approval-limit asks = %d, want 1", limitAsks)
	}
}

func TestAutoApprovalLimitDeclinedAborts(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoApproval.MaxRequests = 1
	prov := &scriptedProvider{scripts: []streamScript{
		{toolCalls: []scriptedToolCall{{id: "c1", name: "read_file", args: `{"path":"a.go"}`}}},
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{
		chat.AskAutoApprovalMaxReached: {{Response: chat.ResponseNo}},
	}}
	tk, _ := newTestTask(t, cfg, prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", outcome.Status)
	}
	if prov.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 after declined continuation", prov.callCount())
	}
}

func TestTokenLimitAsksOnceAfterAck(t *testing.T) {
	// 每轮脚本用量 150，预算 100：首轮即超并询问；确认后不再重复询问。
	// Each scripted turn uses 150 tokens against a budget of 100: the
	// first turn trips the ask and the acknowledgement silences repeats.
	cfg := testConfig(t)
	cfg.Limits.TaskTokenLimit = 100
	prov := &scriptedProvider{scripts: []streamScript{
		{toolCalls: []scriptedToolCall{{id: "c1", name: "read_file", args: `{"path":"a.go"}`}}},
		{toolCalls: []scriptedToolCall{{id: "c2", name: "read_file", args: `{"path":"b.go"}`}}},
		completionScript(),
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{
		chat.AskTokenLimitReached: {{Response: chat.ResponseYes}},
	}}
	tk, _ := newTestTask(t, cfg, prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}
	var budgetAsks int
	for _, kind := range responder.askedKinds() {
		if kind == chat.AskTokenLimitReached {
			budgetAsks++
		}
	}
	if budgetAsks != 1 {
		t.Errorf("token-limit asks = %d, want exactly 1 across later turns", budgetAsks)
	}
}

func TestTokenLimitDeclinedAborts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.TaskTokenLimit = 100
	prov := &scriptedProvider{scripts: []streamScript{
		{toolCalls: []scriptedToolCall{{id: "c1", name: "read_file", args: `{"path":"a.go"}`}}},
	}}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{
		chat.AskTokenLimitReached: {{Response: chat.ResponseNo}},
	}}
	tk, _ := newTestTask(t, cfg, prov, responder)

	outcome := tk.Run(context.Background(), "go", nil)
	if outcome.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", outcome.Status)
	}
	if prov.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 after declined overrun", prov.callCount())
	}
}
