package provider

import (
	"context"

	"agentcore/internal/chat"
)

// ToolDef 暴露给模型的工具定义
// ToolDef is a tool definition exposed to the model
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 一次流式模型调用的输入
// Request is the input of one streaming model call
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []chat.HistoryMessage
	Tools        []ToolDef
	Temperature  *float64
	MaxTokens    int
}

// Usage 一次调用的 token 用量
// Usage is the token usage of one call
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ReasoningTokens  int
	CachedTokens     int
}

// Response 流结束后的汇总结果
// Response is the aggregate result after stream end
type Response struct {
	Content      string
	Reasoning    string
	FinishReason string
	Usage        Usage
}

// StreamCallbacks 流式增量回调；nil 字段表示调用方不关心该类增量。
// StreamCallbacks are the incremental delta callbacks; a nil field means
// the caller does not care about that delta kind.
type StreamCallbacks struct {
	OnText      func(delta string)
	OnReasoning func(delta string)
	// OnToolCallDelta 工具调用增量：首个片段携带 id/name，args 逐段到达。
	// OnToolCallDelta is a tool-call delta: the first fragment carries
	// id/name, args arrive piecewise.
	OnToolCallDelta func(index int, id, name, args string)
	OnUsage         func(usage Usage)
}

// Provider 流式模型调用的抽象
// Provider abstracts a streaming model call
type Provider interface {
	Name() string
	CurrentModel() string
	Stream(ctx context.Context, req Request, cb *StreamCallbacks) (Response, error)
}
