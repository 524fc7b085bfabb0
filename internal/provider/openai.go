package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"agentcore/internal/chat"
	"agentcore/internal/config"
)

// OpenAIProvider 基于 go-openai SDK 的流式实现，兼容任何 OpenAI 风格端点。
// OpenAIProvider is the go-openai SDK streaming implementation, compatible
// with any OpenAI-style endpoint.
type OpenAIProvider struct {
	client *openai.Client
	mu     sync.RWMutex
	model  string
}

// NewOpenAIProvider 从配置创建 provider
// NewOpenAIProvider builds a provider from configuration
func NewOpenAIProvider(cfg config.ProviderConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	clientCfg.HTTPClient = httpClient

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CurrentModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// SetModel 切换当前模型
// SetModel switches the current model
func (p *OpenAIProvider) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model is empty")
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
	return nil
}

// Stream 发起一次流式调用并把增量转发给回调。调用失败与否由调用方决定
// 是否重试；这里不做重试。
// Stream makes one streaming call, forwarding deltas to the callbacks.
// Retry policy belongs to the caller; none is applied here.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, cb *StreamCallbacks) (Response, error) {
	model := req.Model
	if model == "" {
		model = p.CurrentModel()
	}

	sdkReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: buildMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if len(req.Tools) > 0 {
		sdkReq.Tools = buildTools(req.Tools)
		sdkReq.ToolChoice = "auto"
	}
	if req.Temperature != nil {
		sdkReq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		sdkReq.MaxTokens = req.MaxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, sdkReq)
	if err != nil {
		return Response{}, fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	var (
		content   strings.Builder
		reasoning strings.Builder
		finish    string
		usage     Usage
		sawDelta  bool
	)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// 已有部分内容时返回现有结果，让上层决定是否重试。
			// With partial content in hand, return what we have and let
			// the caller decide about retrying.
			if sawDelta {
				break
			}
			return Response{}, fmt.Errorf("recv stream: %w", err)
		}

		for _, choice := range resp.Choices {
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				sawDelta = true
				content.WriteString(choice.Delta.Content)
				if cb != nil && cb.OnText != nil {
					cb.OnText(choice.Delta.Content)
				}
			}
			if choice.Delta.ReasoningContent != "" {
				sawDelta = true
				reasoning.WriteString(choice.Delta.ReasoningContent)
				if cb != nil && cb.OnReasoning != nil {
					cb.OnReasoning(choice.Delta.ReasoningContent)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				sawDelta = true
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if cb != nil && cb.OnToolCallDelta != nil {
					cb.OnToolCallDelta(idx, tc.ID, tc.Function.Name, tc.Function.Arguments)
				}
			}
		}

		if resp.Usage != nil {
			usage.PromptTokens = resp.Usage.PromptTokens
			usage.CompletionTokens = resp.Usage.CompletionTokens
			usage.TotalTokens = resp.Usage.TotalTokens
			if resp.Usage.CompletionTokensDetails != nil {
				usage.ReasoningTokens = resp.Usage.CompletionTokensDetails.ReasoningTokens
			}
			if resp.Usage.PromptTokensDetails != nil {
				usage.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
			}
		}
	}

	if cb != nil && cb.OnUsage != nil {
		cb.OnUsage(usage)
	}

	return Response{
		Content:      content.String(),
		Reasoning:    reasoning.String(),
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// buildMessages 把 model-facing history 转成 SDK 消息；带图的消息使用
// 多模态内容块。
// buildMessages converts model-facing history to SDK messages; messages
// carrying images use multimodal content parts.
func buildMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		if hasImages(m) {
			out = append(out, openai.ChatCompletionMessage{
				Role:         m.Role,
				MultiContent: buildParts(m),
			})
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.JoinedText(),
		})
	}
	return out
}

func hasImages(m chat.HistoryMessage) bool {
	for _, part := range m.Content {
		if part.Type == "image" && part.Image != "" {
			return true
		}
	}
	return false
}

func buildParts(m chat.HistoryMessage) []openai.ChatMessagePart {
	parts := make([]openai.ChatMessagePart, 0, len(m.Content))
	for _, part := range m.Content {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case "image":
			if part.Image == "" {
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: part.Image},
			})
		}
	}
	return parts
}

func buildTools(defs []ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}
