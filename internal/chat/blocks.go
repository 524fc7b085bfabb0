package chat

import (
	"encoding/json"
	"strings"
)

// BlockKind 流式响应内容块的封闭类型集合
// BlockKind is the closed set of streamed content block types
type BlockKind string

const (
	BlockText      BlockKind = "text"
	BlockToolUse   BlockKind = "tool_use"
	BlockReasoning BlockKind = "reasoning"
)

// ContentBlock 是流式响应解析出的一个结构化单元。同一条流中块按严格顺序
// 产生；Partial 一旦变为 false 块即不可变。
// ContentBlock is one parsed unit of a streaming response. Blocks are
// produced in strict order within one stream; a block is immutable once
// Partial transitions to false.
type ContentBlock struct {
	Kind    BlockKind
	Partial bool

	// Text 承载 text/reasoning 块的累积文本
	// Text accumulates for text/reasoning blocks
	Text string

	// tool_use 块在 Partial 期间只累积 RawArgs；Finalize 时才解析 Params。
	// A tool_use block only buffers RawArgs while partial; Params is
	// parsed on finalize.
	ToolID   string
	ToolName string
	RawArgs  string
	Params   map[string]string
}

// FinalizeToolParams 将缓冲的原始参数解析为参数表。空缓冲得到空表；
// 非法 JSON 返回错误但保留 RawArgs 供纠错消息引用。
// FinalizeToolParams parses the buffered raw arguments into the parameter
// map. An empty buffer yields an empty map; malformed JSON returns an
// error and leaves RawArgs intact for the corrective message.
func (b *ContentBlock) FinalizeToolParams() error {
	b.Params = map[string]string{}
	raw := strings.TrimSpace(b.RawArgs)
	if raw == "" {
		return nil
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return err
	}
	for key, value := range generic {
		switch v := value.(type) {
		case string:
			b.Params[key] = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			b.Params[key] = string(data)
		}
	}
	return nil
}

// HistoryMessage 是发送给模型的角色消息（区别于 UI 消息日志）。
// HistoryMessage is a role-tagged message sent to the model (distinct
// from the UI-facing message log).
type HistoryMessage struct {
	Role    string           `json:"role"`
	Content []HistoryContent `json:"content"`
}

// HistoryContent 是 model-facing history 的内容块
// HistoryContent is one content part of a history message
type HistoryContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Image 为 data URL 或外部 URL
	// Image is a data URL or external URL
	Image string `json:"image,omitempty"`
}

// TextHistoryMessage 构造单文本内容的历史消息
// TextHistoryMessage builds a history message with one text part
func TextHistoryMessage(role, text string) HistoryMessage {
	return HistoryMessage{
		Role:    role,
		Content: []HistoryContent{{Type: "text", Text: text}},
	}
}

// JoinedText 拼接消息的全部文本内容
// JoinedText concatenates all text parts of a history message
func (m HistoryMessage) JoinedText() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// RolesAlternate 校验 user/assistant 角色是否交替出现
// RolesAlternate reports whether user/assistant roles strictly alternate
func RolesAlternate(messages []HistoryMessage) bool {
	for i := 1; i < len(messages); i++ {
		if messages[i].Role == messages[i-1].Role {
			return false
		}
	}
	return true
}
