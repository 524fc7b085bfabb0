package state

import (
	"strings"
	"sync"

	"agentcore/internal/chat"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer 精确 token 计数器，支持 tiktoken 和启发式回退
// Tokenizer provides precise token counting with tiktoken and heuristic fallback
type Tokenizer struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	fallback     bool
	mu           sync.RWMutex
}

var (
	defaultTokenizer     *Tokenizer
	defaultTokenizerOnce sync.Once
)

// DefaultTokenizer 返回全局默认的 tokenizer 实例
// DefaultTokenizer returns the global default tokenizer instance
func DefaultTokenizer() *Tokenizer {
	defaultTokenizerOnce.Do(func() {
		defaultTokenizer = NewTokenizer("cl100k_base")
	})
	return defaultTokenizer
}

// NewTokenizerForModel 根据模型名自动选择编码
// NewTokenizerForModel auto-selects encoding based on model name
func NewTokenizerForModel(model string) *Tokenizer {
	return NewTokenizer(modelToEncoding(model))
}

// NewTokenizer 创建 tokenizer，如果 tiktoken 初始化失败则回退到启发式
// NewTokenizer creates a tokenizer, falls back to heuristic if tiktoken init fails
func NewTokenizer(encodingName string) *Tokenizer {
	t := &Tokenizer{encodingName: encodingName}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		// 离线环境可能没有 BPE 缓存，回退到启发式
		// Offline environments may lack BPE cache, fallback to heuristic
		t.fallback = true
		return t
	}
	t.encoder = enc
	return t
}

// CountText 计算单个文本的 token 数
// CountText counts tokens for a single text string
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.fallback {
		return heuristicTokenCount(text)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// CountHistory 估算 model-facing history 的总 token 数（用于缺少服务端
// usage 时的预算兜底）。
// CountHistory estimates total tokens of the model-facing history (the
// budget fallback when server usage is absent).
func (t *Tokenizer) CountHistory(history []chat.HistoryMessage) int {
	total := 0
	for _, msg := range history {
		// ~4 tokens per message structural overhead
		total += 4 + t.CountText(msg.Role)
		for _, part := range msg.Content {
			total += t.CountText(part.Text)
		}
	}
	return total
}

// IsPrecise 返回是否使用精确计数
// IsPrecise returns whether precise counting is available
func (t *Tokenizer) IsPrecise() bool {
	return !t.fallback
}

// EncodingName 返回编码名称
// EncodingName returns the encoding name
func (t *Tokenizer) EncodingName() string {
	return t.encodingName
}

// modelToEncoding 根据模型名推断编码
// modelToEncoding maps model name to encoding name
func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "cl100k_base"
	}

	// o1/o3 系列使用 o200k_base
	// o1/o3 series use o200k_base
	if strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") {
		return "o200k_base"
	}

	// GPT-4o 和更新的模型
	// GPT-4o and newer models
	if strings.HasPrefix(m, "gpt-4o") || strings.HasPrefix(m, "chatgpt-4o") {
		return "o200k_base"
	}

	return "cl100k_base"
}

// heuristicTokenCount 启发式 token 估算
// heuristicTokenCount is the heuristic estimate (CJK ~1.5/char, ASCII ~0.25/char)
func heuristicTokenCount(text string) int {
	cjkCount := 0
	asciiCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		} else {
			asciiCount++
		}
	}
	estimate := int(float64(cjkCount)*1.5 + float64(asciiCount)*0.25)
	if estimate < 1 && strings.TrimSpace(text) != "" {
		estimate = 1
	}
	return estimate
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
