package state

import "testing"

func TestModelToEncoding(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4o-mini", "o200k_base"},
		{"chatgpt-4o-latest", "o200k_base"},
		{"o1-preview", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"qwen-max", "cl100k_base"},
		{"", "cl100k_base"},
	}
	for _, tc := range cases {
		if got := modelToEncoding(tc.model); got != tc.want {
			t.Errorf("modelToEncoding(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestNewTokenizerForModelPicksEncoding(t *testing.T) {
	tok := NewTokenizerForModel("o1-preview")
	if tok.EncodingName() != "o200k_base" {
		t.Errorf("EncodingName() = %q, want o200k_base", tok.EncodingName())
	}
}

func TestCountTextHeuristicFallback(t *testing.T) {
	tok := &Tokenizer{fallback: true}
	if got := tok.CountText(""); got != 0 {
		t.Errorf("CountText(empty) = %d, want 0", got)
	}
	if got := tok.CountText("x"); got < 1 {
		t.Errorf("CountText(non-empty) = %d, want >= 1", got)
	}
	ascii := tok.CountText("a plain english sentence for counting")
	cjk := tok.CountText("一段用来计数的中文句子测试文本内容")
	if cjk <= ascii/2 {
		t.Errorf("CJK estimate %d should weigh heavier per char than ASCII %d", cjk, ascii)
	}
}
