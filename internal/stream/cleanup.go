package stream

import (
	"regexp"
	"strings"
)

var thinkingMarker = regexp.MustCompile(`</?thinking>`)

// CleanStreamText 去除 thinking 标记；partial 阶段再裁掉末尾未闭合的
// 类 XML 标签和不完整的代码围栏，避免半个标签闪现在界面上。
// CleanStreamText strips thinking markers; while partial it also trims a
// trailing unclosed XML-like tag and an incomplete code fence so half a
// tag never flashes on screen.
func CleanStreamText(text string, partial bool) string {
	text = thinkingMarker.ReplaceAllString(text, "")
	if partial {
		text = trimIncompleteTag(text)
		text = trimIncompleteFence(text)
	}
	return strings.TrimSpace(text)
}

// trimIncompleteTag 末尾存在 '<' 且其后没有 '>' 时裁到 '<' 之前。
// trimIncompleteTag cuts before a trailing '<' that has no matching '>'.
func trimIncompleteTag(text string) string {
	open := strings.LastIndexByte(text, '<')
	if open == -1 {
		return text
	}
	if strings.IndexByte(text[open:], '>') != -1 {
		return text
	}
	return text[:open]
}

// trimIncompleteFence 末尾不足三个反引号视为围栏正在生成，整段裁掉。
// trimIncompleteFence drops a trailing backtick run shorter than three,
// treating it as a fence still being produced.
func trimIncompleteFence(text string) string {
	n := 0
	for n < len(text) && text[len(text)-1-n] == '`' {
		n++
	}
	if n > 0 && n < 3 {
		return text[:len(text)-n]
	}
	return text
}
