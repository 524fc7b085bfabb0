package collab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentcore/internal/security"
	"agentcore/internal/tools"
)

// Files 是本地文件协作者：所有路径经工作区限制后才落盘。
// Files is the local file collaborator; every path passes workspace
// confinement before it touches disk.
type Files struct {
	ws *security.Workspace
}

// NewFiles 创建本地文件协作者
// NewFiles builds a local file collaborator rooted at the workspace
func NewFiles(root string) (*Files, error) {
	ws, err := security.NewWorkspace(root)
	if err != nil {
		return nil, fmt.Errorf("file collaborator workspace: %w", err)
	}
	return &Files{ws: ws}, nil
}

func (f *Files) ReadFile(_ context.Context, path string) (string, error) {
	resolved, err := f.ws.Resolve(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

func (f *Files) WriteFile(_ context.Context, path, content string) (tools.FileResult, error) {
	resolved, err := f.ws.Resolve(path)
	if err != nil {
		return tools.FileResult{}, fmt.Errorf("resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return tools.FileResult{}, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return tools.FileResult{}, fmt.Errorf("write file: %w", err)
	}
	return tools.FileResult{FinalContent: content}, nil
}

// ReplaceInFile 依次应用 SEARCH/REPLACE 块。匹配先试精确子串，再退回
// 按行 trim 的块匹配；任何一块失配则整个编辑失败，不写入半成品。
// ReplaceInFile applies SEARCH/REPLACE blocks in order. Matching tries
// the exact substring first, then falls back to line-trimmed block
// matching; if any block fails to match, the whole edit fails and
// nothing is written.
func (f *Files) ReplaceInFile(_ context.Context, path, diff string) (tools.FileResult, error) {
	resolved, err := f.ws.Resolve(path)
	if err != nil {
		return tools.FileResult{}, fmt.Errorf("resolve path: %w", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.FileResult{}, fmt.Errorf("read file: %w", err)
	}

	blocks, err := parseSearchReplace(diff)
	if err != nil {
		return tools.FileResult{}, err
	}

	content := string(data)
	for i, b := range blocks {
		updated, err := applyBlock(content, b)
		if err != nil {
			return tools.FileResult{}, fmt.Errorf("block %d: %w", i+1, err)
		}
		content = updated
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return tools.FileResult{}, fmt.Errorf("write file: %w", err)
	}
	return tools.FileResult{FinalContent: content}, nil
}

// searchReplace 一个搜索替换块
// searchReplace is one search/replace block
type searchReplace struct {
	search  string
	replace string
}

const (
	markerSearch  = "<<<<<<< SEARCH"
	markerDivider = "======="
	markerReplace = ">>>>>>> REPLACE"
)

// parseSearchReplace 解析 diff 文本里的全部块；标记行必须独占一行。
// parseSearchReplace extracts every block from the diff text; marker
// lines must stand alone.
func parseSearchReplace(diff string) ([]searchReplace, error) {
	var (
		blocks  []searchReplace
		cur     searchReplace
		section int // 0=outside, 1=search, 2=replace
		search  []string
		replace []string
	)

	flush := func() {
		cur.search = strings.Join(search, "\n")
		cur.replace = strings.Join(replace, "\n")
		blocks = append(blocks, cur)
		cur = searchReplace{}
		search = search[:0]
		replace = replace[:0]
	}

	for _, line := range strings.Split(diff, "\n") {
		switch strings.TrimRight(line, "\r") {
		case markerSearch:
			if section != 0 {
				return nil, fmt.Errorf("nested SEARCH marker")
			}
			section = 1
		case markerDivider:
			if section == 1 {
				section = 2
				continue
			}
			if section == 2 {
				replace = append(replace, line)
			}
		case markerReplace:
			if section != 2 {
				return nil, fmt.Errorf("REPLACE marker without a SEARCH section")
			}
			flush()
			section = 0
		default:
			switch section {
			case 1:
				search = append(search, line)
			case 2:
				replace = append(replace, line)
			}
		}
	}

	if section != 0 {
		return nil, fmt.Errorf("unterminated SEARCH/REPLACE block")
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("diff contains no SEARCH/REPLACE blocks")
	}
	return blocks, nil
}

// applyBlock 应用单个块。空 SEARCH 仅允许替换空文件的全部内容。
// applyBlock applies one block. An empty SEARCH is only allowed to
// replace the full content of an empty file.
func applyBlock(content string, b searchReplace) (string, error) {
	if b.search == "" {
		if strings.TrimSpace(content) != "" {
			return "", fmt.Errorf("empty SEARCH block on a non-empty file")
		}
		return b.replace, nil
	}

	if idx := strings.Index(content, b.search); idx >= 0 {
		return content[:idx] + b.replace + content[idx+len(b.search):], nil
	}

	start, end, ok := matchTrimmedLines(content, b.search)
	if !ok {
		return "", fmt.Errorf("SEARCH text not found in file; copy it exactly from a recent read result")
	}
	return content[:start] + b.replace + content[end:], nil
}

// matchTrimmedLines 按行 trim 后匹配块，返回原内容中的字节区间。
// matchTrimmedLines matches the block after trimming each line and
// returns the byte span in the original content.
func matchTrimmedLines(content, search string) (int, int, bool) {
	contentLines := strings.Split(content, "\n")
	searchLines := strings.Split(search, "\n")
	for len(searchLines) > 0 && searchLines[len(searchLines)-1] == "" {
		searchLines = searchLines[:len(searchLines)-1]
	}
	if len(searchLines) == 0 {
		return 0, 0, false
	}

	for i := 0; i+len(searchLines) <= len(contentLines); i++ {
		matched := true
		for j := range searchLines {
			if strings.TrimSpace(contentLines[i+j]) != strings.TrimSpace(searchLines[j]) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}

		start := 0
		for k := 0; k < i; k++ {
			start += len(contentLines[k]) + 1
		}
		// 区间只到最后一行行尾，行后的换行符留在原文里。
		// The span ends at the last matched line; its trailing newline
		// stays in the content.
		end := start
		for k := i; k < i+len(searchLines); k++ {
			end += len(contentLines[k])
			if k < i+len(searchLines)-1 {
				end++
			}
		}
		return start, end, true
	}
	return 0, 0, false
}
