package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// FileDiff 单个文件在两个检查点之间的前后内容
// FileDiff holds one file's content before and after two checkpoints
type FileDiff struct {
	RelPath string
	AbsPath string
	Before  string
	After   string
	// Patch 人类可读的差异文本
	// Patch is the human-readable difference text
	Patch string
}

// Diff 列出两个检查点之间改动的文件；rhs 为空表示与当前工作区比较。
// Diff lists files changed between two checkpoints; an empty rhs compares
// against the current working tree.
func (m *Manager) Diff(ctx context.Context, lhs, rhs string) ([]FileDiff, error) {
	if err := m.ensureInit(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		out string
		err error
	)
	if rhs == "" {
		if _, err = m.git(ctx, "add", "-A"); err != nil {
			return nil, fmt.Errorf("stage for diff: %w", err)
		}
		out, err = m.git(ctx, "diff", "--name-only", lhs)
	} else {
		out, err = m.git(ctx, "diff", "--name-only", lhs, rhs)
	}
	if err != nil {
		return nil, fmt.Errorf("list changed files: %w", err)
	}

	dmp := diffmatchpatch.New()
	var diffs []FileDiff
	for _, rel := range strings.Split(out, "\n") {
		rel = strings.TrimSpace(rel)
		if rel == "" {
			continue
		}
		before := m.showFile(ctx, lhs, rel)
		var after string
		if rhs == "" {
			after = readWorkspaceFile(filepath.Join(m.workspace, rel))
		} else {
			after = m.showFile(ctx, rhs, rel)
		}
		patch := dmp.DiffPrettyText(dmp.DiffMain(before, after, false))
		diffs = append(diffs, FileDiff{
			RelPath: rel,
			AbsPath: filepath.Join(m.workspace, rel),
			Before:  before,
			After:   after,
			Patch:   patch,
		})
	}
	return diffs, nil
}

// showFile 读取某提交中的文件内容，文件不存在于该提交时返回空串。
// showFile reads a file's content at a commit; absent files yield "".
func (m *Manager) showFile(ctx context.Context, hash, rel string) string {
	out, err := m.git(ctx, "show", hash+":"+rel)
	if err != nil {
		return ""
	}
	return out
}

func readWorkspaceFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
