package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fileSnapshot 编辑前的文件状态；Existed 为 false 表示编辑新建了它。
// fileSnapshot is a file's pre-edit state; Existed false means the edit
// created it.
type fileSnapshot struct {
	path    string
	existed bool
	content []byte
	mode    os.FileMode
}

// Recorder 按编辑顺序记录文件首次被触碰前的内容，中止任务时逆序回滚。
// Recorder captures each file's content before its first edit, in edit
// order, so an aborted task can roll back in reverse.
type Recorder struct {
	workspace string

	mu        sync.Mutex
	order     []string
	snapshots map[string]fileSnapshot
}

// NewRecorder 创建编辑快照记录器
// NewRecorder builds an edit snapshot recorder
func NewRecorder(workspace string) *Recorder {
	return &Recorder{
		workspace: workspace,
		snapshots: make(map[string]fileSnapshot),
	}
}

// Capture 在编辑某路径前记录其当前内容；同一文件只记第一次。
// Capture records a path's current content before an edit; only the
// first touch per file is kept.
func (r *Recorder) Capture(rawPath string) {
	resolved, ok := r.resolve(rawPath)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.snapshots[resolved]; seen {
		return
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			r.order = append(r.order, resolved)
			r.snapshots[resolved] = fileSnapshot{path: resolved}
		}
		return
	}
	if info.IsDir() {
		return
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return
	}
	r.order = append(r.order, resolved)
	r.snapshots[resolved] = fileSnapshot{
		path:    resolved,
		existed: true,
		content: data,
		mode:    info.Mode().Perm(),
	}
}

// HasSnapshots 报告是否有可回滚的编辑
// HasSnapshots reports whether any edits can be rolled back
func (r *Recorder) HasSnapshots() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order) > 0
}

// Revert 逆序恢复全部快照：已有文件写回原内容，新建文件删除。
// Revert restores all snapshots in reverse: pre-existing files get their
// original content back, newly created files are removed.
func (r *Recorder) Revert() (restored, removed int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		snap := r.snapshots[r.order[i]]
		if snap.existed {
			mode := snap.mode
			if mode == 0 {
				mode = 0o644
			}
			if err := os.MkdirAll(filepath.Dir(snap.path), 0o755); err != nil {
				return restored, removed, fmt.Errorf("revert mkdir %s: %w", filepath.Dir(snap.path), err)
			}
			if err := os.WriteFile(snap.path, snap.content, mode); err != nil {
				return restored, removed, fmt.Errorf("revert restore %s: %w", snap.path, err)
			}
			restored++
			continue
		}
		info, statErr := os.Stat(snap.path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				continue
			}
			return restored, removed, fmt.Errorf("revert stat %s: %w", snap.path, statErr)
		}
		if info.IsDir() {
			continue
		}
		if err := os.Remove(snap.path); err != nil {
			return restored, removed, fmt.Errorf("revert remove %s: %w", snap.path, err)
		}
		removed++
	}
	r.order = nil
	r.snapshots = make(map[string]fileSnapshot)
	return restored, removed, nil
}

// resolve 把路径限定在工作区内，越界路径直接丢弃。
// resolve confines the path to the workspace; escaping paths are dropped.
func (r *Recorder) resolve(target string) (string, bool) {
	root := strings.TrimSpace(r.workspace)
	path := strings.TrimSpace(target)
	if root == "" || path == "" {
		return "", false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", false
	}
	return abs, true
}
