package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathOutsideWorkspace 目标路径逃逸出工作区根目录
// ErrPathOutsideWorkspace means the target escapes the workspace root
var ErrPathOutsideWorkspace = errors.New("path outside workspace")

// Workspace 把所有文件访问限制在一个根目录内；符号链接先解析再检查，
// 防止通过链接逃逸。
// Workspace confines all file access to one root directory. Symlinks
// are resolved before the check so a link cannot escape the root.
type Workspace struct {
	root string
}

// NewWorkspace 创建工作区；根目录规范化为解析后的绝对路径。
// NewWorkspace builds a workspace; the root is normalized to a resolved
// absolute path.
func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// 根目录本身无法解析时退回绝对路径。
		// Fall back to the absolute path when the root cannot resolve.
		resolved = abs
	}
	return &Workspace{root: resolved}, nil
}

// Root 返回规范化后的根目录
// Root returns the normalized root
func (w *Workspace) Root() string {
	return w.root
}

// Resolve 把相对或绝对路径解析为根目录内的绝对路径；逃逸返回
// ErrPathOutsideWorkspace。空路径解析为根目录本身。
// Resolve maps a relative or absolute path to an absolute path inside
// the root; escapes return ErrPathOutsideWorkspace. An empty path
// resolves to the root itself.
func (w *Workspace) Resolve(path string) (string, error) {
	target := path
	if strings.TrimSpace(target) == "" {
		target = w.root
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(w.root, target)
	}

	resolved, err := resolveThroughParent(filepath.Clean(target))
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPathOutsideWorkspace
	}
	return resolved, nil
}

// resolveThroughParent 解析符号链接；目标尚不存在时改解析其父目录，
// 让写入新文件也能通过检查。
// resolveThroughParent resolves symlinks; when the target does not
// exist yet its parent is resolved instead, so writing a new file still
// passes the check.
func resolveThroughParent(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve symlink: %w", err)
	}

	parent := filepath.Dir(path)
	base := filepath.Base(path)
	parentResolved, perr := filepath.EvalSymlinks(parent)
	if perr != nil {
		if !errors.Is(perr, os.ErrNotExist) {
			return "", fmt.Errorf("resolve parent symlink: %w", perr)
		}
		parentResolved = parent
	}
	return filepath.Join(parentResolved, base), nil
}
