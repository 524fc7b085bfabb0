package checkpoint

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"agentcore/internal/logging"
)

// gitProbe 进程内只探测一次 git 可用性
// gitProbe detects git availability once per process
var gitProbe struct {
	once      sync.Once
	available bool
	version   string
}

// GitAvailable 报告 git 是否可用及其版本
// GitAvailable reports whether git is installed and its version
func GitAvailable() (bool, string) {
	gitProbe.once.Do(func() {
		out, err := exec.Command("git", "--version").Output()
		if err != nil {
			return
		}
		gitProbe.available = true
		gitProbe.version = strings.TrimSpace(string(out))
	})
	return gitProbe.available, gitProbe.version
}

// Manager 基于影子 git 仓库的检查点管理器。仓库的 git 目录放在任务状态
// 目录下，core.worktree 指向工作区，不触碰工作区自己的 .git。
// Manager is a checkpoint manager backed by a shadow git repository. The
// git dir lives under the task state directory with core.worktree pointed
// at the workspace, so the workspace's own .git is never touched.
type Manager struct {
	workspace string
	gitDir    string
	excludes  []string
	timeout   time.Duration

	mu       sync.Mutex
	initOnce sync.Once
	// initErr 粘性：首次初始化失败后所有检查点操作直接返回同一错误。
	// initErr is sticky: after the first init failure every checkpoint
	// operation returns the same error.
	initErr error
}

// TaskDir 返回某任务检查点数据所在的目录。
// TaskDir returns the directory holding a task's checkpoint data.
func TaskDir(stateDir, taskID string) string {
	return filepath.Join(stateDir, "checkpoints", taskID)
}

// NewManager 创建检查点管理器；不做任何 IO，首次使用时才初始化仓库。
// NewManager builds a checkpoint manager; it performs no IO, the
// repository is initialized lazily on first use.
func NewManager(workspace, stateDir, taskID string, excludes []string, initTimeout time.Duration) *Manager {
	return &Manager{
		workspace: workspace,
		gitDir:    filepath.Join(TaskDir(stateDir, taskID), ".git"),
		excludes:  excludes,
		timeout:   initTimeout,
	}
}

func (m *Manager) ensureInit(ctx context.Context) error {
	m.initOnce.Do(func() {
		initCtx := ctx
		if m.timeout > 0 {
			var cancel context.CancelFunc
			initCtx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}
		m.initErr = m.initShadowRepo(initCtx)
		if m.initErr != nil {
			logging.Get().Warn("checkpoint init failed", "err", m.initErr)
		}
	})
	return m.initErr
}

func (m *Manager) initShadowRepo(ctx context.Context) error {
	if ok, _ := GitAvailable(); !ok {
		return fmt.Errorf("git not installed")
	}
	if err := os.MkdirAll(m.gitDir, 0o755); err != nil {
		return fmt.Errorf("create shadow git dir: %w", err)
	}
	if _, err := m.git(ctx, "init"); err != nil {
		return fmt.Errorf("init shadow repo: %w", err)
	}
	settings := [][]string{
		{"config", "core.worktree", m.workspace},
		{"config", "commit.gpgsign", "false"},
		{"config", "user.name", "agentcore"},
		{"config", "user.email", "noreply@agentcore.local"},
	}
	for _, args := range settings {
		if _, err := m.git(ctx, args...); err != nil {
			return fmt.Errorf("configure shadow repo: %w", err)
		}
	}
	if err := m.writeExcludes(); err != nil {
		return fmt.Errorf("write excludes: %w", err)
	}
	return nil
}

// git 在影子仓库上执行一条 git 命令并返回合并输出。
// git runs one git command against the shadow repository and returns the
// combined output.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"--git-dir", m.gitDir, "--work-tree", m.workspace}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = m.workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Save 暂存全部变更并提交，返回提交哈希。工作区无变化时提交空检查点,
// 保证每次 Save 都有可回溯的哈希。
// Save stages all changes and commits, returning the commit hash. An
// empty checkpoint is committed when the workspace is unchanged so every
// Save yields a restorable hash.
func (m *Manager) Save(ctx context.Context, message string) (string, error) {
	if err := m.ensureInit(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.git(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage checkpoint: %w", err)
	}
	if message == "" {
		message = "checkpoint"
	}
	if _, err := m.git(ctx, "commit", "--allow-empty", "--no-verify", "-m", message); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}
	hash, err := m.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve checkpoint hash: %w", err)
	}
	return hash, nil
}

// RestoreWorkspace 把工作区硬重置到指定检查点并清掉未跟踪文件。
// RestoreWorkspace hard-resets the workspace to the given checkpoint and
// removes untracked files.
func (m *Manager) RestoreWorkspace(ctx context.Context, hash string) error {
	if err := m.ensureInit(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.git(ctx, "reset", "--hard", hash); err != nil {
		return fmt.Errorf("reset to checkpoint %s: %w", shortHash(hash), err)
	}
	if _, err := m.git(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean after checkpoint %s: %w", shortHash(hash), err)
	}
	return nil
}

// HasNewChanges 报告自指定检查点以来工作区是否有改动。
// HasNewChanges reports whether the workspace changed since the given
// checkpoint.
func (m *Manager) HasNewChanges(ctx context.Context, hash string) (bool, error) {
	if err := m.ensureInit(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.git(ctx, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage for change detection: %w", err)
	}
	out, err := m.git(ctx, "diff", "--name-only", hash)
	if err != nil {
		return false, fmt.Errorf("diff against checkpoint %s: %w", shortHash(hash), err)
	}
	return out != "", nil
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
