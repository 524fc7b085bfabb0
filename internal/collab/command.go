package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"agentcore/internal/config"
	"agentcore/internal/tools"
)

// Shell 是本地命令协作者：在工作区根目录下用 /bin/sh 执行命令，输出
// 封顶，超时按 124 退出码上报。仍在运行的进程登记在册，供 abort 时
// 统一清理。
// Shell is the local command collaborator: it runs commands under the
// workspace root via /bin/sh with capped output, reporting timeouts as
// exit code 124. In-flight processes are tracked so an abort can clean
// them all up.
type Shell struct {
	root        string
	timeout     time.Duration
	outputLimit int

	mu      sync.Mutex
	running map[int]*exec.Cmd
	nextID  int
}

// NewShell 创建本地命令协作者
// NewShell builds a local command collaborator
func NewShell(root string, cfg config.ShellConfig) *Shell {
	return &Shell{
		root:        root,
		timeout:     time.Duration(cfg.CommandTimeoutMS) * time.Millisecond,
		outputLimit: cfg.OutputLimitBytes,
		running:     make(map[int]*exec.Cmd),
	}
}

func (s *Shell) Run(ctx context.Context, command string) (tools.CommandResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	cmd.Dir = s.root

	out := newCappedBuffer(s.outputLimit)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return tools.CommandResult{}, fmt.Errorf("start command: %w", err)
	}
	id := s.track(cmd)
	err := cmd.Wait()
	s.untrack(id)

	result := tools.CommandResult{Output: out.String()}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.ExitCode = 124
		}
		return result, nil
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = 124
		return result, nil
	default:
		return tools.CommandResult{}, fmt.Errorf("run command: %w", err)
	}
}

// DisposeAll 杀掉所有仍在运行的命令进程。
// DisposeAll kills every command process still running.
func (s *Shell) DisposeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cmd := range s.running {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		delete(s.running, id)
	}
}

func (s *Shell) track(cmd *exec.Cmd) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.running[s.nextID] = cmd
	return s.nextID
}

func (s *Shell) untrack(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// cappedBuffer 封顶缓冲区：超出上限的写入被丢弃并记一次截断。
// cappedBuffer drops writes past the cap and remembers the truncation.
type cappedBuffer struct {
	mu        sync.Mutex
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return len(p), nil
	}
	remain := b.max - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		_, _ = b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	_, err := b.buf.Write(p)
	return len(p), err
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.truncated {
		return b.buf.String()
	}
	return b.buf.String() + "\n[output truncated]"
}
