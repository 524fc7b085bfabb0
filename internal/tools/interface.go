package tools

import "context"

// 工具副作用全部委托给外部协作者；执行器本身只做分发与错误格式化。
// All tool side effects are delegated to external collaborators; the
// executor itself only dispatches and formats errors.

// FileResult 文件写入结果：最终内容、用户手工修改的 diff、lint 诊断。
// FileResult is a file write outcome: final content, the user's manual
// edit diff if any, and lint/format diagnostics.
type FileResult struct {
	FinalContent string
	UserEdits    string
	Diagnostics  string
}

// FileCollaborator 读写工作区文件
// FileCollaborator reads and writes workspace files
type FileCollaborator interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) (FileResult, error)
	ReplaceInFile(ctx context.Context, path, diff string) (FileResult, error)
}

// CommandResult 命令执行结果；StillRunning 表示命令仍在后台继续。
// CommandResult is a command outcome; StillRunning means the command is
// still going in the background.
type CommandResult struct {
	Output       string
	ExitCode     int
	StillRunning bool
}

// CommandRunner 执行 shell 命令（流式行输出由协作者内部处理）。
// CommandRunner executes shell commands (streaming line output is the
// collaborator's concern).
type CommandRunner interface {
	Run(ctx context.Context, command string) (CommandResult, error)
	// DisposeAll 中止所有仍在运行的终端进程（任务 abort 时调用）。
	// DisposeAll kills any still-running terminal processes (on abort).
	DisposeAll()
}

// BrowserResult 浏览器动作结果
// BrowserResult is a browser action outcome
type BrowserResult struct {
	URL           string
	Screenshot    string
	MousePosition string
	Logs          string
}

// BrowserSession 浏览器协作者
// BrowserSession is the browser collaborator
type BrowserSession interface {
	Launch(ctx context.Context, url string) (BrowserResult, error)
	Click(ctx context.Context, coordinate string) (BrowserResult, error)
	Type(ctx context.Context, text string) (BrowserResult, error)
	Scroll(ctx context.Context, direction string) (BrowserResult, error)
	Close(ctx context.Context) error
}

// ResourceHub 可插拔的外部工具/资源枢纽
// ResourceHub is the pluggable external tool/resource hub
type ResourceHub interface {
	CallTool(ctx context.Context, server, tool, args string) (string, error)
	ReadResource(ctx context.Context, server, uri string) (string, error)
}

// Collaborators 汇集执行器依赖的全部外部协作者；nil 字段视为该类工具不可用。
// Collaborators bundles every external collaborator the executor needs;
// a nil field means that tool family is unavailable.
type Collaborators struct {
	Files   FileCollaborator
	Command CommandRunner
	Browser BrowserSession
	Hub     ResourceHub
}
