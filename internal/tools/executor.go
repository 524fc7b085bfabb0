package tools

import (
	"context"
	"fmt"
	"strings"

	"agentcore/internal/config"
)

// Executor 将工具名分发到外部协作者。执行错误一律转成文本结果返回，
// 让模型下一轮自行纠正，绝不抛出中断循环。
// Executor dispatches tool names to external collaborators. Execution
// errors are always converted to textual results so the model can
// self-correct on the next turn; they never escape the loop.
type Executor struct {
	collab Collaborators
	mode   config.TaskMode
}

// NewExecutor 创建执行器
// NewExecutor builds an executor over the given collaborators
func NewExecutor(collab Collaborators, mode config.TaskMode) *Executor {
	return &Executor{collab: collab, mode: mode}
}

// Execute 运行一个已批准的工具调用并返回文本结果。
// Execute runs one approved tool call and returns its textual result.
func (e *Executor) Execute(ctx context.Context, name Name, params map[string]string) string {
	if missing := MissingParams(name, params); len(missing) > 0 {
		return MissingParamsResult(name, missing)
	}
	if e.mode == config.ModePlan && Mutates(name) {
		return ErrorResult(name, fmt.Errorf(
			"tool %s is not available in plan mode; describe the intended change and switch to act mode to apply it", name))
	}
	switch name {
	case ReadFile:
		return e.readFile(ctx, params)
	case WriteToFile:
		return e.writeFile(ctx, params)
	case ReplaceInFile:
		return e.replaceInFile(ctx, params)
	case ExecuteCommand:
		return e.executeCommand(ctx, params)
	case BrowserAction:
		return e.browserAction(ctx, params)
	case UseHubTool:
		return e.hubTool(ctx, params)
	case ReadHubResource:
		return e.hubResource(ctx, params)
	case AskFollowup, AttemptCompletion:
		// 由循环控制器直接处理，不经过协作者。
		// Handled by the loop controller directly, never dispatched here.
		return ErrorResult(name, fmt.Errorf("tool %s is not dispatchable", name))
	default:
		return ErrorResult(name, fmt.Errorf("unknown tool: %s", name))
	}
}

func (e *Executor) readFile(ctx context.Context, params map[string]string) string {
	if e.collab.Files == nil {
		return unavailableResult(ReadFile)
	}
	content, err := e.collab.Files.ReadFile(ctx, params["path"])
	if err != nil {
		return ErrorResult(ReadFile, err)
	}
	return content
}

func (e *Executor) writeFile(ctx context.Context, params map[string]string) string {
	if e.collab.Files == nil {
		return unavailableResult(WriteToFile)
	}
	res, err := e.collab.Files.WriteFile(ctx, params["path"], params["content"])
	if err != nil {
		return ErrorResult(WriteToFile, err)
	}
	return formatFileResult(params["path"], res)
}

func (e *Executor) replaceInFile(ctx context.Context, params map[string]string) string {
	if e.collab.Files == nil {
		return unavailableResult(ReplaceInFile)
	}
	res, err := e.collab.Files.ReplaceInFile(ctx, params["path"], params["diff"])
	if err != nil {
		return ErrorResult(ReplaceInFile, err)
	}
	return formatFileResult(params["path"], res)
}

func (e *Executor) executeCommand(ctx context.Context, params map[string]string) string {
	if e.collab.Command == nil {
		return unavailableResult(ExecuteCommand)
	}
	res, err := e.collab.Command.Run(ctx, params["command"])
	if err != nil {
		return ErrorResult(ExecuteCommand, err)
	}
	if res.StillRunning {
		return fmt.Sprintf("Command is still running in the user's terminal.\nHere's the output so far:\n%s", res.Output)
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("Command executed with exit code %d.\nOutput:\n%s", res.ExitCode, res.Output)
	}
	return fmt.Sprintf("Command executed.\nOutput:\n%s", res.Output)
}

func (e *Executor) browserAction(ctx context.Context, params map[string]string) string {
	if e.collab.Browser == nil {
		return unavailableResult(BrowserAction)
	}
	var (
		res BrowserResult
		err error
	)
	switch strings.ToLower(strings.TrimSpace(params["action"])) {
	case "launch":
		res, err = e.collab.Browser.Launch(ctx, params["url"])
	case "click":
		res, err = e.collab.Browser.Click(ctx, params["coordinate"])
	case "type":
		res, err = e.collab.Browser.Type(ctx, params["text"])
	case "scroll_down":
		res, err = e.collab.Browser.Scroll(ctx, "down")
	case "scroll_up":
		res, err = e.collab.Browser.Scroll(ctx, "up")
	case "close":
		err = e.collab.Browser.Close(ctx)
	default:
		err = fmt.Errorf("unknown browser action: %s", params["action"])
	}
	if err != nil {
		return ErrorResult(BrowserAction, err)
	}
	return formatBrowserResult(res)
}

func (e *Executor) hubTool(ctx context.Context, params map[string]string) string {
	if e.collab.Hub == nil {
		return unavailableResult(UseHubTool)
	}
	out, err := e.collab.Hub.CallTool(ctx, params["server_name"], params["tool_name"], params["arguments"])
	if err != nil {
		return ErrorResult(UseHubTool, err)
	}
	return out
}

func (e *Executor) hubResource(ctx context.Context, params map[string]string) string {
	if e.collab.Hub == nil {
		return unavailableResult(ReadHubResource)
	}
	out, err := e.collab.Hub.ReadResource(ctx, params["server_name"], params["uri"])
	if err != nil {
		return ErrorResult(ReadHubResource, err)
	}
	return out
}
