package task

import (
	"context"

	"agentcore/internal/chat"
)

// Resume 从持久化状态恢复任务：清理崩溃残留，征得用户同意后续跑。
// Resume continues a task from persisted state: crash leftovers are
// cleaned up and the user confirms before the loop restarts.
func (t *Task) Resume(ctx context.Context) Outcome {
	if err := t.state.PrepareResume(); err != nil {
		return Outcome{Status: StatusFatal, Err: err}
	}

	askKind := chat.AskResumeTask
	if wasCompleted(t.state.Messages()) {
		askKind = chat.AskResumeCompletedTask
	}
	resp, err := t.ui.Ask(ctx, askKind, "")
	if err != nil {
		return Outcome{Status: StatusFatal, Err: err}
	}
	if resp.Response == chat.ResponseNo {
		return Outcome{Status: StatusAborted}
	}

	content := "[TASK RESUMPTION] This task was interrupted. Reassess the current state of the workspace and continue from where it left off."
	content = appendFeedback(content, resp.Text)
	return t.loop(ctx, content, resp.Images)
}

// wasCompleted 判断消息日志是否以完成结果收尾。
// wasCompleted reports whether the log ends at a completion result.
func wasCompleted(messages []chat.Message) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		switch {
		case msg.Kind == chat.KindSay && msg.Say == chat.SayCompletionResult:
			return true
		case msg.Kind == chat.KindSay && msg.Say == chat.SayAPIReqStarted:
			return false
		}
	}
	return false
}
