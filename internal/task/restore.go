package task

import (
	"context"
	"fmt"

	"agentcore/internal/chat"
	"agentcore/internal/checkpoint"
	"agentcore/internal/logging"
	"agentcore/internal/state"
)

// RestoreScope 检查点恢复范围
// RestoreScope is the checkpoint restore scope
type RestoreScope string

const (
	// RestoreTask 只截断消息与历史日志
	// RestoreTask truncates the message and history logs only
	RestoreTask RestoreScope = "task"
	// RestoreWorkspace 只重置工作区
	// RestoreWorkspace resets the working tree only
	RestoreWorkspace RestoreScope = "workspace"
	// RestoreTaskAndWorkspace 两者都恢复
	// RestoreTaskAndWorkspace restores both
	RestoreTaskAndWorkspace RestoreScope = "taskAndWorkspace"
)

// RestoreCheckpoint 把任务恢复到某条消息的时间点。工作区恢复先行，
// 失败则整体放弃，不做部分截断。
// RestoreCheckpoint rewinds the task to a message's point in time. The
// workspace restore runs first; its failure abandons the whole restore,
// never a partial truncation.
func (t *Task) RestoreCheckpoint(ctx context.Context, ts int64, scope RestoreScope) error {
	msg, index, ok := t.state.MessageAt(ts)
	if !ok {
		return fmt.Errorf("restore checkpoint: no message at ts=%d", ts)
	}

	if scope == RestoreWorkspace || scope == RestoreTaskAndWorkspace {
		if t.checkpoints == nil {
			return fmt.Errorf("restore checkpoint: checkpoints are disabled")
		}
		hash := msg.LastCheckpointHash
		if hash == "" {
			return fmt.Errorf("restore checkpoint: message at ts=%d carries no checkpoint hash", ts)
		}
		if err := t.checkpoints.RestoreWorkspace(ctx, hash); err != nil {
			return fmt.Errorf("restore workspace: %w", err)
		}
	}

	if scope == RestoreTask || scope == RestoreTaskAndWorkspace {
		if err := t.truncateToMessage(msg, index); err != nil {
			return err
		}
	}
	return nil
}

// DiffCheckpoint 列出某条消息检查点之后的文件改动。sinceLastCompletion
// 为 true 时以上次完成检查点为基准与该消息检查点比较，否则以该消息
// 检查点为基准与当前工作区比较。
// DiffCheckpoint lists file changes around a message's checkpoint. With
// sinceLastCompletion it compares the last completion checkpoint against
// the message's checkpoint; otherwise it compares the message's
// checkpoint against the current working tree.
func (t *Task) DiffCheckpoint(ctx context.Context, ts int64, sinceLastCompletion bool) ([]checkpoint.FileDiff, error) {
	if t.checkpoints == nil {
		return nil, fmt.Errorf("diff checkpoint: checkpoints are disabled")
	}
	msg, _, ok := t.state.MessageAt(ts)
	if !ok {
		return nil, fmt.Errorf("diff checkpoint: no message at ts=%d", ts)
	}
	hash := msg.LastCheckpointHash
	if hash == "" {
		return nil, fmt.Errorf("diff checkpoint: message at ts=%d carries no checkpoint hash", ts)
	}
	if sinceLastCompletion {
		if t.lastCompletionHash == "" {
			return nil, fmt.Errorf("diff checkpoint: no completion checkpoint recorded yet")
		}
		return t.checkpoints.Diff(ctx, t.lastCompletionHash, hash)
	}
	return t.checkpoints.Diff(ctx, hash, "")
}

// truncateToMessage 截断到目标消息：历史保留到 conversationHistoryIndex+2
// （含配对的 user/assistant 轮次），消息日志保留到目标下标（含）。丢弃
// 尾部的 token/费用汇总以一条提示消息补报。
// truncateToMessage cuts back to the target message: history keeps
// conversationHistoryIndex+2 entries (covering the paired user/assistant
// turn), the message log keeps up to the target index inclusive. The
// discarded tail's token/cost totals are reported in one informational
// message.
func (t *Task) truncateToMessage(msg chat.Message, index int) error {
	messages := t.state.Messages()
	discarded := state.TaskMetrics{}
	if index+1 < len(messages) {
		discarded = state.AggregateMetrics(messages[index+1:])
	}

	history := t.state.History()
	keep := msg.ConversationHistoryIndex + 2
	if keep > len(history) {
		keep = len(history)
	}
	if err := t.state.OverwriteHistory(history[:keep]); err != nil {
		return fmt.Errorf("truncate history: %w", err)
	}
	if err := t.state.OverwriteMessages(messages[:index+1]); err != nil {
		return fmt.Errorf("truncate messages: %w", err)
	}

	if discarded.TokensIn+discarded.TokensOut > 0 || discarded.TotalCost > 0 {
		info := chat.APIReqInfo{
			TokensIn:    discarded.TokensIn,
			TokensOut:   discarded.TokensOut,
			CacheWrites: discarded.CacheWrites,
			CacheReads:  discarded.CacheReads,
			Cost:        discarded.TotalCost,
		}
		if _, err := t.state.AddMessage(chat.Message{
			Kind: chat.KindSay,
			Say:  chat.SayDeletedAPIReqs,
			Text: info.Marshal(),
		}); err != nil {
			logging.Get().Warn("record deleted requests", "err", err)
		}
	}
	return nil
}
