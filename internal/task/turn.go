package task

import (
	"context"
	"fmt"
	"strings"

	"agentcore/internal/chat"
	"agentcore/internal/logging"
	"agentcore/internal/provider"
	"agentcore/internal/state"
	"agentcore/internal/stream"
	"agentcore/internal/tools"
)

// noToolsUsedMessage 纠正消息：模型整轮没有调用任何工具。
// noToolsUsedMessage is the corrective message for a turn with no tool use.
const noToolsUsedMessage = "ERROR: You did not use a tool in your previous response. " +
	"Every response must either use a tool to make progress or use attempt_completion to finish the task. Retry with a tool call."

// turnResult 一轮执行的去向
// turnResult is where one turn leads next
type turnResult struct {
	completed   bool
	result      string
	nextContent string
	nextImages  []string
}

// runTurn 执行一轮：模型调用、流处理、审批台账消费与下一轮内容构造。
// runTurn executes one turn: model call, stream processing, approval
// ledger consumption and next-turn content construction.
func (t *Task) runTurn(ctx context.Context, content string, images []string) (turnResult, error) {
	if err := t.ensureSystemPrompt(ctx); err != nil {
		return turnResult{}, err
	}

	if _, err := t.state.AddToHistory(userHistoryMessage(content, images)); err != nil {
		return turnResult{}, err
	}

	reqInfo := chat.APIReqInfo{Request: preview(content)}
	reqMsg, err := t.state.AddMessage(chat.Message{
		Kind: chat.KindSay,
		Say:  chat.SayAPIReqStarted,
		Text: reqInfo.Marshal(),
	})
	if err != nil {
		return turnResult{}, err
	}

	proc, resp, err := t.streamWithRetry(ctx)
	if err != nil {
		if updateErr := t.state.UpdateMessage(reqMsg.Ts, func(m *chat.Message) {
			info := chat.ParseAPIReqInfo(m.Text)
			info.CancelReason = err.Error()
			m.Text = info.Marshal()
		}); updateErr != nil {
			logging.Get().Warn("record request failure", "err", updateErr)
		}
		return turnResult{}, err
	}
	proc.FinalizePartialBlocks(ctx)

	t.recordUsage(reqMsg.Ts, resp)

	blocks := proc.Blocks()
	if _, err := t.state.AddToHistory(chat.TextHistoryMessage("assistant", renderAssistantText(blocks))); err != nil {
		return turnResult{}, err
	}

	approvals := proc.Approvals()
	t.counters.ConsecutiveMistakes += proc.MistakeCount()
	t.counters.ConsecutiveAutoApproved += proc.AutoApprovedCount()
	for _, a := range approvals {
		// 人工批准打断连续自动批准序列。
		// A manual approval breaks the consecutive auto-approval run.
		if a.Approved && !a.AutoApproved && a.Executed {
			t.counters.ConsecutiveAutoApproved = 0
		}
	}

	if result, ok := approvedCompletion(blocks, approvals); ok {
		return t.handleCompletion(ctx, result)
	}

	if anyExecuted(approvals) {
		t.counters.ConsecutiveMistakes = 0
		t.saveCheckpointAsync(ctx)
	}
	if len(approvals) > 0 {
		return turnResult{
			nextContent: renderToolResults(approvals),
			nextImages:  collectImages(approvals),
		}, nil
	}

	// 整轮无工具调用：合成纠正消息并计一次失误。
	// No tool use this turn: synthesize the corrective message and count
	// a mistake.
	t.counters.ConsecutiveMistakes++
	return turnResult{nextContent: noToolsUsedMessage}, nil
}

// streamWithRetry 失败时先按配置静默重试一次，其后升级为交互确认；
// 用户拒绝则终止并注明未重试。
// streamWithRetry retries one failure silently when configured, then
// escalates to interactive confirmation; a declined retry terminates
// with that fact recorded.
func (t *Task) streamWithRetry(ctx context.Context) (*stream.Processor, provider.Response, error) {
	for {
		proc, resp, err := t.streamOnce(ctx)
		if err == nil {
			return proc, resp, nil
		}
		if ctx.Err() != nil || t.aborted.Load() {
			return proc, resp, err
		}

		if t.cfg.Provider.AutoRetry && !t.autoRetried {
			t.autoRetried = true
			logging.Get().Info("model call failed, retrying automatically", "err", err)
			continue
		}

		askText := err.Error()
		if recovery, recErr := t.backend.AnalyzeAndRecover(ctx, err.Error()); recErr == nil {
			askText += "\n\nSuggested recovery: " + recovery.Suggestion
		}
		ask, askErr := t.ui.Ask(ctx, chat.AskAPIReqFailed, askText)
		if askErr != nil {
			return proc, resp, askErr
		}
		if ask.Response != chat.ResponseYes {
			return proc, resp, fmt.Errorf("model request failed and the user did not retry: %w", err)
		}
	}
}

// streamOnce 发起一次流式调用；每次尝试使用全新的流处理器。
// streamOnce makes one streaming call; each attempt gets a fresh stream
// processor.
func (t *Task) streamOnce(ctx context.Context) (*stream.Processor, provider.Response, error) {
	proc := stream.New(t.ui, t.executor, t.policy)
	cb := &provider.StreamCallbacks{
		OnText: func(delta string) {
			proc.ProcessChunk(ctx, stream.Chunk{Kind: chat.BlockText, Text: delta})
		},
		OnReasoning: func(delta string) {
			proc.ProcessChunk(ctx, stream.Chunk{Kind: chat.BlockReasoning, Text: delta})
		},
		OnToolCallDelta: func(index int, id, name, args string) {
			proc.ProcessChunk(ctx, stream.Chunk{
				Kind:     chat.BlockToolUse,
				ToolID:   id,
				ToolName: name,
				ToolArgs: args,
			})
		},
	}
	resp, err := t.provider.Stream(ctx, provider.Request{
		Model:        t.provider.CurrentModel(),
		SystemPrompt: t.systemPrompt,
		Messages:     t.state.HistoryForModel(),
		Tools:        toolDefinitions(),
	}, cb)
	return proc, resp, err
}

// recordUsage 把用量与费用写回 api_req_started 消息；服务端不回报用量
// 时用分词器估算。
// recordUsage writes usage and cost back to the api_req_started message,
// falling back to tokenizer estimates when the endpoint reports none.
func (t *Task) recordUsage(reqTs int64, resp provider.Response) {
	usage := resp.Usage
	if usage.TotalTokens == 0 {
		usage.PromptTokens = t.tokenizer.CountHistory(t.state.HistoryForModel())
		usage.CompletionTokens = t.tokenizer.CountText(resp.Content + resp.Reasoning)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	cost := state.CalculateCost(t.provider.CurrentModel(), usage.PromptTokens, usage.CompletionTokens)
	if err := t.state.UpdateMessage(reqTs, func(m *chat.Message) {
		info := chat.ParseAPIReqInfo(m.Text)
		info.TokensIn = usage.PromptTokens
		info.TokensOut = usage.CompletionTokens
		info.CacheReads = usage.CachedTokens
		info.Cost = cost
		m.Text = info.Marshal()
	}); err != nil {
		logging.Get().Warn("record usage", "err", err)
	}
}

// handleCompletion 完成收尾：展示结果、落盘完成检查点、征询用户反馈。
// handleCompletion finishes the task: present the result, persist the
// completion checkpoint, and solicit user feedback.
func (t *Task) handleCompletion(ctx context.Context, result string) (turnResult, error) {
	msg, err := t.state.AddMessage(chat.Message{
		Kind: chat.KindSay,
		Say:  chat.SayCompletionResult,
		Text: result,
	})
	if err != nil {
		return turnResult{}, err
	}
	t.saveCompletionCheckpoint(ctx, msg.Ts)

	resp, err := t.ui.Ask(ctx, chat.AskCompletionResult, "")
	if err != nil {
		return turnResult{}, err
	}
	if resp.Response == chat.ResponseMessage && strings.TrimSpace(resp.Text) != "" {
		if err := t.ui.Say(chat.SayUserFeedback, resp.Text, resp.Images, false); err != nil {
			logging.Get().Warn("say user feedback", "err", err)
		}
		return turnResult{
			nextContent: "The user has feedback on the completion result:\n<feedback>\n" + resp.Text + "\n</feedback>",
			nextImages:  resp.Images,
		}, nil
	}
	return turnResult{completed: true, result: result}, nil
}

// approvedCompletion 返回通过审批的 attempt_completion 结果文本。
// approvedCompletion returns the result text of an approved
// attempt_completion block.
func approvedCompletion(blocks []chat.ContentBlock, approvals []stream.ToolApproval) (string, bool) {
	for _, a := range approvals {
		if a.Tool != tools.AttemptCompletion || !a.Approved {
			continue
		}
		if a.BlockIndex < len(blocks) {
			return blocks[a.BlockIndex].Params["result"], true
		}
	}
	return "", false
}

func anyExecuted(approvals []stream.ToolApproval) bool {
	for _, a := range approvals {
		if a.Executed && a.Tool != tools.AskFollowup {
			return true
		}
	}
	return false
}

// renderAssistantText 把内容块还原为写入 model-facing history 的文本。
// renderAssistantText flattens the blocks into the text stored in the
// model-facing history.
func renderAssistantText(blocks []chat.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		switch b.Kind {
		case chat.BlockText:
			if b.Text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		case chat.BlockToolUse:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "[Tool call: %s %s]", b.ToolName, strings.TrimSpace(b.RawArgs))
		}
	}
	if sb.Len() == 0 {
		return "(no response)"
	}
	return sb.String()
}

// renderToolResults 按块顺序拼接工具结果作为下一轮用户内容。
// renderToolResults joins tool results in block order as the next turn's
// user content.
func renderToolResults(approvals []stream.ToolApproval) string {
	var sb strings.Builder
	for _, a := range approvals {
		if a.Result == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] Result:\n%s", a.Tool, a.Result)
	}
	if sb.Len() == 0 {
		return noToolsUsedMessage
	}
	return sb.String()
}

func collectImages(approvals []stream.ToolApproval) []string {
	var images []string
	for _, a := range approvals {
		images = append(images, a.Images...)
	}
	return images
}

func userHistoryMessage(content string, images []string) chat.HistoryMessage {
	msg := chat.HistoryMessage{Role: "user"}
	if content != "" {
		msg.Content = append(msg.Content, chat.HistoryContent{Type: "text", Text: content})
	}
	for _, img := range images {
		msg.Content = append(msg.Content, chat.HistoryContent{Type: "image", Image: img})
	}
	if len(msg.Content) == 0 {
		msg.Content = []chat.HistoryContent{{Type: "text", Text: "(empty)"}}
	}
	return msg
}

func preview(content string) string {
	const max = 200
	content = strings.TrimSpace(content)
	if len(content) <= max {
		return content
	}
	return content[:max] + "..."
}
