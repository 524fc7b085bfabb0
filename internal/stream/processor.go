package stream

import (
	"context"
	"fmt"
	"sync"

	"agentcore/internal/chat"
	"agentcore/internal/logging"
	"agentcore/internal/tools"
)

// Chunk 是模型流的一个增量片段
// Chunk is one incremental fragment of the model stream
type Chunk struct {
	Kind chat.BlockKind
	// Text 承载 text/reasoning 增量
	// Text carries text/reasoning deltas
	Text string
	// tool_use 增量：ID/Name 首个片段携带，Args 逐段累积
	// tool_use deltas: ID/Name arrive on the first fragment, Args accumulate
	ToolID   string
	ToolName string
	ToolArgs string
}

// ToolApproval 以块索引为键的审批记录，工具开始执行后不再变更。
// ToolApproval is the per-block-index approval record; it is never
// mutated once tool execution begins.
type ToolApproval struct {
	BlockIndex   int
	Tool         tools.Name
	Approved     bool
	AutoApproved bool
	Feedback     string
	Images       []string
	Executed     bool
	Result       string
}

// UI 是唯一的用户交互边界：ask 阻塞等待响应，say 仅展示。
// UI is the sole user-interaction boundary: ask blocks on a response,
// say is display-only.
type UI interface {
	Ask(ctx context.Context, kind chat.AskKind, text string) (chat.AskResponse, error)
	Say(kind chat.SayKind, text string, images []string, partial bool) error
}

// Processor 增量解析模型输出为内容块并在单写者锁下展示。
// Processor incrementally parses model output into content blocks and
// presents them under a single-writer lock.
type Processor struct {
	ui       UI
	executor *tools.Executor
	policy   *tools.Policy

	mu            sync.Mutex
	blocks        []chat.ContentBlock
	parseErrs     map[int]error
	cursor        int
	presenting    bool
	pendingUpdate bool

	didRejectTool bool
	approvals     []ToolApproval
	autoApproved  int
	mistakes      int
}

// New 创建流处理器
// New builds a stream processor
func New(ui UI, executor *tools.Executor, policy *tools.Policy) *Processor {
	return &Processor{
		ui:        ui,
		executor:  executor,
		policy:    policy,
		parseErrs: map[int]error{},
	}
}

// ProcessChunk 合并一个增量片段：与末尾未完成块同类型则续写，否则封口
// 末尾块并开启新块，然后触发一次展示。
// ProcessChunk merges one fragment: it continues the trailing partial
// block when the type matches, otherwise finalizes it and opens a new
// block, then triggers a presentation pass.
func (p *Processor) ProcessChunk(ctx context.Context, chunk Chunk) {
	p.mu.Lock()
	last := p.lastBlockLocked()
	newToolCall := chunk.Kind == chat.BlockToolUse && chunk.ToolID != "" &&
		last != nil && last.Kind == chat.BlockToolUse &&
		last.ToolID != "" && last.ToolID != chunk.ToolID
	if last == nil || !last.Partial || last.Kind != chunk.Kind || newToolCall {
		p.finalizeLastLocked()
		p.blocks = append(p.blocks, chat.ContentBlock{Kind: chunk.Kind, Partial: true})
		last = p.lastBlockLocked()
	}
	switch chunk.Kind {
	case chat.BlockText, chat.BlockReasoning:
		last.Text += chunk.Text
	case chat.BlockToolUse:
		if chunk.ToolID != "" {
			last.ToolID = chunk.ToolID
		}
		if chunk.ToolName != "" {
			last.ToolName = chunk.ToolName
		}
		last.RawArgs += chunk.ToolArgs
	}
	p.mu.Unlock()

	p.Present(ctx)
}

// FinalizePartialBlocks 在流结束后封口仍处于 partial 的末尾块。
// FinalizePartialBlocks finalizes the trailing partial block after
// stream end.
func (p *Processor) FinalizePartialBlocks(ctx context.Context) {
	p.mu.Lock()
	p.finalizeLastLocked()
	p.mu.Unlock()
	p.Present(ctx)
}

func (p *Processor) lastBlockLocked() *chat.ContentBlock {
	if len(p.blocks) == 0 {
		return nil
	}
	return &p.blocks[len(p.blocks)-1]
}

func (p *Processor) finalizeLastLocked() {
	last := p.lastBlockLocked()
	if last == nil || !last.Partial {
		return
	}
	last.Partial = false
	if last.Kind == chat.BlockToolUse {
		if err := last.FinalizeToolParams(); err != nil {
			p.parseErrs[len(p.blocks)-1] = err
		}
	}
}

// Present 展示游标之后的所有块。并发调用发现锁被占用时只设置 pending
// 标志立即返回；持有者释放前自行补一轮，保证至多一个遍历且不丢更新。
// Present walks blocks from the cursor forward. A concurrent caller that
// finds the lock held sets the pending flag and returns immediately; the
// holder re-walks before releasing, guaranteeing at most one concurrent
// walk with no lost updates.
func (p *Processor) Present(ctx context.Context) {
	p.mu.Lock()
	if p.presenting {
		p.pendingUpdate = true
		p.mu.Unlock()
		return
	}
	p.presenting = true
	p.mu.Unlock()

	for {
		p.walk(ctx)
		p.mu.Lock()
		if p.pendingUpdate {
			p.pendingUpdate = false
			p.mu.Unlock()
			continue
		}
		p.presenting = false
		p.mu.Unlock()
		return
	}
}

func (p *Processor) walk(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		if p.cursor >= len(p.blocks) {
			p.mu.Unlock()
			return
		}
		block := p.blocks[p.cursor]
		index := p.cursor
		parseErr := p.parseErrs[index]
		p.mu.Unlock()

		switch block.Kind {
		case chat.BlockText:
			p.presentText(block)
		case chat.BlockReasoning:
			p.presentReasoning(block)
		case chat.BlockToolUse:
			p.presentToolUse(ctx, index, block, parseErr)
		}

		if block.Partial {
			// partial 块停留在游标处，等待后续增量。
			// A partial block stays at the cursor awaiting more deltas.
			return
		}
		p.mu.Lock()
		p.cursor = index + 1
		p.mu.Unlock()
	}
}

func (p *Processor) presentText(block chat.ContentBlock) {
	cleaned := CleanStreamText(block.Text, block.Partial)
	if cleaned == "" && block.Partial {
		return
	}
	if err := p.ui.Say(chat.SayText, cleaned, nil, block.Partial); err != nil {
		logging.Get().Warn("say text", "err", err)
	}
}

func (p *Processor) presentReasoning(block chat.ContentBlock) {
	if block.Text == "" {
		return
	}
	if err := p.ui.Say(chat.SayReasoning, block.Text, nil, block.Partial); err != nil {
		logging.Get().Warn("say reasoning", "err", err)
	}
}

func (p *Processor) presentToolUse(ctx context.Context, index int, block chat.ContentBlock, parseErr error) {
	name := tools.Name(block.ToolName)

	// partial 工具块只读展示，不发起审批。
	// Partial tool blocks are shown read-only; no approval is solicited.
	if block.Partial {
		if err := p.ui.Say(chat.SayTool, describeToolUse(name, nil, true), nil, true); err != nil {
			logging.Get().Warn("say partial tool", "err", err)
		}
		return
	}

	p.mu.Lock()
	alreadyRecorded := p.hasApprovalLocked(index)
	rejected := p.didRejectTool
	p.mu.Unlock()
	if alreadyRecorded {
		return
	}

	// 一次拒绝使本轮后续计划全部失效：余下工具一律跳过，不再逐个询问。
	// One rejection invalidates the rest of this turn's plan: every later
	// tool is skipped without an individual prompt.
	if rejected {
		p.record(ToolApproval{
			BlockIndex: index,
			Tool:       name,
			Approved:   false,
			Feedback:   "skipped due to prior rejection",
			Result:     tools.SkippedResult(name),
		})
		return
	}

	if !tools.Known(name) {
		p.recordMistake(index, name, tools.ErrorResult(name, fmt.Errorf("unknown tool: %s", block.ToolName)))
		return
	}
	if parseErr != nil {
		p.recordMistake(index, name, tools.ErrorResult(name, fmt.Errorf("invalid tool arguments: %v", parseErr)))
		return
	}
	if missing := tools.MissingParams(name, block.Params); len(missing) > 0 {
		// 缺参短路：记 mistake，不占用审批名额。
		// Missing-parameter short-circuit: counts a mistake, consumes no
		// approval slot.
		p.recordMistake(index, name, tools.MissingParamsResult(name, missing))
		return
	}

	if name == tools.AskFollowup {
		p.handleFollowup(ctx, index, block)
		return
	}
	if name == tools.AttemptCompletion {
		// 完成语义由循环控制器处理；这里只登记通过。
		// Completion semantics belong to the loop controller; just record
		// the pass-through here.
		p.record(ToolApproval{BlockIndex: index, Tool: name, Approved: true})
		return
	}

	if p.policy.ShouldAutoApprove(name, block.Params) {
		if err := p.ui.Say(chat.SayTool, describeToolUse(name, block.Params, false), nil, false); err != nil {
			logging.Get().Warn("say tool", "err", err)
		}
		p.mu.Lock()
		p.autoApproved++
		p.mu.Unlock()
		p.execute(ctx, index, name, block.Params, true, "", nil)
		return
	}

	resp, err := p.ui.Ask(ctx, askKindFor(name), describeToolUse(name, block.Params, false))
	if err != nil {
		p.record(ToolApproval{
			BlockIndex: index,
			Tool:       name,
			Approved:   false,
			Feedback:   "approval unavailable",
			Result:     tools.ErrorResult(name, fmt.Errorf("approval unavailable: %w", err)),
		})
		return
	}
	if resp.Response != chat.ResponseYes {
		p.mu.Lock()
		p.didRejectTool = true
		p.mu.Unlock()
		p.record(ToolApproval{
			BlockIndex: index,
			Tool:       name,
			Approved:   false,
			Feedback:   resp.Text,
			Images:     resp.Images,
			Result:     tools.DeniedResult(resp.Text),
		})
		return
	}
	p.execute(ctx, index, name, block.Params, false, resp.Text, resp.Images)
}

func (p *Processor) handleFollowup(ctx context.Context, index int, block chat.ContentBlock) {
	resp, err := p.ui.Ask(ctx, chat.AskFollowup, block.Params["question"])
	if err != nil {
		p.record(ToolApproval{
			BlockIndex: index,
			Tool:       tools.AskFollowup,
			Approved:   false,
			Result:     tools.ErrorResult(tools.AskFollowup, err),
		})
		return
	}
	p.record(ToolApproval{
		BlockIndex: index,
		Tool:       tools.AskFollowup,
		Approved:   true,
		Executed:   true,
		Images:     resp.Images,
		Result:     fmt.Sprintf("<answer>\n%s\n</answer>", resp.Text),
	})
}

func (p *Processor) execute(ctx context.Context, index int, name tools.Name, params map[string]string, auto bool, feedback string, images []string) {
	result := p.executor.Execute(ctx, name, params)
	if err := p.ui.Say(chat.SayTool, result, nil, false); err != nil {
		logging.Get().Warn("say tool result", "err", err)
	}
	p.record(ToolApproval{
		BlockIndex:   index,
		Tool:         name,
		Approved:     true,
		AutoApproved: auto,
		Feedback:     feedback,
		Images:       images,
		Executed:     true,
		Result:       result,
	})
}

func (p *Processor) record(approval ToolApproval) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approvals = append(p.approvals, approval)
}

func (p *Processor) recordMistake(index int, name tools.Name, result string) {
	p.mu.Lock()
	p.mistakes++
	p.mu.Unlock()
	p.record(ToolApproval{BlockIndex: index, Tool: name, Approved: false, Result: result})
}

func (p *Processor) hasApprovalLocked(index int) bool {
	for _, a := range p.approvals {
		if a.BlockIndex == index {
			return true
		}
	}
	return false
}

// Blocks 返回当前块列表副本
// Blocks returns a copy of the current block list
func (p *Processor) Blocks() []chat.ContentBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.ContentBlock(nil), p.blocks...)
}

// Approvals 返回审批台账（流结束后由循环控制器消费）。
// Approvals returns the approval ledger, consumed by the loop controller
// after stream completion.
func (p *Processor) Approvals() []ToolApproval {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ToolApproval(nil), p.approvals...)
}

// MistakeCount 返回本轮流中记下的参数类失误次数
// MistakeCount returns parameter mistakes recorded during this stream
func (p *Processor) MistakeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mistakes
}

// AutoApprovedCount 返回本轮流中的自动批准次数
// AutoApprovedCount returns auto-approvals recorded during this stream
func (p *Processor) AutoApprovedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoApproved
}

// ToolRejected 返回用户是否拒绝过工具
// ToolRejected reports whether the user rejected any tool
func (p *Processor) ToolRejected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.didRejectTool
}

func askKindFor(name tools.Name) chat.AskKind {
	switch name {
	case tools.ExecuteCommand:
		return chat.AskCommand
	case tools.BrowserAction:
		return chat.AskBrowserLaunch
	case tools.UseHubTool, tools.ReadHubResource:
		return chat.AskUseResourceHub
	default:
		return chat.AskTool
	}
}

func describeToolUse(name tools.Name, params map[string]string, partial bool) string {
	switch name {
	case tools.ReadFile:
		return fmt.Sprintf("[%s] path=%s", name, params["path"])
	case tools.WriteToFile, tools.ReplaceInFile:
		return fmt.Sprintf("[%s] path=%s", name, params["path"])
	case tools.ExecuteCommand:
		return fmt.Sprintf("[%s] %s", name, params["command"])
	case tools.BrowserAction:
		return fmt.Sprintf("[%s] %s", name, params["action"])
	case tools.UseHubTool:
		return fmt.Sprintf("[%s] %s/%s", name, params["server_name"], params["tool_name"])
	case tools.ReadHubResource:
		return fmt.Sprintf("[%s] %s %s", name, params["server_name"], params["uri"])
	default:
		if partial {
			return fmt.Sprintf("[%s] (streaming...)", name)
		}
		return fmt.Sprintf("[%s]", name)
	}
}
