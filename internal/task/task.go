package task

import (
	"context"
	"fmt"
	"sync/atomic"

	"agentcore/internal/backend"
	"agentcore/internal/chat"
	"agentcore/internal/checkpoint"
	"agentcore/internal/config"
	"agentcore/internal/logging"
	"agentcore/internal/provider"
	"agentcore/internal/state"
	"agentcore/internal/tools"
)

// Status 任务终态
// Status is the terminal outcome of a task
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFatal     Status = "fatal"
)

// Outcome 任务运行结果
// Outcome is the result of running a task
type Outcome struct {
	Status Status
	Result string
	Err    error
}

// Counters 显式的逐任务计数器，随循环传递，任务之间互不串扰。
// Counters are the explicit per-task counters threaded through the loop;
// concurrent tasks never share them.
type Counters struct {
	ConsecutiveMistakes     int
	ConsecutiveAutoApproved int
}

// ReasoningBackend 任务所需的后端操作子集
// ReasoningBackend is the backend surface the task depends on
type ReasoningBackend interface {
	SelectPersona(ctx context.Context, goal string) (backend.Persona, error)
	KnowledgeSearch(ctx context.Context, query string) ([]backend.KnowledgeHit, error)
	GeneratePlan(ctx context.Context, goal, workspaceContext string) (backend.Plan, error)
	AnalyzeAndRecover(ctx context.Context, failure string) (backend.Recovery, error)
	Close() error
}

// Deps 任务的外部依赖
// Deps bundles the task's external dependencies
type Deps struct {
	Config        config.Config
	State         *state.Manager
	Responder     Responder
	Backend       ReasoningBackend
	Provider      provider.Provider
	Checkpoints   *checkpoint.Manager
	Collaborators tools.Collaborators
}

// Task 任务循环控制器：驱动模型调用、流处理、工具执行与限额检查。
// Task is the loop controller: it drives model calls, stream processing,
// tool execution and limit enforcement.
type Task struct {
	id        string
	goal      string
	workspace string
	mode      config.TaskMode
	cfg       config.Config

	state       *state.Manager
	ui          *UI
	backend     ReasoningBackend
	provider    provider.Provider
	checkpoints *checkpoint.Manager
	recorder    *checkpoint.Recorder
	executor    *tools.Executor
	policy      *tools.Policy
	collab      tools.Collaborators
	tokenizer   *state.Tokenizer

	plan         *backend.Plan
	systemPrompt string

	counters       Counters
	stepsRemaining int
	autoRetried    bool
	// tokenLimitAcked 用户确认超预算继续后不再重复询问。
	// tokenLimitAcked stops re-asking once the user accepted the overrun.
	tokenLimitAcked bool

	aborted atomic.Bool

	lastCompletionHash string
}

// New 创建任务。文件协作者被包装为先快照后写入，中止时可回滚。
// New builds a task. The file collaborator is wrapped to snapshot before
// every write so an abort can roll back.
func New(taskID, goal string, deps Deps) *Task {
	recorder := checkpoint.NewRecorder(deps.Config.WorkspaceRoot)
	collab := deps.Collaborators
	if collab.Files != nil {
		collab.Files = &recordingFiles{inner: collab.Files, recorder: recorder}
	}
	t := &Task{
		id:          taskID,
		goal:        goal,
		workspace:   deps.Config.WorkspaceRoot,
		mode:        deps.Config.Mode,
		cfg:         deps.Config,
		state:       deps.State,
		ui:          NewUI(deps.State, deps.Responder),
		backend:     deps.Backend,
		provider:    deps.Provider,
		checkpoints: deps.Checkpoints,
		recorder:    recorder,
		executor:    tools.NewExecutor(collab, deps.Config.Mode),
		policy:      tools.NewPolicy(deps.Config.AutoApproval),
		collab:      collab,
		tokenizer:   state.NewTokenizerForModel(deps.Config.Provider.Model),
	}
	if deps.Config.Autonomy.Mode == config.AutonomyStepLimited {
		t.stepsRemaining = deps.Config.Autonomy.MaxSteps
	}
	return t
}

// ID 返回任务标识
// ID returns the task identity
func (t *Task) ID() string { return t.id }

// Mode 返回任务运行模式
// Mode returns the task operating mode
func (t *Task) Mode() config.TaskMode { return t.mode }

// Abort 设置中止标志；循环在下一个挂起点观察到后停止。
// Abort sets the abort flag; the loop stops at its next suspension point.
func (t *Task) Abort() {
	t.aborted.Store(true)
}

// Aborted 报告中止标志
// Aborted reports the abort flag
func (t *Task) Aborted() bool {
	return t.aborted.Load()
}

// Run 运行任务直到完成、中止或不可恢复错误。
// Run drives the task until completion, abort, or an unrecoverable error.
func (t *Task) Run(ctx context.Context, content string, images []string) Outcome {
	if err := t.ui.Say(chat.SayTask, t.goal, images, false); err != nil {
		return Outcome{Status: StatusFatal, Err: err}
	}
	t.saveCheckpointAsync(ctx)
	return t.loop(ctx, content, images)
}

func (t *Task) loop(ctx context.Context, content string, images []string) Outcome {
	userContent := content
	userImages := images
	for {
		if t.aborted.Load() || ctx.Err() != nil {
			return t.finishAborted()
		}

		turn, err := t.runTurn(ctx, userContent, userImages)
		if err != nil {
			if t.aborted.Load() {
				return t.finishAborted()
			}
			if sayErr := t.ui.Say(chat.SayError, err.Error(), nil, false); sayErr != nil {
				logging.Get().Warn("say error", "err", sayErr)
			}
			return Outcome{Status: StatusFatal, Err: err}
		}
		if turn.completed {
			return Outcome{Status: StatusCompleted, Result: turn.result}
		}
		userContent = turn.nextContent
		userImages = turn.nextImages

		proceed, feedback, err := t.enforceLimits(ctx)
		if err != nil {
			return Outcome{Status: StatusFatal, Err: err}
		}
		if !proceed {
			return t.finishAborted()
		}
		userContent = appendFeedback(userContent, feedback)

		proceed, feedback, err = t.autonomyGate(ctx)
		if err != nil {
			return Outcome{Status: StatusFatal, Err: err}
		}
		if !proceed {
			return t.finishAborted()
		}
		userContent = appendFeedback(userContent, feedback)
	}
}

// finishAborted 中止清理：释放终端/浏览器资源并回滚本轮未提交的编辑。
// finishAborted cleans up on abort: dispose terminal/browser resources
// and roll back this turn's uncommitted edits.
func (t *Task) finishAborted() Outcome {
	if t.collab.Command != nil {
		t.collab.Command.DisposeAll()
	}
	if t.collab.Browser != nil {
		if err := t.collab.Browser.Close(context.Background()); err != nil {
			logging.Get().Debug("browser close on abort", "err", err)
		}
	}
	if t.recorder.HasSnapshots() {
		restored, removed, err := t.recorder.Revert()
		if err != nil {
			logging.Get().Warn("edit revert on abort failed", "err", err)
		} else {
			logging.Get().Info("reverted edits on abort", "restored", restored, "removed", removed)
		}
	}
	return Outcome{Status: StatusAborted}
}

// enforceLimits 检查失误、自动批准与 token 限额，命中则暂停询问。
// enforceLimits checks mistake, auto-approval and token thresholds,
// pausing to ask when one trips.
func (t *Task) enforceLimits(ctx context.Context) (bool, string, error) {
	if max := t.cfg.Limits.MaxConsecutiveMistakes; max > 0 && t.counters.ConsecutiveMistakes >= max {
		resp, err := t.ui.Ask(ctx, chat.AskMistakeLimitReached,
			fmt.Sprintf("The assistant made %d consecutive mistakes. Provide guidance to continue, or stop the task.", t.counters.ConsecutiveMistakes))
		if err != nil {
			return false, "", err
		}
		if resp.Response == chat.ResponseNo {
			return false, "", nil
		}
		t.counters.ConsecutiveMistakes = 0
		return true, resp.Text, nil
	}

	if max := t.policy.MaxRequests(); max > 0 && t.counters.ConsecutiveAutoApproved >= max {
		resp, err := t.ui.Ask(ctx, chat.AskAutoApprovalMaxReached,
			fmt.Sprintf("%d consecutive requests were auto-approved. Continue?", t.counters.ConsecutiveAutoApproved))
		if err != nil {
			return false, "", err
		}
		if resp.Response == chat.ResponseNo {
			return false, "", nil
		}
		t.counters.ConsecutiveAutoApproved = 0
		return true, resp.Text, nil
	}

	if limit := t.cfg.Limits.TaskTokenLimit; limit > 0 && !t.tokenLimitAcked {
		metrics := state.AggregateMetrics(t.state.Messages())
		if metrics.TokensIn+metrics.TokensOut >= limit {
			resp, err := t.ui.Ask(ctx, chat.AskTokenLimitReached,
				fmt.Sprintf("The task used %d tokens, over the budget of %d. Continue anyway?",
					metrics.TokensIn+metrics.TokensOut, limit))
			if err != nil {
				return false, "", err
			}
			if resp.Response == chat.ResponseNo {
				return false, "", nil
			}
			t.tokenLimitAcked = true
			return true, resp.Text, nil
		}
	}

	return true, "", nil
}

// autonomyGate 按自主模式决定是否继续下一轮：turn 每轮询问，steps 用完
// 预算询问并重置，full 直到完成不询问。
// autonomyGate decides whether the next turn proceeds: turn mode asks
// every turn, steps mode asks when the budget runs out and resets it,
// full mode never asks before completion.
func (t *Task) autonomyGate(ctx context.Context) (bool, string, error) {
	switch t.cfg.Autonomy.Mode {
	case config.AutonomyFull:
		return true, "", nil
	case config.AutonomyStepLimited:
		t.stepsRemaining--
		if t.stepsRemaining > 0 {
			return true, "", nil
		}
		resp, err := t.ui.Ask(ctx, chat.AskStepLimitReached,
			fmt.Sprintf("%d autonomous steps completed. Continue with the next batch?", t.cfg.Autonomy.MaxSteps))
		if err != nil {
			return false, "", err
		}
		if resp.Response == chat.ResponseNo {
			return false, "", nil
		}
		t.stepsRemaining = t.cfg.Autonomy.MaxSteps
		return true, resp.Text, nil
	default:
		resp, err := t.ui.Ask(ctx, chat.AskStepLimitReached, "Continue with the next step?")
		if err != nil {
			return false, "", err
		}
		if resp.Response == chat.ResponseNo {
			return false, "", nil
		}
		return true, resp.Text, nil
	}
}

// saveCheckpointAsync 非完成检查点不阻塞循环，结果写回消息日志。
// saveCheckpointAsync keeps non-completion checkpoints off the loop's
// critical path; the result is written back to the message log.
func (t *Task) saveCheckpointAsync(ctx context.Context) {
	if t.checkpoints == nil || !t.cfg.Checkpoint.Enabled {
		return
	}
	msg, err := t.state.AddMessage(chat.Message{
		Kind: chat.KindSay,
		Say:  chat.SayCheckpointCreated,
	})
	if err != nil {
		logging.Get().Warn("record checkpoint message", "err", err)
		return
	}
	go func() {
		hash, err := t.checkpoints.Save(ctx, "checkpoint")
		if err != nil {
			logging.Get().Warn("checkpoint save failed", "err", err)
			return
		}
		if err := t.state.UpdateMessage(msg.Ts, func(m *chat.Message) {
			m.LastCheckpointHash = hash
		}); err != nil {
			logging.Get().Warn("attach checkpoint hash", "err", err)
		}
		if err := t.state.SetLastCheckpointHash(hash); err != nil {
			logging.Get().Warn("record checkpoint hash", "err", err)
		}
	}()
}

// saveCompletionCheckpoint 完成检查点必须落盘后任务才算结束。
// saveCompletionCheckpoint must be durable before the task counts as
// finished.
func (t *Task) saveCompletionCheckpoint(ctx context.Context, completionTs int64) {
	if t.checkpoints == nil || !t.cfg.Checkpoint.Enabled {
		return
	}
	hash, err := t.checkpoints.Save(ctx, "task completion")
	if err != nil {
		logging.Get().Warn("completion checkpoint failed", "err", err)
		return
	}
	t.lastCompletionHash = hash
	if err := t.state.UpdateMessage(completionTs, func(m *chat.Message) {
		m.LastCheckpointHash = hash
	}); err != nil {
		logging.Get().Warn("attach completion checkpoint hash", "err", err)
	}
	if err := t.state.SetLastCheckpointHash(hash); err != nil {
		logging.Get().Warn("record completion checkpoint hash", "err", err)
	}
}

// HasNewChangesSinceLastCompletion 报告上次完成检查点后工作区是否变化。
// HasNewChangesSinceLastCompletion reports workspace changes since the
// last completion checkpoint.
func (t *Task) HasNewChangesSinceLastCompletion(ctx context.Context) (bool, error) {
	if t.checkpoints == nil || t.lastCompletionHash == "" {
		return false, nil
	}
	return t.checkpoints.HasNewChanges(ctx, t.lastCompletionHash)
}

func appendFeedback(content, feedback string) string {
	if feedback == "" {
		return content
	}
	return content + "\n\nThe user provided the following guidance:\n<feedback>\n" + feedback + "\n</feedback>"
}
