package state

import (
	"fmt"
	"os"
	"sync"
	"time"

	"agentcore/internal/chat"
	"agentcore/internal/logging"
	"agentcore/internal/storage"
)

// Manager 持有单个任务的内存态会话历史与消息日志，每次变更先落盘再返回。
// Manager owns one task's in-memory conversation history and message log;
// every mutation is durably persisted before returning.
type Manager struct {
	mu       sync.Mutex
	taskID   string
	taskText string
	store    storage.Store

	history      []chat.HistoryMessage
	messages     []chat.Message
	deletedRange *chat.DeletedRange

	lastCheckpointHash string
	lastTs             int64
}

// NewManager 为新任务创建状态管理器并写入初始汇总记录。
// NewManager creates the state manager for a new task and writes the
// initial summary record.
func NewManager(store storage.Store, taskID, taskText string) (*Manager, error) {
	m := &Manager{taskID: taskID, taskText: taskText, store: store}
	if err := store.UpsertSummary(storage.TaskSummary{
		ID:   taskID,
		Task: taskText,
		Ts:   time.Now().UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("create task record: %w", err)
	}
	return m, nil
}

// LoadManager 从存储恢复已有任务的状态
// LoadManager restores an existing task's state from the store
func LoadManager(store storage.Store, taskID string) (*Manager, error) {
	summary, err := store.LoadSummary(taskID)
	if err != nil {
		return nil, err
	}
	history, err := store.LoadHistory(taskID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	messages, err := store.LoadMessages(taskID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	m := &Manager{
		taskID:             taskID,
		taskText:           summary.Task,
		store:              store,
		history:            history,
		messages:           messages,
		deletedRange:       summary.DeletedRange,
		lastCheckpointHash: summary.LastCheckpointHash,
	}
	if n := len(messages); n > 0 {
		m.lastTs = messages[n-1].Ts
	}
	return m, nil
}

func (m *Manager) TaskID() string   { return m.taskID }
func (m *Manager) TaskText() string { return m.taskText }

// NextTs 返回单调递增的消息时间戳（毫秒）。
// NextTs returns a monotonically increasing message timestamp (ms).
func (m *Manager) NextTs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextTsLocked()
}

func (m *Manager) nextTsLocked() int64 {
	ts := time.Now().UnixMilli()
	if ts <= m.lastTs {
		ts = m.lastTs + 1
	}
	m.lastTs = ts
	return ts
}

// --- Model-facing history ---

// AddToHistory 追加一条模型消息并落盘，返回其索引。
// AddToHistory appends a model-facing message, persists, and returns its index.
func (m *Manager) AddToHistory(msg chat.HistoryMessage) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, msg)
	if err := m.store.SaveHistory(m.taskID, m.history); err != nil {
		m.history = m.history[:len(m.history)-1]
		return 0, fmt.Errorf("persist history: %w", err)
	}
	return len(m.history) - 1, nil
}

// OverwriteHistory 整体替换历史（截断/恢复用），落盘后生效。
// OverwriteHistory replaces the history wholesale (truncation/restore).
func (m *Manager) OverwriteHistory(history []chat.HistoryMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	replaced := append([]chat.HistoryMessage(nil), history...)
	if err := m.store.SaveHistory(m.taskID, replaced); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	m.history = replaced
	return nil
}

// History 返回完整历史副本
// History returns a copy of the full history
func (m *Manager) History() []chat.HistoryMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.HistoryMessage(nil), m.history...)
}

// HistoryLen 返回当前历史长度
// HistoryLen returns the current history length
func (m *Manager) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// HistoryForModel 返回应用 deleted range 后发送给模型的历史。
// HistoryForModel returns the history with the deleted range elided,
// as sent to the model.
func (m *Manager) HistoryForModel() []chat.HistoryMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deletedRange == nil {
		return append([]chat.HistoryMessage(nil), m.history...)
	}
	out := make([]chat.HistoryMessage, 0, len(m.history))
	for i, msg := range m.history {
		if i >= m.deletedRange.Start && i < m.deletedRange.End {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// SetDeletedRange 标记逻辑截断区间并落盘
// SetDeletedRange marks the logically truncated span and persists it
func (m *Manager) SetDeletedRange(r *chat.DeletedRange) error {
	m.mu.Lock()
	m.deletedRange = r
	m.mu.Unlock()
	return m.persistMessages()
}

// DeletedRange 返回当前截断区间
// DeletedRange returns the current truncated span
func (m *Manager) DeletedRange() *chat.DeletedRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletedRange
}

// --- UI message log ---

// AddMessage 追加一条消息日志。若 msg 完成了上一条同子类型的 partial，
// 则原地完成而非新增（保留原 ts）。
// AddMessage appends a log message. If msg completes the trailing partial
// of the same subtype it finalizes that entry in place (keeping its ts)
// instead of appending a new one.
func (m *Manager) AddMessage(msg chat.Message) (chat.Message, error) {
	m.mu.Lock()
	if last := m.lastMessageLocked(); last != nil && last.Partial && sameSubtype(*last, msg) {
		last.Text = msg.Text
		last.Images = msg.Images
		last.Partial = msg.Partial
		stored := *last
		m.mu.Unlock()
		return stored, m.persistMessages()
	}
	if msg.Ts == 0 {
		msg.Ts = m.nextTsLocked()
	} else if msg.Ts <= m.lastTs {
		msg.Ts = m.nextTsLocked()
	} else {
		m.lastTs = msg.Ts
	}
	msg.ConversationHistoryIndex = len(m.history)
	if m.deletedRange != nil {
		r := *m.deletedRange
		msg.ConversationHistoryDeletedRange = &r
	}
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	return msg, m.persistMessages()
}

func sameSubtype(a, b chat.Message) bool {
	return a.Kind == b.Kind && a.Ask == b.Ask && a.Say == b.Say
}

func (m *Manager) lastMessageLocked() *chat.Message {
	if len(m.messages) == 0 {
		return nil
	}
	return &m.messages[len(m.messages)-1]
}

// UpdateMessage 按 ts 定位并修改消息（如附加检查点哈希、补写请求记账）。
// UpdateMessage locates a message by ts and mutates it (attaching a
// checkpoint hash, filling in request accounting, ...).
func (m *Manager) UpdateMessage(ts int64, mutate func(msg *chat.Message)) error {
	m.mu.Lock()
	found := false
	for i := range m.messages {
		if m.messages[i].Ts == ts {
			mutate(&m.messages[i])
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("message not found: ts=%d", ts)
	}
	return m.persistMessages()
}

// SetLastCheckpointHash 记录最新检查点哈希（写入任务汇总）。
// SetLastCheckpointHash records the latest checkpoint hash on the summary.
func (m *Manager) SetLastCheckpointHash(hash string) error {
	m.mu.Lock()
	m.lastCheckpointHash = hash
	m.mu.Unlock()
	return m.persistMessages()
}

// LastCheckpointHash 返回最新检查点哈希
// LastCheckpointHash returns the latest checkpoint hash
func (m *Manager) LastCheckpointHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpointHash
}

// Messages 返回消息日志副本
// Messages returns a copy of the message log
func (m *Manager) Messages() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.messages...)
}

// MessageAt 按 ts 查找消息
// MessageAt finds a message by ts
func (m *Manager) MessageAt(ts int64) (chat.Message, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.Ts == ts {
			return msg, i, true
		}
	}
	return chat.Message{}, 0, false
}

// OverwriteMessages 整体替换消息日志（检查点恢复截断用）。
// OverwriteMessages replaces the message log wholesale (checkpoint restore).
func (m *Manager) OverwriteMessages(messages []chat.Message) error {
	m.mu.Lock()
	m.messages = append([]chat.Message(nil), messages...)
	if n := len(m.messages); n > 0 && m.messages[n-1].Ts > 0 {
		m.lastTs = m.messages[n-1].Ts
	}
	m.mu.Unlock()
	return m.persistMessages()
}

// persistMessages 落盘消息日志并更新汇总指标记录。
// persistMessages persists the log and upserts the summary metrics record.
func (m *Manager) persistMessages() error {
	m.mu.Lock()
	messages := append([]chat.Message(nil), m.messages...)
	summary := storage.TaskSummary{
		ID:                 m.taskID,
		Task:               m.taskText,
		Ts:                 m.lastTs,
		LastCheckpointHash: m.lastCheckpointHash,
		DeletedRange:       m.deletedRange,
	}
	m.mu.Unlock()

	if err := m.store.SaveMessages(m.taskID, messages); err != nil {
		return fmt.Errorf("persist messages: %w", err)
	}

	metrics := AggregateMetrics(messages)
	summary.TokensIn = metrics.TokensIn
	summary.TokensOut = metrics.TokensOut
	summary.CacheWrites = metrics.CacheWrites
	summary.CacheReads = metrics.CacheReads
	summary.TotalCost = metrics.TotalCost
	summary.SizeBytes = m.sizeOnDisk()
	if err := m.store.UpsertSummary(summary); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// sizeOnDisk 尽力测量；失败只记日志，不中断任务。
// sizeOnDisk is best-effort; failures are log-only and never interrupt
// the task.
func (m *Manager) sizeOnDisk() int64 {
	type pathed interface{ Path() string }
	p, ok := m.store.(pathed)
	if !ok {
		return 0
	}
	info, err := os.Stat(p.Path())
	if err != nil {
		logging.Get().Warn("measure task size", "task", m.taskID, "err", err)
		return 0
	}
	return info.Size()
}
