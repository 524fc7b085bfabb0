package storage

import "agentcore/internal/chat"

// TaskSummary 是跨任务列表用的汇总记录，每次消息日志落盘后更新。
// TaskSummary is the cross-task listing record, upserted after every
// persisted message-log write.
type TaskSummary struct {
	ID                 string
	Task               string
	Ts                 int64
	TokensIn           int
	TokensOut          int
	CacheWrites        int
	CacheReads         int
	TotalCost          float64
	SizeBytes          int64
	LastCheckpointHash string
	DeletedRange       *chat.DeletedRange
}

// Store 按任务 id 持久化 model-facing history 与 UI 消息日志
// Store persists the model-facing history and the UI message log per task id
type Store interface {
	UpsertSummary(summary TaskSummary) error
	LoadSummary(taskID string) (TaskSummary, error)
	ListSummaries() ([]TaskSummary, error)
	DeleteTask(taskID string) error

	SaveHistory(taskID string, history []chat.HistoryMessage) error
	LoadHistory(taskID string) ([]chat.HistoryMessage, error)

	SaveMessages(taskID string, messages []chat.Message) error
	LoadMessages(taskID string) ([]chat.Message, error)

	Close() error
}
