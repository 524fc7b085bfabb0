package state

import (
	"fmt"
	"os"

	"agentcore/internal/checkpoint"
	"agentcore/internal/storage"
)

// ListTasks 返回跨任务汇总列表，按时间倒序。
// ListTasks returns the cross-task summary listing, newest first.
func ListTasks(store storage.Store) ([]storage.TaskSummary, error) {
	return store.ListSummaries()
}

// DeleteTask 删除任务的全部持久化数据，含影子检查点仓库。
// DeleteTask removes all of a task's persisted data, including its
// shadow checkpoint repository.
func DeleteTask(store storage.Store, stateDir, taskID string) error {
	if err := store.DeleteTask(taskID); err != nil {
		return fmt.Errorf("delete task records: %w", err)
	}
	if err := os.RemoveAll(checkpoint.TaskDir(stateDir, taskID)); err != nil {
		return fmt.Errorf("delete task checkpoints: %w", err)
	}
	return nil
}
