package task

import (
	"context"

	"agentcore/internal/checkpoint"
	"agentcore/internal/tools"
)

// recordingFiles 在每次写入前为目标文件拍快照，供中止回滚。
// recordingFiles snapshots the target file before every write so an
// abort can roll the edit back.
type recordingFiles struct {
	inner    tools.FileCollaborator
	recorder *checkpoint.Recorder
}

func (f *recordingFiles) ReadFile(ctx context.Context, path string) (string, error) {
	return f.inner.ReadFile(ctx, path)
}

func (f *recordingFiles) WriteFile(ctx context.Context, path, content string) (tools.FileResult, error) {
	f.recorder.Capture(path)
	return f.inner.WriteFile(ctx, path, content)
}

func (f *recordingFiles) ReplaceInFile(ctx context.Context, path, diff string) (tools.FileResult, error) {
	f.recorder.Capture(path)
	return f.inner.ReplaceInFile(ctx, path, diff)
}
