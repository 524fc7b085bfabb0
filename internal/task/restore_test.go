package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentcore/internal/chat"
	"agentcore/internal/checkpoint"
	"agentcore/internal/state"
	"agentcore/internal/tools"
)

func newCheckpointTask(t *testing.T) (*Task, *state.Manager, *checkpoint.Manager, string) {
	t.Helper()
	if ok, _ := checkpoint.GitAvailable(); !ok {
		t.Skip("git not installed")
	}
	cfg := testConfig(t)
	cfg.Checkpoint.Enabled = true
	cm := checkpoint.NewManager(cfg.WorkspaceRoot, cfg.StateDir, "task-1", nil, 15*time.Second)
	st, err := state.NewManager(newMemoryStore(), "task-1", "test goal")
	if err != nil {
		t.Fatal(err)
	}
	tk := New("task-1", "test goal", Deps{
		Config:        cfg,
		State:         st,
		Responder:     &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{}},
		Backend:       fakeBackend{},
		Provider:      &scriptedProvider{},
		Checkpoints:   cm,
		Collaborators: tools.Collaborators{Files: &testFiles{}},
	})
	return tk, st, cm, cfg.WorkspaceRoot
}

func writeWorkspaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func checkpointMessage(t *testing.T, st *state.Manager, hash string) chat.Message {
	t.Helper()
	msg, err := st.AddMessage(chat.Message{Kind: chat.KindSay, Say: chat.SayCheckpointCreated})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateMessage(msg.Ts, func(m *chat.Message) {
		m.LastCheckpointHash = hash
	}); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestDiffCheckpointAgainstWorkingTree(t *testing.T) {
	tk, st, cm, workspace := newCheckpointTask(t)
	ctx := context.Background()

	writeWorkspaceFile(t, workspace, "a.txt", "old\n")
	hash, err := cm.Save(ctx, "base")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	msg := checkpointMessage(t, st, hash)

	writeWorkspaceFile(t, workspace, "a.txt", "new\n")

	diffs, err := tk.DiffCheckpoint(ctx, msg.Ts, false)
	if err != nil {
		t.Fatalf("DiffCheckpoint() error = %v", err)
	}
	if len(diffs) != 1 || diffs[0].RelPath != "a.txt" {
		t.Fatalf("diffs = %+v, want one entry for a.txt", diffs)
	}
	if diffs[0].After != "new\n" {
		t.Errorf("after = %q, want current working tree content", diffs[0].After)
	}
}

func TestDiffCheckpointSinceLastCompletion(t *testing.T) {
	tk, st, cm, workspace := newCheckpointTask(t)
	ctx := context.Background()

	writeWorkspaceFile(t, workspace, "a.txt", "old\n")
	completionHash, err := cm.Save(ctx, "completion")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	tk.lastCompletionHash = completionHash

	writeWorkspaceFile(t, workspace, "a.txt", "new\n")
	laterHash, err := cm.Save(ctx, "later")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	msg := checkpointMessage(t, st, laterHash)

	diffs, err := tk.DiffCheckpoint(ctx, msg.Ts, true)
	if err != nil {
		t.Fatalf("DiffCheckpoint() error = %v", err)
	}
	if len(diffs) != 1 || diffs[0].RelPath != "a.txt" {
		t.Fatalf("diffs = %+v, want one entry for a.txt", diffs)
	}
}

func TestDiffCheckpointErrors(t *testing.T) {
	tk, st, _, _ := newCheckpointTask(t)
	ctx := context.Background()

	// 消息无检查点哈希。
	// Message without a checkpoint hash.
	msg, err := st.AddMessage(chat.Message{Kind: chat.KindSay, Say: chat.SayText, Text: "plain"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tk.DiffCheckpoint(ctx, msg.Ts, false); err == nil {
		t.Error("expected error for a message without a checkpoint hash")
	}

	// 尚无完成检查点。
	// No completion checkpoint recorded yet.
	withHash := checkpointMessage(t, st, "abc123")
	if _, err := tk.DiffCheckpoint(ctx, withHash.Ts, true); err == nil {
		t.Error("expected error before any completion checkpoint")
	}

	// 不存在的消息时间戳。
	// Nonexistent message timestamp.
	if _, err := tk.DiffCheckpoint(ctx, 1, false); err == nil {
		t.Error("expected error for unknown ts")
	}

	// 检查点整体禁用。
	// Checkpoints disabled entirely.
	prov := &scriptedProvider{}
	responder := &scriptedResponder{responses: map[chat.AskKind][]chat.AskResponse{}}
	plain, _ := newTestTask(t, testConfig(t), prov, responder)
	if _, err := plain.DiffCheckpoint(ctx, withHash.Ts, false); err == nil {
		t.Error("expected error when checkpoints are disabled")
	}
}
