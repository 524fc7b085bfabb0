package storage

import (
	"path/filepath"
	"testing"

	"agentcore/internal/chat"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSummaryRoundTrip(t *testing.T) {
	store := newTestStore(t)

	in := TaskSummary{
		ID:                 "t1",
		Task:               "fix the build",
		Ts:                 1700000000000,
		TokensIn:           120,
		TokensOut:          48,
		CacheReads:         30,
		TotalCost:          0.0123,
		SizeBytes:          4096,
		LastCheckpointHash: "abc123",
		DeletedRange:       &chat.DeletedRange{Start: 2, End: 6},
	}
	if err := store.UpsertSummary(in); err != nil {
		t.Fatalf("UpsertSummary() error = %v", err)
	}

	got, err := store.LoadSummary("t1")
	if err != nil {
		t.Fatalf("LoadSummary() error = %v", err)
	}
	if got.Task != in.Task || got.TokensIn != in.TokensIn || got.TotalCost != in.TotalCost {
		t.Fatalf("LoadSummary() = %+v, want %+v", got, in)
	}
	if got.DeletedRange == nil || *got.DeletedRange != *in.DeletedRange {
		t.Fatalf("DeletedRange = %+v, want %+v", got.DeletedRange, in.DeletedRange)
	}

	// 重复 upsert 应覆盖而不是新增。
	// A second upsert overwrites instead of adding a row.
	in.TokensIn = 200
	if err := store.UpsertSummary(in); err != nil {
		t.Fatalf("UpsertSummary() error = %v", err)
	}
	all, err := store.ListSummaries()
	if err != nil {
		t.Fatalf("ListSummaries() error = %v", err)
	}
	if len(all) != 1 || all[0].TokensIn != 200 {
		t.Fatalf("ListSummaries() = %+v, want single updated row", all)
	}
}

func TestListSummariesNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for _, s := range []TaskSummary{
		{ID: "old", Task: "a", Ts: 100},
		{ID: "new", Task: "b", Ts: 300},
		{ID: "mid", Task: "c", Ts: 200},
	} {
		if err := store.UpsertSummary(s); err != nil {
			t.Fatalf("UpsertSummary(%s) error = %v", s.ID, err)
		}
	}

	all, err := store.ListSummaries()
	if err != nil {
		t.Fatalf("ListSummaries() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[1].ID != "mid" || all[2].ID != "old" {
		t.Fatalf("ListSummaries() order = %v", []string{all[0].ID, all[1].ID, all[2].ID})
	}
}

func TestHistoryAndMessagesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertSummary(TaskSummary{ID: "t1", Task: "x", Ts: 1}); err != nil {
		t.Fatalf("UpsertSummary() error = %v", err)
	}

	history := []chat.HistoryMessage{
		chat.TextHistoryMessage("user", "hello"),
		chat.TextHistoryMessage("assistant", "hi"),
	}
	if err := store.SaveHistory("t1", history); err != nil {
		t.Fatalf("SaveHistory() error = %v", err)
	}
	gotHistory, err := store.LoadHistory("t1")
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if len(gotHistory) != 2 || gotHistory[1].Content[0].Text != "hi" {
		t.Fatalf("LoadHistory() = %+v", gotHistory)
	}

	messages := []chat.Message{
		{Ts: 10, Kind: chat.KindSay, Say: chat.SayTask, Text: "x"},
		{Ts: 20, Kind: chat.KindAsk, Ask: chat.AskTool, Text: "approve?"},
	}
	if err := store.SaveMessages("t1", messages); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}
	gotMessages, err := store.LoadMessages("t1")
	if err != nil {
		t.Fatalf("LoadMessages() error = %v", err)
	}
	if len(gotMessages) != 2 || gotMessages[1].Ask != chat.AskTool {
		t.Fatalf("LoadMessages() = %+v", gotMessages)
	}

	// 整体覆盖保存较短日志后不留旧行。
	// Saving a shorter log wholesale leaves no stale rows behind.
	if err := store.SaveMessages("t1", messages[:1]); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}
	gotMessages, err = store.LoadMessages("t1")
	if err != nil {
		t.Fatalf("LoadMessages() error = %v", err)
	}
	if len(gotMessages) != 1 {
		t.Fatalf("LoadMessages() after truncating save = %+v", gotMessages)
	}
}

func TestDeleteTaskRemovesEverything(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertSummary(TaskSummary{ID: "t1", Task: "x", Ts: 1}); err != nil {
		t.Fatalf("UpsertSummary() error = %v", err)
	}
	if err := store.SaveHistory("t1", []chat.HistoryMessage{chat.TextHistoryMessage("user", "hi")}); err != nil {
		t.Fatalf("SaveHistory() error = %v", err)
	}
	if err := store.SaveMessages("t1", []chat.Message{{Ts: 1, Kind: chat.KindSay, Say: chat.SayTask}}); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}

	if err := store.DeleteTask("t1"); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if _, err := store.LoadSummary("t1"); err == nil {
		t.Fatal("LoadSummary() error = nil after delete")
	}
	history, err := store.LoadHistory("t1")
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("LoadHistory() after delete = %+v", history)
	}
}
