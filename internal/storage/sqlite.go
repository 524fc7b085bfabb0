package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentcore/internal/chat"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的持久化实现
// SQLiteStore implements Store using SQLite with WAL mode
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id                   TEXT PRIMARY KEY,
		task                 TEXT NOT NULL DEFAULT '',
		ts                   INTEGER NOT NULL DEFAULT 0,
		tokens_in            INTEGER NOT NULL DEFAULT 0,
		tokens_out           INTEGER NOT NULL DEFAULT 0,
		cache_writes         INTEGER NOT NULL DEFAULT 0,
		cache_reads          INTEGER NOT NULL DEFAULT 0,
		total_cost           REAL NOT NULL DEFAULT 0,
		size_bytes           INTEGER NOT NULL DEFAULT 0,
		last_checkpoint_hash TEXT NOT NULL DEFAULT '',
		deleted_start        INTEGER NOT NULL DEFAULT -1,
		deleted_end          INTEGER NOT NULL DEFAULT -1
	);

	CREATE TABLE IF NOT EXISTS history (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		seq     INTEGER NOT NULL,
		role    TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '[]',
		UNIQUE(task_id, seq)
	);

	CREATE TABLE IF NOT EXISTS messages (
		task_id         TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		ts              INTEGER NOT NULL,
		kind            TEXT NOT NULL,
		subtype         TEXT NOT NULL DEFAULT '',
		text            TEXT NOT NULL DEFAULT '',
		images          TEXT NOT NULL DEFAULT '[]',
		partial         INTEGER NOT NULL DEFAULT 0,
		checkpoint_hash TEXT NOT NULL DEFAULT '',
		history_index   INTEGER NOT NULL DEFAULT 0,
		deleted_start   INTEGER NOT NULL DEFAULT -1,
		deleted_end     INTEGER NOT NULL DEFAULT -1,
		UNIQUE(task_id, ts)
	);

	CREATE INDEX IF NOT EXISTS idx_history_task ON history(task_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path 返回数据库文件路径 / Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Task Summary Operations ---

func (s *SQLiteStore) UpsertSummary(summary TaskSummary) error {
	if strings.TrimSpace(summary.ID) == "" {
		return fmt.Errorf("task id is empty")
	}
	start, end := int64(-1), int64(-1)
	if summary.DeletedRange != nil {
		start, end = int64(summary.DeletedRange.Start), int64(summary.DeletedRange.End)
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, task, ts, tokens_in, tokens_out, cache_writes, cache_reads,
			total_cost, size_bytes, last_checkpoint_hash, deleted_start, deleted_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task=excluded.task, ts=excluded.ts,
			tokens_in=excluded.tokens_in, tokens_out=excluded.tokens_out,
			cache_writes=excluded.cache_writes, cache_reads=excluded.cache_reads,
			total_cost=excluded.total_cost, size_bytes=excluded.size_bytes,
			last_checkpoint_hash=excluded.last_checkpoint_hash,
			deleted_start=excluded.deleted_start, deleted_end=excluded.deleted_end`,
		summary.ID, summary.Task, summary.Ts, summary.TokensIn, summary.TokensOut,
		summary.CacheWrites, summary.CacheReads, summary.TotalCost, summary.SizeBytes,
		summary.LastCheckpointHash, start, end,
	)
	if err != nil {
		return fmt.Errorf("upsert task summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadSummary(taskID string) (TaskSummary, error) {
	row := s.db.QueryRow(`
		SELECT id, task, ts, tokens_in, tokens_out, cache_writes, cache_reads,
			total_cost, size_bytes, last_checkpoint_hash, deleted_start, deleted_end
		FROM tasks WHERE id=?`, taskID)
	summary, err := scanSummary(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return TaskSummary{}, fmt.Errorf("task not found: %s", taskID)
		}
		return TaskSummary{}, fmt.Errorf("load task summary: %w", err)
	}
	return summary, nil
}

func (s *SQLiteStore) ListSummaries() ([]TaskSummary, error) {
	rows, err := s.db.Query(`
		SELECT id, task, ts, tokens_in, tokens_out, cache_writes, cache_reads,
			total_cost, size_bytes, last_checkpoint_hash, deleted_start, deleted_end
		FROM tasks ORDER BY ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var summaries []TaskSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *SQLiteStore) DeleteTask(taskID string) error {
	if _, err := s.db.Exec("DELETE FROM tasks WHERE id=?", taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (TaskSummary, error) {
	var summary TaskSummary
	var start, end int64
	err := row.Scan(&summary.ID, &summary.Task, &summary.Ts,
		&summary.TokensIn, &summary.TokensOut, &summary.CacheWrites, &summary.CacheReads,
		&summary.TotalCost, &summary.SizeBytes, &summary.LastCheckpointHash, &start, &end)
	if err != nil {
		return TaskSummary{}, err
	}
	if start >= 0 && end >= 0 {
		summary.DeletedRange = &chat.DeletedRange{Start: int(start), End: int(end)}
	}
	return summary, nil
}

// --- History Operations ---

func (s *SQLiteStore) SaveHistory(taskID string, history []chat.HistoryMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM history WHERE task_id=?", taskID); err != nil {
		return fmt.Errorf("delete old history: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO history (task_id, seq, role, content) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range history {
		content, marshalErr := json.Marshal(msg.Content)
		if marshalErr != nil {
			return fmt.Errorf("marshal history %d: %w", i, marshalErr)
		}
		if _, err := stmt.Exec(taskID, i, msg.Role, string(content)); err != nil {
			return fmt.Errorf("insert history %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadHistory(taskID string) ([]chat.HistoryMessage, error) {
	rows, err := s.db.Query(`SELECT role, content FROM history WHERE task_id=? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []chat.HistoryMessage
	for rows.Next() {
		var msg chat.HistoryMessage
		var content string
		if err := rows.Scan(&msg.Role, &content); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			continue
		}
		history = append(history, msg)
	}
	return history, rows.Err()
}

// --- Message Log Operations ---

func (s *SQLiteStore) SaveMessages(taskID string, messages []chat.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM messages WHERE task_id=?", taskID); err != nil {
		return fmt.Errorf("delete old messages: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (task_id, ts, kind, subtype, text, images, partial,
			checkpoint_hash, history_index, deleted_start, deleted_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range messages {
		imagesJSON := "[]"
		if len(msg.Images) > 0 {
			data, marshalErr := json.Marshal(msg.Images)
			if marshalErr == nil {
				imagesJSON = string(data)
			}
		}
		subtype := string(msg.Say)
		if msg.Kind == chat.KindAsk {
			subtype = string(msg.Ask)
		}
		start, end := int64(-1), int64(-1)
		if msg.ConversationHistoryDeletedRange != nil {
			start = int64(msg.ConversationHistoryDeletedRange.Start)
			end = int64(msg.ConversationHistoryDeletedRange.End)
		}
		if _, err := stmt.Exec(taskID, msg.Ts, string(msg.Kind), subtype, msg.Text,
			imagesJSON, boolToInt(msg.Partial), msg.LastCheckpointHash,
			msg.ConversationHistoryIndex, start, end); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadMessages(taskID string) ([]chat.Message, error) {
	rows, err := s.db.Query(`
		SELECT ts, kind, subtype, text, images, partial, checkpoint_hash,
			history_index, deleted_start, deleted_end
		FROM messages WHERE task_id=? ORDER BY ts`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var msg chat.Message
		var kind, subtype, imagesJSON string
		var partial int
		var start, end int64
		if err := rows.Scan(&msg.Ts, &kind, &subtype, &msg.Text, &imagesJSON, &partial,
			&msg.LastCheckpointHash, &msg.ConversationHistoryIndex, &start, &end); err != nil {
			continue
		}
		msg.Kind = chat.Kind(kind)
		if msg.Kind == chat.KindAsk {
			msg.Ask = chat.AskKind(subtype)
		} else {
			msg.Say = chat.SayKind(subtype)
		}
		msg.Partial = partial != 0
		if imagesJSON != "" && imagesJSON != "[]" {
			var images []string
			if err := json.Unmarshal([]byte(imagesJSON), &images); err == nil {
				msg.Images = images
			}
		}
		if start >= 0 && end >= 0 {
			msg.ConversationHistoryDeletedRange = &chat.DeletedRange{Start: int(start), End: int(end)}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
