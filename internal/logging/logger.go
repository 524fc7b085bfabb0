package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	logger  *slog.Logger
	logFile *os.File
	mu      sync.RWMutex
)

func init() {
	// 默认丢弃日志，保持 stdio 干净（stdio 被 backend 传输占用）。
	// Discard by default so stdio stays clean for the backend transport.
	logger = slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// EnableFileLogging 将日志写入状态目录下的 agent.log
// EnableFileLogging writes logs to agent.log under the state directory
func EnableFileLogging(stateDir string, level slog.Level) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(stateDir, "agent.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	logger = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	return nil
}

// Get 返回当前 logger
// Get returns the current logger
func Get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Close 关闭日志文件
// Close closes the log file if one is open
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
}
