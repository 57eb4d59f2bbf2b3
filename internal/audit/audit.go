// Package audit keeps an append-only record of every task fire. The log is
// diagnostic: scheduling correctness never depends on it.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type entry struct {
	FiredAt   string `json:"fired_at"`
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`
}

// Log is an append-only JSONL file of fire records.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates or opens <homeDir>/logs/fires.jsonl for appending.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "fires.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{file: f}, nil
}

// RecordFire appends one (fired_at, task_id) record. Write errors are
// returned so callers can log them, but they are never fatal to a fire.
func (l *Log) RecordFire(taskID, sessionID string, firedAt time.Time) error {
	ev := entry{
		FiredAt:   firedAt.UTC().Format(time.RFC3339Nano),
		TaskID:    taskID,
		SessionID: sessionID,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
