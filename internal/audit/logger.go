package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Entry records one engine round trip. Source text is never written, only
// its length.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	SessionID  string `json:"session_id,omitempty"`
	Project    string `json:"project,omitempty"`
	Command    string `json:"command"`
	Outcome    string `json:"outcome"`
	Bytes      int    `json:"request_bytes"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type Logger struct {
	enabled bool
	path    string
	mu      sync.Mutex
}

func New(enabled bool, path string) *Logger {
	return &Logger{enabled: enabled, path: path}
}

func (l *Logger) Enabled() bool {
	return l != nil && l.enabled && l.path != ""
}

func (l *Logger) Write(entry Entry) {
	if !l.Enabled() {
		return
	}
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(raw)
	_, _ = f.WriteString("\n")
}
