package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DispatchLog represents a single batch-dispatch log entry: one
// Dispatcher.CallFunctions invocation, whether forwarded to a master,
// dispatched across hosts, or served entirely locally.
type DispatchLog struct {
	Timestamp    time.Time `json:"timestamp"`
	AppID        uint32    `json:"app_id"`
	GroupID      uint32    `json:"group_id,omitempty"`
	Function     string    `json:"function"`
	User         string    `json:"user"`
	BatchSize    int       `json:"batch_size"`
	TopologyHint string    `json:"topology_hint"`
	Forwarded    bool      `json:"forwarded,omitempty"`
	ReturnHost   string    `json:"return_host,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
}

// Logger handles dispatch logging: a human-readable console line plus an
// optional JSON file sink, mirrored on the teacher's request logger.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default dispatch logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a dispatch log entry.
func (l *Logger) Log(entry *DispatchLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		forwarded := ""
		if entry.Forwarded {
			forwarded = fmt.Sprintf(" [forwarded->%s]", entry.ReturnHost)
		}
		fmt.Printf("[dispatch] %s app=%d %s/%s n=%d hint=%s %dms%s\n",
			status, entry.AppID, entry.User, entry.Function, entry.BatchSize, entry.TopologyHint, entry.DurationMs, forwarded)
		if entry.Error != "" {
			fmt.Printf("[dispatch]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
