package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RunLog represents a single dispatch-attempt log entry, one per
// handler invocation (not per task — a retried task produces several).
type RunLog struct {
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id"`
	HandlerType  string    `json:"handler_type"`
	Attempt      int       `json:"attempt"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	HalfOpenProbe bool     `json:"half_open_probe,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"`
}

// Logger handles per-run logging, dual-written to the console and,
// when configured, an append-only JSON file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default run logger.
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

// Log writes a run log entry.
func (l *Logger) Log(entry *RunLog) {
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
		probe := ""
		if entry.HalfOpenProbe {
			probe = " [half-open-probe]"
		}
		fmt.Printf("[run] %s %s %s attempt=%d %dms%s\n",
			status, entry.RunID, entry.HandlerType, entry.Attempt, entry.DurationMs, probe)
		if entry.Error != "" {
			fmt.Printf("[run]   error: %s\n", entry.Error)
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
