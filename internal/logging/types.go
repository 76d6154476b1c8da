package logging

import (
	"sync"

	"github.com/rs/zerolog"
)

type Logger struct {
	mu   sync.RWMutex
	zlog *zerolog.Logger
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Level    string
	Message  string
	Workflow string
	RunID    string
	Err      error
	Fields   map[string]any
	logger   *Logger
}
