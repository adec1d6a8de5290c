package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ToolLogger forwards the output of an external tool to a logger line by line.
// Lines are prefixed with the tool name, colored when the terminal supports it.
type ToolLogger struct {
	logger *slog.Logger
	level  slog.Level
	prefix string

	mu      sync.Mutex
	pending []byte
}

var toolColors = map[slog.Level]func(a ...interface{}) string{
	slog.LevelDebug: color.New(color.FgHiBlack).SprintFunc(),
	slog.LevelInfo:  color.New(color.FgCyan).SprintFunc(),
	slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
	slog.LevelError: color.New(color.FgRed).SprintFunc(),
}

// NewToolLogger returns a ToolLogger emitting at level with a "<name>> " prefix.
func NewToolLogger(logger *slog.Logger, name string, level slog.Level) *ToolLogger {
	prefix := name + "> "
	if paint, ok := toolColors[level]; ok {
		prefix = paint(prefix)
	}
	return &ToolLogger{
		logger: Ensure(logger),
		level:  level,
		prefix: prefix,
	}
}

// Line logs a single line of tool output.
func (t *ToolLogger) Line(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	t.logger.Log(context.Background(), t.level, t.prefix+line)
}

// Write implements io.Writer. Partial lines are held until the next newline or Flush.
func (t *ToolLogger) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = append(t.pending, p...)
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			break
		}
		t.Line(string(t.pending[:idx]))
		t.pending = t.pending[idx+1:]
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (t *ToolLogger) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) > 0 {
		t.Line(string(t.pending))
		t.pending = nil
	}
}
