package generator

import (
	"bytes"
	"strings"
	"sync"
)

// LineWriter splits written bytes into lines for an Execution's Output callback.
type LineWriter struct {
	stream Stream
	emit   func(Stream, string)

	mu      sync.Mutex
	pending []byte
}

// NewLineWriter returns a writer reporting lines of stream to emit.
func NewLineWriter(stream Stream, emit func(Stream, string)) *LineWriter {
	return &LineWriter{stream: stream, emit: emit}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			return len(p), nil
		}
		w.send(string(w.pending[:idx]))
		w.pending = w.pending[idx+1:]
	}
}

// Flush reports a trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) > 0 {
		w.send(string(w.pending))
		w.pending = nil
	}
}

func (w *LineWriter) send(line string) {
	if w.emit != nil {
		w.emit(w.stream, strings.TrimRight(line, "\r"))
	}
}
