package buildexec

import (
	"bytes"
	"log/slog"
	"sync"
)

const truncatedMarker = "\n[output truncated]\n"

// LogBuffer captures build output up to a limit and mirrors complete lines to a logger
// at debug level. Lines longer than the limit are mirrored in pieces.
// It is safe for concurrent writes.
type LogBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	line      []byte
	log       *slog.Logger
}

func NewLogBuffer(limit int, log *slog.Logger) *LogBuffer {
	return &LogBuffer{limit: limit, log: log}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}

	b.line = append(b.line, p...)
	for {
		i := bytes.IndexByte(b.line, '\n')
		if i < 0 {
			break
		}
		b.logLine(b.line[:i])
		b.line = b.line[i+1:]
	}
	if len(b.line) > b.limit {
		// Output without newlines, progress bars for example.
		b.logLine(b.line)
		b.line = b.line[:0]
	}
	return len(p), nil
}

// Bytes returns the captured output, flushing a pending partial line to the logger.
func (b *LogBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.line) > 0 {
		b.logLine(b.line)
		b.line = nil
	}

	out := bytes.Clone(b.buf.Bytes())
	if b.truncated {
		out = append(out, truncatedMarker...)
	}
	return out
}

func (b *LogBuffer) logLine(line []byte) {
	if b.log != nil {
		b.log.Debug("build output", "line", string(bytes.TrimRight(line, "\r")))
	}
}
