package runner

import (
	"bytes"
	"io"
	"sync"
)

// maxPartialLine caps how much of an unterminated line is buffered before it
// is emitted anyway.
const maxPartialLine = 64 * 1024

// lineWriter forwards raw bytes to an optional sink and hands complete lines
// to an optional callback.
type lineWriter struct {
	stream string
	sink   io.Writer
	lines  func(stream, line string)

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineWriter(stream string, sink io.Writer, lines func(stream, line string)) *lineWriter {
	return &lineWriter{stream: stream, sink: sink, lines: lines}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.sink != nil {
		// sink errors (e.g. a full disk) must not kill the child
		_, _ = w.sink.Write(p)
	}
	if w.lines == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		w.lines(w.stream, line)
	}
	if w.buf.Len() > maxPartialLine {
		w.lines(w.stream, w.buf.String())
		w.buf.Reset()
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	if w.lines == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.lines(w.stream, w.buf.String())
		w.buf.Reset()
	}
}
