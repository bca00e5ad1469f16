package outputlog

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Writer encodes chunks onto an io.Writer. A single goroutine owns the
// underlying writer, so Write may be used concurrently.
type Writer struct {
	chunks  chan Chunk
	done    chan struct{}
	onError func(error)

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts the writer goroutine. onError, if not nil, receives write
// errors of the underlying writer; the goroutine keeps draining either way.
func NewWriter(w io.Writer, onError func(error)) *Writer {
	ow := &Writer{
		chunks:  make(chan Chunk, 100),
		done:    make(chan struct{}),
		onError: onError,
	}

	go func() {
		defer close(ow.done)
		for chunk := range ow.chunks {
			if _, err := w.Write(FormatChunk(chunk)); err != nil && ow.onError != nil {
				ow.onError(err)
			}
		}
	}()

	return ow
}

// Write records data on stream with the current time. Empty data is skipped.
func (w *Writer) Write(stream string, data []byte) error {
	if !ValidStream(stream) {
		return fmt.Errorf("invalid stream name %q", stream)
	}
	if len(data) == 0 {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("outputlog writer is closed")
	}

	w.chunks <- Chunk{
		Stream:    stream,
		Timestamp: time.Now().UTC(),
		Data:      append([]byte(nil), data...),
	}
	return nil
}

// WriteString is Write for text.
func (w *Writer) WriteString(stream, text string) error {
	return w.Write(stream, []byte(text))
}

// Close flushes pending chunks and stops the goroutine.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.chunks)
	w.mu.Unlock()

	<-w.done
}
