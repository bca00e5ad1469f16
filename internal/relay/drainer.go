package relay

import (
	"errors"
	"io"
	"log/slog"
)

// DefaultChunkSize is the maximum number of bytes read from a stream at once.
const DefaultChunkSize = 4096

// Drainer continuously empties one output stream of a child process into a
// ChunkQueue.
type Drainer struct {
	name      string
	src       io.ReadCloser
	queue     *ChunkQueue
	chunkSize int
	done      chan struct{}
	log       *slog.Logger
}

// NewDrainer creates a drainer reading src into queue. Call Run to start it.
func NewDrainer(name string, src io.ReadCloser, queue *ChunkQueue, chunkSize int, log *slog.Logger) *Drainer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Drainer{
		name:      name,
		src:       src,
		queue:     queue,
		chunkSize: chunkSize,
		done:      make(chan struct{}),
		log:       log,
	}
}

// Run reads chunks until the stream reports end-of-data, then closes the
// stream. A read error ends the loop like end-of-stream does.
func (d *Drainer) Run() {
	defer close(d.done)
	defer func() { _ = d.src.Close() }()

	buf := make([]byte, d.chunkSize)
	for {
		n, err := d.src.Read(buf)
		if n > 0 {
			d.queue.Push(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// EIO from a pty master after the child exits lands here too.
				d.log.Debug("Stream read ended with error", "stream", d.name, "error", err)
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

// Done is closed once the stream has been fully read and closed. Every chunk
// the drainer produced is in the queue by then.
func (d *Drainer) Done() <-chan struct{} {
	return d.done
}
