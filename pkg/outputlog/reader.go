package outputlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Reader decodes records from a transcript.
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF after the last one. A truncated or
// malformed record yields an error; reading should stop there.
func (r *Reader) Next() (Chunk, error) {
	var chunk Chunk

	stream, err := r.r.ReadString(' ')
	if err != nil {
		if errors.Is(err, io.EOF) && stream == "" {
			return chunk, io.EOF
		}
		return chunk, fmt.Errorf("reading stream: %w", unexpected(err))
	}
	chunk.Stream = stream[:len(stream)-1]

	timestamp, err := r.r.ReadString(' ')
	if err != nil {
		return chunk, fmt.Errorf("reading timestamp: %w", unexpected(err))
	}
	chunk.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp[:len(timestamp)-1])
	if err != nil {
		return chunk, fmt.Errorf("parsing timestamp: %w", err)
	}

	length, err := r.r.ReadString(':')
	if err != nil {
		return chunk, fmt.Errorf("reading length: %w", unexpected(err))
	}
	n, err := strconv.Atoi(length[:len(length)-1])
	if err != nil || n < 0 {
		return chunk, fmt.Errorf("parsing length %q: invalid", length[:len(length)-1])
	}

	if b, err := r.r.ReadByte(); err != nil || b != ' ' {
		return chunk, fmt.Errorf("expected space after length")
	}

	chunk.Data = make([]byte, n)
	if _, err := io.ReadFull(r.r, chunk.Data); err != nil {
		return chunk, fmt.Errorf("reading content (%d bytes): %w", n, unexpected(err))
	}

	if b, err := r.r.ReadByte(); err != nil || b != '\n' {
		return chunk, fmt.Errorf("expected newline separator")
	}

	return chunk, nil
}

// Channel emits every record and closes when the transcript ends. A
// malformed record is emitted with Error set and ends the stream.
func (r *Reader) Channel() <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for {
			chunk, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				chunk.Error = err
				out <- chunk
				return
			}
			out <- chunk
		}
	}()
	return out
}

// All concatenates the content of each stream.
func (r *Reader) All() (map[string][]byte, error) {
	result := make(map[string][]byte)
	for {
		chunk, err := r.Next()
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, err
		}
		result[chunk.Stream] = append(result[chunk.Stream], chunk.Data...)
	}
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
