package relay

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkQueue_FIFO(t *testing.T) {
	q := &ChunkQueue{}
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))

	require.Equal(t, 3, q.Len())
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, q.PopN(2))
	require.Equal(t, 1, q.Len())
	require.Equal(t, [][]byte{[]byte("c")}, q.PopN(5))
	require.Nil(t, q.PopN(1))
	require.Equal(t, 0, q.Len())
}

func TestChunkQueue_PopZero(t *testing.T) {
	q := &ChunkQueue{}
	q.Push([]byte("x"))
	require.Nil(t, q.PopN(0))
	require.Equal(t, 1, q.Len())
}

func TestChunkQueue_ConcurrentProducerConsumer(t *testing.T) {
	q := &ChunkQueue{}
	const total = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.Push([]byte(strconv.Itoa(i)))
		}
	}()

	var got [][]byte
	for len(got) < total {
		got = append(got, q.PopN(q.Len())...)
	}
	wg.Wait()

	require.Len(t, got, total)
	for i, chunk := range got {
		require.Equal(t, strconv.Itoa(i), string(chunk))
	}
}

// stepReader returns its parts one Read at a time, then err.
type stepReader struct {
	parts  []string
	err    error
	closed bool
}

func (r *stepReader) Read(p []byte) (int, error) {
	if len(r.parts) == 0 {
		return 0, r.err
	}
	n := copy(p, r.parts[0])
	r.parts = r.parts[1:]
	return n, nil
}

func (r *stepReader) Close() error {
	r.closed = true
	return nil
}

func TestDrainer_ReadsUntilEOFAndCloses(t *testing.T) {
	src := &stepReader{parts: []string{"one", "two", "three"}, err: io.EOF}
	q := &ChunkQueue{}
	d := NewDrainer("stdout", src, q, 0, nil)

	d.Run()

	<-d.Done()
	require.True(t, src.closed)
	chunks := q.PopN(q.Len())
	require.Equal(t, "onetwothree", string(bytes.Join(chunks, nil)))
	require.Len(t, chunks, 3)
}

func TestDrainer_ReadErrorEndsStream(t *testing.T) {
	src := &stepReader{parts: []string{"partial"}, err: errors.New("input/output error")}
	q := &ChunkQueue{}
	d := NewDrainer("stderr", src, q, 8, nil)

	d.Run()

	require.True(t, src.closed)
	require.Equal(t, [][]byte{[]byte("partial")}, q.PopN(q.Len()))
}

func TestDrainer_ChunkSizeBoundsReads(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 10000)
	q := &ChunkQueue{}
	d := NewDrainer("stdout", io.NopCloser(bytes.NewReader(data)), q, 4096, nil)

	go d.Run()
	<-d.Done()

	chunks := q.PopN(q.Len())
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 4096)
	require.Len(t, chunks[1], 4096)
	require.Len(t, chunks[2], 10000-2*4096)
}

func TestTextDecoder_HoldsBackPartialRune(t *testing.T) {
	d := newTextDecoder()
	euro := []byte("€") // three bytes

	require.Equal(t, "a", d.decode(append([]byte("a"), euro[:2]...), false))
	require.True(t, d.hasPending())
	require.Equal(t, "€b", d.decode(append(euro[2:], 'b'), false))
	require.False(t, d.hasPending())
}

func TestTextDecoder_ReplacesInvalidBytes(t *testing.T) {
	d := newTextDecoder()
	require.Equal(t, "a�b", d.decode([]byte{'a', 0xff, 'b'}, false))
}

func TestTextDecoder_TruncatedRuneAtEOF(t *testing.T) {
	d := newTextDecoder()
	euro := []byte("€")

	require.Equal(t, "", d.decode(euro[:1], false))
	require.Equal(t, "�", d.decode(nil, true))
	require.False(t, d.hasPending())
}
