package relay

import "sync"

// ChunkQueue is an unbounded FIFO of raw byte chunks. It has one producer
// (a Drainer) and one consumer (Relay.Flush) running on different goroutines.
type ChunkQueue struct {
	mu     sync.Mutex
	chunks [][]byte
}

// Push appends a chunk. It never blocks on the consumer.
func (q *ChunkQueue) Push(chunk []byte) {
	q.mu.Lock()
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()
}

// Len returns the number of queued chunks.
func (q *ChunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// PopN removes and returns up to n chunks from the head of the queue, in the
// order they were pushed.
func (q *ChunkQueue) PopN(n int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.chunks) {
		n = len(q.chunks)
	}
	if n <= 0 {
		return nil
	}

	out := make([][]byte, n)
	copy(out, q.chunks[:n])

	// Drop references so popped chunks can be collected.
	clear(q.chunks[:n])
	q.chunks = q.chunks[n:]
	if len(q.chunks) == 0 {
		q.chunks = nil
	}
	return out
}
