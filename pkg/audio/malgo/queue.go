package malgo

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/micvad/pkg/audio"
)

// queue hands callback chunks to a blocking reader. The producer never
// blocks: when the reader falls queueDepth chunks behind, new chunks are
// dropped and counted.
type queue struct {
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	pending []byte
	dropped atomic.Int64
}

func newQueue(depth int) *queue {
	return &queue{ch: make(chan []byte, depth), done: make(chan struct{})}
}

// push copies chunk into the queue. It is called from the audio thread.
func (q *queue) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	select {
	case <-q.done:
		return
	default:
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case q.ch <- cp:
	default:
		q.dropped.Add(int64(len(cp)))
	}
}

// read blocks until data is queued or the queue is closed. It is not safe
// for concurrent readers.
func (q *queue) read(p []byte) (int, error) {
	if len(q.pending) == 0 {
		select {
		case <-q.done:
			return 0, audio.ErrLineClosed
		case chunk := <-q.ch:
			q.pending = chunk
		}
	}
	n := copy(p, q.pending)
	q.pending = q.pending[n:]
	return n, nil
}

func (q *queue) close() {
	q.once.Do(func() { close(q.done) })
}
