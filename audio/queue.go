package audio

import "sync"

// pcmQueue is the buffer between the session's receiver goroutine and the
// device callback. Reads that find it empty return silence.
type pcmQueue struct {
	mu  sync.Mutex
	buf []byte
}

func (q *pcmQueue) push(pcm []byte) {
	q.mu.Lock()
	q.buf = append(q.buf, pcm...)
	q.mu.Unlock()
}

func (q *pcmQueue) clear() {
	q.mu.Lock()
	q.buf = nil
	q.mu.Unlock()
}

func (q *pcmQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// fill copies queued bytes into out and zero-fills the rest.
func (q *pcmQueue) fill(out []byte) int {
	q.mu.Lock()
	n := copy(out, q.buf)
	q.buf = q.buf[n:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	q.mu.Unlock()
	clear(out[n:])
	return n
}
