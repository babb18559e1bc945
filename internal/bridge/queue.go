package bridge

// pendingQueue buffers microphone frames captured before the upstream
// session finishes opening. It is an explicit bounded FIFO: frames drain
// in arrival order, and once full the oldest frame is dropped so the
// freshest speech survives the wait.
type pendingQueue struct {
	frames  [][]byte
	limit   int
	dropped int
}

func newPendingQueue(limit int) *pendingQueue {
	if limit <= 0 {
		limit = 64
	}
	return &pendingQueue{limit: limit}
}

// Push appends a frame, evicting the oldest one when the queue is full.
// It reports whether an eviction happened.
func (q *pendingQueue) Push(frame []byte) bool {
	evicted := false
	if len(q.frames) >= q.limit {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		q.dropped++
		evicted = true
	}
	q.frames = append(q.frames, frame)
	return evicted
}

// Drain returns all buffered frames in arrival order and empties the queue.
func (q *pendingQueue) Drain() [][]byte {
	out := q.frames
	q.frames = nil
	return out
}

func (q *pendingQueue) Len() int { return len(q.frames) }

// Dropped reports how many frames were evicted since creation.
func (q *pendingQueue) Dropped() int { return q.dropped }

// Clear discards everything without counting evictions.
func (q *pendingQueue) Clear() { q.frames = nil }
