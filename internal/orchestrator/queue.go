package orchestrator

import (
	"sync"

	"simularium/broker/internal/router"
)

// fileQueue is a mutex-guarded FIFO of pending file requests, implementing
// router.FileRequestQueue on the append side and drained by the FileIO
// worker on the pop side.
type fileQueue struct {
	mu      sync.Mutex
	pending []router.FileRequest
}

func newFileQueue() *fileQueue {
	return &fileQueue{}
}

// Enqueue implements router.FileRequestQueue.
func (q *fileQueue) Enqueue(req router.FileRequest) {
	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()
}

// drain removes and returns every request queued so far, in FIFO order.
func (q *fileQueue) drain() []router.FileRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = nil
	return out
}
