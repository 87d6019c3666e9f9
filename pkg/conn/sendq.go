package conn

import "sync"

// QueueClass orders outbound traffic: control frames (auth, heartbeat) drain
// before results.
type QueueClass int

const (
    ClassControl QueueClass = iota
    ClassResult
    numClasses
)

// sendQueue is a bounded two-class outbound buffer. Strict priority between
// classes, FIFO within a class. Frames survive reconnects: the queue belongs
// to the manager, not to a session.
type sendQueue struct {
    mu     sync.Mutex
    cond   *sync.Cond
    q      [numClasses][][]byte
    size   int
    limit  int
    closed bool
}

func newSendQueue(limit int) *sendQueue {
    q := &sendQueue{limit: limit}
    q.cond = sync.NewCond(&q.mu)
    return q
}

// Enqueue appends a frame. Returns false when the queue is full or closed;
// the caller decides how to surface the drop.
func (q *sendQueue) Enqueue(frame []byte, cls QueueClass) bool {
    q.mu.Lock()
    defer q.mu.Unlock()
    if q.closed || q.size >= q.limit {
        return false
    }
    q.q[cls] = append(q.q[cls], frame)
    q.size++
    q.cond.Signal()
    return true
}

// Requeue puts a frame back at the head of its class after a failed send.
// Ignores the limit so an in-flight frame is never lost to backpressure.
func (q *sendQueue) Requeue(frame []byte, cls QueueClass) {
    q.mu.Lock()
    defer q.mu.Unlock()
    if q.closed {
        return
    }
    q.q[cls] = append([][]byte{frame}, q.q[cls]...)
    q.size++
    q.cond.Signal()
}

// Dequeue blocks for the next frame in priority order. Returns ok=false when
// the stop channel fires or the queue closes.
func (q *sendQueue) Dequeue(stop <-chan struct{}) ([]byte, QueueClass, bool) {
    q.mu.Lock()
    defer q.mu.Unlock()
    for {
        select {
        case <-stop:
            return nil, 0, false
        default:
        }
        for c := QueueClass(0); c < numClasses; c++ {
            if len(q.q[c]) > 0 {
                frame := q.q[c][0]
                q.q[c] = q.q[c][1:]
                q.size--
                return frame, c, true
            }
        }
        if q.closed {
            return nil, 0, false
        }
        q.cond.Wait()
    }
}

// Kick wakes blocked Dequeue callers so they can observe their stop channel.
func (q *sendQueue) Kick() {
    q.mu.Lock()
    q.cond.Broadcast()
    q.mu.Unlock()
}

func (q *sendQueue) Len() int {
    q.mu.Lock()
    defer q.mu.Unlock()
    return q.size
}

func (q *sendQueue) Close() {
    q.mu.Lock()
    q.closed = true
    q.cond.Broadcast()
    q.mu.Unlock()
}
