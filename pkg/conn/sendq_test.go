package conn

import (
    "testing"
    "time"
)

func TestSendQueuePriorityAndOrder(t *testing.T) {
    q := newSendQueue(8)
    q.Enqueue([]byte("r1"), ClassResult)
    q.Enqueue([]byte("r2"), ClassResult)
    q.Enqueue([]byte("c1"), ClassControl)

    stop := make(chan struct{})
    want := []string{"c1", "r1", "r2"}
    for _, w := range want {
        b, _, ok := q.Dequeue(stop)
        if !ok { t.Fatalf("queue drained early") }
        if string(b) != w { t.Fatalf("got %q want %q", b, w) }
    }
}

func TestSendQueueBounded(t *testing.T) {
    q := newSendQueue(2)
    if !q.Enqueue([]byte("a"), ClassResult) || !q.Enqueue([]byte("b"), ClassResult) {
        t.Fatalf("enqueue under limit failed")
    }
    if q.Enqueue([]byte("c"), ClassResult) {
        t.Fatalf("enqueue over limit accepted")
    }
    if q.Len() != 2 { t.Fatalf("len = %d", q.Len()) }
}

func TestSendQueueRequeueIgnoresLimit(t *testing.T) {
    q := newSendQueue(1)
    q.Enqueue([]byte("a"), ClassResult)
    q.Requeue([]byte("front"), ClassResult)
    b, _, _ := q.Dequeue(make(chan struct{}))
    if string(b) != "front" { t.Fatalf("got %q", b) }
}

func TestSendQueueStopUnblocks(t *testing.T) {
    q := newSendQueue(4)
    stop := make(chan struct{})
    done := make(chan bool, 1)
    go func() {
        _, _, ok := q.Dequeue(stop)
        done <- ok
    }()
    close(stop)
    q.Kick()
    select {
    case ok := <-done:
        if ok { t.Fatalf("dequeue returned item after stop") }
    case <-time.After(time.Second):
        t.Fatalf("dequeue did not unblock")
    }
}

func TestSendQueueCloseUnblocks(t *testing.T) {
    q := newSendQueue(4)
    done := make(chan bool, 1)
    go func() {
        _, _, ok := q.Dequeue(make(chan struct{}))
        done <- ok
    }()
    q.Close()
    select {
    case ok := <-done:
        if ok { t.Fatalf("dequeue returned item after close") }
    case <-time.After(time.Second):
        t.Fatalf("dequeue did not unblock")
    }
    if q.Enqueue([]byte("x"), ClassControl) { t.Fatalf("enqueue after close accepted") }
}
