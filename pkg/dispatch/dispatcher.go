// Package dispatch tracks in-flight tasks, runs the caller's handler under a
// per-task deadline, and relays results to the coordinator until they are
// acknowledged. Admission order is FIFO, bounded by a concurrency limit;
// completion order is whatever the handlers make of it.
package dispatch

import (
    "context"
    "encoding/json"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "taskgrid/pkg/conn"
    "taskgrid/pkg/memstore"
    "taskgrid/pkg/observability"
    "taskgrid/pkg/protocol"
)

// Task is one verified unit of work.
type Task struct {
    ID          string
    Description []byte
    Contract    protocol.Contract
    Payment     protocol.Payment
    ArrivedAt   time.Time
    Deadline    time.Time
}

// Handler is the caller's task logic. It must honor ctx, which carries the
// task deadline; the dispatcher does not forcibly terminate a runaway
// handler, it only discards its late output.
type Handler func(ctx context.Context, t *Task) ([]byte, error)

// Sender is the slice of the connection manager the dispatcher needs.
type Sender interface {
    SendMessage(kind protocol.Kind, taskID string, body any, cls conn.QueueClass) error
}

// Options configure a Dispatcher.
type Options struct {
    MaxConcurrency int           // default 4
    DefaultTimeout time.Duration // per-task ceiling when the contract allows more; default 60s
    RetryInterval  time.Duration // unacked result resend cadence; default 2s
    AckedTTL       time.Duration // post-ack dedup window floor; default 1m
    Logger         *zap.Logger
    Metrics        *observability.Metrics
    OnError        func(error)
}

func (o Options) withDefaults() Options {
    if o.MaxConcurrency <= 0 {
        o.MaxConcurrency = 4
    }
    if o.DefaultTimeout <= 0 {
        o.DefaultTimeout = 60 * time.Second
    }
    if o.RetryInterval <= 0 {
        o.RetryInterval = 2 * time.Second
    }
    if o.AckedTTL <= 0 {
        o.AckedTTL = time.Minute
    }
    if o.Logger == nil {
        o.Logger = zap.NewNop()
    }
    return o
}

type entry struct {
    task   *Task
    result *protocol.ResultMessage // cached once the handler settles
    acked  bool
    ackCh  chan struct{}
}

// Dispatcher owns the in-flight task table. The table is mutex-guarded
// because the HTTP ingress submits concurrently with the connection's read
// loop.
type Dispatcher struct {
    opts    Options
    handler Handler
    sender  Sender
    acked   *memstore.Store

    rootCtx context.Context
    cancel  context.CancelFunc

    mu       sync.Mutex
    inflight map[string]*entry
    pending  []*entry
    active   int
    closed   bool
    wg       sync.WaitGroup

    nowFn func() time.Time
}

// New builds a Dispatcher. acked holds task ids whose results were already
// acknowledged, so post-ack redeliveries resend the cached result instead of
// re-running the handler.
func New(opts Options, handler Handler, sender Sender, acked *memstore.Store) (*Dispatcher, error) {
    if handler == nil {
        return nil, fmt.Errorf("dispatch: handler is required")
    }
    if sender == nil {
        return nil, fmt.Errorf("dispatch: sender is required")
    }
    if acked == nil {
        return nil, fmt.Errorf("dispatch: acked store is required")
    }
    ctx, cancel := context.WithCancel(context.Background())
    return &Dispatcher{
        opts:     opts.withDefaults(),
        handler:  handler,
        sender:   sender,
        acked:    acked,
        rootCtx:  ctx,
        cancel:   cancel,
        inflight: make(map[string]*entry),
        nowFn:    time.Now,
    }, nil
}

// SetNow overrides the clock; tests only.
func (d *Dispatcher) SetNow(fn func() time.Time) { d.nowFn = fn }

// InFlight returns the number of tracked tasks (running, queued, or awaiting
// acknowledgment).
func (d *Dispatcher) InFlight() int {
    d.mu.Lock()
    defer d.mu.Unlock()
    return len(d.inflight)
}

// Submit admits a task. Redelivery of a known task id never re-invokes the
// handler: a cached result is re-sent, a still-running handler keeps running.
func (d *Dispatcher) Submit(t *Task) error {
    if t.ID == "" {
        return fmt.Errorf("dispatch: task id is required")
    }
    now := d.nowFn()
    if t.ArrivedAt.IsZero() {
        t.ArrivedAt = now
    }
    if t.Deadline.IsZero() {
        t.Deadline = deadlineFor(t, now, d.opts.DefaultTimeout)
    }

    d.mu.Lock()
    if d.closed {
        d.mu.Unlock()
        return fmt.Errorf("dispatch: dispatcher closed")
    }
    d.mu.Unlock()

    if d.Redeliver(t.ID) {
        return nil
    }

    e := &entry{task: t, ackCh: make(chan struct{})}
    d.mu.Lock()
    if _, ok := d.inflight[t.ID]; ok { // lost a race with a concurrent ingress submit
        d.mu.Unlock()
        return nil
    }
    d.inflight[t.ID] = e
    d.pending = append(d.pending, e)
    d.admitLocked()
    d.mu.Unlock()
    return nil
}

// Redeliver reports whether the task id is already tracked or was already
// acknowledged, re-sending the cached result when one exists. A running
// handler is left alone and never re-invoked.
func (d *Dispatcher) Redeliver(taskID string) bool {
    d.mu.Lock()
    e, tracked := d.inflight[taskID]
    var res *protocol.ResultMessage
    if tracked {
        res = e.result
    }
    d.mu.Unlock()
    if tracked {
        if res != nil {
            d.opts.Logger.Debug("redelivery, re-sending cached result", zap.String("task", taskID))
            d.sendResult(res)
        }
        return true
    }
    if raw, ok := d.acked.Get(ackedKey(taskID)); ok {
        var cached protocol.ResultMessage
        if json.Unmarshal(raw, &cached) == nil {
            d.opts.Logger.Debug("redelivery of acked task, re-sending result", zap.String("task", taskID))
            d.sendResult(&cached)
        }
        return true
    }
    return false
}

// deadlineFor derives the task deadline from the contract expiry, capped by
// the configured default timeout.
func deadlineFor(t *Task, now time.Time, def time.Duration) time.Time {
    dl := now.Add(def)
    if t.Contract.ExpiresAt > 0 {
        if exp := time.UnixMilli(t.Contract.ExpiresAt); exp.Before(dl) {
            dl = exp
        }
    }
    return dl
}

// admitLocked starts queued tasks while slots are free. Caller holds d.mu.
func (d *Dispatcher) admitLocked() {
    for d.active < d.opts.MaxConcurrency && len(d.pending) > 0 {
        e := d.pending[0]
        d.pending = d.pending[1:]
        d.active++
        d.wg.Add(1)
        go d.run(e)
    }
}

// run executes one task: handler under deadline, result caching, and the
// acknowledged-send loop. Handler failures never escape this goroutine.
func (d *Dispatcher) run(e *entry) {
    defer d.wg.Done()
    t := e.task
    log := d.opts.Logger
    d.opts.Metrics.IncDispatched()

    ctx, cancel := context.WithDeadline(d.rootCtx, t.Deadline)
    output, err := d.invoke(ctx, t)
    cancel()

    res := &protocol.ResultMessage{TaskID: t.ID, Success: err == nil, Output: output}
    if err != nil {
        res.Output = nil
        res.ErrorDetail = err.Error()
        d.opts.Metrics.IncFailed()
        log.Warn("task failed", zap.String("task", t.ID), zap.Error(err))
    } else {
        d.opts.Metrics.IncCompleted()
        log.Info("task completed", zap.String("task", t.ID))
    }

    d.mu.Lock()
    e.result = res
    d.active--
    d.admitLocked()
    d.mu.Unlock()

    d.deliver(e, res)
}

// invoke runs the handler isolated from the dispatcher: panics become
// errors, and an exceeded deadline fails the task exactly once while the
// runaway handler's eventual output is discarded.
func (d *Dispatcher) invoke(ctx context.Context, t *Task) ([]byte, error) {
    type outcome struct {
        output []byte
        err    error
    }
    done := make(chan outcome, 1)
    go func() {
        defer func() {
            if r := recover(); r != nil {
                done <- outcome{nil, fmt.Errorf("handler panic: %v", r)}
            }
        }()
        out, err := d.handler(ctx, t)
        done <- outcome{out, err}
    }()
    select {
    case o := <-done:
        return o.output, o.err
    case <-ctx.Done():
        return nil, fmt.Errorf("task deadline exceeded: %w", ctx.Err())
    }
}

// deliver sends the result and resends it on the retry cadence until the
// coordinator acknowledges or the task deadline passes.
func (d *Dispatcher) deliver(e *entry, res *protocol.ResultMessage) {
    t := e.task
    d.sendResult(res)

    ticker := time.NewTicker(d.opts.RetryInterval)
    defer ticker.Stop()
    for {
        select {
        case <-e.ackCh:
            d.finishAcked(e, res)
            return
        case <-d.rootCtx.Done():
            d.remove(t.ID)
            return
        case <-ticker.C:
            if !d.nowFn().Before(t.Deadline) {
                d.remove(t.ID)
                d.emitError(fmt.Errorf("dispatch: result for task %s unacknowledged at deadline", t.ID))
                return
            }
            d.sendResult(res)
        }
    }
}

func (d *Dispatcher) finishAcked(e *entry, res *protocol.ResultMessage) {
    ttl := d.opts.AckedTTL
    if exp := time.UnixMilli(e.task.Contract.ExpiresAt); e.task.Contract.ExpiresAt > 0 {
        if rem := exp.Sub(d.nowFn()); rem > ttl {
            ttl = rem
        }
    }
    if raw, err := json.Marshal(res); err == nil {
        d.acked.Set(ackedKey(e.task.ID), raw, ttl)
    }
    d.remove(e.task.ID)
}

func (d *Dispatcher) remove(taskID string) {
    d.mu.Lock()
    delete(d.inflight, taskID)
    d.mu.Unlock()
}

func (d *Dispatcher) sendResult(res *protocol.ResultMessage) {
    if err := d.sender.SendMessage(protocol.KindResult, res.TaskID, res, conn.ClassResult); err != nil {
        d.opts.Logger.Warn("result send deferred", zap.String("task", res.TaskID), zap.Error(err))
    }
}

func (d *Dispatcher) emitError(err error) {
    if d.opts.OnError != nil {
        d.opts.OnError(err)
    }
}

// HandleAck marks a task's result as received by the coordinator.
func (d *Dispatcher) HandleAck(taskID string) {
    d.mu.Lock()
    e, ok := d.inflight[taskID]
    if ok && !e.acked {
        e.acked = true
        close(e.ackCh)
    }
    d.mu.Unlock()
}

// Close stops admission, cancels handler contexts, and waits for in-flight
// goroutines to settle.
func (d *Dispatcher) Close() {
    d.mu.Lock()
    if d.closed {
        d.mu.Unlock()
        return
    }
    d.closed = true
    d.pending = nil
    d.mu.Unlock()
    d.cancel()
    d.wg.Wait()
}

func ackedKey(taskID string) string { return "acked:" + taskID }
