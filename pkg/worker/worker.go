// Package worker is the embedding surface of the agent: one Worker wires the
// connection manager, verification pipeline and dispatcher together behind a
// small callback API. Construction is explicit; there is no package-level
// instance.
package worker

import (
    "context"
    "crypto/ed25519"
    "crypto/tls"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "taskgrid/pkg/conn"
    "taskgrid/pkg/dispatch"
    "taskgrid/pkg/ingest"
    "taskgrid/pkg/memstore"
    "taskgrid/pkg/observability"
    "taskgrid/pkg/protocol"
    "taskgrid/pkg/transport"
    "taskgrid/pkg/transport/mem"
    "taskgrid/pkg/transport/quic"
    "taskgrid/pkg/transport/tcp"
    "taskgrid/pkg/verify"
)

// Config carries everything a Worker needs. Zero durations and counts fall
// back to the connection manager and dispatcher defaults.
type Config struct {
    AgentID         string
    Secret          []byte
    CoordinatorAddr string
    Transport       string // "tcp", "quic" or "mem"
    TLS             *tls.Config
    Format          protocol.Format
    SettlementKey   ed25519.PublicKey

    MaxConcurrency      int
    DefaultTaskTimeout  time.Duration
    ResultRetryInterval time.Duration

    Heartbeat            time.Duration
    ReconnectInitial     time.Duration
    ReconnectMax         time.Duration
    ReconnectJitter      time.Duration
    ReconnectMaxAttempts int
    SendQueueSize        int
    MalformedFrameLimit  int

    // Listen-mode ingress.
    ListenAddr  string
    ListenRate  float64
    ListenBurst int

    Logger  *zap.Logger
    Metrics *observability.Metrics

    // DialTransport overrides the Transport kind with a preconstructed
    // transport. Used with mem sessions in tests.
    DialTransport transport.Transport
}

type mode int

const (
    modeIdle mode = iota
    modeConnect
    modeListen
)

// Worker is the agent facade. Callbacks registered before Connect or Listen
// observe the lifecycle; the task handler does the work.
type Worker struct {
    cfg   Config
    log   *zap.Logger
    store *memstore.Store
    pipe  *verify.Pipeline
    disp  *dispatch.Dispatcher

    mu      sync.Mutex
    mode    mode
    mgr     *conn.Manager
    ingress *ingest.Server
    closing bool
    closed  bool

    sessions atomic.Int64

    onTask         dispatch.Handler
    onConnected    func(sessionID string)
    onDisconnected func()
    onContract     func(*protocol.Contract)
    onPayment      func(*protocol.Payment)
    onError        func(error)

    events chan func()
    drain  sync.WaitGroup
}

// New builds a Worker. OnTask must be registered before Connect or Listen.
func New(cfg Config) (*Worker, error) {
    if cfg.AgentID == "" {
        return nil, fmt.Errorf("worker: agent id is required")
    }
    if len(cfg.Secret) == 0 {
        return nil, fmt.Errorf("worker: secret is required")
    }
    if len(cfg.SettlementKey) != ed25519.PublicKeySize {
        return nil, fmt.Errorf("worker: settlement key must be %d bytes", ed25519.PublicKeySize)
    }
    if cfg.Logger == nil {
        cfg.Logger = zap.NewNop()
    }

    w := &Worker{
        cfg:    cfg,
        log:    cfg.Logger,
        store:  memstore.New(memstore.Options{}),
        events: make(chan func(), 128),
    }
    w.pipe = verify.New(cfg.SettlementKey, w.store)

    d, err := dispatch.New(dispatch.Options{
        MaxConcurrency: cfg.MaxConcurrency,
        DefaultTimeout: cfg.DefaultTaskTimeout,
        RetryInterval:  cfg.ResultRetryInterval,
        Logger:         cfg.Logger.Named("dispatch"),
        Metrics:        cfg.Metrics,
        OnError:        func(err error) { w.emitError(err) },
    }, func(ctx context.Context, t *dispatch.Task) ([]byte, error) {
        return w.taskHandler()(ctx, t)
    }, &resultRouter{w: w}, w.store)
    if err != nil {
        return nil, err
    }
    w.disp = d

    w.drain.Add(1)
    go func() {
        defer w.drain.Done()
        for fn := range w.events {
            fn()
        }
    }()
    return w, nil
}

// OnTask registers the task handler. Required before Connect or Listen.
func (w *Worker) OnTask(h dispatch.Handler) {
    w.mu.Lock()
    w.onTask = h
    w.mu.Unlock()
}

// OnConnected registers a session-established observer.
func (w *Worker) OnConnected(fn func(sessionID string)) {
    w.mu.Lock()
    w.onConnected = fn
    w.mu.Unlock()
}

// OnDisconnected registers a session-lost observer.
func (w *Worker) OnDisconnected(fn func()) {
    w.mu.Lock()
    w.onDisconnected = fn
    w.mu.Unlock()
}

// OnContractReceived observes every contract before verification.
func (w *Worker) OnContractReceived(fn func(*protocol.Contract)) {
    w.mu.Lock()
    w.onContract = fn
    w.mu.Unlock()
}

// OnPaymentReceived observes every payment before verification.
func (w *Worker) OnPaymentReceived(fn func(*protocol.Payment)) {
    w.mu.Lock()
    w.onPayment = fn
    w.mu.Unlock()
}

// OnError observes connection, verification and dispatch errors.
func (w *Worker) OnError(fn func(error)) {
    w.mu.Lock()
    w.onError = fn
    w.mu.Unlock()
}

func (w *Worker) taskHandler() dispatch.Handler {
    w.mu.Lock()
    h := w.onTask
    w.mu.Unlock()
    if h == nil {
        return func(ctx context.Context, t *dispatch.Task) ([]byte, error) {
            return nil, fmt.Errorf("no task handler registered")
        }
    }
    return h
}

// Connect dials the coordinator and maintains the session until Close.
// A Worker runs either Connect or Listen, never both.
func (w *Worker) Connect(ctx context.Context) error {
    w.mu.Lock()
    if err := w.startableLocked(); err != nil {
        w.mu.Unlock()
        return err
    }
    tr, err := w.transportLocked()
    if err != nil {
        w.mu.Unlock()
        return err
    }
    mgr, err := conn.New(conn.Options{
        Transport:            tr,
        Address:              w.cfg.CoordinatorAddr,
        AgentID:              w.cfg.AgentID,
        Secret:               w.cfg.Secret,
        Format:               w.cfg.Format,
        Heartbeat:            w.cfg.Heartbeat,
        ReconnectInitial:     w.cfg.ReconnectInitial,
        ReconnectMax:         w.cfg.ReconnectMax,
        ReconnectJitter:      w.cfg.ReconnectJitter,
        ReconnectMaxAttempts: w.cfg.ReconnectMaxAttempts,
        SendQueueSize:        w.cfg.SendQueueSize,
        MalformedFrameLimit:  w.cfg.MalformedFrameLimit,
        Logger:               w.log.Named("conn"),
    }, conn.Handlers{
        Task:      w.handleTask,
        ResultAck: w.disp.HandleAck,
        Connected: func(sessionID string) {
            if w.sessions.Add(1) > 1 {
                w.cfg.Metrics.IncReconnects()
            }
            w.emit(func() {
                if fn := w.connectedFn(); fn != nil {
                    fn(sessionID)
                }
            })
        },
        Disconnected: func() {
            w.emit(func() {
                if fn := w.disconnectedFn(); fn != nil {
                    fn()
                }
            })
        },
        Error: w.connError,
    })
    if err != nil {
        w.mu.Unlock()
        return err
    }
    w.mgr = mgr
    w.mode = modeConnect
    w.mu.Unlock()
    return mgr.Connect(ctx)
}

// Listen serves the HTTP ingress instead of dialing out. Tasks arrive over
// POST and flow through the same verification and dispatch path.
func (w *Worker) Listen(ctx context.Context) error {
    w.mu.Lock()
    if err := w.startableLocked(); err != nil {
        w.mu.Unlock()
        return err
    }
    if w.cfg.ListenAddr == "" {
        w.mu.Unlock()
        return fmt.Errorf("worker: listen address is required")
    }
    srv := ingest.New(ingest.Options{
        Addr:    w.cfg.ListenAddr,
        Rate:    w.cfg.ListenRate,
        Burst:   w.cfg.ListenBurst,
        Logger:  w.log.Named("ingest"),
        Metrics: w.cfg.Metrics,
    }, w.Admit)
    w.ingress = srv
    w.mode = modeListen
    w.mu.Unlock()
    return srv.Start(ctx)
}

// IngressAddr returns the bound listen-mode address, or "" outside listen
// mode.
func (w *Worker) IngressAddr() string {
    w.mu.Lock()
    ingress := w.ingress
    w.mu.Unlock()
    if ingress == nil {
        return ""
    }
    return ingress.Addr()
}

func (w *Worker) startableLocked() error {
    if w.closing || w.closed {
        return fmt.Errorf("worker: closed")
    }
    if w.mode != modeIdle {
        return fmt.Errorf("worker: already started in %s mode", map[mode]string{modeConnect: "connect", modeListen: "listen"}[w.mode])
    }
    if w.onTask == nil {
        return fmt.Errorf("worker: OnTask handler is required")
    }
    return nil
}

func (w *Worker) transportLocked() (transport.Transport, error) {
    if w.cfg.DialTransport != nil {
        return w.cfg.DialTransport, nil
    }
    switch w.cfg.Transport {
    case "", "tcp":
        if w.cfg.TLS != nil {
            return tcp.NewTLS(w.cfg.TLS), nil
        }
        return tcp.New(), nil
    case "quic":
        return quic.New(), nil
    case "mem":
        return mem.New(), nil
    default:
        return nil, fmt.Errorf("worker: unknown transport %q", w.cfg.Transport)
    }
}

// handleTask is the connection's task sink: observe, verify, dispatch.
func (w *Worker) handleTask(tm *protocol.TaskMessage) {
    c, pay := tm.Contract, tm.Payment
    w.emit(func() {
        if fn := w.contractFn(); fn != nil {
            fn(&c)
        }
    })
    w.emit(func() {
        if fn := w.paymentFn(); fn != nil {
            fn(&pay)
        }
    })
    w.Admit(tm)
}

// Admit runs verification and, on success, hands the task to the dispatcher.
// Rejections are reported back as a failed result carrying the reason.
// Redeliveries of tracked or acknowledged tasks short-circuit before
// verification so a coordinator retry is answered with the cached result
// rather than a replay rejection.
func (w *Worker) Admit(tm *protocol.TaskMessage) verify.Reason {
    if w.disp.Redeliver(tm.TaskID) {
        return verify.ReasonNone
    }
    reason := w.pipe.Verify(&tm.Contract, &tm.Payment)
    if reason != verify.ReasonNone {
        w.cfg.Metrics.IncVerifyRejected(reason.String())
        w.log.Warn("task rejected",
            zap.String("task", tm.TaskID),
            zap.String("reason", reason.String()))
        w.sendRejection(tm.TaskID, reason)
        w.emitError(fmt.Errorf("task %s rejected: %s", tm.TaskID, reason))
        return reason
    }
    t := &dispatch.Task{
        ID:          tm.TaskID,
        Description: tm.Description,
        Contract:    tm.Contract,
        Payment:     tm.Payment,
    }
    if err := w.disp.Submit(t); err != nil {
        w.emitError(err)
    }
    return verify.ReasonNone
}

func (w *Worker) sendRejection(taskID string, reason verify.Reason) {
    res := &protocol.ResultMessage{
        TaskID:      taskID,
        Success:     false,
        ErrorDetail: "task rejected before execution",
        Reason:      reason.String(),
    }
    r := &resultRouter{w: w}
    if err := r.SendMessage(protocol.KindResult, taskID, res, conn.ClassResult); err != nil {
        w.log.Warn("rejection result not sent", zap.String("task", taskID), zap.Error(err))
    }
}

// Callback slots are read under the lock at delivery time so registration
// before start never races the drain goroutine.
func (w *Worker) connectedFn() func(string) {
    w.mu.Lock()
    defer w.mu.Unlock()
    return w.onConnected
}

func (w *Worker) disconnectedFn() func() {
    w.mu.Lock()
    defer w.mu.Unlock()
    return w.onDisconnected
}

func (w *Worker) contractFn() func(*protocol.Contract) {
    w.mu.Lock()
    defer w.mu.Unlock()
    return w.onContract
}

func (w *Worker) paymentFn() func(*protocol.Payment) {
    w.mu.Lock()
    defer w.mu.Unlock()
    return w.onPayment
}

func (w *Worker) errorFn() func(error) {
    w.mu.Lock()
    defer w.mu.Unlock()
    return w.onError
}

// emit queues an observer invocation. A full queue drops the event rather
// than stalling the read loop. The enqueue happens under the lock so Close
// cannot close the channel mid-send.
func (w *Worker) emit(fn func()) {
    w.mu.Lock()
    defer w.mu.Unlock()
    if w.closed {
        return
    }
    select {
    case w.events <- fn:
    default:
        w.log.Warn("observer queue full, event dropped")
    }
}

func (w *Worker) emitError(err error) {
    if err == nil {
        return
    }
    w.emit(func() {
        if fn := w.errorFn(); fn != nil {
            fn(err)
        }
    })
}

// connError counts backpressure drops before handing the error to observers.
func (w *Worker) connError(err error) {
    var ce *conn.Error
    if errors.As(err, &ce) && ce.Category == conn.CategoryBackpressure {
        w.cfg.Metrics.IncQueueDrops()
    }
    w.emitError(err)
}

// Close tears everything down: connection, ingress, dispatcher, observer
// queue. Idempotent. The observer queue stays open while the connection
// shuts down so the final disconnect event still reaches OnDisconnected;
// buffered events are drained before the queue closes.
func (w *Worker) Close() error {
    w.mu.Lock()
    if w.closing {
        w.mu.Unlock()
        return nil
    }
    w.closing = true
    mgr := w.mgr
    ingress := w.ingress
    w.mu.Unlock()

    if mgr != nil {
        _ = mgr.Close() // fires Disconnected, queued for the drain below
    }
    if ingress != nil {
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        _ = ingress.Shutdown(ctx)
        cancel()
    }
    w.disp.Close()

    w.mu.Lock()
    w.closed = true
    w.mu.Unlock()
    close(w.events)
    w.drain.Wait()
    w.store.Close()
    return nil
}

// resultRouter routes dispatcher output to the live session in connect mode.
// In listen mode there is no return channel; results are logged and
// self-acknowledged so the dispatcher can retire them.
type resultRouter struct {
    w *Worker
}

func (r *resultRouter) SendMessage(kind protocol.Kind, taskID string, body any, cls conn.QueueClass) error {
    r.w.mu.Lock()
    mgr, m := r.w.mgr, r.w.mode
    r.w.mu.Unlock()
    if mgr != nil {
        return mgr.SendMessage(kind, taskID, body, cls)
    }
    if m == modeListen {
        if res, ok := body.(*protocol.ResultMessage); ok {
            r.w.log.Info("result settled locally",
                zap.String("task", res.TaskID),
                zap.Bool("success", res.Success))
            r.w.disp.HandleAck(res.TaskID)
        }
        return nil
    }
    return fmt.Errorf("worker: no active session")
}
