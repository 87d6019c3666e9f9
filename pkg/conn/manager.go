// Package conn owns the outbound connection to the grid coordinator: dialing,
// authentication, heartbeating, stale detection, reconnection with backoff,
// and routing of inbound messages by kind. Exactly one logical session is
// live at a time; all task traffic flows only in the Connected state.
package conn

import (
    "context"
    "crypto/rand"
    "fmt"
    "math/big"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "taskgrid/pkg/crypto/sign"
    "taskgrid/pkg/protocol"
    "taskgrid/pkg/protocol/codec"
    "taskgrid/pkg/transport"
)

// State is the connection lifecycle state.
type State int32

const (
    StateDisconnected State = iota
    StateConnecting
    StateAuthenticating
    StateConnected
    StateReconnecting
    StateClosed
)

func (s State) String() string {
    switch s {
    case StateDisconnected:
        return "disconnected"
    case StateConnecting:
        return "connecting"
    case StateAuthenticating:
        return "authenticating"
    case StateConnected:
        return "connected"
    case StateReconnecting:
        return "reconnecting"
    case StateClosed:
        return "closed"
    default:
        return "unknown"
    }
}

// Options configure a Manager.
type Options struct {
    Transport transport.Transport
    Address   string
    AgentID   string
    Secret    []byte
    Format    protocol.Format // wire format; FormatJSON when zero

    Heartbeat     time.Duration // default 15s
    StaleMultiple int           // missed-heartbeat multiple before teardown; default 3

    ReconnectInitial     time.Duration // default 500ms
    ReconnectMax         time.Duration // default 30s
    ReconnectJitter      time.Duration // default 100ms
    ReconnectMaxAttempts int           // consecutive failures before giving up; 0 = unbounded

    AuthTimeout         time.Duration // default 10s
    SendQueueSize       int           // default 256
    MalformedFrameLimit int           // per session; default 8

    Logger *zap.Logger
}

func (o Options) withDefaults() Options {
    if o.Format == protocol.FormatUnknown {
        o.Format = protocol.FormatJSON
    }
    if o.Heartbeat <= 0 {
        o.Heartbeat = 15 * time.Second
    }
    if o.StaleMultiple <= 0 {
        o.StaleMultiple = 3
    }
    if o.ReconnectInitial <= 0 {
        o.ReconnectInitial = 500 * time.Millisecond
    }
    if o.ReconnectMax <= 0 {
        o.ReconnectMax = 30 * time.Second
    }
    if o.ReconnectJitter < 0 {
        o.ReconnectJitter = 0
    }
    if o.AuthTimeout <= 0 {
        o.AuthTimeout = 10 * time.Second
    }
    if o.SendQueueSize <= 0 {
        o.SendQueueSize = 256
    }
    if o.MalformedFrameLimit <= 0 {
        o.MalformedFrameLimit = 8
    }
    if o.Logger == nil {
        o.Logger = zap.NewNop()
    }
    return o
}

// Handlers receive routed inbound traffic and lifecycle notifications. Task
// and ResultAck are invoked from the read loop, in arrival order.
type Handlers struct {
    Task         func(*protocol.TaskMessage)
    ResultAck    func(taskID string)
    Connected    func(sessionID string)
    Disconnected func()
    Error        func(error)
}

// Manager drives one outbound coordinator connection.
type Manager struct {
    opts     Options
    handlers Handlers
    reg      *codec.Registry
    q        *sendQueue

    state     atomic.Int32
    lastSeen  atomic.Int64 // unix nano of last inbound frame
    sessionID atomic.Value // string

    mu        sync.Mutex
    sess      transport.Session
    runCancel context.CancelFunc
    running   bool
    closed    bool
    wg        sync.WaitGroup
}

// New builds a Manager. Connect must be called to start it.
func New(opts Options, h Handlers) (*Manager, error) {
    opts = opts.withDefaults()
    if opts.Transport == nil {
        return nil, fmt.Errorf("conn: transport is required")
    }
    if opts.Address == "" {
        return nil, fmt.Errorf("conn: address is required")
    }
    if opts.AgentID == "" || len(opts.Secret) == 0 {
        return nil, fmt.Errorf("conn: agent id and secret are required")
    }
    m := &Manager{
        opts:     opts,
        handlers: h,
        reg:      codec.NewRegistry(),
        q:        newSendQueue(opts.SendQueueSize),
    }
    m.sessionID.Store("")
    return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// SessionID returns the identifier of the current session, or "".
func (m *Manager) SessionID() string { return m.sessionID.Load().(string) }

// QueueLen reports buffered outbound frames.
func (m *Manager) QueueLen() int { return m.q.Len() }

// setState never leaves Closed; Close stores it directly.
func (m *Manager) setState(s State) {
    for {
        cur := m.state.Load()
        if State(cur) == StateClosed {
            return
        }
        if m.state.CompareAndSwap(cur, int32(s)) {
            return
        }
    }
}

// Connect starts the connection loop. It returns immediately; the Connected
// handler fires once authentication succeeds. Calling Connect on a closed
// manager returns ErrClosed; on a running one, ErrAlreadyStarted. After a
// fatal authentication rejection the loop stops and Connect may be called
// again with corrected credentials.
func (m *Manager) Connect(ctx context.Context) error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return ErrClosed
    }
    if m.running {
        m.mu.Unlock()
        return ErrAlreadyStarted
    }
    runCtx, cancel := context.WithCancel(ctx)
    m.running = true
    m.runCancel = cancel
    m.wg.Add(1)
    m.mu.Unlock()

    go m.run(runCtx)
    return nil
}

// Send encodes an envelope and buffers it for transmission. Frames buffered
// while not Connected are flushed after reconnection. A full queue drops the
// frame and returns ErrQueueFull.
func (m *Manager) Send(e *protocol.Envelope, cls QueueClass) error {
    frame, err := protocol.EncodeFrame(m.reg, m.opts.Format, e)
    if err != nil {
        return err
    }
    if !m.q.Enqueue(frame, cls) {
        err := &Error{Category: CategoryBackpressure, Message: "outbound queue full, frame dropped", Err: ErrQueueFull}
        m.emitError(err)
        return err
    }
    return nil
}

// SendMessage is a convenience wrapper building the envelope from a body.
func (m *Manager) SendMessage(kind protocol.Kind, taskID string, body any, cls QueueClass) error {
    e, err := protocol.NewEnvelope(m.reg, m.opts.Format, kind, taskID, body)
    if err != nil {
        return err
    }
    return m.Send(e, cls)
}

// Close transitions to Closed from any state, stops all timers and loops, and
// never reconnects afterward.
func (m *Manager) Close() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    cancel := m.runCancel
    sess := m.sess
    m.mu.Unlock()

    m.state.Store(int32(StateClosed))
    m.q.Close()
    if cancel != nil {
        cancel()
    }
    if sess != nil {
        _ = sess.Close()
    }
    m.wg.Wait()
    if m.handlers.Disconnected != nil {
        m.handlers.Disconnected()
    }
    return nil
}

func (m *Manager) emitError(err error) {
    if m.handlers.Error != nil {
        m.handlers.Error(err)
    }
}

func (m *Manager) isClosed() bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.closed
}

// run is the connection loop: dial, authenticate, pump, and on failure back
// off and retry until closed, the context ends, attempts run out, or the
// coordinator rejects the credentials.
func (m *Manager) run(ctx context.Context) {
    defer m.wg.Done()
    defer func() {
        m.mu.Lock()
        m.running = false
        m.mu.Unlock()
    }()

    log := m.opts.Logger
    backoff := m.opts.ReconnectInitial
    attempts := 0

    for {
        if ctx.Err() != nil || m.isClosed() {
            if !m.isClosed() {
                m.setState(StateDisconnected)
            }
            return
        }

        m.setState(StateConnecting)
        dialCtx, cancel := context.WithTimeout(ctx, m.opts.AuthTimeout)
        sess, err := m.opts.Transport.Dial(dialCtx, m.opts.Address)
        cancel()
        if err != nil {
            log.Warn("dial failed", zap.String("addr", m.opts.Address), zap.Error(err))
            m.emitError(&Error{Category: CategoryTransport, Message: "dial failed", Err: err})
            if !m.backoffWait(ctx, &backoff, &attempts) {
                return
            }
            continue
        }

        m.setState(StateAuthenticating)
        sessionID, hbOverride, err := m.authenticate(sess)
        if err != nil {
            _ = sess.Close()
            var authErr *Error
            if e, ok := err.(*Error); ok && e.Category == CategoryAuth {
                authErr = e
            }
            if authErr != nil {
                // Bad credentials are terminal: no retry until the caller
                // reconnects explicitly.
                log.Error("authentication rejected", zap.String("code", authErr.Code))
                m.setState(StateDisconnected)
                m.emitError(authErr)
                return
            }
            log.Warn("authentication failed", zap.Error(err))
            m.emitError(&Error{Category: CategoryTransport, Message: "authentication exchange failed", Err: err})
            if !m.backoffWait(ctx, &backoff, &attempts) {
                return
            }
            continue
        }

        backoff = m.opts.ReconnectInitial
        attempts = 0
        if sessionID == "" {
            sessionID = uuid.NewString()
        }
        heartbeat := m.opts.Heartbeat
        if hbOverride > 0 {
            heartbeat = hbOverride
        }

        m.mu.Lock()
        if m.closed {
            m.mu.Unlock()
            _ = sess.Close()
            return
        }
        m.sess = sess
        m.mu.Unlock()
        m.sessionID.Store(sessionID)
        m.lastSeen.Store(time.Now().UnixNano())
        m.setState(StateConnected)
        log.Info("connected", zap.String("session", sessionID), zap.String("remote", sess.RemoteAddr().String()))
        if m.handlers.Connected != nil {
            m.handlers.Connected(sessionID)
        }

        stop := make(chan struct{})
        var loops sync.WaitGroup
        loops.Add(2)
        go func() { defer loops.Done(); m.writeLoop(sess, stop) }()
        go func() { defer loops.Done(); m.heartbeatLoop(sess, heartbeat, stop) }()

        err = m.readLoop(sess)

        close(stop)
        m.q.Kick()
        _ = sess.Close()
        loops.Wait()
        m.mu.Lock()
        m.sess = nil
        m.mu.Unlock()
        m.sessionID.Store("")

        if ctx.Err() != nil || m.isClosed() {
            if !m.isClosed() {
                m.setState(StateDisconnected)
            }
            return
        }
        log.Warn("session lost", zap.Error(err))
        m.emitError(&Error{Category: CategoryTransport, Message: "session lost", Err: err})
        if !m.backoffWait(ctx, &backoff, &attempts) {
            return
        }
    }
}

// backoffWait sleeps the current backoff (with jitter), doubles it up to the
// max, and enforces the attempt bound. Returns false when the loop must stop.
func (m *Manager) backoffWait(ctx context.Context, backoff *time.Duration, attempts *int) bool {
    *attempts++
    if m.opts.ReconnectMaxAttempts > 0 && *attempts > m.opts.ReconnectMaxAttempts {
        m.setState(StateDisconnected)
        m.emitError(&Error{Category: CategoryTransport, Code: "retries_exhausted",
            Message: fmt.Sprintf("gave up after %d attempts", *attempts-1)})
        if m.handlers.Disconnected != nil {
            m.handlers.Disconnected()
        }
        return false
    }
    m.setState(StateReconnecting)
    d := *backoff + jitter(m.opts.ReconnectJitter)
    select {
    case <-ctx.Done():
        if !m.isClosed() {
            m.setState(StateDisconnected)
        }
        return false
    case <-time.After(d):
    }
    *backoff *= 2
    if *backoff > m.opts.ReconnectMax {
        *backoff = m.opts.ReconnectMax
    }
    return true
}

func jitter(max time.Duration) time.Duration {
    if max <= 0 {
        return 0
    }
    n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
    if err != nil {
        return 0
    }
    return time.Duration(n.Int64())
}

// authenticate sends the auth message on a fresh session and waits for the
// coordinator's verdict. A CategoryAuth error means rejection; any other
// error is a transport-level failure of the exchange.
func (m *Manager) authenticate(sess transport.Session) (sessionID string, heartbeat time.Duration, err error) {
    nonce := make([]byte, 16)
    if _, err := rand.Read(nonce); err != nil {
        return "", 0, err
    }
    ts := time.Now().UnixMilli()
    auth := protocol.Auth{
        AgentID:   m.opts.AgentID,
        Timestamp: ts,
        Nonce:     nonce,
        Proof:     sign.AuthProof(m.opts.Secret, sign.AuthTranscript(m.opts.AgentID, ts, nonce)),
    }
    e, err := protocol.NewEnvelope(m.reg, m.opts.Format, protocol.KindAuth, "", auth)
    if err != nil {
        return "", 0, err
    }
    frame, err := protocol.EncodeFrame(m.reg, m.opts.Format, e)
    if err != nil {
        return "", 0, err
    }
    if err := sess.SendFrame(frame); err != nil {
        return "", 0, err
    }

    type recv struct {
        b   []byte
        err error
    }
    ch := make(chan recv, 1)
    go func() {
        b, err := sess.RecvFrame()
        ch <- recv{b, err}
    }()
    var raw []byte
    select {
    case r := <-ch:
        if r.err != nil {
            return "", 0, r.err
        }
        raw = r.b
    case <-time.After(m.opts.AuthTimeout):
        return "", 0, fmt.Errorf("conn: auth ack timeout")
    }

    env, f, err := protocol.DecodeFrame(m.reg, raw)
    if err != nil {
        return "", 0, err
    }
    switch env.Kind {
    case protocol.KindAuthAck:
        var ack protocol.AuthAck
        if err := protocol.DecodeBody(m.reg, f, env, &ack); err != nil {
            return "", 0, err
        }
        return ack.SessionID, time.Duration(ack.HeartbeatMS) * time.Millisecond, nil
    case protocol.KindAuthReject:
        var rej protocol.AuthReject
        if err := protocol.DecodeBody(m.reg, f, env, &rej); err != nil {
            return "", 0, err
        }
        return "", 0, &Error{Category: CategoryAuth, Code: rej.Code, Message: rej.Reason}
    default:
        return "", 0, fmt.Errorf("conn: unexpected %s during authentication", env.Kind)
    }
}

// readLoop decodes and routes inbound frames until the session fails.
// Malformed frames are dropped and counted; past the configured limit the
// session is treated as broken.
func (m *Manager) readLoop(sess transport.Session) error {
    log := m.opts.Logger
    malformed := 0
    for {
        raw, err := sess.RecvFrame()
        if err != nil {
            return err
        }
        m.lastSeen.Store(time.Now().UnixNano())

        env, f, err := protocol.DecodeFrame(m.reg, raw)
        if err != nil {
            malformed++
            log.Warn("malformed frame dropped", zap.Int("count", malformed), zap.Error(err))
            m.emitError(&Error{Category: CategoryProtocol, Message: "malformed frame", Err: err})
            if malformed >= m.opts.MalformedFrameLimit {
                return fmt.Errorf("conn: malformed frame limit reached (%d)", malformed)
            }
            continue
        }

        switch env.Kind {
        case protocol.KindTask:
            var tm protocol.TaskMessage
            if err := protocol.DecodeBody(m.reg, f, env, &tm); err != nil {
                m.emitError(&Error{Category: CategoryProtocol, Message: "bad task body", Err: err})
                continue
            }
            if tm.TaskID == "" {
                tm.TaskID = env.TaskID
            }
            if m.handlers.Task != nil {
                m.handlers.Task(&tm)
            }
        case protocol.KindResultAck:
            taskID := env.TaskID
            var ack protocol.ResultAck
            if err := protocol.DecodeBody(m.reg, f, env, &ack); err == nil && ack.TaskID != "" {
                taskID = ack.TaskID
            }
            if m.handlers.ResultAck != nil && taskID != "" {
                m.handlers.ResultAck(taskID)
            }
        case protocol.KindHeartbeat:
            // lastSeen already refreshed above
        case protocol.KindError:
            var em protocol.ErrorMessage
            _ = protocol.DecodeBody(m.reg, f, env, &em)
            log.Warn("coordinator error", zap.String("code", em.Code), zap.String("msg", em.Message))
            m.emitError(&Error{Category: CategoryRemote, Code: em.Code, Message: em.Message})
        default:
            log.Debug("ignoring unexpected kind", zap.String("kind", string(env.Kind)))
        }
    }
}

// writeLoop drains the send queue onto the session. A failed send puts the
// frame back at the head of its class for the next session.
func (m *Manager) writeLoop(sess transport.Session, stop <-chan struct{}) {
    for {
        frame, cls, ok := m.q.Dequeue(stop)
        if !ok {
            return
        }
        if err := sess.SendFrame(frame); err != nil {
            m.q.Requeue(frame, cls)
            return
        }
    }
}

// heartbeatLoop sends liveness pings and tears the session down when nothing
// has been received for StaleMultiple intervals.
func (m *Manager) heartbeatLoop(sess transport.Session, interval time.Duration, stop <-chan struct{}) {
    t := time.NewTicker(interval)
    defer t.Stop()
    staleAfter := interval * time.Duration(m.opts.StaleMultiple)
    for {
        select {
        case <-stop:
            return
        case <-t.C:
            idle := time.Since(time.Unix(0, m.lastSeen.Load()))
            if idle > staleAfter {
                m.opts.Logger.Warn("connection stale", zap.Duration("idle", idle))
                _ = sess.Close()
                return
            }
            _ = m.SendMessage(protocol.KindHeartbeat, "", protocol.Heartbeat{Timestamp: time.Now().UnixMilli()}, ClassControl)
        }
    }
}
