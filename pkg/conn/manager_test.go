package conn

import (
    "context"
    "testing"
    "time"

    "taskgrid/pkg/crypto/sign"
    "taskgrid/pkg/protocol"
    "taskgrid/pkg/protocol/codec"
    "taskgrid/pkg/transport"
    "taskgrid/pkg/transport/mem"
)

const (
    testAgent  = "agent-1"
    testSecret = "shhh"
)

// stubCoord is a minimal coordinator endpoint over the mem transport.
type stubCoord struct {
    t   *testing.T
    reg *codec.Registry
    l   transport.Listener
}

func newStubCoord(t *testing.T, ctx context.Context, tr *mem.Transport, name string) *stubCoord {
    t.Helper()
    l, err := tr.Listen(ctx, name)
    if err != nil { t.Fatalf("listen: %v", err) }
    return &stubCoord{t: t, reg: codec.NewRegistry(), l: l}
}

func (c *stubCoord) accept(ctx context.Context) transport.Session {
    c.t.Helper()
    actx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    s, err := c.l.Accept(actx)
    if err != nil { c.t.Fatalf("accept: %v", err) }
    return s
}

func (c *stubCoord) recv(s transport.Session) (*protocol.Envelope, protocol.Format) {
    c.t.Helper()
    raw, err := s.RecvFrame()
    if err != nil { c.t.Fatalf("coord recv: %v", err) }
    env, f, err := protocol.DecodeFrame(c.reg, raw)
    if err != nil { c.t.Fatalf("coord decode: %v", err) }
    return env, f
}

func (c *stubCoord) send(s transport.Session, kind protocol.Kind, taskID string, body any) {
    c.t.Helper()
    e, err := protocol.NewEnvelope(c.reg, protocol.FormatJSON, kind, taskID, body)
    if err != nil { c.t.Fatalf("coord envelope: %v", err) }
    frame, err := protocol.EncodeFrame(c.reg, protocol.FormatJSON, e)
    if err != nil { c.t.Fatalf("coord encode: %v", err) }
    if err := s.SendFrame(frame); err != nil { c.t.Fatalf("coord send: %v", err) }
}

// handshake reads the auth message, checks the proof, and admits the session.
func (c *stubCoord) handshake(ctx context.Context, sessionID string) transport.Session {
    c.t.Helper()
    s := c.accept(ctx)
    env, f := c.recv(s)
    if env.Kind != protocol.KindAuth { c.t.Fatalf("first message kind = %s", env.Kind) }
    var auth protocol.Auth
    if err := protocol.DecodeBody(c.reg, f, env, &auth); err != nil { c.t.Fatalf("auth body: %v", err) }
    tr := sign.AuthTranscript(auth.AgentID, auth.Timestamp, auth.Nonce)
    if !sign.VerifyAuthProof([]byte(testSecret), tr, auth.Proof) { c.t.Fatalf("bad auth proof") }
    c.send(s, protocol.KindAuthAck, "", protocol.AuthAck{SessionID: sessionID})
    return s
}

func testOptions(tr *mem.Transport, addr string) Options {
    return Options{
        Transport:        tr,
        Address:          addr,
        AgentID:          testAgent,
        Secret:           []byte(testSecret),
        Heartbeat:        50 * time.Millisecond,
        ReconnectInitial: 10 * time.Millisecond,
        ReconnectMax:     40 * time.Millisecond,
        AuthTimeout:      2 * time.Second,
    }
}

func waitFor(t *testing.T, ch <-chan string, what string) string {
    t.Helper()
    select {
    case v := <-ch:
        return v
    case <-time.After(5 * time.Second):
        t.Fatalf("timed out waiting for %s", what)
        return ""
    }
}

func TestConnectAndAuth(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New()
    coord := newStubCoord(t, ctx, tr, "coord")

    connected := make(chan string, 1)
    m, err := New(testOptions(tr, "coord"), Handlers{
        Connected: func(id string) { connected <- id },
    })
    if err != nil { t.Fatalf("new: %v", err) }
    defer m.Close()

    if err := m.Connect(ctx); err != nil { t.Fatalf("connect: %v", err) }
    sess := coord.handshake(ctx, "sess-1")
    defer sess.Close()

    if id := waitFor(t, connected, "connected"); id != "sess-1" {
        t.Fatalf("session id = %q", id)
    }
    if m.State() != StateConnected { t.Fatalf("state = %v", m.State()) }
    if m.SessionID() != "sess-1" { t.Fatalf("session id = %q", m.SessionID()) }
}

func TestAuthRejectIsFatal(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New()
    coord := newStubCoord(t, ctx, tr, "coord")

    errs := make(chan error, 4)
    m, err := New(testOptions(tr, "coord"), Handlers{
        Error: func(e error) { errs <- e },
    })
    if err != nil { t.Fatalf("new: %v", err) }
    defer m.Close()

    if err := m.Connect(ctx); err != nil { t.Fatalf("connect: %v", err) }
    s := coord.accept(ctx)
    coord.recv(s) // auth
    coord.send(s, protocol.KindAuthReject, "", protocol.AuthReject{Code: protocol.RejectBadCredentials})

    deadline := time.After(5 * time.Second)
    for {
        select {
        case e := <-errs:
            ce, ok := e.(*Error)
            if !ok { continue }
            if ce.Category != CategoryAuth { t.Fatalf("category = %v", ce.Category) }
            if ce.Code != protocol.RejectBadCredentials { t.Fatalf("code = %q", ce.Code) }
            // Give the run loop a moment to settle, then confirm no retry.
            time.Sleep(50 * time.Millisecond)
            if got := m.State(); got != StateDisconnected { t.Fatalf("state = %v", got) }
            // A fresh Connect must be accepted after the fatal stop.
            if err := m.Connect(ctx); err != nil { t.Fatalf("reconnect: %v", err) }
            coord.handshake(ctx, "sess-2")
            return
        case <-deadline:
            t.Fatalf("auth error not surfaced")
        }
    }
}

func TestReconnectAfterDrop(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New()
    coord := newStubCoord(t, ctx, tr, "coord")

    connected := make(chan string, 2)
    m, err := New(testOptions(tr, "coord"), Handlers{
        Connected: func(id string) { connected <- id },
    })
    if err != nil { t.Fatalf("new: %v", err) }
    defer m.Close()

    if err := m.Connect(ctx); err != nil { t.Fatalf("connect: %v", err) }
    s1 := coord.handshake(ctx, "sess-1")
    waitFor(t, connected, "first connect")

    _ = s1.Close() // simulated transport drop

    s2 := coord.handshake(ctx, "sess-2")
    defer s2.Close()
    if id := waitFor(t, connected, "reconnect"); id != "sess-2" {
        t.Fatalf("session id after reconnect = %q", id)
    }
    if m.State() != StateConnected { t.Fatalf("state = %v", m.State()) }
}

func TestQueuedSendsFlushOnReconnect(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New()
    coord := newStubCoord(t, ctx, tr, "coord")

    connected := make(chan string, 2)
    m, err := New(testOptions(tr, "coord"), Handlers{
        Connected: func(id string) { connected <- id },
    })
    if err != nil { t.Fatalf("new: %v", err) }
    defer m.Close()

    // Buffer a result before any connection exists.
    if err := m.SendMessage(protocol.KindResult, "t-1", protocol.ResultMessage{TaskID: "t-1", Success: true}, ClassResult); err != nil {
        t.Fatalf("send while disconnected: %v", err)
    }

    if err := m.Connect(ctx); err != nil { t.Fatalf("connect: %v", err) }
    s := coord.handshake(ctx, "sess-1")
    defer s.Close()
    waitFor(t, connected, "connect")

    // The buffered result arrives; heartbeats may interleave.
    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        env, _ := coord.recv(s)
        if env.Kind == protocol.KindResult && env.TaskID == "t-1" {
            return
        }
    }
    t.Fatalf("buffered result never flushed")
}

func TestTaskRoutedToHandler(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New()
    coord := newStubCoord(t, ctx, tr, "coord")

    connected := make(chan string, 1)
    tasks := make(chan string, 1)
    m, err := New(testOptions(tr, "coord"), Handlers{
        Connected: func(id string) { connected <- id },
        Task:      func(tm *protocol.TaskMessage) { tasks <- tm.TaskID },
    })
    if err != nil { t.Fatalf("new: %v", err) }
    defer m.Close()

    if err := m.Connect(ctx); err != nil { t.Fatalf("connect: %v", err) }
    s := coord.handshake(ctx, "sess-1")
    defer s.Close()
    waitFor(t, connected, "connect")

    coord.send(s, protocol.KindTask, "t-9", protocol.TaskMessage{TaskID: "t-9", Description: []byte("work")})
    if id := waitFor(t, tasks, "task"); id != "t-9" { t.Fatalf("task id = %q", id) }
}

func TestHeartbeatSentWhileConnected(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New()
    coord := newStubCoord(t, ctx, tr, "coord")

    connected := make(chan string, 1)
    m, err := New(testOptions(tr, "coord"), Handlers{
        Connected: func(id string) { connected <- id },
    })
    if err != nil { t.Fatalf("new: %v", err) }
    defer m.Close()

    if err := m.Connect(ctx); err != nil { t.Fatalf("connect: %v", err) }
    s := coord.handshake(ctx, "sess-1")
    defer s.Close()
    waitFor(t, connected, "connect")

    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        env, _ := coord.recv(s)
        if env.Kind == protocol.KindHeartbeat {
            return
        }
    }
    t.Fatalf("no heartbeat observed")
}

func TestCloseIsTerminal(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New()
    coord := newStubCoord(t, ctx, tr, "coord")

    connected := make(chan string, 1)
    disconnected := make(chan string, 1)
    m, err := New(testOptions(tr, "coord"), Handlers{
        Connected:    func(id string) { connected <- id },
        Disconnected: func() { disconnected <- "bye" },
    })
    if err != nil { t.Fatalf("new: %v", err) }

    if err := m.Connect(ctx); err != nil { t.Fatalf("connect: %v", err) }
    s := coord.handshake(ctx, "sess-1")
    defer s.Close()
    waitFor(t, connected, "connect")

    if err := m.Close(); err != nil { t.Fatalf("close: %v", err) }
    waitFor(t, disconnected, "disconnected callback")
    if m.State() != StateClosed { t.Fatalf("state = %v", m.State()) }
    if err := m.Connect(ctx); err != ErrClosed { t.Fatalf("connect after close: %v", err) }
}

func TestMalformedFramesDroppedBelowLimit(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New()
    coord := newStubCoord(t, ctx, tr, "coord")

    connected := make(chan string, 2)
    tasks := make(chan string, 1)
    errs := make(chan error, 8)
    opts := testOptions(tr, "coord")
    opts.MalformedFrameLimit = 3
    // Keep staleness out of this test's way; only the frame limit may tear
    // the session down.
    opts.Heartbeat = time.Second
    m, err := New(opts, Handlers{
        Connected: func(id string) { connected <- id },
        Task:      func(tm *protocol.TaskMessage) { tasks <- tm.TaskID },
        Error:     func(e error) { errs <- e },
    })
    if err != nil { t.Fatalf("new: %v", err) }
    defer m.Close()

    if err := m.Connect(ctx); err != nil { t.Fatalf("connect: %v", err) }
    s1 := coord.handshake(ctx, "sess-1")
    waitFor(t, connected, "connect")

    // Two undecodable frames stay below the limit of three.
    garbage := []byte{0xEE, 0x01, 0x02, 0x03}
    if err := s1.SendFrame(garbage); err != nil { t.Fatalf("send garbage: %v", err) }
    if err := s1.SendFrame(garbage); err != nil { t.Fatalf("send garbage: %v", err) }

    // The session must survive them: a valid task still routes.
    coord.send(s1, protocol.KindTask, "t-1", protocol.TaskMessage{TaskID: "t-1", Description: []byte("work")})
    if id := waitFor(t, tasks, "task after garbage"); id != "t-1" { t.Fatalf("task id = %q", id) }

    protoErrs := 0
    drain := time.After(2 * time.Second)
    for protoErrs < 2 {
        select {
        case e := <-errs:
            if ce, ok := e.(*Error); ok && ce.Category == CategoryProtocol { protoErrs++ }
        case <-drain:
            t.Fatalf("saw %d protocol errors, want 2", protoErrs)
        }
    }

    // The third malformed frame reaches the limit: teardown and re-dial.
    if err := s1.SendFrame(garbage); err != nil { t.Fatalf("send garbage: %v", err) }
    s2 := coord.handshake(ctx, "sess-2")
    defer s2.Close()
    if id := waitFor(t, connected, "reconnect after frame limit"); id != "sess-2" {
        t.Fatalf("session id after reconnect = %q", id)
    }
}

func TestStaleSessionTornDownAndRedialed(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New()
    coord := newStubCoord(t, ctx, tr, "coord")

    connected := make(chan string, 2)
    m, err := New(testOptions(tr, "coord"), Handlers{
        Connected: func(id string) { connected <- id },
    })
    if err != nil { t.Fatalf("new: %v", err) }
    defer m.Close()

    if err := m.Connect(ctx); err != nil { t.Fatalf("connect: %v", err) }
    s1 := coord.handshake(ctx, "sess-1")
    defer s1.Close()
    waitFor(t, connected, "connect")

    // The coordinator goes silent. With a 50ms heartbeat and the 3x stale
    // multiple the manager must declare the session dead and dial again.
    s2 := coord.handshake(ctx, "sess-2")
    defer s2.Close()
    if id := waitFor(t, connected, "redial after staleness"); id != "sess-2" {
        t.Fatalf("session id after staleness = %q", id)
    }
    if m.State() != StateConnected { t.Fatalf("state = %v", m.State()) }
}
