// Package mem is an in-process transport over net.Pipe, used by tests and as
// a stand-in coordinator endpoint.
package mem

import (
    "bufio"
    "context"
    "encoding/binary"
    "errors"
    "io"
    "net"
    "sync"

    "taskgrid/pkg/transport"
)

// Transport keeps named in-process listeners; Dial connects to one by name.
type Transport struct {
    mu        sync.Mutex
    listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if _, ok := t.listeners[name]; ok {
        return nil, errors.New("mem: listener already exists")
    }
    l := &listener{name: name, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    t.listeners[name] = l
    go func() {
        <-ctx.Done()
        _ = l.Close()
        t.mu.Lock()
        delete(t.listeners, name)
        t.mu.Unlock()
    }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string) (transport.Session, error) {
    t.mu.Lock()
    l := t.listeners[name]
    t.mu.Unlock()
    if l == nil {
        return nil, errors.New("mem: no such listener")
    }
    c1, c2 := net.Pipe()
    srv := newSession(c1)
    cli := newSession(c2)
    select {
    case l.newCh <- srv:
    default:
        _ = srv.Close()
        _ = cli.Close()
        return nil, errors.New("mem: accept backlog full")
    }
    go func() { <-ctx.Done(); _ = cli.Close() }()
    return cli, nil
}

type listener struct {
    name    string
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("mem: listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    select {
    case <-l.closeCh:
    default:
        close(l.closeCh)
    }
    return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type session struct {
    mu sync.Mutex
    c  net.Conn
    br *bufio.Reader
    bw *bufio.Writer
}

func newSession(c net.Conn) *session {
    return &session{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (s *session) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *session) Close() error         { return s.c.Close() }

func (s *session) SendFrame(b []byte) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
    if _, err := s.bw.Write(lenbuf[:]); err != nil {
        return err
    }
    if _, err := s.bw.Write(b); err != nil {
        return err
    }
    return s.bw.Flush()
}

func (s *session) RecvFrame() ([]byte, error) {
    var lenbuf [4]byte
    if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
        return nil, err
    }
    n := int(binary.LittleEndian.Uint32(lenbuf[:]))
    if n < 0 || n > (1<<24) {
        return nil, errors.New("mem: invalid frame size")
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(s.br, buf); err != nil {
        return nil, err
    }
    return buf, nil
}
