// Package tcp implements the coordinator link over TCP (optionally TLS) with
// u32-LE length-prefixed frames.
package tcp

import (
    "bufio"
    "context"
    "crypto/tls"
    "encoding/binary"
    "errors"
    "io"
    "net"
    "sync"

    "taskgrid/pkg/transport"
)

// Transport dials framed TCP sessions. When TLSConfig is non-nil the
// connection is wrapped in TLS before any frame is exchanged.
type Transport struct {
    TLSConfig *tls.Config
}

func New() *Transport { return &Transport{} }

// NewTLS returns a transport that dials TLS connections.
func NewTLS(cfg *tls.Config) *Transport { return &Transport{TLSConfig: cfg} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
    d := &net.Dialer{}
    c, err := d.DialContext(ctx, "tcp", address)
    if err != nil {
        return nil, err
    }
    if t.TLSConfig != nil {
        tc := tls.Client(c, t.TLSConfig)
        if err := tc.HandshakeContext(ctx); err != nil {
            _ = c.Close()
            return nil, err
        }
        c = tc
    }
    return newSession(c), nil
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    var (
        l   net.Listener
        err error
    )
    if t.TLSConfig != nil {
        l, err = tls.Listen("tcp", address, t.TLSConfig)
    } else {
        l, err = net.Listen("tcp", address)
    }
    if err != nil {
        return nil, err
    }
    tl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go tl.acceptLoop()
    go func() { <-ctx.Done(); _ = tl.Close() }()
    return tl, nil
}

type listener struct {
    l       net.Listener
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("tcp: listener closed")
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
    return l.l.Close()
}

func (l *listener) acceptLoop() {
    for {
        c, err := l.l.Accept()
        if err != nil {
            return
        }
        s := newSession(c)
        select {
        case l.newCh <- s:
        default:
            _ = s.Close()
        }
    }
}

type session struct {
    mu sync.Mutex // guards bw
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
        return nil, errors.New("tcp: invalid frame size")
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(s.br, buf); err != nil {
        return nil, err
    }
    return buf, nil
}
