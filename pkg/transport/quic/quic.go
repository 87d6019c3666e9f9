// Package quic implements the coordinator link over QUIC. One bidirectional
// stream per session carries u32-LE length-prefixed frames, mirroring the
// tcp transport framing.
package quic

import (
    "bufio"
    "context"
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "encoding/binary"
    "errors"
    "io"
    "math/big"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "taskgrid/pkg/transport"
)

const alpn = "taskgrid"

// Transport dials QUIC sessions. A nil TLSConfig on the dial side verifies
// the coordinator certificate against the system roots.
type Transport struct {
    TLSConfig *tls.Config
    QUICConf  *quicgo.Config
}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
    tlsConf := t.TLSConfig
    if tlsConf == nil {
        tlsConf = &tls.Config{MinVersion: tls.VersionTLS13}
    } else {
        tlsConf = tlsConf.Clone()
    }
    if len(tlsConf.NextProtos) == 0 {
        tlsConf.NextProtos = []string{alpn}
    }
    conn, err := quicgo.DialAddr(ctx, address, tlsConf, t.QUICConf)
    if err != nil {
        return nil, err
    }
    st, err := conn.OpenStreamSync(ctx)
    if err != nil {
        _ = conn.CloseWithError(0, "open stream")
        return nil, err
    }
    return newSession(conn, st), nil
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    tlsConf := t.TLSConfig
    if tlsConf == nil {
        cert, err := selfSignedCert()
        if err != nil {
            return nil, err
        }
        tlsConf = &tls.Config{
            Certificates: []tls.Certificate{cert},
            MinVersion:   tls.VersionTLS13,
        }
    } else {
        tlsConf = tlsConf.Clone()
    }
    if len(tlsConf.NextProtos) == 0 {
        tlsConf.NextProtos = []string{alpn}
    }
    l, err := quicgo.ListenAddr(address, tlsConf, t.QUICConf)
    if err != nil {
        return nil, err
    }
    ql := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go ql.acceptLoop(ctx)
    go func() { <-ctx.Done(); _ = ql.Close() }()
    return ql, nil
}

type listener struct {
    l       *quicgo.Listener
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("quic: listener closed")
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

func (l *listener) acceptLoop(ctx context.Context) {
    for {
        conn, err := l.l.Accept(ctx)
        if err != nil {
            return
        }
        go func() {
            st, err := conn.AcceptStream(ctx)
            if err != nil {
                _ = conn.CloseWithError(0, "accept stream")
                return
            }
            s := newSession(conn, st)
            select {
            case l.newCh <- s:
            default:
                _ = s.Close()
            }
        }()
    }
}

type session struct {
    mu   sync.Mutex // guards bw
    conn quicgo.Connection
    st   io.ReadWriteCloser
    br   *bufio.Reader
    bw   *bufio.Writer
}

func newSession(conn quicgo.Connection, st io.ReadWriteCloser) *session {
    return &session{conn: conn, st: st, br: bufio.NewReader(st), bw: bufio.NewWriter(st)}
}

func (s *session) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *session) Close() error {
    _ = s.st.Close()
    return s.conn.CloseWithError(0, "")
}

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
        return nil, errors.New("quic: invalid frame size")
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(s.br, buf); err != nil {
        return nil, err
    }
    return buf, nil
}

// selfSignedCert generates a short-lived certificate for local listeners.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil {
        return tls.Certificate{}, err
    }
    tmpl := x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil {
        return tls.Certificate{}, err
    }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
