// Package transport defines the duplex link between a worker and the grid
// coordinator. A Session is one outbound connection carrying length-prefixed
// frames; the worker owns exactly one live session at a time.
package transport

import (
    "context"
    "net"
)

// Kind identifies the link type.
type Kind int

const (
    KindUnknown Kind = iota
    KindTCP
    KindQUIC
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindTCP:
        return "tcp"
    case KindQUIC:
        return "quic"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

// Session is a single bidirectional frame stream. SendFrame is safe for
// concurrent use; RecvFrame expects a single reader goroutine.
type Session interface {
    SendFrame([]byte) error
    RecvFrame() ([]byte, error)
    LocalAddr() net.Addr
    RemoteAddr() net.Addr
    Close() error
}

// Listener accepts inbound sessions. Only the mem transport listens in-core;
// real coordinators run their own listener side.
type Listener interface {
    Accept(ctx context.Context) (Session, error)
    Addr() net.Addr
    Close() error
}

// Transport dials (and, where supported, listens for) sessions of one Kind.
type Transport interface {
    Kind() Kind
    Dial(ctx context.Context, address string) (Session, error)
    Listen(ctx context.Context, address string) (Listener, error)
}
