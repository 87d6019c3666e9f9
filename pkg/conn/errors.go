package conn

import (
    "errors"
    "fmt"
)

// Category classifies errors surfaced through the error callback so callers
// can branch without string matching.
type Category int

const (
    CategoryTransport Category = iota
    CategoryAuth
    CategoryProtocol
    CategoryBackpressure
    CategoryRemote
)

func (c Category) String() string {
    switch c {
    case CategoryTransport:
        return "transport"
    case CategoryAuth:
        return "auth"
    case CategoryProtocol:
        return "protocol"
    case CategoryBackpressure:
        return "backpressure"
    case CategoryRemote:
        return "remote"
    default:
        return "unknown"
    }
}

// Error is a categorized connection-layer error.
type Error struct {
    Category Category
    Code     string
    Message  string
    Err      error
}

func (e *Error) Error() string {
    s := fmt.Sprintf("conn: %s", e.Category)
    if e.Code != "" {
        s += " [" + e.Code + "]"
    }
    if e.Message != "" {
        s += ": " + e.Message
    }
    if e.Err != nil {
        s += ": " + e.Err.Error()
    }
    return s
}

func (e *Error) Unwrap() error { return e.Err }

var (
    ErrClosed         = errors.New("conn: manager closed")
    ErrAlreadyStarted = errors.New("conn: already started")
    ErrQueueFull      = errors.New("conn: send queue full")
)
