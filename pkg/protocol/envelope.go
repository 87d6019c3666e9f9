// Package protocol defines the wire vocabulary spoken between a worker and
// the grid coordinator: a small envelope carrying one of a fixed set of
// message kinds, serialized by a pluggable codec and prefixed with a single
// format byte on the wire.
package protocol

import (
    "errors"
    "fmt"

    "taskgrid/pkg/protocol/codec"
)

// Kind identifies the message carried by an envelope.
type Kind string

const (
    KindAuth       Kind = "auth"
    KindAuthAck    Kind = "auth_ack"
    KindAuthReject Kind = "auth_reject"
    KindTask       Kind = "task"
    KindResult     Kind = "result"
    KindResultAck  Kind = "result_ack"
    KindHeartbeat  Kind = "heartbeat"
    KindError      Kind = "error"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
    switch k {
    case KindAuth, KindAuthAck, KindAuthReject, KindTask, KindResult,
        KindResultAck, KindHeartbeat, KindError:
        return true
    }
    return false
}

// Envelope is the outer frame of every protocol message. TaskID is set only
// for task-scoped kinds. Payload holds the body marshaled in the same format
// as the envelope itself.
type Envelope struct {
    Kind    Kind   `json:"kind"`
    TaskID  string `json:"taskId,omitempty"`
    Payload []byte `json:"payload,omitempty"`
}

// Format is the on-wire indicator of envelope encoding, carried as the first
// byte of every frame.
type Format uint8

const (
    FormatUnknown Format = iota
    FormatJSON
    FormatCBOR
)

func (f Format) String() string {
    switch f {
    case FormatJSON:
        return "application/json"
    case FormatCBOR:
        return "application/cbor"
    default:
        return "application/octet-stream"
    }
}

// MaxFrameSize bounds a single decoded frame. Frames above it are rejected
// before any allocation proportional to the declared size.
const MaxFrameSize = 1 << 24

var (
    ErrEmptyFrame    = errors.New("protocol: empty frame")
    ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// CodecFor returns the codec registered for a format.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
    if c := r.Get(f.String()); c != nil {
        return c, nil
    }
    return nil, fmt.Errorf("protocol: no codec for format %d", f)
}

// EncodeFrame serializes an envelope with a leading format byte.
func EncodeFrame(r *codec.Registry, f Format, e *Envelope) ([]byte, error) {
    c, err := CodecFor(r, f)
    if err != nil {
        return nil, err
    }
    b, err := c.Marshal(e)
    if err != nil {
        return nil, err
    }
    out := make([]byte, 1+len(b))
    out[0] = byte(f)
    copy(out[1:], b)
    return out, nil
}

// DecodeFrame parses a frame produced by EncodeFrame. The returned format is
// the one the sender used; replies should use the same format.
func DecodeFrame(r *codec.Registry, frame []byte) (*Envelope, Format, error) {
    if len(frame) == 0 {
        return nil, FormatUnknown, ErrEmptyFrame
    }
    if len(frame) > MaxFrameSize {
        return nil, FormatUnknown, ErrFrameTooLarge
    }
    f := Format(frame[0])
    c, err := CodecFor(r, f)
    if err != nil {
        return nil, f, err
    }
    var e Envelope
    if err := c.Unmarshal(frame[1:], &e); err != nil {
        return nil, f, fmt.Errorf("protocol: decode envelope: %w", err)
    }
    if !e.Kind.Valid() {
        return nil, f, fmt.Errorf("protocol: unknown kind %q", e.Kind)
    }
    return &e, f, nil
}

// NewEnvelope marshals body with the codec for f and wraps it.
func NewEnvelope(r *codec.Registry, f Format, kind Kind, taskID string, body any) (*Envelope, error) {
    e := &Envelope{Kind: kind, TaskID: taskID}
    if body != nil {
        c, err := CodecFor(r, f)
        if err != nil {
            return nil, err
        }
        b, err := c.Marshal(body)
        if err != nil {
            return nil, err
        }
        e.Payload = b
    }
    return e, nil
}

// DecodeBody unmarshals the envelope payload into v using the codec for f.
func DecodeBody(r *codec.Registry, f Format, e *Envelope, v any) error {
    c, err := CodecFor(r, f)
    if err != nil {
        return err
    }
    if len(e.Payload) == 0 {
        return fmt.Errorf("protocol: %s envelope has no payload", e.Kind)
    }
    return c.Unmarshal(e.Payload, v)
}
