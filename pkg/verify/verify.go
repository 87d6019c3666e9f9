// Package verify admits or rejects incoming tasks. A task is admissible only
// when its contract signature, expiry, payment binding, payment proof, amount
// and replay status all pass, in that order, short-circuiting on the first
// failure.
package verify

import (
    "crypto/ed25519"
    "time"

    "taskgrid/pkg/crypto/sign"
    "taskgrid/pkg/memstore"
    "taskgrid/pkg/protocol"
)

// Reason enumerates rejection causes. ReasonNone means admitted.
type Reason int

const (
    ReasonNone Reason = iota
    ReasonSignatureInvalid
    ReasonExpired
    ReasonTaskMismatch
    ReasonPaymentInvalid
    ReasonPaymentInsufficient
    ReasonPaymentReplayed
)

func (r Reason) String() string {
    switch r {
    case ReasonNone:
        return "admitted"
    case ReasonSignatureInvalid:
        return "signature_invalid"
    case ReasonExpired:
        return "expired"
    case ReasonTaskMismatch:
        return "task_mismatch"
    case ReasonPaymentInvalid:
        return "payment_invalid"
    case ReasonPaymentInsufficient:
        return "payment_insufficient"
    case ReasonPaymentReplayed:
        return "payment_replayed"
    default:
        return "unknown"
    }
}

// Pipeline validates contract/payment pairs. The replay history is keyed by
// task id and evicted once the contract expiry has passed.
type Pipeline struct {
    settlementKey ed25519.PublicKey
    seen          *memstore.Store
    nowFn         func() time.Time
}

// New builds a pipeline trusting the given settlement authority key.
func New(settlementKey ed25519.PublicKey, seen *memstore.Store) *Pipeline {
    return &Pipeline{settlementKey: settlementKey, seen: seen, nowFn: time.Now}
}

// SetNow overrides the clock; tests only.
func (p *Pipeline) SetNow(fn func() time.Time) { p.nowFn = fn }

// Verify runs the admission checks. ReasonNone admits the pair and records
// the payment in the replay history.
func (p *Pipeline) Verify(c *protocol.Contract, pay *protocol.Payment) Reason {
    pub, err := sign.PubKeyFromIdentity(c.Requester)
    if err != nil {
        return ReasonSignatureInvalid
    }
    transcript := sign.ContractTranscript(c.TaskID, c.Requester, c.Scope, c.Amount, c.ExpiresAt)
    if !sign.VerifyEd25519(pub, transcript, c.Sig) {
        return ReasonSignatureInvalid
    }

    now := p.nowFn()
    if c.Expired(now) {
        return ReasonExpired
    }

    if pay.TaskID != c.TaskID {
        return ReasonTaskMismatch
    }

    payTranscript := sign.PaymentTranscript(pay.TaskID, pay.Amount, pay.SettlementRef)
    if !sign.VerifyEd25519(p.settlementKey, payTranscript, pay.Sig) {
        return ReasonPaymentInvalid
    }
    if pay.Amount < c.Amount {
        return ReasonPaymentInsufficient
    }

    ttl := time.UnixMilli(c.ExpiresAt).Sub(now)
    if !p.seen.Add(c.TaskID, nil, ttl) {
        return ReasonPaymentReplayed
    }
    return ReasonNone
}
