package protocol

import "time"

// Auth is the first outbound message on a new connection. Proof is an
// HMAC-SHA256 over the canonical auth transcript, keyed by the shared secret.
type Auth struct {
    AgentID   string `json:"agentId"`
    Timestamp int64  `json:"ts"` // unix ms
    Nonce     []byte `json:"nonce"`
    Proof     []byte `json:"proof"`
}

// AuthAck admits the connection. HeartbeatMS, when non-zero, overrides the
// worker's configured heartbeat interval for this session.
type AuthAck struct {
    SessionID   string `json:"sessionId"`
    HeartbeatMS int64  `json:"heartbeatMs,omitempty"`
}

// AuthReject refuses the connection. Reject codes are terminal: the worker
// must not retry with the same credentials.
type AuthReject struct {
    Code   string `json:"code"`
    Reason string `json:"reason,omitempty"`
}

// Contract is a signed task offer. Requester is a canonical identity of the
// form pk:ed25519:<base64url-nopad(pub)>; Sig covers the contract transcript.
// Immutable once received.
type Contract struct {
    TaskID    string `json:"taskId"`
    Requester string `json:"requester"`
    Scope     string `json:"scope"`
    Amount    uint64 `json:"amount"`
    ExpiresAt int64  `json:"expiresAt"` // unix ms
    Sig       []byte `json:"sig"`
}

// Expired reports whether the contract expiry has passed at time now.
func (c *Contract) Expired(now time.Time) bool {
    return now.UnixMilli() >= c.ExpiresAt
}

// Payment is a proof-of-settlement artifact for one task. Sig is produced by
// the settlement authority over the payment transcript.
type Payment struct {
    TaskID        string `json:"taskId"`
    Amount        uint64 `json:"amount"`
    SettlementRef string `json:"settlementRef"`
    Sig           []byte `json:"sig"`
}

// TaskMessage delivers one unit of work together with its authorization.
type TaskMessage struct {
    TaskID      string   `json:"taskId"`
    Description []byte   `json:"description"`
    Contract    Contract `json:"contract"`
    Payment     Payment  `json:"payment"`
}

// ResultMessage reports the outcome of a task back to the coordinator.
// Reason is set only for admission failures, so the coordinator can branch
// on the enumerated rejection rather than parse ErrorDetail.
type ResultMessage struct {
    TaskID      string `json:"taskId"`
    Success     bool   `json:"success"`
    Output      []byte `json:"output,omitempty"`
    ErrorDetail string `json:"errorDetail,omitempty"`
    Reason      string `json:"reason,omitempty"`
}

// ResultAck acknowledges receipt of a result; the worker stops resending.
type ResultAck struct {
    TaskID string `json:"taskId"`
}

// Heartbeat is a bidirectional liveness ping.
type Heartbeat struct {
    Timestamp int64 `json:"ts"` // unix ms
}

// ErrorMessage reports a protocol-level problem not tied to one task.
type ErrorMessage struct {
    Code    string `json:"code"`
    Message string `json:"message"`
}

// Auth reject codes the coordinator may return.
const (
    RejectBadCredentials = "bad_credentials"
    RejectUnknownAgent   = "unknown_agent"
    RejectAgentDisabled  = "agent_disabled"
)
