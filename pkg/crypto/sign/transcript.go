package sign

import (
    "encoding/base64"
    "strconv"
    "strings"
)

// Canonical transcripts signed or proven by protocol parties. The pipe-joined
// key=value form is order-fixed; both sides must rebuild it byte for byte.

// AuthTranscript is proven by the worker when opening a connection:
//   taskgrid:auth|v=1|agent=<agentId>|ts=<unix_ms>|nonce=<b64url>
func AuthTranscript(agentID string, tsUnixMS int64, nonce []byte) []byte {
    var sb strings.Builder
    sb.Grow(48 + len(agentID))
    sb.WriteString("taskgrid:auth|v=1|agent=")
    sb.WriteString(agentID)
    sb.WriteString("|ts=")
    sb.WriteString(strconv.FormatInt(tsUnixMS, 10))
    sb.WriteString("|nonce=")
    sb.WriteString(base64.RawURLEncoding.EncodeToString(nonce))
    return []byte(sb.String())
}

// ContractTranscript is signed by the requester:
//   taskgrid:contract|v=1|task=<taskId>|req=<identity>|scope=<scope>|amount=<n>|exp=<unix_ms>
func ContractTranscript(taskID, requester, scope string, amount uint64, expiresAtMS int64) []byte {
    var sb strings.Builder
    sb.Grow(64 + len(taskID) + len(requester) + len(scope))
    sb.WriteString("taskgrid:contract|v=1|task=")
    sb.WriteString(taskID)
    sb.WriteString("|req=")
    sb.WriteString(requester)
    sb.WriteString("|scope=")
    sb.WriteString(scope)
    sb.WriteString("|amount=")
    sb.WriteString(strconv.FormatUint(amount, 10))
    sb.WriteString("|exp=")
    sb.WriteString(strconv.FormatInt(expiresAtMS, 10))
    return []byte(sb.String())
}

// PaymentTranscript is signed by the settlement authority:
//   taskgrid:payment|v=1|task=<taskId>|amount=<n>|ref=<settlementRef>
func PaymentTranscript(taskID string, amount uint64, settlementRef string) []byte {
    var sb strings.Builder
    sb.Grow(48 + len(taskID) + len(settlementRef))
    sb.WriteString("taskgrid:payment|v=1|task=")
    sb.WriteString(taskID)
    sb.WriteString("|amount=")
    sb.WriteString(strconv.FormatUint(amount, 10))
    sb.WriteString("|ref=")
    sb.WriteString(settlementRef)
    return []byte(sb.String())
}
