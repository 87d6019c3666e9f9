package ingest

import (
    "bytes"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"

    "taskgrid/pkg/protocol"
    "taskgrid/pkg/verify"
)

func postTask(t *testing.T, h http.Handler, tm *protocol.TaskMessage) *httptest.ResponseRecorder {
    t.Helper()
    body, err := json.Marshal(tm)
    if err != nil {
        t.Fatalf("marshal: %v", err)
    }
    req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
    req.RemoteAddr = "10.1.2.3:5555"
    rec := httptest.NewRecorder()
    h.ServeHTTP(rec, req)
    return rec
}

func TestTaskAccepted(t *testing.T) {
    var got *protocol.TaskMessage
    s := New(Options{}, func(tm *protocol.TaskMessage) verify.Reason {
        got = tm
        return verify.ReasonNone
    })
    rec := postTask(t, s.Router(), &protocol.TaskMessage{TaskID: "t-1", Description: []byte("work")})
    if rec.Code != http.StatusAccepted {
        t.Fatalf("status = %d, want 202", rec.Code)
    }
    if got == nil || got.TaskID != "t-1" {
        t.Fatalf("submit saw %+v", got)
    }
    var resp map[string]string
    if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
        t.Fatalf("decode response: %v", err)
    }
    if resp["status"] != "accepted" || resp["taskId"] != "t-1" {
        t.Fatalf("response = %v", resp)
    }
}

func TestRejectionStatusCarriesReason(t *testing.T) {
    cases := []struct {
        reason verify.Reason
        status int
    }{
        {verify.ReasonSignatureInvalid, http.StatusForbidden},
        {verify.ReasonPaymentInvalid, http.StatusForbidden},
        {verify.ReasonExpired, http.StatusGone},
        {verify.ReasonPaymentReplayed, http.StatusConflict},
        {verify.ReasonPaymentInsufficient, http.StatusUnprocessableEntity},
        {verify.ReasonTaskMismatch, http.StatusUnprocessableEntity},
    }
    for _, tc := range cases {
        s := New(Options{}, func(*protocol.TaskMessage) verify.Reason { return tc.reason })
        rec := postTask(t, s.Router(), &protocol.TaskMessage{TaskID: "t-1"})
        if rec.Code != tc.status {
            t.Fatalf("reason %s: status = %d, want %d", tc.reason, rec.Code, tc.status)
        }
        var resp map[string]string
        if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
            t.Fatalf("decode: %v", err)
        }
        if resp["reason"] != tc.reason.String() {
            t.Fatalf("reason %s: body reason = %q", tc.reason, resp["reason"])
        }
    }
}

func TestMalformedBodyRejected(t *testing.T) {
    s := New(Options{}, func(*protocol.TaskMessage) verify.Reason {
        t.Fatalf("submit called for malformed body")
        return verify.ReasonNone
    })
    req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader([]byte("{not json")))
    req.RemoteAddr = "10.1.2.3:5555"
    rec := httptest.NewRecorder()
    s.Router().ServeHTTP(rec, req)
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("status = %d, want 400", rec.Code)
    }
}

func TestMissingTaskIDRejected(t *testing.T) {
    s := New(Options{}, func(*protocol.TaskMessage) verify.Reason { return verify.ReasonNone })
    rec := postTask(t, s.Router(), &protocol.TaskMessage{})
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("status = %d, want 400", rec.Code)
    }
}

func TestPerRemoteRateLimit(t *testing.T) {
    s := New(Options{Rate: 1, Burst: 2}, func(*protocol.TaskMessage) verify.Reason { return verify.ReasonNone })
    h := s.Router()

    var throttled int
    for i := 0; i < 5; i++ {
        rec := postTask(t, h, &protocol.TaskMessage{TaskID: "t-1"})
        if rec.Code == http.StatusTooManyRequests {
            throttled++
        }
    }
    if throttled == 0 {
        t.Fatalf("no request throttled past the burst")
    }

    // A different remote has its own bucket.
    body, _ := json.Marshal(&protocol.TaskMessage{TaskID: "t-2"})
    req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
    req.RemoteAddr = "10.9.9.9:5555"
    rec := httptest.NewRecorder()
    h.ServeHTTP(rec, req)
    if rec.Code != http.StatusAccepted {
        t.Fatalf("fresh remote status = %d, want 202", rec.Code)
    }
}

func TestHealthz(t *testing.T) {
    s := New(Options{}, func(*protocol.TaskMessage) verify.Reason { return verify.ReasonNone })
    req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
    rec := httptest.NewRecorder()
    s.Router().ServeHTTP(rec, req)
    if rec.Code != http.StatusOK {
        t.Fatalf("status = %d, want 200", rec.Code)
    }
}
