// Package ingest is the listen-mode HTTP surface: tasks pushed over POST run
// through the same verification and dispatch path as tasks arriving on the
// coordinator session.
package ingest

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"
    "golang.org/x/time/rate"

    "taskgrid/pkg/observability"
    "taskgrid/pkg/protocol"
    "taskgrid/pkg/verify"
)

// SubmitFunc verifies and admits one task; ReasonNone means accepted.
type SubmitFunc func(*protocol.TaskMessage) verify.Reason

// Options configure the ingress.
type Options struct {
    Addr    string
    Rate    float64 // requests per second per remote; default 10
    Burst   int     // default 20
    Logger  *zap.Logger
    Metrics *observability.Metrics
}

// Server is the push ingress. One limiter per remote address; limiters are
// evicted lazily when the table grows large.
type Server struct {
    opts   Options
    submit SubmitFunc
    srv    *http.Server

    mu      sync.Mutex
    lis     net.Listener
    buckets map[string]*limiterEntry
}

type limiterEntry struct {
    lim      *rate.Limiter
    lastSeen time.Time
}

const bucketTableLimit = 4096

// New builds the ingress. Start binds and serves.
func New(opts Options, submit SubmitFunc) *Server {
    if opts.Rate <= 0 {
        opts.Rate = 10
    }
    if opts.Burst <= 0 {
        opts.Burst = 20
    }
    if opts.Logger == nil {
        opts.Logger = zap.NewNop()
    }
    s := &Server{
        opts:    opts,
        submit:  submit,
        buckets: make(map[string]*limiterEntry),
    }
    s.srv = &http.Server{
        Handler:           s.Router(),
        ReadHeaderTimeout: 5 * time.Second,
    }
    return s
}

// Router exposes the handler tree; tests drive it via httptest.
func (s *Server) Router() http.Handler {
    r := chi.NewRouter()
    r.Use(middleware.RealIP)
    r.Use(middleware.Recoverer)
    r.Get("/healthz", s.handleHealth)
    r.Method(http.MethodGet, "/metrics", promhttp.Handler())
    r.Group(func(r chi.Router) {
        r.Use(s.rateLimit)
        r.Post("/v1/tasks", s.handleTask)
    })
    return r
}

// Start binds the listener and serves in the background. It returns once the
// address is bound, so Addr is valid immediately after.
func (s *Server) Start(ctx context.Context) error {
    lc := net.ListenConfig{}
    lis, err := lc.Listen(ctx, "tcp", s.opts.Addr)
    if err != nil {
        return fmt.Errorf("ingest: listen %s: %w", s.opts.Addr, err)
    }
    s.mu.Lock()
    s.lis = lis
    s.mu.Unlock()
    s.opts.Logger.Info("ingress listening", zap.String("addr", lis.Addr().String()))
    go func() {
        if err := s.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
            s.opts.Logger.Error("ingress serve", zap.Error(err))
        }
    }()
    return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis == nil {
        return ""
    }
    return s.lis.Addr().String()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
    return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
    var tm protocol.TaskMessage
    if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.MaxFrameSize)).Decode(&tm); err != nil {
        s.opts.Metrics.IncIngest("malformed")
        writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed task body"})
        return
    }
    if tm.TaskID == "" {
        s.opts.Metrics.IncIngest("malformed")
        writeJSON(w, http.StatusBadRequest, map[string]string{"error": "taskId is required"})
        return
    }
    reason := s.submit(&tm)
    if reason != verify.ReasonNone {
        s.opts.Metrics.IncIngest("rejected")
        writeJSON(w, reasonStatus(reason), map[string]string{
            "taskId": tm.TaskID,
            "reason": reason.String(),
        })
        return
    }
    s.opts.Metrics.IncIngest("accepted")
    writeJSON(w, http.StatusAccepted, map[string]string{
        "taskId": tm.TaskID,
        "status": "accepted",
    })
}

// reasonStatus maps rejection reasons onto HTTP status codes.
func reasonStatus(r verify.Reason) int {
    switch r {
    case verify.ReasonSignatureInvalid, verify.ReasonPaymentInvalid:
        return http.StatusForbidden
    case verify.ReasonExpired:
        return http.StatusGone
    case verify.ReasonPaymentReplayed:
        return http.StatusConflict
    default:
        return http.StatusUnprocessableEntity
    }
}

// rateLimit enforces a per-remote token bucket.
func (s *Server) rateLimit(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        host, _, err := net.SplitHostPort(r.RemoteAddr)
        if err != nil {
            host = r.RemoteAddr
        }
        if !s.limiterFor(host).Allow() {
            s.opts.Metrics.IncIngest("throttled")
            writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
            return
        }
        next.ServeHTTP(w, r)
    })
}

func (s *Server) limiterFor(host string) *rate.Limiter {
    now := time.Now()
    s.mu.Lock()
    defer s.mu.Unlock()
    if len(s.buckets) > bucketTableLimit {
        for k, e := range s.buckets {
            if now.Sub(e.lastSeen) > time.Minute {
                delete(s.buckets, k)
            }
        }
    }
    e, ok := s.buckets[host]
    if !ok {
        e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(s.opts.Rate), s.opts.Burst)}
        s.buckets[host] = e
    }
    e.lastSeen = now
    return e.lim
}

func writeJSON(w http.ResponseWriter, status int, body any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(body)
}
