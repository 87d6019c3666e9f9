// Package memstore is a sharded in-memory key store with per-key TTL,
// used for the payment replay history and the acknowledged-task window.
// Expired keys are reclaimed by a background sweeper.
package memstore

import (
    "sync"
    "sync/atomic"
    "time"
)

// Options tune a Store. Zero values pick the defaults.
type Options struct {
    Shards        int           // default 64
    SweepInterval time.Duration // default 5s
    MaxKeys       int           // hard cap across shards; 0 = unbounded
}

func (o Options) withDefaults() Options {
    if o.Shards <= 0 {
        o.Shards = 64
    }
    if o.SweepInterval <= 0 {
        o.SweepInterval = 5 * time.Second
    }
    return o
}

// Store holds string keys with optional byte values and expiry times.
type Store struct {
    opts    Options
    shards  []shard
    closeCh chan struct{}
    wg      sync.WaitGroup

    nowFn func() time.Time

    mKeys    atomic.Int64
    mAdds    atomic.Uint64
    mHits    atomic.Uint64
    mMisses  atomic.Uint64
    mExpired atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nano; 0 = no expiry
}

// New creates a store and starts its sweeper.
func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        opts:    opts,
        shards:  make([]shard, opts.Shards),
        closeCh: make(chan struct{}),
        nowFn:   time.Now,
    }
    for i := range s.shards {
        s.shards[i].m = make(map[string]entry)
    }
    s.wg.Add(1)
    go s.sweeper()
    return s
}

// Close stops the sweeper. The store remains usable but no longer reclaims
// expired keys in the background.
func (s *Store) Close() {
    select {
    case <-s.closeCh:
        return
    default:
        close(s.closeCh)
    }
    s.wg.Wait()
}

// SetNow overrides the clock; tests only.
func (s *Store) SetNow(fn func() time.Time) { s.nowFn = fn }

func (s *Store) shardFor(key string) *shard {
    // FNV-1a 64
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[int(h%uint64(len(s.shards)))]
}

func (s *Store) deadline(ttl time.Duration) int64 {
    if ttl <= 0 {
        return 0
    }
    return s.nowFn().Add(ttl).UnixNano()
}

func (s *Store) live(e entry, now int64) bool {
    return e.expireAt == 0 || now < e.expireAt
}

// Add inserts key only if absent (or expired). Returns false when the key is
// already live. This is the replay-check primitive.
func (s *Store) Add(key string, val []byte, ttl time.Duration) bool {
    sh := s.shardFor(key)
    now := s.nowFn().UnixNano()
    sh.mu.Lock()
    defer sh.mu.Unlock()
    if e, ok := sh.m[key]; ok && s.live(e, now) {
        return false
    }
    if s.opts.MaxKeys > 0 && int(s.mKeys.Load()) >= s.opts.MaxKeys {
        return false
    }
    if _, ok := sh.m[key]; !ok {
        s.mKeys.Add(1)
    }
    sh.m[key] = entry{val: append([]byte(nil), val...), expireAt: s.deadline(ttl)}
    s.mAdds.Add(1)
    return true
}

// Set inserts or replaces a key.
func (s *Store) Set(key string, val []byte, ttl time.Duration) {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    if _, ok := sh.m[key]; !ok {
        s.mKeys.Add(1)
    }
    sh.m[key] = entry{val: append([]byte(nil), val...), expireAt: s.deadline(ttl)}
    s.mAdds.Add(1)
}

// Get returns the value for a live key.
func (s *Store) Get(key string) ([]byte, bool) {
    sh := s.shardFor(key)
    now := s.nowFn().UnixNano()
    sh.mu.RLock()
    e, ok := sh.m[key]
    sh.mu.RUnlock()
    if !ok || !s.live(e, now) {
        s.mMisses.Add(1)
        return nil, false
    }
    s.mHits.Add(1)
    return append([]byte(nil), e.val...), true
}

// Has reports whether a live key exists.
func (s *Store) Has(key string) bool {
    _, ok := s.Get(key)
    return ok
}

// Delete removes a key.
func (s *Store) Delete(key string) {
    sh := s.shardFor(key)
    sh.mu.Lock()
    if _, ok := sh.m[key]; ok {
        delete(sh.m, key)
        s.mKeys.Add(-1)
    }
    sh.mu.Unlock()
}

// Len returns the number of tracked keys, including not-yet-swept expired ones.
func (s *Store) Len() int { return int(s.mKeys.Load()) }

// Sweep removes expired keys immediately. Returns the number reclaimed.
func (s *Store) Sweep() int {
    now := s.nowFn().UnixNano()
    var n int
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.Lock()
        for k, e := range sh.m {
            if !s.live(e, now) {
                delete(sh.m, k)
                n++
            }
        }
        sh.mu.Unlock()
    }
    if n > 0 {
        s.mKeys.Add(int64(-n))
        s.mExpired.Add(uint64(n))
    }
    return n
}

func (s *Store) sweeper() {
    defer s.wg.Done()
    t := time.NewTicker(s.opts.SweepInterval)
    defer t.Stop()
    for {
        select {
        case <-s.closeCh:
            return
        case <-t.C:
            s.Sweep()
        }
    }
}

// Stats is a snapshot of store counters.
type Stats struct {
    Keys    int
    Adds    uint64
    Hits    uint64
    Misses  uint64
    Expired uint64
}

func (s *Store) Stats() Stats {
    return Stats{
        Keys:    int(s.mKeys.Load()),
        Adds:    s.mAdds.Load(),
        Hits:    s.mHits.Load(),
        Misses:  s.mMisses.Load(),
        Expired: s.mExpired.Load(),
    }
}
