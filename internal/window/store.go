// Package window implements the per-identity sliding-window store: bounded
// counters, timing rings, and path sets with TTL eviction. Entries are keyed
// by identity hash; plaintext identifiers are never stored here.
package window

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	shardCount      = 64
	CleanupInterval = 30 * time.Second

	// MaxTimings bounds the inter-arrival ring per identity.
	MaxTimings = 10
	// MaxPaths bounds the per-identity path set.
	MaxPaths = 100
)

// Default TTLs for the canonical window kinds.
const (
	TTLCounter1m = 60 * time.Second
	TTLLastSeen  = 5 * time.Minute
	TTLTimings   = 5 * time.Minute
	TTLRecent    = 5 * time.Minute
	TTLProfile   = 24 * time.Hour
)

// BehaviorProfile is the long-lived per-identity record used by the
// behavioral analyzer. All fields are guarded by the owning entry's mutex;
// callers receive them only through WithProfile.
type BehaviorProfile struct {
	RequestCount int
	FirstSeen    time.Time
	LastSeen     time.Time
	LastPath     string
	Paths        map[string]struct{}
	// Transitions holds first-order navigation counts keyed by simplified
	// source path, then simplified destination path.
	Transitions map[string]map[string]int
}

type entry struct {
	expiresAt atomic.Int64 // unix nanos

	counter atomic.Int64

	mu      sync.Mutex
	timings []time.Time
	paths   map[string]time.Time
	order   []string
	profile *BehaviorProfile
}

func (e *entry) expired(now time.Time) bool {
	exp := e.expiresAt.Load()
	return exp > 0 && now.UnixNano() > exp
}

func (e *entry) touch(ttl time.Duration, now time.Time) {
	e.expiresAt.Store(now.Add(ttl).UnixNano())
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is the sharded TTL store. Mutations on one key serialize through the
// entry; concurrent increments on the hot counters are lock-free.
type Store struct {
	shards [shardCount]*shard
	logger *zap.Logger
	stopCh chan struct{}
	nowFn  func() time.Time
}

// New creates a store and starts its background sweep.
func New(logger *zap.Logger) *Store {
	s := &Store{
		logger: logger,
		stopCh: make(chan struct{}),
		nowFn:  time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweep.
func (s *Store) Close() {
	close(s.stopCh)
}

// fnv1a is the shard selector; identity hashes are uniformly distributed
// already, this just folds them into a shard index.
func fnv1a(key string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[fnv1a(key)%shardCount]
}

// getOrCreate returns the live entry for key, replacing an expired one.
func (s *Store) getOrCreate(key string, ttl time.Duration) *entry {
	now := s.nowFn()
	sh := s.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok && !e.expired(now) {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok = sh.entries[key]; ok && !e.expired(now) {
		return e
	}
	e = &entry{}
	e.touch(ttl, now)
	sh.entries[key] = e
	return e
}

// peek returns the entry only if it exists and is live.
func (s *Store) peek(key string) (*entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok || e.expired(s.nowFn()) {
		return nil, false
	}
	return e, true
}

// IncrAndGet atomically increments the counter under key, creating the entry
// with the given TTL when absent. The TTL is fixed at creation; within the
// window the counter only grows.
func (s *Store) IncrAndGet(key string, ttl time.Duration) int64 {
	return s.getOrCreate(key, ttl).counter.Add(1)
}

// PeekCount reads a counter without creating the entry.
func (s *Store) PeekCount(key string) int64 {
	e, ok := s.peek(key)
	if !ok {
		return 0
	}
	return e.counter.Load()
}

// PushTimestamp appends a timestamp to the bounded ring under key and
// returns a copy of the current ring, oldest first.
func (s *Store) PushTimestamp(key string, ttl time.Duration, ts time.Time) []time.Time {
	e := s.getOrCreate(key, ttl)
	e.touch(ttl, s.nowFn()) // sliding

	e.mu.Lock()
	defer e.mu.Unlock()
	e.timings = append(e.timings, ts)
	if len(e.timings) > MaxTimings {
		e.timings = e.timings[len(e.timings)-MaxTimings:]
	}
	out := make([]time.Time, len(e.timings))
	copy(out, e.timings)
	return out
}

// AddPath records a path under key, returning true when it was not seen
// before. The set is bounded; the oldest insertion is evicted at capacity.
func (s *Store) AddPath(key string, ttl time.Duration, path string) bool {
	e := s.getOrCreate(key, ttl)
	e.touch(ttl, s.nowFn())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paths == nil {
		e.paths = make(map[string]time.Time)
	}
	if _, seen := e.paths[path]; seen {
		e.paths[path] = s.nowFn()
		return false
	}
	e.paths[path] = s.nowFn()
	e.order = append(e.order, path)
	if len(e.order) > MaxPaths {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.paths, oldest)
	}
	return true
}

// RecentPaths returns the recorded paths under key in insertion order.
func (s *Store) RecentPaths(key string) []string {
	e, ok := s.peek(key)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// GetOrCreateProfile materializes the behavior profile under key exactly
// once and runs fn with the entry lock held. The profile must not escape fn.
func (s *Store) GetOrCreateProfile(key string, ttl time.Duration, fn func(p *BehaviorProfile)) {
	e := s.getOrCreate(key, ttl)
	e.touch(ttl, s.nowFn()) // profile TTL slides on access

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.profile == nil {
		now := s.nowFn()
		e.profile = &BehaviorProfile{
			FirstSeen:   now,
			LastSeen:    now,
			Paths:       make(map[string]struct{}),
			Transitions: make(map[string]map[string]int),
		}
	}
	fn(e.profile)
}

// WithProfile runs fn when a profile already exists; it reports whether one
// did. Absent profiles mean "new client" and are never created here.
func (s *Store) WithProfile(key string, fn func(p *BehaviorProfile)) bool {
	e, ok := s.peek(key)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.profile == nil {
		return false
	}
	fn(e.profile)
	return true
}

// Len reports the number of live entries, for metrics.
func (s *Store) Len() int {
	now := s.nowFn()
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if !e.expired(now) {
				total++
			}
		}
		sh.mu.RUnlock()
	}
	return total
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := s.sweep()
			if removed > 0 {
				s.logger.Debug("window store sweep", zap.Int("evicted", removed))
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep() int {
	now := s.nowFn()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
