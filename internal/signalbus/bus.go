// Package signalbus provides the per-request typed signal store shared
// between detectors. A bus belongs to exactly one request and is never
// accessed after the request returns.
package signalbus

import "sync"

// Kind identifies the value type stored under a signal key.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
	KindBytes
)

// Canonical signal keys. Every key has a documented value kind; detectors
// must not publish a different kind under these names.
const (
	SigIPIsLocal           = "ip.is_local"            // bool
	SigUAEmpty             = "ua.empty"               // bool
	SigUALength            = "ua.length"              // int
	SigHeadersCount        = "headers.count"          // int
	SigClientFingerprint   = "client.fingerprint_hash" // string
	SigClientIntegrity     = "client.integrity_score"  // float
	SigClientHeadless      = "client.headless_likelihood" // float
	SigAIPrediction        = "ai.prediction"          // string: "bot" or "human"
	SigAIConfidence        = "ai.confidence"          // float
	SigResponseHistory     = "response.has_history"   // bool, response-side
	SigResponseHoneypot    = "response.honeypot_hits" // int, response-side
)

// Value is a tagged signal value with a closed set of kinds.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
}

// Bus is the request-scoped signal store. Writes during a concurrently
// executing detector stage go through the internal mutex, so detectors may
// publish from their own goroutines within a stage.
type Bus struct {
	mu      sync.RWMutex
	signals map[string]Value
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{signals: make(map[string]Value, 16)}
}

// Put stores a value, overwriting any previous value under the key.
func (b *Bus) Put(key string, v Value) {
	b.mu.Lock()
	b.signals[key] = v
	b.mu.Unlock()
}

// PutBool stores a boolean signal.
func (b *Bus) PutBool(key string, v bool) { b.Put(key, Value{Kind: KindBool, Bool: v}) }

// PutInt stores an integer signal.
func (b *Bus) PutInt(key string, v int64) { b.Put(key, Value{Kind: KindInt, Int: v}) }

// PutFloat stores a float signal.
func (b *Bus) PutFloat(key string, v float64) { b.Put(key, Value{Kind: KindFloat, Float: v}) }

// PutString stores a string signal.
func (b *Bus) PutString(key, v string) { b.Put(key, Value{Kind: KindString, Str: v}) }

// Get returns the value under key, if present.
func (b *Bus) Get(key string) (Value, bool) {
	b.mu.RLock()
	v, ok := b.signals[key]
	b.mu.RUnlock()
	return v, ok
}

// GetBool returns a boolean signal, false if absent or of another kind.
func (b *Bus) GetBool(key string) bool {
	v, ok := b.Get(key)
	return ok && v.Kind == KindBool && v.Bool
}

// GetInt returns an integer signal and whether it was present.
func (b *Bus) GetInt(key string) (int64, bool) {
	v, ok := b.Get(key)
	if !ok || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// GetFloat returns a float signal and whether it was present.
func (b *Bus) GetFloat(key string) (float64, bool) {
	v, ok := b.Get(key)
	if !ok || v.Kind != KindFloat {
		return 0, false
	}
	return v.Float, true
}

// GetString returns a string signal and whether it was present.
func (b *Bus) GetString(key string) (string, bool) {
	v, ok := b.Get(key)
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// Len reports the number of published signals.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.signals)
}

// Snapshot returns an immutable copy of all signals, used by the aggregator
// when sealing the evidence.
func (b *Bus) Snapshot() map[string]Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Value, len(b.signals))
	for k, v := range b.signals {
		out[k] = v
	}
	return out
}
