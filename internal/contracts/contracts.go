// Package contracts defines the narrow interfaces through which the
// detection core talks to its external collaborators: weight persistence,
// downloaded pattern sets, browser version data, client-side fingerprints,
// the optional LLM transport, and metrics emission. Implementations live
// outside the core; every method that can block accepts a context and must
// honor its deadline.
package contracts

import (
	"context"
	"net"
	"regexp"
	"time"
)

// SignatureType partitions learned weights by the kind of signature they
// describe. The heuristic model uses SignatureFeature.
type SignatureType string

const (
	SignatureFeature SignatureType = "feature"
	SignaturePattern SignatureType = "pattern"
)

// WeightEntry is one learned weight row.
type WeightEntry struct {
	Signature string
	Weight    float64
}

// WeightStore persists learned model weights and folds detection feedback
// into them. Reads are hot-path adjacent and must be cheap; RecordObservation
// is called from a background drain worker only.
type WeightStore interface {
	GetWeight(ctx context.Context, sigType SignatureType, signature string) (float64, error)
	GetAllWeights(ctx context.Context, sigType SignatureType) ([]WeightEntry, error)
	RecordObservation(ctx context.Context, sigType SignatureType, signature string, wasBot bool, impact float64) error
}

// CompiledPattern is a downloaded user-agent pattern, compiled once on fetch.
// Fallback is used when the upstream regex failed to compile; it is matched
// as a plain substring.
type CompiledPattern struct {
	Name     string
	Category string
	Regex    *regexp.Regexp
	Fallback string
}

// PatternCache exposes downloaded bot lists and cloud-provider IP ranges.
// A fetch failure never invalidates previously cached data; callers always
// see the freshest successfully fetched set.
type PatternCache interface {
	DownloadedPatterns() []CompiledPattern
	DownloadedCidrRanges() []*net.IPNet
	IsInAnyCidrRange(ip net.IP) (bool, *net.IPNet)
}

// BrowserVersionService answers "what is the newest major version of this
// browser". A nil result means the browser is unknown.
type BrowserVersionService interface {
	GetLatestVersion(ctx context.Context, browserName string) (int, bool)
}

// BrowserFingerprint is the pre-computed client-side fingerprint record
// produced by the beacon endpoint and stored keyed by hashed client IP.
type BrowserFingerprint struct {
	FingerprintHash        string    `json:"fingerprint_hash"`
	IntegrityScore         float64   `json:"integrity_score"`
	FingerprintConsistency float64   `json:"fingerprint_consistency"`
	HeadlessLikelihood     float64   `json:"headless_likelihood"`
	Legitimate             bool      `json:"legitimate"`
	AnalysisReasons        []string  `json:"analysis_reasons,omitempty"`
	Canvas                 string    `json:"canvas,omitempty"`
	WebGL                  string    `json:"webgl,omitempty"`
	Audio                  string    `json:"audio,omitempty"`
	Screen                 string    `json:"screen,omitempty"`
	Timezone               string    `json:"timezone,omitempty"`
	Plugins                string    `json:"plugins,omitempty"`
	Fonts                  string    `json:"fonts,omitempty"`
	CollectedAt            time.Time `json:"collected_at"`
}

// FingerprintStore resolves fingerprints by hashed client IP.
type FingerprintStore interface {
	Get(ctx context.Context, ipHash string) (*BrowserFingerprint, error)
}

// LlmClient is the transport for the optional LLM re-classification path.
// Analyze returns the raw model output; the caller parses it.
type LlmClient interface {
	Analyze(ctx context.Context, prompt string) (string, error)
	// ContextLength reports the model context window in tokens, used to
	// budget the serialized feature block.
	ContextLength() int
}

// MetricKind distinguishes sink record types.
type MetricKind int

const (
	MetricCounter MetricKind = iota
	MetricGauge
	MetricHistogram
)

// MetricRecord is one emitted measurement.
type MetricRecord struct {
	Kind   MetricKind
	Name   string
	Labels map[string]string
	Value  float64
	At     time.Time
}

// MetricsSink receives measurement records. Emit must never block the
// detection path; implementations drop on overload.
type MetricsSink interface {
	Emit(rec MetricRecord)
}

// NopMetrics is a sink that discards everything.
type NopMetrics struct{}

// Emit implements MetricsSink.
func (NopMetrics) Emit(MetricRecord) {}

// PatternObservationStore receives patterns learned by the LLM path.
type PatternObservationStore interface {
	RecordPattern(ctx context.Context, pattern, botType string, confidence float64) error
}
