// Package detect defines the detection data model: the per-request context,
// detector contract, contributions, and the aggregated evidence the
// orchestrator produces. Concrete detectors live in detect/detectors.
package detect

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/signalbus"
)

// Stage orders detector execution. Detectors within a stage run
// concurrently; stages run in ascending order.
type Stage int

const (
	StageRawSignals Stage = iota
	StageBehavioral
	StageMetaAnalysis
	StageIntelligence
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageRawSignals:
		return "raw_signals"
	case StageBehavioral:
		return "behavioral"
	case StageMetaAnalysis:
		return "meta_analysis"
	case StageIntelligence:
		return "intelligence"
	}
	return "unknown"
}

// Category groups contributions by the kind of evidence they carry.
type Category string

const (
	CategoryUserAgent     Category = "User-Agent"
	CategoryHeaders       Category = "Headers"
	CategoryIP            Category = "IP"
	CategoryBehavioral    Category = "Behavioral"
	CategoryClientSide    Category = "ClientSide"
	CategoryInconsistency Category = "Inconsistency"
	CategoryVersionAge    Category = "VersionAge"
	CategorySecurityTool  Category = "SecurityTool"
	CategoryHeuristic     Category = "Heuristic"
	CategoryLLM           Category = "LLM Analysis"
)

// BotType classifies what kind of automated client was identified.
type BotType string

const (
	BotTypeUnknown      BotType = ""
	BotTypeVerifiedBot  BotType = "VerifiedBot"
	BotTypeScraper      BotType = "Scraper"
	BotTypeTool         BotType = "Tool"
	BotTypeMaliciousBot BotType = "MaliciousBot"
)

// RiskBand is the five-level discretization of bot probability.
type RiskBand string

const (
	RiskVeryLow  RiskBand = "very_low"
	RiskLow      RiskBand = "low"
	RiskMedium   RiskBand = "medium"
	RiskHigh     RiskBand = "high"
	RiskVeryHigh RiskBand = "very_high"
)

// BandFor maps a bot probability to its risk band.
func BandFor(p float64) RiskBand {
	switch {
	case p < 0.2:
		return RiskVeryLow
	case p < 0.4:
		return RiskLow
	case p < 0.6:
		return RiskMedium
	case p < 0.85:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

// Contribution is one detector's signed, weighted vote into the aggregate.
// ConfidenceDelta is in [-1, 1]; negative values lean human. Weight is the
// detector importance multiplier in [0, 5].
type Contribution struct {
	DetectorName    string   `json:"detector"`
	Category        Category `json:"category"`
	ConfidenceDelta float64  `json:"confidence_delta"`
	Weight          float64  `json:"weight"`
	Reason          string   `json:"reason"`
	BotType         BotType  `json:"bot_type,omitempty"`
	BotName         string   `json:"bot_name,omitempty"`
}

// CategoryStat is the per-category rollup inside the evidence.
type CategoryStat struct {
	Score float64 `json:"score"` // max absolute confidence delta seen
	Count int     `json:"count"`
}

// AggregatedEvidence is the sealed output of one pipeline run.
type AggregatedEvidence struct {
	EvaluationID      string                     `json:"evaluation_id"`
	BotProbability    float64                    `json:"bot_probability"`
	Confidence        float64                    `json:"confidence"`
	RiskBand          RiskBand                   `json:"risk_band"`
	Contributions     []Contribution             `json:"contributions"`
	Signals           map[string]signalbus.Value `json:"-"`
	CategoryBreakdown map[Category]CategoryStat  `json:"category_breakdown"`
	PrimaryBotType    BotType                    `json:"primary_bot_type,omitempty"`
	PrimaryBotName    string                     `json:"primary_bot_name,omitempty"`
	EarlyExit         bool                       `json:"early_exit"`
	EarlyExitReason   string                     `json:"early_exit_reason,omitempty"`
	ForcedBlock       bool                       `json:"forced_block"`
	ProcessingTimeMs  float64                    `json:"processing_time_ms"`
	FailedDetectors   []string                   `json:"failed_detectors,omitempty"`
}

// IsVerifiedBot reports whether the verified-bot allowlist matched.
func (e *AggregatedEvidence) IsVerifiedBot() bool {
	return e.PrimaryBotType == BotTypeVerifiedBot
}

// Header is one request header with its original position preserved, so the
// header-ordering checks can see what the client actually sent.
type Header struct {
	Name   string
	Values []string
}

// RequestContext carries everything the detectors may inspect about one
// request. It is owned by that request; the signal bus inside it must not be
// touched after the request returns.
type RequestContext struct {
	Method        string
	Path          string
	QueryCount    int
	ContentLength int64
	IsHTTPS       bool

	// Headers preserves original insertion order.
	Headers []Header
	// CookieNames holds cookie names only; values are never inspected.
	CookieNames []string

	RemoteAddress       string
	ForwardedChain      []string
	AuthenticatedUserID string
	APIKey              string

	RequestedAt     time.Time
	RequestedAtMono time.Time

	Bus *signalbus.Bus

	// Identities is populated by the identity resolver before stage 0.
	Identities IdentitySet

	// Fingerprint is the pre-fetched client-side record, set by the engine so
	// the store is queried at most once per request. FingerprintResolved
	// distinguishes "looked up, absent" from "never looked up".
	Fingerprint         *contracts.BrowserFingerprint
	FingerprintResolved bool
}

// IdentitySet holds the hex-encoded keyed hashes derived for this request.
// Absent identities are empty strings, never zero-value hashes.
type IdentitySet struct {
	Primary    string
	IP         string
	UA         string
	ClientSide string
	Plugin     string
	Subnet     string
}

// HeaderValues returns all values for a header, case-insensitively.
func (rc *RequestContext) HeaderValues(name string) []string {
	for _, h := range rc.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Values
		}
	}
	return nil
}

// HeaderValue returns the first value for a header, or "".
func (rc *RequestContext) HeaderValue(name string) string {
	vs := rc.HeaderValues(name)
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// HasHeader reports whether the header is present at all.
func (rc *RequestContext) HasHeader(name string) bool {
	return rc.HeaderValues(name) != nil
}

// HeaderIndex returns the position of a header in send order, or -1.
func (rc *RequestContext) HeaderIndex(name string) int {
	for i, h := range rc.Headers {
		if strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

// UserAgent returns the User-Agent header value.
func (rc *RequestContext) UserAgent() string {
	return rc.HeaderValue("User-Agent")
}

// ClientIP returns the effective client address: the first token of
// X-Forwarded-For when a forwarding chain exists, otherwise the direct
// remote address with any port stripped.
func (rc *RequestContext) ClientIP() string {
	if len(rc.ForwardedChain) > 0 {
		if ip := strings.TrimSpace(rc.ForwardedChain[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(rc.RemoteAddress)
	if err != nil {
		return rc.RemoteAddress
	}
	return host
}

// Detector is the contract every detector implements. Detect must honor the
// context deadline and return promptly when cancelled; a cancelled detector
// returns nil contributions.
type Detector interface {
	Name() string
	Stage() Stage
	Detect(ctx context.Context, rc *RequestContext) ([]Contribution, error)
}

// EvidenceDetector is the optional capability for late-stage detectors that
// consume the evidence accumulated by earlier stages. The orchestrator calls
// DetectWithEvidence instead of Detect when the capability is present; the
// evidence snapshot is read-only.
type EvidenceDetector interface {
	Detector
	DetectWithEvidence(ctx context.Context, rc *RequestContext, ev *AggregatedEvidence) ([]Contribution, error)
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
