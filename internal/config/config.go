// Package config defines the typed options record the detection engine
// consumes at startup, along with defaults, validation, and file loading.
package config

import (
	"time"
)

// DetectorConfig holds the per-detector knobs shared by every detector.
type DetectorConfig struct {
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
	Weight  float64       `json:"weight" mapstructure:"weight"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// LearningConfig controls the online weight-learning path.
type LearningConfig struct {
	Enabled                  bool          `json:"enabled" mapstructure:"enabled"`
	MinConfidenceForLearning float64       `json:"min_confidence_for_learning" mapstructure:"min-confidence-for-learning"`
	LearningRate             float64       `json:"learning_rate" mapstructure:"learning-rate"`
	WeightReloadInterval     time.Duration `json:"weight_reload_interval" mapstructure:"weight-reload-interval"`
	ObservationQueueSize     int           `json:"observation_queue_size" mapstructure:"observation-queue-size"`
}

// ClientSideConfig controls the client-side fingerprint detector.
type ClientSideConfig struct {
	Enabled           bool    `json:"enabled" mapstructure:"enabled"`
	HeadlessThreshold float64 `json:"headless_threshold" mapstructure:"headless-threshold"`
	MinIntegrityScore float64 `json:"min_integrity_score" mapstructure:"min-integrity-score"`
}

// VersionAgeConfig controls the browser/OS version-age detector.
type VersionAgeConfig struct {
	MaxVersionsBehind      int     `json:"max_versions_behind" mapstructure:"max-versions-behind"`
	SeverelyOutdatedBump   float64 `json:"severely_outdated_bump" mapstructure:"severely-outdated-bump"`
	ModeratelyOutdatedBump float64 `json:"moderately_outdated_bump" mapstructure:"moderately-outdated-bump"`
	SlightlyOutdatedBump   float64 `json:"slightly_outdated_bump" mapstructure:"slightly-outdated-bump"`
	// OsAgeClass maps an OS version label (for example "Windows NT 5.1") to
	// one of "ancient", "very_old", "old".
	OsAgeClass map[string]string `json:"os_age_class" mapstructure:"os-age-class"`
	// MinBrowserVersionByOs maps an OS label to the highest browser major
	// version that ever supported it; claims above the cap are impossible
	// combinations. Zero defers to built-in knowledge.
	MinBrowserVersionByOs map[string]map[string]int `json:"min_browser_version_by_os" mapstructure:"min-browser-version-by-os"`
}

// BehavioralConfig controls identity extraction and per-identity rate limits.
type BehavioralConfig struct {
	APIKeyHeader    string        `json:"api_key_header" mapstructure:"api-key-header"`
	APIKeyRateLimit int           `json:"api_key_rate_limit" mapstructure:"api-key-rate-limit"`
	UserIDClaim     string        `json:"user_id_claim" mapstructure:"user-id-claim"`
	UserIDHeader    string        `json:"user_id_header" mapstructure:"user-id-header"`
	UserRateLimit   int           `json:"user_rate_limit" mapstructure:"user-rate-limit"`
	WarmupPeriod    time.Duration `json:"warmup_period" mapstructure:"warmup-period"`
}

// LlmConfig controls the optional LLM re-classification detector.
type LlmConfig struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	Model           string        `json:"model" mapstructure:"model"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxPromptTokens int           `json:"max_prompt_tokens" mapstructure:"max-prompt-tokens"`
	LearnPatterns   bool          `json:"learn_patterns" mapstructure:"learn-patterns"`
}

// IdentityConfig controls identity hashing.
type IdentityConfig struct {
	// SecretKey is the hex-encoded 256-bit HMAC key.
	SecretKey string `json:"secret_key" mapstructure:"secret-key"`
	// DailyRotation applies an HKDF derivation per calendar day.
	DailyRotation bool `json:"daily_rotation" mapstructure:"daily-rotation"`
}

// ActionConfig is one typed action record referenced by policies.
type ActionConfig struct {
	// Kind is one of allow, tag, throttle, challenge, block.
	Kind string `json:"kind" mapstructure:"kind"`

	// Tag
	TagHeader string `json:"tag_header,omitempty" mapstructure:"tag-header"`
	TagValue  string `json:"tag_value,omitempty" mapstructure:"tag-value"`

	// Throttle
	DelayMs     int     `json:"delay_ms,omitempty" mapstructure:"delay-ms"`
	DelayJitter float64 `json:"delay_jitter,omitempty" mapstructure:"delay-jitter"`
	MaxDelayMs  int     `json:"max_delay_ms,omitempty" mapstructure:"max-delay-ms"`
	ScaleByRisk bool    `json:"scale_by_risk,omitempty" mapstructure:"scale-by-risk"`

	// Challenge
	ChallengeKind string        `json:"challenge_kind,omitempty" mapstructure:"challenge-kind"`
	ClearanceTTL  time.Duration `json:"clearance_ttl,omitempty" mapstructure:"clearance-ttl"`

	// Block
	StatusCode int    `json:"status_code,omitempty" mapstructure:"status-code"`
	Message    string `json:"message,omitempty" mapstructure:"message"`
}

// PolicyTransition is one ordered rule inside a named policy.
type PolicyTransition struct {
	WhenRiskExceeds float64 `json:"when_risk_exceeds" mapstructure:"when-risk-exceeds"`
	WhenSignal      string  `json:"when_signal,omitempty" mapstructure:"when-signal"`
	Action          string  `json:"action" mapstructure:"action"`
}

// PolicyConfig is a named ordered transition list.
type PolicyConfig struct {
	Transitions []PolicyTransition `json:"transitions" mapstructure:"transitions"`
}

// Options is the immutable configuration record the engine consumes.
// Rebinding happens by swapping the whole record, never by mutation.
type Options struct {
	BotThreshold            float64 `json:"bot_threshold" mapstructure:"bot-threshold"`
	MaxRequestsPerMinute    int     `json:"max_requests_per_minute" mapstructure:"max-requests-per-minute"`
	EarlyExitThreshold      float64 `json:"early_exit_threshold" mapstructure:"early-exit-threshold"`
	ImmediateBlockThreshold float64 `json:"immediate_block_threshold" mapstructure:"immediate-block-threshold"`

	// StageParallelism bounds concurrent detectors within one stage.
	StageParallelism int           `json:"stage_parallelism" mapstructure:"stage-parallelism"`
	DetectorTimeout  time.Duration `json:"detector_timeout" mapstructure:"detector-timeout"`
	PipelineTimeout  time.Duration `json:"pipeline_timeout" mapstructure:"pipeline-timeout"`

	Detectors map[string]DetectorConfig `json:"detectors" mapstructure:"detectors"`

	// PatternFeeds and CidrFeeds are URLs fetched hourly by the pattern
	// cache; empty lists disable downloading.
	PatternFeeds []string `json:"pattern_feeds" mapstructure:"pattern-feeds"`
	CidrFeeds    []string `json:"cidr_feeds" mapstructure:"cidr-feeds"`

	// WhitelistedBotPatterns maps a UA prefix to the verified bot name.
	WhitelistedBotPatterns map[string]string `json:"whitelisted_bot_patterns" mapstructure:"whitelisted-bot-patterns"`
	DatacenterIPPrefixes   []string          `json:"datacenter_ip_prefixes" mapstructure:"datacenter-ip-prefixes"`
	TrustedProxies         []string          `json:"trusted_proxies" mapstructure:"trusted-proxies"`
	EnableTorCheck         bool              `json:"enable_tor_check" mapstructure:"enable-tor-check"`
	TorExitNodes           []string          `json:"tor_exit_nodes" mapstructure:"tor-exit-nodes"`

	Identity   IdentityConfig   `json:"identity" mapstructure:"identity"`
	Learning   LearningConfig   `json:"learning" mapstructure:"learning"`
	ClientSide ClientSideConfig `json:"client_side" mapstructure:"client-side"`
	VersionAge VersionAgeConfig `json:"version_age" mapstructure:"version-age"`
	Behavioral BehavioralConfig `json:"behavioral" mapstructure:"behavioral"`
	Llm        LlmConfig        `json:"llm" mapstructure:"llm"`

	Actions  map[string]ActionConfig `json:"actions" mapstructure:"actions"`
	Policies map[string]PolicyConfig `json:"policies" mapstructure:"policies"`
	// PathPolicies maps a path pattern (exact, prefix ending in *, or glob)
	// to a policy name.
	PathPolicies  map[string]string `json:"path_policies" mapstructure:"path-policies"`
	DefaultPolicy string            `json:"default_policy" mapstructure:"default-policy"`

	// ChallengeSigningKey signs challenge clearance tokens.
	ChallengeSigningKey string `json:"challenge_signing_key" mapstructure:"challenge-signing-key"`

	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig mirrors the logging knobs consumed by internal/logs.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// Detector names used as keys in Options.Detectors.
const (
	DetectorUserAgent     = "user_agent"
	DetectorHeaders       = "headers"
	DetectorIP            = "ip"
	DetectorBehavioral    = "behavioral"
	DetectorInconsistency = "inconsistency"
	DetectorVersionAge    = "version_age"
	DetectorSecurityTool  = "security_tool"
	DetectorClientSide    = "client_side"
	DetectorHeuristic     = "heuristic"
	DetectorLlm           = "llm"
)

// DetectorFor returns the per-detector config with defaults applied for
// unknown names.
func (o *Options) DetectorFor(name string) DetectorConfig {
	if dc, ok := o.Detectors[name]; ok {
		if dc.Timeout <= 0 {
			dc.Timeout = o.DetectorTimeout
		}
		return dc
	}
	return DetectorConfig{Enabled: true, Weight: 1.0, Timeout: o.DetectorTimeout}
}
