package config

import "time"

// DefaultOptions returns the full default configuration. Callers that load a
// file merge on top of these.
func DefaultOptions() *Options {
	return &Options{
		BotThreshold:            0.7,
		MaxRequestsPerMinute:    60,
		EarlyExitThreshold:      0.85,
		ImmediateBlockThreshold: 0.95,

		StageParallelism: 8,
		DetectorTimeout:  500 * time.Millisecond,
		PipelineTimeout:  3 * time.Second,

		Detectors: map[string]DetectorConfig{
			DetectorUserAgent:     {Enabled: true, Weight: 1.0},
			DetectorHeaders:       {Enabled: true, Weight: 1.0},
			DetectorIP:            {Enabled: true, Weight: 1.0},
			DetectorBehavioral:    {Enabled: true, Weight: 1.2},
			DetectorInconsistency: {Enabled: true, Weight: 1.0},
			DetectorVersionAge:    {Enabled: true, Weight: 0.8},
			DetectorSecurityTool:  {Enabled: true, Weight: 1.5},
			DetectorClientSide:    {Enabled: true, Weight: 1.0},
			DetectorHeuristic:     {Enabled: true, Weight: 1.0},
			DetectorLlm:           {Enabled: false, Weight: 1.0},
		},

		WhitelistedBotPatterns: map[string]string{
			"Mozilla/5.0 (compatible; Googlebot":      "Googlebot",
			"Mozilla/5.0 (compatible; bingbot":        "Bingbot",
			"Mozilla/5.0 (compatible; YandexBot":      "YandexBot",
			"Mozilla/5.0 (compatible; DuckDuckBot":    "DuckDuckBot",
			"Mozilla/5.0 (compatible; Applebot":       "Applebot",
			"facebookexternalhit":                     "FacebookBot",
			"Twitterbot":                              "Twitterbot",
			"LinkedInBot":                             "LinkedInBot",
			"Slackbot":                                "Slackbot",
			"Mozilla/5.0 (compatible; Baiduspider":    "Baiduspider",
			"Mozilla/5.0 (compatible; AhrefsBot":      "AhrefsBot",
			"Mozilla/5.0 (compatible; SemrushBot":     "SemrushBot",
			"Mozilla/5.0 AppleWebKit/537.36 (KHTML, like Gecko; compatible; Googlebot": "Googlebot",
		},

		DatacenterIPPrefixes: []string{
			"3.0.0.0/8", "13.52.0.0/14", "18.32.0.0/11", "34.64.0.0/10",
			"35.184.0.0/13", "40.74.0.0/15", "52.0.0.0/10", "104.196.0.0/14",
			"130.211.0.0/16", "146.148.0.0/17", "167.99.0.0/16", "138.68.0.0/16",
			"159.65.0.0/16", "165.227.0.0/16", "178.128.0.0/16", "192.241.128.0/17",
		},

		TrustedProxies: []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"},

		Identity: IdentityConfig{DailyRotation: false},

		Learning: LearningConfig{
			Enabled:                  true,
			MinConfidenceForLearning: 0.8,
			LearningRate:             0.05,
			WeightReloadInterval:     15 * time.Minute,
			ObservationQueueSize:     4096,
		},

		ClientSide: ClientSideConfig{
			Enabled:           true,
			HeadlessThreshold: 0.7,
			MinIntegrityScore: 50,
		},

		VersionAge: VersionAgeConfig{
			MaxVersionsBehind:      10,
			SeverelyOutdatedBump:   0.4,
			ModeratelyOutdatedBump: 0.25,
			SlightlyOutdatedBump:   0.1,
			OsAgeClass: map[string]string{
				"Windows NT 5.1": "ancient",  // XP
				"Windows NT 6.0": "ancient",  // Vista
				"Windows NT 6.1": "very_old", // 7
				"Windows NT 6.2": "very_old", // 8
				"Windows NT 6.3": "old",      // 8.1
				"Mac OS X 10_9":  "ancient",
				"Mac OS X 10_11": "very_old",
				"Mac OS X 10_13": "old",
				"Android 4":      "ancient",
				"Android 5":      "very_old",
				"Android 7":      "old",
			},
			MinBrowserVersionByOs: map[string]map[string]int{
				"Windows NT 5.1": {"Chrome": 0, "Firefox": 0},
				"Windows NT 6.0": {"Chrome": 0, "Firefox": 0},
			},
		},

		Behavioral: BehavioralConfig{
			APIKeyHeader:    "X-Api-Key",
			APIKeyRateLimit: 0, // 0 means 2x the base limit
			UserIDHeader:    "X-User-Id",
			UserRateLimit:   0, // 0 means 3x the base limit
			WarmupPeriod:    2 * time.Minute,
		},

		Llm: LlmConfig{
			Enabled:         false,
			Model:           "gpt-4o-mini",
			Timeout:         5 * time.Second,
			MaxPromptTokens: 2000,
		},

		Actions: map[string]ActionConfig{
			"allow": {Kind: "allow"},
			"tag":   {Kind: "tag", TagHeader: "X-Bot-Risk", TagValue: "elevated"},
			"throttle": {
				Kind: "throttle", DelayMs: 500, DelayJitter: 0.5,
				MaxDelayMs: 3000, ScaleByRisk: true,
			},
			"challenge": {Kind: "challenge", ChallengeKind: "interactive", ClearanceTTL: 30 * time.Minute},
			"block":     {Kind: "block", StatusCode: 403, Message: "request blocked"},
		},

		Policies: map[string]PolicyConfig{
			"default": {Transitions: []PolicyTransition{
				{WhenRiskExceeds: 0.95, Action: "block"},
				{WhenRiskExceeds: 0.7, Action: "challenge"},
				{WhenRiskExceeds: 0.5, Action: "throttle"},
				{WhenRiskExceeds: 0.4, Action: "tag"},
			}},
			"strict": {Transitions: []PolicyTransition{
				{WhenRiskExceeds: 0.85, Action: "block"},
				{WhenRiskExceeds: 0.6, Action: "challenge"},
				{WhenRiskExceeds: 0.4, Action: "throttle"},
			}},
			"observe": {Transitions: []PolicyTransition{
				{WhenRiskExceeds: 0.4, Action: "tag"},
			}},
		},

		PathPolicies: map[string]string{
			"/api/*":   "observe",
			"/login":   "strict",
			"/signup":  "strict",
			"/healthz": "observe",
		},
		DefaultPolicy: "default",
	}
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "botshield.log",
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
		JSONFormat:    false,
	}
}
