// Package detectors contains the concrete detector implementations that
// plug into the staged pipeline. Each detector declares its stage and emits
// signed, weighted contributions with human-readable reasons.
package detectors

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/signalbus"
)

// maliciousUASubstrings score +0.3 each.
var maliciousUASubstrings = []string{
	"masscan", "zgrab", "nuclei", "dirbuster", "gobuster", "nessus",
	"acunetix", "netsparker", "grabber",
}

// automationUASubstrings score +0.5 each and mark the client a scraper.
var automationUASubstrings = []string{
	"headless", "phantomjs", "selenium", "puppeteer", "playwright",
	"scrapy", "mechanize", "httpclient", "python-requests", "aiohttp",
	"go-http-client", "okhttp", "java/", "libwww",
}

// staticUAPatterns are compiled once at package init; each match adds +0.2.
var staticUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbot\b`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawl(er|ing)?`),
	regexp.MustCompile(`(?i)scrap(er|ing)`),
	regexp.MustCompile(`(?i)^(curl|wget|httpie)/`),
	regexp.MustCompile(`(?i)python(-urllib)?/\d`),
	regexp.MustCompile(`(?i)fetch(er)?\b`),
}

var uaURLScheme = regexp.MustCompile(`https?://`)

// UserAgentDetector scores the User-Agent header: allowlisted verified bots
// pass with full human confidence, known automation and malicious tooling
// raises the score, and so do degenerate shapes like a missing or very
// short UA.
type UserAgentDetector struct {
	cfg      config.DetectorConfig
	patterns contracts.PatternCache
	// whitelist maps UA prefixes to verified bot names, longest prefix wins.
	whitelist map[string]string
}

// NewUserAgentDetector builds the detector from options.
func NewUserAgentDetector(opts *config.Options, patterns contracts.PatternCache) *UserAgentDetector {
	return &UserAgentDetector{
		cfg:       opts.DetectorFor(config.DetectorUserAgent),
		patterns:  patterns,
		whitelist: opts.WhitelistedBotPatterns,
	}
}

// Name implements detect.Detector.
func (d *UserAgentDetector) Name() string { return config.DetectorUserAgent }

// Stage implements detect.Detector.
func (d *UserAgentDetector) Stage() detect.Stage { return detect.StageRawSignals }

// Detect implements detect.Detector.
func (d *UserAgentDetector) Detect(_ context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	ua := rc.UserAgent()
	rc.Bus.PutBool(signalbus.SigUAEmpty, ua == "")
	rc.Bus.PutInt(signalbus.SigUALength, int64(len(ua)))

	if ua == "" {
		return []detect.Contribution{{
			DetectorName:    d.Name(),
			Category:        detect.CategoryUserAgent,
			ConfidenceDelta: 0.8,
			Weight:          d.cfg.Weight,
			Reason:          "missing User-Agent header",
		}}, nil
	}

	// Verified bot allowlist short-circuits everything else.
	if name, ok := d.matchWhitelist(ua); ok {
		return []detect.Contribution{{
			DetectorName:    d.Name(),
			Category:        detect.CategoryUserAgent,
			ConfidenceDelta: -1.0,
			Weight:          d.cfg.Weight,
			Reason:          fmt.Sprintf("verified bot: %s", name),
			BotType:         detect.BotTypeVerifiedBot,
			BotName:         name,
		}}, nil
	}

	var contributions []detect.Contribution
	total := 0.0
	botType := detect.BotTypeUnknown
	uaLower := strings.ToLower(ua)

	add := func(delta float64, reason string) {
		total += delta
		contributions = append(contributions, detect.Contribution{
			DetectorName:    d.Name(),
			Category:        detect.CategoryUserAgent,
			ConfidenceDelta: delta,
			Weight:          d.cfg.Weight,
			Reason:          reason,
		})
	}

	for _, s := range maliciousUASubstrings {
		if strings.Contains(uaLower, s) {
			add(0.3, fmt.Sprintf("malicious tooling marker %q", s))
		}
	}

	for _, s := range automationUASubstrings {
		if strings.Contains(uaLower, s) {
			add(0.5, fmt.Sprintf("automation framework marker %q", s))
			botType = detect.BotTypeScraper
		}
	}

	for _, re := range staticUAPatterns {
		if re.MatchString(ua) {
			add(0.2, fmt.Sprintf("bot pattern %s", re.String()))
		}
	}

	// Downloaded pattern set: first match contributes, then stop.
	if d.patterns != nil {
		for _, p := range d.patterns.DownloadedPatterns() {
			if matchPattern(p, ua) {
				add(0.25, fmt.Sprintf("known bot list match: %s", p.Name))
				break
			}
		}
	}

	if len(ua) < 20 {
		add(0.4, fmt.Sprintf("implausibly short User-Agent (%d chars)", len(ua)))
	}
	if uaURLScheme.MatchString(ua) {
		add(0.3, "User-Agent embeds a URL")
	}

	// Rescale so the detector's summed confidence stays within [0, 1].
	if total > 1.0 {
		scale := 1.0 / total
		for i := range contributions {
			contributions[i].ConfidenceDelta *= scale
		}
		total = 1.0
	}
	if total > 0.5 && botType == detect.BotTypeUnknown {
		botType = detect.BotTypeScraper
	}
	if botType != detect.BotTypeUnknown && len(contributions) > 0 {
		contributions[len(contributions)-1].BotType = botType
	}

	return contributions, nil
}

func (d *UserAgentDetector) matchWhitelist(ua string) (string, bool) {
	bestLen := 0
	bestName := ""
	for prefix, name := range d.whitelist {
		if strings.HasPrefix(ua, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestName = name
		}
	}
	return bestName, bestLen > 0
}

// matchPattern applies a downloaded pattern with its substring fallback.
func matchPattern(p contracts.CompiledPattern, s string) bool {
	if p.Regex != nil {
		return p.Regex.MatchString(s)
	}
	if p.Fallback != "" {
		return strings.Contains(strings.ToLower(s), strings.ToLower(p.Fallback))
	}
	return false
}
