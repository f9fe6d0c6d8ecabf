package detectors

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/edgeshield/botshield/internal/behavior"
	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/window"
)

// assetExtensions mark requests that browsers issue automatically while
// loading a page; they never count as navigations.
var assetExtensions = map[string]struct{}{
	".js": {}, ".css": {}, ".map": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".avif": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".mp4": {}, ".webm": {}, ".mp3": {}, ".ogg": {}, ".wav": {},
	".json": {}, ".xml": {},
}

// htmlExtensions are page-like path extensions.
var htmlExtensions = map[string]struct{}{
	".html": {}, ".htm": {}, ".xhtml": {}, ".php": {}, ".asp": {}, ".aspx": {}, ".jsp": {},
}

const (
	burstWindow = 10 * time.Second

	rapidPageThreshold     = 100 * time.Millisecond
	veryRapidPageThreshold = 50 * time.Millisecond
)

// BehavioralDetector runs the sliding-window and statistical checks for the
// request's identities: content-aware rate limiting, pacing, referrer and
// cookie discipline, and the profile-level anomaly analyzers.
type BehavioralDetector struct {
	cfg      config.DetectorConfig
	behavior config.BehavioralConfig
	baseRate int
	store    *window.Store
}

// NewBehavioralDetector builds the detector over the shared window store.
func NewBehavioralDetector(opts *config.Options, store *window.Store) *BehavioralDetector {
	return &BehavioralDetector{
		cfg:      opts.DetectorFor(config.DetectorBehavioral),
		behavior: opts.Behavioral,
		baseRate: opts.MaxRequestsPerMinute,
		store:    store,
	}
}

// Name implements detect.Detector.
func (d *BehavioralDetector) Name() string { return config.DetectorBehavioral }

// Stage implements detect.Detector.
func (d *BehavioralDetector) Stage() detect.Stage { return detect.StageBehavioral }

// IsPageNavigation classifies a request as a page load rather than an asset
// or API subrequest.
func IsPageNavigation(rc *detect.RequestContext) bool {
	p := strings.ToLower(rc.Path)
	if strings.Contains(p, "/api/") || strings.HasPrefix(p, "/api") {
		return false
	}
	if ext := path.Ext(p); ext != "" {
		if _, asset := assetExtensions[ext]; asset {
			return false
		}
		if _, html := htmlExtensions[ext]; html {
			return true
		}
	}

	dest := strings.ToLower(rc.HeaderValue("Sec-Fetch-Dest"))
	if dest == "document" || dest == "iframe" {
		return true
	}
	if dest != "" && dest != "document" && dest != "iframe" {
		return false
	}

	if strings.HasPrefix(rc.HeaderValue("Accept"), "text/html") {
		return true
	}
	// No extension and nothing saying otherwise: treat as a page.
	return path.Ext(p) == ""
}

// isSubRequest reports whether the request is HTMX or fetch-driven, which
// proves JavaScript execution.
func isSubRequest(rc *detect.RequestContext) bool {
	if rc.HasHeader("HX-Request") {
		return true
	}
	mode := strings.ToLower(rc.HeaderValue("Sec-Fetch-Mode"))
	return mode == "cors" || mode == "same-origin"
}

type identityLimit struct {
	label string
	key   string
	limit int
}

// limits assembles the per-identity rate limits that apply to this request.
func (d *BehavioralDetector) limits(rc *detect.RequestContext) []identityLimit {
	var out []identityLimit
	if rc.Identities.IP != "" {
		out = append(out, identityLimit{"ip", rc.Identities.IP, d.baseRate})
	}
	if rc.Identities.ClientSide != "" {
		out = append(out, identityLimit{"fingerprint", rc.Identities.ClientSide, d.baseRate * 3 / 2})
	}
	if rc.APIKey != "" {
		limit := d.behavior.APIKeyRateLimit
		if limit <= 0 {
			limit = d.baseRate * 2
		}
		out = append(out, identityLimit{"api_key", "apikey:" + rc.APIKey, limit})
	}
	if rc.AuthenticatedUserID != "" {
		limit := d.behavior.UserRateLimit
		if limit <= 0 {
			limit = d.baseRate * 3
		}
		out = append(out, identityLimit{"user", "user:" + rc.AuthenticatedUserID, limit})
	}
	return out
}

// Detect implements detect.Detector.
func (d *BehavioralDetector) Detect(_ context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	id := rc.Identities.IP
	if id == "" {
		id = rc.Identities.Primary
	}
	if id == "" {
		return nil, nil // nothing to key windows on
	}

	now := rc.RequestedAt
	isPage := IsPageNavigation(rc)

	var contributions []detect.Contribution
	total := 0.0
	add := func(delta float64, reason string) {
		total += delta
		contributions = append(contributions, detect.Contribution{
			DetectorName:    d.Name(),
			Category:        detect.CategoryBehavioral,
			ConfidenceDelta: delta,
			Weight:          d.cfg.Weight,
			Reason:          reason,
		})
	}

	// Update the per-identity windows for this request.
	totalCount := d.store.IncrAndGet("cnt1m:"+id, window.TTLCounter1m)
	pageCount := d.store.PeekCount("page1m:" + id)
	if isPage {
		pageCount = d.store.IncrAndGet("page1m:"+id, window.TTLCounter1m)
	}
	burstCount := d.store.IncrAndGet("burst:"+id, burstWindow)

	var timings []time.Time
	if isPage {
		timings = d.store.PushTimestamp("timings:"+id, window.TTLTimings, now)
	}
	d.store.AddPath("recent:"+id, window.TTLRecent, rc.Path)

	// Profile bookkeeping and warmup determination.
	warmup := false
	priorRequests := 0
	var lastPath string
	d.store.GetOrCreateProfile("profile:"+id, window.TTLProfile, func(p *window.BehaviorProfile) {
		warmup = now.Sub(p.FirstSeen) < d.warmupPeriod()
		priorRequests = p.RequestCount
		lastPath = p.LastPath

		p.RequestCount++
		p.LastSeen = now
		if isPage {
			if lastPath != "" && lastPath != rc.Path {
				if f, flagged := behavior.MarkovTransition(p, lastPath, rc.Path); flagged {
					add(f.Delta, f.Reason)
				}
			}
			p.LastPath = rc.Path
		}
		if _, seen := p.Paths[rc.Path]; !seen {
			p.Paths[rc.Path] = struct{}{}
			if len(p.Paths) > window.MaxPaths {
				// Bounded; drop arbitrary member to stay at capacity.
				for k := range p.Paths {
					delete(p.Paths, k)
					break
				}
			}
		}
		if f, flagged := behavior.Burst(p, burstWindow, int(burstCount), now); flagged {
			add(f.Delta, f.Reason)
		}
	})

	// Content-aware rate limiting: when the total far exceeds page count,
	// the client is multiplexing assets over HTTP/2 and we rate-limit
	// against navigations only.
	effective := totalCount
	kind := "requests"
	if pageCount > 0 && totalCount > 3*pageCount {
		effective = pageCount
		kind = "page navigations"
	}

	for _, il := range d.limits(rc) {
		limit := il.limit
		if warmup {
			limit *= 2
		}
		// Only the IP limit uses the page-aware count; the other identities
		// are counted on raw request totals and their evidence says so.
		count, basis := effective, kind
		if il.label != "ip" {
			count = d.store.IncrAndGet("cnt1m:"+il.key, window.TTLCounter1m)
			basis = "requests"
		}
		if int(count) > limit {
			excess := int(count) - limit
			impact := 0.3 + float64(excess)*0.05
			if impact > 0.9 {
				impact = 0.9
			}
			add(impact, fmt.Sprintf("rate limit exceeded for %s: %d %s/min (limit %d)",
				il.label, count, basis, limit))
		}
	}

	// Rapid sequential page loads. Intervals of exactly the threshold do
	// not flag.
	if isPage && !warmup && len(timings) >= 2 {
		sinceLast := timings[len(timings)-1].Sub(timings[len(timings)-2])
		switch {
		case sinceLast < veryRapidPageThreshold:
			add(0.4, fmt.Sprintf("pages %s apart", sinceLast.Round(time.Millisecond)))
		case sinceLast < rapidPageThreshold:
			add(0.25, fmt.Sprintf("rapid sequential pages, %s apart", sinceLast.Round(time.Millisecond)))
		}
	}

	sub := isSubRequest(rc)

	// Referrer discipline: pages beyond the first should carry a Referer.
	if isPage && !warmup && !sub && rc.Path != "/" && priorRequests > 1 && !rc.HasHeader("Referer") {
		add(0.15, "no Referer on non-initial page request")
	}

	// Cookie discipline: repeated requests without any cookie jar.
	if !warmup && !sub && priorRequests > 2 && len(rc.CookieNames) == 0 {
		add(0.25, fmt.Sprintf("no cookies across %d requests", priorRequests+1))
	}

	// Sub-requests prove JS execution.
	if sub {
		contributions = append(contributions, detect.Contribution{
			DetectorName:    d.Name(),
			Category:        detect.CategoryBehavioral,
			ConfidenceDelta: -0.15,
			Weight:          d.cfg.Weight,
			Reason:          "fetch/HTMX sub-request implies JS execution",
		})
	}

	// Statistical analyzers over the page timing ring and recent paths.
	if f, ok := behavior.RegularPattern(timings); ok {
		add(f.Delta, f.Reason)
	}
	if f, ok := behavior.TimingAnomaly(timings); ok {
		add(f.Delta, f.Reason)
	}
	if f, ok := behavior.TimingEntropy(timings); ok {
		add(f.Delta, f.Reason)
	}
	if f, ok := behavior.PathEntropy(d.store.RecentPaths("recent:" + id)); ok {
		add(f.Delta, f.Reason)
	}

	// Keep the summed positive confidence within 1.
	if total > 1.0 {
		scale := 1.0 / total
		for i := range contributions {
			if contributions[i].ConfidenceDelta > 0 {
				contributions[i].ConfidenceDelta *= scale
			}
		}
		total = 1.0
	}
	if total > 0.6 && len(contributions) > 0 {
		contributions[len(contributions)-1].BotType = detect.BotTypeScraper
	}

	return contributions, nil
}

func (d *BehavioralDetector) warmupPeriod() time.Duration {
	if d.behavior.WarmupPeriod > 0 {
		return d.behavior.WarmupPeriod
	}
	return 2 * time.Minute
}
