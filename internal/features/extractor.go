// Package features turns a request and its accumulated evidence into the
// sparse named feature map the heuristic model consumes. Extraction is pure:
// the same request context and evidence always produce the same map.
package features

import (
	"fmt"
	"math"
	"strings"

	"github.com/edgeshield/botshield/internal/detect"
)

// Map is a sparse feature activation map. Values are clamped to [0, 1].
type Map map[string]float64

// uaSubstrings are the user-agent substring features extracted in early mode.
var uaSubstrings = []string{
	"bot", "spider", "crawler", "scraper", "headless", "phantomjs",
	"selenium", "curl", "wget", "python", "scrapy", "requests", "httpx",
	"aiohttp", "chrome", "firefox", "safari", "edge",
}

// probePaths are path fragments typical for credential and config probing.
var probePaths = []string{
	".env", ".git", "wp-admin", "wp-login", "phpmyadmin", ".aws",
	"config.php", "admin/config", ".ssh", "backup", ".htaccess", "id_rsa",
}

// browserHeaders are the headers a real browser virtually always sends.
var browserHeaders = []string{
	"Accept", "Accept-Encoding", "Accept-Language", "Cache-Control",
	"Connection", "Upgrade-Insecure-Requests",
}

// NormalizeName canonicalizes a feature name: lowercased, with spaces,
// dashes, dots, and colons (beyond the namespace separator) mapped to
// underscores.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	// Preserve the first colon as the namespace separator.
	ns, rest, found := strings.Cut(name, ":")
	clean := func(s string) string {
		r := strings.NewReplacer(" ", "_", "-", "_", ".", "_", ":", "_")
		return r.Replace(s)
	}
	if !found {
		return clean(ns)
	}
	return clean(ns) + ":" + clean(rest)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// set stores a clamped feature under its normalized name.
func (m Map) set(name string, v float64) {
	m[NormalizeName(name)] = clamp01(v)
}

func (m Map) setBool(name string, v bool) {
	if v {
		m.set(name, 1)
	}
}

// ExtractEarly produces the basic request-metadata features available before
// any detector has run.
func ExtractEarly(rc *detect.RequestContext) Map {
	m := make(Map, 32)

	ua := rc.UserAgent()
	uaLower := strings.ToLower(ua)
	pathLower := strings.ToLower(rc.Path)

	// Normalized lengths.
	m.set("ua:length", float64(len(ua))/200.0)
	m.set("req:path_length", float64(len(rc.Path))/100.0)
	m.set("req:header_count", float64(len(rc.Headers))/20.0)
	m.set("req:query_count", float64(rc.QueryCount)/10.0)
	m.set("req:cookie_count", float64(len(rc.CookieNames))/5.0)
	if rc.ContentLength > 0 {
		m.set("req:content_length", float64(rc.ContentLength)/10000.0)
	}
	m.setBool("req:https", rc.IsHTTPS)
	m.setBool("ua:empty", ua == "")

	for _, sub := range uaSubstrings {
		if strings.Contains(uaLower, sub) {
			if sub == "bot" {
				m.set("ua:contains_bot", 1)
			} else {
				m.set("ua:"+sub, 1)
			}
		}
	}

	// Header presence booleans.
	for _, h := range browserHeaders {
		m.setBool("hdr:"+strings.ToLower(h), rc.HasHeader(h))
	}
	m.setBool("hdr:referer", rc.HasHeader("Referer"))
	m.setBool("hdr:sec-fetch-mode", rc.HasHeader("Sec-Fetch-Mode"))
	m.setBool("hdr:sec-ch-ua", rc.HasHeader("Sec-Ch-Ua"))

	// Accept header shape.
	accept := rc.HeaderValue("Accept")
	m.setBool("accept:generic", strings.TrimSpace(accept) == "*/*")
	m.setBool("accept:html", strings.Contains(accept, "text/html"))
	m.setBool("accept:missing", accept == "")

	// Combination features.
	isBrowserUA := strings.Contains(uaLower, "mozilla")
	if isBrowserUA && !rc.HasHeader("Accept-Language") {
		m.set("combo:browser_no_accept_lang", 1)
	}

	// Path probing.
	for _, probe := range probePaths {
		if strings.Contains(pathLower, probe) {
			m.set("path:probe", 1)
			if probe == ".git" || probe == ".env" || probe == ".ssh" {
				m.set("path:vcs_probe", 1)
			}
			break
		}
	}

	m.setBool("method:post", rc.Method == "POST")
	m.setBool("method:head", rc.Method == "HEAD")

	return m
}

// ExtractFull produces the complete feature map: the early features plus
// per-detector, per-category, signal, failure, fingerprint, AI, statistic,
// and running-result features derived from the aggregated evidence.
func ExtractFull(rc *detect.RequestContext, ev *detect.AggregatedEvidence) Map {
	m := ExtractEarly(rc)
	if ev == nil {
		return m
	}

	// Per-detector max confidence delta.
	maxByDetector := make(map[string]float64)
	for _, c := range ev.Contributions {
		if c.ConfidenceDelta > maxByDetector[c.DetectorName] {
			maxByDetector[c.DetectorName] = c.ConfidenceDelta
		}
	}
	for name, v := range maxByDetector {
		m.set("det:"+name, v)
	}

	// Per-category scores.
	for cat, stat := range ev.CategoryBreakdown {
		m.set("cat:"+string(cat), stat.Score)
	}

	// Signal presence.
	for key := range ev.Signals {
		m.set("sig:"+key, 1)
	}

	// Failure indicators.
	for _, name := range ev.FailedDetectors {
		m.set("fail:"+name, 1)
	}

	// Client-side fingerprint features.
	if v, ok := ev.Signals["client.fingerprint_hash"]; ok && v.Str != "" {
		m.set("fp:received", 1)
	} else {
		m.set("fp:missing", 1)
	}
	if v, ok := ev.Signals["client.integrity_score"]; ok {
		m.set("fp:integrity", v.Float/100.0)
		if v.Float >= 70 {
			m.set("fp:legitimate", 1)
		}
	}
	if v, ok := ev.Signals["client.headless_likelihood"]; ok && v.Float > 0.5 {
		m.set("fp:suspicious", v.Float)
	}

	// AI prediction features.
	if pred, ok := ev.Signals["ai.prediction"]; ok {
		m.set("ai:ran", 1)
		conf := 0.0
		if cv, ok := ev.Signals["ai.confidence"]; ok {
			conf = cv.Float
		}
		m.set("ai:confidence", conf)
		if pred.Str == "bot" {
			m.set("ai:prediction", 1)
			m.set("ai:bot_confidence", conf)
			m.set("ai:delta", conf)
		} else {
			m.set("ai:human_confidence", conf)
			m.set("ai:delta", 1-conf)
		}
	}

	// Aggregated contribution statistics.
	if n := len(ev.Contributions); n > 0 {
		var sum, maxDelta float64
		for _, c := range ev.Contributions {
			sum += c.ConfidenceDelta
			if c.ConfidenceDelta > maxDelta {
				maxDelta = c.ConfidenceDelta
			}
		}
		avg := sum / float64(n)
		var variance float64
		for _, c := range ev.Contributions {
			d := c.ConfidenceDelta - avg
			variance += d * d
		}
		variance /= float64(n)

		m.set("stat:detector_count", float64(n)/10.0)
		m.set("stat:max_confidence", maxDelta)
		m.set("stat:avg_confidence", clamp01(avg+0.5)) // center signed avg
		m.set("stat:variance", math.Sqrt(variance))
	}

	// Running result.
	m.set("result:bot_probability", ev.BotProbability)
	m.set("result:confidence", ev.Confidence)
	m.set("result:risk_band", bandActivation(ev.RiskBand))

	return m
}

// bandActivation maps the discrete risk band onto [0,1].
func bandActivation(b detect.RiskBand) float64 {
	switch b {
	case detect.RiskVeryLow:
		return 0.1
	case detect.RiskLow:
		return 0.3
	case detect.RiskMedium:
		return 0.5
	case detect.RiskHigh:
		return 0.7
	case detect.RiskVeryHigh:
		return 0.9
	}
	return 0
}

// Active returns the names of features with non-zero activation, useful for
// explanations and learning.
func (m Map) Active() []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v > 0 {
			out = append(out, k)
		}
	}
	return out
}

// String renders a compact sorted-ish debug form.
func (m Map) String() string {
	var sb strings.Builder
	first := true
	for k, v := range m {
		if !first {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s=%.2f", k, v)
		first = false
	}
	return sb.String()
}
