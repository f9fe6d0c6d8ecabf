package detectors

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/detect"
)

var chromeVersionRe = regexp.MustCompile(`Chrome/(\d+)`)

// langExpectations pairs a regional crawler UA marker with the language tag
// its real traffic carries.
var langExpectations = []struct {
	uaMarker string
	langTag  string
}{
	{"baidu", "zh"},
	{"yandex", "ru"},
	{"naver", "ko"},
	{"seznam", "cs"},
}

// InconsistencyDetector cross-checks the client's claims against each other:
// a browser UA that skips browser headers, impossible header combinations
// for the claimed engine version, language mismatches, and referrers
// pointing into private address space.
type InconsistencyDetector struct {
	cfg config.DetectorConfig
}

// NewInconsistencyDetector builds the detector from options.
func NewInconsistencyDetector(opts *config.Options) *InconsistencyDetector {
	return &InconsistencyDetector{cfg: opts.DetectorFor(config.DetectorInconsistency)}
}

// Name implements detect.Detector.
func (d *InconsistencyDetector) Name() string { return config.DetectorInconsistency }

// Stage implements detect.Detector.
func (d *InconsistencyDetector) Stage() detect.Stage { return detect.StageMetaAnalysis }

// Detect implements detect.Detector.
func (d *InconsistencyDetector) Detect(_ context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	ua := rc.UserAgent()
	if ua == "" {
		return nil, nil // nothing to be inconsistent with
	}
	uaLower := strings.ToLower(ua)

	var contributions []detect.Contribution
	total := 0.0
	add := func(delta float64, reason string) {
		total += delta
		contributions = append(contributions, detect.Contribution{
			DetectorName:    d.Name(),
			Category:        detect.CategoryInconsistency,
			ConfidenceDelta: delta,
			Weight:          d.cfg.Weight,
			Reason:          reason,
		})
	}

	isMobile := strings.Contains(uaLower, "mobile") || strings.Contains(uaLower, "android") ||
		strings.Contains(uaLower, "iphone")
	isBrowser := strings.Contains(uaLower, "mozilla")
	hasAcceptLang := rc.HasHeader("Accept-Language")

	if isBrowser && !hasAcceptLang {
		if isMobile {
			add(0.15, "mobile browser UA without Accept-Language")
		} else {
			add(0.2, "desktop browser UA without Accept-Language")
		}
	}

	chromeMajor := 0
	if m := chromeVersionRe.FindStringSubmatch(ua); m != nil {
		chromeMajor, _ = strconv.Atoi(m[1])
	}
	if chromeMajor >= 73 && !rc.HasHeader("Sec-Fetch-Mode") && !rc.HasHeader("Sec-Ch-Ua") {
		add(0.15, fmt.Sprintf("Chrome %d claim without Sec-Fetch-Mode or Sec-Ch-Ua", chromeMajor))
	}

	acceptLang := strings.ToLower(rc.HeaderValue("Accept-Language"))
	for _, exp := range langExpectations {
		if strings.Contains(uaLower, exp.uaMarker) && !strings.Contains(acceptLang, exp.langTag) {
			add(0.1, fmt.Sprintf("%s UA without %q language", exp.uaMarker, exp.langTag))
		}
	}

	accept := strings.TrimSpace(rc.HeaderValue("Accept"))
	specificBrowser := strings.Contains(uaLower, "chrome") || strings.Contains(uaLower, "firefox") ||
		strings.Contains(uaLower, "safari") || strings.Contains(uaLower, "edg")
	if accept == "*/*" && specificBrowser {
		add(0.2, "generic */* Accept with a specific browser UA")
	}

	if chromeMajor >= 90 && strings.EqualFold(strings.TrimSpace(rc.HeaderValue("Connection")), "keep-alive") {
		add(0.05, "modern Chrome sending explicit Connection: keep-alive")
	}

	if ref := rc.HeaderValue("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			host := u.Hostname()
			if ip := net.ParseIP(host); ip != nil && (ip.IsPrivate() || ip.IsLoopback()) {
				add(0.3, fmt.Sprintf("Referer points to private host %s", host))
			} else if host == "localhost" {
				add(0.3, "Referer points to localhost")
			}
		}
	}

	botMarker := strings.Contains(uaLower, "bot") || strings.Contains(uaLower, "crawler") ||
		strings.Contains(uaLower, "spider")
	if botMarker && hasAcceptLang && rc.HasHeader("Accept") && accept != "*/*" {
		add(0.1, "bot UA with a full browser header set")
	}

	if total >= 0.3 && len(contributions) > 0 {
		contributions[len(contributions)-1].BotType = detect.BotTypeScraper
	}

	return contributions, nil
}
