package detectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/signalbus"
)

// expectedBrowserHeaders is the fixed set a real browser navigation sends.
// Connection is deliberately not in it: modern browsers rely on the HTTP/1.1
// default, and an explicit keep-alive is itself scored as an anomaly.
var expectedBrowserHeaders = []string{
	"Accept", "Accept-Encoding", "Accept-Language", "Cache-Control",
	"Upgrade-Insecure-Requests",
}

// automationHeaders are headers that only automation layers add.
var automationHeaders = []string{"X-Requested-With", "X-Automation", "X-Bot"}

// HeaderDetector scores header-set anomalies: missing browser headers,
// degenerate Accept-Language values, automation markers, ordering anomalies,
// and implausibly small header counts.
type HeaderDetector struct {
	cfg config.DetectorConfig
}

// NewHeaderDetector builds the detector from options.
func NewHeaderDetector(opts *config.Options) *HeaderDetector {
	return &HeaderDetector{cfg: opts.DetectorFor(config.DetectorHeaders)}
}

// Name implements detect.Detector.
func (d *HeaderDetector) Name() string { return config.DetectorHeaders }

// Stage implements detect.Detector.
func (d *HeaderDetector) Stage() detect.Stage { return detect.StageRawSignals }

// Detect implements detect.Detector.
func (d *HeaderDetector) Detect(_ context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	rc.Bus.PutInt(signalbus.SigHeadersCount, int64(len(rc.Headers)))

	var contributions []detect.Contribution
	add := func(delta float64, reason string) {
		contributions = append(contributions, detect.Contribution{
			DetectorName:    d.Name(),
			Category:        detect.CategoryHeaders,
			ConfidenceDelta: delta,
			Weight:          d.cfg.Weight,
			Reason:          reason,
		})
	}

	missing := 0
	for _, h := range expectedBrowserHeaders {
		if !rc.HasHeader(h) {
			missing++
		}
	}
	if missing > 0 {
		// 0.1 per absent header, 0.5 when the whole expected set is missing.
		add(float64(missing)*0.1,
			fmt.Sprintf("%d of %d expected browser headers missing", missing, len(expectedBrowserHeaders)))
	}

	acceptLang := rc.HeaderValue("Accept-Language")
	hasAcceptLang := rc.HasHeader("Accept-Language")
	if !hasAcceptLang {
		add(0.2, "missing Accept-Language")
	} else if strings.TrimSpace(acceptLang) == "*" || len(acceptLang) < 5 {
		add(0.15, fmt.Sprintf("suspicious Accept-Language %q", acceptLang))
	}

	accept := strings.TrimSpace(rc.HeaderValue("Accept"))
	if accept == "*/*" && !hasAcceptLang {
		add(0.2, "generic */* Accept without Accept-Language")
	}
	if strings.EqualFold(strings.TrimSpace(rc.HeaderValue("Connection")), "close") && !hasAcceptLang {
		add(0.15, "Connection: close without Accept-Language")
	}

	for _, h := range automationHeaders {
		if rc.HasHeader(h) {
			add(0.4, fmt.Sprintf("automation header %s present", h))
		}
	}

	// Browsers send User-Agent among the very first headers.
	if idx := rc.HeaderIndex("User-Agent"); idx >= 6 {
		add(0.1, fmt.Sprintf("User-Agent at position %d, ordering anomaly", idx+1))
	}

	if len(rc.Headers) < 4 {
		add(0.3, fmt.Sprintf("only %d headers present", len(rc.Headers)))
	}

	return contributions, nil
}
