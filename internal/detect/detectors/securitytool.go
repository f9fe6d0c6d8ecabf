package detectors

import (
	"context"
	"fmt"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/patterns"
)

// SecurityToolDetector matches the UA against the known security tool set:
// built-in patterns plus any downloaded feed entries categorized as tools.
// A hit is near-certain hostile automation, so the first match wins and the
// detector emits a single maximal contribution.
type SecurityToolDetector struct {
	cfg      config.DetectorConfig
	builtin  []*patterns.ToolPattern
	download contracts.PatternCache
}

// NewSecurityToolDetector builds the detector over the built-in pattern set
// and the downloaded feed cache.
func NewSecurityToolDetector(opts *config.Options, cache contracts.PatternCache) *SecurityToolDetector {
	return &SecurityToolDetector{
		cfg:      opts.DetectorFor(config.DetectorSecurityTool),
		builtin:  patterns.SecurityToolPatterns(),
		download: cache,
	}
}

// Name implements detect.Detector.
func (d *SecurityToolDetector) Name() string { return config.DetectorSecurityTool }

// Stage implements detect.Detector.
func (d *SecurityToolDetector) Stage() detect.Stage { return detect.StageRawSignals }

// Detect implements detect.Detector.
func (d *SecurityToolDetector) Detect(_ context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	ua := rc.UserAgent()
	if ua == "" {
		return nil, nil
	}

	for _, p := range d.builtin {
		if p.Matches(ua) {
			return d.hit(p.Name, string(p.Category)), nil
		}
	}

	if d.download != nil {
		for _, p := range d.download.DownloadedPatterns() {
			if p.Category == "" {
				continue
			}
			if cat := patterns.ToolCategory(p.Category); cat == patterns.CategoryOther {
				continue
			}
			if matchPattern(p, ua) {
				return d.hit(p.Name, p.Category), nil
			}
		}
	}

	return nil, nil
}

func (d *SecurityToolDetector) hit(name, category string) []detect.Contribution {
	return []detect.Contribution{{
		DetectorName:    d.Name(),
		Category:        detect.CategorySecurityTool,
		ConfidenceDelta: 0.95,
		Weight:          d.cfg.Weight,
		Reason:          fmt.Sprintf("security tool detected: %s (%s)", name, category),
		BotType:         detect.BotTypeMaliciousBot,
		BotName:         name,
	}}
}
