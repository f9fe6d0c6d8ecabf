package detectors

import (
	"context"
	"fmt"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/features"
	"github.com/edgeshield/botshield/internal/model"
)

// toolFeatures and automationFeatures map active UA features to a bot type
// when the model leans bot.
var (
	toolFeatures       = []string{"ua:curl", "ua:wget", "ua:httpx", "ua:aiohttp", "ua:requests"}
	automationFeatures = []string{"ua:scrapy", "ua:selenium", "ua:headless", "ua:phantomjs"}
)

// HeuristicDetector runs the learned logistic model over the extracted
// feature map. With evidence from earlier stages it extracts the full
// feature set; standalone it falls back to early request-metadata features.
type HeuristicDetector struct {
	cfg   config.DetectorConfig
	model *model.Model
}

// NewHeuristicDetector builds the detector over a shared model instance.
func NewHeuristicDetector(opts *config.Options, m *model.Model) *HeuristicDetector {
	return &HeuristicDetector{cfg: opts.DetectorFor(config.DetectorHeuristic), model: m}
}

// Name implements detect.Detector.
func (d *HeuristicDetector) Name() string { return config.DetectorHeuristic }

// Stage implements detect.Detector.
func (d *HeuristicDetector) Stage() detect.Stage { return detect.StageIntelligence }

// Detect implements detect.Detector in early mode, without prior evidence.
func (d *HeuristicDetector) Detect(ctx context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	return d.DetectWithEvidence(ctx, rc, nil)
}

// DetectWithEvidence implements detect.EvidenceDetector: full-mode extraction
// over the evidence accumulated by earlier stages.
func (d *HeuristicDetector) DetectWithEvidence(_ context.Context, rc *detect.RequestContext, ev *detect.AggregatedEvidence) ([]detect.Contribution, error) {
	var fm features.Map
	if ev != nil {
		fm = features.ExtractFull(rc, ev)
	} else {
		fm = features.ExtractEarly(rc)
	}

	p, active := d.model.Infer(fm)
	delta := 2 * (p - 0.5)

	c := detect.Contribution{
		DetectorName:    d.Name(),
		Category:        detect.CategoryHeuristic,
		ConfidenceDelta: delta,
		Weight:          d.cfg.Weight,
		Reason:          fmt.Sprintf("Heuristic model: %.0f%% bot likelihood (%d features)", p*100, active),
	}
	if delta > 0 {
		c.BotType = d.inferBotType(fm, ev)
	}

	return []detect.Contribution{c}, nil
}

// inferBotType classifies the positive verdict from the active UA features,
// falling back to whatever earlier stages concluded.
func (d *HeuristicDetector) inferBotType(fm features.Map, ev *detect.AggregatedEvidence) detect.BotType {
	for _, f := range toolFeatures {
		if fm[f] > 0 {
			return detect.BotTypeTool
		}
	}
	for _, f := range automationFeatures {
		if fm[f] > 0 {
			return detect.BotTypeScraper
		}
	}
	if ev != nil && ev.PrimaryBotType != detect.BotTypeUnknown {
		return ev.PrimaryBotType
	}
	return detect.BotTypeUnknown
}

// FeatureMap exposes full-mode extraction for the learning feedback path,
// so the engine observes exactly what the detector inferred on.
func (d *HeuristicDetector) FeatureMap(rc *detect.RequestContext, ev *detect.AggregatedEvidence) features.Map {
	return features.ExtractFull(rc, ev)
}
