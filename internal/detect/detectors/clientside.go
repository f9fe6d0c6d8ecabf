package detectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/identity"
	"github.com/edgeshield/botshield/internal/signalbus"
)

// FingerprintSalt is the domain-separation salt for fingerprint lookup keys,
// shared with the beacon endpoint that writes the records.
const FingerprintSalt = "fp-lookup"

const maxFingerprintReasons = 3

// ClientSideDetector consumes the browser fingerprint collected by the beacon
// endpoint, looked up by hashed client IP. No fingerprint is itself a weak
// signal for clients that claim to be browsers.
type ClientSideDetector struct {
	cfg    config.DetectorConfig
	csCfg  config.ClientSideConfig
	store  contracts.FingerprintStore
	hasher *identity.Resolver
}

// NewClientSideDetector builds the detector over the fingerprint store.
func NewClientSideDetector(opts *config.Options, store contracts.FingerprintStore, hasher *identity.Resolver) *ClientSideDetector {
	return &ClientSideDetector{
		cfg:    opts.DetectorFor(config.DetectorClientSide),
		csCfg:  opts.ClientSide,
		store:  store,
		hasher: hasher,
	}
}

// Name implements detect.Detector.
func (d *ClientSideDetector) Name() string { return config.DetectorClientSide }

// Stage implements detect.Detector.
func (d *ClientSideDetector) Stage() detect.Stage { return detect.StageRawSignals }

// Lookup fetches the fingerprint for a request, shared with the identity
// resolution step so the request is hashed once.
func (d *ClientSideDetector) Lookup(ctx context.Context, rc *detect.RequestContext) (*contracts.BrowserFingerprint, error) {
	if d.store == nil {
		return nil, nil
	}
	ip := rc.ClientIP()
	if ip == "" {
		return nil, nil
	}
	key := d.hasher.FingerprintLookupKey(rc.RequestedAt, ip, FingerprintSalt)
	return d.store.Get(ctx, key)
}

// Detect implements detect.Detector.
func (d *ClientSideDetector) Detect(ctx context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	fp := rc.Fingerprint
	if !rc.FingerprintResolved {
		var err error
		fp, err = d.Lookup(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("fingerprint lookup: %w", err)
		}
	}

	var contributions []detect.Contribution
	add := func(delta float64, reason string, bt detect.BotType) {
		contributions = append(contributions, detect.Contribution{
			DetectorName:    d.Name(),
			Category:        detect.CategoryClientSide,
			ConfidenceDelta: delta,
			Weight:          d.cfg.Weight,
			Reason:          reason,
			BotType:         bt,
		})
	}

	if fp == nil {
		ua := strings.ToLower(rc.UserAgent())
		claimsBrowser := strings.Contains(ua, "mozilla") || strings.Contains(ua, "chrome") ||
			strings.Contains(ua, "safari") || strings.Contains(ua, "firefox")
		// Only page loads run the beacon script; API calls and asset
		// sub-requests from a real browser never carry a fingerprint.
		wantsPage := strings.Contains(strings.ToLower(rc.HeaderValue("Accept")), "text/html")
		if claimsBrowser && wantsPage {
			add(0.15, "browser UA but no client-side fingerprint collected", detect.BotTypeUnknown)
		}
		return contributions, nil
	}

	rc.Bus.PutString(signalbus.SigClientFingerprint, fp.FingerprintHash)
	rc.Bus.PutFloat(signalbus.SigClientIntegrity, fp.IntegrityScore)
	rc.Bus.PutFloat(signalbus.SigClientHeadless, fp.HeadlessLikelihood)

	if fp.HeadlessLikelihood >= d.csCfg.HeadlessThreshold {
		add(0.8*fp.HeadlessLikelihood,
			fmt.Sprintf("headless browser likelihood %.2f", fp.HeadlessLikelihood), detect.BotTypeScraper)
	}

	if min := d.csCfg.MinIntegrityScore; fp.IntegrityScore < min {
		add((min-fp.IntegrityScore)/100*0.5,
			fmt.Sprintf("low environment integrity score %.0f", fp.IntegrityScore), detect.BotTypeUnknown)
	}

	if fp.FingerprintConsistency < 80 {
		add((80-fp.FingerprintConsistency)/100*0.3,
			fmt.Sprintf("fingerprint consistency %.0f below expected", fp.FingerprintConsistency), detect.BotTypeUnknown)
	}

	if !fp.Legitimate {
		for i, reason := range fp.AnalysisReasons {
			if i >= maxFingerprintReasons {
				break
			}
			add(0.1, "fingerprint analysis: "+reason, detect.BotTypeUnknown)
		}
	} else if fp.IntegrityScore >= 70 {
		add(-0.2, "legitimate fingerprint with healthy integrity", detect.BotTypeUnknown)
	}

	return contributions, nil
}
