package detectors

import (
	"context"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/signalbus"
)

// firstOctetProviders is the coarse heuristic fallback when neither the
// downloaded nor the static range sets match.
var firstOctetProviders = map[byte]string{
	3: "AWS", 13: "AWS", 18: "AWS", 52: "AWS", 54: "AWS",
	20: "Azure", 40: "Azure",
	34: "GCP", 35: "GCP",
	129: "Oracle", 132: "Oracle", 140: "Oracle",
}

// IPDetector classifies the client address: downloaded cloud-provider
// ranges, static datacenter ranges, a first-octet heuristic, and the Tor
// exit list. RFC1918 sources publish ip.is_local and score nothing.
type IPDetector struct {
	cfg      config.DetectorConfig
	patterns contracts.PatternCache
	logger   *zap.Logger

	staticRanges []*net.IPNet
	torExits     map[string]struct{}
	torEnabled   bool
}

// NewIPDetector pre-parses the static CIDR ranges at construction; invalid
// entries were already rejected by config validation.
func NewIPDetector(opts *config.Options, patterns contracts.PatternCache, logger *zap.Logger) *IPDetector {
	d := &IPDetector{
		cfg:        opts.DetectorFor(config.DetectorIP),
		patterns:   patterns,
		logger:     logger,
		torEnabled: opts.EnableTorCheck,
		torExits:   make(map[string]struct{}, len(opts.TorExitNodes)),
	}
	for _, cidr := range opts.DatacenterIPPrefixes {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			d.staticRanges = append(d.staticRanges, ipnet)
		}
	}
	for _, ip := range opts.TorExitNodes {
		d.torExits[ip] = struct{}{}
	}
	return d
}

// Name implements detect.Detector.
func (d *IPDetector) Name() string { return config.DetectorIP }

// Stage implements detect.Detector.
func (d *IPDetector) Stage() detect.Stage { return detect.StageRawSignals }

// Detect implements detect.Detector.
func (d *IPDetector) Detect(_ context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	ipStr := rc.ClientIP()
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return nil, nil
	}

	if isPrivate(ip) {
		rc.Bus.PutBool(signalbus.SigIPIsLocal, true)
		return nil, nil
	}
	rc.Bus.PutBool(signalbus.SigIPIsLocal, false)

	mk := func(delta float64, reason string, bt detect.BotType, name string) detect.Contribution {
		return detect.Contribution{
			DetectorName:    d.Name(),
			Category:        detect.CategoryIP,
			ConfidenceDelta: delta,
			Weight:          d.cfg.Weight,
			Reason:          reason,
			BotType:         bt,
			BotName:         name,
		}
	}

	// Priority 1: downloaded cloud provider ranges.
	if d.patterns != nil {
		if hit, matched := d.patterns.IsInAnyCidrRange(ip); hit {
			provider := providerForPrefix(matched)
			return []detect.Contribution{
				mk(0.5, fmt.Sprintf("cloud provider range %s (%s)", matched, provider), detect.BotTypeUnknown, provider),
			}, nil
		}
	}

	// Priority 2: static datacenter ranges.
	for _, r := range d.staticRanges {
		if r.Contains(ip) {
			return []detect.Contribution{
				mk(0.4, fmt.Sprintf("datacenter range %s", r), detect.BotTypeUnknown, ""),
			}, nil
		}
	}

	// Priority 3: first octet heuristic for common cloud blocks.
	if v4 := ip.To4(); v4 != nil {
		if provider, ok := firstOctetProviders[v4[0]]; ok {
			return []detect.Contribution{
				mk(0.3, fmt.Sprintf("address block commonly used by %s", provider), detect.BotTypeUnknown, ""),
			}, nil
		}
	}

	// Priority 4: Tor exit nodes.
	if d.torEnabled {
		if _, hit := d.torExits[ip.String()]; hit {
			return []detect.Contribution{
				mk(0.5, "Tor exit node", detect.BotTypeMaliciousBot, "Tor"),
			}, nil
		}
	}

	return nil, nil
}

func isPrivate(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// providerForPrefix names the provider from well-known prefix first octets.
func providerForPrefix(ipnet *net.IPNet) string {
	if ipnet == nil {
		return "unknown"
	}
	if v4 := ipnet.IP.To4(); v4 != nil {
		if p, ok := firstOctetProviders[v4[0]]; ok {
			return p
		}
	}
	return "unknown"
}
