package detectors

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
)

// browserVersionRes extract the claimed major version per browser. Order
// matters: Edge and Opera embed Chrome tokens, Chrome embeds Safari.
var browserVersionRes = []struct {
	name string
	re   *regexp.Regexp
}{
	{"Edge", regexp.MustCompile(`Edg(?:e|A|iOS)?/(\d+)`)},
	{"Opera", regexp.MustCompile(`OPR/(\d+)`)},
	{"Brave", regexp.MustCompile(`Brave/(\d+)`)},
	{"Firefox", regexp.MustCompile(`Firefox/(\d+)`)},
	{"Chrome", regexp.MustCompile(`Chrome/(\d+)`)},
	{"Safari", regexp.MustCompile(`Version/(\d+)[.\d]* .*Safari`)},
}

// osLabelRes extract the OS label used against the age classification map.
var osLabelRes = []*regexp.Regexp{
	regexp.MustCompile(`(Windows NT \d+\.\d+)`),
	regexp.MustCompile(`(Mac OS X 10[_.]\d+)`),
	regexp.MustCompile(`(Android \d+)`),
	regexp.MustCompile(`(iPhone OS \d+)`),
	regexp.MustCompile(`(Linux)`),
}

// VersionAgeDetector compares the claimed browser and OS versions with
// current reality. Old claims raise suspicion in configured tiers;
// impossible browser/OS combinations are near-certain automation.
type VersionAgeDetector struct {
	cfg      config.DetectorConfig
	ageCfg   config.VersionAgeConfig
	versions contracts.BrowserVersionService
}

// NewVersionAgeDetector builds the detector over the version service.
func NewVersionAgeDetector(opts *config.Options, versions contracts.BrowserVersionService) *VersionAgeDetector {
	return &VersionAgeDetector{
		cfg:      opts.DetectorFor(config.DetectorVersionAge),
		ageCfg:   opts.VersionAge,
		versions: versions,
	}
}

// Name implements detect.Detector.
func (d *VersionAgeDetector) Name() string { return config.DetectorVersionAge }

// Stage implements detect.Detector.
func (d *VersionAgeDetector) Stage() detect.Stage { return detect.StageRawSignals }

// extractBrowser returns the first matching browser name and major version.
func extractBrowser(ua string) (string, int, bool) {
	for _, b := range browserVersionRes {
		if m := b.re.FindStringSubmatch(ua); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				return b.name, v, true
			}
		}
	}
	return "", 0, false
}

// extractOSLabel returns the OS label claimed by the UA.
func extractOSLabel(ua string) (string, bool) {
	for _, re := range osLabelRes {
		if m := re.FindStringSubmatch(ua); m != nil {
			return strings.ReplaceAll(m[1], ".", "_"), true
		}
	}
	return "", false
}

// osKey normalizes a label for the config maps, which use dot notation for
// Windows and underscore for macOS.
func osKey(label string) string {
	if strings.HasPrefix(label, "Windows NT") {
		return strings.ReplaceAll(label, "_", ".")
	}
	return label
}

// Detect implements detect.Detector.
func (d *VersionAgeDetector) Detect(ctx context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	ua := rc.UserAgent()
	if ua == "" {
		return nil, nil
	}

	var contributions []detect.Contribution
	add := func(delta float64, reason string, bt detect.BotType) {
		contributions = append(contributions, detect.Contribution{
			DetectorName:    d.Name(),
			Category:        detect.CategoryVersionAge,
			ConfidenceDelta: delta,
			Weight:          d.cfg.Weight,
			Reason:          reason,
			BotType:         bt,
		})
	}

	browser, claimed, hasBrowser := extractBrowser(ua)
	osLabel, hasOS := extractOSLabel(ua)

	browserOutdated := false
	if hasBrowser && d.versions != nil {
		if latest, ok := d.versions.GetLatestVersion(ctx, browser); ok {
			age := latest - claimed
			maxBehind := d.ageCfg.MaxVersionsBehind
			if maxBehind <= 0 {
				maxBehind = 10
			}
			switch {
			case age > 20:
				browserOutdated = true
				add(d.bump(d.ageCfg.SeverelyOutdatedBump, 0.4),
					fmt.Sprintf("%s %d is severely outdated (latest %d)", browser, claimed, latest), detect.BotTypeUnknown)
			case age > maxBehind:
				browserOutdated = true
				add(d.bump(d.ageCfg.ModeratelyOutdatedBump, 0.25),
					fmt.Sprintf("%s %d is %d versions behind", browser, claimed, age), detect.BotTypeUnknown)
			case age > 5:
				add(d.bump(d.ageCfg.SlightlyOutdatedBump, 0.1),
					fmt.Sprintf("%s %d is slightly outdated", browser, claimed), detect.BotTypeUnknown)
			}
		}
	}

	osOutdated := false
	if hasOS {
		key := osKey(osLabel)
		if class, ok := d.ageCfg.OsAgeClass[key]; ok {
			switch class {
			case "ancient":
				osOutdated = true
				add(0.35, fmt.Sprintf("ancient OS claim: %s", key), detect.BotTypeUnknown)
			case "very_old":
				osOutdated = true
				add(0.2, fmt.Sprintf("very old OS claim: %s", key), detect.BotTypeUnknown)
			case "old":
				add(0.1, fmt.Sprintf("old OS claim: %s", key), detect.BotTypeUnknown)
			}
		}

		// Impossible combination: the claimed browser can never run on the
		// claimed OS at that version.
		if hasBrowser && d.isImpossible(browser, claimed, key) {
			add(0.9, fmt.Sprintf("impossible combination: %s %d on %s", browser, claimed, key),
				detect.BotTypeScraper)
		}
	}

	if browserOutdated && osOutdated {
		add(0.15, "both browser and OS are outdated", detect.BotTypeUnknown)
	}

	return contributions, nil
}

// isImpossible reports whether the claimed version cannot run on the OS.
// The configured table maps OS label -> browser -> highest version that ever
// supported it; built-in knowledge covers the table's zero values. Chrome
// and Firefox dropped XP/Vista support at versions 49 and 52.
func (d *VersionAgeDetector) isImpossible(browser string, claimed int, osLabel string) bool {
	if caps, ok := d.ageCfg.MinBrowserVersionByOs[osLabel]; ok {
		if maxSupported, ok := caps[browser]; ok && maxSupported > 0 {
			return claimed > maxSupported
		}
	}
	switch osLabel {
	case "Windows NT 5.1", "Windows NT 6.0":
		switch browser {
		case "Chrome":
			return claimed > 49
		case "Firefox":
			return claimed > 52
		case "Edge":
			return true
		}
	}
	return false
}

func (d *VersionAgeDetector) bump(configured, fallback float64) float64 {
	if configured > 0 {
		return configured
	}
	return fallback
}
