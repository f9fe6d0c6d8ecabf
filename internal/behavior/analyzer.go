// Package behavior computes statistical signals over the sliding-window
// state of one identity: entropy of paths and timings, inter-arrival
// regularity, navigation transition likelihood, and burst detection.
package behavior

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/edgeshield/botshield/internal/window"
)

// Finding is one bounded positive contribution from an analyzer, with a
// descriptive reason. Deltas stay in the 0.1-0.4 range by construction.
type Finding struct {
	Delta  float64
	Reason string
}

const (
	minEntropySamples = 5
	minCVSamples      = 8
	minZScoreSamples  = 10

	cvRegularMax   = 0.20
	cvMeanMax      = 5 * time.Second
	zScoreFlag     = 3.0
	timingBucketMs = 100

	markovUnusualMax    = 0.1
	markovUnusualMin    = 3
	markovRepetitiveMin = 0.9
	markovRepetitiveN   = 5

	burstRateFactor = 5.0
	burstMinCount   = 10
)

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// SimplifyPath collapses volatile path segments so navigation transitions
// generalize: numeric IDs become {id}, UUIDs become {guid}.
func SimplifyPath(path string) string {
	if path == "" || path == "/" {
		return path
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		switch {
		case seg == "":
		case uuidSegment.MatchString(seg):
			segs[i] = "{guid}"
		case numericSegment.MatchString(seg):
			segs[i] = "{id}"
		}
	}
	return strings.Join(segs, "/")
}

// ShannonEntropy calculates H = -sum(p*log2(p)) over the sample frequencies.
func ShannonEntropy(samples []string) float64 {
	if len(samples) == 0 {
		return 0
	}
	freq := make(map[string]int, len(samples))
	for _, s := range samples {
		freq[s]++
	}
	var entropy float64
	n := float64(len(samples))
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// PathEntropy scores the entropy of the identity's recent request paths.
// Very low entropy over enough samples means the client hammers a handful
// of URLs.
func PathEntropy(paths []string) (Finding, bool) {
	if len(paths) < minEntropySamples {
		return Finding{}, false
	}
	h := ShannonEntropy(paths)
	// Max possible entropy given the sample count.
	maxH := math.Log2(float64(len(paths)))
	if maxH <= 0 {
		return Finding{}, false
	}
	ratio := h / maxH
	if ratio < 0.3 {
		return Finding{
			Delta:  0.2,
			Reason: fmt.Sprintf("low path entropy %.2f over %d requests", h, len(paths)),
		}, true
	}
	return Finding{}, false
}

// intervals returns successive inter-arrival durations for the timing ring.
func intervals(timings []time.Time) []time.Duration {
	if len(timings) < 2 {
		return nil
	}
	out := make([]time.Duration, 0, len(timings)-1)
	for i := 1; i < len(timings); i++ {
		out = append(out, timings[i].Sub(timings[i-1]))
	}
	return out
}

// TimingEntropy scores entropy of inter-arrival intervals bucketed to 100ms.
func TimingEntropy(timings []time.Time) (Finding, bool) {
	iv := intervals(timings)
	if len(iv) < minEntropySamples {
		return Finding{}, false
	}
	buckets := make([]string, len(iv))
	for i, d := range iv {
		buckets[i] = fmt.Sprintf("%d", d.Milliseconds()/timingBucketMs)
	}
	h := ShannonEntropy(buckets)
	if h < 0.5 {
		return Finding{
			Delta:  0.25,
			Reason: fmt.Sprintf("uniform request timing, entropy %.2f over %d intervals", h, len(iv)),
		}, true
	}
	return Finding{}, false
}

func meanStddev(iv []time.Duration) (mean, stddev float64) {
	if len(iv) == 0 {
		return 0, 0
	}
	var sum float64
	for _, d := range iv {
		sum += float64(d)
	}
	mean = sum / float64(len(iv))
	var sq float64
	for _, d := range iv {
		diff := float64(d) - mean
		sq += diff * diff
	}
	stddev = math.Sqrt(sq / float64(len(iv)))
	return mean, stddev
}

// RegularPattern flags suspiciously even inter-arrival intervals: with at
// least 8 samples, a coefficient of variation under 0.20 and a mean under
// 5 seconds reads as machine-paced traffic. The thresholds are strict
// less-than, so CV of exactly 0.20 does not flag.
func RegularPattern(timings []time.Time) (Finding, bool) {
	iv := intervals(timings)
	if len(iv) < minCVSamples {
		return Finding{}, false
	}
	mean, stddev := meanStddev(iv)
	if mean <= 0 {
		return Finding{}, false
	}
	cv := stddev / mean
	if cv < cvRegularMax && mean < float64(cvMeanMax) {
		return Finding{
			Delta: 0.3,
			Reason: fmt.Sprintf("too regular interval: cv=%.3f mean=%s over %d samples",
				cv, time.Duration(mean).Round(time.Millisecond), len(iv)),
		}, true
	}
	return Finding{}, false
}

// TimingAnomaly flags the newest interval when it sits more than 3 standard
// deviations from the historical mean. Exactly 3.0 does not flag.
func TimingAnomaly(timings []time.Time) (Finding, bool) {
	iv := intervals(timings)
	if len(iv) < minZScoreSamples {
		return Finding{}, false
	}
	current := iv[len(iv)-1]
	mean, stddev := meanStddev(iv[:len(iv)-1])
	if stddev <= 0 {
		return Finding{}, false
	}
	z := math.Abs(float64(current)-mean) / stddev
	if z > zScoreFlag {
		return Finding{
			Delta:  0.15,
			Reason: fmt.Sprintf("timing anomaly: z-score %.2f", z),
		}, true
	}
	return Finding{}, false
}

// MarkovTransition evaluates the conditional probability of the current
// navigation step given the identity's transition history, and updates the
// history. Both paths are simplified before lookup.
func MarkovTransition(p *window.BehaviorProfile, fromPath, toPath string) (Finding, bool) {
	from := SimplifyPath(fromPath)
	to := SimplifyPath(toPath)
	if from == "" || to == "" {
		return Finding{}, false
	}

	finding := Finding{}
	flagged := false

	outgoing := p.Transitions[from]
	total := 0
	for _, c := range outgoing {
		total += c
	}
	if total > 0 {
		prob := float64(outgoing[to]) / float64(total)
		switch {
		case prob < markovUnusualMax && total >= markovUnusualMin:
			finding = Finding{
				Delta:  0.2,
				Reason: fmt.Sprintf("unusual navigation %s -> %s (p=%.2f)", from, to, prob),
			}
			flagged = true
		case prob > markovRepetitiveMin && total >= markovRepetitiveN:
			finding = Finding{
				Delta:  0.15,
				Reason: fmt.Sprintf("repetitive navigation %s -> %s (p=%.2f)", from, to, prob),
			}
			flagged = true
		}
	}

	if p.Transitions[from] == nil {
		p.Transitions[from] = make(map[string]int)
	}
	p.Transitions[from][to]++

	return finding, flagged
}

// Burst compares the request rate inside the recent window against the
// identity's historical rate. A burst needs both a 5x rate jump and at
// least 10 requests inside the window.
func Burst(p *window.BehaviorProfile, burstWindow time.Duration, burstCount int, now time.Time) (Finding, bool) {
	if burstCount < burstMinCount {
		return Finding{}, false
	}
	lifetime := now.Sub(p.FirstSeen)
	outside := lifetime - burstWindow
	if outside <= 0 {
		return Finding{}, false
	}
	historical := p.RequestCount - burstCount
	if historical < 0 {
		historical = 0
	}
	historicalRate := float64(historical) / outside.Seconds()
	if historicalRate <= 0 {
		historicalRate = 1.0 / outside.Seconds()
	}
	burstRate := float64(burstCount) / burstWindow.Seconds()
	if burstRate > burstRateFactor*historicalRate {
		return Finding{
			Delta: 0.3,
			Reason: fmt.Sprintf("request burst: %d requests in %s vs %.2f/s historical",
				burstCount, burstWindow, historicalRate),
		}, true
	}
	return Finding{}, false
}
