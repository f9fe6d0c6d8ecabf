package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/detect"
)

// accumulator collects contributions across stages for one request.
// Detectors within a stage append concurrently; checkpoint and seal run
// between stages on the orchestrator goroutine.
type accumulator struct {
	evalID string

	mu            sync.Mutex
	contributions []detect.Contribution
	failed        []string

	earlyExitFlag   bool
	earlyExitReason string
	forcedBlock     bool
}

func newAccumulator(evalID string) *accumulator {
	return &accumulator{evalID: evalID}
}

func (a *accumulator) add(contribs []detect.Contribution) {
	if len(contribs) == 0 {
		return
	}
	a.mu.Lock()
	a.contributions = append(a.contributions, contribs...)
	a.mu.Unlock()
}

func (a *accumulator) fail(name string) {
	a.mu.Lock()
	a.failed = append(a.failed, name)
	a.mu.Unlock()
}

func (a *accumulator) earlyExit(reason string) {
	a.earlyExitFlag = true
	a.earlyExitReason = reason
}

// checkpoint runs the between-stage threshold logic and reports whether the
// pipeline should stop.
func (a *accumulator) checkpoint(stage detect.Stage, opts *config.Options) bool {
	a.mu.Lock()
	contribs := a.contributions
	a.mu.Unlock()

	for _, c := range contribs {
		if c.BotType == detect.BotTypeVerifiedBot {
			a.earlyExit("verified bot allowlist match")
			return true
		}
	}

	if stage == detect.StageRawSignals {
		for _, c := range contribs {
			if c.BotType == detect.BotTypeMaliciousBot && c.ConfidenceDelta >= 0.9 {
				a.forcedBlock = true
				a.earlyExit(fmt.Sprintf("malicious tool detected: %s", c.BotName))
				return true
			}
		}
	}

	p := probabilityOf(contribs)
	if p >= opts.ImmediateBlockThreshold {
		a.forcedBlock = true
		a.earlyExit(fmt.Sprintf("probability %.2f crossed immediate-block threshold after %s", p, stage))
		return true
	}
	if p >= opts.EarlyExitThreshold {
		a.earlyExit(fmt.Sprintf("probability %.2f crossed early-exit threshold after %s", p, stage))
		return true
	}
	return false
}

// seal materializes the evidence from what has been collected so far. The
// final seal snapshots the bus; partial seals for late-stage detectors share
// the same shape.
func (a *accumulator) seal(rc *detect.RequestContext, start time.Time, final bool) *detect.AggregatedEvidence {
	a.mu.Lock()
	contribs := make([]detect.Contribution, len(a.contributions))
	copy(contribs, a.contributions)
	failed := make([]string, len(a.failed))
	copy(failed, a.failed)
	a.mu.Unlock()

	p := probabilityOf(contribs)

	breakdown := make(map[detect.Category]detect.CategoryStat)
	for _, c := range contribs {
		stat := breakdown[c.Category]
		abs := c.ConfidenceDelta
		if abs < 0 {
			abs = -abs
		}
		if abs > stat.Score {
			stat.Score = abs
		}
		stat.Count++
		breakdown[c.Category] = stat
	}

	confidence := 0.4 + 0.1*float64(len(breakdown)) + 0.05*float64(len(contribs))
	if confidence > 1 {
		confidence = 1
	}

	botType, botName := primaryBotType(contribs)

	ev := &detect.AggregatedEvidence{
		EvaluationID:      a.evalID,
		BotProbability:    p,
		Confidence:        confidence,
		RiskBand:          detect.BandFor(p),
		Contributions:     contribs,
		Signals:           rc.Bus.Snapshot(),
		CategoryBreakdown: breakdown,
		PrimaryBotType:    botType,
		PrimaryBotName:    botName,
		EarlyExit:         a.earlyExitFlag,
		EarlyExitReason:   a.earlyExitReason,
		ForcedBlock:       a.forcedBlock,
		FailedDetectors:   failed,
	}
	if final {
		ev.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	}
	return ev
}

// primaryBotType is the most recent non-empty bot type, with VerifiedBot
// taking absolute precedence.
func primaryBotType(contribs []detect.Contribution) (detect.BotType, string) {
	var bt detect.BotType
	var name string
	for _, c := range contribs {
		if c.BotType == detect.BotTypeVerifiedBot {
			return c.BotType, c.BotName
		}
		if c.BotType != detect.BotTypeUnknown {
			bt, name = c.BotType, c.BotName
		}
	}
	return bt, name
}
