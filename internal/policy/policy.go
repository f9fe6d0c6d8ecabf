// Package policy maps aggregated evidence onto a concrete decision: allow,
// tag, throttle, challenge, or block. Policies are named ordered transition
// lists bound to request paths; the selector is pure over the evidence and
// never mutates it.
package policy

import (
	"fmt"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/detect"
)

// ActionKind enumerates the decision outcomes.
type ActionKind string

const (
	ActionAllow     ActionKind = "allow"
	ActionTag       ActionKind = "tag"
	ActionThrottle  ActionKind = "throttle"
	ActionChallenge ActionKind = "challenge"
	ActionBlock     ActionKind = "block"
)

// ChallengeSpec carries what the middleware needs to render a challenge.
type ChallengeSpec struct {
	Kind         string
	ClearanceTTL time.Duration
}

// Decision is the selector output the middleware applies.
type Decision struct {
	Action     ActionKind
	Reason     string
	Headers    map[string]string
	Delay      time.Duration
	StatusCode int
	Message    string
	Challenge  *ChallengeSpec
}

// Allow is the neutral decision.
func Allow(reason string) Decision {
	return Decision{Action: ActionAllow, Reason: reason}
}

// Selector resolves the policy for a path and walks its transitions. It is
// safe for concurrent use; per-request state never touches the selector.
type Selector struct {
	opts *config.Options
}

// NewSelector builds a selector over validated options.
func NewSelector(opts *config.Options) *Selector {
	return &Selector{opts: opts}
}

// Select maps evidence and request path to a decision. Verified bots always
// pass; a forced block from the orchestrator is honored before any policy
// walk.
func (s *Selector) Select(ev *detect.AggregatedEvidence, reqPath string) Decision {
	if ev.IsVerifiedBot() {
		return Allow(fmt.Sprintf("verified bot: %s", ev.PrimaryBotName))
	}

	if ev.ForcedBlock {
		return s.applyGuard(ev, s.blockDecision(ev, "forced block: "+ev.EarlyExitReason))
	}

	// No detector produced any evidence: the 0.5 prior alone never
	// justifies an action.
	if len(ev.Contributions) == 0 {
		return Allow("no detector evidence")
	}

	policyName := s.policyForPath(reqPath)
	pol, ok := s.opts.Policies[policyName]
	if !ok {
		return Allow("no policy configured")
	}

	for _, tr := range pol.Transitions {
		if ev.BotProbability <= tr.WhenRiskExceeds {
			continue
		}
		if tr.WhenSignal != "" && !signalActive(ev, tr.WhenSignal) {
			continue
		}
		action, ok := s.opts.Actions[tr.Action]
		if !ok {
			continue
		}
		return s.applyGuard(ev, s.decide(ev, tr.Action, action))
	}
	return Allow("below all policy thresholds")
}

// policyForPath resolves exact, then prefix (trailing *), then glob matches,
// then the default.
func (s *Selector) policyForPath(reqPath string) string {
	if name, ok := s.opts.PathPolicies[reqPath]; ok {
		return name
	}
	best, bestLen := "", -1
	for pattern, name := range s.opts.PathPolicies {
		if strings.HasSuffix(pattern, "*") {
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(reqPath, prefix) && len(prefix) > bestLen {
				best, bestLen = name, len(prefix)
			}
			continue
		}
		if ok, err := path.Match(pattern, reqPath); err == nil && ok && bestLen < 0 {
			best, bestLen = name, 0
		}
	}
	if best != "" {
		return best
	}
	return s.opts.DefaultPolicy
}

func (s *Selector) decide(ev *detect.AggregatedEvidence, name string, a config.ActionConfig) Decision {
	reason := fmt.Sprintf("policy action %q at probability %.2f", name, ev.BotProbability)
	switch ActionKind(a.Kind) {
	case ActionAllow:
		return Allow(reason)
	case ActionTag:
		header, value := a.TagHeader, a.TagValue
		if header == "" {
			header = "X-Bot-Risk"
		}
		if value == "" {
			value = string(ev.RiskBand)
		}
		return Decision{Action: ActionTag, Reason: reason, Headers: map[string]string{header: value}}
	case ActionThrottle:
		return Decision{Action: ActionThrottle, Reason: reason, Delay: s.throttleDelay(ev, a)}
	case ActionChallenge:
		kind := a.ChallengeKind
		if kind == "" {
			kind = "interactive"
		}
		ttl := a.ClearanceTTL
		if ttl <= 0 {
			ttl = 30 * time.Minute
		}
		return Decision{
			Action:    ActionChallenge,
			Reason:    reason,
			Challenge: &ChallengeSpec{Kind: kind, ClearanceTTL: ttl},
		}
	case ActionBlock:
		d := s.blockDecision(ev, reason)
		if a.StatusCode > 0 {
			d.StatusCode = a.StatusCode
		}
		if a.Message != "" {
			d.Message = a.Message
		}
		return d
	}
	return Allow("unknown action kind " + a.Kind)
}

// throttleDelay computes base + random(0, base*jitter), optionally scaled by
// probability, clamped to the configured maximum.
func (s *Selector) throttleDelay(ev *detect.AggregatedEvidence, a config.ActionConfig) time.Duration {
	base := float64(a.DelayMs)
	if base <= 0 {
		base = 500
	}
	delay := base
	if a.DelayJitter > 0 {
		delay += rand.Float64() * base * a.DelayJitter
	}
	if a.ScaleByRisk {
		delay *= ev.BotProbability * 2 // 1x at p=0.5, 2x at p=1
	}
	if a.MaxDelayMs > 0 && delay > float64(a.MaxDelayMs) {
		delay = float64(a.MaxDelayMs)
	}
	return time.Duration(delay) * time.Millisecond
}

func (s *Selector) blockDecision(ev *detect.AggregatedEvidence, reason string) Decision {
	return Decision{
		Action:     ActionBlock,
		Reason:     reason,
		StatusCode: 403,
		Message:    "request blocked",
	}
}

// applyGuard downgrades a block that rests on LLM evidence alone while the
// aggregate confidence is low. The model may advise, it may not convict.
func (s *Selector) applyGuard(ev *detect.AggregatedEvidence, d Decision) Decision {
	if d.Action != ActionBlock || ev.Confidence >= 0.9 {
		return d
	}
	if !llmEvidenceAlone(ev) {
		return d
	}
	return Decision{
		Action:    ActionChallenge,
		Reason:    d.Reason + " (downgraded: LLM evidence alone)",
		Challenge: &ChallengeSpec{Kind: "interactive", ClearanceTTL: 30 * time.Minute},
	}
}

// llmEvidenceAlone reports whether every positive contribution came from the
// LLM detector.
func llmEvidenceAlone(ev *detect.AggregatedEvidence) bool {
	sawLLM := false
	for _, c := range ev.Contributions {
		if c.ConfidenceDelta <= 0 {
			continue
		}
		if c.Category != detect.CategoryLLM {
			return false
		}
		sawLLM = true
	}
	return sawLLM
}

// signalActive reports whether a named signal was published truthy.
func signalActive(ev *detect.AggregatedEvidence, key string) bool {
	v, ok := ev.Signals[key]
	if !ok {
		return false
	}
	switch {
	case v.Bool:
		return true
	case v.Int != 0, v.Float != 0, v.Str != "":
		return true
	}
	return false
}
