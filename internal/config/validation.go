package config

import (
	"encoding/hex"
	"fmt"
	"net"
)

// Validate checks option consistency. Validation failures are configuration
// errors and fail startup; nothing here is recoverable at runtime.
func (o *Options) Validate() error {
	if o.BotThreshold < 0 || o.BotThreshold > 1 {
		return fmt.Errorf("bot_threshold must be in [0,1], got %v", o.BotThreshold)
	}
	if o.EarlyExitThreshold < 0 || o.EarlyExitThreshold > 1 {
		return fmt.Errorf("early_exit_threshold must be in [0,1], got %v", o.EarlyExitThreshold)
	}
	if o.ImmediateBlockThreshold < o.EarlyExitThreshold {
		return fmt.Errorf("immediate_block_threshold (%v) must be >= early_exit_threshold (%v)",
			o.ImmediateBlockThreshold, o.EarlyExitThreshold)
	}
	if o.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("max_requests_per_minute must be positive, got %d", o.MaxRequestsPerMinute)
	}
	if o.StageParallelism <= 0 {
		return fmt.Errorf("stage_parallelism must be positive, got %d", o.StageParallelism)
	}
	if o.DetectorTimeout <= 0 {
		return fmt.Errorf("detector_timeout must be positive, got %v", o.DetectorTimeout)
	}

	for name, dc := range o.Detectors {
		if dc.Weight < 0 || dc.Weight > 5 {
			return fmt.Errorf("detector %q weight must be in [0,5], got %v", name, dc.Weight)
		}
	}

	if o.Identity.SecretKey != "" {
		raw, err := hex.DecodeString(o.Identity.SecretKey)
		if err != nil {
			return fmt.Errorf("identity.secret_key is not valid hex: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("identity.secret_key must be 32 bytes, got %d", len(raw))
		}
	}

	for _, cidr := range o.DatacenterIPPrefixes {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid datacenter prefix %q: %w", cidr, err)
		}
	}
	for _, cidr := range o.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
	}

	for name, p := range o.Policies {
		for i, tr := range p.Transitions {
			if tr.Action == "" {
				return fmt.Errorf("policy %q transition %d has no action", name, i)
			}
			if _, ok := o.Actions[tr.Action]; !ok {
				return fmt.Errorf("policy %q references unknown action %q", name, tr.Action)
			}
			if tr.WhenRiskExceeds < 0 || tr.WhenRiskExceeds > 1 {
				return fmt.Errorf("policy %q transition %d risk threshold out of range: %v",
					name, i, tr.WhenRiskExceeds)
			}
		}
	}
	for pattern, policy := range o.PathPolicies {
		if _, ok := o.Policies[policy]; !ok {
			return fmt.Errorf("path pattern %q references unknown policy %q", pattern, policy)
		}
	}
	if o.DefaultPolicy != "" {
		if _, ok := o.Policies[o.DefaultPolicy]; !ok {
			return fmt.Errorf("default_policy %q not defined", o.DefaultPolicy)
		}
	}

	for name, a := range o.Actions {
		switch a.Kind {
		case "allow", "tag", "throttle", "challenge", "block":
		default:
			return fmt.Errorf("action %q has unknown kind %q", name, a.Kind)
		}
		if a.Kind == "throttle" && a.MaxDelayMs > 0 && a.DelayMs > a.MaxDelayMs {
			return fmt.Errorf("action %q base delay %dms exceeds max %dms", name, a.DelayMs, a.MaxDelayMs)
		}
	}

	return nil
}
