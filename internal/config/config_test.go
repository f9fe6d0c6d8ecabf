package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{
			"bot threshold out of range",
			func(o *Options) { o.BotThreshold = 1.5 },
			"bot_threshold",
		},
		{
			"immediate block below early exit",
			func(o *Options) { o.ImmediateBlockThreshold = 0.5 },
			"immediate_block_threshold",
		},
		{
			"zero rate limit",
			func(o *Options) { o.MaxRequestsPerMinute = 0 },
			"max_requests_per_minute",
		},
		{
			"detector weight above cap",
			func(o *Options) {
				o.Detectors[DetectorUserAgent] = DetectorConfig{Enabled: true, Weight: 7}
			},
			"weight must be in [0,5]",
		},
		{
			"secret not hex",
			func(o *Options) { o.Identity.SecretKey = "zz" },
			"not valid hex",
		},
		{
			"secret wrong length",
			func(o *Options) { o.Identity.SecretKey = "abcd" },
			"must be 32 bytes",
		},
		{
			"bad datacenter prefix",
			func(o *Options) { o.DatacenterIPPrefixes = append(o.DatacenterIPPrefixes, "300.0.0.0/8") },
			"invalid datacenter prefix",
		},
		{
			"bad trusted proxy",
			func(o *Options) { o.TrustedProxies = []string{"10.0.0.0"} },
			"invalid trusted proxy",
		},
		{
			"policy references unknown action",
			func(o *Options) {
				o.Policies["broken"] = PolicyConfig{Transitions: []PolicyTransition{
					{WhenRiskExceeds: 0.5, Action: "teleport"},
				}}
			},
			"unknown action",
		},
		{
			"path references unknown policy",
			func(o *Options) { o.PathPolicies["/x"] = "nonexistent" },
			"unknown policy",
		},
		{
			"default policy undefined",
			func(o *Options) { o.DefaultPolicy = "nonexistent" },
			"default_policy",
		},
		{
			"unknown action kind",
			func(o *Options) { o.Actions["weird"] = ActionConfig{Kind: "teleport"} },
			"unknown kind",
		},
		{
			"throttle base above max",
			func(o *Options) {
				o.Actions["throttle"] = ActionConfig{Kind: "throttle", DelayMs: 5000, MaxDelayMs: 1000}
			},
			"exceeds max",
		},
		{
			"transition risk out of range",
			func(o *Options) {
				o.Policies["broken"] = PolicyConfig{Transitions: []PolicyTransition{
					{WhenRiskExceeds: 1.5, Action: "block"},
				}}
			},
			"risk threshold out of range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(opts)
			err := opts.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAcceptsProperSecret(t *testing.T) {
	opts := DefaultOptions()
	opts.Identity.SecretKey = strings.Repeat("ab", 32)
	require.NoError(t, opts.Validate())
}

func TestDetectorFor(t *testing.T) {
	opts := DefaultOptions()

	dc := opts.DetectorFor(DetectorSecurityTool)
	assert.True(t, dc.Enabled)
	assert.Equal(t, 1.5, dc.Weight)
	assert.Equal(t, opts.DetectorTimeout, dc.Timeout, "zero timeout inherits the global default")

	dc = opts.DetectorFor("never-heard-of-it")
	assert.True(t, dc.Enabled)
	assert.Equal(t, 1.0, dc.Weight)
	assert.Equal(t, opts.DetectorTimeout, dc.Timeout)

	opts.Detectors["custom"] = DetectorConfig{Enabled: true, Weight: 2, Timeout: time.Second}
	dc = opts.DetectorFor("custom")
	assert.Equal(t, time.Second, dc.Timeout, "explicit timeout is kept")
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	opts, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.7, opts.BotThreshold)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botshield.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bot-threshold: 0.8
max-requests-per-minute: 120
llm:
  enabled: true
  model: gpt-4o
behavioral:
  warmup-period: 5m
`), 0o600))

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.8, opts.BotThreshold)
	assert.Equal(t, 120, opts.MaxRequestsPerMinute)
	assert.True(t, opts.Llm.Enabled)
	assert.Equal(t, "gpt-4o", opts.Llm.Model)
	assert.Equal(t, 5*time.Minute, opts.Behavioral.WarmupPeriod)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.95, opts.ImmediateBlockThreshold)
	assert.Equal(t, "default", opts.DefaultPolicy)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botshield.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bot-threshold: 3.0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestWatcherReloadKeepsPreviousOnBadEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botshield.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bot-threshold: 0.6\n"), 0o600))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0.6, w.Current().BotThreshold)

	require.NoError(t, os.WriteFile(path, []byte("bot-threshold: 9.9\n"), 0o600))
	w.Reload()
	assert.Equal(t, 0.6, w.Current().BotThreshold, "a bad edit keeps the previous options")

	require.NoError(t, os.WriteFile(path, []byte("bot-threshold: 0.75\n"), 0o600))
	w.Reload()
	assert.Equal(t, 0.75, w.Current().BotThreshold)
}

func TestWatcherOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botshield.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bot-threshold: 0.6\n"), 0o600))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)

	var got *Options
	w.OnChange(func(o *Options) { got = o })

	require.NoError(t, os.WriteFile(path, []byte("bot-threshold: 0.65\n"), 0o600))
	w.Reload()
	require.NotNil(t, got)
	assert.Equal(t, 0.65, got.BotThreshold)
}
