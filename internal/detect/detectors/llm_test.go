package detectors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/signalbus"
)

// fakeLlmClient returns a canned response and records the prompt.
type fakeLlmClient struct {
	response string
	err      error
	ctxLen   int
	prompt   string
}

func (f *fakeLlmClient) Analyze(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.response, f.err
}

func (f *fakeLlmClient) ContextLength() int { return f.ctxLen }

// recordedPattern captures RecordPattern calls.
type recordedPattern struct {
	pattern string
	botType string
	conf    float64
	calls   int
}

func (r *recordedPattern) RecordPattern(_ context.Context, pattern, botType string, confidence float64) error {
	r.pattern, r.botType, r.conf = pattern, botType, confidence
	r.calls++
	return nil
}

func newLlm(t *testing.T, client *fakeLlmClient, store *recordedPattern, mutate func(*config.Options)) *LlmDetector {
	t.Helper()
	opts := testOpts()
	opts.Llm.Enabled = true
	if mutate != nil {
		mutate(opts)
	}
	var ps *recordedPattern
	if store != nil {
		ps = store
	}
	if ps == nil {
		return NewLlmDetector(opts, client, nil, zap.NewNop())
	}
	return NewLlmDetector(opts, client, ps, zap.NewNop())
}

func TestLlmBotVerdict(t *testing.T) {
	client := &fakeLlmClient{response: `{"is_bot":true,"confidence":0.85,"reasoning":"curl-style UA with no browser headers","bot_type":"tool"}`}
	d := newLlm(t, client, nil, nil)
	rc := newRequest("curl/8.5.0")

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, 0.85, cs[0].ConfidenceDelta)
	assert.Equal(t, detect.BotTypeTool, cs[0].BotType)
	assert.Equal(t, "curl-style UA with no browser headers", cs[0].Reason)

	pred, ok := rc.Bus.GetString(signalbus.SigAIPrediction)
	require.True(t, ok)
	assert.Equal(t, "bot", pred)
	conf, ok := rc.Bus.GetFloat(signalbus.SigAIConfidence)
	require.True(t, ok)
	assert.Equal(t, 0.85, conf)
}

func TestLlmHumanVerdict(t *testing.T) {
	client := &fakeLlmClient{response: `{"is_bot":false,"confidence":0.9,"reasoning":"consistent browser fingerprint","bot_type":""}`}
	d := newLlm(t, client, nil, nil)
	rc := browserRequest()

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, -0.9, cs[0].ConfidenceDelta)
	assert.Equal(t, detect.BotTypeUnknown, cs[0].BotType)

	pred, _ := rc.Bus.GetString(signalbus.SigAIPrediction)
	assert.Equal(t, "human", pred)
}

func TestLlmTransportErrorContributesNothing(t *testing.T) {
	client := &fakeLlmClient{err: errors.New("upstream 503")}
	d := newLlm(t, client, nil, nil)

	cs, err := d.Detect(context.Background(), newRequest("curl/8.5.0"))
	require.NoError(t, err, "model failures never fail the pipeline")
	assert.Nil(t, cs)
}

func TestLlmUnparseableContributesNothing(t *testing.T) {
	for _, raw := range []string{
		"I think this is a bot.",
		`{"is_bot":true,"confidence":1.5}`,
		`{"is_bot":true,"confidence":0.5,"surprise":"field"}`,
		"",
	} {
		client := &fakeLlmClient{response: raw}
		d := newLlm(t, client, nil, nil)
		cs, err := d.Detect(context.Background(), newRequest("curl/8.5.0"))
		require.NoError(t, err)
		assert.Nil(t, cs, "raw %q", raw)
	}
}

func TestLlmNilClient(t *testing.T) {
	d := newLlm(t, nil, nil, nil)
	d.client = nil
	cs, err := d.Detect(context.Background(), newRequest("curl/8.5.0"))
	require.NoError(t, err)
	assert.Nil(t, cs)
}

func TestLlmPatternLearning(t *testing.T) {
	client := &fakeLlmClient{response: `{"is_bot":true,"confidence":0.8,"reasoning":"r","bot_type":"scraper","pattern":"CustomHarvester/"}`}
	store := &recordedPattern{}
	d := newLlm(t, client, store, func(o *config.Options) {
		o.Llm.LearnPatterns = true
	})

	_, err := d.Detect(context.Background(), newRequest("CustomHarvester/2.1 data collection"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, "CustomHarvester/", store.pattern)
	assert.Equal(t, "scraper", store.botType)
	assert.Equal(t, 0.8, store.conf)
}

func TestLlmPatternLearningDisabled(t *testing.T) {
	client := &fakeLlmClient{response: `{"is_bot":true,"confidence":0.8,"reasoning":"r","bot_type":"scraper","pattern":"X/"}`}
	store := &recordedPattern{}
	d := newLlm(t, client, store, nil) // LearnPatterns stays false

	_, err := d.Detect(context.Background(), newRequest("some agent string here"))
	require.NoError(t, err)
	assert.Equal(t, 0, store.calls)
}

func TestLlmPromptCarriesRequestShape(t *testing.T) {
	client := &fakeLlmClient{response: `{"is_bot":false,"confidence":0.5,"reasoning":"r","bot_type":""}`}
	d := newLlm(t, client, nil, nil)
	rc := newRequest("curl/8.5.0")
	rc.Path = "/api/orders"

	_, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	assert.Contains(t, client.prompt, "path=/api/orders")
	assert.Contains(t, client.prompt, "user_agent=curl/8.5.0")
	assert.Contains(t, client.prompt, "strict JSON")
}

func TestParseVerdict(t *testing.T) {
	v, ok := parseVerdict(`Sure! {"is_bot":true,"confidence":0.7,"reasoning":"r","bot_type":"tool"} hope that helps`)
	require.True(t, ok, "surrounding prose is tolerated")
	assert.True(t, v.IsBot)
	assert.Equal(t, 0.7, v.Confidence)

	_, ok = parseVerdict("no json here")
	assert.False(t, ok)

	_, ok = parseVerdict(`{"is_bot":"yes"}`)
	assert.False(t, ok, "wrong field type")

	_, ok = parseVerdict(`{"is_bot":true,"confidence":-0.2}`)
	assert.False(t, ok, "confidence out of range")
}

func TestBotTypeFromLabel(t *testing.T) {
	tests := []struct {
		in   string
		want detect.BotType
	}{
		{"scraper", detect.BotTypeScraper},
		{"Tool", detect.BotTypeTool},
		{"malicious_bot", detect.BotTypeMaliciousBot},
		{"verified", detect.BotTypeUnknown},
		{" Verified_Bot ", detect.BotTypeUnknown},
		{"something else", detect.BotTypeUnknown},
		{"", detect.BotTypeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, botTypeFromLabel(tt.in), "label %q", tt.in)
	}
}

func TestLlmCannotClaimVerifiedBot(t *testing.T) {
	// Allowlist status comes from the UA allowlist alone; a model verdict
	// asserting it must not carry the type through.
	client := &fakeLlmClient{response: `{"is_bot":true,"confidence":0.9,"reasoning":"looks allowlisted","bot_type":"verified"}`}
	d := newLlm(t, client, nil, nil)

	cs, err := d.Detect(context.Background(), newRequest("curl/8.5.0"))
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.NotEqual(t, detect.BotTypeVerifiedBot, cs[0].BotType)
	assert.Equal(t, detect.BotTypeUnknown, cs[0].BotType)
}
