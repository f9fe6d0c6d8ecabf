package detectors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/model"
	"github.com/edgeshield/botshield/internal/signalbus"
)

func newHeuristic(t *testing.T) *HeuristicDetector {
	t.Helper()
	m := model.New(nil, 0, zap.NewNop())
	t.Cleanup(m.Close)
	return NewHeuristicDetector(testOpts(), m)
}

func TestHeuristicToolLeansBot(t *testing.T) {
	d := newHeuristic(t)
	rc := newRequest("curl/8.5.0", hdr("Accept", "*/*"))

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Greater(t, cs[0].ConfidenceDelta, 0.0)
	assert.Equal(t, detect.BotTypeTool, cs[0].BotType, "the ua:curl feature names the tool type")
	assert.Contains(t, cs[0].Reason, "Heuristic model")
}

func TestHeuristicBrowserLeansHuman(t *testing.T) {
	d := newHeuristic(t)

	cs, err := d.Detect(context.Background(), browserRequest())
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Less(t, cs[0].ConfidenceDelta, 0.0,
		"language, referer, cookies and the chrome token all carry negative weight")
	assert.Equal(t, detect.BotTypeUnknown, cs[0].BotType)
}

func TestHeuristicDeltaBounds(t *testing.T) {
	d := newHeuristic(t)

	for _, rc := range []*detect.RequestContext{
		newRequest(""),
		newRequest("curl/8.5.0"),
		browserRequest(),
		newRequest("scrapybot spider crawling scraper headless phantomjs selenium"),
	} {
		cs, err := d.Detect(context.Background(), rc)
		require.NoError(t, err)
		require.Len(t, cs, 1)
		assert.GreaterOrEqual(t, cs[0].ConfidenceDelta, -1.0)
		assert.LessOrEqual(t, cs[0].ConfidenceDelta, 1.0)
	}
}

func TestHeuristicEvidenceShiftsVerdict(t *testing.T) {
	d := newHeuristic(t)
	rc := browserRequest()

	bare, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)

	ev := &detect.AggregatedEvidence{
		Signals: map[string]signalbus.Value{
			"client.fingerprint_hash": {Kind: signalbus.KindString, Str: "abcd"},
			"client.integrity_score":  {Kind: signalbus.KindFloat, Float: 90},
		},
	}
	withFp, err := d.DetectWithEvidence(context.Background(), rc, ev)
	require.NoError(t, err)

	assert.Less(t, withFp[0].ConfidenceDelta, bare[0].ConfidenceDelta,
		"a legitimate fingerprint pushes the verdict further toward human")
}

func TestHeuristicScraperFeatureType(t *testing.T) {
	d := newHeuristic(t)
	rc := newRequest("selenium-driven harness agent", hdr("Accept", "*/*"))

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	if cs[0].ConfidenceDelta > 0 {
		assert.Equal(t, detect.BotTypeScraper, cs[0].BotType)
	}
}

func TestHeuristicFallsBackToEvidenceBotType(t *testing.T) {
	d := newHeuristic(t)
	rc := newRequest("") // empty UA leans bot through ua:empty

	ev := &detect.AggregatedEvidence{
		PrimaryBotType: detect.BotTypeMaliciousBot,
		Signals:        map[string]signalbus.Value{},
	}
	cs, err := d.DetectWithEvidence(context.Background(), rc, ev)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	if cs[0].ConfidenceDelta > 0 {
		assert.Equal(t, detect.BotTypeMaliciousBot, cs[0].BotType)
	}
}

func TestHeuristicFeatureMapMatchesExtraction(t *testing.T) {
	d := newHeuristic(t)
	rc := newRequest("curl/8.5.0")
	ev := &detect.AggregatedEvidence{Signals: map[string]signalbus.Value{}}

	fm := d.FeatureMap(rc, ev)
	assert.Equal(t, 1.0, fm["ua:curl"])
	assert.Equal(t, 1.0, fm["fp:missing"])
}
