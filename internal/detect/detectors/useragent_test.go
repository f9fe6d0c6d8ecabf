package detectors

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/signalbus"
)

func TestUserAgentMissing(t *testing.T) {
	d := NewUserAgentDetector(testOpts(), nil)
	rc := newRequest("")

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, 0.8, cs[0].ConfidenceDelta)
	assert.Equal(t, detect.CategoryUserAgent, cs[0].Category)

	assert.True(t, rc.Bus.GetBool(signalbus.SigUAEmpty))
	n, ok := rc.Bus.GetInt(signalbus.SigUALength)
	require.True(t, ok)
	assert.Equal(t, int64(0), n)
}

func TestUserAgentVerifiedBot(t *testing.T) {
	d := NewUserAgentDetector(testOpts(), nil)
	rc := newRequest("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, cs, 1, "allowlist short-circuits all other checks")
	assert.Equal(t, -1.0, cs[0].ConfidenceDelta)
	assert.Equal(t, detect.BotTypeVerifiedBot, cs[0].BotType)
	assert.Equal(t, "Googlebot", cs[0].BotName)
}

func TestUserAgentCurl(t *testing.T) {
	d := NewUserAgentDetector(testOpts(), nil)
	rc := newRequest("curl/8.5.0")

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.True(t, hasReason(cs, "bot pattern"))
	assert.True(t, hasReason(cs, "implausibly short User-Agent"))
	assert.InDelta(t, 0.6, deltaSum(cs), 1e-9)

	// 0.6 total marks the client a scraper, tagged on the last contribution.
	assert.Equal(t, detect.BotTypeScraper, cs[len(cs)-1].BotType)
}

func TestUserAgentShortBoundary(t *testing.T) {
	d := NewUserAgentDetector(testOpts(), nil)

	cs, err := d.Detect(context.Background(), newRequest("MyCustomAgent/1.0.2")) // 19 chars
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, 0.4, cs[0].ConfidenceDelta)

	cs, err = d.Detect(context.Background(), newRequest("MyCustomAgent/1.0.22")) // 20 chars
	require.NoError(t, err)
	assert.Empty(t, cs, "exactly 20 characters carries no short-UA penalty")
}

func TestUserAgentBrowserClean(t *testing.T) {
	d := NewUserAgentDetector(testOpts(), nil)
	cs, err := d.Detect(context.Background(), browserRequest())
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestUserAgentAutomationMarker(t *testing.T) {
	d := NewUserAgentDetector(testOpts(), nil)
	rc := newRequest("Mozilla/5.0 (compatible) okhttp/4.12.0 android client")

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, 0.5, cs[0].ConfidenceDelta)
	assert.Equal(t, detect.BotTypeScraper, cs[0].BotType)
}

func TestUserAgentRescaleCapsTotal(t *testing.T) {
	d := NewUserAgentDetector(testOpts(), nil)
	rc := newRequest("headless phantomjs selenium scrapy stack exercising everything")

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, cs, 4)
	assert.InDelta(t, 1.0, deltaSum(cs), 1e-9, "summed confidence rescales to 1")
	for _, c := range cs {
		assert.InDelta(t, 0.25, c.ConfidenceDelta, 1e-9)
	}
}

func TestUserAgentDownloadedPatternFirstMatchOnly(t *testing.T) {
	cache := &fakePatternCache{patterns: []contracts.CompiledPattern{
		{Name: "EvilScanner", Regex: regexp.MustCompile(`(?i)evilscanner`)},
		{Name: "EvilScanner2", Fallback: "evilscanner"},
	}}
	d := NewUserAgentDetector(testOpts(), cache)
	rc := newRequest("EvilScanner/2.0 (reconnaissance module enabled)")

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)

	matches := 0
	for _, c := range cs {
		if c.Reason == "known bot list match: EvilScanner" {
			matches++
		}
	}
	assert.Equal(t, 1, matches)
	assert.False(t, hasReason(cs, "EvilScanner2"), "only the first list match contributes")
}

func TestUserAgentEmbeddedURL(t *testing.T) {
	d := NewUserAgentDetector(testOpts(), nil)
	rc := newRequest("CustomAgent/1.0 (+https://example.org/info)")

	cs, err := d.Detect(context.Background(), rc)
	require.NoError(t, err)
	assert.True(t, hasReason(cs, "embeds a URL"))
}

func TestMatchPattern(t *testing.T) {
	re := contracts.CompiledPattern{Regex: regexp.MustCompile(`(?i)^badbot/`)}
	assert.True(t, matchPattern(re, "BadBot/1.0"))
	assert.False(t, matchPattern(re, "prefix BadBot/1.0"))

	fb := contracts.CompiledPattern{Fallback: "BadBot"}
	assert.True(t, matchPattern(fb, "something badbot here"))
	assert.False(t, matchPattern(fb, "clean"))

	assert.False(t, matchPattern(contracts.CompiledPattern{}, "anything"))
}
