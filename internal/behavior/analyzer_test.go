package behavior

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeshield/botshield/internal/window"
)

func TestSimplifyPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/", "/"},
		{"/users/12345/orders", "/users/{id}/orders"},
		{"/items/550e8400-e29b-41d4-a716-446655440000", "/items/{guid}"},
		{"/users/12345/orders/99", "/users/{id}/orders/{id}"},
		{"/static/app.js", "/static/app.js"},
		{"/v2/products", "/v2/products"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SimplifyPath(tt.in), "SimplifyPath(%q)", tt.in)
	}
}

func TestShannonEntropy(t *testing.T) {
	assert.Equal(t, 0.0, ShannonEntropy(nil))
	assert.Equal(t, 0.0, ShannonEntropy([]string{"a", "a", "a"}))
	assert.InDelta(t, 1.0, ShannonEntropy([]string{"a", "b"}), 1e-9)
	assert.InDelta(t, 2.0, ShannonEntropy([]string{"a", "b", "c", "d"}), 1e-9)
}

func TestPathEntropy(t *testing.T) {
	_, ok := PathEntropy([]string{"/a", "/a", "/a", "/a"})
	assert.False(t, ok, "below minimum sample count")

	f, ok := PathEntropy([]string{"/a", "/a", "/a", "/a", "/a", "/a"})
	require.True(t, ok, "hammering one URL is low entropy")
	assert.Equal(t, 0.2, f.Delta)

	_, ok = PathEntropy([]string{"/a", "/b", "/c", "/d", "/e"})
	assert.False(t, ok, "fully diverse paths are maximum entropy")
}

// mkTimings turns a sequence of inter-arrival intervals into timestamps.
func mkTimings(intervals ...time.Duration) []time.Time {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	out := []time.Time{base}
	for _, iv := range intervals {
		base = base.Add(iv)
		out = append(out, base)
	}
	return out
}

func TestTimingEntropy(t *testing.T) {
	uniform := mkTimings(50*time.Millisecond, 50*time.Millisecond, 50*time.Millisecond,
		50*time.Millisecond, 50*time.Millisecond)
	f, ok := TimingEntropy(uniform)
	require.True(t, ok)
	assert.Equal(t, 0.25, f.Delta)

	varied := mkTimings(100*time.Millisecond, 350*time.Millisecond, 900*time.Millisecond,
		1500*time.Millisecond, 2200*time.Millisecond)
	_, ok = TimingEntropy(varied)
	assert.False(t, ok)

	_, ok = TimingEntropy(mkTimings(50*time.Millisecond, 50*time.Millisecond))
	assert.False(t, ok, "too few intervals")
}

func TestRegularPatternCVBoundary(t *testing.T) {
	// Alternating 600ms/400ms intervals: mean 500ms, stddev 100ms, CV exactly
	// 0.20. The comparison is strict, so this must not flag.
	exact := mkTimings(
		600*time.Millisecond, 400*time.Millisecond, 600*time.Millisecond, 400*time.Millisecond,
		600*time.Millisecond, 400*time.Millisecond, 600*time.Millisecond, 400*time.Millisecond,
	)
	_, ok := RegularPattern(exact)
	assert.False(t, ok, "CV of exactly 0.20 stays below the line")

	// 599/401 narrows the spread: CV 0.198 with a sub-5s mean flags.
	under := mkTimings(
		599*time.Millisecond, 401*time.Millisecond, 599*time.Millisecond, 401*time.Millisecond,
		599*time.Millisecond, 401*time.Millisecond, 599*time.Millisecond, 401*time.Millisecond,
	)
	f, ok := RegularPattern(under)
	require.True(t, ok)
	assert.Equal(t, 0.3, f.Delta)
	assert.Contains(t, f.Reason, "too regular interval")
}

func TestRegularPatternSlowTrafficExempt(t *testing.T) {
	// Perfectly even but slow: a 10s mean is a feed poller, not a scraper.
	slow := mkTimings(
		10*time.Second, 10*time.Second, 10*time.Second, 10*time.Second,
		10*time.Second, 10*time.Second, 10*time.Second, 10*time.Second,
	)
	_, ok := RegularPattern(slow)
	assert.False(t, ok)
}

func TestRegularPatternTooFewSamples(t *testing.T) {
	_, ok := RegularPattern(mkTimings(
		500*time.Millisecond, 500*time.Millisecond, 500*time.Millisecond,
		500*time.Millisecond, 500*time.Millisecond, 500*time.Millisecond,
		500*time.Millisecond,
	))
	assert.False(t, ok, "seven intervals is below the minimum")
}

func TestTimingAnomalyZScoreBoundary(t *testing.T) {
	// Ten history intervals alternating 900ms/1100ms: mean 1000ms, stddev
	// 100ms. A 1300ms current interval is exactly z=3.0 and must not flag.
	history := make([]time.Duration, 0, 11)
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			history = append(history, 900*time.Millisecond)
		} else {
			history = append(history, 1100*time.Millisecond)
		}
	}

	exact := append(append([]time.Duration{}, history...), 1300*time.Millisecond)
	_, ok := TimingAnomaly(mkTimings(exact...))
	assert.False(t, ok, "z-score of exactly 3.0 stays below the line")

	over := append(append([]time.Duration{}, history...), 1310*time.Millisecond)
	f, ok := TimingAnomaly(mkTimings(over...))
	require.True(t, ok)
	assert.Equal(t, 0.15, f.Delta)
	assert.Contains(t, f.Reason, "timing anomaly")
}

func TestTimingAnomalyTooFewSamples(t *testing.T) {
	_, ok := TimingAnomaly(mkTimings(
		time.Second, time.Second, time.Second, time.Second,
		time.Second, time.Second, time.Second, time.Second, 10*time.Second,
	))
	assert.False(t, ok)
}

func newProfile(firstSeen time.Time) *window.BehaviorProfile {
	return &window.BehaviorProfile{
		FirstSeen:   firstSeen,
		Paths:       make(map[string]struct{}),
		Transitions: make(map[string]map[string]int),
	}
}

func TestMarkovTransitionUnusual(t *testing.T) {
	p := newProfile(time.Now())
	p.Transitions["/a"] = map[string]int{"/b": 3}

	f, ok := MarkovTransition(p, "/a", "/c")
	require.True(t, ok, "never-seen transition with history is unusual")
	assert.Equal(t, 0.2, f.Delta)
	assert.Contains(t, f.Reason, "unusual navigation")

	assert.Equal(t, 1, p.Transitions["/a"]["/c"], "transition history updated")
}

func TestMarkovTransitionRepetitive(t *testing.T) {
	p := newProfile(time.Now())
	p.Transitions["/a"] = map[string]int{"/b": 5}

	f, ok := MarkovTransition(p, "/a", "/b")
	require.True(t, ok)
	assert.Equal(t, 0.15, f.Delta)
	assert.Contains(t, f.Reason, "repetitive navigation")
	assert.Equal(t, 6, p.Transitions["/a"]["/b"])
}

func TestMarkovTransitionColdStart(t *testing.T) {
	p := newProfile(time.Now())

	_, ok := MarkovTransition(p, "/a", "/b")
	assert.False(t, ok, "no history means no judgement")
	assert.Equal(t, 1, p.Transitions["/a"]["/b"])

	// Two observations is still below the unusual-transition minimum.
	_, ok = MarkovTransition(p, "/a", "/c")
	assert.False(t, ok)
}

func TestMarkovTransitionSimplifiesPaths(t *testing.T) {
	p := newProfile(time.Now())
	MarkovTransition(p, "/users/1", "/users/1/orders")
	MarkovTransition(p, "/users/2", "/users/2/orders")

	assert.Equal(t, 2, p.Transitions["/users/{id}"]["/users/{id}/orders"],
		"numeric IDs collapse so transitions generalize")
}

func TestBurst(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p := newProfile(now.Add(-10 * time.Minute))
	p.RequestCount = 35 // 20 historical plus the 15 in the window

	f, ok := Burst(p, time.Minute, 15, now)
	require.True(t, ok, "15 requests in a minute against a slow history")
	assert.Equal(t, 0.3, f.Delta)
	assert.Contains(t, f.Reason, "request burst")
}

func TestBurstBelowMinimumCount(t *testing.T) {
	now := time.Now()
	p := newProfile(now.Add(-10 * time.Minute))
	p.RequestCount = 100

	_, ok := Burst(p, time.Minute, 9, now)
	assert.False(t, ok)
}

func TestBurstNewIdentityExempt(t *testing.T) {
	now := time.Now()
	p := newProfile(now.Add(-30 * time.Second))
	p.RequestCount = 20

	_, ok := Burst(p, time.Minute, 20, now)
	assert.False(t, ok, "identities younger than the window have no baseline")
}

func TestBurstSteadyHighRateNotABurst(t *testing.T) {
	now := time.Now()
	p := newProfile(now.Add(-10 * time.Minute))
	// Historical rate matches the window rate: 15/min throughout.
	p.RequestCount = 150

	_, ok := Burst(p, time.Minute, 15, now)
	assert.False(t, ok)
}

func TestIntervalsHelper(t *testing.T) {
	assert.Nil(t, intervals(mkTimings()))
	iv := intervals(mkTimings(100*time.Millisecond, 200*time.Millisecond))
	require.Len(t, iv, 2)
	assert.Equal(t, 100*time.Millisecond, iv[0])
	assert.Equal(t, 200*time.Millisecond, iv[1])
}
