package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/contracts"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "botshield.db"), 0.1, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWeightObservationFold(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Weights move toward +1 for bot observations, stepped by rate*impact.
	require.NoError(t, s.RecordObservation(ctx, contracts.SignatureFeature, "ua:curl", true, 1.0))
	w, err := s.GetWeight(ctx, contracts.SignatureFeature, "ua:curl")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, w, 1e-9)

	require.NoError(t, s.RecordObservation(ctx, contracts.SignatureFeature, "ua:curl", true, 1.0))
	w, err = s.GetWeight(ctx, contracts.SignatureFeature, "ua:curl")
	require.NoError(t, err)
	assert.InDelta(t, 0.19, w, 1e-9, "step shrinks as the weight approaches the target")

	require.NoError(t, s.RecordObservation(ctx, contracts.SignatureFeature, "hdr:accept_language", false, 1.0))
	w, err = s.GetWeight(ctx, contracts.SignatureFeature, "hdr:accept_language")
	require.NoError(t, err)
	assert.InDelta(t, -0.1, w, 1e-9, "human observations pull toward -1")
}

func TestWeightImpactScalesStep(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordObservation(ctx, contracts.SignatureFeature, "sig", true, 0.5))
	w, err := s.GetWeight(ctx, contracts.SignatureFeature, "sig")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, w, 1e-9)
}

func TestGetWeightMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.GetWeight(context.Background(), contracts.SignatureFeature, "never-seen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestWeightBucketsAreSeparate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordObservation(ctx, contracts.SignatureFeature, "shared-name", true, 1.0))
	_, err := s.GetWeight(ctx, contracts.SignaturePattern, "shared-name")
	assert.Error(t, err, "feature and pattern weights live in different buckets")

	entries, err := s.GetAllWeights(ctx, contracts.SignatureFeature)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "shared-name", entries[0].Signature)
}

func TestFingerprintRoundtrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	fp := &contracts.BrowserFingerprint{
		FingerprintHash:        "abcd1234",
		IntegrityScore:         88,
		FingerprintConsistency: 91,
		HeadlessLikelihood:     0.1,
		Legitimate:             true,
		CollectedAt:            time.Now(),
	}
	require.NoError(t, s.PutFingerprint(ctx, "iphash-1", fp))

	got, err := s.Get(ctx, "iphash-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abcd1234", got.FingerprintHash)
	assert.Equal(t, 88.0, got.IntegrityScore)

	got, err = s.Get(ctx, "iphash-unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFingerprintTTL(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	now := time.Now()
	s.nowFn = func() time.Time { return now }

	fp := &contracts.BrowserFingerprint{FingerprintHash: "x", CollectedAt: now}
	require.NoError(t, s.PutFingerprint(ctx, "iphash-1", fp))

	got, err := s.Get(ctx, "iphash-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	now = now.Add(FingerprintTTL + time.Minute)
	got, err = s.Get(ctx, "iphash-1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired records read as absent")
}

func TestFingerprintSweep(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	now := time.Now()
	s.nowFn = func() time.Time { return now }

	require.NoError(t, s.PutFingerprint(ctx, "old", &contracts.BrowserFingerprint{
		FingerprintHash: "old", CollectedAt: now.Add(-FingerprintTTL - time.Hour),
	}))
	require.NoError(t, s.PutFingerprint(ctx, "fresh", &contracts.BrowserFingerprint{
		FingerprintHash: "fresh", CollectedAt: now,
	}))

	s.sweepFingerprints()

	got, err := s.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestFeedPersistence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	body := []byte("badbot\t(?i)badbot\n")
	require.NoError(t, s.SaveFeed(ctx, "ua-0", body))

	got, err := s.LoadFeed(ctx, "ua-0")
	require.NoError(t, err)
	assert.Equal(t, body, got)

	got, err = s.LoadFeed(ctx, "ua-9")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordPatternRunningAverage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordPattern(ctx, "CustomHarvester/", "scraper", 0.8))
	require.NoError(t, s.RecordPattern(ctx, "CustomHarvester/", "scraper", 0.4))

	names, err := s.LearnedPatterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"CustomHarvester/"}, names)

	var rec learnedPattern
	require.NoError(t, s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketLearnedPatterns)).Get([]byte("CustomHarvester/"))
		require.NotNil(t, raw)
		return json.Unmarshal(raw, &rec)
	}))
	assert.Equal(t, int64(2), rec.Count)
	assert.InDelta(t, 0.6, rec.Confidence, 1e-9, "running average of 0.8 and 0.4")
	assert.Equal(t, "scraper", rec.BotType)
}
