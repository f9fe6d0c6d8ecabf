// Package storage implements the persistence collaborators over bbolt:
// learned model weights, client-side fingerprints, downloaded feed bodies,
// and LLM-learned patterns. One database file holds everything; each concern
// gets its own bucket.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/contracts"
)

const (
	bucketWeightsFeature  = "weights_feature"
	bucketWeightsPattern  = "weights_pattern"
	bucketFingerprints    = "fingerprints"
	bucketFeeds           = "feeds"
	bucketLearnedPatterns = "learned_patterns"

	// FingerprintTTL bounds how long a beacon record stays usable.
	FingerprintTTL = 24 * time.Hour

	openTimeout     = 5 * time.Second
	cleanupInterval = time.Hour
)

// weightRecord is the stored form of one learned weight.
type weightRecord struct {
	Weight       float64   `json:"weight"`
	Observations int64     `json:"observations"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// learnedPattern is one LLM-observed pattern with its running stats.
type learnedPattern struct {
	Pattern    string    `json:"pattern"`
	BotType    string    `json:"bot_type"`
	Confidence float64   `json:"confidence"`
	Count      int64     `json:"count"`
	LastSeen   time.Time `json:"last_seen"`
}

// BoltStore is the bbolt-backed persistence layer. It implements
// contracts.WeightStore, contracts.FingerprintStore,
// contracts.PatternObservationStore, and patterns.FeedPersistence.
type BoltStore struct {
	db           *bolt.DB
	logger       *zap.Logger
	learningRate float64
	nowFn        func() time.Time

	stopCh chan struct{}
}

// Open opens or creates the database and ensures all buckets exist.
func Open(path string, learningRate float64, logger *zap.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{
			bucketWeightsFeature, bucketWeightsPattern,
			bucketFingerprints, bucketFeeds, bucketLearnedPatterns,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if learningRate <= 0 {
		learningRate = 0.05
	}
	return &BoltStore{
		db:           db,
		logger:       logger,
		learningRate: learningRate,
		nowFn:        time.Now,
		stopCh:       make(chan struct{}),
	}, nil
}

// Close stops the cleanup loop and closes the database.
func (s *BoltStore) Close() error {
	close(s.stopCh)
	return s.db.Close()
}

// StartCleanup sweeps expired fingerprints on an hourly cadence.
func (s *BoltStore) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepFingerprints()
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func weightBucket(sigType contracts.SignatureType) string {
	if sigType == contracts.SignaturePattern {
		return bucketWeightsPattern
	}
	return bucketWeightsFeature
}

// GetWeight implements contracts.WeightStore.
func (s *BoltStore) GetWeight(_ context.Context, sigType contracts.SignatureType, signature string) (float64, error) {
	var w float64
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(weightBucket(sigType))).Get([]byte(signature))
		if raw == nil {
			return nil
		}
		var rec weightRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode weight %s: %w", signature, err)
		}
		w, found = rec.Weight, true
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("weight %s/%s not found", sigType, signature)
	}
	return w, nil
}

// GetAllWeights implements contracts.WeightStore.
func (s *BoltStore) GetAllWeights(_ context.Context, sigType contracts.SignatureType) ([]contracts.WeightEntry, error) {
	var out []contracts.WeightEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(weightBucket(sigType))).ForEach(func(k, v []byte) error {
			var rec weightRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Debug("skipping undecodable weight", zap.String("signature", string(k)))
				return nil
			}
			out = append(out, contracts.WeightEntry{Signature: string(k), Weight: rec.Weight})
			return nil
		})
	})
	return out, err
}

// RecordObservation implements contracts.WeightStore. The weight moves
// toward +1 for bot observations and -1 for human ones, stepped by the
// learning rate and the observation impact.
func (s *BoltStore) RecordObservation(_ context.Context, sigType contracts.SignatureType, signature string, wasBot bool, impact float64) error {
	target := -1.0
	if wasBot {
		target = 1.0
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(weightBucket(sigType)))
		rec := weightRecord{}
		if raw := b.Get([]byte(signature)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				rec = weightRecord{}
			}
		}
		rec.Weight += s.learningRate * impact * (target - rec.Weight)
		rec.Observations++
		rec.UpdatedAt = s.nowFn()

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(signature), raw)
	})
}

// Get implements contracts.FingerprintStore. Records past their TTL read as
// absent.
func (s *BoltStore) Get(_ context.Context, ipHash string) (*contracts.BrowserFingerprint, error) {
	var fp *contracts.BrowserFingerprint
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketFingerprints)).Get([]byte(ipHash))
		if raw == nil {
			return nil
		}
		var rec contracts.BrowserFingerprint
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode fingerprint: %w", err)
		}
		if s.nowFn().Sub(rec.CollectedAt) > FingerprintTTL {
			return nil
		}
		fp = &rec
		return nil
	})
	return fp, err
}

// PutFingerprint stores a beacon-produced fingerprint under its hashed IP.
func (s *BoltStore) PutFingerprint(_ context.Context, ipHash string, fp *contracts.BrowserFingerprint) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encode fingerprint: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketFingerprints)).Put([]byte(ipHash), raw)
	})
}

func (s *BoltStore) sweepFingerprints() {
	cutoff := s.nowFn().Add(-FingerprintTTL)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFingerprints))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec contracts.BrowserFingerprint
			if err := json.Unmarshal(v, &rec); err != nil || rec.CollectedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("fingerprint sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Debug("fingerprint sweep", zap.Int("removed", removed))
	}
}

// SaveFeed implements patterns.FeedPersistence.
func (s *BoltStore) SaveFeed(_ context.Context, name string, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketFeeds)).Put([]byte(name), body)
	})
}

// LoadFeed implements patterns.FeedPersistence.
func (s *BoltStore) LoadFeed(_ context.Context, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket([]byte(bucketFeeds)).Get([]byte(name)); raw != nil {
			out = append([]byte(nil), raw...)
		}
		return nil
	})
	return out, err
}

// RecordPattern implements contracts.PatternObservationStore.
func (s *BoltStore) RecordPattern(_ context.Context, pattern, botType string, confidence float64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLearnedPatterns))
		rec := learnedPattern{Pattern: pattern, BotType: botType}
		if raw := b.Get([]byte(pattern)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				rec = learnedPattern{Pattern: pattern, BotType: botType}
			}
		}
		rec.Count++
		// Running average keeps one noisy verdict from dominating.
		rec.Confidence += (confidence - rec.Confidence) / float64(rec.Count)
		rec.LastSeen = s.nowFn()

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(pattern), raw)
	})
}

// LearnedPatterns lists the LLM-observed patterns, for the ops surface.
func (s *BoltStore) LearnedPatterns(_ context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLearnedPatterns)).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
