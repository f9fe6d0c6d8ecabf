// Package redisstore implements the fingerprint and weight collaborators on
// Redis for multi-node deployments, where the beacon endpoint and the
// middleware instances do not share a local database file.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/contracts"
)

const (
	keyPrefix      = "botshield:"
	fingerprintTTL = 24 * time.Hour
)

// Store implements contracts.FingerprintStore and contracts.WeightStore on a
// shared Redis instance.
type Store struct {
	rdb          *redis.Client
	logger       *zap.Logger
	learningRate float64
}

// New builds the store; it does not ping the server, connections are lazy.
func New(opts *redis.Options, learningRate float64, logger *zap.Logger) *Store {
	if learningRate <= 0 {
		learningRate = 0.05
	}
	return &Store{rdb: redis.NewClient(opts), logger: logger, learningRate: learningRate}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping verifies connectivity, used at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func fingerprintKey(ipHash string) string { return keyPrefix + "fp:" + ipHash }

func weightsKey(sigType contracts.SignatureType) string {
	return keyPrefix + "weights:" + string(sigType)
}

// Get implements contracts.FingerprintStore.
func (s *Store) Get(ctx context.Context, ipHash string) (*contracts.BrowserFingerprint, error) {
	raw, err := s.rdb.Get(ctx, fingerprintKey(ipHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fingerprint get: %w", err)
	}
	var fp contracts.BrowserFingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	return &fp, nil
}

// PutFingerprint stores a beacon record with the standard TTL.
func (s *Store) PutFingerprint(ctx context.Context, ipHash string, fp *contracts.BrowserFingerprint) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encode fingerprint: %w", err)
	}
	return s.rdb.Set(ctx, fingerprintKey(ipHash), raw, fingerprintTTL).Err()
}

// GetWeight implements contracts.WeightStore.
func (s *Store) GetWeight(ctx context.Context, sigType contracts.SignatureType, signature string) (float64, error) {
	raw, err := s.rdb.HGet(ctx, weightsKey(sigType), signature).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("weight %s/%s not found", sigType, signature)
	}
	if err != nil {
		return 0, fmt.Errorf("weight get: %w", err)
	}
	return strconv.ParseFloat(raw, 64)
}

// GetAllWeights implements contracts.WeightStore.
func (s *Store) GetAllWeights(ctx context.Context, sigType contracts.SignatureType) ([]contracts.WeightEntry, error) {
	all, err := s.rdb.HGetAll(ctx, weightsKey(sigType)).Result()
	if err != nil {
		return nil, fmt.Errorf("weights scan: %w", err)
	}
	out := make([]contracts.WeightEntry, 0, len(all))
	for sig, raw := range all {
		w, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.logger.Debug("skipping unparseable weight", zap.String("signature", sig))
			continue
		}
		out = append(out, contracts.WeightEntry{Signature: sig, Weight: w})
	}
	return out, nil
}

// RecordObservation implements contracts.WeightStore. The atomic increment
// steps the weight toward the observation sign; clamping to [-1, 1] happens
// lazily on the next read path through the model merge.
func (s *Store) RecordObservation(ctx context.Context, sigType contracts.SignatureType, signature string, wasBot bool, impact float64) error {
	target := -1.0
	if wasBot {
		target = 1.0
	}
	delta := s.learningRate * impact * target
	return s.rdb.HIncrByFloat(ctx, weightsKey(sigType), signature, delta).Err()
}
