// Package model implements the heuristic linear classifier: logistic
// regression over the feature map, seeded with shipped weights, merged with
// learned weights from the WeightStore, and updated online from detection
// feedback through a non-blocking observation queue.
package model

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/features"
)

const (
	// DefaultBias is the intercept applied before any feature weight.
	DefaultBias = 0.10
	// DefaultWeight is used for features with no seeded or learned weight.
	DefaultWeight = 0.10
)

// SeedWeights are the shipped defaults. Learned weights from the store are
// merged over them at load time.
func SeedWeights() map[string]float64 {
	return map[string]float64{
		"ua:contains_bot":              0.9,
		"ua:phantomjs":                 0.9,
		"ua:headless":                  0.8,
		"ua:scrapy":                    0.8,
		"ua:selenium":                  0.7,
		"ua:empty":                     0.7,
		"combo:browser_no_accept_lang": 0.6,
		"path:vcs_probe":               0.6,
		"sig:response_honeypot_hits":   0.9,
		"hdr:accept_language":          -0.6,
		"fp:legitimate":                -0.8,
		"fp:received":                  -0.7,
		"req:cookie_count":             -0.5,
		"hdr:referer":                  -0.4,
		"ua:chrome":                    -0.2,
		"sig:response_has_history":     -0.1,
		"result:bot_probability":       1.0,
	}
}

// Observation is one learning sample queued for the weight store.
type Observation struct {
	Feature string
	WasBot  bool
	Impact  float64
}

// Model is the logistic classifier. Weight snapshots swap atomically so
// inference never sees a partially reloaded map.
type Model struct {
	store  contracts.WeightStore
	logger *zap.Logger

	mu      sync.RWMutex
	weights map[string]float64
	bias    float64

	obsCh  chan Observation
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the model with seed weights, loads any learned weights from the
// store, and starts the background learner. A nil store disables
// persistence but keeps the seeded model functional.
func New(store contracts.WeightStore, queueSize int, logger *zap.Logger) *Model {
	if queueSize <= 0 {
		queueSize = 4096
	}
	m := &Model{
		store:   store,
		logger:  logger,
		weights: SeedWeights(),
		bias:    DefaultBias,
		obsCh:   make(chan Observation, queueSize),
		stopCh:  make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Reload(ctx)

	m.wg.Add(1)
	go m.drainLoop()

	return m
}

// Close stops the learner and flushes nothing: queued observations not yet
// drained are dropped, learning is opportunistic.
func (m *Model) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// Reload merges store weights over the seeds and swaps the snapshot. Store
// failures leave the previous snapshot in place.
func (m *Model) Reload(ctx context.Context) {
	if m.store == nil {
		return
	}
	entries, err := m.store.GetAllWeights(ctx, contracts.SignatureFeature)
	if err != nil {
		m.logger.Debug("weight reload failed, keeping current snapshot", zap.Error(err))
		return
	}
	merged := SeedWeights()
	for _, e := range entries {
		merged[e.Signature] = e.Weight
	}

	m.mu.Lock()
	m.weights = merged
	m.mu.Unlock()
	m.logger.Debug("model weights reloaded", zap.Int("learned", len(entries)))
}

// StartReloadLoop reloads weights on the given interval until ctx is done.
func (m *Model) StartReloadLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Reload(ctx)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// WeightFor returns the effective weight for a feature.
func (m *Model) WeightFor(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.weights[name]; ok {
		return w
	}
	return DefaultWeight
}

// Infer runs logistic inference over the feature map. The result is pure for
// a fixed weight snapshot.
func (m *Model) Infer(fm features.Map) (probability float64, activeFeatures int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score := m.bias
	for name, value := range fm {
		if value == 0 {
			continue
		}
		w, ok := m.weights[name]
		if !ok {
			w = DefaultWeight
		}
		score += value * w
		activeFeatures++
	}
	return 1.0 / (1.0 + math.Exp(-score)), activeFeatures
}

// Observe enqueues learning samples for every active feature. The queue is
// bounded and never blocks the detection path; on overflow samples are
// dropped.
func (m *Model) Observe(fm features.Map, wasBot bool, confidence float64) {
	if m.store == nil {
		return
	}
	for name, value := range fm {
		if value == 0 {
			continue
		}
		obs := Observation{Feature: name, WasBot: wasBot, Impact: confidence * value}
		select {
		case m.obsCh <- obs:
		default:
			return // queue full, learning is opportunistic
		}
	}
}

func (m *Model) drainLoop() {
	defer m.wg.Done()
	for {
		select {
		case obs := <-m.obsCh:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := m.store.RecordObservation(ctx, contracts.SignatureFeature, obs.Feature, obs.WasBot, obs.Impact)
			cancel()
			if err != nil {
				m.logger.Debug("record observation failed", zap.String("feature", obs.Feature), zap.Error(err))
			}
		case <-m.stopCh:
			return
		}
	}
}

// Weights returns a copy of the current weight snapshot, for the ops API.
func (m *Model) Weights() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.weights))
	for k, v := range m.weights {
		out[k] = v
	}
	return out
}

// QueueDepth reports the pending observation count, for metrics.
func (m *Model) QueueDepth() int {
	return len(m.obsCh)
}
