package model

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/features"
)

// fakeWeightStore is an in-memory WeightStore that records observations on a
// channel so tests can wait for the drain worker.
type fakeWeightStore struct {
	mu      sync.Mutex
	weights []contracts.WeightEntry
	loadErr error
	recCh   chan string
}

func (f *fakeWeightStore) GetWeight(ctx context.Context, st contracts.SignatureType, sig string) (float64, error) {
	return 0, errors.New("not used")
}

func (f *fakeWeightStore) GetAllWeights(ctx context.Context, st contracts.SignatureType) ([]contracts.WeightEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]contracts.WeightEntry{}, f.weights...), nil
}

func (f *fakeWeightStore) RecordObservation(ctx context.Context, st contracts.SignatureType, sig string, wasBot bool, impact float64) error {
	if f.recCh != nil {
		f.recCh <- sig
	}
	return nil
}

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

func TestInferSeededWeights(t *testing.T) {
	m := New(nil, 0, zap.NewNop())
	defer m.Close()

	// Empty map: only the bias contributes.
	p, n := m.Infer(features.Map{})
	assert.InDelta(t, sigmoid(DefaultBias), p, 1e-9)
	assert.Equal(t, 0, n)

	// One fully activated seeded feature.
	p, n = m.Infer(features.Map{"ua:contains_bot": 1})
	assert.InDelta(t, sigmoid(DefaultBias+0.9), p, 1e-9)
	assert.Equal(t, 1, n)

	// Negative evidence pulls below the prior.
	p, _ = m.Infer(features.Map{"fp:legitimate": 1, "fp:received": 1})
	assert.Less(t, p, 0.5)

	// Zero activations do not count as active features.
	_, n = m.Infer(features.Map{"ua:curl": 0, "ua:chrome": 1})
	assert.Equal(t, 1, n)
}

func TestInferIsPure(t *testing.T) {
	m := New(nil, 0, zap.NewNop())
	defer m.Close()

	fm := features.Map{"ua:curl": 1, "accept:generic": 1, "req:header_count": 0.1}
	p1, _ := m.Infer(fm)
	p2, _ := m.Infer(fm)
	assert.Equal(t, p1, p2)
}

func TestWeightFor(t *testing.T) {
	m := New(nil, 0, zap.NewNop())
	defer m.Close()

	assert.Equal(t, 0.9, m.WeightFor("ua:contains_bot"))
	assert.Equal(t, -0.6, m.WeightFor("hdr:accept_language"))
	assert.Equal(t, DefaultWeight, m.WeightFor("never:seen"))
}

func TestReloadMergesOverSeeds(t *testing.T) {
	store := &fakeWeightStore{weights: []contracts.WeightEntry{
		{Signature: "ua:contains_bot", Weight: 0.95}, // overrides the seed
		{Signature: "path:probe", Weight: 0.42},      // new learned weight
	}}
	m := New(store, 0, zap.NewNop())
	defer m.Close()

	assert.Equal(t, 0.95, m.WeightFor("ua:contains_bot"))
	assert.Equal(t, 0.42, m.WeightFor("path:probe"))
	assert.Equal(t, 0.7, m.WeightFor("ua:empty"), "untouched seeds survive the merge")
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	store := &fakeWeightStore{weights: []contracts.WeightEntry{
		{Signature: "path:probe", Weight: 0.42},
	}}
	m := New(store, 0, zap.NewNop())
	defer m.Close()
	require.Equal(t, 0.42, m.WeightFor("path:probe"))

	store.mu.Lock()
	store.loadErr = errors.New("store down")
	store.mu.Unlock()

	m.Reload(context.Background())
	assert.Equal(t, 0.42, m.WeightFor("path:probe"), "failed reload keeps the previous snapshot")
}

func TestObserveDrains(t *testing.T) {
	store := &fakeWeightStore{recCh: make(chan string, 16)}
	m := New(store, 16, zap.NewNop())
	defer m.Close()

	m.Observe(features.Map{"ua:curl": 1, "accept:generic": 1, "req:https": 0}, true, 0.8)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case sig := <-store.recCh:
			got[sig] = true
		case <-time.After(2 * time.Second):
			t.Fatal("observation not drained")
		}
	}
	assert.True(t, got["ua:curl"])
	assert.True(t, got["accept:generic"])

	select {
	case sig := <-store.recCh:
		t.Fatalf("zero-valued feature %q must not be observed", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserveNeverBlocks(t *testing.T) {
	// A store whose recording channel is never read: the drain worker jams on
	// the first sample and the queue fills.
	store := &fakeWeightStore{recCh: make(chan string)}
	m := New(store, 2, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.Observe(features.Map{"ua:curl": 1}, true, 0.9)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked on a full queue")
	}

	// Unjam the drain worker so Close can finish.
	go func() {
		for range store.recCh {
		}
	}()
	m.Close()
	close(store.recCh)
}

func TestObserveNilStoreIsNoop(t *testing.T) {
	m := New(nil, 1, zap.NewNop())
	defer m.Close()
	for i := 0; i < 10; i++ {
		m.Observe(features.Map{"ua:curl": 1}, true, 0.9)
	}
	assert.Equal(t, 0, m.QueueDepth())
}

func TestWeightsReturnsCopy(t *testing.T) {
	m := New(nil, 0, zap.NewNop())
	defer m.Close()

	w := m.Weights()
	w["ua:contains_bot"] = -5
	assert.Equal(t, 0.9, m.WeightFor("ua:contains_bot"))
}
