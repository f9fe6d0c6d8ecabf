// Package engine implements the blackboard orchestrator: the wave scheduler
// that runs detectors stage by stage over a shared per-request signal bus,
// aggregates their weighted contributions into sealed evidence, and maps the
// evidence through the policy selector into a decision.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/detect/detectors"
	"github.com/edgeshield/botshield/internal/identity"
	"github.com/edgeshield/botshield/internal/model"
	"github.com/edgeshield/botshield/internal/policy"
	"github.com/edgeshield/botshield/internal/signalbus"
	"github.com/edgeshield/botshield/internal/window"
)

const stageCount = 4

// Deps are the external collaborators the engine wires into its detectors.
// Nil members disable the detectors that need them.
type Deps struct {
	Logger       *zap.Logger
	Metrics      contracts.MetricsSink
	Windows      *window.Store
	Patterns     contracts.PatternCache
	Versions     contracts.BrowserVersionService
	Fingerprints contracts.FingerprintStore
	Weights      contracts.WeightStore
	Llm          contracts.LlmClient
	PatternObs   contracts.PatternObservationStore
}

// Engine is the per-process evaluator. It is safe for concurrent use; all
// per-request state lives in the RequestContext.
type Engine struct {
	opts    *config.Options
	logger  *zap.Logger
	metrics contracts.MetricsSink
	tracer  trace.Tracer

	resolver *identity.Resolver
	model    *model.Model
	selector *policy.Selector

	clientSide *detectors.ClientSideDetector
	heuristic  *detectors.HeuristicDetector

	stages [stageCount][]detect.Detector
}

// New builds the engine from validated options. Detectors configured off are
// not constructed at all.
func New(opts *config.Options, deps Deps) (*Engine, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = contracts.NopMetrics{}
	}

	var secret []byte
	if opts.Identity.SecretKey != "" {
		var err error
		secret, err = hex.DecodeString(opts.Identity.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("decode identity secret: %w", err)
		}
	}
	resolver, err := identity.NewResolver(secret, opts.Identity.DailyRotation)
	if err != nil {
		return nil, err
	}

	m := model.New(deps.Weights, opts.Learning.ObservationQueueSize, deps.Logger.Named("model"))
	if opts.Learning.Enabled {
		m.StartReloadLoop(context.Background(), opts.Learning.WeightReloadInterval)
	}

	e := &Engine{
		opts:     opts,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer("botshield/engine"),
		resolver: resolver,
		model:    m,
		selector: policy.NewSelector(opts),
	}

	enabled := func(name string) bool { return opts.DetectorFor(name).Enabled }
	add := func(d detect.Detector) { e.stages[d.Stage()] = append(e.stages[d.Stage()], d) }

	if enabled(config.DetectorUserAgent) {
		add(detectors.NewUserAgentDetector(opts, deps.Patterns))
	}
	if enabled(config.DetectorHeaders) {
		add(detectors.NewHeaderDetector(opts))
	}
	if enabled(config.DetectorIP) {
		add(detectors.NewIPDetector(opts, deps.Patterns, deps.Logger.Named("ip")))
	}
	if enabled(config.DetectorSecurityTool) {
		add(detectors.NewSecurityToolDetector(opts, deps.Patterns))
	}
	if enabled(config.DetectorClientSide) && opts.ClientSide.Enabled {
		e.clientSide = detectors.NewClientSideDetector(opts, deps.Fingerprints, resolver)
		add(e.clientSide)
	}
	if enabled(config.DetectorVersionAge) {
		add(detectors.NewVersionAgeDetector(opts, deps.Versions))
	}
	if enabled(config.DetectorBehavioral) && deps.Windows != nil {
		add(detectors.NewBehavioralDetector(opts, deps.Windows))
	}
	if enabled(config.DetectorInconsistency) {
		add(detectors.NewInconsistencyDetector(opts))
	}
	if enabled(config.DetectorHeuristic) {
		e.heuristic = detectors.NewHeuristicDetector(opts, m)
		add(e.heuristic)
	}
	if enabled(config.DetectorLlm) && opts.Llm.Enabled && deps.Llm != nil {
		add(detectors.NewLlmDetector(opts, deps.Llm, deps.PatternObs, deps.Logger.Named("llm")))
	}

	return e, nil
}

// Close stops the background learner.
func (e *Engine) Close() {
	e.model.Close()
}

// Model exposes the heuristic model for the ops surface.
func (e *Engine) Model() *model.Model { return e.model }

// ClearanceSubject derives the identity a challenge clearance token binds
// to, so a token cannot be replayed from another address.
func (e *Engine) ClearanceSubject(rc *detect.RequestContext) string {
	return e.resolver.Hash(rc.RequestedAt, rc.ClientIP(), "clearance")
}

// FingerprintKey derives the store key under which the beacon endpoint
// persists a client's fingerprint.
func (e *Engine) FingerprintKey(rc *detect.RequestContext) string {
	return e.resolver.FingerprintLookupKey(rc.RequestedAt, rc.ClientIP(), detectors.FingerprintSalt)
}

// DetectorNames lists the active detectors per stage, for the status API.
func (e *Engine) DetectorNames() map[string][]string {
	out := make(map[string][]string, stageCount)
	for s, ds := range e.stages {
		names := make([]string, 0, len(ds))
		for _, d := range ds {
			names = append(names, d.Name())
		}
		out[detect.Stage(s).String()] = names
	}
	return out
}

// Evaluate runs the full pipeline for one request and returns the decision
// alongside the sealed evidence. It never panics outward; an internal fault
// fails open with an allow decision.
func (e *Engine) Evaluate(ctx context.Context, rc *detect.RequestContext) (decision policy.Decision, ev *detect.AggregatedEvidence) {
	start := time.Now()
	evalID := ulid.Make().String()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluation panic, failing open",
				zap.String("evaluation_id", evalID), zap.Any("panic", r))
			ev = &detect.AggregatedEvidence{
				EvaluationID:    evalID,
				BotProbability:  0.5,
				RiskBand:        detect.BandFor(0.5),
				EarlyExit:       true,
				EarlyExitReason: "internal_error",
			}
			decision = policy.Allow("internal_error")
		}
	}()

	if rc.Bus == nil {
		rc.Bus = signalbus.New()
	}
	if e.opts.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.PipelineTimeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "botshield.evaluate",
		trace.WithAttributes(attribute.String("evaluation.id", evalID)))
	defer span.End()

	if e.clientSide != nil {
		fp, err := e.clientSide.Lookup(ctx, rc)
		if err != nil {
			e.logger.Debug("fingerprint prefetch failed", zap.Error(err))
		}
		rc.Fingerprint = fp
		rc.FingerprintResolved = true
	}
	rc.Identities = e.resolver.Resolve(rc, rc.Fingerprint)

	acc := newAccumulator(evalID)

	for s := 0; s < stageCount; s++ {
		ds := e.stages[s]
		if len(ds) == 0 {
			continue
		}

		var partial *detect.AggregatedEvidence
		if detect.Stage(s) == detect.StageIntelligence {
			partial = acc.seal(rc, start, false)
		}
		e.runStage(ctx, detect.Stage(s), ds, rc, partial, acc)

		// Checkpoints exist to skip later stages; after the last populated
		// stage there is nothing to skip and no early exit to record.
		if !e.hasLaterStage(s) {
			break
		}
		if stop := acc.checkpoint(detect.Stage(s), e.opts); stop {
			break
		}
		if ctx.Err() != nil {
			acc.earlyExit("timeout")
			break
		}
	}

	ev = acc.seal(rc, start, true)
	decision = e.selector.Select(ev, rc.Path)

	e.learn(rc, ev)
	e.emit(ev, decision, start)

	span.SetAttributes(
		attribute.Float64("bot.probability", ev.BotProbability),
		attribute.String("bot.risk_band", string(ev.RiskBand)),
		attribute.String("decision.action", string(decision.Action)),
	)

	return decision, ev
}

// hasLaterStage reports whether any stage after s has detectors to run.
func (e *Engine) hasLaterStage(s int) bool {
	for i := s + 1; i < stageCount; i++ {
		if len(e.stages[i]) > 0 {
			return true
		}
	}
	return false
}

// runStage executes one wave with bounded parallelism. Detector failures and
// timeouts are recorded, never propagated.
func (e *Engine) runStage(ctx context.Context, stage detect.Stage, ds []detect.Detector, rc *detect.RequestContext, partial *detect.AggregatedEvidence, acc *accumulator) {
	ctx, span := e.tracer.Start(ctx, "botshield.stage."+stage.String())
	defer span.End()

	limit := e.opts.StageParallelism
	if limit <= 0 {
		limit = 8
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for _, d := range ds {
		d := d
		g.Go(func() error {
			cfg := e.opts.DetectorFor(d.Name())
			if cfg.Timeout <= 0 {
				cfg.Timeout = 500 * time.Millisecond
			}
			dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()

			contribs, err := e.invoke(dctx, d, rc, partial)
			if err != nil {
				e.logger.Debug("detector failed",
					zap.String("detector", d.Name()), zap.Error(err))
				acc.fail(d.Name())
				return nil
			}
			acc.add(contribs)
			return nil
		})
	}
	_ = g.Wait()
}

// invoke runs one detector in its own goroutine so a detector that ignores
// its context cannot stall the wave past its timeout.
func (e *Engine) invoke(ctx context.Context, d detect.Detector, rc *detect.RequestContext, partial *detect.AggregatedEvidence) ([]detect.Contribution, error) {
	type result struct {
		contribs []detect.Contribution
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("detector panic: %v", r)}
			}
		}()
		if ed, ok := d.(detect.EvidenceDetector); ok && partial != nil {
			cs, err := ed.DetectWithEvidence(ctx, rc, partial)
			ch <- result{cs, err}
			return
		}
		cs, err := d.Detect(ctx, rc)
		ch <- result{cs, err}
	}()

	select {
	case r := <-ch:
		return r.contribs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// learn feeds the verdict back into the model when the evidence is confident
// enough to learn from.
func (e *Engine) learn(rc *detect.RequestContext, ev *detect.AggregatedEvidence) {
	lc := e.opts.Learning
	if !lc.Enabled || e.heuristic == nil {
		return
	}
	if ev.Confidence < lc.MinConfidenceForLearning {
		return
	}
	wasBot := ev.BotProbability >= e.opts.BotThreshold
	e.model.Observe(e.heuristic.FeatureMap(rc, ev), wasBot, ev.Confidence)
}

func (e *Engine) emit(ev *detect.AggregatedEvidence, d policy.Decision, start time.Time) {
	now := time.Now()
	e.metrics.Emit(contracts.MetricRecord{
		Kind: contracts.MetricHistogram, Name: "evaluation_duration_ms",
		Value: float64(now.Sub(start).Microseconds()) / 1000.0, At: now,
	})
	e.metrics.Emit(contracts.MetricRecord{
		Kind: contracts.MetricCounter, Name: "evaluations_total",
		Labels: map[string]string{"band": string(ev.RiskBand), "action": string(d.Action)},
		Value:  1, At: now,
	})
	for _, name := range ev.FailedDetectors {
		e.metrics.Emit(contracts.MetricRecord{
			Kind: contracts.MetricCounter, Name: "detector_failures_total",
			Labels: map[string]string{"detector": name}, Value: 1, At: now,
		})
	}
	e.metrics.Emit(contracts.MetricRecord{
		Kind: contracts.MetricGauge, Name: "learning_queue_depth",
		Value: float64(e.model.QueueDepth()), At: now,
	})
}

// probabilityOf folds weighted contributions through tanh onto [0, 1]. An
// empty contribution list lands exactly on 0.5.
func probabilityOf(contribs []detect.Contribution) float64 {
	var pos, neg float64
	for _, c := range contribs {
		w := c.ConfidenceDelta * c.Weight
		if w > 0 {
			pos += w
		} else {
			neg += w
		}
	}
	raw := math.Tanh(pos + neg)
	return detect.Clamp01((raw + 1) / 2)
}
