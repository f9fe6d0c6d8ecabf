package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/features"
	"github.com/edgeshield/botshield/internal/signalbus"
)

const llmFallbackEncoding = "cl100k_base"

// llmVerdict is the strict response schema. Anything that does not parse
// into it is treated as no verdict.
type llmVerdict struct {
	IsBot      bool    `json:"is_bot"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	BotType    string  `json:"bot_type"`
	Pattern    string  `json:"pattern,omitempty"`
}

// LlmDetector sends a compact serialized feature block to an external model
// for re-classification. Every failure mode contributes nothing; the
// pipeline never waits on a broken model.
type LlmDetector struct {
	cfg      config.DetectorConfig
	llmCfg   config.LlmConfig
	client   contracts.LlmClient
	patterns contracts.PatternObservationStore
	encoder  *tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewLlmDetector builds the detector. The token encoder resolves from the
// configured model name with a generic fallback.
func NewLlmDetector(opts *config.Options, client contracts.LlmClient, patterns contracts.PatternObservationStore, logger *zap.Logger) *LlmDetector {
	enc, err := tiktoken.EncodingForModel(opts.Llm.Model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(llmFallbackEncoding)
		if err != nil {
			enc = nil
		}
	}
	return &LlmDetector{
		cfg:      opts.DetectorFor(config.DetectorLlm),
		llmCfg:   opts.Llm,
		client:   client,
		patterns: patterns,
		encoder:  enc,
		logger:   logger,
	}
}

// Name implements detect.Detector.
func (d *LlmDetector) Name() string { return config.DetectorLlm }

// Stage implements detect.Detector.
func (d *LlmDetector) Stage() detect.Stage { return detect.StageIntelligence }

// Detect implements detect.Detector.
func (d *LlmDetector) Detect(ctx context.Context, rc *detect.RequestContext) ([]detect.Contribution, error) {
	return d.DetectWithEvidence(ctx, rc, nil)
}

// DetectWithEvidence implements detect.EvidenceDetector.
func (d *LlmDetector) DetectWithEvidence(ctx context.Context, rc *detect.RequestContext, ev *detect.AggregatedEvidence) ([]detect.Contribution, error) {
	if d.client == nil {
		return nil, nil
	}
	if d.llmCfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.llmCfg.Timeout)
		defer cancel()
	}

	prompt := d.buildPrompt(rc, ev)
	raw, err := d.client.Analyze(ctx, prompt)
	if err != nil {
		d.logger.Debug("llm analysis failed", zap.Error(err))
		return nil, nil // contribute nothing, never fail the pipeline
	}

	verdict, ok := parseVerdict(raw)
	if !ok {
		d.logger.Debug("llm returned unparseable verdict", zap.String("raw", truncate(raw, 200)))
		return nil, nil
	}
	verdict.Confidence = detect.Clamp01(verdict.Confidence)

	rc.Bus.PutString(signalbus.SigAIPrediction, predictionLabel(verdict.IsBot))
	rc.Bus.PutFloat(signalbus.SigAIConfidence, verdict.Confidence)

	if d.llmCfg.LearnPatterns && d.patterns != nil && verdict.IsBot && verdict.Pattern != "" {
		if err := d.patterns.RecordPattern(ctx, verdict.Pattern, verdict.BotType, verdict.Confidence); err != nil {
			d.logger.Debug("pattern learning failed", zap.Error(err))
		}
	}

	delta := verdict.Confidence
	if !verdict.IsBot {
		delta = -delta
	}
	reason := verdict.Reasoning
	if reason == "" {
		reason = fmt.Sprintf("LLM verdict: bot=%v confidence=%.2f", verdict.IsBot, verdict.Confidence)
	}

	c := detect.Contribution{
		DetectorName:    d.Name(),
		Category:        detect.CategoryLLM,
		ConfidenceDelta: delta,
		Weight:          d.cfg.Weight,
		Reason:          reason,
	}
	if verdict.IsBot {
		c.BotType = botTypeFromLabel(verdict.BotType)
	}
	return []detect.Contribution{c}, nil
}

// buildPrompt serializes the feature block under the token budget derived
// from the model context length.
func (d *LlmDetector) buildPrompt(rc *detect.RequestContext, ev *detect.AggregatedEvidence) string {
	var fm features.Map
	if ev != nil {
		fm = features.ExtractFull(rc, ev)
	} else {
		fm = features.ExtractEarly(rc)
	}

	var sb strings.Builder
	sb.WriteString("Classify this HTTP request as bot or human.\n")
	fmt.Fprintf(&sb, "method=%s path=%s\n", rc.Method, rc.Path)
	fmt.Fprintf(&sb, "user_agent=%s\n", truncate(rc.UserAgent(), 300))
	sb.WriteString("features: ")
	sb.WriteString(fm.String())
	sb.WriteString("\nRespond with strict JSON: " +
		`{"is_bot":bool,"confidence":0..1,"reasoning":string,"bot_type":string,"pattern":string?}`)

	return d.fitBudget(sb.String())
}

// fitBudget trims the prompt to the token budget: the configured cap bounded
// by the model context window (reserving a quarter for the completion).
func (d *LlmDetector) fitBudget(prompt string) string {
	budget := d.llmCfg.MaxPromptTokens
	if ctxLen := d.client.ContextLength(); ctxLen > 0 {
		avail := ctxLen - ctxLen/4
		if budget <= 0 || avail < budget {
			budget = avail
		}
	}
	if budget <= 0 || d.encoder == nil {
		return prompt
	}
	tokens := d.encoder.Encode(prompt, nil, nil)
	if len(tokens) <= budget {
		return prompt
	}
	return d.encoder.Decode(tokens[:budget])
}

// parseVerdict extracts the strict JSON object, tolerating surrounding prose.
func parseVerdict(raw string) (llmVerdict, bool) {
	var v llmVerdict
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return v, false
	}
	dec := json.NewDecoder(strings.NewReader(raw[start : end+1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, false
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return v, false
	}
	return v, true
}

func predictionLabel(isBot bool) string {
	if isBot {
		return "bot"
	}
	return "human"
}

// botTypeFromLabel maps the model's free-text label onto the taxonomy.
// VerifiedBot is never minted here: that status comes from the UA allowlist
// only, and a model reply claiming it must not grant allowlist treatment.
func botTypeFromLabel(label string) detect.BotType {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "scraper":
		return detect.BotTypeScraper
	case "tool":
		return detect.BotTypeTool
	case "malicious", "maliciousbot", "malicious_bot":
		return detect.BotTypeMaliciousBot
	}
	return detect.BotTypeUnknown
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
