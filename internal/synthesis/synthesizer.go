// Package synthesis merges the findings of a research session into one
// sourced answer.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/llmutil"
)

const (
	// MaxConfidence is the ceiling of every reported confidence.
	MaxConfidence = 0.95

	diversityBonus     = 0.1
	diversitySaturates = 3

	fallbackCaveat = "The answer lists the raw findings because they could not be synthesized into a single answer."
	nothingCaveat  = "No findings were collected."
)

// Verdict is the outcome of a comparison.
type Verdict string

const (
	VerdictWinner       Verdict = "winner"
	VerdictInconclusive Verdict = "inconclusive"
)

// Request is the input of Synthesize.
type Request struct {
	Task           string
	Findings       []schemas.Finding
	CompletedGoals []schemas.SubGoal
	FailedGoals    []schemas.SubGoal
	// Caveats added by the control loop, e.g. a timeout.
	Caveats []string
}

// ComparisonResult is the outcome of an A-vs-B synthesis.
type ComparisonResult struct {
	Verdict   Verdict            `json:"verdict"`
	Winner    string             `json:"winner,omitempty"`
	Reasoning string             `json:"reasoning"`
	Scores    map[string]float64 `json:"scores,omitempty"`
}

type synthesisResponse struct {
	Answer     string         `json:"answer"`
	Summary    string         `json:"summary"`
	Confidence *float64       `json:"confidence"`
	Caveats    []string       `json:"caveats"`
	DataPoints map[string]any `json:"data_points"`
}

type comparisonResponse struct {
	Winner    string             `json:"winner"`
	Reasoning string             `json:"reasoning"`
	Scores    map[string]float64 `json:"scores"`
}

// Synthesizer produces final answers.
type Synthesizer struct {
	logger       *zap.Logger
	judge        schemas.LLMClient
	judgeTimeout time.Duration
}

// New creates a Synthesizer.
func New(judge schemas.LLMClient, judgeTimeout time.Duration, logger *zap.Logger) *Synthesizer {
	if judgeTimeout <= 0 {
		judgeTimeout = 45 * time.Second
	}
	return &Synthesizer{
		logger:       logger.Named("synthesizer"),
		judge:        judge,
		judgeTimeout: judgeTimeout,
	}
}

// Synthesize always returns an answer. With zero findings it reports that
// nothing was found; when the judgment service fails it falls back to a
// deterministic listing of the findings.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) schemas.SynthesizedResult {
	caveats := goalCaveats(req.FailedGoals, req.Caveats)

	if len(req.Findings) == 0 {
		return schemas.SynthesizedResult{
			Answer:     fmt.Sprintf("No information was found for: %s", req.Task),
			Summary:    "Nothing found.",
			Sources:    []string{},
			Confidence: 0,
			Caveats:    appendUnique(caveats, nothingCaveat),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.judgeTimeout)
	defer cancel()
	raw, err := s.judge.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: synthesisContract,
		UserPrompt:   synthesisPrompt(req.Task, groupByGoal(req.Findings, req.CompletedGoals, req.FailedGoals)),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	})
	outcome := llmutil.Decode[synthesisResponse](raw, err)
	if outcome.Parsed() && strings.TrimSpace(outcome.Value.Answer) == "" {
		outcome = llmutil.ParseFailed[synthesisResponse](raw, errors.New("empty answer"))
	}
	if !outcome.Parsed() {
		s.logger.Warn("Synthesis response unusable, using fallback.", zap.Error(outcome.Err))
		return fallback(req.Findings, caveats)
	}

	resp := outcome.Value
	confidence := CalculateOverallConfidence(req.Findings)
	if resp.Confidence != nil {
		confidence = capConfidence(*resp.Confidence)
	}
	for _, c := range resp.Caveats {
		caveats = appendUnique(caveats, c)
	}
	if resp.DataPoints == nil {
		resp.DataPoints = map[string]any{}
	}
	return schemas.SynthesizedResult{
		Answer:     strings.TrimSpace(resp.Answer),
		Summary:    strings.TrimSpace(resp.Summary),
		Sources:    Sources(req.Findings),
		Confidence: confidence,
		Caveats:    caveats,
		DataPoints: resp.DataPoints,
	}
}

// fallback lists every fact as a bullet, with the mean finding confidence.
func fallback(findings []schemas.Finding, caveats []string) schemas.SynthesizedResult {
	var b strings.Builder
	for i, f := range findings {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s", f.Fact)
	}
	sources := Sources(findings)
	return schemas.SynthesizedResult{
		Answer:     b.String(),
		Summary:    fmt.Sprintf("%d findings from %d sources.", len(findings), len(sources)),
		Sources:    sources,
		Confidence: capConfidence(meanConfidence(findings)),
		Caveats:    appendUnique(caveats, fallbackCaveat),
		DataPoints: map[string]any{"findings_count": len(findings)},
	}
}

// CalculateOverallConfidence is the mean finding confidence plus up to 0.1 for
// source diversity, capped at MaxConfidence. Empty input yields 0.
func CalculateOverallConfidence(findings []schemas.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	diversity := float64(len(Sources(findings))) / diversitySaturates
	if diversity > 1 {
		diversity = 1
	}
	return capConfidence(meanConfidence(findings) + diversity*diversityBonus)
}

// ComparisonSynthesis picks a winner among named groups of findings, or
// reports the comparison inconclusive.
func (s *Synthesizer) ComparisonSynthesis(ctx context.Context, options map[string][]schemas.Finding, criteria []string) ComparisonResult {
	scores := make(map[string]float64, len(options))
	for name, findings := range options {
		scores[name] = CalculateOverallConfidence(findings)
	}
	if len(options) < 2 {
		return ComparisonResult{
			Verdict:   VerdictInconclusive,
			Reasoning: "At least two options are needed for a comparison.",
			Scores:    scores,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.judgeTimeout)
	defer cancel()
	raw, err := s.judge.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: comparisonContract,
		UserPrompt:   comparisonPrompt(options, criteria),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0},
	})
	outcome := llmutil.Decode[comparisonResponse](raw, err)
	if !outcome.Parsed() {
		s.logger.Warn("Comparison response unusable.", zap.Error(outcome.Err))
		return ComparisonResult{
			Verdict:   VerdictInconclusive,
			Reasoning: fmt.Sprintf("The comparison could not be judged: %v", outcome.Err),
			Scores:    scores,
		}
	}

	resp := outcome.Value
	for name, score := range resp.Scores {
		if key, ok := matchOption(options, name); ok {
			scores[key] = llmutil.Clamp01(score)
		}
	}
	result := ComparisonResult{
		Verdict:   VerdictInconclusive,
		Reasoning: strings.TrimSpace(resp.Reasoning),
		Scores:    scores,
	}
	if winner, ok := matchOption(options, resp.Winner); ok {
		result.Verdict = VerdictWinner
		result.Winner = winner
	}
	return result
}

// matchOption resolves a name case-insensitively against the option keys.
func matchOption(options map[string][]schemas.Finding, name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, string(VerdictInconclusive)) {
		return "", false
	}
	for key := range options {
		if strings.EqualFold(key, name) {
			return key, true
		}
	}
	return "", false
}

// Sources returns the distinct source URLs in first-seen order.
func Sources(findings []schemas.Finding) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, f := range findings {
		if f.SourceURL == "" || seen[f.SourceURL] {
			continue
		}
		seen[f.SourceURL] = true
		out = append(out, f.SourceURL)
	}
	return out
}

func meanConfidence(findings []schemas.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var sum float64
	for _, f := range findings {
		sum += llmutil.Clamp01(f.Confidence)
	}
	return sum / float64(len(findings))
}

func capConfidence(v float64) float64 {
	v = llmutil.Clamp01(v)
	if v > MaxConfidence {
		return MaxConfidence
	}
	return v
}

func goalCaveats(failed []schemas.SubGoal, extra []string) []string {
	out := []string{}
	for _, c := range extra {
		out = appendUnique(out, c)
	}
	for _, g := range failed {
		c := "Could not complete: " + g.Description
		if g.Result != "" {
			c += " (" + g.Result + ")"
		}
		out = appendUnique(out, c)
	}
	return out
}

func appendUnique(list []string, item string) []string {
	item = strings.TrimSpace(item)
	if item == "" {
		return list
	}
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
