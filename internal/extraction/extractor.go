// Package extraction decides whether a page is worth reading for the active
// goal and turns page content into structured findings.
package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/config"
	"github.com/solosway/webscout/internal/llmutil"
	"github.com/solosway/webscout/internal/memory"
)

// Candidate is a finding produced by extraction but not yet stored.
type Candidate struct {
	Fact       string
	Confidence float64
	ElementRef string
	RawText    string
	Method     schemas.ExtractionMethod
	Metadata   map[string]any
}

// Result is the outcome of one extraction pass.
type Result struct {
	Findings            []Candidate
	GoalAchievable      bool
	ShouldContinue      bool
	Reasoning           string
	SuggestedNextAction string
	// Parsed is false when the judgment response was unusable.
	Parsed bool
}

type extractedFact struct {
	Fact       string  `json:"fact"`
	Confidence float64 `json:"confidence"`
	ElementRef string  `json:"element_ref"`
	RawText    string  `json:"raw_text"`
}

type extractionResponse struct {
	Findings            []extractedFact `json:"findings"`
	GoalAchievable      bool            `json:"goal_achievable"`
	ShouldContinue      *bool           `json:"should_continue"`
	Reasoning           string          `json:"reasoning"`
	SuggestedNextAction string          `json:"suggested_next_action"`
}

// Extractor implements the extraction step. It is safe for concurrent use.
type Extractor struct {
	logger *zap.Logger
	judge  schemas.LLMClient
	memory *memory.Store
	cfg    config.ExtractionConfig
	images ImageExtractor
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithImageExtractor replaces the image path used for visual goals.
func WithImageExtractor(ie ImageExtractor) Option {
	return func(e *Extractor) { e.images = ie }
}

// New creates an Extractor. Zero config values fall back to defaults.
func New(judge schemas.LLMClient, mem *memory.Store, cfg config.ExtractionConfig, logger *zap.Logger, opts ...Option) *Extractor {
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = 15000
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 200
	}
	if cfg.MaxHintFindings <= 0 {
		cfg.MaxHintFindings = 20
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = 45 * time.Second
	}
	e := &Extractor{
		logger: logger.Named("extractor"),
		judge:  judge,
		memory: mem,
		cfg:    cfg,
		images: NewPageImageExtractor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ShouldExtract runs the cheap heuristics and only asks the judgment service
// when they are inconclusive. A failed judgment call means no extraction.
func (e *Extractor) ShouldExtract(ctx context.Context, pageContent string, goal schemas.SubGoal, currentURL string) bool {
	v := triage(pageContent, goal.Description, currentURL, e.cfg.MinContentLength)
	if v != verdictAmbiguous {
		e.logger.Debug("Extraction triage decided.", zap.String("verdict", v.String()), zap.String("url", currentURL))
		return v == verdictExtract
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.JudgeTimeout)
	defer cancel()
	raw, err := e.judge.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: relevanceContract,
		UserPrompt:   relevancePrompt(goal, currentURL, llmutil.Truncate(pageContent, 2000)),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0},
	})
	if err != nil {
		e.logger.Warn("Relevance check failed, skipping extraction.", zap.Error(err))
		return false
	}
	yes, err := llmutil.ParseYesNo(raw)
	if err != nil {
		e.logger.Warn("Relevance answer unreadable, skipping extraction.", zap.Error(err))
		return false
	}
	return yes
}

// Extract asks the judgment service for findings on a page. It never fails:
// unusable output yields no findings and ShouldContinue=true.
func (e *Extractor) Extract(ctx context.Context, pageContent, currentURL string, goal schemas.SubGoal, existing []schemas.Finding) Result {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.JudgeTimeout)
	defer cancel()

	raw, err := e.judge.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: extractionContract,
		UserPrompt: extractionPrompt(goal, currentURL,
			llmutil.Truncate(pageContent, e.cfg.MaxContentChars), e.hints(existing)),
		Tier:    schemas.TierPowerful,
		Options: schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.1},
	})

	outcome := llmutil.Decode[extractionResponse](raw, err)
	if !outcome.Parsed() {
		e.logger.Warn("Extraction response unusable, recording no findings.", zap.Error(outcome.Err))
		return Result{
			ShouldContinue: true,
			Reasoning:      fmt.Sprintf("extraction response could not be used: %v", outcome.Err),
		}
	}
	return toResult(outcome.Value)
}

func toResult(resp extractionResponse) Result {
	out := Result{
		GoalAchievable:      resp.GoalAchievable,
		ShouldContinue:      true,
		Reasoning:           strings.TrimSpace(resp.Reasoning),
		SuggestedNextAction: strings.TrimSpace(resp.SuggestedNextAction),
		Parsed:              true,
	}
	if resp.ShouldContinue != nil {
		out.ShouldContinue = *resp.ShouldContinue
	}
	for _, f := range resp.Findings {
		fact := strings.TrimSpace(f.Fact)
		if fact == "" {
			continue
		}
		out.Findings = append(out.Findings, Candidate{
			Fact:       fact,
			Confidence: llmutil.Clamp01(f.Confidence),
			ElementRef: strings.Trim(strings.TrimSpace(f.ElementRef), "[]"),
			RawText:    strings.TrimSpace(f.RawText),
			Method:     schemas.MethodSnapshot,
		})
	}
	return out
}

// hints lists the most recent known facts for de-duplication.
func (e *Extractor) hints(existing []schemas.Finding) []string {
	if len(existing) > e.cfg.MaxHintFindings {
		existing = existing[len(existing)-e.cfg.MaxHintFindings:]
	}
	out := make([]string, 0, len(existing))
	for _, f := range existing {
		out = append(out, f.Fact)
	}
	return out
}

// ExtractPage runs text extraction and, for visual goals, the image path in
// parallel. Image findings are placed ahead of text findings.
func (e *Extractor) ExtractPage(ctx context.Context, page schemas.PageState, goal schemas.SubGoal, existing []schemas.Finding) Result {
	if !IsVisualGoal(goal.Description) || e.images == nil {
		return e.Extract(ctx, page.Render(), page.URL, goal, existing)
	}

	var text Result
	var images []Candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		text = e.Extract(gctx, page.Render(), page.URL, goal, existing)
		return nil
	})
	g.Go(func() error {
		found, err := e.images.ExtractImages(gctx, page, goal)
		if err != nil {
			e.logger.Warn("Image extraction failed.", zap.Error(err))
			return nil
		}
		images = found
		return nil
	})
	_ = g.Wait()

	merged := text
	merged.Findings = append(append([]Candidate(nil), images...), text.Findings...)
	if len(images) > 0 {
		merged.GoalAchievable = true
	}
	return merged
}

// Record stores the candidates of a result as findings of the session.
func (e *Extractor) Record(sessionID, sourceURL, goalID string, res Result) []schemas.Finding {
	var stored []schemas.Finding
	for _, c := range res.Findings {
		f, ok := e.memory.AddFinding(sessionID, memory.NewFinding{
			Fact:       c.Fact,
			SourceURL:  sourceURL,
			GoalID:     goalID,
			Confidence: c.Confidence,
			Method:     c.Method,
			ElementRef: c.ElementRef,
			RawText:    c.RawText,
			Metadata:   c.Metadata,
		})
		if ok {
			stored = append(stored, f)
		}
	}
	if len(stored) > 0 {
		e.logger.Info("Findings recorded.",
			zap.String("session_id", sessionID),
			zap.String("goal_id", goalID),
			zap.Int("count", len(stored)))
	}
	return stored
}

// ValidateFinding re-checks a finding against a re-visited page without a
// judgment call: the element ref, raw text or fact must still be present.
func ValidateFinding(f schemas.Finding, pageContent string) bool {
	if strings.TrimSpace(pageContent) == "" {
		return false
	}
	if f.ElementRef != "" && strings.Contains(pageContent, "["+f.ElementRef+"]") {
		return true
	}
	page := normalizeText(pageContent)
	for _, candidate := range []string{f.RawText, f.Fact} {
		if c := normalizeText(candidate); c != "" && strings.Contains(page, c) {
			return true
		}
	}
	return false
}
