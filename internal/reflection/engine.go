// Package reflection evaluates every step of a research session and proposes
// the next control action. Cheap detectors (challenge pages, loops, stalls)
// run first; the judgment service is only consulted when none of them fire.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/config"
	"github.com/solosway/webscout/internal/llmutil"
	"github.com/solosway/webscout/internal/memory"
)

// Action is the control action recommended for the next step.
type Action string

const (
	ActionContinue  Action = "continue"
	ActionExtract   Action = "extract"
	ActionBacktrack Action = "backtrack"
	ActionReplan    Action = "replan"
	ActionDone      Action = "done"
)

func parseAction(s string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionContinue, ActionExtract, ActionBacktrack, ActionReplan, ActionDone:
		return a, true
	}
	return "", false
}

// Trigger names the detector that produced a Result.
type Trigger string

const (
	TriggerChallenge Trigger = "challenge" // CAPTCHA or bot wall
	TriggerLoop      Trigger = "loop"      // repeated action
	TriggerStuck     Trigger = "stuck"     // no movement
	TriggerJudgment  Trigger = "judgment"  // judgment service answer
	TriggerFallback  Trigger = "fallback"  // judgment unusable
)

const (
	challengeConfidence = 0.95
	loopConfidence      = 0.85
	stuckConfidence     = 0.8
	fallbackConfidence  = 0.5

	defaultAlternative = "Try a different source or a more specific search query."
	challengeApproach  = "Automated browsing is blocked on this site. Look for the same information on a different site or search engine, or ask the operator to clear the challenge."
)

// Result is the per-step evaluation. It is never stored.
type Result struct {
	OnTrack             bool    `json:"on_track"`
	GoalAchieved        bool    `json:"goal_achieved"`
	ShouldExtract       bool    `json:"should_extract"`
	SuggestedAction     Action  `json:"suggested_action"`
	Reasoning           string  `json:"reasoning"`
	Confidence          float64 `json:"confidence"`
	AlternativeApproach string  `json:"alternative_approach,omitempty"`
	Trigger             Trigger `json:"trigger"`
}

// Step is the input of one evaluation.
type Step struct {
	SessionID string
	Goal      schemas.SubGoal
	// Action is the action just taken. It may already be in the session's
	// action history.
	Action     schemas.ActionRecord
	PageBefore string
	PageAfter  string
	VisionGoal bool
	// ImageFindings counts image findings already captured for the goal.
	ImageFindings int
}

type reflectionResponse struct {
	OnTrack             *bool    `json:"on_track"`
	GoalAchieved        bool     `json:"goal_achieved"`
	ShouldExtract       bool     `json:"should_extract"`
	SuggestedAction     string   `json:"suggested_action"`
	Reasoning           string   `json:"reasoning"`
	Confidence          *float64 `json:"confidence"`
	AlternativeApproach string   `json:"alternative_approach"`
}

type alternativeResponse struct {
	Alternative string `json:"alternative"`
}

// Engine is the reflection engine. It reads working memory and never writes it.
type Engine struct {
	logger *zap.Logger
	judge  schemas.LLMClient
	memory *memory.Store
	cfg    config.ReflectionConfig
}

// New creates an Engine. Zero config values fall back to defaults.
func New(judge schemas.LLMClient, mem *memory.Store, cfg config.ReflectionConfig, logger *zap.Logger) *Engine {
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = 3
	}
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = 2
	}
	if cfg.StuckWindow <= 0 {
		cfg.StuckWindow = 3
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = 45 * time.Second
	}
	return &Engine{
		logger: logger.Named("reflection"),
		judge:  judge,
		memory: mem,
		cfg:    cfg,
	}
}

// Challenge reports whether the URL or page text matches a challenge
// indicator, and which one.
func (e *Engine) Challenge(pageURL, pageText string) (string, bool) {
	u := strings.ToLower(pageURL)
	for _, p := range challengeURLPatterns {
		if strings.Contains(u, p) {
			return p, true
		}
	}
	text := strings.ToLower(pageText)
	for _, p := range challengeTextPatterns {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	for _, p := range e.cfg.ExtraChallengePatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && (strings.Contains(u, p) || strings.Contains(text, p)) {
			return p, true
		}
	}
	return "", false
}

// Evaluate judges the step. The first detector that fires decides: challenge,
// loop, stuck, then the judgment service. It never fails.
func (e *Engine) Evaluate(ctx context.Context, step Step) Result {
	logger := e.logger.With(zap.String("session_id", step.SessionID), zap.String("goal_id", step.Goal.ID))

	if indicator, ok := e.Challenge(step.Action.URLAfter, step.PageAfter); ok {
		logger.Warn("Challenge page detected.", zap.String("indicator", indicator), zap.String("url", step.Action.URLAfter))
		return Result{
			OnTrack:             false,
			SuggestedAction:     ActionReplan,
			Reasoning:           fmt.Sprintf("The page is a bot challenge (matched %q); automated actions cannot continue here.", indicator),
			Confidence:          challengeConfidence,
			AlternativeApproach: challengeApproach,
			Trigger:             TriggerChallenge,
		}
	}

	prior, window := e.history(step)

	if n := countRepeats(step.Action, lastOf(prior, e.cfg.LoopWindow)); n >= e.cfg.LoopThreshold {
		logger.Info("Action loop detected.", zap.String("action", describeAction(step.Action)), zap.Int("repeats", n))
		return Result{
			OnTrack:             false,
			SuggestedAction:     ActionBacktrack,
			Reasoning:           fmt.Sprintf("The action %q was repeated %d times in the last %d actions.", describeAction(step.Action), n, e.cfg.LoopWindow),
			Confidence:          loopConfidence,
			AlternativeApproach: heuristicAlternative(step.Action.ActionType),
			Trigger:             TriggerLoop,
		}
	}

	if len(window) >= e.cfg.StuckWindow {
		if isStuck, why := stuck(lastOf(window, e.cfg.StuckWindow)); isStuck {
			alt := heuristicAlternative(step.Action.ActionType)
			if alt == "" {
				alt = e.SuggestAlternative(ctx, step.SessionID, step.Goal)
			}
			logger.Info("Session is stuck.", zap.String("reason", why))
			return Result{
				OnTrack:             false,
				SuggestedAction:     ActionReplan,
				Reasoning:           "No progress: " + why + ".",
				Confidence:          stuckConfidence,
				AlternativeApproach: alt,
				Trigger:             TriggerStuck,
			}
		}
	}

	var hint string
	if failureCount(lastOf(window, 3)) >= 2 {
		hint = heuristicAlternative(step.Action.ActionType)
		if hint == "" {
			hint = e.SuggestAlternative(ctx, step.SessionID, step.Goal)
		}
	}
	return e.judgment(ctx, logger, step, hint)
}

// history returns the actions before the current one and the window ending
// with it.
func (e *Engine) history(step Step) (prior, window []schemas.ActionRecord) {
	n := e.cfg.LoopWindow
	if e.cfg.StuckWindow > n {
		n = e.cfg.StuckWindow
	}
	if n < 3 {
		n = 3
	}
	recent := e.memory.RecentActions(step.SessionID, n+1)
	if len(recent) > 0 && sameRecord(recent[len(recent)-1], step.Action) {
		return recent[:len(recent)-1], recent
	}
	return recent, append(recent, step.Action)
}

func sameRecord(a, b schemas.ActionRecord) bool {
	return !a.Timestamp.IsZero() && a.Timestamp.Equal(b.Timestamp) &&
		a.ActionType == b.ActionType && a.URLBefore == b.URLBefore
}

func (e *Engine) judgment(ctx context.Context, logger *zap.Logger, step Step, hint string) Result {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.JudgeTimeout)
	defer cancel()

	raw, err := e.judge.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: reflectionContract,
		UserPrompt:   reflectionPrompt(step, e.memory.SummaryForPrompting(step.SessionID), hint),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0},
	})
	outcome := validate(llmutil.Decode[reflectionResponse](raw, err))
	if !outcome.Parsed() {
		logger.Warn("Reflection response unusable, continuing.", zap.Error(outcome.Err))
		return Result{
			OnTrack:             true,
			SuggestedAction:     ActionContinue,
			Reasoning:           fmt.Sprintf("reflection response could not be used: %v", outcome.Err),
			Confidence:          fallbackConfidence,
			AlternativeApproach: hint,
			Trigger:             TriggerFallback,
		}
	}

	resp := outcome.Value
	action, _ := parseAction(resp.SuggestedAction)
	res := Result{
		OnTrack:             true,
		GoalAchieved:        resp.GoalAchieved,
		ShouldExtract:       resp.ShouldExtract || action == ActionExtract,
		SuggestedAction:     action,
		Reasoning:           strings.TrimSpace(resp.Reasoning),
		Confidence:          fallbackConfidence,
		AlternativeApproach: strings.TrimSpace(resp.AlternativeApproach),
		Trigger:             TriggerJudgment,
	}
	if resp.OnTrack != nil {
		res.OnTrack = *resp.OnTrack
	}
	if resp.Confidence != nil {
		res.Confidence = llmutil.Clamp01(*resp.Confidence)
	}
	if res.AlternativeApproach == "" {
		res.AlternativeApproach = hint
	}
	logger.Debug("Reflection judged step.",
		zap.String("action", string(res.SuggestedAction)),
		zap.Bool("on_track", res.OnTrack),
		zap.Bool("goal_achieved", res.GoalAchieved),
		zap.Float64("confidence", res.Confidence))
	return res
}

// validate normalizes the suggested action. A missing action is inferred from
// the flags; an unknown one fails the parse.
func validate(o llmutil.Outcome[reflectionResponse]) llmutil.Outcome[reflectionResponse] {
	if !o.Parsed() {
		return o
	}
	v := o.Value
	if strings.TrimSpace(v.SuggestedAction) == "" {
		switch {
		case v.GoalAchieved:
			v.SuggestedAction = string(ActionDone)
		case v.ShouldExtract:
			v.SuggestedAction = string(ActionExtract)
		default:
			v.SuggestedAction = string(ActionContinue)
		}
	}
	if _, ok := parseAction(v.SuggestedAction); !ok {
		return llmutil.ParseFailed[reflectionResponse](o.Raw, fmt.Errorf("unknown suggested_action %q", v.SuggestedAction))
	}
	o.Value = v
	return o
}

// ShouldBacktrack reports whether the loop should return to an earlier page:
// the goal has no findings after five actions without a URL change, or at
// least three of the last five actions failed.
func (e *Engine) ShouldBacktrack(sessionID, goalID string) bool {
	actions := e.memory.RecentActions(sessionID, 0)
	if goalID != "" {
		var filtered []schemas.ActionRecord
		for _, a := range actions {
			if a.GoalID == goalID {
				filtered = append(filtered, a)
			}
		}
		actions = filtered
	}
	last := lastOf(actions, 5)
	if failureCount(last) >= 3 {
		return true
	}
	if len(last) < 5 || len(e.memory.Findings(sessionID, goalID, 0)) > 0 {
		return false
	}
	for _, a := range last {
		if urlChanged(a) {
			return false
		}
	}
	return true
}

// SuggestAlternative asks the judgment service for a different approach given
// what was already tried. It falls back to a generic suggestion.
func (e *Engine) SuggestAlternative(ctx context.Context, sessionID string, goal schemas.SubGoal) string {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.JudgeTimeout)
	defer cancel()

	raw, err := e.judge.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: alternativeContract,
		UserPrompt:   alternativePrompt(goal, e.memory.RecentActions(sessionID, 10)),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.4},
	})
	outcome := llmutil.Decode[alternativeResponse](raw, err)
	if outcome.Parsed() && strings.TrimSpace(outcome.Value.Alternative) == "" {
		outcome = llmutil.ParseFailed[alternativeResponse](raw, errors.New("empty alternative"))
	}
	if !outcome.Parsed() {
		e.logger.Debug("No usable alternative from judgment service.", zap.Error(outcome.Err))
		return defaultAlternative
	}
	return strings.TrimSpace(outcome.Value.Alternative)
}

// CalculateProgressScore is a reporting metric in [0,1]: 60% goal completion,
// 30% findings (saturating at ten) and 10% efficiency, which decays linearly
// from 50 to 100 actions.
func CalculateProgressScore(goalsCompleted, totalGoals, findingsCount, actionsTaken int) float64 {
	var completion float64
	if totalGoals > 0 {
		completion = float64(goalsCompleted) / float64(totalGoals)
	}
	findings := float64(findingsCount) / 10
	if findings > 1 {
		findings = 1
	}
	efficiency := 1.0
	if actionsTaken > 50 {
		efficiency = 1 - float64(actionsTaken-50)/50
		if efficiency < 0 {
			efficiency = 0
		}
	}
	return llmutil.Clamp01(0.6*completion + 0.3*findings + 0.1*efficiency)
}
