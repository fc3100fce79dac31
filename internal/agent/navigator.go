package agent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/llmutil"
	"github.com/solosway/webscout/internal/memory"
)

const recentActionsInPrompt = 5

// Navigator picks the next browser action for the current goal.
type Navigator struct {
	logger       *zap.Logger
	judge        schemas.LLMClient
	memory       *memory.Store
	judgeTimeout time.Duration
	searchURL    string
}

// NewNavigator creates a Navigator. searchURL is a fmt template taking the
// query-escaped goal description.
func NewNavigator(judge schemas.LLMClient, mem *memory.Store, judgeTimeout time.Duration, searchURL string, logger *zap.Logger) *Navigator {
	if judgeTimeout <= 0 {
		judgeTimeout = 45 * time.Second
	}
	return &Navigator{
		logger:       logger.Named("navigator"),
		judge:        judge,
		memory:       mem,
		judgeTimeout: judgeTimeout,
		searchURL:    searchURL,
	}
}

// Next asks the judgment service for the next action. It never fails: an
// unusable answer yields the fallback action for the page.
func (n *Navigator) Next(ctx context.Context, sessionID string, goal schemas.SubGoal, page schemas.PageState, hint string) Action {
	callCtx, cancel := context.WithTimeout(ctx, n.judgeTimeout)
	defer cancel()

	raw, err := n.judge.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: navigatorContract,
		UserPrompt: navigatorPrompt(goal, page,
			n.memory.SummaryForPrompting(sessionID), hint,
			n.memory.RecentActions(sessionID, recentActionsInPrompt)),
		Tier:    schemas.TierFast,
		Options: schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0},
	})
	outcome := validateNavigation(llmutil.Decode[Action](raw, err), page)
	if !outcome.Parsed() {
		a := n.Fallback(goal, page)
		n.logger.Warn("Navigation response unusable, using fallback.",
			zap.String("session_id", sessionID),
			zap.String("fallback", a.String()),
			zap.Error(outcome.Err))
		return a
	}
	n.logger.Debug("Next action chosen.",
		zap.String("session_id", sessionID),
		zap.String("action", outcome.Value.String()))
	return outcome.Value
}

// Fallback searches for the goal on a blank page and scrolls otherwise.
func (n *Navigator) Fallback(goal schemas.SubGoal, page schemas.PageState) Action {
	if page.IsBlank() && n.searchURL != "" {
		return Action{
			Kind:      ActionNavigate,
			URL:       n.SearchURL(goal.Description),
			Reasoning: "no page loaded, searching for the goal",
			Fallback:  true,
		}
	}
	return Action{
		Kind:      ActionScroll,
		Direction: schemas.ScrollDown,
		Amount:    defaultScrollAmount,
		Reasoning: "reading further down the page",
		Fallback:  true,
	}
}

// SearchURL builds the search engine URL for a query.
func (n *Navigator) SearchURL(query string) string {
	return fmt.Sprintf(n.searchURL, url.QueryEscape(strings.TrimSpace(query)))
}

// validateNavigation normalizes the decoded action and rejects ones the
// executor could not run.
func validateNavigation(o llmutil.Outcome[Action], page schemas.PageState) llmutil.Outcome[Action] {
	if !o.Parsed() {
		return o
	}
	a := o.Value
	a.Kind = ActionKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
	a.Ref = strings.Trim(strings.TrimSpace(a.Ref), "[]")
	a.URL = strings.TrimSpace(a.URL)
	a.Fallback = false

	switch a.Kind {
	case ActionNavigate:
		u, err := url.Parse(a.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return llmutil.ParseFailed[Action](o.Raw, fmt.Errorf("navigate needs an absolute http url, got %q", a.URL))
		}
	case ActionClick, ActionType:
		if a.Ref == "" {
			return llmutil.ParseFailed[Action](o.Raw, fmt.Errorf("%s needs a ref", a.Kind))
		}
		// Refs look like "e12"; anything else is passed through as a selector.
		if _, ok := page.Element(a.Ref); !ok && isSnapshotRef(a.Ref) {
			return llmutil.ParseFailed[Action](o.Raw, fmt.Errorf("ref %q is not on the page", a.Ref))
		}
	case ActionScroll:
		switch schemas.ScrollDirection(strings.ToLower(string(a.Direction))) {
		case schemas.ScrollUp:
			a.Direction = schemas.ScrollUp
		default:
			a.Direction = schemas.ScrollDown
		}
		if a.Amount <= 0 {
			a.Amount = defaultScrollAmount
		}
	case ActionDone:
	default:
		return llmutil.ParseFailed[Action](o.Raw, fmt.Errorf("unknown action %q", a.Kind))
	}
	o.Value = a
	return o
}

func isSnapshotRef(ref string) bool {
	if len(ref) < 2 || ref[0] != 'e' {
		return false
	}
	for _, c := range ref[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
