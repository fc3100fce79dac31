package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/memory"
)

const navSession = "nav-session"

var navGoal = schemas.SubGoal{ID: "goal_1", Description: "median home price Austin", ExpectedResult: "a dollar figure"}

var listingPage = schemas.PageState{
	URL:   "https://homes.test/austin",
	Title: "Austin homes",
	Text:  "Austin housing market overview",
	Elements: []schemas.ElementRef{
		{Ref: "e1", Role: "textbox", Label: "Search"},
		{Ref: "e2", Role: "link", Label: "Market stats", Href: "https://homes.test/austin/stats"},
	},
}

func setupNavigator(t *testing.T) (*Navigator, *MockLLMClient, *memory.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := memory.NewStore(logger, 0)
	mem.CreateSession(navSession, "Find the median home price in Austin")
	judge := new(MockLLMClient)
	return NewNavigator(judge, mem, time.Second, "https://search.test/?q=%s", logger), judge, mem
}

func TestNavigator_Next(t *testing.T) {
	tests := []struct {
		name     string
		response string
		page     schemas.PageState
		want     Action
	}{
		{
			name:     "click on a snapshot ref",
			response: `{"action": "click", "ref": "[e2]", "reasoning": "stats page"}`,
			page:     listingPage,
			want:     Action{Kind: ActionClick, Ref: "e2", Reasoning: "stats page"},
		},
		{
			name:     "type and submit",
			response: "```json\n{\"action\": \"TYPE\", \"ref\": \"e1\", \"text\": \"median price\", \"submit\": true}\n```",
			page:     listingPage,
			want:     Action{Kind: ActionType, Ref: "e1", Text: "median price", Submit: true},
		},
		{
			name:     "scroll is normalized",
			response: `{"action": "scroll", "direction": "UP", "amount": 0}`,
			page:     listingPage,
			want:     Action{Kind: ActionScroll, Direction: schemas.ScrollUp, Amount: 600},
		},
		{
			name:     "absolute navigation",
			response: `{"action": "navigate", "url": " https://data.test/austin "}`,
			page:     listingPage,
			want:     Action{Kind: ActionNavigate, URL: "https://data.test/austin"},
		},
		{
			name:     "done",
			response: `{"action": "done", "reasoning": "the price is on screen"}`,
			page:     listingPage,
			want:     Action{Kind: ActionDone, Reasoning: "the price is on screen"},
		},
		{
			name:     "unknown ref falls back to scrolling",
			response: `{"action": "click", "ref": "e99"}`,
			page:     listingPage,
			want:     Action{Kind: ActionScroll, Direction: schemas.ScrollDown, Amount: 600, Reasoning: "reading further down the page", Fallback: true},
		},
		{
			name:     "relative url falls back",
			response: `{"action": "navigate", "url": "/stats"}`,
			page:     listingPage,
			want:     Action{Kind: ActionScroll, Direction: schemas.ScrollDown, Amount: 600, Reasoning: "reading further down the page", Fallback: true},
		},
		{
			name:     "malformed answer on a blank page searches",
			response: `I would click the search box`,
			page:     schemas.PageState{URL: "about:blank"},
			want: Action{
				Kind:      ActionNavigate,
				URL:       "https://search.test/?q=median+home+price+Austin",
				Reasoning: "no page loaded, searching for the goal",
				Fallback:  true,
			},
		},
		{
			name:     "unknown action falls back",
			response: `{"action": "hover", "ref": "e1"}`,
			page:     listingPage,
			want:     Action{Kind: ActionScroll, Direction: schemas.ScrollDown, Amount: 600, Reasoning: "reading further down the page", Fallback: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nav, judge, _ := setupNavigator(t)
			judge.On("Generate", mock.Anything, role("navigation")).Return(tt.response, nil).Once()

			got := nav.Next(context.Background(), navSession, navGoal, tt.page, "")
			assert.Equal(t, tt.want, got)
			judge.AssertExpectations(t)
		})
	}
}

func TestNavigator_JudgeErrorFallsBack(t *testing.T) {
	nav, judge, _ := setupNavigator(t)
	judge.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("quota exceeded")).Once()

	got := nav.Next(context.Background(), navSession, navGoal, schemas.PageState{}, "")
	assert.True(t, got.Fallback)
	assert.Equal(t, ActionNavigate, got.Kind)
}

func TestNavigator_PromptCarriesContext(t *testing.T) {
	nav, judge, mem := setupNavigator(t)
	_, ok := mem.RecordAction(navSession, memory.NewAction{
		ActionType: "click", Params: map[string]any{"ref": "e7"},
		URLBefore: listingPage.URL, URLAfter: listingPage.URL, Error: "ELEMENT_NOT_FOUND: no element e7",
	})
	require.True(t, ok)

	var captured schemas.GenerationRequest
	judge.On("Generate", mock.Anything, role("navigation")).
		Run(func(args mock.Arguments) { captured = args.Get(1).(schemas.GenerationRequest) }).
		Return(`{"action": "done"}`, nil).Once()

	nav.Next(context.Background(), navSession, navGoal, listingPage, "Use the market stats link.")

	assert.Equal(t, schemas.TierFast, captured.Tier)
	assert.True(t, captured.Options.ForceJSONFormat)
	assert.Contains(t, captured.UserPrompt, "Current goal (goal_1): median home price Austin")
	assert.Contains(t, captured.UserPrompt, "Suggested approach: Use the market stats link.")
	assert.Contains(t, captured.UserPrompt, "failed: ELEMENT_NOT_FOUND")
	assert.Contains(t, captured.UserPrompt, `[e2] link "Market stats"`)
}

func TestNavigator_SearchURL(t *testing.T) {
	nav, _, _ := setupNavigator(t)
	assert.Equal(t, "https://search.test/?q=a%26b+c", nav.SearchURL("  a&b c "))
}
