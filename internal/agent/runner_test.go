package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/archive"
	"github.com/solosway/webscout/internal/config"
	"github.com/solosway/webscout/internal/memory"
	"github.com/solosway/webscout/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const task = "Find the median home price in Austin"

var statsPage = schemas.PageState{
	URL:   "https://stats.test/austin",
	Title: "Austin housing statistics",
	Text: "Austin housing statistics for the last quarter. The median home price in Austin is $410,000, " +
		"down 3% from the previous year. Inventory rose to 4.1 months of supply while the average days on market " +
		"increased to 62. Prices in the central districts remain above the metro median.",
}

// recordingArchive keeps saved records.
type recordingArchive struct {
	mu      sync.Mutex
	records []archive.Record
	err     error
}

func (a *recordingArchive) Save(_ context.Context, rec archive.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return a.err
}

func (a *recordingArchive) last(t *testing.T) archive.Record {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.records)
	return a.records[len(a.records)-1]
}

type harness struct {
	runner  *Runner
	judge   *MockLLMClient
	browser *fakeBrowser
	memory  *memory.Store
	archive *recordingArchive
	metrics *observability.Metrics
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Agent.MaxSteps = 10
	cfg.Agent.MaxStepsPerGoal = 5
	cfg.Agent.MaxReplans = 0
	cfg.Agent.SessionTimeout = 10 * time.Second
	cfg.Agent.ActionTimeout = time.Second
	cfg.Agent.NavigationTimeout = time.Second
	cfg.Agent.JudgeTimeout = time.Second
	cfg.Agent.SearchURL = "https://search.test/?q=%s"
	cfg.Reflection.JudgeTimeout = time.Second
	cfg.Extraction.JudgeTimeout = time.Second
	return cfg
}

func setupRunner(t *testing.T, cfg *config.Config, pages ...schemas.PageState) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		judge:   new(MockLLMClient),
		browser: newFakeBrowser(pages...),
		memory:  memory.NewStore(logger, 0),
		archive: &recordingArchive{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.runner = New(cfg, h.judge, fakeFactory{driver: h.browser}, h.memory, logger,
		WithArchive(h.archive), WithMetrics(h.metrics))
	return h
}

// drain collects every event until the stream closes.
func drain(t *testing.T, events <-chan schemas.StepEvent) []schemas.StepEvent {
	t.Helper()
	var out []schemas.StepEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func ofType(events []schemas.StepEvent, typ schemas.StepEventType) []schemas.StepEvent {
	var out []schemas.StepEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func complete(t *testing.T, events []schemas.StepEvent) schemas.StepEvent {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, schemas.EventComplete, last.Type)
	require.NotNil(t, last.Result)
	assert.Len(t, ofType(events, schemas.EventComplete), 1)
	return last
}

const singleGoalPlan = `{"goals": [{"id": "goal_1", "description": "Find the median home price in Austin", "dependencies": [], "expected_result": "a dollar figure"}]}`

func TestRunSession_FindsAndSynthesizes(t *testing.T) {
	h := setupRunner(t, testConfig(), statsPage)
	h.judge.On("Generate", mock.Anything, role("planning")).Return(singleGoalPlan, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).
		Return(`{"action": "scroll", "direction": "down", "amount": 400, "reasoning": "read the figures"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": true, "goal_achieved": true, "should_extract": true, "suggested_action": "done", "reasoning": "the median is visible", "confidence": 0.9}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("extraction")).
		Return(`{"findings": [{"fact": "The median home price in Austin is $410,000", "confidence": 0.9, "raw_text": "$410,000"}], "goal_achievable": true, "should_continue": false, "reasoning": "stated directly"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("synthesis")).
		Return(`{"answer": "The median home price in Austin is $410,000.", "summary": "One source.", "confidence": 0.88, "caveats": [], "data_points": {"median_price": 410000}}`, nil).Once()

	events, err := h.runner.RunSessionWithID(context.Background(), "s-happy", task, statsPage.URL, 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Equal(t, schemas.SessionCompleted, done.Status)
	assert.Equal(t, "The median home price in Austin is $410,000.", done.Result.Answer)
	assert.Equal(t, []string{statsPage.URL}, done.Result.Sources)
	assert.InDelta(t, 0.88, done.Result.Confidence, 1e-9)

	actions := ofType(got, schemas.EventAction)
	require.Len(t, actions, 2)
	assert.Equal(t, "navigate", actions[0].Action.ActionType)
	assert.Equal(t, "scroll", actions[1].Action.ActionType)
	assert.Equal(t, "goal_1", actions[1].GoalID)
	assert.Equal(t, 2, actions[1].Step)

	changes := ofType(got, schemas.EventURLChange)
	require.Len(t, changes, 1)
	assert.Equal(t, statsPage.URL, changes[0].URL)

	findings := ofType(got, schemas.EventFinding)
	require.Len(t, findings, 1)
	assert.Equal(t, "The median home price in Austin is $410,000", findings[0].Finding.Fact)

	reflections := ofType(got, schemas.EventReflection)
	require.Len(t, reflections, 1)
	assert.Equal(t, "done", reflections[0].Reflection.SuggestedAction)
	assert.Equal(t, "judgment", reflections[0].Reflection.Trigger)
	assert.Empty(t, ofType(got, schemas.EventError))

	for _, ev := range got {
		assert.Equal(t, "s-happy", ev.SessionID)
		assert.NotEmpty(t, ev.ID)
	}

	rec := h.archive.last(t)
	assert.Equal(t, schemas.SessionCompleted, rec.Status)
	assert.Equal(t, 2, rec.Steps)
	require.Len(t, rec.Goals, 1)
	assert.Equal(t, schemas.GoalCompleted, rec.Goals[0].Status)
	assert.Equal(t, "The median home price in Austin is $410,000", rec.Goals[0].Result)
	assert.Equal(t, "The median home price in Austin is $410,000", rec.Hypothesis)
	assert.Contains(t, rec.VisitedURLs, statsPage.URL)
	assert.Len(t, rec.Actions, 2)
	assert.Greater(t, rec.ProgressScore, 0.0)

	assert.False(t, h.memory.Has("s-happy"), "working memory is released")
	assert.False(t, h.runner.Active("s-happy"))
	assert.True(t, h.browser.isClosed())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StepsTotal.WithLabelValues("scroll", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FindingsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.SessionsActive))
	h.judge.AssertExpectations(t)
}

func TestRunSession_ChallengePageWithoutReplans(t *testing.T) {
	challenge := schemas.PageState{
		URL:      "https://www.search.test/sorry/index?continue=x",
		Title:    "Sorry",
		Text:     "Our systems have detected unusual traffic from your computer network.",
		Elements: []schemas.ElementRef{{Ref: "e1", Role: "checkbox", Label: "I'm not a robot"}},
	}
	h := setupRunner(t, testConfig(), challenge)
	h.judge.On("Generate", mock.Anything, role("planning")).Return("", errors.New("model overloaded")).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "click", "ref": "e1"}`, nil).Once()

	events, err := h.runner.RunSession(context.Background(), task, challenge.URL, 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Equal(t, schemas.SessionFailed, done.Status)
	assert.Contains(t, done.Result.Answer, task)
	assert.Zero(t, done.Result.Confidence)
	joined := strings.Join(done.Result.Caveats, "\n")
	assert.Contains(t, joined, "bot challenge")

	reflections := ofType(got, schemas.EventReflection)
	require.Len(t, reflections, 1)
	assert.Equal(t, "replan", reflections[0].Reflection.SuggestedAction)
	assert.Equal(t, "challenge", reflections[0].Reflection.Trigger)
	assert.InDelta(t, 0.95, reflections[0].Reflection.Confidence, 1e-9)
	assert.Empty(t, ofType(got, schemas.EventFinding))

	rec := h.archive.last(t)
	require.Len(t, rec.Goals, 1)
	assert.Equal(t, schemas.GoalFailed, rec.Goals[0].Status)
	h.judge.AssertExpectations(t)
}

func TestRunSession_StepCapYieldsTimeout(t *testing.T) {
	h := setupRunner(t, testConfig())
	h.judge.On("Generate", mock.Anything, role("planning")).Return("not json", nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return("no idea", nil)
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": true, "suggested_action": "continue", "reasoning": "keep looking", "confidence": 0.6}`, nil)

	events, err := h.runner.RunSession(context.Background(), task, "", 2)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Equal(t, schemas.SessionTimeout, done.Status)
	assert.Contains(t, done.Result.Caveats, caveatIncomplete)

	assert.Equal(t, []string{
		"navigate https://search.test/?q=Find+the+median+home+price+in+Austin",
		"scroll down 600",
	}, h.browser.history())
	assert.Len(t, ofType(got, schemas.EventAction), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsTotal.WithLabelValues("timeout")))
}

func TestRunSession_CancelledBetweenSteps(t *testing.T) {
	h := setupRunner(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.judge.On("Generate", mock.Anything, role("planning")).Return(singleGoalPlan, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).
		Run(func(mock.Arguments) { cancel() }).
		Return(`{"action": "navigate", "url": "https://stats.test/austin"}`, nil).Once()

	events, err := h.runner.RunSession(ctx, task, "", 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Equal(t, schemas.SessionFailed, done.Status)
	assert.Contains(t, done.Result.Caveats, caveatCancelled)
	assert.Empty(t, h.browser.history(), "no driver action after cancellation")
	assert.Equal(t, schemas.SessionFailed, h.archive.last(t).Status)
}

func TestRunSession_BacktracksToPreviousPage(t *testing.T) {
	listing := schemas.PageState{
		URL:      "https://homes.test/austin",
		Title:    "Austin listings",
		Text:     "Listings",
		Elements: []schemas.ElementRef{{Ref: "e1", Role: "link", Label: "Ads", Href: "https://ads.test/promo"}},
	}
	h := setupRunner(t, testConfig(), listing)
	h.judge.On("Generate", mock.Anything, role("planning")).Return(singleGoalPlan, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "click", "ref": "e1"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": false, "suggested_action": "backtrack", "reasoning": "an advert", "confidence": 0.7, "alternative_approach": "Use the site search."}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(schemas.GenerationRequest)
			assert.Contains(t, req.UserPrompt, "Suggested approach: Use the site search.")
		}).
		Return(`{"action": "done", "reasoning": "nothing more to read"}`, nil).Once()

	events, err := h.runner.RunSession(context.Background(), task, listing.URL, 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	assert.Equal(t, []string{
		"navigate https://homes.test/austin",
		"click e1",
		"navigate https://ads.test/promo",
		"navigate https://homes.test/austin",
	}, h.browser.history())

	var urls []string
	for _, ev := range ofType(got, schemas.EventURLChange) {
		urls = append(urls, ev.URL)
	}
	assert.Equal(t, []string{"https://homes.test/austin", "https://ads.test/promo", "https://homes.test/austin"}, urls)

	rec := h.archive.last(t)
	require.Len(t, rec.Actions, 3)
	assert.Equal(t, "backtrack", rec.Actions[2].ActionType)
	assert.Equal(t, map[string]any{"url": "https://homes.test/austin"}, rec.Actions[2].Params)
	assert.Equal(t, schemas.SessionCompleted, complete(t, got).Status)
	h.judge.AssertExpectations(t)
}

func TestRunSession_GoalStepBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.MaxStepsPerGoal = 1
	h := setupRunner(t, cfg)
	h.judge.On("Generate", mock.Anything, role("planning")).Return(`{"goals": [
		{"id": "goal_1", "description": "Find listing counts", "dependencies": []},
		{"id": "goal_2", "description": "Find price trends", "dependencies": []}]}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "scroll"}`, nil)
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": true, "suggested_action": "continue", "reasoning": "nothing yet", "confidence": 0.5}`, nil)

	events, err := h.runner.RunSession(context.Background(), task, "", 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Equal(t, schemas.SessionFailed, done.Status, "no completed goal and no findings")
	assert.Contains(t, done.Result.Caveats, "Could not complete: Find listing counts (no result after 1 steps)")

	rec := h.archive.last(t)
	require.Len(t, rec.Goals, 2)
	for _, g := range rec.Goals {
		assert.Equal(t, schemas.GoalFailed, g.Status)
	}
	assert.ElementsMatch(t, []string{"Unresolved: Find listing counts", "Unresolved: Find price trends"}, rec.OpenQuestions)
	assert.Equal(t, 2, rec.Steps)
}

func TestRunSession_StartErrors(t *testing.T) {
	h := setupRunner(t, testConfig())

	_, err := h.runner.RunSession(context.Background(), "   ", "", 0)
	assert.ErrorIs(t, err, ErrEmptyTask)

	failing := New(testConfig(), h.judge, fakeFactory{err: errors.New("chrome not found")}, h.memory, zaptest.NewLogger(t))
	_, err = failing.RunSessionWithID(context.Background(), "s-x", task, "", 0)
	assert.ErrorContains(t, err, "chrome not found")
	assert.False(t, failing.Active("s-x"), "a failed start releases the id")
	assert.False(t, h.memory.Has("s-x"))
}

func TestRunSession_DuplicateID(t *testing.T) {
	h := setupRunner(t, testConfig())
	release := make(chan struct{})
	h.judge.On("Generate", mock.Anything, role("planning")).
		Run(func(mock.Arguments) { <-release }).
		Return("", errors.New("unavailable")).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "done"}`, nil).Once()

	events, err := h.runner.RunSessionWithID(context.Background(), "dup", task, "", 0)
	require.NoError(t, err)

	_, err = h.runner.RunSessionWithID(context.Background(), "dup", task, "", 0)
	assert.ErrorIs(t, err, ErrSessionActive)

	close(release)
	got := drain(t, events)
	h.runner.Wait()
	assert.Equal(t, schemas.SessionCompleted, complete(t, got).Status)
	assert.False(t, h.runner.Active("dup"))
}

func TestRunSession_ArchiveFailureIsReported(t *testing.T) {
	h := setupRunner(t, testConfig())
	h.archive.err = errors.New("disk full")
	h.judge.On("Generate", mock.Anything, role("planning")).Return(singleGoalPlan, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "done"}`, nil).Once()

	events, err := h.runner.RunSession(context.Background(), task, "", 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	errs := ofType(got, schemas.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(ErrCodeArchiveFailure), errs[0].Error.Code)
	complete(t, got)
}

func TestRunSession_ReplanIssuesFreshGoal(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.MaxStepsPerGoal = 3
	cfg.Agent.MaxReplans = 1
	h := setupRunner(t, cfg)
	h.judge.On("Generate", mock.Anything, role("planning")).Return(singleGoalPlan, nil).Once()
	h.judge.On("Generate", mock.Anything, role("planning")).
		Return(`{"goals": [{"id": "goal_1", "description": "Try the county records site"}]}`, nil).Once()
	for _, u := range []string{"https://a.test/1", "https://a.test/2", "https://a.test/3", "https://a.test/4"} {
		h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "navigate", "url": "`+u+`"}`, nil).Once()
	}
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": false, "suggested_action": "replan", "reasoning": "wrong kind of site", "confidence": 0.7}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": true, "suggested_action": "continue", "reasoning": "keep looking", "confidence": 0.6}`, nil)

	events, err := h.runner.RunSession(context.Background(), task, "", 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	reflections := ofType(got, schemas.EventReflection)
	require.NotEmpty(t, reflections)
	assert.Equal(t, "replan", reflections[0].Reflection.SuggestedAction)

	rec := h.archive.last(t)
	assert.Equal(t, 1, rec.Replans)
	require.Len(t, rec.Goals, 1)
	g := rec.Goals[0]
	assert.Equal(t, "goal_2", g.ID, "a replanned goal never takes a discarded id")
	assert.Equal(t, "Try the county records site", g.Description)
	assert.Equal(t, schemas.GoalFailed, g.Status)
	assert.Equal(t, "no result after 3 steps", g.Result)

	var underNewGoal []string
	for _, a := range rec.Actions {
		if a.GoalID == "goal_2" {
			underNewGoal = append(underNewGoal, a.URLAfter)
		}
	}
	assert.Equal(t, []string{"https://a.test/2", "https://a.test/3", "https://a.test/4"}, underNewGoal,
		"the new goal gets its full step budget")
	assert.Equal(t, schemas.SessionFailed, complete(t, got).Status)
	h.judge.AssertExpectations(t)
}

func TestRunSession_ChallengePageReplansWhileBudgetRemains(t *testing.T) {
	challenge := schemas.PageState{
		URL:      "https://www.search.test/sorry/index?continue=x",
		Title:    "Sorry",
		Text:     "Our systems have detected unusual traffic from your computer network.",
		Elements: []schemas.ElementRef{{Ref: "e1", Role: "checkbox", Label: "I'm not a robot"}},
	}
	cfg := testConfig()
	cfg.Agent.MaxReplans = 1
	h := setupRunner(t, cfg, challenge)
	h.judge.On("Generate", mock.Anything, role("planning")).Return(singleGoalPlan, nil).Once()
	h.judge.On("Generate", mock.Anything, role("planning")).
		Return(`{"goals": [{"id": "goal_1", "description": "Read the city housing report"}]}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "click", "ref": "e1"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(schemas.GenerationRequest)
			assert.Contains(t, req.UserPrompt, "Current goal (goal_2): Read the city housing report")
			assert.Contains(t, req.UserPrompt, "Suggested approach:")
		}).
		Return(`{"action": "navigate", "url": "https://city.test/housing"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": true, "suggested_action": "continue", "reasoning": "report loaded", "confidence": 0.6}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "done", "reasoning": "report read"}`, nil).Once()

	events, err := h.runner.RunSession(context.Background(), task, challenge.URL, 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Equal(t, schemas.SessionCompleted, done.Status)
	assert.NotContains(t, strings.Join(done.Result.Caveats, "\n"), "bot challenge")

	reflections := ofType(got, schemas.EventReflection)
	require.Len(t, reflections, 2)
	assert.Equal(t, "challenge", reflections[0].Reflection.Trigger)
	assert.Equal(t, "judgment", reflections[1].Reflection.Trigger)

	assert.Equal(t, []string{
		"navigate " + challenge.URL,
		"click e1",
		"navigate https://city.test/housing",
	}, h.browser.history())

	rec := h.archive.last(t)
	assert.Equal(t, 1, rec.Replans)
	require.Len(t, rec.Goals, 1)
	assert.Equal(t, "goal_2", rec.Goals[0].ID)
	assert.Equal(t, schemas.GoalCompleted, rec.Goals[0].Status)
	h.judge.AssertExpectations(t)
}

func TestRunSession_SessionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.SessionTimeout = 100 * time.Millisecond
	h := setupRunner(t, cfg)
	h.judge.On("Generate", mock.Anything, role("planning")).Return(singleGoalPlan, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return("", context.DeadlineExceeded).Once()

	events, err := h.runner.RunSession(context.Background(), task, "", 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Equal(t, schemas.SessionTimeout, done.Status)
	assert.Contains(t, done.Result.Caveats, caveatIncomplete)
	assert.NotContains(t, done.Result.Caveats, caveatCancelled)
	assert.Empty(t, h.browser.history(), "no driver action after the deadline")
	assert.Equal(t, schemas.SessionTimeout, h.archive.last(t).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsTotal.WithLabelValues("timeout")))
}

// revisitScript visits the stats page, extracts the median price, leaves and
// comes back. onReturn runs just before the return navigation.
func revisitScript(h *harness, onReturn func()) {
	h.judge.On("Generate", mock.Anything, role("planning")).Return(singleGoalPlan, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "scroll"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "navigate", "url": "https://other.test/"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).
		Run(func(mock.Arguments) { onReturn() }).
		Return(`{"action": "navigate", "url": "https://stats.test/austin"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "done", "reasoning": "figure confirmed"}`, nil).Once()

	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": true, "should_extract": true, "suggested_action": "continue", "reasoning": "figures visible", "confidence": 0.7}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": true, "suggested_action": "continue", "reasoning": "unrelated page", "confidence": 0.6}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": true, "suggested_action": "continue", "reasoning": "back on the stats page", "confidence": 0.6}`, nil).Once()

	h.judge.On("Generate", mock.Anything, role("extraction")).
		Return(`{"findings": [{"fact": "The median home price in Austin is $410,000", "confidence": 0.9, "raw_text": "$410,000"}], "goal_achievable": true, "should_continue": true}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("synthesis")).
		Return(`{"answer": "The median home price in Austin is $410,000.", "summary": "", "confidence": 0.85, "caveats": []}`, nil).Once()
}

func TestRunSession_RevisitConfirmsFindings(t *testing.T) {
	h := setupRunner(t, testConfig(), statsPage)
	revisitScript(h, func() {})

	events, err := h.runner.RunSession(context.Background(), task, statsPage.URL, 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Equal(t, schemas.SessionCompleted, done.Status)
	assert.Empty(t, done.Result.Caveats)
	assert.Len(t, ofType(got, schemas.EventFinding), 1, "the confirmed page is not extracted again")

	rec := h.archive.last(t)
	require.Len(t, rec.Findings, 1)
	assert.Equal(t, "The median home price in Austin is $410,000", rec.Goals[0].Result)
	h.judge.AssertExpectations(t)
}

func TestRunSession_RevisitReportsStaleFindings(t *testing.T) {
	h := setupRunner(t, testConfig(), statsPage)
	revisitScript(h, func() {
		h.browser.mu.Lock()
		defer h.browser.mu.Unlock()
		h.browser.pages[statsPage.URL] = schemas.PageState{URL: statsPage.URL, Title: statsPage.Title, Text: "Statistics are being updated."}
	})

	events, err := h.runner.RunSession(context.Background(), task, statsPage.URL, 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Contains(t, done.Result.Caveats,
		"A finding from https://stats.test/austin is no longer shown there: The median home price in Austin is $410,000")
	h.judge.AssertExpectations(t)
}

func TestRunSession_ComparisonTask(t *testing.T) {
	const cmpTask = "Loft A vs Loft B: which has the lower HOA fee?"
	lofts := schemas.PageState{
		URL:   "https://lofts.test/fees",
		Title: "Loft HOA fees",
		Text:  "Loft A charges an HOA fee of $300 per month. Loft B charges an HOA fee of $450 per month.",
	}
	h := setupRunner(t, testConfig(), lofts)
	h.judge.On("Generate", mock.Anything, role("planning")).
		Return(`{"goals": [{"id": "goal_1", "description": "Find the HOA fees of both lofts"}]}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "scroll"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": true, "goal_achieved": true, "should_extract": true, "suggested_action": "done", "reasoning": "both fees listed", "confidence": 0.9}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("extraction")).
		Return(`{"findings": [
			{"fact": "Loft A HOA fee is $300 per month", "confidence": 0.9, "raw_text": "$300 per month"},
			{"fact": "Loft B HOA fee is $450 per month", "confidence": 0.9, "raw_text": "$450 per month"}],
			"goal_achievable": true, "should_continue": false}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("synthesis")).
		Return(`{"answer": "Loft A pays $300 and Loft B pays $450 per month.", "summary": "", "confidence": 0.85}`, nil).Once()
	h.judge.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return strings.HasPrefix(req.SystemPrompt, "You compare options") &&
			strings.Contains(req.UserPrompt, "## Option: Loft A") &&
			strings.Contains(req.UserPrompt, "## Option: Loft B")
	})).Return(`{"winner": "Loft A", "reasoning": "Its fee is $150 lower", "scores": {"Loft A": 0.9, "Loft B": 0.3}}`, nil).Once()

	events, err := h.runner.RunSession(context.Background(), cmpTask, lofts.URL, 0)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	done := complete(t, got)
	assert.Equal(t, schemas.SessionCompleted, done.Status)
	assert.Equal(t, "Loft A pays $300 and Loft B pays $450 per month.\n\nVerdict: Loft A. Its fee is $150 lower", done.Result.Answer)
	assert.Equal(t, "Loft A", done.Result.DataPoints["comparison_winner"])
	assert.Equal(t, "winner", done.Result.DataPoints["comparison_verdict"])
	h.judge.AssertExpectations(t)
}

func TestRunSession_BacktrackRespectsStepCap(t *testing.T) {
	listing := schemas.PageState{
		URL:      "https://homes.test/austin",
		Title:    "Austin listings",
		Text:     "Listings",
		Elements: []schemas.ElementRef{{Ref: "e1", Role: "link", Label: "Ads", Href: "https://ads.test/promo"}},
	}
	h := setupRunner(t, testConfig(), listing)
	h.judge.On("Generate", mock.Anything, role("planning")).Return(singleGoalPlan, nil).Once()
	h.judge.On("Generate", mock.Anything, role("navigation")).Return(`{"action": "click", "ref": "e1"}`, nil).Once()
	h.judge.On("Generate", mock.Anything, role("reflection")).
		Return(`{"on_track": false, "suggested_action": "backtrack", "reasoning": "an advert", "confidence": 0.7}`, nil).Once()

	events, err := h.runner.RunSession(context.Background(), task, listing.URL, 2)
	require.NoError(t, err)
	got := drain(t, events)
	h.runner.Wait()

	assert.Equal(t, []string{
		"navigate https://homes.test/austin",
		"click e1",
		"navigate https://ads.test/promo",
	}, h.browser.history(), "no backtrack once the step limit is reached")
	assert.Len(t, ofType(got, schemas.EventAction), 2)
	assert.Equal(t, schemas.SessionTimeout, complete(t, got).Status)
	assert.Equal(t, 2, h.archive.last(t).Steps)
	h.judge.AssertExpectations(t)
}
