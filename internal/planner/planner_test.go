package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/memory"
)

const threeStepPlan = `{"goals": [
  {"id": "goal_1", "description": "Search for lofts in the area", "dependencies": [], "expected_result": "A results page"},
  {"id": "goal_2", "description": "Open the market report", "dependencies": ["goal_1"], "expected_result": "The report page"},
  {"id": "goal_3", "description": "Extract the average value", "dependencies": ["goal_2"], "expected_result": "A dollar figure"}
]}`

func setupPlanner(t *testing.T, opts ...Option) (*Planner, *MockLLMClient) {
	t.Helper()
	judge := new(MockLLMClient)
	return New(judge, zaptest.NewLogger(t), opts...), judge
}

// ignoreTimes compares plans without caring about wall-clock fields.
var ignoreTimes = cmpopts.IgnoreFields(schemas.SubGoal{}, "StartedAt", "CompletedAt")

func TestDecompose_ParsesGoals(t *testing.T) {
	p, judge := setupPlanner(t)
	judge.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierPowerful && strings.Contains(req.UserPrompt, "average value of lofts")
	})).Return("```json\n"+threeStepPlan+"\n```", nil).Once()

	goals := p.Decompose(context.Background(), "find the average value of lofts")

	want := []schemas.SubGoal{
		{ID: "goal_1", Description: "Search for lofts in the area", ExpectedResult: "A results page", Status: schemas.GoalPending},
		{ID: "goal_2", Description: "Open the market report", ExpectedResult: "The report page", Status: schemas.GoalPending, Dependencies: []string{"goal_1"}},
		{ID: "goal_3", Description: "Extract the average value", ExpectedResult: "A dollar figure", Status: schemas.GoalPending, Dependencies: []string{"goal_2"}},
	}
	if diff := cmp.Diff(want, goals, ignoreTimes); diff != "" {
		t.Errorf("Decompose() mismatch (-want +got):\n%s", diff)
	}
	judge.AssertExpectations(t)
}

func TestDecompose_AcceptsBareArray(t *testing.T) {
	p, judge := setupPlanner(t)
	judge.On("Generate", mock.Anything, mock.Anything).
		Return(`[{"id":"a","description":"Only step"}]`, nil)

	goals := p.Decompose(context.Background(), "task")
	require.Len(t, goals, 1)
	assert.Equal(t, "a", goals[0].ID)
}

func TestDecompose_Fallbacks(t *testing.T) {
	const task = "find the average value of X"
	tests := []struct {
		name     string
		response string
		err      error
	}{
		{"Call error", "", errors.New("upstream unavailable")},
		{"Not JSON", "Here is my plan: search, then read.", nil},
		{"No goals", `{"goals": []}`, nil},
		{"Blank descriptions", `{"goals": [{"id":"goal_1","description":"  "}]}`, nil},
		{"Cycle", `{"goals": [{"id":"a","description":"A","dependencies":["b"]},{"id":"b","description":"B","dependencies":["a"]}]}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, judge := setupPlanner(t)
			judge.On("Generate", mock.Anything, mock.Anything).Return(tt.response, tt.err)

			goals := p.Decompose(context.Background(), task)
			require.Len(t, goals, 1)
			assert.Equal(t, task, goals[0].Description, "fallback wraps the task verbatim")
			assert.Equal(t, schemas.GoalPending, goals[0].Status)
			assert.Empty(t, goals[0].Dependencies)
		})
	}
}

func TestValidateGoals_RepairsIdsAndDependencies(t *testing.T) {
	goals, err := validateGoals([]goalSpec{
		{ID: "search", Description: "Search"},
		{ID: "search", Description: "Duplicate id", Dependencies: []string{"search"}},
		{ID: "", Description: "Missing id", Dependencies: []string{"search", "ghost", "search"}},
		{ID: "self", Description: "Self loop", Dependencies: []string{"self"}},
	})
	require.NoError(t, err)
	require.Len(t, goals, 4)

	assert.Equal(t, "search", goals[0].ID)
	assert.Equal(t, "goal_2", goals[1].ID)
	assert.Equal(t, []string{"search"}, goals[1].Dependencies)
	assert.Equal(t, "goal_3", goals[2].ID)
	assert.Equal(t, []string{"search"}, goals[2].Dependencies, "unknown and duplicate deps are dropped")
	assert.Empty(t, goals[3].Dependencies, "self dependency is dropped")
}

// TestScenario_AverageValue walks the search -> navigate -> extract plan to completion.
func TestScenario_AverageValue(t *testing.T) {
	mem := memory.NewStore(zaptest.NewLogger(t), 0)
	p, judge := setupPlanner(t, WithMemory(mem))
	judge.On("Generate", mock.Anything, mock.Anything).Return(threeStepPlan, nil)

	const sessionID = "session-1"
	mem.CreateSession(sessionID, "find the average value of X")
	goals := p.Decompose(context.Background(), "find the average value of X")
	require.Len(t, goals, 3)
	p.CreatePlan(sessionID, "find the average value of X", goals)

	assert.True(t, p.MarkComplete(sessionID, "goal_1", "results page found"))
	assert.True(t, p.MarkComplete(sessionID, "goal_2", "report opened"))

	current, ok := p.CurrentGoal(sessionID)
	require.True(t, ok)
	assert.Equal(t, "goal_3", current.ID)
	assert.Equal(t, schemas.GoalInProgress, current.Status)
	assert.NotNil(t, current.StartedAt)

	_, added := mem.AddFinding(sessionID, memory.NewFinding{Fact: "Average value is $420,000", GoalID: "goal_3", Confidence: 0.9})
	require.True(t, added)
	assert.True(t, p.MarkComplete(sessionID, "goal_3", "Average value is $420,000"))

	progress := p.Progress(sessionID)
	assert.Equal(t, 3, progress.Completed)
	assert.Equal(t, 0, progress.Failed)
	assert.Equal(t, 3, progress.Total)
	assert.True(t, progress.AllComplete)
	assert.True(t, progress.Finished)
	assert.Nil(t, progress.CurrentGoal)

	_, ok = p.CurrentGoal(sessionID)
	assert.False(t, ok)
}

func TestCurrentGoal_NeverReturnsBlockedGoal(t *testing.T) {
	p, _ := setupPlanner(t)
	p.CreatePlan("s", "task", []schemas.SubGoal{
		{ID: "goal_1", Description: "one"},
		{ID: "goal_2", Description: "two", Dependencies: []string{"goal_1"}},
		{ID: "goal_3", Description: "three"},
	})

	g, ok := p.CurrentGoal("s")
	require.True(t, ok)
	assert.Equal(t, "goal_1", g.ID)

	// Asking again serves the same in-progress goal.
	g, ok = p.CurrentGoal("s")
	require.True(t, ok)
	assert.Equal(t, "goal_1", g.ID)

	require.True(t, p.MarkFailed("s", "goal_1", "site unavailable"))

	// goal_2 depends on a failed goal, so goal_3 is next.
	g, ok = p.CurrentGoal("s")
	require.True(t, ok)
	assert.Equal(t, "goal_3", g.ID)

	require.True(t, p.MarkComplete("s", "goal_3", "done"))
	_, ok = p.CurrentGoal("s")
	assert.False(t, ok, "goal_2 is blocked forever")
	assert.True(t, p.Stalled("s"))

	progress := p.Progress("s")
	assert.False(t, progress.AllComplete)
	assert.False(t, progress.Finished)
}

func TestTerminalMonotonicity(t *testing.T) {
	p, _ := setupPlanner(t)
	p.CreatePlan("s", "task", []schemas.SubGoal{{ID: "goal_1", Description: "one"}, {ID: "goal_2", Description: "two"}})

	require.True(t, p.MarkComplete("s", "goal_1", "ok"))
	assert.False(t, p.MarkFailed("s", "goal_1", "late failure"))
	assert.False(t, p.MarkComplete("s", "goal_1", "again"))

	require.True(t, p.MarkFailed("s", "goal_2", "blocked"))
	assert.False(t, p.MarkComplete("s", "goal_2", "recovered"))

	plan, ok := p.Plan("s")
	require.True(t, ok)
	assert.Equal(t, schemas.GoalCompleted, plan.Goals[0].Status)
	assert.Equal(t, "ok", plan.Goals[0].Result)
	assert.Equal(t, schemas.GoalFailed, plan.Goals[1].Status)
	assert.Equal(t, "blocked", plan.Goals[1].Result)
}

func TestUnknownSessionAndGoal(t *testing.T) {
	p, _ := setupPlanner(t)
	assert.False(t, p.MarkComplete("missing", "goal_1", ""))
	assert.False(t, p.MarkFailed("missing", "goal_1", "x"))
	_, ok := p.CurrentGoal("missing")
	assert.False(t, ok)
	assert.Equal(t, Progress{}, p.Progress("missing"))
	assert.Nil(t, p.Replan(context.Background(), "missing", "reason"))

	p.CreatePlan("s", "task", []schemas.SubGoal{{ID: "goal_1", Description: "one"}})
	assert.False(t, p.MarkComplete("s", "goal_9", ""))
}

func TestCreatePlan_ReplacesPriorPlanAndResetsState(t *testing.T) {
	p, _ := setupPlanner(t)
	p.CreatePlan("s", "task", []schemas.SubGoal{{ID: "goal_1", Description: "old"}})
	p.CurrentGoal("s")

	p.CreatePlan("s", "task", []schemas.SubGoal{{ID: "goal_1", Description: "new", Status: schemas.GoalInProgress}})
	plan, _ := p.Plan("s")
	require.Len(t, plan.Goals, 1)
	assert.Equal(t, "new", plan.Goals[0].Description)
	assert.Equal(t, schemas.GoalPending, plan.Goals[0].Status)
}

func TestOpenQuestionBookkeeping(t *testing.T) {
	mem := memory.NewStore(zaptest.NewLogger(t), 0)
	mem.CreateSession("s", "task")
	p, _ := setupPlanner(t, WithMemory(mem))
	p.CreatePlan("s", "task", []schemas.SubGoal{{ID: "goal_1", Description: "Find the tax rate"}})

	require.True(t, p.MarkFailed("s", "goal_1", "no source"))
	assert.Equal(t, []string{"Unresolved: Find the tax rate"}, mem.OpenQuestions("s"))
}

func TestReplan_KeepsCompletedAndIssuesFreshIds(t *testing.T) {
	p, judge := setupPlanner(t)
	p.CreatePlan("s", "find the average value of X", []schemas.SubGoal{
		{ID: "goal_1", Description: "Search"},
		{ID: "goal_2", Description: "Open report", Dependencies: []string{"goal_1"}},
		{ID: "goal_3", Description: "Extract", Dependencies: []string{"goal_2"}},
	})
	require.True(t, p.MarkComplete("s", "goal_1", "results found"))
	require.True(t, p.MarkFailed("s", "goal_2", "captcha"))

	judge.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return strings.Contains(req.UserPrompt, "Already completed") &&
			strings.Contains(req.UserPrompt, "Search => results found") &&
			strings.Contains(req.UserPrompt, "Open report (failed: captcha)") &&
			strings.Contains(req.UserPrompt, "blocked by a challenge page")
	})).Return(`{"goals":[
		{"id":"goal_1","description":"Try the county records site"},
		{"id":"goal_2","description":"Extract the figure","dependencies":["goal_1"]}
	]}`, nil).Once()

	goals := p.Replan(context.Background(), "s", "blocked by a challenge page")

	want := []schemas.SubGoal{
		{ID: "goal_1", Description: "Search", Status: schemas.GoalCompleted, Result: "results found"},
		{ID: "goal_4", Description: "Try the county records site", Status: schemas.GoalPending},
		{ID: "goal_5", Description: "Extract the figure", Status: schemas.GoalPending, Dependencies: []string{"goal_4"}},
	}
	if diff := cmp.Diff(want, goals, ignoreTimes); diff != "" {
		t.Errorf("Replan() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, p.Replans("s"))

	current, ok := p.CurrentGoal("s")
	require.True(t, ok)
	assert.Equal(t, "goal_4", current.ID)
	judge.AssertExpectations(t)
}

func TestReplan_NeverReusesDiscardedIds(t *testing.T) {
	p, judge := setupPlanner(t)
	p.CreatePlan("s", "compare two laptops", []schemas.SubGoal{
		{ID: "goal_1", Description: "Search"},
		{ID: "goal_2", Description: "Read specs"},
	})
	judge.On("Generate", mock.Anything, mock.Anything).
		Return(`{"goals":[{"id":"goal_1","description":"Try a review site"}]}`, nil).Twice()

	first := p.Replan(context.Background(), "s", "stuck")
	require.Len(t, first, 1)
	assert.Equal(t, "goal_3", first[0].ID)

	second := p.Replan(context.Background(), "s", "stuck again")
	require.Len(t, second, 1)
	assert.Equal(t, "goal_4", second[0].ID, "ids retired by the first replan stay retired")
	assert.Equal(t, 2, p.Replans("s"))
	judge.AssertExpectations(t)
}

func TestReplan_AvoidsCollisionsWithSparseIds(t *testing.T) {
	fresh := renumber(
		[]schemas.SubGoal{{ID: "goal_1", Description: "a"}, {ID: "goal_2", Description: "b", Dependencies: []string{"goal_1", "goal_7"}}},
		[]string{"goal_5", "custom"},
	)
	assert.Equal(t, "goal_6", fresh[0].ID)
	assert.Equal(t, "goal_7", fresh[1].ID)
	assert.Equal(t, []string{"goal_6"}, fresh[1].Dependencies, "deps are remapped within the fresh set only")
}

func TestTaskPlan_String(t *testing.T) {
	plan := TaskPlan{Goals: []schemas.SubGoal{
		{ID: "goal_1", Description: "Search", Status: schemas.GoalCompleted},
		{ID: "goal_2", Description: "Read", Status: schemas.GoalPending, Dependencies: []string{"goal_1"}},
	}}
	assert.Equal(t, "goal_1 [completed] Search\ngoal_2 [pending] Read (after goal_1)\n", plan.String())
}
