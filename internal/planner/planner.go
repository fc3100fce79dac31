// Package planner decomposes a research task into a dependency-linked set of
// sub-goals and serves them to the control loop in dependency-ready order.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/llmutil"
	"github.com/solosway/webscout/internal/memory"
)

const defaultJudgeTimeout = 45 * time.Second

// TaskPlan is the ordered goal list of one session.
type TaskPlan struct {
	SessionID string
	Task      string
	Goals     []schemas.SubGoal
	CreatedAt time.Time
	Replans   int

	// retired holds ids of goals discarded by earlier replans.
	retired []string
}

func (p *TaskPlan) clone() TaskPlan {
	out := *p
	out.retired = append([]string(nil), p.retired...)
	out.Goals = make([]schemas.SubGoal, len(p.Goals))
	for i, g := range p.Goals {
		out.Goals[i] = g.Clone()
	}
	return out
}

// Progress summarises a plan.
type Progress struct {
	Completed   int              `json:"completed"`
	Failed      int              `json:"failed"`
	Total       int              `json:"total"`
	CurrentGoal *schemas.SubGoal `json:"current_goal,omitempty"`
	AllComplete bool             `json:"all_complete"`
	// Finished is true when every goal is terminal, whether completed or failed.
	Finished bool `json:"finished"`
}

// Planner owns the plans of all sessions, keyed by session id.
type Planner struct {
	logger       *zap.Logger
	judge        schemas.LLMClient
	memory       *memory.Store
	judgeTimeout time.Duration
	now          func() time.Time

	mu    sync.Mutex
	plans map[string]*TaskPlan
}

// Option configures a Planner.
type Option func(*Planner)

// WithMemory enables open-question bookkeeping in working memory.
func WithMemory(m *memory.Store) Option {
	return func(p *Planner) { p.memory = m }
}

// WithJudgeTimeout bounds each decomposition call.
func WithJudgeTimeout(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.judgeTimeout = d
		}
	}
}

// New creates a Planner backed by the given judgment service.
func New(judge schemas.LLMClient, logger *zap.Logger, opts ...Option) *Planner {
	p := &Planner{
		logger:       logger.Named("planner"),
		judge:        judge,
		judgeTimeout: defaultJudgeTimeout,
		now:          time.Now,
		plans:        make(map[string]*TaskPlan),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// -- Decomposition --

type goalSpec struct {
	ID             string   `json:"id"`
	Description    string   `json:"description"`
	Dependencies   []string `json:"dependencies"`
	ExpectedResult string   `json:"expected_result"`
}

type decomposition struct {
	Goals []goalSpec `json:"goals"`
}

// Decompose asks the judgment service for a goal list. It never fails: any
// call, format or validation error yields a single goal wrapping the task.
func (p *Planner) Decompose(ctx context.Context, task string) []schemas.SubGoal {
	goals, err := p.decompose(ctx, task)
	if err != nil {
		p.logger.Warn("Decomposition failed, falling back to a single-goal plan.", zap.Error(err))
		return fallbackGoals(task)
	}
	p.logger.Debug("Task decomposed.", zap.Int("goals", len(goals)))
	return goals
}

func (p *Planner) decompose(ctx context.Context, task string) ([]schemas.SubGoal, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.judgeTimeout)
	defer cancel()

	raw, err := p.judge.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: decompositionContract,
		UserPrompt:   decompositionPrompt(task),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	})

	outcome := llmutil.Decode[decomposition](raw, err)
	if !outcome.Parsed() && err == nil {
		// Some models answer with the bare array.
		if arr := llmutil.Decode[[]goalSpec](raw, nil); arr.Parsed() {
			outcome = llmutil.Outcome[decomposition]{Value: decomposition{Goals: arr.Value}, Raw: raw}
		}
	}
	if !outcome.Parsed() {
		return nil, outcome.Err
	}
	return validateGoals(outcome.Value.Goals)
}

// validateGoals turns model output into a well-formed DAG. Ids are made unique,
// unknown and self dependencies are dropped, and a cycle rejects the plan.
func validateGoals(specs []goalSpec) ([]schemas.SubGoal, error) {
	var goals []schemas.SubGoal
	idMap := make(map[string]string)
	used := make(map[string]bool)

	for _, s := range specs {
		desc := strings.TrimSpace(s.Description)
		if desc == "" {
			continue
		}
		id := strings.TrimSpace(s.ID)
		if id == "" || used[id] {
			id = nextFreeID(used, len(goals)+1)
		}
		if orig := strings.TrimSpace(s.ID); orig != "" {
			if _, seen := idMap[orig]; !seen {
				idMap[orig] = id
			}
		}
		used[id] = true
		goals = append(goals, schemas.SubGoal{
			ID:             id,
			Description:    desc,
			ExpectedResult: strings.TrimSpace(s.ExpectedResult),
			Status:         schemas.GoalPending,
			Dependencies:   s.Dependencies,
		})
	}
	if len(goals) == 0 {
		return nil, errors.New("decomposition contained no usable goals")
	}

	for i := range goals {
		goals[i].Dependencies = remapDependencies(goals[i].ID, goals[i].Dependencies, idMap)
	}
	if hasCycle(goals) {
		return nil, errors.New("decomposition contains a dependency cycle")
	}
	return goals, nil
}

func remapDependencies(self string, deps []string, idMap map[string]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, d := range deps {
		mapped, ok := idMap[strings.TrimSpace(d)]
		if !ok || mapped == self || seen[mapped] {
			continue
		}
		seen[mapped] = true
		out = append(out, mapped)
	}
	return out
}

func nextFreeID(used map[string]bool, start int) string {
	for n := start; ; n++ {
		id := "goal_" + strconv.Itoa(n)
		if !used[id] {
			return id
		}
	}
}

func hasCycle(goals []schemas.SubGoal) bool {
	deps := make(map[string][]string, len(goals))
	for _, g := range goals {
		deps[g.ID] = g.Dependencies
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(goals))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, d := range deps[id] {
			if visit(d) {
				return true
			}
		}
		state[id] = done
		return false
	}
	for _, g := range goals {
		if visit(g.ID) {
			return true
		}
	}
	return false
}

func fallbackGoals(task string) []schemas.SubGoal {
	return []schemas.SubGoal{{
		ID:             "goal_1",
		Description:    task,
		ExpectedResult: "Information that answers the task",
		Status:         schemas.GoalPending,
	}}
}

// -- Plan state --

// CreatePlan stores the plan for a session, replacing any prior plan.
func (p *Planner) CreatePlan(sessionID, task string, goals []schemas.SubGoal) TaskPlan {
	plan := &TaskPlan{
		SessionID: sessionID,
		Task:      task,
		Goals:     make([]schemas.SubGoal, len(goals)),
		CreatedAt: p.now(),
	}
	for i, g := range goals {
		c := g.Clone()
		if !c.Status.IsTerminal() {
			c.Status = schemas.GoalPending
			c.StartedAt = nil
		}
		plan.Goals[i] = c
	}

	p.mu.Lock()
	p.plans[sessionID] = plan
	out := plan.clone()
	p.mu.Unlock()

	p.logger.Info("Plan created.", zap.String("session_id", sessionID), zap.Int("goals", len(goals)))
	return out
}

// Plan returns a copy of the session's plan.
func (p *Planner) Plan(sessionID string) (TaskPlan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[sessionID]
	if !ok {
		return TaskPlan{}, false
	}
	return plan.clone(), true
}

// DeletePlan forgets a session's plan at session end.
func (p *Planner) DeletePlan(sessionID string) {
	p.mu.Lock()
	delete(p.plans, sessionID)
	p.mu.Unlock()
}

// eligible returns the index of the first non-terminal goal whose
// dependencies are all completed, or -1.
func (plan *TaskPlan) eligible() int {
	status := make(map[string]schemas.GoalStatus, len(plan.Goals))
	for _, g := range plan.Goals {
		status[g.ID] = g.Status
	}
	for i, g := range plan.Goals {
		if g.Status.IsTerminal() {
			continue
		}
		ready := true
		for _, d := range g.Dependencies {
			if status[d] != schemas.GoalCompleted {
				ready = false
				break
			}
		}
		if ready {
			return i
		}
	}
	return -1
}

func (plan *TaskPlan) find(goalID string) *schemas.SubGoal {
	for i := range plan.Goals {
		if plan.Goals[i].ID == goalID {
			return &plan.Goals[i]
		}
	}
	return nil
}

// CurrentGoal returns the goal to work on, moving it from pending to
// in_progress. It returns false when every goal is terminal or the remaining
// goals are blocked by a failed dependency.
func (p *Planner) CurrentGoal(sessionID string) (schemas.SubGoal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok := p.plans[sessionID]
	if !ok {
		return schemas.SubGoal{}, false
	}
	idx := plan.eligible()
	if idx < 0 {
		return schemas.SubGoal{}, false
	}
	g := &plan.Goals[idx]
	if g.Status == schemas.GoalPending {
		now := p.now()
		g.Status = schemas.GoalInProgress
		g.StartedAt = &now
	}
	return g.Clone(), true
}

// MarkComplete transitions a goal to completed.
func (p *Planner) MarkComplete(sessionID, goalID, result string) bool {
	g, ok := p.finish(sessionID, goalID, schemas.GoalCompleted, result)
	if ok && p.memory != nil {
		p.memory.ResolveQuestion(sessionID, openQuestionFor(g))
	}
	return ok
}

// MarkFailed transitions a goal to failed, recording the reason as its result.
func (p *Planner) MarkFailed(sessionID, goalID, reason string) bool {
	g, ok := p.finish(sessionID, goalID, schemas.GoalFailed, reason)
	if ok && p.memory != nil {
		p.memory.AddOpenQuestion(sessionID, openQuestionFor(g))
	}
	return ok
}

func (p *Planner) finish(sessionID, goalID string, status schemas.GoalStatus, result string) (schemas.SubGoal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok := p.plans[sessionID]
	if !ok {
		return schemas.SubGoal{}, false
	}
	g := plan.find(goalID)
	if g == nil || g.Status.IsTerminal() {
		return schemas.SubGoal{}, false
	}
	now := p.now()
	g.Status = status
	g.Result = result
	g.CompletedAt = &now
	p.logger.Debug("Goal finished.",
		zap.String("session_id", sessionID),
		zap.String("goal_id", goalID),
		zap.String("status", string(status)))
	return g.Clone(), true
}

func openQuestionFor(g schemas.SubGoal) string {
	return "Unresolved: " + g.Description
}

// Progress reports plan counters. CurrentGoal is peeked without any state change.
func (p *Planner) Progress(sessionID string) Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok := p.plans[sessionID]
	if !ok {
		return Progress{}
	}
	var out Progress
	out.Total = len(plan.Goals)
	for _, g := range plan.Goals {
		switch g.Status {
		case schemas.GoalCompleted:
			out.Completed++
		case schemas.GoalFailed:
			out.Failed++
		}
	}
	if idx := plan.eligible(); idx >= 0 {
		g := plan.Goals[idx].Clone()
		out.CurrentGoal = &g
	}
	out.AllComplete = out.Total > 0 && out.Completed == out.Total
	out.Finished = out.Completed+out.Failed == out.Total
	return out
}

// Stalled reports whether unfinished goals remain but none can start.
func (p *Planner) Stalled(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[sessionID]
	if !ok {
		return false
	}
	for _, g := range plan.Goals {
		if !g.Status.IsTerminal() {
			return plan.eligible() < 0
		}
	}
	return false
}

// Replans returns how many times the session's plan has been replaced.
func (p *Planner) Replans(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if plan, ok := p.plans[sessionID]; ok {
		return plan.Replans
	}
	return 0
}

// Replan keeps the completed goals, discards the rest and decomposes a derived
// task describing what is done and what remains. New goals never reuse an id
// the plan has held, discarded goals included. It returns the full new goal
// list, or nil for an unknown session.
func (p *Planner) Replan(ctx context.Context, sessionID, reason string) []schemas.SubGoal {
	p.mu.Lock()
	plan, ok := p.plans[sessionID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	task := plan.Task
	taken := append([]string(nil), plan.retired...)
	var kept, remaining []schemas.SubGoal
	for _, g := range plan.Goals {
		taken = append(taken, g.ID)
		if g.Status == schemas.GoalCompleted {
			kept = append(kept, g.Clone())
		} else {
			remaining = append(remaining, g.Clone())
		}
	}
	p.mu.Unlock()

	// The judgment call happens outside the lock.
	fresh := p.Decompose(ctx, replanTask(task, kept, remaining, reason))
	fresh = renumber(fresh, taken)

	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok = p.plans[sessionID]
	if !ok {
		return nil
	}
	for _, g := range remaining {
		plan.retired = append(plan.retired, g.ID)
	}
	plan.Goals = append(kept, fresh...)
	plan.Replans++

	p.logger.Info("Plan replaced.",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.Int("kept", len(kept)),
		zap.Int("new", len(fresh)),
		zap.Int("replans", plan.Replans))

	out := make([]schemas.SubGoal, len(plan.Goals))
	for i, g := range plan.Goals {
		out[i] = g.Clone()
	}
	return out
}

// renumber gives fresh goals ids after the highest taken goal number and
// rewrites their intra-plan dependencies to match.
func renumber(fresh []schemas.SubGoal, taken []string) []schemas.SubGoal {
	used := make(map[string]bool, len(taken))
	next := 1
	for _, id := range taken {
		used[id] = true
		if n, ok := goalNumber(id); ok && n >= next {
			next = n + 1
		}
	}

	idMap := make(map[string]string, len(fresh))
	for i := range fresh {
		id := nextFreeID(used, next)
		used[id] = true
		idMap[fresh[i].ID] = id
		fresh[i].ID = id
		if n, ok := goalNumber(id); ok {
			next = n + 1
		}
	}
	for i := range fresh {
		var deps []string
		for _, d := range fresh[i].Dependencies {
			if mapped, ok := idMap[d]; ok && mapped != fresh[i].ID {
				deps = append(deps, mapped)
			}
		}
		fresh[i].Dependencies = deps
		fresh[i].Status = schemas.GoalPending
	}
	return fresh
}

func goalNumber(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, "goal_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

// String renders the plan for logs and prompts.
func (plan TaskPlan) String() string {
	var b strings.Builder
	for _, g := range plan.Goals {
		fmt.Fprintf(&b, "%s [%s] %s", g.ID, g.Status, g.Description)
		if len(g.Dependencies) > 0 {
			fmt.Fprintf(&b, " (after %s)", strings.Join(g.Dependencies, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
