package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/archive"
	"github.com/solosway/webscout/internal/config"
	"github.com/solosway/webscout/internal/extraction"
	"github.com/solosway/webscout/internal/memory"
	"github.com/solosway/webscout/internal/planner"
	"github.com/solosway/webscout/internal/reflection"
	"github.com/solosway/webscout/internal/synthesis"
)

const (
	archiveTimeout = 30 * time.Second

	caveatIncomplete = "The research did not finish within its step or time budget; the answer is based on incomplete information."
	caveatCancelled  = "The research session was cancelled before it finished."
)

// Archiver stores finished sessions. archive.Archive satisfies it.
type Archiver interface {
	Save(ctx context.Context, rec archive.Record) error
}

// Recorder receives control loop measurements. *observability.Metrics
// satisfies it.
type Recorder interface {
	SessionStarted()
	SessionFinished(status schemas.SessionStatus, d time.Duration)
	StepObserved(actionType string, success bool)
	ReflectionObserved(action, trigger string)
	FindingsRecorded(n int)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted()                                      {}
func (nopRecorder) SessionFinished(schemas.SessionStatus, time.Duration) {}
func (nopRecorder) StepObserved(string, bool)                            {}
func (nopRecorder) ReflectionObserved(string, string)                    {}
func (nopRecorder) FindingsRecorded(int)                                 {}

// Runner runs research sessions. Each session owns one driver and progresses
// one step at a time; independent sessions run in parallel.
type Runner struct {
	cfg    config.AgentConfig
	logger *zap.Logger

	drivers     schemas.DriverFactory
	memory      *memory.Store
	planner     *planner.Planner
	extractor   *extraction.Extractor
	reflector   *reflection.Engine
	synthesizer *synthesis.Synthesizer
	navigator   *Navigator

	archive Archiver
	metrics Recorder

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithArchive stores every finished session.
func WithArchive(a Archiver) Option {
	return func(r *Runner) { r.archive = a }
}

// WithMetrics records control loop measurements.
func WithMetrics(m Recorder) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// New builds a Runner and the components it drives.
func New(cfg *config.Config, judge schemas.LLMClient, drivers schemas.DriverFactory, mem *memory.Store, logger *zap.Logger, opts ...Option) *Runner {
	logger = logger.Named("agent")
	r := &Runner{
		cfg:         cfg.Agent,
		logger:      logger,
		drivers:     drivers,
		memory:      mem,
		planner:     planner.New(judge, logger, planner.WithMemory(mem), planner.WithJudgeTimeout(cfg.Agent.JudgeTimeout)),
		extractor:   extraction.New(judge, mem, cfg.Extraction, logger),
		reflector:   reflection.New(judge, mem, cfg.Reflection, logger),
		synthesizer: synthesis.New(judge, cfg.Agent.JudgeTimeout, logger),
		navigator:   NewNavigator(judge, mem, cfg.Agent.JudgeTimeout, cfg.Agent.SearchURL, logger),
		metrics:     nopRecorder{},
		active:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunSession starts a session under a fresh id. See RunSessionWithID.
func (r *Runner) RunSession(ctx context.Context, task, startingURL string, maxSteps int) (<-chan schemas.StepEvent, error) {
	return r.RunSessionWithID(ctx, uuid.NewString(), task, startingURL, maxSteps)
}

// RunSessionWithID starts a session and returns its event stream. The stream
// ends with exactly one complete event and is then closed. An error is only
// returned when the session cannot start; later failures are error events.
// maxSteps <= 0 uses the configured limit.
func (r *Runner) RunSessionWithID(ctx context.Context, sessionID, task, startingURL string, maxSteps int) (<-chan schemas.StepEvent, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, ErrEmptyTask
	}
	if maxSteps <= 0 {
		maxSteps = r.cfg.MaxSteps
	}

	r.mu.Lock()
	if _, busy := r.active[sessionID]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, sessionID)
	}
	r.active[sessionID] = struct{}{}
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.active, sessionID)
		r.mu.Unlock()
	}

	driver, err := r.drivers.NewDriver(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to create driver for session %s: %w", sessionID, err)
	}

	buffer := r.cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan schemas.StepEvent, buffer)
	s := &session{
		r:           r,
		id:          sessionID,
		task:        task,
		startingURL: strings.TrimSpace(startingURL),
		maxSteps:    maxSteps,
		out:         out,
		driver:      driver,
		exec:        NewExecutor(driver, r.cfg.ActionTimeout, r.cfg.NavigationTimeout, r.logger),
		logger:      r.logger.With(zap.String("session_id", sessionID)),
		goalSteps:   make(map[string]int),
	}
	r.memory.CreateSession(sessionID, task)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		defer close(out)
		s.run(ctx)
	}()
	return out, nil
}

// Active reports whether a session id is running.
func (r *Runner) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// Wait blocks until every started session has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// stopReason says why the step loop ended.
type stopReason int

const (
	stopNone      stopReason = iota
	stopPlanDone             // every goal is terminal
	stopStalled              // remaining goals can never start
	stopStepCap              // hard step limit
	stopDeadline             // session timeout
	stopCancelled            // caller cancelled
	stopBlocked              // challenge page with no replans left
)

// session is the state of one running research session. It is only touched
// by the session goroutine.
type session struct {
	r           *Runner
	id          string
	task        string
	startingURL string
	maxSteps    int
	out         chan<- schemas.StepEvent
	driver      schemas.Driver
	exec        *Executor
	logger      *zap.Logger

	parent    context.Context
	started   time.Time
	step      int
	page      schemas.PageState
	goalID    string
	goalSteps map[string]int
	hint      string
	// confirmed holds the goals whose findings were re-checked on the
	// current page after a revisit.
	confirmed map[string]bool
	// failed keeps goals that failed before a replan discarded them.
	failed  []schemas.SubGoal
	caveats []string
}

func (s *session) run(parent context.Context) {
	s.parent = parent
	s.started = time.Now()
	s.r.metrics.SessionStarted()

	var ctx context.Context
	var cancel context.CancelFunc
	if s.r.cfg.SessionTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, s.r.cfg.SessionTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()
	defer func() {
		if err := s.driver.Close(); err != nil {
			s.logger.Debug("Driver close failed.", zap.Error(err))
		}
	}()

	goals := s.r.planner.Decompose(ctx, s.task)
	s.r.planner.CreatePlan(s.id, s.task, goals)
	s.logger.Info("Research session started.",
		zap.String("task", s.task),
		zap.Int("goals", len(goals)),
		zap.Int("max_steps", s.maxSteps))

	if s.startingURL != "" && ctx.Err() == nil {
		s.step++
		s.perform(ctx, "", Action{Kind: ActionNavigate, URL: s.startingURL, Reasoning: "starting url"})
	}

	s.finish(s.loop(ctx))
}

func (s *session) loop(ctx context.Context) stopReason {
	for s.step < s.maxSteps {
		if ctx.Err() != nil {
			return s.interrupted()
		}

		goal, ok := s.r.planner.CurrentGoal(s.id)
		if !ok {
			if s.r.planner.Stalled(s.id) {
				if s.replan(ctx, "the remaining goals depend on goals that failed") {
					continue
				}
				return stopStalled
			}
			return stopPlanDone
		}
		if goal.ID != s.goalID {
			// A replan clears goalID and keeps its hint for the new plan.
			if s.goalID != "" {
				s.hint = ""
			}
			s.goalID = goal.ID
			s.logger.Info("Working on goal.", zap.String("goal_id", goal.ID), zap.String("description", goal.Description))
		}

		action := s.r.navigator.Next(ctx, s.id, goal, s.page, s.hint)
		if ctx.Err() != nil {
			return s.interrupted()
		}
		if action.Kind == ActionDone {
			s.completeGoal(goal, action.Reasoning)
			continue
		}

		s.step++
		s.goalSteps[goal.ID]++
		before := s.page
		rec := s.perform(ctx, goal.ID, action)

		refl := s.r.reflector.Evaluate(ctx, reflection.Step{
			SessionID:     s.id,
			Goal:          goal,
			Action:        rec,
			PageBefore:    before.Render(),
			PageAfter:     s.page.Render(),
			VisionGoal:    extraction.IsVisualGoal(goal.Description),
			ImageFindings: s.imageFindings(goal.ID),
		})
		s.r.metrics.ReflectionObserved(string(refl.SuggestedAction), string(refl.Trigger))
		s.emit(schemas.StepEvent{Type: schemas.EventReflection, GoalID: goal.ID, Reflection: note(refl)})

		if s.shouldExtract(ctx, goal, refl) && s.extract(ctx, goal) {
			refl.GoalAchieved = true
		}

		if stop := s.control(ctx, goal, refl); stop != stopNone {
			return stop
		}

		if s.goalSteps[goal.ID] >= s.r.cfg.MaxStepsPerGoal {
			if s.r.planner.MarkFailed(s.id, goal.ID, fmt.Sprintf("no result after %d steps", s.goalSteps[goal.ID])) {
				s.logger.Info("Goal step budget exhausted.", zap.String("goal_id", goal.ID))
			}
		}
	}
	if s.r.planner.Progress(s.id).Finished {
		return stopPlanDone
	}
	return stopStepCap
}

func (s *session) interrupted() stopReason {
	if s.parent.Err() != nil {
		return stopCancelled
	}
	return stopDeadline
}

// perform executes one action, records it and refreshes the page state.
func (s *session) perform(ctx context.Context, goalID string, a Action) schemas.ActionRecord {
	res := s.exec.Execute(ctx, a)
	in := memory.NewAction{
		ActionType: string(a.Kind),
		Params:     a.Params(),
		URLBefore:  res.URLBefore,
		URLAfter:   res.URLAfter,
		Success:    res.Success(),
		Error:      res.ErrorText(),
		GoalID:     goalID,
	}
	rec, ok := s.r.memory.RecordAction(s.id, in)
	if !ok {
		rec = schemas.ActionRecord{
			ActionType: in.ActionType, Params: in.Params, URLBefore: in.URLBefore, URLAfter: in.URLAfter,
			Timestamp: time.Now(), Success: in.Success, Error: in.Error, GoalID: goalID,
		}
	}
	s.r.metrics.StepObserved(rec.ActionType, rec.Success)
	s.emit(schemas.StepEvent{Type: schemas.EventAction, GoalID: goalID, Action: &rec})
	if !rec.Success {
		s.emit(schemas.StepEvent{Type: schemas.EventError, GoalID: goalID, Error: &schemas.StepError{
			Code:    string(res.ErrorCode),
			Message: rec.Error,
		}})
	}
	s.refresh(ctx, goalID)
	return rec
}

// refresh snapshots the page and reports a URL change.
func (s *session) refresh(ctx context.Context, goalID string) {
	previous := s.page.URL

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.r.cfg.ActionTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.r.cfg.ActionTimeout)
	}
	page, err := s.driver.Snapshot(callCtx)
	cancel()
	if err != nil {
		s.logger.Warn("Page snapshot failed.", zap.Error(err))
		s.emit(schemas.StepEvent{Type: schemas.EventError, GoalID: goalID, Error: &schemas.StepError{
			Code:    string(ErrCodeSnapshotFailure),
			Message: err.Error(),
		}})
		page = schemas.PageState{URL: s.driver.CurrentURL(), Title: s.page.Title}
	}
	s.page = page

	if memory.NormalizeURL(page.URL) == memory.NormalizeURL(previous) {
		return
	}
	s.confirmed = nil
	if page.IsBlank() {
		return
	}
	revisit := s.r.memory.HasVisited(s.id, page.URL)
	s.r.memory.RecordVisited(s.id, page.URL)
	s.emit(schemas.StepEvent{Type: schemas.EventURLChange, GoalID: goalID, URL: page.URL})
	if revisit && (page.Text != "" || len(page.Elements) > 0) {
		s.confirmed = s.revalidate(page)
	}
}

// revalidate checks the findings taken from a re-visited page against what it
// shows now. Findings that are gone become caveats.
func (s *session) revalidate(page schemas.PageState) map[string]bool {
	key := memory.NormalizeURL(page.URL)
	content := page.Render()
	confirmed := make(map[string]bool)
	valid, stale := 0, 0
	for _, f := range s.r.memory.Findings(s.id, "", 0) {
		if memory.NormalizeURL(f.SourceURL) != key {
			continue
		}
		if extraction.ValidateFinding(f, content) {
			valid++
			confirmed[f.GoalID] = true
			continue
		}
		stale++
		s.caveats = append(s.caveats, fmt.Sprintf("A finding from %s is no longer shown there: %s", f.SourceURL, f.Fact))
	}
	if valid+stale > 0 {
		s.logger.Info("Re-visited page checked against earlier findings.",
			zap.String("url", page.URL),
			zap.Int("confirmed", valid),
			zap.Int("stale", stale))
	}
	return confirmed
}

func (s *session) imageFindings(goalID string) int {
	n := 0
	for _, f := range s.r.memory.Findings(s.id, goalID, 0) {
		if f.Method == schemas.MethodVision {
			n++
		}
	}
	return n
}

func (s *session) shouldExtract(ctx context.Context, goal schemas.SubGoal, refl reflection.Result) bool {
	if refl.Trigger == reflection.TriggerChallenge || s.page.IsBlank() {
		return false
	}
	if s.confirmed[goal.ID] {
		s.logger.Debug("Findings from this page were already confirmed, not extracting again.",
			zap.String("goal_id", goal.ID), zap.String("url", s.page.URL))
		return false
	}
	if refl.ShouldExtract || refl.GoalAchieved {
		return true
	}
	return s.r.extractor.ShouldExtract(ctx, s.page.Render(), goal, s.page.URL)
}

// extract reads the page into findings. It reports whether the extractor
// considers the goal satisfied.
func (s *session) extract(ctx context.Context, goal schemas.SubGoal) bool {
	existing := s.r.memory.Findings(s.id, "", 0)
	res := s.r.extractor.ExtractPage(ctx, s.page, goal, existing)
	stored := s.r.extractor.Record(s.id, s.page.URL, goal.ID, res)

	var best *schemas.Finding
	for i := range stored {
		f := stored[i]
		s.emit(schemas.StepEvent{Type: schemas.EventFinding, GoalID: goal.ID, Finding: &f})
		if best == nil || f.Confidence > best.Confidence {
			best = &stored[i]
		}
	}
	s.r.metrics.FindingsRecorded(len(stored))
	if best != nil {
		s.r.memory.SetHypothesis(s.id, best.Fact)
	}
	if res.SuggestedNextAction != "" {
		s.hint = res.SuggestedNextAction
	}
	return res.Parsed && res.GoalAchievable && !res.ShouldContinue &&
		len(s.r.memory.Findings(s.id, goal.ID, 0)) > 0
}

// control applies the reflection verdict.
func (s *session) control(ctx context.Context, goal schemas.SubGoal, refl reflection.Result) stopReason {
	switch {
	case refl.GoalAchieved || refl.SuggestedAction == reflection.ActionDone:
		s.completeGoal(goal, refl.Reasoning)

	case refl.SuggestedAction == reflection.ActionBacktrack:
		s.backtrack(ctx, goal.ID)
		s.setHint(refl.AlternativeApproach)

	case refl.SuggestedAction == reflection.ActionReplan:
		if s.replan(ctx, refl.Reasoning) {
			s.setHint(refl.AlternativeApproach)
			return stopNone
		}
		if refl.Trigger == reflection.TriggerChallenge {
			s.caveats = append(s.caveats, "Research stopped at a bot challenge page: "+refl.Reasoning)
			s.r.planner.MarkFailed(s.id, goal.ID, "blocked by a challenge page")
			return stopBlocked
		}
		s.r.planner.MarkFailed(s.id, goal.ID, "no replans left: "+refl.Reasoning)

	default:
		s.setHint(refl.AlternativeApproach)
		if !refl.OnTrack && s.r.reflector.ShouldBacktrack(s.id, goal.ID) {
			s.backtrack(ctx, goal.ID)
		}
	}
	return stopNone
}

func (s *session) setHint(h string) {
	if h = strings.TrimSpace(h); h != "" {
		s.hint = h
	}
}

func (s *session) completeGoal(goal schemas.SubGoal, reasoning string) {
	result := strings.TrimSpace(reasoning)
	bestConf := -1.0
	for _, f := range s.r.memory.Findings(s.id, goal.ID, 0) {
		if f.Confidence > bestConf {
			bestConf = f.Confidence
			result = f.Fact
		}
	}
	if s.r.planner.MarkComplete(s.id, goal.ID, result) {
		s.hint = ""
		s.logger.Info("Goal completed.", zap.String("goal_id", goal.ID))
	}
}

// backtrack returns to the most recent page that differs from the current one.
func (s *session) backtrack(ctx context.Context, goalID string) bool {
	if s.step >= s.maxSteps {
		s.logger.Debug("Step limit reached, not backtracking.")
		return false
	}
	current := memory.NormalizeURL(s.page.URL)
	history := s.r.memory.RecentActions(s.id, 0)
	target := ""
	for i := len(history) - 1; i >= 0 && target == ""; i-- {
		a := history[i]
		for _, u := range []string{a.URLAfter, a.URLBefore} {
			if u == "" || u == "about:blank" || memory.NormalizeURL(u) == current {
				continue
			}
			if _, challenge := s.r.reflector.Challenge(u, ""); challenge {
				continue
			}
			target = u
			break
		}
	}
	if target == "" {
		s.logger.Debug("Nothing to backtrack to.")
		return false
	}
	s.logger.Info("Backtracking.", zap.String("url", target))
	s.step++
	s.goalSteps[goalID]++
	s.perform(ctx, goalID, Action{Kind: ActionBacktrack, URL: target, Reasoning: "returning to an earlier page"})
	return true
}

// replan replaces the plan when the budget allows. Failed goals are kept for
// synthesis before the planner discards them.
func (s *session) replan(ctx context.Context, reason string) bool {
	if s.r.planner.Replans(s.id) >= s.r.cfg.MaxReplans {
		return false
	}
	var discarded []string
	if plan, ok := s.r.planner.Plan(s.id); ok {
		for _, g := range plan.Goals {
			if g.Status == schemas.GoalFailed {
				s.failed = appendGoal(s.failed, g)
			}
			if g.Status != schemas.GoalCompleted {
				discarded = append(discarded, g.ID)
			}
		}
	}
	goals := s.r.planner.Replan(ctx, s.id, reason)
	if goals == nil {
		return false
	}
	for _, id := range discarded {
		delete(s.goalSteps, id)
		delete(s.confirmed, id)
	}
	s.goalID = ""
	s.hint = ""
	s.logger.Info("Plan replaced.", zap.String("reason", reason), zap.Int("goals", len(goals)))
	return true
}

func appendGoal(list []schemas.SubGoal, g schemas.SubGoal) []schemas.SubGoal {
	for _, existing := range list {
		if existing.ID == g.ID && existing.Description == g.Description {
			return list
		}
	}
	return append(list, g)
}

// finish decides the final status, synthesizes, archives and emits the
// complete event. It runs even when the session context is done.
func (s *session) finish(stop stopReason) {
	plan, _ := s.r.planner.Plan(s.id)
	var completed, failed []schemas.SubGoal
	failed = append(failed, s.failed...)
	for _, g := range plan.Goals {
		switch g.Status {
		case schemas.GoalCompleted:
			completed = append(completed, g)
		case schemas.GoalFailed:
			failed = appendGoal(failed, g)
		}
	}

	caveats := append([]string(nil), s.caveats...)
	var status schemas.SessionStatus
	switch stop {
	case stopCancelled:
		status = schemas.SessionFailed
		caveats = append(caveats, caveatCancelled)
	case stopDeadline, stopStepCap:
		status = schemas.SessionTimeout
		caveats = append(caveats, caveatIncomplete)
	case stopBlocked:
		status = schemas.SessionFailed
	default:
		status = schemas.SessionCompleted
	}

	snap, _ := s.r.memory.Snapshot(s.id)
	if status == schemas.SessionCompleted && len(completed) == 0 && len(snap.Findings) == 0 {
		status = schemas.SessionFailed
	}
	s.r.memory.SetStatus(s.id, status)
	snap.Status = status

	// Synthesis and archiving still run after a cancellation.
	detached := context.WithoutCancel(s.parent)
	req := synthesis.Request{
		Task:           s.task,
		Findings:       snap.Findings,
		CompletedGoals: completed,
		FailedGoals:    failed,
		Caveats:        caveats,
	}
	var result schemas.SynthesizedResult
	if options, ok := synthesis.DetectComparison(s.task); ok {
		result = s.r.synthesizer.SynthesizeComparison(detached, req, options)
	} else {
		result = s.r.synthesizer.Synthesize(detached, req)
	}

	if s.r.archive != nil {
		score := reflection.CalculateProgressScore(len(completed), len(plan.Goals), len(snap.Findings), len(snap.ActionHistory))
		rec := archive.Record{
			SessionID:     s.id,
			Task:          s.task,
			StartingURL:   s.startingURL,
			Status:        status,
			CreatedAt:     snap.CreatedAt,
			FinishedAt:    time.Now(),
			Steps:         s.step,
			Replans:       plan.Replans,
			ProgressScore: score,
			Goals:         plan.Goals,
			Findings:      snap.Findings,
			Actions:       snap.ActionHistory,
			VisitedURLs:   snap.VisitedURLs,
			Hypothesis:    snap.CurrentHypothesis,
			OpenQuestions: snap.OpenQuestions,
			Result:        result,
		}
		actx, cancel := context.WithTimeout(detached, archiveTimeout)
		if err := s.r.archive.Save(actx, rec); err != nil {
			s.logger.Error("Failed to archive session.", zap.Error(err))
			s.emit(schemas.StepEvent{Type: schemas.EventError, Error: &schemas.StepError{
				Code:    string(ErrCodeArchiveFailure),
				Message: err.Error(),
			}})
		}
		cancel()
	}

	s.r.memory.EndSession(s.id)
	s.r.planner.DeletePlan(s.id)
	s.r.metrics.SessionFinished(status, time.Since(s.started))

	s.logger.Info("Research session finished.",
		zap.String("status", string(status)),
		zap.Int("steps", s.step),
		zap.Int("findings", len(snap.Findings)),
		zap.Int("completed_goals", len(completed)),
		zap.Int("failed_goals", len(failed)),
		zap.Float64("confidence", result.Confidence))

	s.emit(schemas.StepEvent{Type: schemas.EventComplete, Result: &result, Status: status})
}

// emit delivers an event. Once the caller has cancelled, events that do not
// fit the buffer are dropped rather than blocking the session.
func (s *session) emit(ev schemas.StepEvent) {
	ev.ID = uuid.NewString()
	ev.SessionID = s.id
	ev.Step = s.step
	ev.Timestamp = time.Now()

	if s.parent.Err() != nil {
		select {
		case s.out <- ev:
		default:
			s.logger.Debug("Event dropped after cancellation.", zap.String("type", string(ev.Type)))
		}
		return
	}
	select {
	case s.out <- ev:
	case <-s.parent.Done():
		s.logger.Debug("Event dropped after cancellation.", zap.String("type", string(ev.Type)))
	}
}

func note(r reflection.Result) *schemas.ReflectionNote {
	return &schemas.ReflectionNote{
		OnTrack:             r.OnTrack,
		GoalAchieved:        r.GoalAchieved,
		ShouldExtract:       r.ShouldExtract,
		SuggestedAction:     string(r.SuggestedAction),
		Reasoning:           r.Reasoning,
		Confidence:          r.Confidence,
		AlternativeApproach: r.AlternativeApproach,
		Trigger:             string(r.Trigger),
	}
}
