// Package memory holds the per-session working memory of the research loop:
// findings, visited pages, the action log, the current hypothesis and open
// questions. It performs no I/O.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
)

// uuidNewString is a package level variable so tests can make ids deterministic.
var uuidNewString = uuid.NewString

// SessionMemory is the runtime state of one research session.
type SessionMemory struct {
	ID                string
	Task              string
	Findings          []schemas.Finding
	VisitedURLs       map[string]struct{}
	ActionHistory     []schemas.ActionRecord
	CurrentHypothesis string
	OpenQuestions     []string
	Status            schemas.SessionStatus
	CreatedAt         time.Time
	LastActivity      time.Time
}

// Snapshot is a detached copy of a SessionMemory, safe to hand to other goroutines.
type Snapshot struct {
	ID                string
	Task              string
	Findings          []schemas.Finding
	VisitedURLs       []string
	ActionHistory     []schemas.ActionRecord
	CurrentHypothesis string
	OpenQuestions     []string
	Status            schemas.SessionStatus
	CreatedAt         time.Time
	LastActivity      time.Time
}

// NewFinding carries the inputs of AddFinding.
type NewFinding struct {
	Fact       string
	SourceURL  string
	GoalID     string
	Confidence float64
	Method     schemas.ExtractionMethod
	ElementRef string
	RawText    string
	Metadata   map[string]any
}

// NewAction carries the inputs of RecordAction.
type NewAction struct {
	ActionType string
	Params     map[string]any
	URLBefore  string
	URLAfter   string
	Success    bool
	Error      string
	GoalID     string
}

// entry guards one session. The store lock only protects the map itself, so
// sessions never contend with each other.
type entry struct {
	mu  sync.Mutex
	mem *SessionMemory
}

// Store is the process-local working memory, keyed by session id.
type Store struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time

	idleTTL  time.Duration
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStore creates an empty store. Sessions idle for longer than idleTTL are
// evicted by the janitor once Start is called; zero disables eviction.
func NewStore(logger *zap.Logger, idleTTL time.Duration) *Store {
	return &Store{
		logger:   logger.Named("memory"),
		sessions: make(map[string]*entry),
		now:      time.Now,
		idleTTL:  idleTTL,
		stopChan: make(chan struct{}),
	}
}

// CreateSession creates the memory for a session. Calling it again for a live
// session returns the existing memory unchanged.
func (s *Store) CreateSession(id, task string) Snapshot {
	s.mu.Lock()
	e, exists := s.sessions[id]
	if !exists {
		now := s.now()
		e = &entry{mem: &SessionMemory{
			ID:           id,
			Task:         task,
			VisitedURLs:  make(map[string]struct{}),
			Status:       schemas.SessionActive,
			CreatedAt:    now,
			LastActivity: now,
		}}
		s.sessions[id] = e
	}
	s.mu.Unlock()

	if !exists {
		s.logger.Debug("Session memory created.", zap.String("session_id", id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotOf(e.mem)
}

// EndSession destroys the memory of a session.
func (s *Store) EndSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Has reports whether the session exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *Store) get(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// read runs fn under the session lock. It reports false when the session is unknown.
func (s *Store) read(id string, fn func(m *SessionMemory)) bool {
	e := s.get(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.mem)
	return true
}

// mutate is read plus a lastActivity bump.
func (s *Store) mutate(id string, fn func(m *SessionMemory)) bool {
	return s.read(id, func(m *SessionMemory) {
		fn(m)
		m.LastActivity = s.now()
	})
}

// AddFinding appends a finding. Findings are never deduplicated. The second
// return value is false when the session does not exist.
func (s *Store) AddFinding(sessionID string, in NewFinding) (schemas.Finding, bool) {
	var out schemas.Finding
	ok := s.mutate(sessionID, func(m *SessionMemory) {
		method := in.Method
		if method == "" {
			method = schemas.MethodSnapshot
		}
		out = schemas.Finding{
			ID:         uuidNewString(),
			Fact:       in.Fact,
			SourceURL:  in.SourceURL,
			Method:     method,
			Confidence: clamp01(in.Confidence),
			Timestamp:  s.now(),
			GoalID:     in.GoalID,
			ElementRef: in.ElementRef,
			RawText:    in.RawText,
			Metadata:   in.Metadata,
		}
		m.Findings = append(m.Findings, out)
	})
	return out, ok
}

// Findings returns findings in append order, optionally filtered by goal
// (empty goalID means all goals) and minimum confidence.
func (s *Store) Findings(sessionID, goalID string, minConfidence float64) []schemas.Finding {
	var out []schemas.Finding
	s.read(sessionID, func(m *SessionMemory) {
		for _, f := range m.Findings {
			if goalID != "" && f.GoalID != goalID {
				continue
			}
			if f.Confidence < minConfidence {
				continue
			}
			out = append(out, f)
		}
	})
	return out
}

// RecordVisited adds the normalized URL to the visited set.
func (s *Store) RecordVisited(sessionID, url string) {
	key := NormalizeURL(url)
	if key == "" {
		return
	}
	s.mutate(sessionID, func(m *SessionMemory) {
		m.VisitedURLs[key] = struct{}{}
	})
}

// HasVisited reports whether the normalized URL was recorded for the session.
func (s *Store) HasVisited(sessionID, url string) bool {
	var visited bool
	key := NormalizeURL(url)
	s.read(sessionID, func(m *SessionMemory) {
		_, visited = m.VisitedURLs[key]
	})
	return visited
}

// RecordAction appends an action record.
func (s *Store) RecordAction(sessionID string, in NewAction) (schemas.ActionRecord, bool) {
	var rec schemas.ActionRecord
	ok := s.mutate(sessionID, func(m *SessionMemory) {
		rec = schemas.ActionRecord{
			ActionType: in.ActionType,
			Params:     in.Params,
			URLBefore:  in.URLBefore,
			URLAfter:   in.URLAfter,
			Timestamp:  s.now(),
			Success:    in.Success,
			Error:      in.Error,
			GoalID:     in.GoalID,
		}
		m.ActionHistory = append(m.ActionHistory, rec)
	})
	return rec, ok
}

// RecentActions returns the last limit actions, oldest first. A limit of zero
// or less returns the whole history.
func (s *Store) RecentActions(sessionID string, limit int) []schemas.ActionRecord {
	var out []schemas.ActionRecord
	s.read(sessionID, func(m *SessionMemory) {
		history := m.ActionHistory
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
		out = append(out, history...)
	})
	return out
}

// ActionCount returns the number of recorded actions.
func (s *Store) ActionCount(sessionID string) int {
	var n int
	s.read(sessionID, func(m *SessionMemory) { n = len(m.ActionHistory) })
	return n
}

func (s *Store) SetHypothesis(sessionID, hypothesis string) {
	s.mutate(sessionID, func(m *SessionMemory) { m.CurrentHypothesis = hypothesis })
}

func (s *Store) Hypothesis(sessionID string) string {
	var h string
	s.read(sessionID, func(m *SessionMemory) { h = m.CurrentHypothesis })
	return h
}

// AddOpenQuestion records a question once; repeated calls are no-ops.
func (s *Store) AddOpenQuestion(sessionID, question string) {
	question = strings.TrimSpace(question)
	if question == "" {
		return
	}
	s.mutate(sessionID, func(m *SessionMemory) {
		for _, q := range m.OpenQuestions {
			if q == question {
				return
			}
		}
		m.OpenQuestions = append(m.OpenQuestions, question)
	})
}

// ResolveQuestion removes a question. Resolving an unknown question is a no-op.
func (s *Store) ResolveQuestion(sessionID, question string) {
	question = strings.TrimSpace(question)
	s.mutate(sessionID, func(m *SessionMemory) {
		kept := m.OpenQuestions[:0]
		for _, q := range m.OpenQuestions {
			if q != question {
				kept = append(kept, q)
			}
		}
		m.OpenQuestions = kept
	})
}

func (s *Store) OpenQuestions(sessionID string) []string {
	var out []string
	s.read(sessionID, func(m *SessionMemory) { out = append(out, m.OpenQuestions...) })
	return out
}

func (s *Store) SetStatus(sessionID string, status schemas.SessionStatus) {
	s.mutate(sessionID, func(m *SessionMemory) { m.Status = status })
}

// Snapshot returns a detached copy of the session.
func (s *Store) Snapshot(sessionID string) (Snapshot, bool) {
	var out Snapshot
	ok := s.read(sessionID, func(m *SessionMemory) { out = snapshotOf(m) })
	return out, ok
}

func snapshotOf(m *SessionMemory) Snapshot {
	visited := make([]string, 0, len(m.VisitedURLs))
	for u := range m.VisitedURLs {
		visited = append(visited, u)
	}
	sort.Strings(visited)
	return Snapshot{
		ID:                m.ID,
		Task:              m.Task,
		Findings:          append([]schemas.Finding(nil), m.Findings...),
		VisitedURLs:       visited,
		ActionHistory:     append([]schemas.ActionRecord(nil), m.ActionHistory...),
		CurrentHypothesis: m.CurrentHypothesis,
		OpenQuestions:     append([]string(nil), m.OpenQuestions...),
		Status:            m.Status,
		CreatedAt:         m.CreatedAt,
		LastActivity:      m.LastActivity,
	}
}

// NormalizeURL strips the fragment and any trailing slash.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	return strings.TrimRight(u, "/")
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// -- Idle session eviction --

// Start launches the janitor that evicts abandoned sessions.
func (s *Store) Start() {
	if s.idleTTL <= 0 {
		return
	}
	s.wg.Add(1)
	go s.runJanitor()
}

func (s *Store) runJanitor() {
	defer s.wg.Done()
	interval := s.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeIdle()
		case <-s.stopChan:
			return
		}
	}
}

// purgeIdle drops sessions whose last activity is older than the idle TTL.
func (s *Store) purgeIdle() int {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		idle := e.mem.LastActivity.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			purged++
		}
	}
	if purged > 0 {
		s.logger.Info("Evicted idle sessions from working memory.", zap.Int("count", purged))
	}
	return purged
}

// Stop shuts down the janitor. It is safe to call multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
}
