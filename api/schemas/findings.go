package schemas

import (
	"time"
)

// -- Plan Schemas --

// GoalStatus is the lifecycle state of a SubGoal.
type GoalStatus string

const (
	GoalPending    GoalStatus = "pending"     // Waiting on dependencies or on its turn.
	GoalInProgress GoalStatus = "in_progress" // Currently being worked by the control loop.
	GoalCompleted  GoalStatus = "completed"   // Terminal: the expected result was obtained.
	GoalFailed     GoalStatus = "failed"      // Terminal: abandoned with a reason.
)

// IsTerminal reports whether the status can no longer change outside of a replan.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalCompleted || s == GoalFailed
}

// SubGoal is one unit of planned work with explicit dependencies on other goals
// of the same plan.
type SubGoal struct {
	ID             string     `json:"id" yaml:"id"`
	Description    string     `json:"description" yaml:"description"`
	ExpectedResult string     `json:"expected_result" yaml:"expected_result"`
	Status         GoalStatus `json:"status" yaml:"status"`
	Dependencies   []string   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Result         string     `json:"result,omitempty" yaml:"result,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a plan.
func (g SubGoal) Clone() SubGoal {
	out := g
	if g.Dependencies != nil {
		out.Dependencies = append([]string(nil), g.Dependencies...)
	}
	if g.StartedAt != nil {
		t := *g.StartedAt
		out.StartedAt = &t
	}
	if g.CompletedAt != nil {
		t := *g.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// -- Finding Schemas --

// ExtractionMethod records how a fact was obtained.
type ExtractionMethod string

const (
	MethodSnapshot     ExtractionMethod = "snapshot"      // Read from the page-structure snapshot.
	MethodVision       ExtractionMethod = "vision"        // Visual-text recognition over imagery.
	MethodRawText      ExtractionMethod = "raw_text"      // Read from the raw page text.
	MethodUserProvided ExtractionMethod = "user_provided" // Supplied by the operator.
	MethodInferred     ExtractionMethod = "inferred"      // Derived from other findings.
)

// Finding is a single extracted fact with provenance and confidence. Findings are
// append-only and never mutated after creation.
type Finding struct {
	ID         string           `json:"id" yaml:"id"`
	Fact       string           `json:"fact" yaml:"fact"`
	SourceURL  string           `json:"source_url" yaml:"source_url"`
	Method     ExtractionMethod `json:"extraction_method" yaml:"extraction_method"`
	Confidence float64          `json:"confidence" yaml:"confidence"`
	Timestamp  time.Time        `json:"timestamp" yaml:"timestamp"`
	GoalID     string           `json:"goal_id" yaml:"goal_id"`
	ElementRef string           `json:"element_ref,omitempty" yaml:"element_ref,omitempty"`
	RawText    string           `json:"raw_text,omitempty" yaml:"raw_text,omitempty"`
	// Metadata carries structured payloads such as image descriptors.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// -- Action Schemas --

// ActionRecord is the log entry for one driver action.
type ActionRecord struct {
	ActionType string         `json:"action_type" yaml:"action_type"`
	Params     map[string]any `json:"action_params,omitempty" yaml:"action_params,omitempty"`
	URLBefore  string         `json:"url_before" yaml:"url_before"`
	URLAfter   string         `json:"url_after" yaml:"url_after"`
	Timestamp  time.Time      `json:"timestamp" yaml:"timestamp"`
	Success    bool           `json:"success" yaml:"success"`
	Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
	GoalID     string         `json:"goal_id,omitempty" yaml:"goal_id,omitempty"`
}

// -- Result Schemas --

// SynthesizedResult is the final answer of a research session.
type SynthesizedResult struct {
	Answer     string         `json:"answer" yaml:"answer"`
	Summary    string         `json:"summary" yaml:"summary"`
	Sources    []string       `json:"sources" yaml:"sources"`
	Confidence float64        `json:"confidence" yaml:"confidence"`
	Caveats    []string       `json:"caveats" yaml:"caveats"`
	DataPoints map[string]any `json:"data_points,omitempty" yaml:"data_points,omitempty"`
}

// SessionStatus is the lifecycle state of a research session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionTimeout   SessionStatus = "timeout"
)
