package schemas

import (
	"time"
)

// -- Step Event Schemas --

// StepEventType identifies what a StepEvent reports.
type StepEventType string

const (
	EventAction     StepEventType = "action"
	EventURLChange  StepEventType = "url_change"
	EventFinding    StepEventType = "finding"
	EventReflection StepEventType = "reflection"
	EventError      StepEventType = "error"
	EventComplete   StepEventType = "complete" // Terminal. Carries the SynthesizedResult.
)

// AllStepEventTypes lists every event type in emission order of a typical step.
var AllStepEventTypes = []StepEventType{
	EventAction, EventURLChange, EventFinding, EventReflection, EventError, EventComplete,
}

// ReflectionNote is the serialisable view of one reflection verdict.
type ReflectionNote struct {
	OnTrack             bool    `json:"on_track" yaml:"on_track"`
	GoalAchieved        bool    `json:"goal_achieved" yaml:"goal_achieved"`
	ShouldExtract       bool    `json:"should_extract" yaml:"should_extract"`
	SuggestedAction     string  `json:"suggested_action" yaml:"suggested_action"`
	Reasoning           string  `json:"reasoning" yaml:"reasoning"`
	Confidence          float64 `json:"confidence" yaml:"confidence"`
	AlternativeApproach string  `json:"alternative_approach,omitempty" yaml:"alternative_approach,omitempty"`
	Trigger             string  `json:"trigger" yaml:"trigger"`
}

// StepError describes a non-fatal failure inside a step.
type StepError struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

// StepEvent is one entry of the stream produced by a research session. Exactly
// one payload field is set, matching Type.
type StepEvent struct {
	ID        string        `json:"id" yaml:"id"`
	SessionID string        `json:"session_id" yaml:"session_id"`
	Type      StepEventType `json:"type" yaml:"type"`
	Step      int           `json:"step" yaml:"step"`
	GoalID    string        `json:"goal_id,omitempty" yaml:"goal_id,omitempty"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`

	Action     *ActionRecord      `json:"action,omitempty" yaml:"action,omitempty"`
	URL        string             `json:"url,omitempty" yaml:"url,omitempty"`
	Finding    *Finding           `json:"finding,omitempty" yaml:"finding,omitempty"`
	Reflection *ReflectionNote    `json:"reflection,omitempty" yaml:"reflection,omitempty"`
	Error      *StepError         `json:"error,omitempty" yaml:"error,omitempty"`
	Result     *SynthesizedResult `json:"result,omitempty" yaml:"result,omitempty"`
	// Status is set on the complete event only.
	Status SessionStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// IsTerminal reports whether no further events follow this one.
func (e StepEvent) IsTerminal() bool {
	return e.Type == EventComplete
}
