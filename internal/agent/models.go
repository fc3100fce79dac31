package agent

import (
	"fmt"

	"github.com/solosway/webscout/api/schemas"
)

// ActionKind is the vocabulary of the navigator.
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionScroll   ActionKind = "scroll"
	ActionDone     ActionKind = "done" // The current goal needs no further browsing.
	// ActionBacktrack is issued by the loop itself, never by the navigator.
	ActionBacktrack ActionKind = "backtrack"
)

const defaultScrollAmount = 600

// Action is one concrete browser step plus the reasoning behind it.
type Action struct {
	Kind      ActionKind              `json:"action"`
	URL       string                  `json:"url,omitempty"`
	Ref       string                  `json:"ref,omitempty"`
	Text      string                  `json:"text,omitempty"`
	Submit    bool                    `json:"submit,omitempty"`
	Direction schemas.ScrollDirection `json:"direction,omitempty"`
	Amount    int                     `json:"amount,omitempty"`
	Reasoning string                  `json:"reasoning,omitempty"`
	// Fallback is set when the navigator could not be used and a default was chosen.
	Fallback bool `json:"fallback,omitempty"`
}

// Params returns the parameters recorded in the action history. Reasoning is
// left out so loop detection compares only what the driver was asked to do.
func (a Action) Params() map[string]any {
	switch a.Kind {
	case ActionNavigate, ActionBacktrack:
		return map[string]any{"url": a.URL}
	case ActionClick:
		return map[string]any{"ref": a.Ref}
	case ActionType:
		return map[string]any{"ref": a.Ref, "text": a.Text, "submit": a.Submit}
	case ActionScroll:
		return map[string]any{"direction": string(a.Direction), "amount": a.Amount}
	}
	return nil
}

func (a Action) String() string {
	switch a.Kind {
	case ActionNavigate, ActionBacktrack:
		return fmt.Sprintf("%s %s", a.Kind, a.URL)
	case ActionClick:
		return fmt.Sprintf("click [%s]", a.Ref)
	case ActionType:
		return fmt.Sprintf("type %q into [%s] (submit=%t)", a.Text, a.Ref, a.Submit)
	case ActionScroll:
		return fmt.Sprintf("scroll %s %d", a.Direction, a.Amount)
	}
	return string(a.Kind)
}

// ExecutionResult is the outcome of running one Action.
type ExecutionResult struct {
	Result    schemas.ActionResult
	Err       error
	ErrorCode ErrorCode
	URLBefore string
	URLAfter  string
}

// Success reports whether the driver carried the action out.
func (r ExecutionResult) Success() bool {
	return r.Err == nil && r.Result.Success
}

// ErrorText is the value stored in ActionRecord.Error.
func (r ExecutionResult) ErrorText() string {
	if r.Success() {
		return ""
	}
	msg := r.Result.Message
	if r.Err != nil {
		msg = r.Err.Error()
	}
	if r.ErrorCode == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", r.ErrorCode, msg)
}
