package schemas

import (
	"context"
)

// -- Judgment Service Schemas & Interface --

// ModelTier allows for selecting a language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions controls the text generation of a single judgment call.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // Asks the provider for a JSON-only response.
	MaxOutputTokens int     `json:"max_output_tokens"` // Zero leaves the provider default.
}

// GenerationRequest is one judgment call: a system contract describing the
// expected response shape plus the call-specific context.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient is the judgment service. The returned string is expected to be a
// JSON object matching the contract in the system prompt; callers must treat
// anything else as a recoverable error.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}

// -- Web-Automation Driver Interface --

// ScrollDirection is the direction of a scroll action.
type ScrollDirection string

const (
	ScrollDown ScrollDirection = "down"
	ScrollUp   ScrollDirection = "up"
)

// ActionResult is returned by every driver action.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	URL     string `json:"url"`
	Title   string `json:"title"`
}

// Driver performs page navigation and interaction for exactly one session.
// Implementations are not required to be safe for concurrent use.
type Driver interface {
	// Navigate loads the URL and returns the final location and title.
	Navigate(ctx context.Context, url string) (ActionResult, error)
	// Snapshot captures the current page state.
	Snapshot(ctx context.Context) (PageState, error)
	// Click activates the element identified by a snapshot ref (e.g. "e12") or a CSS selector.
	Click(ctx context.Context, ref string) (ActionResult, error)
	// Type enters text into the element and optionally submits it.
	Type(ctx context.Context, ref, text string, submit bool) (ActionResult, error)
	// Scroll moves the viewport by amount pixels.
	Scroll(ctx context.Context, direction ScrollDirection, amount int) (ActionResult, error)
	// CurrentURL returns the URL of the page the driver is on.
	CurrentURL() string
	Close() error
}

// DriverFactory creates a fresh driver for a new session.
type DriverFactory interface {
	NewDriver(ctx context.Context) (Driver, error)
}
