package reflection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/llmutil"
)

const reflectionContract = `You are the reflection module of an autonomous web research agent.
After every browser action you judge whether the agent is making progress on its current goal and recommend the next control action.

Suggested actions:
- "continue"  keep working on the goal from the current page
- "extract"   the current page holds information for the goal and should be read closely
- "backtrack" the last action led somewhere unhelpful; return to the previous page
- "replan"    the current approach cannot work; the plan must change
- "done"      the goal is achieved

Achievement rules:
- A goal asking for images, photos or floor plans is achieved once image findings have been captured and the page is an image search or gallery surface.
- A goal of the form "search for X" is achieved once the results page reflects the query X.
- A goal asking for a value is achieved only when a finding states that value.
- Never mark a goal achieved because the page merely looks related.

Respond with a single JSON object and nothing else:
{"on_track": true, "goal_achieved": false, "should_extract": false, "suggested_action": "continue",
 "reasoning": "...", "confidence": 0.7, "alternative_approach": "..."}`

const alternativeContract = `You help a stuck web research agent. Given the goal and the actions it already tried, suggest one concrete different approach.
Respond with a single JSON object and nothing else: {"alternative": "..."}`

const (
	pageAfterExcerpt  = 3000
	pageBeforeExcerpt = 800
)

func reflectionPrompt(step Step, summary, failureHint string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", step.Goal.Description)
	if step.Goal.ExpectedResult != "" {
		fmt.Fprintf(&b, "Expected result: %s\n", step.Goal.ExpectedResult)
	}

	fmt.Fprintf(&b, "\nAction taken: %s\n", describeAction(step.Action))
	fmt.Fprintf(&b, "Action succeeded: %t\n", step.Action.Success)
	if step.Action.Error != "" {
		fmt.Fprintf(&b, "Action error: %s\n", step.Action.Error)
	}
	fmt.Fprintf(&b, "URL before: %s\n", step.Action.URLBefore)
	fmt.Fprintf(&b, "URL after: %s\n", step.Action.URLAfter)
	fmt.Fprintf(&b, "URL changed: %t\n", urlChanged(step.Action))

	if step.VisionGoal {
		fmt.Fprintf(&b, "\nThis is a visual goal. Image findings captured so far: %d\n", step.ImageFindings)
	}
	if failureHint != "" {
		fmt.Fprintf(&b, "\nRecent actions have been failing. Consider: %s\n", failureHint)
	}

	b.WriteString("\nSession state:\n")
	b.WriteString(summary)

	if before := strings.TrimSpace(step.PageBefore); before != "" {
		b.WriteString("\n\nPage before the action (excerpt):\n")
		b.WriteString(llmutil.Truncate(before, pageBeforeExcerpt))
	}
	b.WriteString("\n\nPage after the action:\n")
	b.WriteString(llmutil.Truncate(strings.TrimSpace(step.PageAfter), pageAfterExcerpt))
	return b.String()
}

func alternativePrompt(goal schemas.SubGoal, attempted []schemas.ActionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nAlready tried:\n", goal.Description)
	if len(attempted) == 0 {
		b.WriteString("(nothing)\n")
	}
	for _, a := range attempted {
		status := "ok"
		if !a.Success {
			status = "failed"
			if a.Error != "" {
				status += ": " + a.Error
			}
		}
		fmt.Fprintf(&b, "- %s at %s (%s)\n", describeAction(a), a.URLBefore, status)
	}
	return b.String()
}

// describeAction renders an action as `type key=value ...` with sorted keys.
func describeAction(a schemas.ActionRecord) string {
	if len(a.Params) == 0 {
		return a.ActionType
	}
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{a.ActionType}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a.Params[k]))
	}
	return strings.Join(parts, " ")
}
