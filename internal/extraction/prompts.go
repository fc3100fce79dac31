package extraction

import (
	"fmt"
	"strings"

	"github.com/solosway/webscout/api/schemas"
)

const extractionContract = `You are the extraction module of an autonomous web research agent.
Read the page snapshot and pull out facts that help achieve the current goal.

Confidence rubric (use it strictly):
- 1.0  exact figure or statement from an authoritative source on this page
- 0.8  clearly stated on the page but the source is secondary
- 0.6  stated but ambiguous, partial or possibly outdated
- 0.4  derived by combining several statements on the page
- 0.2  speculation or weak hint

Rules:
- Only report facts present on this page. Do not repeat facts listed under "Already known".
- "element_ref" is the [eN] ref of the element holding the fact, when there is one.
- "raw_text" is the exact page text the fact was read from.
- "goal_achievable" is true when the findings so far satisfy the goal's expected result.
- "should_continue" is false only when nothing more on this page or site is useful.

Respond with a single JSON object and nothing else:
{"findings": [{"fact": "...", "confidence": 0.8, "element_ref": "e12", "raw_text": "..."}],
 "goal_achievable": false, "should_continue": true, "reasoning": "...", "suggested_next_action": "..."}`

const relevanceContract = `You decide whether a web page is worth reading closely for a research goal.
Answer with a single JSON object and nothing else: {"answer": "yes"} or {"answer": "no"}.`

func extractionPrompt(goal schemas.SubGoal, currentURL, content string, known []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal.Description)
	if goal.ExpectedResult != "" {
		fmt.Fprintf(&b, "Expected result: %s\n", goal.ExpectedResult)
	}
	fmt.Fprintf(&b, "Current URL: %s\n", currentURL)

	b.WriteString("\nAlready known:\n")
	if len(known) == 0 {
		b.WriteString("(nothing yet)\n")
	}
	for _, fact := range known {
		fmt.Fprintf(&b, "- %s\n", fact)
	}

	b.WriteString("\nPage snapshot:\n")
	b.WriteString(content)
	return b.String()
}

func relevancePrompt(goal schemas.SubGoal, currentURL, content string) string {
	return fmt.Sprintf("Goal: %s\nURL: %s\n\nPage excerpt:\n%s\n\nDoes this page likely contain information for the goal?",
		goal.Description, currentURL, content)
}
