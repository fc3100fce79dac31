package agent

import (
	"fmt"
	"strings"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/llmutil"
)

const maxPageChars = 12000

const navigatorContract = `You are the navigation module of an autonomous web research agent.
You see the current page as a structured snapshot. Interactive elements are listed as [ref] role "label".
Choose exactly one next browser action that makes progress on the current goal.

Actions:
- "navigate": load "url" (absolute http or https URL).
- "click": activate the element "ref" from the snapshot.
- "type": enter "text" into the element "ref"; set "submit" to true to press Enter afterwards.
- "scroll": move the page; "direction" is "down" or "up", "amount" is pixels.
- "done": the goal needs no further browsing (the page already answers it or it cannot be answered).

Only use refs that appear in the snapshot. Do not repeat an action that already failed.

Respond with a single JSON object and nothing else:
{"action": "click", "url": "", "ref": "e4", "text": "", "submit": false, "direction": "", "amount": 0, "reasoning": "..."}`

func navigatorPrompt(goal schemas.SubGoal, page schemas.PageState, summary, hint string, recent []schemas.ActionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current goal (%s): %s\n", goal.ID, goal.Description)
	if goal.ExpectedResult != "" {
		fmt.Fprintf(&b, "Expected result: %s\n", goal.ExpectedResult)
	}
	if hint != "" {
		fmt.Fprintf(&b, "Suggested approach: %s\n", hint)
	}

	if summary != "" {
		b.WriteString("\nSession so far:\n")
		b.WriteString(summary)
		b.WriteByte('\n')
	}

	if len(recent) > 0 {
		b.WriteString("\nRecent actions:\n")
		for _, a := range recent {
			status := "ok"
			if !a.Success {
				status = "failed: " + a.Error
			}
			fmt.Fprintf(&b, "- %s %v (%s)\n", a.ActionType, a.Params, status)
		}
	}

	b.WriteString("\nCurrent page:\n")
	if page.IsBlank() {
		b.WriteString("(no page loaded yet)\n")
	} else {
		b.WriteString(llmutil.Truncate(page.Render(), maxPageChars))
	}
	b.WriteString("\nChoose the next action JSON.")
	return b.String()
}
