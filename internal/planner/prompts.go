package planner

import (
	"fmt"
	"strings"

	"github.com/solosway/webscout/api/schemas"
)

const decompositionContract = `You are the planning module of an autonomous web research agent.
Break the user's task into a short ordered list of sub-goals that a browser agent can work through one at a time.

Rules:
- Use between 1 and 6 goals. Prefer fewer, concrete goals.
- Each goal must be achievable by navigating, searching, reading or interacting with web pages.
- "dependencies" lists the ids of goals that must be completed first. Only reference ids defined in the same list.
- "expected_result" states what information the goal yields when it is done.

Respond with a single JSON object and nothing else:
{"goals": [{"id": "goal_1", "description": "...", "dependencies": [], "expected_result": "..."}]}`

func decompositionPrompt(task string) string {
	return fmt.Sprintf("Task:\n%s\n\nProduce the plan JSON.", task)
}

// replanTask builds the derived task handed back to decomposition when a plan
// is replaced.
func replanTask(task string, completed, remaining []schemas.SubGoal, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original task: %s\n", task)

	if len(completed) > 0 {
		b.WriteString("\nAlready completed (do not repeat):\n")
		for _, g := range completed {
			fmt.Fprintf(&b, "- %s", g.Description)
			if g.Result != "" {
				fmt.Fprintf(&b, " => %s", g.Result)
			}
			b.WriteByte('\n')
		}
	}

	if len(remaining) > 0 {
		b.WriteString("\nStill unresolved:\n")
		for _, g := range remaining {
			fmt.Fprintf(&b, "- %s", g.Description)
			if g.Status == schemas.GoalFailed && g.Result != "" {
				fmt.Fprintf(&b, " (failed: %s)", g.Result)
			}
			b.WriteByte('\n')
		}
	}

	if reason != "" {
		fmt.Fprintf(&b, "\nThe previous approach was abandoned because: %s\n", reason)
	}
	b.WriteString("\nPlan only the remaining work, using a different approach where the previous one failed.")
	return b.String()
}
