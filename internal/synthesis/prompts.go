package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/solosway/webscout/api/schemas"
)

const synthesisContract = `You are the synthesis module of an autonomous web research agent.
Combine the findings gathered for each sub-goal into one answer to the original task.

Rules:
- Base the answer only on the findings listed. Do not add outside knowledge.
- Prefer findings with higher confidence when they conflict, and mention the conflict as a caveat.
- "confidence" is your confidence in the answer between 0 and 1.
- "caveats" lists gaps, conflicts and goals that could not be completed.
- "data_points" holds the key values of the answer as a flat object (for example {"average_value": "$420,000"}).

Respond with a single JSON object and nothing else:
{"answer": "...", "summary": "...", "confidence": 0.8, "caveats": ["..."], "data_points": {}}`

const comparisonContract = `You compare options for a research task using only the findings listed for each option.
Pick the option that best satisfies the criteria. If the findings do not clearly favour one option, answer "inconclusive".
"scores" maps each option name to a score between 0 and 1.

Respond with a single JSON object and nothing else:
{"winner": "<option name or inconclusive>", "reasoning": "...", "scores": {"<option>": 0.7}}`

const otherFindingsHeading = "Other findings"

// group is the findings of one goal, in plan order.
type group struct {
	heading  string
	findings []schemas.Finding
}

// groupByGoal orders completed goals, then failed goals, then any findings
// whose goal is not listed.
func groupByGoal(findings []schemas.Finding, completed, failed []schemas.SubGoal) []group {
	byGoal := make(map[string][]schemas.Finding)
	for _, f := range findings {
		byGoal[f.GoalID] = append(byGoal[f.GoalID], f)
	}

	var out []group
	seen := make(map[string]bool)
	add := func(g schemas.SubGoal, state string) {
		if seen[g.ID] {
			return
		}
		seen[g.ID] = true
		out = append(out, group{
			heading:  fmt.Sprintf("%s: %s (%s)", g.ID, g.Description, state),
			findings: byGoal[g.ID],
		})
	}
	for _, g := range completed {
		add(g, "completed")
	}
	for _, g := range failed {
		add(g, "failed")
	}

	var rest []string
	for id := range byGoal {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	var other []schemas.Finding
	for _, id := range rest {
		other = append(other, byGoal[id]...)
	}
	if len(other) > 0 {
		out = append(out, group{heading: otherFindingsHeading, findings: other})
	}
	return out
}

func synthesisPrompt(task string, groups []group) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original task: %s\n", task)
	for _, g := range groups {
		fmt.Fprintf(&b, "\n## %s\n", g.heading)
		if len(g.findings) == 0 {
			b.WriteString("(no findings)\n")
			continue
		}
		for _, f := range g.findings {
			writeFinding(&b, f)
		}
	}
	return b.String()
}

func comparisonPrompt(options map[string][]schemas.Finding, criteria []string) string {
	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Criteria:\n")
	if len(criteria) == 0 {
		b.WriteString("- overall fit for the task\n")
	}
	for _, c := range criteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	for _, name := range names {
		fmt.Fprintf(&b, "\n## Option: %s\n", name)
		if len(options[name]) == 0 {
			b.WriteString("(no findings)\n")
		}
		for _, f := range options[name] {
			writeFinding(&b, f)
		}
	}
	return b.String()
}

func writeFinding(b *strings.Builder, f schemas.Finding) {
	fmt.Fprintf(b, "- %s (confidence %.2f", f.Fact, f.Confidence)
	if f.SourceURL != "" {
		fmt.Fprintf(b, ", source %s", f.SourceURL)
	}
	b.WriteString(")\n")
}
