package memory

import (
	"fmt"
	"strings"
)

const (
	summaryMaxFindings = 25
	summaryMaxActions  = 5
)

// SummaryForPrompting renders the session state as context for a judgment
// call. The output is never parsed back. Unknown sessions render as "".
func (s *Store) SummaryForPrompting(sessionID string) string {
	var out string
	s.read(sessionID, func(m *SessionMemory) {
		var b strings.Builder
		b.WriteString("Task:\n")
		b.WriteString(m.Task)

		b.WriteString("\n\nFindings:\n")
		if len(m.Findings) == 0 {
			b.WriteString("(none yet)")
		} else {
			findings := m.Findings
			if len(findings) > summaryMaxFindings {
				fmt.Fprintf(&b, "(%d earlier findings omitted)\n", len(findings)-summaryMaxFindings)
				findings = findings[len(findings)-summaryMaxFindings:]
			}
			for _, f := range findings {
				fmt.Fprintf(&b, "- [%s] %s (confidence %.2f, source %s)\n", f.GoalID, f.Fact, f.Confidence, f.SourceURL)
			}
		}

		b.WriteString("\n\nCurrent hypothesis:\n")
		if strings.TrimSpace(m.CurrentHypothesis) == "" {
			b.WriteString("(none)")
		} else {
			b.WriteString(m.CurrentHypothesis)
		}

		if len(m.OpenQuestions) > 0 {
			b.WriteString("\n\nOpen questions:\n")
			for _, q := range m.OpenQuestions {
				fmt.Fprintf(&b, "- %s\n", q)
			}
		}

		if len(m.ActionHistory) > 0 {
			actions := m.ActionHistory
			if len(actions) > summaryMaxActions {
				actions = actions[len(actions)-summaryMaxActions:]
			}
			b.WriteString("\n\nRecent actions:\n")
			for _, a := range actions {
				status := "ok"
				if !a.Success {
					status = "failed"
					if a.Error != "" {
						status += ": " + a.Error
					}
				}
				fmt.Fprintf(&b, "- %s %v on %s (%s)\n", a.ActionType, a.Params, a.URLBefore, status)
			}
		}

		fmt.Fprintf(&b, "\nPages visited: %d", len(m.VisitedURLs))
		out = b.String()
	})
	return out
}
