package synthesis

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
)

var (
	versusPattern  = regexp.MustCompile(`(?i)\s+(?:vs\.?|versus)\s+`)
	comparePattern = regexp.MustCompile(`(?i)\b(?:compare|comparing|(?:choose|decide|pick|difference)\s+between)\s+(.+?)\s+(?:and|with|to|or)\s+(.+)`)

	// Text before these markers is not part of the first option.
	optionLeads = []string{":", " between ", "compare "}
	// Text after these markers is not part of the last option.
	optionTails = []string{"?", ":", ",", ";", "!", " for ", " in terms of ", " regarding ", " on ", " based on "}
)

// DetectComparison reports the options of an explicit comparison task such as
// "Loft A vs Loft B" or "compare Postgres and MySQL for writes". At least two
// distinct options are required.
func DetectComparison(task string) ([]string, bool) {
	task = strings.TrimSpace(task)
	var raw []string
	if parts := versusPattern.Split(task, -1); len(parts) >= 2 {
		raw = parts
	} else if m := comparePattern.FindStringSubmatch(task); m != nil {
		raw = []string{m[1], m[2]}
	} else {
		return nil, false
	}

	raw[0] = cutLead(raw[0])
	raw[len(raw)-1] = cutTail(raw[len(raw)-1])

	var options []string
	seen := make(map[string]bool)
	for _, r := range raw {
		o := cleanOption(r)
		key := strings.ToLower(o)
		if o == "" || seen[key] {
			return nil, false
		}
		seen[key] = true
		options = append(options, o)
	}
	return options, len(options) >= 2
}

func cutLead(s string) string {
	lower := strings.ToLower(s)
	cut := 0
	for _, lead := range optionLeads {
		if i := strings.LastIndex(lower, lead); i >= 0 && i+len(lead) > cut {
			cut = i + len(lead)
		}
	}
	return s[cut:]
}

func cutTail(s string) string {
	lower := strings.ToLower(s)
	end := len(s)
	for _, tail := range optionTails {
		if i := strings.Index(lower, tail); i >= 0 && i < end {
			end = i
		}
	}
	return s[:end]
}

func cleanOption(s string) string {
	s = strings.Trim(strings.TrimSpace(s), ".?!\"'")
	for _, article := range []string{"the ", "a ", "an "} {
		if len(s) > len(article) && strings.EqualFold(s[:len(article)], article) {
			s = s[len(article):]
			break
		}
	}
	return strings.TrimSpace(s)
}

// GroupByOption assigns each finding to every option named in its fact or in
// the description of its goal. Options without findings are left out.
func GroupByOption(findings []schemas.Finding, goals []schemas.SubGoal, options []string) map[string][]schemas.Finding {
	descriptions := make(map[string]string, len(goals))
	for _, g := range goals {
		descriptions[g.ID] = g.Description
	}
	groups := make(map[string][]schemas.Finding)
	for _, f := range findings {
		text := strings.ToLower(f.Fact + "\n" + f.RawText + "\n" + descriptions[f.GoalID])
		for _, o := range options {
			if strings.Contains(text, strings.ToLower(o)) {
				groups[o] = append(groups[o], f)
			}
		}
	}
	return groups
}

// SynthesizeComparison answers a comparison task: the regular synthesis plus
// a verdict over the findings grouped per option. A winner is appended to the
// answer; an inconclusive comparison becomes a caveat.
func (s *Synthesizer) SynthesizeComparison(ctx context.Context, req Request, options []string) schemas.SynthesizedResult {
	result := s.Synthesize(ctx, req)
	if len(req.Findings) == 0 {
		return result
	}

	goals := append(append([]schemas.SubGoal(nil), req.CompletedGoals...), req.FailedGoals...)
	groups := GroupByOption(req.Findings, goals, options)
	cmp := s.ComparisonSynthesis(ctx, groups, []string{req.Task})

	if result.DataPoints == nil {
		result.DataPoints = map[string]any{}
	}
	result.DataPoints["comparison_options"] = strings.Join(options, ", ")
	result.DataPoints["comparison_verdict"] = string(cmp.Verdict)
	if cmp.Reasoning != "" {
		result.DataPoints["comparison_reasoning"] = cmp.Reasoning
	}
	for name, score := range cmp.Scores {
		result.DataPoints["comparison_score_"+name] = score
	}

	if cmp.Verdict == VerdictWinner {
		result.DataPoints["comparison_winner"] = cmp.Winner
		line := "Verdict: " + cmp.Winner
		if cmp.Reasoning != "" {
			line += ". " + cmp.Reasoning
		}
		result.Answer = strings.TrimSpace(result.Answer + "\n\n" + line)
	} else {
		c := "The comparison of " + strings.Join(options, " and ") + " was inconclusive"
		if cmp.Reasoning != "" {
			c += ": " + cmp.Reasoning
		}
		result.Caveats = appendUnique(result.Caveats, c)
	}

	s.logger.Info("Comparison judged.",
		zap.Strings("options", options),
		zap.String("verdict", string(cmp.Verdict)),
		zap.String("winner", cmp.Winner))
	return result
}
