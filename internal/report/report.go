// Package report renders archived research sessions for people and tools.
package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/solosway/webscout/internal/archive"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format is an output format of Render.
type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatXML      Format = "xml"
	FormatMarkdown Format = "markdown"
)

// Formats lists the supported formats.
var Formats = []Format{FormatJSON, FormatYAML, FormatXML, FormatMarkdown}

// ParseFormat accepts a format name or a common alias.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "xml":
		return FormatXML, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unsupported output format: %s", s)
}

// Render serializes one session record.
func Render(rec archive.Record, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		b, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode json report: %w", err)
		}
		return append(b, '\n'), nil
	case FormatYAML:
		b, err := yaml.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode yaml report: %w", err)
		}
		return b, nil
	case FormatXML:
		return renderXML(rec)
	case FormatMarkdown:
		return []byte(renderMarkdown(rec)), nil
	}
	return nil, fmt.Errorf("unsupported output format: %s", format)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func confidence(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func renderXML(rec archive.Record) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("session")
	root.CreateAttr("id", rec.SessionID)
	root.CreateAttr("status", string(rec.Status))
	root.CreateElement("task").SetText(rec.Task)
	if rec.StartingURL != "" {
		root.CreateElement("starting-url").SetText(rec.StartingURL)
	}
	root.CreateElement("created-at").SetText(stamp(rec.CreatedAt))
	root.CreateElement("finished-at").SetText(stamp(rec.FinishedAt))
	stats := root.CreateElement("stats")
	stats.CreateAttr("steps", strconv.Itoa(rec.Steps))
	stats.CreateAttr("replans", strconv.Itoa(rec.Replans))
	stats.CreateAttr("progress", confidence(rec.ProgressScore))

	result := root.CreateElement("result")
	result.CreateAttr("confidence", confidence(rec.Result.Confidence))
	result.CreateElement("answer").SetText(rec.Result.Answer)
	if rec.Result.Summary != "" {
		result.CreateElement("summary").SetText(rec.Result.Summary)
	}
	sources := result.CreateElement("sources")
	for _, s := range rec.Result.Sources {
		sources.CreateElement("source").SetText(s)
	}
	caveats := result.CreateElement("caveats")
	for _, c := range rec.Result.Caveats {
		caveats.CreateElement("caveat").SetText(c)
	}
	if len(rec.Result.DataPoints) > 0 {
		points := result.CreateElement("data-points")
		for _, k := range sortedKeys(rec.Result.DataPoints) {
			p := points.CreateElement("data-point")
			p.CreateAttr("name", k)
			p.SetText(fmt.Sprint(rec.Result.DataPoints[k]))
		}
	}

	goals := root.CreateElement("goals")
	for _, g := range rec.Goals {
		el := goals.CreateElement("goal")
		el.CreateAttr("id", g.ID)
		el.CreateAttr("status", string(g.Status))
		if len(g.Dependencies) > 0 {
			el.CreateAttr("depends-on", strings.Join(g.Dependencies, " "))
		}
		el.CreateElement("description").SetText(g.Description)
		if g.Result != "" {
			el.CreateElement("result").SetText(g.Result)
		}
	}

	findings := root.CreateElement("findings")
	for _, f := range rec.Findings {
		el := findings.CreateElement("finding")
		el.CreateAttr("id", f.ID)
		el.CreateAttr("goal", f.GoalID)
		el.CreateAttr("method", string(f.Method))
		el.CreateAttr("confidence", confidence(f.Confidence))
		el.CreateElement("fact").SetText(f.Fact)
		el.CreateElement("source").SetText(f.SourceURL)
	}

	actions := root.CreateElement("actions")
	for _, a := range rec.Actions {
		el := actions.CreateElement("action")
		el.CreateAttr("type", a.ActionType)
		el.CreateAttr("success", strconv.FormatBool(a.Success))
		if a.GoalID != "" {
			el.CreateAttr("goal", a.GoalID)
		}
		el.CreateAttr("from", a.URLBefore)
		el.CreateAttr("to", a.URLAfter)
		if a.Error != "" {
			el.SetText(a.Error)
		}
	}

	if len(rec.OpenQuestions) > 0 {
		qs := root.CreateElement("open-questions")
		for _, q := range rec.OpenQuestions {
			qs.CreateElement("question").SetText(q)
		}
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode xml report: %w", err)
	}
	return out, nil
}

func renderMarkdown(rec archive.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", oneLine(rec.Task))
	fmt.Fprintf(&b, "- Session: `%s`\n", rec.SessionID)
	fmt.Fprintf(&b, "- Status: %s\n", rec.Status)
	if rec.StartingURL != "" {
		fmt.Fprintf(&b, "- Starting URL: %s\n", rec.StartingURL)
	}
	if !rec.CreatedAt.IsZero() && !rec.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "- Duration: %s\n", rec.FinishedAt.Sub(rec.CreatedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "- Steps: %d, replans: %d\n", rec.Steps, rec.Replans)
	fmt.Fprintf(&b, "- Confidence: %s\n", confidence(rec.Result.Confidence))

	b.WriteString("\n## Answer\n\n")
	b.WriteString(strings.TrimSpace(rec.Result.Answer))
	b.WriteString("\n")
	if rec.Result.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(rec.Result.Summary))
	}

	if len(rec.Result.Caveats) > 0 {
		b.WriteString("\n## Caveats\n\n")
		for _, c := range rec.Result.Caveats {
			fmt.Fprintf(&b, "- %s\n", oneLine(c))
		}
	}

	if len(rec.Result.Sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for i, s := range rec.Result.Sources {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}

	if len(rec.Goals) > 0 {
		b.WriteString("\n## Goals\n\n| ID | Status | Description | Result |\n|---|---|---|---|\n")
		for _, g := range rec.Goals {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", g.ID, g.Status, cell(g.Description), cell(g.Result))
		}
	}

	if len(rec.Findings) > 0 {
		b.WriteString("\n## Findings\n\n| Goal | Confidence | Fact | Source |\n|---|---|---|---|\n")
		for _, f := range rec.Findings {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", f.GoalID, confidence(f.Confidence), cell(f.Fact), cell(f.SourceURL))
		}
	}

	if len(rec.OpenQuestions) > 0 {
		b.WriteString("\n## Open questions\n\n")
		for _, q := range rec.OpenQuestions {
			fmt.Fprintf(&b, "- %s\n", oneLine(q))
		}
	}

	if len(rec.Actions) > 0 {
		b.WriteString("\n## Actions\n\n")
		for i, a := range rec.Actions {
			mark := "ok"
			if !a.Success {
				mark = "failed"
				if a.Error != "" {
					mark += ": " + oneLine(a.Error)
				}
			}
			fmt.Fprintf(&b, "%d. `%s` %s -> %s (%s)\n", i+1, a.ActionType, a.URLBefore, a.URLAfter, mark)
		}
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cell(s string) string {
	return strings.ReplaceAll(oneLine(s), "|", `\|`)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
