package extraction

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// verdict is the outcome of the cheap pre-extraction triage.
type verdict int

const (
	verdictSkip verdict = iota
	verdictExtract
	verdictAmbiguous
)

func (v verdict) String() string {
	switch v {
	case verdictSkip:
		return "skip"
	case verdictExtract:
		return "extract"
	}
	return "ambiguous"
}

var extractVerbs = []string{
	"extract", "find", "get", "list", "identify", "determine", "collect",
	"gather", "retrieve", "look up", "lookup", "compare", "check",
}

var visualTerms = []string{
	"image", "photo", "picture", "floor plan", "floorplan", "gallery",
	"screenshot", "look like", "looks like",
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "that": true,
	"this": true, "what": true, "which": true, "where": true, "when": true, "who": true,
	"how": true, "are": true, "was": true, "were": true, "has": true, "have": true,
	"into": true, "about": true, "page": true, "site": true, "website": true, "web": true,
	"search": true, "results": true, "information": true, "info": true, "details": true,
	"out": true, "its": true, "their": true, "any": true, "all": true, "most": true,
}

var searchResultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|\.)google\.[a-z.]+/search`),
	regexp.MustCompile(`(^|\.)bing\.com/search`),
	regexp.MustCompile(`duckduckgo\.com/.*[?&]q=`),
	regexp.MustCompile(`search\.yahoo\.com/`),
	regexp.MustCompile(`[?&](q|query|search|keywords?)=`),
	regexp.MustCompile(`/search(/|\?|$)`),
}

// keywords returns the distinct meaningful words of a goal description.
func keywords(text string) []string {
	var out []string
	seen := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range fields {
		if len(w) < 3 || stopwords[w] || seen[w] || isExtractVerb(w) {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func isExtractVerb(w string) bool {
	for _, v := range extractVerbs {
		if w == v {
			return true
		}
	}
	return false
}

func hasExtractVerb(goal string) bool {
	lower := " " + strings.ToLower(goal) + " "
	for _, v := range extractVerbs {
		if strings.Contains(lower, " "+v+" ") {
			return true
		}
	}
	return false
}

// IsVisualGoal reports whether a goal asks for imagery.
func IsVisualGoal(goal string) bool {
	lower := strings.ToLower(goal)
	for _, term := range visualTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// IsSearchResultsURL reports whether the URL looks like a search engine results page.
func IsSearchResultsURL(raw string) bool {
	lower := strings.ToLower(raw)
	for _, p := range searchResultPatterns {
		if p.MatchString(lower) {
			return true
		}
	}
	return false
}

// urlOverlap counts goal keywords that appear in the URL's host, path or query.
func urlOverlap(goalKeywords []string, raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	haystack := strings.ToLower(u.Host + " " + u.Path + " " + u.RawQuery)
	if unescaped, err := url.QueryUnescape(haystack); err == nil {
		haystack = unescaped
	}
	n := 0
	for _, k := range goalKeywords {
		if strings.Contains(haystack, k) {
			n++
		}
	}
	return n
}

// triage applies the cheap checks in order. Only verdictAmbiguous needs a judgment call.
func triage(content, goal, currentURL string, minContentLength int) verdict {
	if len(strings.TrimSpace(content)) < minContentLength {
		return verdictSkip
	}
	verb := hasExtractVerb(goal)
	search := IsSearchResultsURL(currentURL)
	overlap := urlOverlap(keywords(goal), currentURL)

	switch {
	case verb && (overlap > 0 || search):
		return verdictExtract
	case overlap >= 2:
		return verdictExtract
	case !verb && overlap == 0 && !search:
		return verdictSkip
	}
	return verdictAmbiguous
}

// normalizeText lowercases and collapses whitespace for substring checks.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
