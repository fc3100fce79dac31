package reflection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/memory"
)

var challengeURLPatterns = []string{
	"/sorry/",
	"captcha",
	"recaptcha",
	"hcaptcha",
	"/challenge",
	"cf-chl",
	"cdn-cgi/challenge-platform",
	"/checkpoint/",
	"/blocked",
}

var challengeTextPatterns = []string{
	"unusual traffic",
	"verify you are human",
	"verify that you are human",
	"i'm not a robot",
	"i am not a robot",
	"are you a robot",
	"checking your browser",
	"complete the security check",
	"press and hold",
	"enable javascript and cookies to continue",
	"request unsuccessful. incapsula",
}

// actionSignature normalizes an action for loop comparison: lower-cased type
// and params, keys sorted.
func actionSignature(a schemas.ActionRecord) string {
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)

	lowered := make(map[string]any, len(a.Params))
	for k, v := range a.Params {
		lowered[strings.ToLower(k)] = v
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(a.ActionType)))
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, strings.ToLower(strings.TrimSpace(fmt.Sprint(lowered[k]))))
	}
	return b.String()
}

func urlChanged(a schemas.ActionRecord) bool {
	return memory.NormalizeURL(a.URLBefore) != memory.NormalizeURL(a.URLAfter)
}

// countRepeats counts how many of prior match the signature of current.
func countRepeats(current schemas.ActionRecord, prior []schemas.ActionRecord) int {
	sig := actionSignature(current)
	n := 0
	for _, p := range prior {
		if actionSignature(p) == sig {
			n++
		}
	}
	return n
}

// stuck reports whether the window shows no movement: the URL never changed
// or every action failed.
func stuck(window []schemas.ActionRecord) (bool, string) {
	if len(window) == 0 {
		return false, ""
	}
	unchanged, failed := true, true
	for _, a := range window {
		if urlChanged(a) {
			unchanged = false
		}
		if a.Success {
			failed = false
		}
	}
	switch {
	case failed:
		return true, fmt.Sprintf("the last %d actions all failed", len(window))
	case unchanged:
		return true, fmt.Sprintf("the URL did not change over the last %d actions", len(window))
	}
	return false, ""
}

func failureCount(window []schemas.ActionRecord) int {
	n := 0
	for _, a := range window {
		if !a.Success {
			n++
		}
	}
	return n
}

// heuristicAlternative returns a targeted suggestion for a failing action
// type, or "" when there is none.
func heuristicAlternative(actionType string) string {
	switch strings.ToLower(actionType) {
	case "click":
		return "Clicking is not working. Try typing the query into a search field instead, or choose a different element."
	case "type":
		return "Typing had no effect. Wait for the page to finish loading, or navigate directly to a results URL."
	case "navigate":
		return "Navigation is not making progress. Try an alternate source for the same information, such as another site or a search engine."
	}
	return ""
}

func lastOf(history []schemas.ActionRecord, n int) []schemas.ActionRecord {
	if n > 0 && len(history) > n {
		return history[len(history)-n:]
	}
	return history
}
