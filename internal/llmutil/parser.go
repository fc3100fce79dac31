// Package llmutil decodes structured judgment responses. Models wrap JSON in
// markdown fences or chatter around it; everything here tolerates that and
// reports anything else as a parse failure the caller recovers from.
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"
)

var (
	// \x60 is a backtick; raw strings cannot hold one.
	fencedObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*({.*})\\s*\x60\x60\x60")
	fencedArrayRegex  = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

var jsonAPI = json.ConfigCompatibleWithStandardLibrary

// ErrEmptyResponse is returned when the judgment service answered with nothing.
var ErrEmptyResponse = errors.New("empty judgment response")

// ParseJSONResponse parses a judgment response into T.
func ParseJSONResponse[T any](response string) (*T, error) {
	candidate, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}
	var result T
	if err := jsonAPI.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal judgment JSON: %w. Extracted JSON (truncated): %s", err, Truncate(candidate, 500))
	}
	return &result, nil
}

// ExtractJSON isolates the JSON object or array inside a response.
func ExtractJSON(response string) (string, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return "", ErrEmptyResponse
	}

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = fencedObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = fencedArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			return matches[1], nil
		}
		return response, nil
	}

	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response, nil
	}

	// Structure embedded in conversational text; whichever opener comes first wins.
	objStart, arrStart := strings.Index(response, "{"), strings.Index(response, "[")
	if isArray && (!isObject || arrStart < objStart) {
		if lb := strings.LastIndex(response, "]"); lb > arrStart {
			return response[arrStart : lb+1], nil
		}
	}
	if isObject {
		if lb := strings.LastIndex(response, "}"); lb > objStart {
			return response[objStart : lb+1], nil
		}
	}
	return response, nil
}

// Outcome is the typed result of decoding one judgment response. Either Value
// holds a decoded response, or Err explains why decoding failed.
type Outcome[T any] struct {
	Value T
	Err   error
	Raw   string
}

// Parsed reports whether the response decoded.
func (o Outcome[T]) Parsed() bool { return o.Err == nil }

// Decode turns a raw response into an Outcome. A non-nil callErr (the
// judgment call itself failed) is carried as the failure reason.
func Decode[T any](raw string, callErr error) Outcome[T] {
	if callErr != nil {
		return Outcome[T]{Err: fmt.Errorf("judgment call failed: %w", callErr), Raw: raw}
	}
	v, err := ParseJSONResponse[T](raw)
	if err != nil {
		return Outcome[T]{Err: err, Raw: raw}
	}
	return Outcome[T]{Value: *v, Raw: raw}
}

// ParseFailed builds the failed variant explicitly, e.g. when a decoded value
// does not pass validation.
func ParseFailed[T any](raw string, err error) Outcome[T] {
	return Outcome[T]{Err: err, Raw: raw}
}

// Truncate shortens s to at most maxRunes runes, appending "..." when cut.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

// Clamp01 bounds a model-reported score to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ParseYesNo reads a yes/no judgment. It accepts {"answer": "yes"},
// {"answer": true} or a bare yes/no word.
func ParseYesNo(raw string) (bool, error) {
	type yesNo struct {
		Answer any `json:"answer"`
	}
	if v, err := ParseJSONResponse[yesNo](raw); err == nil {
		switch a := v.Answer.(type) {
		case bool:
			return a, nil
		case string:
			return parseYesNoWord(a)
		}
	}
	return parseYesNoWord(raw)
}

func parseYesNoWord(s string) (bool, error) {
	word := strings.ToLower(strings.Trim(strings.TrimSpace(s), `."'!`))
	switch word {
	case "yes", "y", "true":
		return true, nil
	case "no", "n", "false":
		return false, nil
	}
	return false, fmt.Errorf("not a yes/no answer: %q", Truncate(s, 80))
}
