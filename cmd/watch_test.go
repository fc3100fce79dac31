package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/events"
)

func writeEventLog(t *testing.T, evs ...schemas.StepEvent) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := events.NewJSONLSink(path)
	require.NoError(t, err)
	for _, ev := range evs {
		require.NoError(t, sink.Write(ev))
	}
	require.NoError(t, sink.Close())
	return path
}

func TestRunWatch_FiltersSession(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	path := writeEventLog(t,
		schemas.StepEvent{SessionID: "aaaa", Type: schemas.EventURLChange, Step: 1, URL: "https://a.test", Timestamp: ts},
		schemas.StepEvent{SessionID: "bbbb", Type: schemas.EventURLChange, Step: 1, URL: "https://b.test", Timestamp: ts},
		schemas.StepEvent{SessionID: "aaaa", Type: schemas.EventComplete, Step: 2, Status: schemas.SessionCompleted, Timestamp: ts,
			Result: &schemas.SynthesizedResult{Answer: "done", Confidence: 0.7}},
		schemas.StepEvent{SessionID: "aaaa", Type: schemas.EventURLChange, Step: 3, URL: "https://late.test", Timestamp: ts},
	)

	var out bytes.Buffer
	err := runWatch(context.Background(), &out, zaptest.NewLogger(t), watchOptions{File: path, SessionID: "aaaa"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2, "stops at the terminal event of the session")
	assert.Contains(t, lines[0], "https://a.test")
	assert.Contains(t, lines[1], "complete")
	assert.Contains(t, lines[1], "(confidence 0.70) done")
	assert.NotContains(t, out.String(), "b.test")
}

func TestRunWatch_SkipsMalformedLines(t *testing.T) {
	path := writeFile(t, "events.jsonl", "not json\n\n"+`{"session_id":"s","type":"url_change","step":1,"url":"https://x.test","timestamp":"2026-05-01T12:00:00Z"}`+"\n")

	var out bytes.Buffer
	require.NoError(t, runWatch(context.Background(), &out, zaptest.NewLogger(t), watchOptions{File: path}))
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "https://x.test")
}

func TestRunWatch_MissingFile(t *testing.T) {
	err := runWatch(context.Background(), &bytes.Buffer{}, zaptest.NewLogger(t), watchOptions{File: filepath.Join(t.TempDir(), "none.jsonl")})
	assert.Error(t, err)
}

func TestRunWatch_FollowStopsOnCancel(t *testing.T) {
	path := writeEventLog(t, schemas.StepEvent{SessionID: "s", Type: schemas.EventURLChange, URL: "https://x.test"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runWatch(ctx, &out, zaptest.NewLogger(t), watchOptions{File: path, Follow: true}))
	assert.Contains(t, out.String(), "https://x.test")
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   schemas.StepEvent
		want string
	}{
		{
			name: "failed action",
			ev: schemas.StepEvent{SessionID: "0123456789", Type: schemas.EventAction, Step: 3, GoalID: "goal_2",
				Action: &schemas.ActionRecord{ActionType: "click", URLAfter: "https://a.test", Error: "ELEMENT_NOT_FOUND: e4"}},
			want: "01234567 #3 action     [goal_2] click -> https://a.test (failed: ELEMENT_NOT_FOUND: e4)",
		},
		{
			name: "finding",
			ev:   schemas.StepEvent{SessionID: "s", Type: schemas.EventFinding, Step: 1, Finding: &schemas.Finding{Fact: "x is 1", Confidence: 0.9}},
			want: "s #1 finding    0.90 x is 1",
		},
		{
			name: "reflection",
			ev: schemas.StepEvent{SessionID: "s", Type: schemas.EventReflection, Step: 2,
				Reflection: &schemas.ReflectionNote{SuggestedAction: "replan", Trigger: "challenge", Reasoning: "captcha"}},
			want: "s #2 reflection replan via challenge: captcha",
		},
		{
			name: "error",
			ev:   schemas.StepEvent{SessionID: "s", Type: schemas.EventError, Step: 2, Error: &schemas.StepError{Code: "TIMEOUT_ERROR", Message: "slow"}},
			want: "s #2 error      TIMEOUT_ERROR: slow",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatEvent(tt.ev)
			// Drop the local clock prefix.
			_, rest, ok := strings.Cut(got, " ")
			require.True(t, ok)
			assert.Equal(t, tt.want, rest)
		})
	}
}
