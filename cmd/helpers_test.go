package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/events"
)

// scriptedRunner answers every task with one action and a completed result.
type scriptedRunner struct {
	mu      sync.Mutex
	tasks   []string
	running int
	peak    int
	delay   time.Duration
	fail    map[string]error
	silent  bool // close the stream without a terminal event
}

func (r *scriptedRunner) RunSession(ctx context.Context, task, startingURL string, maxSteps int) (<-chan schemas.StepEvent, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	if err := r.fail[task]; err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
	r.mu.Unlock()

	id := fmt.Sprintf("sess-%d", len(task))
	ch := make(chan schemas.StepEvent, 4)
	go func() {
		defer close(ch)
		time.Sleep(r.delay)
		ch <- schemas.StepEvent{
			SessionID: id, Type: schemas.EventAction, Step: 1,
			Action: &schemas.ActionRecord{ActionType: "navigate", URLAfter: startingURL, Success: true},
		}
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
		if r.silent {
			return
		}
		ch <- schemas.StepEvent{
			SessionID: id, Type: schemas.EventComplete, Step: 1, Status: schemas.SessionCompleted,
			Result: &schemas.SynthesizedResult{
				Answer:     "Answer to " + task,
				Sources:    []string{"https://src.test/a"},
				Confidence: 0.8,
				Caveats:    []string{"Only one source"},
			},
		}
	}()
	return ch, nil
}

func (r *scriptedRunner) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tasks...)
}

// newTestBus returns a bus that copies every event into buf.
func newTestBus(t *testing.T, buf *bytes.Buffer) *events.Bus {
	t.Helper()
	bus := events.NewBus(zaptest.NewLogger(t), 16)
	bus.Attach(events.NewJSONLWriter(buf))
	return bus
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// executeRoot runs the full command tree with args.
func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

var errStartFailed = errors.New("browser unavailable")
