package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/events"
	"github.com/solosway/webscout/internal/observability"
)

// batchFile is the document read by the batch command:
//
//	tasks:
//	  - task: What is the median home price in Austin?
//	    url: https://example.com/austin
//	    max_steps: 20
type batchFile struct {
	Tasks []batchTask `yaml:"tasks"`
}

type batchTask struct {
	Task     string `yaml:"task"`
	URL      string `yaml:"url"`
	MaxSteps int    `yaml:"max_steps"`
}

type batchResult struct {
	Task  string             `json:"task"`
	Final *resultJSON        `json:"session,omitempty"`
	Error string             `json:"error,omitempty"`
	event *schemas.StepEvent `json:"-"`
}

func newBatchCmd(provider componentsProvider) *cobra.Command {
	var (
		concurrency int
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "batch <tasks.yaml>",
		Short: "Run several independent research tasks in parallel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			tasks, err := loadBatchFile(args[0])
			if err != nil {
				return err
			}

			comps, err := provider(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Shutdown()

			bus, err := newEventBus(cfg, logger)
			if err != nil {
				return err
			}
			defer shutdownBus(bus, logger)

			return runBatch(ctx, cmd.OutOrStdout(), comps.sessions, bus, tasks, concurrency, jsonOut)
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 2, "Sessions to run at once")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the results as JSON")
	return cmd
}

func loadBatchFile(path string) ([]batchTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse batch file %s: %w", path, err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("batch file %s has no tasks", path)
	}
	for i, t := range f.Tasks {
		if strings.TrimSpace(t.Task) == "" {
			return nil, fmt.Errorf("batch file %s: task %d is empty", path, i+1)
		}
	}
	return f.Tasks, nil
}

// runBatch runs every task, at most concurrency at a time, and prints the
// results in input order. A task that fails to start does not stop the others.
func runBatch(ctx context.Context, out io.Writer, runner sessionRunner, bus *events.Bus, tasks []batchTask, concurrency int, jsonOut bool) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]batchResult, len(tasks))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, t := range tasks {
		results[i].Task = t.Task
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i].Error = "not started: " + context.Cause(ctx).Error()
				return nil
			}
			final, err := research(ctx, runner, bus, t.Task, t.URL, t.MaxSteps)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			view := resultView(final)
			results[i].Final = &view
			results[i].event = &final
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, r := range results {
		if r.Error != "" {
			errs = append(errs, fmt.Errorf("task %d: %s", i+1, r.Error))
		}
	}

	if jsonOut {
		if err := printJSON(out, results); err != nil {
			return err
		}
		return errors.Join(errs...)
	}
	for i, r := range results {
		fmt.Fprintf(out, "[%d] %s\n", i+1, r.Task)
		if r.event == nil {
			fmt.Fprintf(out, "    error: %s\n\n", r.Error)
			continue
		}
		res := r.event.Result
		fmt.Fprintf(out, "    %s (confidence %.2f, session %s)\n", r.event.Status, res.Confidence, r.event.SessionID)
		fmt.Fprintf(out, "    %s\n\n", strings.Join(strings.Fields(res.Answer), " "))
	}
	return errors.Join(errs...)
}
