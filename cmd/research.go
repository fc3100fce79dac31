package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/config"
	"github.com/solosway/webscout/internal/events"
	"github.com/solosway/webscout/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sessionRunner starts research sessions. *agent.Runner implements it.
type sessionRunner interface {
	RunSession(ctx context.Context, task, startingURL string, maxSteps int) (<-chan schemas.StepEvent, error)
}

type researchOptions struct {
	StartURL string
	MaxSteps int
	JSON     bool
}

func newResearchCmd(provider componentsProvider) *cobra.Command {
	var opts researchOptions

	cmd := &cobra.Command{
		Use:   "research <task>",
		Short: "Research a question on the web and print the answer",
		Long: `Decomposes the task into goals, browses the web step by step while
extracting findings, and prints a synthesized answer with sources and caveats.
Step events go to the log and to the configured event sinks.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
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

			return runResearch(ctx, cmd.OutOrStdout(), comps.sessions, bus, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.StartURL, "url", "u", "", "Page to start from instead of a web search")
	cmd.Flags().IntVarP(&opts.MaxSteps, "max-steps", "n", 0, "Step budget (default from agent.max_steps)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print the result as JSON")
	return cmd
}

// newEventBus creates a bus with the log sink and every configured sink attached.
func newEventBus(cfg *config.Config, logger *zap.Logger) (*events.Bus, error) {
	bus := events.NewBus(logger, cfg.Agent.EventBuffer)
	bus.Attach(events.NewLogSink(logger))

	if path := cfg.Events.JSONLPath; path != "" {
		sink, err := events.NewJSONLSink(path)
		if err != nil {
			_ = bus.Shutdown()
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		bus.Attach(sink)
	}
	if nc := cfg.Events.NATS; nc.Enabled {
		sink, err := events.NewNATSSink(nc.URL, nc.SubjectPrefix, logger)
		if err != nil {
			_ = bus.Shutdown()
			return nil, fmt.Errorf("failed to connect event sink: %w", err)
		}
		bus.Attach(sink)
	}
	return bus, nil
}

func shutdownBus(bus *events.Bus, logger *zap.Logger) {
	if err := bus.Shutdown(); err != nil {
		logger.Warn("Event sinks did not close cleanly.", zap.Error(err))
	}
}

// runResearch runs one session to completion and prints its result.
func runResearch(ctx context.Context, out io.Writer, runner sessionRunner, bus *events.Bus, task string, opts researchOptions) error {
	final, err := research(ctx, runner, bus, task, opts.StartURL, opts.MaxSteps)
	if err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(out, resultView(final))
	}
	return printResult(out, final)
}

// research starts a session and forwards its events until it ends. Events
// emitted after ctx is cancelled still reach the sinks.
func research(ctx context.Context, runner sessionRunner, bus *events.Bus, task, startURL string, maxSteps int) (schemas.StepEvent, error) {
	stream, err := runner.RunSession(ctx, task, startURL, maxSteps)
	if err != nil {
		return schemas.StepEvent{}, fmt.Errorf("failed to start session: %w", err)
	}
	final, ok := bus.Forward(context.WithoutCancel(ctx), stream)
	if !ok || final.Result == nil {
		return schemas.StepEvent{}, errors.New("session ended without a result")
	}
	return final, nil
}

type resultJSON struct {
	SessionID string                    `json:"session_id"`
	Status    schemas.SessionStatus     `json:"status"`
	Steps     int                       `json:"steps"`
	Result    schemas.SynthesizedResult `json:"result"`
}

func resultView(ev schemas.StepEvent) resultJSON {
	v := resultJSON{SessionID: ev.SessionID, Status: ev.Status, Steps: ev.Step}
	if ev.Result != nil {
		v.Result = *ev.Result
	}
	return v
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func printResult(out io.Writer, ev schemas.StepEvent) error {
	var b strings.Builder
	res := ev.Result
	fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(res.Answer))
	fmt.Fprintf(&b, "Status:     %s (%d steps)\n", ev.Status, ev.Step)
	fmt.Fprintf(&b, "Confidence: %.2f\n", res.Confidence)
	if len(res.Sources) > 0 {
		b.WriteString("Sources:\n")
		for i, s := range res.Sources {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
		}
	}
	if len(res.Caveats) > 0 {
		b.WriteString("Caveats:\n")
		for _, c := range res.Caveats {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	fmt.Fprintf(&b, "Session:    %s\n", ev.SessionID)
	_, err := io.WriteString(out, b.String())
	return err
}
