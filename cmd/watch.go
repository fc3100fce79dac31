package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/events"
	"github.com/solosway/webscout/internal/observability"
)

type watchOptions struct {
	File      string
	SessionID string
	Follow    bool
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the step event log of running sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if opts.File == "" {
				opts.File = cfg.Events.JSONLPath
			}
			if opts.File == "" {
				return errors.New("no event log configured (set events.jsonl_path or pass --file)")
			}
			return runWatch(ctx, cmd.OutOrStdout(), observability.GetLogger(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "Event log to read (default events.jsonl_path)")
	cmd.Flags().StringVarP(&opts.SessionID, "session", "s", "", "Only show events of this session and stop when it completes")
	cmd.Flags().BoolVar(&opts.Follow, "follow", true, "Keep waiting for new events")
	return cmd
}

// runWatch prints the events of the log until ctx is done or, without
// follow, the end of the file is reached.
func runWatch(ctx context.Context, out io.Writer, logger *zap.Logger, opts watchOptions) error {
	t, err := tail.TailFile(opts.File, tail.Config{
		Follow:    opts.Follow,
		ReOpen:    opts.Follow,
		MustExist: !opts.Follow,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				logger.Warn("Error reading event log.", zap.Error(line.Err))
				continue
			}
			if strings.TrimSpace(line.Text) == "" {
				continue
			}
			ev, err := events.DecodeLine(line.Text)
			if err != nil {
				logger.Debug("Skipping malformed event line.", zap.Error(err))
				continue
			}
			if opts.SessionID != "" && ev.SessionID != opts.SessionID {
				continue
			}
			if _, err := fmt.Fprintln(out, formatEvent(ev)); err != nil {
				return err
			}
			if opts.SessionID != "" && ev.IsTerminal() {
				return nil
			}
		}
	}
}

// formatEvent renders one event as a single console line.
func formatEvent(ev schemas.StepEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s #%d %-10s", ev.Timestamp.Local().Format("15:04:05"), shortID(ev.SessionID), ev.Step, ev.Type)
	if ev.GoalID != "" {
		fmt.Fprintf(&b, " [%s]", ev.GoalID)
	}

	switch ev.Type {
	case schemas.EventAction:
		if a := ev.Action; a != nil {
			state := "ok"
			if !a.Success {
				state = "failed: " + a.Error
			}
			fmt.Fprintf(&b, " %s -> %s (%s)", a.ActionType, a.URLAfter, state)
		}
	case schemas.EventURLChange:
		b.WriteString(" " + ev.URL)
	case schemas.EventFinding:
		if f := ev.Finding; f != nil {
			fmt.Fprintf(&b, " %.2f %s", f.Confidence, f.Fact)
		}
	case schemas.EventReflection:
		if r := ev.Reflection; r != nil {
			fmt.Fprintf(&b, " %s via %s: %s", r.SuggestedAction, r.Trigger, r.Reasoning)
		}
	case schemas.EventError:
		if e := ev.Error; e != nil {
			fmt.Fprintf(&b, " %s: %s", e.Code, e.Message)
		}
	case schemas.EventComplete:
		fmt.Fprintf(&b, " %s", ev.Status)
		if r := ev.Result; r != nil {
			fmt.Fprintf(&b, " (confidence %.2f) %s", r.Confidence, strings.Join(strings.Fields(r.Answer), " "))
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
