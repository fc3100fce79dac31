package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solosway/webscout/internal/archive"
	"github.com/solosway/webscout/internal/config"
	"github.com/solosway/webscout/internal/observability"
	"github.com/solosway/webscout/internal/report"
)

// archiveOpener opens the configured session archive. Tests inject a local one.
type archiveOpener func(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (archive.Archive, error)

var defaultArchiveOpener archiveOpener = archive.Open

var errArchiveDisabled = errors.New("session archive is disabled (set archive.driver to sqlite or postgres)")

func newReportCmd(open archiveOpener) *cobra.Command {
	var (
		format     string
		outputPath string
		list       int
	)

	cmd := &cobra.Command{
		Use:   "report [session-id]",
		Short: "Render an archived research session",
		Long: `Loads a finished session from the archive and renders its answer, goals,
findings and action trail. With --list, prints the most recent sessions instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if list <= 0 && len(args) == 0 {
				return errors.New("a session id is required unless --list is given")
			}

			arch, err := open(ctx, cfg.Archive, logger)
			if err != nil {
				return fmt.Errorf("failed to open archive: %w", err)
			}
			if arch == nil {
				return errArchiveDisabled
			}
			defer func() {
				if err := arch.Close(); err != nil {
					logger.Warn("Failed to close archive cleanly.", zap.Error(err))
				}
			}()

			if list > 0 {
				return runList(ctx, cmd.OutOrStdout(), arch, list)
			}
			return runReport(ctx, cmd.OutOrStdout(), logger, arch, args[0], format, outputPath)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(report.FormatMarkdown), "Output format: json, yaml, xml or markdown")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	cmd.Flags().IntVar(&list, "list", 0, "List the N most recent sessions")
	return cmd
}

// runReport loads one session and writes it in the requested format.
func runReport(ctx context.Context, out io.Writer, logger *zap.Logger, arch archive.Archive, sessionID, format, outputPath string) error {
	f, err := report.ParseFormat(format)
	if err != nil {
		return err
	}
	rec, err := arch.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	var reporter report.Reporter
	if outputPath == "" {
		reporter = report.NewWriter(out, f)
	} else {
		reporter, err = report.New(string(f), outputPath)
		if err != nil {
			return fmt.Errorf("failed to initialize reporter: %w", err)
		}
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			logger.Warn("Failed to close reporter cleanly.", zap.Error(err))
		}
	}()

	if err := reporter.Write(rec); err != nil {
		return err
	}
	if outputPath != "" {
		logger.Info("Report written.", zap.String("session_id", sessionID), zap.String("path", outputPath))
	}
	return nil
}

func runList(ctx context.Context, out io.Writer, arch archive.Archive, limit int) error {
	rows, err := arch.List(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tFINDINGS\tCONFIDENCE\tFINISHED\tTASK")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%s\t%s\n",
			r.SessionID, r.Status, r.Findings, r.Confidence, r.FinishedAt.UTC().Format("2006-01-02 15:04"), r.Task)
	}
	return tw.Flush()
}
