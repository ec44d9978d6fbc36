package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/stores"
	"github.com/openfroyo/fabprov/pkg/summary"
)

type statusReport struct {
	Records []*engine.ProvisioningRecord `json:"records"`
	LastRun *engine.RunSummary           `json:"lastRun,omitempty"`
	Runs    []*stores.Run                `json:"runs,omitempty"`
	Events  []*engine.Event              `json:"events,omitempty"`
}

func newStatusCommand(a *app) *cobra.Command {
	var (
		limit  int
		events string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded provisioning state",
		Long: `Show every provisioning record in the state directory and the summary of
the most recent run. The sqlite backend also lists recent runs and can show
the event timeline of one run.`,
		Example: `  # Show records and the last run
  fabprov status

  # Show run history and the timeline of one run
  fabprov status --state-backend sqlite --events 3f0c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			backend, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			report := &statusReport{}
			if report.Records, err = backend.lister.List(ctx); err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}
			sort.Slice(report.Records, func(i, j int) bool {
				return report.Records[i].IdempotencyKey < report.Records[j].IdempotencyKey
			})

			if report.LastRun, err = summary.Read(a.stateDir); err != nil {
				return err
			}

			if backend.history != nil {
				if report.Runs, err = backend.history.ListRuns(ctx, limit); err != nil {
					return fmt.Errorf("failed to list runs: %w", err)
				}
				if events != "" {
					if report.Events, err = backend.history.GetEvents(ctx, events, 0); err != nil {
						return fmt.Errorf("failed to read events: %w", err)
					}
				}
			} else if events != "" {
				return fmt.Errorf("--events requires --state-backend %s", backendSQLite)
			}

			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return printStatus(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to list (sqlite backend)")
	cmd.Flags().StringVar(&events, "events", "", "show the event timeline of this run id (sqlite backend)")

	return cmd
}

func printStatus(w io.Writer, r *statusReport) error {
	if len(r.Records) == 0 {
		fmt.Fprintln(w, "No provisioning records")
	} else {
		tw := newTable(w)
		fmt.Fprintln(tw, "KEY\tKIND\tNAME\tSTATE\tRESOLVED ID\tATTEMPTS\tHTTP\tERROR")
		for _, rec := range r.Records {
			msg := ""
			if rec.Error != nil {
				msg = rec.Error.Message
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				rec.IdempotencyKey, rec.Kind, rec.DisplayName, rec.State,
				dash(rec.ResolvedID), rec.Attempts, rec.LastHTTPStatus, msg)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if r.LastRun != nil {
		fmt.Fprintf(w, "\nLast run %s: %s at %s (%s)\n",
			r.LastRun.RunID, r.LastRun.Status,
			r.LastRun.CompletedAt.Format("2006-01-02 15:04:05Z07:00"), formatCounts(r.LastRun.Counts))
	}

	if len(r.Runs) > 0 {
		fmt.Fprintln(w, "\nRecent runs:")
		tw := newTable(w)
		fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tCOUNTS")
		for _, run := range r.Runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n",
				run.ID, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"), run.DurationMS, formatCounts(run.Counts))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(r.Events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, e := range r.Events {
			resource := ""
			if e.ResourceID != "" {
				resource = " " + e.ResourceID
			}
			fmt.Fprintf(w, "  %s %-5s %s%s: %s\n",
				e.Timestamp.Format("15:04:05.000"), e.Level, e.Type, resource, e.Message)
		}
	}
	return nil
}
