package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/fabprov/pkg/engine"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// printSummary renders a run summary as JSON or as a resource table.
func (a *app) printSummary(w io.Writer, s *engine.RunSummary) error {
	if a.jsonOutput {
		return writeJSON(w, s)
	}

	fmt.Fprintf(w, "Run %s: %s (%s)\n", s.RunID, s.Status, time.Duration(s.DurationMS)*time.Millisecond)
	if s.DryRun {
		fmt.Fprintln(w, "Dry run: no records were written")
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", s.Error)
	}
	fmt.Fprintln(w)

	tw := newTable(w)
	fmt.Fprintln(tw, "RESOURCE\tKIND\tNAME\tSTATE\tRESOLVED ID\tATTEMPTS\tDETAIL")
	for _, r := range s.Resources {
		detail := ""
		switch {
		case r.Error != nil:
			detail = r.Error.Message
		case r.Reused:
			detail = "reused"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Kind, r.DisplayName, r.State, dash(r.ResolvedID), r.Attempts, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%s\n", formatCounts(s.Counts))
	return nil
}

// formatCounts renders state counts in a stable order.
func formatCounts(counts map[engine.RecordState]int) string {
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, string(state))
	}
	sort.Strings(states)

	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, fmt.Sprintf("%s=%d", state, counts[engine.RecordState(state)]))
	}
	if len(parts) == 0 {
		return "no resources"
	}
	return strings.Join(parts, ", ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
