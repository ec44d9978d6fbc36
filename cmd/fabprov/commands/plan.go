package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fabprov/pkg/atomicfile"
	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/policy"
)

// Plan actions.
const (
	actionCreate  = "create"
	actionRetry   = "retry"
	actionReuse   = "reuse"
	actionBlocked = "blocked"
)

// planStep is what a provisioning run would do with one resource.
type planStep struct {
	Level          int                `json:"level"`
	ID             string             `json:"id"`
	Kind           engine.Kind        `json:"kind"`
	DisplayName    string             `json:"displayName"`
	ParentRef      string             `json:"parentRef,omitempty"`
	IdempotencyKey string             `json:"idempotencyKey"`
	RecordState    engine.RecordState `json:"recordState,omitempty"`
	ResolvedID     string             `json:"resolvedId,omitempty"`
	Action         string             `json:"action"`
	Reason         string             `json:"reason,omitempty"`
}

type planReport struct {
	Catalog string     `json:"catalog"`
	Force   bool       `json:"force,omitempty"`
	Steps   []planStep `json:"steps"`
	Edges   int        `json:"edges"`
}

func newPlanCommand(a *app) *cobra.Command {
	var (
		policies policyOptions
		dotFile  string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a provisioning run would do",
		Long: `Show the creation levels of the catalog, the idempotency key of every
resource and the action a run would take given the recorded state:

  create   no record, or a pending or cancelled one
  reuse    a succeeded record exists
  retry    a failed or timed out record exists and --force is set
  blocked  a failed or timed out record exists, or the parent is blocked`,
		Example: `  # Show the plan
  fabprov plan

  # Export the resource forest to Graphviz
  fabprov plan --dot forest.dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, specs, err := a.loadResources()
			if err != nil {
				return err
			}
			if err := policies.check(ctx, cmd.ErrOrStderr(), specs, policy.Context{Operation: "plan"}); err != nil {
				return err
			}

			builder := engine.NewDAGBuilder()
			graph, err := builder.BuildGraph(specs)
			if err != nil {
				return err
			}
			engine.AssignIdempotencyKeys(specs, graph)

			if dotFile != "" {
				if err := atomicfile.Write(dotFile, []byte(builder.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				log.Info().Str("file", dotFile).Msg("Resource forest written")
			}

			backend, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			report, err := buildPlan(ctx, backend.records, specs, graph, force)
			if err != nil {
				return err
			}
			report.Catalog = a.catalogPath
			return a.printPlan(cmd.OutOrStdout(), report)
		},
	}

	policies.register(cmd)
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the resource forest in DOT format to this file")
	cmd.Flags().BoolVar(&force, "force", false, "plan as if provision were run with --force")

	return cmd
}

// buildPlan walks the graph parent first and decides an action per resource.
func buildPlan(ctx context.Context, records engine.RecordStore, specs []engine.ResourceSpec, graph *engine.ResourceGraph, force bool) (*planReport, error) {
	index := make(map[string]*engine.ResourceSpec, len(specs))
	for i := range specs {
		index[specs[i].ID] = &specs[i]
	}

	report := &planReport{Force: force, Edges: len(graph.Forest().Edges)}
	actions := make(map[string]string, len(specs))
	for _, id := range graph.Order() {
		spec := index[id]
		step := planStep{
			Level:          graph.Nodes[id].Level,
			ID:             id,
			Kind:           spec.Kind,
			DisplayName:    spec.DisplayName,
			ParentRef:      spec.ParentRef,
			IdempotencyKey: spec.IdempotencyKey,
			Action:         actionCreate,
		}

		rec, err := records.Get(ctx, spec.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read record for %s: %w", id, err)
		}
		if rec != nil {
			step.RecordState = rec.State
			step.ResolvedID = rec.ResolvedID
			switch rec.State {
			case engine.StateSucceeded:
				step.Action = actionReuse
			case engine.StateFailed, engine.StateTimedOut:
				if force {
					step.Action = actionRetry
				} else {
					step.Action = actionBlocked
					step.Reason = fmt.Sprintf("previous attempt %s, use --force", rec.State)
				}
			}
		}

		if spec.ParentRef != "" && actions[spec.ParentRef] == actionBlocked {
			step.Action = actionBlocked
			step.Reason = fmt.Sprintf("parent %s is blocked", spec.ParentRef)
		}
		actions[id] = step.Action
		report.Steps = append(report.Steps, step)
	}
	return report, nil
}

func (a *app) printPlan(w io.Writer, report *planReport) error {
	if a.jsonOutput {
		return writeJSON(w, report)
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "LEVEL\tRESOURCE\tKIND\tNAME\tKEY\tRECORD\tACTION")
	counts := make(map[string]int)
	for _, s := range report.Steps {
		action := s.Action
		if s.Reason != "" {
			action = fmt.Sprintf("%s (%s)", s.Action, s.Reason)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Level, s.ID, s.Kind, s.DisplayName, s.IdempotencyKey, dash(string(s.RecordState)), action)
		counts[s.Action]++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nPlan: %d to create, %d to retry, %d to reuse, %d blocked\n",
		counts[actionCreate], counts[actionRetry], counts[actionReuse], counts[actionBlocked])
	return nil
}
