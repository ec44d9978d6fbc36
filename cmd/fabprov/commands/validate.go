package commands

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/policy"
)

// validationReport is the JSON form of a validate run.
type validationReport struct {
	Valid     bool           `json:"valid"`
	Catalog   string         `json:"catalog"`
	Resources int            `json:"resources"`
	Levels    [][]string     `json:"levels,omitempty"`
	Policy    *policy.Result `json:"policy,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func newValidateCommand(a *app) *cobra.Command {
	var (
		policies policyOptions
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the catalog",
		Long: `Validate the catalog without contacting the service.

This command checks:
  - Catalog syntax and schema (YAML, JSON, JSONC or CUE)
  - Forest structure: unique ids, known parents, no cycles, unique names per scope
  - Policy compliance (built-in and --policy-dir rego policies)

With --watch the catalog and policy directories are watched and validation
runs again after every change.`,
		Example: `  # Validate the catalog in the current directory
  fabprov validate

  # Validate a CUE catalog with extra policies and keep watching it
  fabprov validate -f ./catalog --policy-dir ./policies --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pe, err := policies.newEngine(ctx)
			if err != nil {
				return err
			}

			if !watch {
				return a.validateOnce(ctx, cmd.OutOrStdout(), pe, &policies)
			}

			var mu sync.Mutex
			run := func() {
				mu.Lock()
				defer mu.Unlock()
				if err := a.validateOnce(ctx, cmd.OutOrStdout(), pe, &policies); err != nil {
					log.Error().Err(err).Msg("Validation failed")
				}
			}
			run()

			loader := policy.NewLoader(log.Logger)
			paths := append([]string{a.catalogPath}, policies.dirs...)
			return loader.Watch(ctx, paths, func(changed string) {
				log.Info().Str("file", changed).Msg("Change detected, validating again")
				mu.Lock()
				err := pe.ReloadPolicies(ctx, policies.dirs)
				mu.Unlock()
				if err != nil {
					log.Error().Err(err).Msg("Failed to reload policies")
					return
				}
				run()
			})
		},
	}

	policies.register(cmd)
	cmd.Flags().BoolVar(&watch, "watch", false, "validate again whenever the catalog or a policy changes")

	return cmd
}

// validateOnce loads the catalog, checks its structure and evaluates policies.
func (a *app) validateOnce(ctx context.Context, w io.Writer, pe *policy.Engine, opts *policyOptions) error {
	report := &validationReport{Catalog: a.catalogPath}
	err := a.validateInto(ctx, report, pe, opts)
	if err != nil {
		report.Error = err.Error()
	}
	report.Valid = err == nil

	if a.jsonOutput {
		if werr := writeJSON(w, report); werr != nil {
			return werr
		}
		return err
	}

	if report.Policy != nil {
		printViolations(w, report.Policy)
	}
	if err != nil {
		fmt.Fprintf(w, "✗ %s\n", err)
		return err
	}
	fmt.Fprintf(w, "✓ %s is valid: %d resources in %d levels\n", a.catalogPath, report.Resources, len(report.Levels))
	return nil
}

func (a *app) validateInto(ctx context.Context, report *validationReport, pe *policy.Engine, opts *policyOptions) error {
	_, specs, err := a.loadResources()
	if err != nil {
		return err
	}
	report.Resources = len(specs)

	graph, err := engine.NewDAGBuilder().BuildGraph(specs)
	if err != nil {
		return err
	}
	report.Levels = graph.Levels

	if opts.skip {
		return nil
	}
	result, err := pe.Evaluate(ctx, specs, policy.Context{Operation: "validate"})
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	report.Policy = result
	if !result.Allowed {
		return fmt.Errorf("%d blocking policy violation(s)", len(result.Blocking()))
	}
	return nil
}
