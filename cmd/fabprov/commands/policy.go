package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/policy"
)

// policyOptions are the policy flags shared by validate, plan and provision.
type policyOptions struct {
	dirs []string
	skip bool
}

func (o *policyOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&o.dirs, "policy-dir", nil, "additional policy files or directories (.rego, .json)")
	cmd.Flags().BoolVar(&o.skip, "skip-policy", false, "do not evaluate policies")
}

// newEngine builds a policy engine with the built-in and configured policies.
func (o *policyOptions) newEngine(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(o.dirs) > 0 {
		if err := pe.LoadPolicies(ctx, o.dirs); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// check evaluates policies and fails when a blocking violation is found.
// Warnings are printed and do not stop the command.
func (o *policyOptions) check(ctx context.Context, w io.Writer, specs []engine.ResourceSpec, evalCtx policy.Context) error {
	if o.skip {
		log.Warn().Msg("Policy evaluation skipped")
		return nil
	}
	pe, err := o.newEngine(ctx)
	if err != nil {
		return err
	}
	result, err := pe.Evaluate(ctx, specs, evalCtx)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	printViolations(w, result)
	if !result.Allowed {
		return fmt.Errorf("%d blocking policy violation(s)", len(result.Blocking()))
	}
	return nil
}

func printViolations(w io.Writer, result *policy.Result) {
	for _, v := range result.Violations {
		resource := v.Resource
		if resource == "" {
			resource = "-"
		}
		fmt.Fprintf(w, "%s [%s] %s: %s\n", v.Severity, v.Policy, resource, v.Message)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
