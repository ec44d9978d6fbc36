// Package policy evaluates Rego policies against a catalog before it is
// provisioned.
//
// Every policy is a Rego module whose package defines a deny set. The engine
// evaluates each enabled policy once per resource with an input document of
// the form
//
//	{
//	  "resource": {"id", "kind", "displayName", "parentRef", "required", "payload"},
//	  "parent":   {... same shape, absent for workspaces ...},
//	  "catalog":  {"resourceCount", "kinds"},
//	  "context":  {"operation", "dryRun", "timestamp"}
//	}
//
// A deny entry is either a message string or an object with message, severity
// and resource keys. Violations of severity error or critical block the run;
// info and warning violations are only reported.
//
// Built-in policies cover display name rules, access grant principals and
// workspace capacity assignment. Additional policies are loaded from .rego
// files, or from .json files that wrap the Rego source with metadata:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, resources, policy.Context{Operation: "validate"})
//
// Loader.Watch reports edits to policy files and catalogs so that callers can
// re-run validation as files change.
package policy
