package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fabprov/pkg/auth"
	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/fabric"
	"github.com/openfroyo/fabprov/pkg/policy"
	"github.com/openfroyo/fabprov/pkg/poller"
	"github.com/openfroyo/fabprov/pkg/summary"
	"github.com/openfroyo/fabprov/pkg/telemetry"
	"github.com/openfroyo/fabprov/pkg/transport"
)

type provisionOptions struct {
	concurrency int
	runTimeout  time.Duration
	force       bool
	dryRun      bool

	poll    poller.Config
	retry   transport.Config
	policy  policyOptions
	s3      summary.S3Config
	metrics string
	tracing string
	otlp    string
}

func newProvisionCommand(a *app) *cobra.Command {
	opts := provisionOptions{
		poll:  poller.DefaultConfig(),
		retry: transport.DefaultConfig(),
	}

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create every resource in the catalog",
		Long: `Create every resource in the catalog in dependency order.

Workspaces are created first; the items inside a workspace start once the
workspace is recorded as succeeded. Resources recorded as succeeded by an
earlier run are reused without calling the service. Failed and timed out
resources are only retried with --force.

The command exits non-zero when a workspace or a required item did not
succeed, or when the run was cancelled.`,
		Example: `  # Provision the catalog in the current directory
  fabprov provision

  # Preview synthetic ids without calling the service
  fabprov provision --dry-run

  # Retry failed resources, keep history in SQLite and mirror summaries to S3
  fabprov provision --force --state-backend sqlite --summary-s3-bucket ops-runs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runProvision(cmd, &opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.concurrency, "concurrency", 4, "maximum resources in flight")
	f.DurationVar(&opts.runTimeout, "run-timeout", 0, "cancel the run after this long (0 disables)")
	f.BoolVar(&opts.force, "force", false, "retry resources recorded as failed or timed out")
	f.BoolVar(&opts.dryRun, "dry-run", false, "synthesize ids without calling the service or writing records")

	f.DurationVar(&opts.poll.Interval, "poll-interval", opts.poll.Interval, "delay between status checks of a deferred creation")
	f.IntVar(&opts.poll.MaxAttempts, "poll-max-attempts", opts.poll.MaxAttempts, "status checks before a deferred creation times out")
	f.DurationVar(&opts.poll.MaxWait, "poll-timeout", opts.poll.MaxWait, "total wait before a deferred creation times out (0 means attempts x interval)")

	f.IntVar(&opts.retry.MaxAttempts, "retry-max-attempts", opts.retry.MaxAttempts, "tries per request on server errors")
	f.DurationVar(&opts.retry.Budget, "retry-budget", opts.retry.Budget, "total time per request including retries")
	f.DurationVar(&opts.retry.InitialInterval, "retry-initial-interval", opts.retry.InitialInterval, "first backoff delay")
	f.DurationVar(&opts.retry.RequestTimeout, "request-timeout", opts.retry.RequestTimeout, "timeout of a single HTTP exchange")

	opts.policy.register(cmd)

	f.StringVar(&opts.s3.Bucket, "summary-s3-bucket", "", "also write run summaries to this S3 bucket")
	f.StringVar(&opts.s3.Prefix, "summary-s3-prefix", "fabprov/runs", "key prefix for S3 summaries")
	f.StringVar(&opts.s3.Region, "summary-s3-region", "", "AWS region of the summary bucket")

	f.StringVar(&opts.metrics, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	f.StringVar(&opts.tracing, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	f.StringVar(&opts.otlp, "otlp-endpoint", "localhost:4317", "OTLP collector endpoint")

	return cmd
}

func (a *app) runProvision(cmd *cobra.Command, opts *provisionOptions) error {
	ctx := cmd.Context()

	_, specs, err := a.loadResources()
	if err != nil {
		return err
	}

	if err := opts.policy.check(ctx, cmd.ErrOrStderr(), specs, policy.Context{
		Operation: "provision",
		DryRun:    opts.dryRun,
	}); err != nil {
		return err
	}

	tel, err := a.newTelemetry(opts)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close state backend")
		}
	}()

	summaries := backend.summaries
	if opts.s3.Bucket != "" {
		s3Writer, err := summary.NewS3Writer(ctx, opts.s3)
		if err != nil {
			return err
		}
		summaries = append(summaries, s3Writer)
	}

	deps, err := a.liveDeps(opts, tel)
	if err != nil {
		return err
	}
	deps.Store = backend.records
	deps.Summary = summaries
	deps.Events = backend.events

	driver, err := engine.NewDriver(deps, engine.DriverOptions{
		Concurrency: opts.concurrency,
		RunTimeout:  opts.runTimeout,
		Force:       opts.force,
		DryRun:      opts.dryRun,
		CatalogPath: a.absCatalogPath(),
	})
	if err != nil {
		return err
	}

	log.Info().
		Int("resources", len(specs)).
		Bool("dry_run", opts.dryRun).
		Bool("force", opts.force).
		Str("state_dir", a.stateDir).
		Msg("Starting provisioning run")

	result, runErr := driver.Run(ctx, specs)
	if result != nil {
		if err := a.printSummary(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("provisioning run failed: %w", runErr)
	}
	if result.Status.ExitCode() != 0 {
		return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
	}
	return nil
}

// newTelemetry builds metrics and tracing for a run. Logging stays on the
// logger configured by the root command.
func (a *app) newTelemetry(opts *provisionOptions) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = a.version
	cfg.Logging = a.loggingConfig()
	cfg.Metrics.ListenAddress = opts.metrics
	cfg.Tracing.Exporter = opts.tracing
	cfg.Tracing.Enabled = opts.tracing != "none"
	cfg.Tracing.Endpoint = opts.otlp

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Logger = a.logger
	return tel, nil
}

// liveDeps wires authentication, transport, creator and poller. A dry run
// gets a synthetic creator and a placeholder token that is never sent.
func (a *app) liveDeps(opts *provisionOptions, tel *telemetry.Telemetry) (engine.DriverDeps, error) {
	var provider auth.Provider
	switch {
	case opts.dryRun:
		provider = auth.StaticProvider{Token: "dry-run"}
	case a.settings.AccessToken != "":
		provider = auth.StaticProvider{Token: a.settings.AccessToken}
	default:
		if err := a.settings.RequireCredentials(); err != nil {
			return engine.DriverDeps{}, err
		}
		cc, err := auth.NewClientCredentialsProvider(auth.ClientCredentialsConfig{
			TenantID:     a.settings.TenantID,
			ClientID:     a.settings.ClientID,
			ClientSecret: a.settings.ClientSecret,
			AuthorityURL: a.settings.AuthorityURL,
			Scope:        a.settings.Scope,
		})
		if err != nil {
			return engine.DriverDeps{}, err
		}
		provider = cc
	}

	tokens := auth.NewTokenCache(provider, auth.CacheOptions{
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
	})

	tcfg := opts.retry
	tcfg.BaseURL = a.settings.APIBaseURL
	tcfg.UserAgent = "fabprov/" + a.version
	tcfg.Logger = tel.Logger
	tcfg.Metrics = tel.Metrics
	client, err := transport.NewClient(tcfg, tokens)
	if err != nil {
		return engine.DriverDeps{}, err
	}

	live := fabric.NewCreator(client, tel.Logger)
	deps := engine.DriverDeps{
		Creator: live,
		Poller:  poller.NewPoller(client, live, opts.poll, tel.Logger, tel.Metrics),
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
	}
	if opts.dryRun {
		deps.Creator = fabric.NewDryRunCreator()
	} else {
		deps.Auth = tokens
	}
	return deps, nil
}
