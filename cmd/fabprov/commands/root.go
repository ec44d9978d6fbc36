package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fabprov/pkg/config"
	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/telemetry"
)

// app carries state shared by every command.
type app struct {
	version string

	// Global flags
	catalogPath  string
	stateDir     string
	stateBackend string
	jsonOutput   bool
	verbose      bool

	settings *config.Settings
	logger   *telemetry.Logger
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	a := &app{version: version}

	rootCmd := &cobra.Command{
		Use:   "fabprov",
		Short: "fabprov - workspace provisioning orchestrator",
		Long: `fabprov provisions workspaces and the items inside them (lakehouses,
warehouses, notebooks and role assignments) from a declarative catalog.

Every resource is created at most once: outcomes are recorded under an
idempotency key in the state directory, so an interrupted run can simply be
started again.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.catalogPath, "catalog", "f", "catalog.yaml", "catalog file or CUE directory")
	rootCmd.PersistentFlags().StringVar(&a.stateDir, "state-dir", ".fabprov", "directory for records and run summaries")
	rootCmd.PersistentFlags().StringVar(&a.stateBackend, "state-backend", backendFile, "state backend (file, sqlite)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newProvisionCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newPlanCommand(a))
	rootCmd.AddCommand(newStatusCommand(a))

	return rootCmd
}

// init loads settings from the environment and configures logging.
func (a *app) init() error {
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	if a.verbose {
		settings.LogLevel = "debug"
	}
	a.settings = settings

	logger, err := telemetry.NewLogger(a.loggingConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger
	log.Logger = logger.Zerolog()

	switch a.stateBackend {
	case backendFile, backendSQLite:
	default:
		return fmt.Errorf("invalid state backend %q (must be %s or %s)", a.stateBackend, backendFile, backendSQLite)
	}
	return nil
}

func (a *app) loggingConfig() telemetry.LoggingConfig {
	return telemetry.LoggingConfig{
		Level:   strings.ToLower(a.settings.LogLevel),
		Format:  a.settings.LogFormat,
		Output:  "stderr",
		NoColor: os.Getenv("NO_COLOR") != "",
	}
}

// loadResources reads the catalog and flattens it into resource specs.
func (a *app) loadResources() (*config.Catalog, []engine.ResourceSpec, error) {
	catalog, err := config.LoadCatalog(a.catalogPath)
	if err != nil {
		return nil, nil, err
	}
	specs, err := catalog.Resources(config.ResourceOptions{CapacityID: a.settings.CapacityID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to expand catalog %s: %w", a.catalogPath, err)
	}

	log.Debug().
		Str("catalog", a.catalogPath).
		Int("resources", len(specs)).
		Msg("Catalog loaded")
	return catalog, specs, nil
}

// absCatalogPath is recorded in summaries so they can be traced back.
func (a *app) absCatalogPath() string {
	if abs, err := filepath.Abs(a.catalogPath); err == nil {
		return abs
	}
	return a.catalogPath
}
