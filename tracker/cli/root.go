package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bench-history/tracker/config"
	"github.com/bench-history/tracker/platform"
)

// ExitError carries a process exit code out of a command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// app holds state shared by all subcommands
type app struct {
	configPath  string
	logLevel    string
	logFormat   string
	environment string

	cfg *config.Config
	log *logrus.Logger
}

// NewRootCommand builds the benchhist command tree
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "benchhist",
		Short: "Benchmark history store and regression gate",
		Long: `benchhist records benchmark runs per environment and decides whether a new
run regressed against the median of the runs before it.

Examples:
  # Record a go test -bench run
  go test -bench . ./... | benchhist ingest --format gobench --commit $GITHUB_SHA

  # Fail CI when the latest run regressed
  benchhist check --env ubuntu-22.04

  # Seed a store from an existing github-action-benchmark data.js
  benchhist import benchmarks/ubuntu-22.04/data.js --env ubuntu-22.04`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to YAML config file (env "+config.EnvConfigPath+")")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&a.environment, "env", "", "environment id (default: detected from the host)")

	root.AddCommand(
		newIngestCommand(a),
		newCheckCommand(a),
		newHistoryCommand(a),
		newImportCommand(a),
		newServeCommand(a),
		newEnvCommand(a),
	)
	return root
}

// Execute runs the CLI and returns the process exit code
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				fmt.Fprintln(os.Stderr, "Error:", exitErr.Err)
			}
			return exitErr.Code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func (a *app) setup(cmd *cobra.Command) error {
	path := a.configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(level)
	switch cfg.Log.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log format must be text or json, got %q", cfg.Log.Format)
	}

	a.cfg = cfg
	a.log = logger
	return nil
}

// environmentID returns --env, or the id detected from the host
func (a *app) environmentID(ctx context.Context) string {
	if a.environment != "" {
		return a.environment
	}
	info, err := platform.Detect(ctx)
	if err != nil {
		a.log.WithError(err).Warn("Host detection incomplete, using fallback environment id")
	}
	a.log.WithField("environment", info.EnvironmentID).Debug("Detected environment")
	return info.EnvironmentID
}
