package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/jobcoord/pkg/config"
	"github.com/nimburion/jobcoord/pkg/configschema"
	"github.com/nimburion/jobcoord/pkg/health"
	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/observability/tracing"
	"github.com/nimburion/jobcoord/pkg/scheduler"
	"github.com/nimburion/jobcoord/pkg/server"
	"github.com/nimburion/jobcoord/pkg/version"
)

const defaultEnvPrefix = "JOBCOORD"

// ServiceCommandOptions defines callbacks for service-specific logic.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: registers the service's jobs. Built-in jobs are registered first.
	ConfigureJobs JobsConfigurator

	// Optional: overrides how lock nodes are created (useful for tests/custom adapters).
	NodeFactory NodeFactory

	// Optional: custom config validation (runs after built-in validation)
	ValidateConfig func(cfg *config.Config) error

	// Optional: additional custom commands
	CustomCommands []*cobra.Command
}

// NewServiceCommand creates the CLI with run, jobs, healthcheck, config and version subcommands.
// The root command itself behaves like run.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = defaultEnvPrefix
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	var secretFilePath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets "+resolveEnvPrefix(opts.EnvPrefix)+"_SECRETS_FILE)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	loadConfig := func(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, opts.ValidateConfig, cmd.Flags(), cmd.ErrOrStderr())
	}

	// withApp loads configuration, wires the lock nodes and jobs and closes
	// the nodes once fn returns.
	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer syncLogger(log)
		a, err := buildApp(cfg, log, opts)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd.Context(), a)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the job scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runScheduler(runCtx, a, opts.Name)
			})
		},
	}
	rootCmd.AddCommand(runCmd)
	rootCmd.RunE = runCmd.RunE

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger registered jobs",
	}
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				return printJobs(cmd.OutOrStdout(), a.registry.Jobs())
			})
		},
	})
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "trigger <job>",
		Short: "Run one tick of a job now, coordinated with the running fleet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				job, err := a.registry.Lookup(args[0])
				if err != nil {
					return err
				}
				result, err := a.runtime.Trigger(ctx, job)
				if err != nil {
					return err
				}
				printTickResult(cmd.OutOrStdout(), result)
				switch result.Outcome {
				case scheduler.OutcomeFailed, scheduler.OutcomeAcquisitionError:
					if result.Err == nil {
						return fmt.Errorf("job %s: %s", job.Name(), result.Outcome)
					}
					return fmt.Errorf("job %s: %s: %w", job.Name(), result.Outcome, result.Err)
				}
				return nil
			})
		},
	})
	rootCmd.AddCommand(jobsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Check that a quorum of lock nodes is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result := checkQuorum(ctx, a.mutex, a.cfg.Lock.OperationTimeout)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s", result.Name, result.Status)
				if result.Message != "" {
					fmt.Fprintf(cmd.OutOrStdout(), " (%s)", result.Message)
				}
				fmt.Fprintln(cmd.OutOrStdout())
				if result.Status == health.StatusUnhealthy {
					return fmt.Errorf("lock service unhealthy: %s", result.Error)
				}
				return nil
			})
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadConfig(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})
	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = cfg.Redacted()
			}
			formatted, err := formatConfig(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show passwords in lock node URLs")
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := configschema.BuildSchema(nil)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(schema, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)

	for _, cmd := range opts.CustomCommands {
		if cmd != nil {
			rootCmd.AddCommand(cmd)
		}
	}

	return rootCmd
}

// runScheduler schedules every registered job and serves the management
// endpoints until ctx is cancelled, then stops the scheduler gracefully.
func runScheduler(ctx context.Context, a *app, serviceName string) error {
	info := version.Current(serviceName)
	tp, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    a.cfg.Service.Name,
		ServiceVersion: info.Version,
		Environment:    a.cfg.Service.Environment,
		Endpoint:       a.cfg.Observability.TracingEndpoint,
		SampleRate:     a.cfg.Observability.TracingSampleRate,
		Enabled:        a.cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn("failed to shut down tracer provider", "error", err)
		}
	}()

	handle, err := a.runtime.Start(ctx, a.registry.Jobs()...)
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.log.Info("scheduler started", "service", a.cfg.Service.Name, "version", info.Version, "jobs", a.registry.Len())

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Management.Enabled {
		mgmt := server.NewManagementServer(a.cfg.Management, a.log, a.health, a.metrics)
		g.Go(func() error {
			if err := mgmt.Start(gctx); err != nil {
				return fmt.Errorf("management server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Scheduler.ShutdownTimeout)
		defer cancel()
		if err := handle.Stop(stopCtx); err != nil {
			a.log.Error("scheduler did not stop cleanly", "error", err)
			return err
		}
		a.log.Info("scheduler stopped")
		return nil
	})
	return g.Wait()
}

// LoadConfigAndLogger loads configuration and creates the logger. Logs are
// written to logOutput, or stdout when nil.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath string,
	customValidator func(*config.Config) error,
	flags *pflag.FlagSet,
	logOutput io.Writer,
) (*config.Config, logger.Logger, error) {
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, err := config.NewConfigProvider(cfgPath, envPrefix).WithFlags(flags).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if customValidator != nil {
		if err := customValidator(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}

	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: logOutput})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	if level == logger.DebugLevel {
		log.Debug("effective configuration", "config", fmt.Sprintf("%+v", *cfg.Redacted()))
	}
	return cfg, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func formatConfig(cfg *config.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

func printJobs(w io.Writer, jobs []scheduler.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFREQUENCY\tLOCKED RESOURCES")
	for _, job := range jobs {
		resources := "-"
		if extra := job.LockedResources(); len(extra) > 0 {
			resources = strings.Join(extra, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", job.Name(), job.Frequency(), resources)
	}
	return tw.Flush()
}

func printTickResult(w io.Writer, result scheduler.TickResult) {
	fmt.Fprintf(w, "job:      %s\n", result.Job)
	fmt.Fprintf(w, "tick:     %s\n", result.TickID)
	fmt.Fprintf(w, "outcome:  %s\n", result.Outcome)
	if result.Units != nil {
		fmt.Fprintf(w, "units:    %d\n", *result.Units)
	}
	fmt.Fprintf(w, "duration: %s\n", result.Duration.Round(time.Millisecond))
	if result.Err != nil {
		fmt.Fprintf(w, "error:    %v\n", result.Err)
	}
}

func syncLogger(log logger.Logger) {
	if s, ok := log.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

// Execute runs cmd and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return defaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}
