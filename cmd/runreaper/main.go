package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/runreaper"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands writing to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createHeartbeatCommand(globalFlags),
		createReconcileCommand(c, globalFlags),
		createProvidersCommand(c),
		createRunsCommand(c),
		createCleanupCommand(c),
		createQueueCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "runreaper",
		Short: "Run lifecycle coordination and resource reclamation",
		Long: `runreaper watches run records in a shared key-value store, keeps run
ownership exclusive through heartbeats and discards the resources of runs
that have finished or disappeared.

Examples:
  runreaper serve --config=runreaper.toml
  runreaper heartbeat --run=U123 --config=runreaper.toml
  runreaper reconcile --provider=credentials
  runreaper runs --api-url=http://engine:8089/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "engine admin URL (e.g. http://host:8089/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the engine",
		Long: `Start the engine: watch run status changes, dispatch run-ended events
to resource providers, reconcile on schedule and serve the admin API.

Examples:
  runreaper serve                     # defaults plus RUNREAPER_* environment
  runreaper serve runreaper.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path)
		},
	}
}

func runServe(ctx context.Context, path string) error {
	cfg, log, closer, err := loadConfig(path)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	e, err := runreaper.New(ctx, cfg, runreaper.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	log.Info("Starting runreaper", "engine", cfg.Engine.Name, "dss", redactDSN(cfg.DSS.DSN), "listen", cfg.Server.Listen)
	err = e.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutting down")
	return nil
}

func createHeartbeatCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &HeartbeatFlags{}
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Claim a run and keep its heartbeat until interrupted",
		Long: `Write the run heartbeat and refresh it until SIGINT/SIGTERM. The command
exits with status 1 if another engine writes the same heartbeat.

Examples:
  runreaper heartbeat --run=U123 --config=runreaper.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runHeartbeat(ctx, globalFlags.ConfigPath, f.Run)
		},
	}
	cmd.Flags().StringVar(&f.Run, "run", "", "run name (required)")
	if err := cmd.MarkFlagRequired("run"); err != nil {
		panic(err)
	}
	return cmd
}

func runHeartbeat(ctx context.Context, path, runName string) error {
	cfg, log, closer, err := loadConfig(path)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	cfg.Metrics.Enabled = false

	e, err := runreaper.New(ctx, cfg, runreaper.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	stopHeartbeat, err := e.Heartbeat(ctx, runName)
	if err != nil {
		return err
	}
	log.Info("Heartbeat started", "run", runName, "interval", cfg.Heartbeat.Interval)
	<-ctx.Done()
	stopHeartbeat()
	log.Info("Heartbeat stopped", "run", runName)
	return nil
}

func createReconcileCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	f := &ReconcileFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one provider's reconcile sweep now",
		Long: `Discard every resource of the provider whose run is no longer active.

Examples:
  runreaper reconcile --provider=credentials
  runreaper reconcile --provider=securityprincipal --local --config=runreaper.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Local {
				return c.reconcileLocal(cmd.Context(), globalFlags.ConfigPath, f.Provider)
			}
			return c.reconcile(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Provider, "provider", "", "provider name (required)")
	cmd.Flags().BoolVar(&f.Local, "local", false, "run in this process against the configured DSS")
	addAPIFlags(cmd, &f.APIFlags)
	if err := cmd.MarkFlagRequired("provider"); err != nil {
		panic(err)
	}
	return cmd
}

func createProvidersCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List providers and their reconcile schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.providers(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createRunsCommand(c command) *cobra.Command {
	f := &RunsFlags{}
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show runs recorded in the DSS",
		Long: `Examples:
  runreaper runs
  runreaper runs --name=U123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runs(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "show a single run")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createCleanupCommand(c command) *cobra.Command {
	f := &CleanupFlags{}
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Queue a run-ended event for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.cleanup(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "run", "", "run name (required)")
	addAPIFlags(cmd, &f.APIFlags)
	if err := cmd.MarkFlagRequired("run"); err != nil {
		panic(err)
	}
	return cmd
}

func createQueueCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the event queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.queue(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}
