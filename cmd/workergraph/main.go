// Package main is the entry point for the workergraph binary.
// It validates configuration documents, prints the derived launch plan and
// runs the development server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/workergraph/pkg/bundler"
	"github.com/polisai/workergraph/pkg/config"
	"github.com/polisai/workergraph/pkg/devserver"
	"github.com/polisai/workergraph/pkg/domain"
	"github.com/polisai/workergraph/pkg/logging"
	"github.com/polisai/workergraph/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// CLIConfig holds the parsed persistent flags.
type CLIConfig struct {
	Config    string
	Root      string
	Document  string
	LogLevel  string
	LogFormat string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "workergraph",
		Short: "Multi-worker development server",
		Long: `Loads a multi-worker configuration document, derives the runtime topology
and serves module requests from sandboxed workers against the host module graph.

Examples:
  workergraph validate
  workergraph plan --document workergraph.config.ts
  workergraph serve --addr 127.0.0.1:8787`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to server settings file (YAML)")
	flags.StringP("root", "r", "", "Project root (default: settings or current directory)")
	flags.StringP("document", "d", "", "Configuration document (default: first candidate under root)")
	flags.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(newValidateCmd(), newPlanCmd(), newWrappersCmd(), newServeCmd())
	return rootCmd
}

func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	flags := cmd.Flags()
	cfg := &CLIConfig{}
	for name, dst := range map[string]*string{
		"config":     &cfg.Config,
		"root":       &cfg.Root,
		"document":   &cfg.Document,
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
	} {
		v, err := flags.GetString(name)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		*dst = v
	}
	return cfg, nil
}

// loadSettings merges the settings file, environment overrides and flags.
// Flags win. The document defaults to the first candidate under the root.
func loadSettings(cli *CLIConfig) (*config.Settings, error) {
	settings, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	if cli.Root != "" {
		settings.Project.Root = cli.Root
	}
	if cli.Document != "" {
		settings.Project.Document = cli.Document
	}
	if cli.LogLevel != "" {
		settings.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		settings.Logging.Format = cli.LogFormat
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	if settings.Project.Document == "" {
		doc, err := config.FindDocument(settings.Project.Root)
		if err != nil {
			return nil, err
		}
		settings.Project.Document = doc
	}
	return settings, nil
}

// setup parses flags, loads settings and installs the logger.
func setup(cmd *cobra.Command) (*config.Settings, *slog.Logger, error) {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	settings, err := loadSettings(cli)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.SetupLogger(logging.Config{
		Level:  settings.Logging.Level,
		Format: settings.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}
	return settings, logger, nil
}

// buildOnce builds a single generation without serving it.
func buildOnce(cmd *cobra.Command) (*config.Settings, *devserver.Generation, error) {
	settings, logger, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	gen, err := devserver.Build(cmd.Context(), devserver.BuildInput{
		Number:          1,
		Document:        settings.Project.Document,
		Root:            settings.Project.Root,
		Aliases:         settings.Project.Aliases,
		Validate:        settings.ValidateOptions(),
		Scripts:         bundler.New(bundler.Options{Logger: logger}),
		RunnerModule:    settings.Project.RunnerModule,
		BuiltinPrefixes: settings.Bridge.BuiltinPrefixes,
		RequestTimeout:  settings.Bridge.RequestTimeout,
		Logger:          logger,
	})
	return settings, gen, err
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, gen, err := buildOnce(cmd)
			if err != nil {
				return err
			}
			defer gen.Bridge.Retire()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", gen.Document)
			for _, env := range gen.Topology.EnvironmentNames() {
				w := gen.Topology.Workers[env]
				marker := " "
				if env == gen.Topology.EntryEnvironment {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s (%s) %s\n", marker, env, w.Name, relPath(settings.Project.Root, w.ModulePath))
			}
			fmt.Fprintf(out, "%d bindings\n", gen.Bindings.Len())
			return nil
		},
	}
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the resolved topology and launch plan as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, gen, err := buildOnce(cmd)
			if err != nil {
				return err
			}
			defer gen.Bridge.Retire()
			return writeJSON(cmd.OutOrStdout(), gen.Snapshot())
		},
	}
}

func newWrappersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wrappers",
		Short: "Print the generated entry wrapper of each environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := cmd.Flags().GetString("env")
			if err != nil {
				return fmt.Errorf("failed to get env flag: %w", err)
			}
			_, gen, err := buildOnce(cmd)
			if err != nil {
				return err
			}
			defer gen.Bridge.Retire()
			return printWrappers(cmd.OutOrStdout(), gen.Wrappers, domain.EnvironmentName(env))
		},
	}
	cmd.Flags().StringP("env", "e", "", "Only print this environment")
	return cmd
}

func printWrappers(out io.Writer, wrappers map[domain.EnvironmentName]string, only domain.EnvironmentName) error {
	if only != "" {
		src, ok := wrappers[only]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownEnvironment, only)
		}
		_, err := io.WriteString(out, src)
		return err
	}

	envs := make([]domain.EnvironmentName, 0, len(wrappers))
	for env := range wrappers {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i] < envs[j] })
	for _, env := range envs {
		if _, err := fmt.Fprintf(out, "// %s\n%s\n", env, wrappers[env]); err != nil {
			return err
		}
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (default: settings)")
	cmd.Flags().Bool("watch", true, "Reload on document changes and invalidate changed modules")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return fmt.Errorf("failed to get addr flag: %w", err)
	}
	if addr != "" {
		settings.Server.Address = addr
	}
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return fmt.Errorf("failed to get watch flag: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: settings.Telemetry.ServiceName,
		Endpoint:    settings.Telemetry.OTLPEndpoint,
		Insecure:    settings.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	srv, err := devserver.New(devserver.Options{
		Settings: settings,
		Scripts:  bundler.New(bundler.Options{Logger: logger}),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("Starting workergraph",
		"address", settings.Server.Address,
		"document", settings.Project.Document,
		"root", settings.Project.Root,
		"watch", watch,
	)

	// A broken document at startup is reported but does not stop the server;
	// the next successful reload brings it up.
	if err := srv.Reload(ctx); err != nil {
		logger.Error("Initial build failed", "error", err)
	}

	if watch {
		w, err := devserver.NewWatcher(srv, devserver.WatcherOptions{
			Document: settings.Project.Document,
			Root:     settings.Project.Root,
			Debounce: settings.Bridge.WatchDebounce,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer func() { _ = w.Stop() }()
	}

	go handleSignals(ctx, cancel, srv, logger)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("Server error", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// handleSignals cancels on SIGINT or SIGTERM and reloads on SIGHUP.
func handleSignals(ctx context.Context, cancel context.CancelFunc, srv *devserver.Server, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sighupChan := make(chan os.Signal, 1)
	signal.Notify(sighupChan, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	defer signal.Stop(sighupChan)

	for {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", "signal", sig.String())
			cancel()
			return
		case <-sighupChan:
			logger.Info("Received SIGHUP, reloading")
			if err := srv.Reload(ctx); err != nil {
				logger.Error("Reload failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func relPath(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return path
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
