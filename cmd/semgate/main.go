// Package main provides the semgate binary entry point.
// Semgate is a reconciliation control plane: it resolves extracted
// entities against an external registry under rate and circuit
// governance, and manages the human verification queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semgate/batch"
	"github.com/c360studio/semgate/config"
	"github.com/c360studio/semgate/idempotency"
	"github.com/c360studio/semgate/reconcile"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semgate"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Entity reconciliation control plane",
		Long: `Semgate reconciles extracted entities against an external registry.

It provides:
- Governed registry access (rate windows, concurrency, circuit breaker)
- Deterministic idempotency keys for extraction requests
- A durable human verification queue for ambiguous matches

Links and verification tasks are stored in NATS JetStream KV.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(versionCmd())
	cmd.AddCommand(keyCmd())
	cmd.AddCommand(reconcileCmd(flags))
	cmd.AddCommand(tasksCmd(flags))
	cmd.AddCommand(serveCmd(flags))

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func keyCmd() *cobra.Command {
	var (
		ontologyID   string
		ontologyFile string
		paramsJSON   string
		short        bool
	)

	cmd := &cobra.Command{
		Use:   "key <text>",
		Short: "Compute the idempotency key for an extraction request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(ontologyFile)
			if err != nil {
				return fmt.Errorf("read ontology file: %w", err)
			}

			params := map[string]any{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("parse params: %w", err)
				}
			}

			key := idempotency.ComputeKey(args[0], ontologyID, idempotency.OntologyVersion(content), params)
			if short {
				key = idempotency.Short(key)
			}
			fmt.Println(key)
			return nil
		},
	}

	cmd.Flags().StringVar(&ontologyID, "ontology-id", "", "Ontology identifier")
	cmd.Flags().StringVar(&ontologyFile, "ontology-file", "", "Ontology file whose content versions the key")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "Extraction parameters as a JSON object")
	cmd.Flags().BoolVar(&short, "short", false, "Print the 12-character short form")
	_ = cmd.MarkFlagRequired("ontology-id")
	_ = cmd.MarkFlagRequired("ontology-file")

	return cmd
}

func reconcileCmd(flags *rootFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "reconcile <file-or-dir>",
		Short: "Reconcile a batch of entities from a JSON file",
		Long: `Reconcile entities from a JSON file against the registry.

The file holds either a bare JSON array of entities or an object with
an "entities" array. With --watch, the argument is a directory and
every JSON file created or modified in it is reconciled as it settles.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, ctx, cleanup, err := startApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			if watch {
				return watchAndReconcile(ctx, app, args[0])
			}
			return reconcileFile(ctx, app, args[0])
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Watch a directory and reconcile JSON files as they arrive")
	return cmd
}

func reconcileFile(ctx context.Context, app *App, path string) error {
	entities, err := batch.LoadFile(path)
	if err != nil {
		return err
	}

	results, err := app.Engine().ReconcileBatch(ctx, entities)
	printResults(results)
	if err != nil {
		return fmt.Errorf("batch stopped early: %w", err)
	}
	return nil
}

func watchAndReconcile(ctx context.Context, app *App, dir string) error {
	watcher, err := batch.NewWatcher(dir, batch.WithWatchLogger(slog.Default()))
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	slog.Info("Watching for entity batches", "dir", dir)
	for path := range watcher.Events() {
		slog.Info("Reconciling batch", "file", path)
		if err := reconcileFile(ctx, app, path); err != nil {
			slog.Error("Batch failed", "file", path, "error", err)
		}
	}
	return nil
}

func printResults(results []*reconcile.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tDECISION\tMATCH\tTASK")
	for _, r := range results {
		match, task := "-", "-"
		if r.BestMatch != nil {
			match = fmt.Sprintf("%s (%d)", r.BestMatch.ID, r.BestMatch.Score)
		}
		if r.TaskID != "" {
			task = r.TaskID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.EntityIRI, r.Decision, match, task)
	}
	w.Flush()
}

func tasksCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage verification tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending verification tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, ctx, cleanup, err := startApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			tasks, err := app.Engine().PendingTasks(ctx)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No pending tasks.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tLABEL\tENTITY\tCANDIDATES\tCREATED")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					t.ID, t.Label, t.EntityIRI, len(t.Candidates),
					t.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "approve <task-id> <candidate-id>",
		Short: "Approve a task, linking the entity to the chosen candidate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, ctx, cleanup, err := startApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := app.Engine().ApproveTask(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Task %s approved with candidate %s\n", args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a task without linking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, ctx, cleanup, err := startApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := app.Engine().RejectTask(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Task %s rejected\n", args[0])
			return nil
		},
	})

	return cmd
}

func serveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the review API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, ctx, cleanup, err := startApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			return app.ServeHTTP(ctx)
		},
	}
}

// startApp loads config, configures logging and starts the wired
// application. The returned context is cancelled on SIGINT/SIGTERM.
func startApp(flags *rootFlags) (*App, context.Context, func(), error) {
	logger := newLogger(flags.logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(flags.configPath, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	app := NewApp(cfg, logger)
	if err := app.Start(ctx); err != nil {
		cancel()
		return nil, nil, nil, err
	}

	cleanup := func() {
		app.Shutdown()
		cancel()
	}
	return app, ctx, cleanup, nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}
