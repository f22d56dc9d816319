package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	serverrun "github.com/vireo-health/opq/internal/cmd/server"
	cfgpkg "github.com/vireo-health/opq/internal/config"
	"github.com/vireo-health/opq/internal/migrate"
	"github.com/vireo-health/opq/internal/opstore"
	"github.com/vireo-health/opq/internal/runtime"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	logpkg "github.com/vireo-health/opq/pkg/log"
)

func main() {
	level := os.Getenv("OPQ_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "opq",
		Short: "opq durable operation engine CLI",
		Long:  "opq persists device-local operations and delivers them to a remote authority exactly once. This CLI runs the processor and inspects queue state.",
	}
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (defaults to the OS-specific application data directory)")
	rootCmd.PersistentFlags().String("config", "", "Config file (JSON or YAML)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd(logger))
	rootCmd.AddCommand(newQuarantineCmd(logger))
	rootCmd.AddCommand(newMigrateCmd(logger))
	rootCmd.AddCommand(newCancelCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the engine configuration: defaults, then the optional
// config file, then OPQ_* environment overrides.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := cfgpkg.Default()
	if path != "" {
		loaded, err := cfgpkg.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfgpkg.FromEnv(&cfg)
	return cfg, cfg.Validate()
}

func dataDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("data-dir")
	if dir == "" {
		dir = cfgpkg.DefaultDataDir()
	}
	return dir
}

// openRuntime opens the store for inspection commands (no deliverer).
func openRuntime(cmd *cobra.Command, logger logpkg.Logger) (*runtime.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return runtime.Open(cmd.Context(), runtime.Options{
		DataDir: filepath.Join(dataDir(cmd), "store"),
		Fsync:   pebblestore.FsyncModeAlways,
		Config:  cfg,
		Logger:  logger,
	})
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue processor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			deliveryURL, _ := cmd.Flags().GetString("delivery-url")
			if deliveryURL == "" {
				return fmt.Errorf("--delivery-url is required")
			}
			metricsAddr, _ := cmd.Flags().GetString("metrics")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			tickMs, _ := cmd.Flags().GetInt("tick-ms")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       dataDir(cmd),
				MetricsAddr:   metricsAddr,
				DeliveryURL:   deliveryURL,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Tick:          time.Duration(tickMs) * time.Millisecond,
				Config:        cfg,
			}); err != nil {
				return fmt.Errorf("serve error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("delivery-url", os.Getenv("OPQ_DELIVERY_URL"), "Remote ingest endpoint operations are delivered to")
	cmd.Flags().String("metrics", ":9090", "Metrics/health listen address (empty disables)")
	cmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	cmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms")
	cmd.Flags().Int("tick-ms", 1000, "Interval between processing passes in ms")
	return cmd
}

func newStatusCmd(logger logpkg.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue counts and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("schema version:    %d\n", st.SchemaVersion)
			fmt.Printf("pending (normal):  %d\n", st.PendingNormal)
			fmt.Printf("pending (emergency): %d\n", st.PendingEmergency)
			fmt.Printf("quarantined:       %d\n", st.Quarantined)
			fmt.Printf("paused:            %v\n", st.Paused)
			return nil
		},
	}
}

func newQuarantineCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "quarantine", Short: "Inspect and recover archived operations"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantined operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")

			filter, err := opstore.NewFilter(expr)
			if err != nil {
				return fmt.Errorf("invalid --filter: %w", err)
			}
			rt, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			records, err := rt.Store().ListQuarantined(cmd.Context(), 0)
			if err != nil {
				return err
			}
			shown := 0
			for _, rec := range records {
				if !filter.Eval(rec) {
					continue
				}
				fmt.Printf("%s  %-24s %-9s attempts=%-3d reason=%-13s %s\n",
					rec.ID, rec.OperationType, rec.Priority, rec.Attempts, rec.QuarantineReason, rec.LastError)
				shown++
				if limit > 0 && shown >= limit {
					break
				}
			}
			if shown == 0 {
				fmt.Println("no quarantined operations")
			}
			return nil
		},
	}
	listCmd.Flags().String("filter", "", `CEL filter, e.g. 'reason == "auth" && attempts > 5'`)
	listCmd.Flags().Int("limit", 0, "Maximum records to print (0 = all)")
	cmd.AddCommand(listCmd)

	requeueCmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a quarantined operation back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.Store().Requeue(cmd.Context(), args[0], time.Now().UnixMilli())
			if err != nil {
				return err
			}
			fmt.Printf("requeued %s (%s, priority %s)\n", rec.ID, rec.OperationType, rec.Priority)
			return nil
		},
	}
	cmd.AddCommand(requeueCmd)
	return cmd
}

func newMigrateCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := runtime.Open(cmd.Context(), runtime.Options{
				DataDir:        filepath.Join(dataDir(cmd), "store"),
				Fsync:          pebblestore.FsyncModeAlways,
				Config:         cfg,
				Logger:         logger,
				SkipMigrations: true,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			runner := migrate.NewRunner(rt.DB(), rt.Trail(), logger)
			applied, err := runner.Run(cmd.Context(), migrate.All(), dryRun)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Println("dry run passed")
				return nil
			}
			v, err := runner.CurrentVersion()
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s); schema version is %d\n", applied, v)
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "Check preconditions without writing")
	return cmd
}

func newCancelCmd(logger logpkg.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a not-yet-delivered operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			ok, err := rt.Engine().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("operation %s not found (it may already be delivered)\n", args[0])
				return nil
			}
			fmt.Printf("cancelled %s\n", args[0])
			return nil
		},
	}
}
