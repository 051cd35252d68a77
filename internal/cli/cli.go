// Package cli provides the dirmigrate command line interface.
//
// Command structure:
//
//	dirmigrate
//	├── serve                # Run the HTTP control surface
//	├── run                  # One-shot import from a dataset file
//	├── status               # Show stored run state
//	├── --config, -c         # Config file path (all commands)
//	└── --dataset, -d        # Dataset JSON file (serve, run)
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openlistings/dirmigrate/internal/contentstore"
	"github.com/openlistings/dirmigrate/internal/dispatcher"
	"github.com/openlistings/dirmigrate/internal/executor"
	"github.com/openlistings/dirmigrate/internal/importer/listingsdir"
	"github.com/openlistings/dirmigrate/internal/metrics"
	"github.com/openlistings/dirmigrate/internal/optionstore"
	"github.com/openlistings/dirmigrate/internal/pipeline"
	"github.com/openlistings/dirmigrate/internal/server"
	"github.com/openlistings/dirmigrate/pkg/types"
)

// Duration is a time.Duration the YAML config spells as "20s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the complete configuration, mapped from the YAML config file.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Store optionstore.Config `yaml:"store"`

	Engine struct {
		BatchSize    int      `yaml:"batch_size"`
		SliceBudget  Duration `yaml:"slice_budget"`
		SafetyMargin Duration `yaml:"safety_margin"`
		MaxDeferrals int      `yaml:"max_deferrals"`
	} `yaml:"engine"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Store.Backend = "file"
	cfg.Store.Path = "data/options.json"
	cfg.Engine.BatchSize = 25
	cfg.Engine.SliceBudget = Duration(20 * time.Second)
	cfg.Metrics.Enabled = true
	return cfg
}

// LoadConfig reads path and fills unset fields with defaults. A missing file
// is not an error; the defaults alone make a working local setup.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config YAML: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	return cfg, nil
}

// LoadDataset reads a dataset JSON file into a static source.
func LoadDataset(path string) (*listingsdir.StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset file: %w", err)
	}
	var src listingsdir.StaticSource
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("parse dataset JSON: %w", err)
	}
	return &src, nil
}

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "dirmigrate",
		Short: "dirmigrate: a resumable directory-listing import engine",
		Long: `dirmigrate migrates listings directories (categories, tags, packages,
custom fields, listings, reviews) into a target content store. Runs are
persisted after every step, so an interrupted import resumes where it
stopped instead of creating duplicates.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand(&configFile))
	rootCmd.AddCommand(buildRunCommand(&configFile))
	rootCmd.AddCommand(buildStatusCommand(&configFile))

	return rootCmd
}

// engine bundles everything a command needs to drive imports.
type engine struct {
	cfg       Config
	store     optionstore.Store
	svc       *pipeline.Service
	collector *metrics.Collector
	logger    *slog.Logger
}

func buildEngine(configFile string, src listingsdir.Source) (*engine, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := optionstore.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open option store: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	svc := pipeline.NewService(
		store,
		contentstore.NewMemory(),
		dispatcher.New(time.Duration(cfg.Engine.SliceBudget), logger, collector),
		collector,
		logger,
		pipeline.ServiceConfig{
			BatchSize: cfg.Engine.BatchSize,
			Executor: executor.Config{
				SafetyMargin:   time.Duration(cfg.Engine.SafetyMargin),
				MaxSliceBudget: time.Duration(cfg.Engine.SliceBudget),
				MaxDeferrals:   cfg.Engine.MaxDeferrals,
			},
		},
	)
	if err := svc.Register(listingsdir.ImporterID, func(env pipeline.Env) pipeline.Importer {
		return listingsdir.New(env, src)
	}); err != nil {
		store.Close()
		return nil, err
	}

	return &engine{cfg: cfg, store: store, svc: svc, collector: collector, logger: logger}, nil
}

func (e *engine) close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close option store", "error", err)
	}
}

func buildServeCommand(configFile *string) *cobra.Command {
	var datasetFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface",
		Long:  "Serve the start/poll/abort API plus health and metrics endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := LoadDataset(datasetFile)
			if err != nil {
				return err
			}
			return serve(*configFile, src)
		},
	}

	cmd.Flags().StringVarP(&datasetFile, "dataset", "d", "", "dataset JSON file to import from")
	cmd.MarkFlagRequired("dataset")

	return cmd
}

func serve(configFile string, src listingsdir.Source) error {
	e, err := buildEngine(configFile, src)
	if err != nil {
		return err
	}
	defer e.close()

	httpSrv := &http.Server{
		Addr:    e.cfg.Server.Addr,
		Handler: server.New(e.svc, e.collector, e.logger).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("listening", "addr", e.cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		e.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("http shutdown failed", "error", err)
	}

	// In-flight import loops persist their position as they go; stopping them
	// at the next task boundary leaves the run resumable.
	e.svc.Shutdown()
	return nil
}

func buildRunCommand(configFile *string) *cobra.Command {
	var (
		datasetFile      string
		pageSize         int
		updateExisting   bool
		defaultPackageID int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one import to completion and exit",
		Long:  "Start an import from a dataset file, stream its log to stdout and exit when it finishes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := LoadDataset(datasetFile)
			if err != nil {
				return err
			}
			settings := types.Settings{}
			if pageSize > 0 {
				settings["page_size"] = pageSize
			}
			if updateExisting {
				settings["update_existing"] = true
			}
			if defaultPackageID > 0 {
				settings["default_package_id"] = defaultPackageID
			}
			return runOnce(cmd.Context(), *configFile, src, settings)
		},
	}

	cmd.Flags().StringVarP(&datasetFile, "dataset", "d", "", "dataset JSON file to import from")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "source rows fetched per task")
	cmd.Flags().BoolVar(&updateExisting, "update-existing", false, "update already-imported rows instead of skipping them")
	cmd.Flags().Int64Var(&defaultPackageID, "default-package", 0, "target package ID that free source packages map onto")
	cmd.MarkFlagRequired("dataset")

	return cmd
}

func runOnce(ctx context.Context, configFile string, src listingsdir.Source, settings types.Settings) error {
	e, err := buildEngine(configFile, src)
	if err != nil {
		return err
	}
	defer e.close()

	if _, err := e.svc.Start(ctx, listingsdir.ImporterID, settings); err != nil {
		return fmt.Errorf("start import: %w", err)
	}

	logsShown := 0
	for {
		resp, err := e.svc.Poll(ctx, listingsdir.ImporterID, logsShown)
		if err != nil {
			return fmt.Errorf("poll import: %w", err)
		}
		for _, entry := range resp.Logs {
			fmt.Printf("[%s] %s\n", entry.Status, entry.Message)
		}
		logsShown = resp.LogsShown
		if !resp.InProgress {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	stats, err := e.svc.Stats(ctx, listingsdir.ImporterID)
	if err != nil {
		return err
	}
	fmt.Printf("done: %d total, %d succeeded, %d skipped, %d failed\n",
		stats.Total, stats.Succeed, stats.Skipped, stats.Failed)
	if stats.Failed > 0 {
		return fmt.Errorf("%d items failed to import", stats.Failed)
	}
	return nil
}

func buildStatusCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored import state",
		Long:  "Display run counters and whether a resumable run exists, from the configured option store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), *configFile)
		},
	}
	return cmd
}

func showStatus(ctx context.Context, configFile string) error {
	// Status only reads persisted state, so an empty source is fine.
	e, err := buildEngine(configFile, &listingsdir.StaticSource{})
	if err != nil {
		return err
	}
	defer e.close()

	for _, id := range e.svc.Importers() {
		inProgress, err := e.svc.InProgress(ctx, id)
		if err != nil {
			return err
		}
		stats, err := e.svc.Stats(ctx, id)
		if err != nil {
			return err
		}
		state := "idle"
		if inProgress {
			state = "resumable run pending"
		}
		fmt.Printf("%s: %s\n", id, state)
		fmt.Printf("  total: %d  succeeded: %d  skipped: %d  failed: %d\n",
			stats.Total, stats.Succeed, stats.Skipped, stats.Failed)
	}
	return nil
}
