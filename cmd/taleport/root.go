package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/taleport/internal/config"
	"github.com/BadgerOps/taleport/internal/engine"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore    *store.Store
	globalManager  *engine.Manager
	globalRegistry *provider.Registry
)

// initializeComponents opens the store, builds the provider registry from
// the persisted provider state and creates the manager.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if err := os.MkdirAll(globalCfg.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.New(globalCfg.DBPath(), logger, store.WithAssetDir(globalCfg.AssetDir()))
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	yamlProviders := make(map[string]map[string]interface{}, len(globalCfg.Providers))
	for _, name := range engine.DefaultProviderOrder {
		if section, ok := globalCfg.Providers[strings.ToLower(name)]; ok {
			yamlProviders[name] = section
		}
	}
	if err := st.SeedProviderConfigs(engine.DefaultProviderOrder, yamlProviders); err != nil {
		return fmt.Errorf("seeding provider configs: %w", err)
	}

	client := engine.NewClient(globalCfg, logger)
	factory := engine.NewProviderFactory(client, logger)
	globalRegistry, err = engine.NewRegistry(factory, globalCfg, logger)
	if err != nil {
		return fmt.Errorf("building provider registry: %w", err)
	}

	globalManager = engine.NewManager(globalRegistry, engine.NewResolverChain(globalCfg, logger), st, client, globalCfg, logger)
	globalManager.SetProviderFactory(factory)

	configs, err := st.ListProviderConfigs()
	if err != nil {
		return fmt.Errorf("listing provider configs: %w", err)
	}
	if err := globalManager.ReconfigureProviders(configs); err != nil {
		return fmt.Errorf("configuring providers: %w", err)
	}

	logger.Debug("components initialized", "providers", globalRegistry.Names())
	return nil
}

// shouldSkipComponentInit checks if a command should skip component
// initialization. Only the top-level command name counts, so "tale version"
// still initializes.
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	top := cmd
	for top.HasParent() && top.Parent().HasParent() {
		top = top.Parent()
	}
	switch top.Name() {
	case "help", "completion", "config":
		return true
	}
	return false
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taleport",
		Short: "Import research datasets and tales from external repositories",
		Long: `taleport resolves identifiers (DOIs, minids, URLs) to datasets held by
research repositories such as Zenodo, Dataverse, DataONE, Globus and BDBag
archives, registers them as folders and items in a local object store, and
converts tales to and from their portable JSON-LD manifest.`,
		Example: `  taleport lookup 10.5281/zenodo.6038195
  taleport lookup --list https://dataverse.harvard.edu/dataset.xhtml?persistentId=doi:10.7910/DVN/TJCLKP
  taleport register doi:10.5065/D6862DM8
  taleport tale create --title "Glacier melt" --user ann@example.org
  taleport manifest <taleId> --expand-folders=false
  taleport import-tale 10.5281/zenodo.4134455`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if cmd.Name() == "help" {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if dataDir != "" {
				globalCfg.Store.DataDir = dataDir
			}
			logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Store.DataDir)

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	cmd.AddCommand(
		newLookupCmd(),
		newRegisterCmd(),
		newTaleCmd(),
		newManifestCmd(),
		newParseManifestCmd(),
		newImportTaleCmd(),
		newProvidersCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}
