package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"managed-kvstore/internal/config"
	"managed-kvstore/internal/kv"
	"managed-kvstore/internal/logging"
	"managed-kvstore/internal/storage"
)

const Version = "1.0.0"

// cliOptions holds the persistent flags shared by every command.
type cliOptions struct {
	configPath string
	backend    string
	dataPath   string
	store      string
	logLevel   string
	jsonOutput bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "kvtool",
		Short: "Inspect and serve managed key-value stores",
		Long: fmt.Sprintf(`kvtool (v%s)

Reads and writes string stores on any configured backend (memory, badger,
bolt, pebble, leveldb, redis, sqlite). Configuration comes from a YAML file,
KV_* environment variables and .env files, in that order of precedence.`, Version),
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&opts.backend, "backend", "", "Backend overriding storage.backend")
	flags.StringVar(&opts.dataPath, "data-path", "", "Data directory overriding storage.data_path")
	flags.StringVarP(&opts.store, "store", "s", "default", "Name of the store to operate on")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")

	root.AddCommand(
		newGetCmd(opts),
		newPutCmd(opts),
		newPutIfAbsentCmd(opts),
		newDelCmd(opts),
		newScanCmd(opts),
		newSizeCmd(opts),
		newClearCmd(opts),
		newFlushCmd(opts),
		newServeCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of kvtool",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "kvtool v%s\n", Version)
			},
		},
	)
	return root
}

// loadConfig reads .env files, the config file and the environment, then
// applies flag overrides.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.backend != "" {
		if _, err := storage.ParseKind(o.backend); err != nil {
			return nil, err
		}
		cfg.Storage.Backend = o.backend
	}
	if o.dataPath != "" {
		cfg.Storage.DataPath = o.dataPath
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// withStore opens the selected string store, runs fn and closes the provider,
// which flushes anything fn wrote.
func (o *cliOptions) withStore(fn func(kv.KeyValueStore[string, string]) error) (err error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(&cfg.Logging)

	p, err := kv.NewProviderFromConfig(cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	defer func() {
		if closeErr := p.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	s, err := kv.Open(p, kv.NewOptions[string, string](o.store))
	if err != nil {
		return err
	}
	return fn(s)
}
