package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pirate/internal/config"
	"pirate/internal/logger"
)

var (
	verbose    bool
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "pirate",
	Short: "Pirate - a reliable load-balancing request queue",
	Long: `Pirate is a Paranoid Pirate queue: clients send requests to the broker,
which hands each one to the least recently used ready worker. Broker and
workers exchange heartbeats so that dead peers are detected on both sides.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "pirate.yml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (console, json)")

	// Add subcommands
	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(topCmd)
}

// loadConfig reads the configuration file, falling back to defaults when it
// does not exist, then applies PIRATE_* variables and the flags in bindings
// (flag name to dotted config key) that were set on the command line.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	missing := errors.Is(err, fs.ErrNotExist)
	if missing {
		cfg = config.NewDefaultConfig()
	} else if err != nil {
		return nil, err
	}

	v := config.NewViper()
	bindings["log-level"] = "log.level"
	bindings["log-format"] = "log.format"
	if err := bindFlags(v, cmd.Flags(), bindings); err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(v)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg.Log)
	if missing {
		logger.Debug("No configuration file, using defaults")
	}
	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for name, key := range bindings {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setupLogging(cfg config.LogConfig) {
	logger.SetSilentMode(false)
	logger.SetFormat(cfg.Format)
	if verbose {
		logger.SetLevel(logger.LOG_DEBUG)
	} else {
		logger.SetLevel(cfg.Level)
	}
}
