package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pirate/internal/api"
	"pirate/internal/broker"
	"pirate/internal/config"
	"pirate/internal/keys"
	"pirate/internal/logger"
	"pirate/internal/metrics"
	"pirate/internal/transport/zmq"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the Paranoid Pirate queue",
	Long: `Run the queue broker. Clients connect to the frontend, workers connect to
the backend. The broker dispatches each request to the least recently used
ready worker, heartbeats idle workers and forgets workers that stay silent.
It runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{
			"frontend":       "broker.frontend",
			"backend":        "broker.backend",
			"interval":       "broker.heartbeat_interval",
			"liveness":       "broker.heartbeat_liveness",
			"max-workers":    "broker.max_workers",
			"status-listen":  "broker.status_listen",
			"curve":          "broker.curve.enabled",
			"curve-key-file": "broker.curve.key_file",
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runBroker(ctx, cfg)
	},
}

func runBroker(ctx context.Context, cfg *config.Config) error {
	log := logger.New()
	log.Info().
		Str("config_path", configPath).
		Str("frontend", cfg.Broker.Frontend).
		Str("backend", cfg.Broker.Backend).
		Dur("heartbeat_interval", cfg.Broker.HeartbeatInterval).
		Int("heartbeat_liveness", cfg.Broker.HeartbeatLiveness).
		Msg("Starting Pirate broker")

	gateOpts := zmq.Options{}
	if cfg.Broker.Curve.Enabled {
		kp, generated, err := keys.LoadOrGenerate(cfg.Broker.Curve.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load broker keys: %w", err)
		}
		if generated {
			log.Info().Str("key_file", cfg.Broker.Curve.KeyFile).Msg("Generated new broker key pair")
		}
		log.Info().Str("public_key", kp.PublicKey).Msg("CURVE encryption enabled")
		gateOpts.CurveSecretKey = kp.PrivateKey
	}

	frontend, err := zmq.Bind("frontend", cfg.Broker.Frontend, gateOpts)
	if err != nil {
		return err
	}
	backend, err := zmq.Bind("backend", cfg.Broker.Backend, gateOpts)
	if err != nil {
		frontend.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewBroker(registry)
	if err != nil {
		frontend.Close()
		backend.Close()
		return err
	}

	dispatcher, err := broker.NewDispatcher(frontend, backend, zmq.NewPoller(), broker.Options{
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		HeartbeatLiveness: cfg.Broker.HeartbeatLiveness,
		MaxWorkers:        cfg.Broker.MaxWorkers,
		Metrics:           m,
	})
	if err != nil {
		frontend.Close()
		backend.Close()
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	// The status server stops whenever the queue does.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return dispatcher.Run(ctx)
	})
	if cfg.Broker.StatusListen != "" {
		server := api.NewServer(dispatcher, registry)
		g.Go(func() error {
			return server.ListenAndServe(ctx, cfg.Broker.StatusListen)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error(err, "Broker stopped with error")
		return err
	}
	logger.Info("Broker stopped")
	return nil
}

var brokerConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Generate or validate configuration files.`,
}

var brokerConfigGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Long:  `Generate a default configuration file with every setting spelled out.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		if err := config.SaveConfig(config.NewDefaultConfig(), path); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", path)
		return nil
	},
}

var brokerConfigValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Validate a configuration file for syntax and required fields.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		cfg, err := config.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", path)
		cmd.Printf("Frontend: %s\n", cfg.Broker.Frontend)
		cmd.Printf("Backend: %s\n", cfg.Broker.Backend)
		cmd.Printf("Heartbeat: every %s, worker expires after %s\n", cfg.Broker.HeartbeatInterval, cfg.WorkerTTL())
		for _, warning := range cfg.Warnings() {
			cmd.Printf("Warning: %s\n", warning)
		}
		return nil
	},
}

func init() {
	flags := brokerCmd.Flags()
	flags.String("frontend", "", "Client-facing endpoint to bind")
	flags.String("backend", "", "Worker-facing endpoint to bind")
	flags.Duration("interval", 0, "Heartbeat interval")
	flags.Int("liveness", 0, "Missed heartbeats before a worker is forgotten")
	flags.Int("max-workers", 0, "Maximum number of ready workers")
	flags.String("status-listen", "", "Status server address, empty disables it")
	flags.Bool("curve", false, "Enable CURVE encryption")
	flags.String("curve-key-file", "", "Broker key pair file")

	brokerCmd.AddCommand(brokerConfigCmd)
	brokerConfigCmd.AddCommand(brokerConfigGenerateCmd)
	brokerConfigCmd.AddCommand(brokerConfigValidateCmd)
}
