package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pirate/internal/logger"
	"pirate/internal/worker"
)

var (
	workerChaos     bool
	workerChaosSeed int64
	workerDelay     time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an echo worker",
	Long: `Run a Paranoid Pirate worker that echoes every request back to its client.
The worker heartbeats the broker and reconnects with exponential backoff when
the broker goes silent. With --chaos it simulates crashes and overload after
a few requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{
			"broker":     "worker.broker",
			"identity":   "worker.identity",
			"interval":   "worker.heartbeat_interval",
			"liveness":   "worker.heartbeat_liveness",
			"server-key": "worker.server_key",
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		handler := worker.Handler(worker.Echo)
		if workerDelay > 0 {
			handler = worker.HandlerFunc(func(ctx context.Context, request [][]byte) ([][]byte, error) {
				select {
				case <-time.After(workerDelay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return worker.Echo.Handle(ctx, request)
			})
		}

		w, err := worker.New(worker.Options{
			Broker:            cfg.Worker.Broker,
			Identity:          cfg.Worker.Identity,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			HeartbeatLiveness: cfg.Worker.HeartbeatLiveness,
			ReconnectInitial:  cfg.Worker.ReconnectInitial,
			ReconnectMax:      cfg.Worker.ReconnectMax,
			ServerKey:         cfg.Worker.ServerKey,
			Chaos:             workerChaos,
			ChaosSeed:         workerChaosSeed,
		}, handler)
		if err != nil {
			return err
		}

		log := logger.New()
		log.Info().
			Str("identity", w.Identity()).
			Str("broker", cfg.Worker.Broker).
			Bool("chaos", workerChaos).
			Msg("Starting Pirate worker")

		err = w.Run(ctx)
		stats := w.Stats()
		log.Info().
			Int("requests_handled", stats.RequestsHandled).
			Int("reconnections", stats.Reconnections).
			Msg("Worker stopped")

		if errors.Is(err, worker.ErrSimulatedCrash) {
			logger.Warn("Simulated crash")
		}
		return err
	},
}

func init() {
	flags := workerCmd.Flags()
	flags.String("broker", "", "Broker backend endpoint")
	flags.String("identity", "", "Worker identity, generated when empty")
	flags.Duration("interval", 0, "Heartbeat interval")
	flags.Int("liveness", 0, "Missed heartbeats before reconnecting")
	flags.String("server-key", "", "Broker CURVE public key")
	flags.BoolVar(&workerChaos, "chaos", false, "Simulate crashes and overload")
	flags.Int64Var(&workerChaosSeed, "chaos-seed", 0, "Seed for chaos mode, 0 uses the clock")
	flags.DurationVar(&workerDelay, "delay", 0, "Artificial processing time per request")
}
