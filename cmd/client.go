package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"pirate/internal/client"
	"pirate/internal/logger"
)

var clientRequests int

var clientCmd = &cobra.Command{
	Use:   "client [message...]",
	Short: "Send requests through the queue",
	Long: `Send requests to the broker as a Lazy Pirate client. Each request is retried
on a fresh socket when no reply arrives within the timeout, and abandoned
after the configured number of attempts. Each argument becomes one frame;
without arguments the request is a sequence number.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{
			"broker":     "client.broker",
			"timeout":    "client.timeout",
			"retries":    "client.retries",
			"server-key": "client.server_key",
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := client.New(client.Options{
			Broker:    cfg.Client.Broker,
			Timeout:   cfg.Client.Timeout,
			Retries:   cfg.Client.Retries,
			ServerKey: cfg.Client.ServerKey,
		})
		if err != nil {
			return err
		}
		defer c.Close()

		log := logger.New()
		for seq := 1; clientRequests <= 0 || seq <= clientRequests; seq++ {
			frames := make([][]byte, 0, len(args))
			for _, arg := range args {
				frames = append(frames, []byte(arg))
			}
			if len(frames) == 0 {
				frames = append(frames, []byte(fmt.Sprintf("%d", seq)))
			}

			reply, err := c.Request(ctx, frames...)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				return err
			}

			parts := make([]string, len(reply))
			for i, frame := range reply {
				parts[i] = string(frame)
			}
			cmd.Printf("%d: %s\n", seq, strings.Join(parts, " "))
		}

		stats := c.Stats()
		log.Info().
			Int("sent", stats.RequestsSent).
			Int("received", stats.RepliesReceived).
			Int("retries", stats.Retries).
			Float64("avg_latency_ms", stats.AverageLatency).
			Msg("Client finished")
		return nil
	},
}

func init() {
	flags := clientCmd.Flags()
	flags.String("broker", "", "Broker frontend endpoint")
	flags.Duration("timeout", 0, "Time to wait for each reply")
	flags.Int("retries", 0, "Attempts per request before giving up")
	flags.String("server-key", "", "Broker CURVE public key")
	flags.IntVarP(&clientRequests, "requests", "n", 1, "Number of requests to send, 0 sends until interrupted")
}
