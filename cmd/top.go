package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"pirate/cmd/top"
	"pirate/internal/logger"
)

var (
	topStatusURL string
	topInterval  time.Duration
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Watch a running broker",
	Long: `Show a live view of a running broker: ready workers in dispatch order with
their remaining lifetime, and the queue counters. Reads the broker's status
server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Log output would corrupt the screen
		logger.SetSilentMode(true)
		return top.Run(topStatusURL, topInterval)
	},
}

func init() {
	topCmd.Flags().StringVar(&topStatusURL, "status", "http://127.0.0.1:9555", "Broker status server URL")
	topCmd.Flags().DurationVar(&topInterval, "interval", time.Second, "Refresh interval")
}
