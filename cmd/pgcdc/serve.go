package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcdc/internal/metrics"
	"github.com/jfoltran/pgcdc/internal/statusserver"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API from the last-persisted state",
	Long: `Serve starts the status HTTP/WebSocket API reading from the
state file a running 'pgcdc run' instance persists. Useful for exposing
status without holding open the pipeline's own process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		collector := metrics.NewCollector(logger)
		defer collector.Close()

		if snap, err := metrics.ReadStateFile(); err == nil {
			collector.SetPhase(snap.Phase)
		}

		srv := statusserver.New(collector, &cfg, logger)
		return srv.Start(cmd.Context(), servePort)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 7654, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}
