package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcdc/internal/metrics"
	"github.com/jfoltran/pgcdc/internal/statusserver"
	"github.com/jfoltran/pgcdc/internal/tui"
)

var (
	runAPIPort int
	runTUI     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline (backfill and/or CDC streaming, per --action)",
	Long: `Run drives the configured source into the example sink:
  --action both (default)     backfill every not-yet-copied table, then stream CDC
  --action backfill-only      copy tables and exit
  --action cdc-only           skip backfill, stream from the sink's last durable LSN

Resumption is tracked through the sink, not local state: interrupting
and re-running picks up from GetResumptionState.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		pipelineLogger := logger
		collector := metrics.NewCollector(pipelineLogger)
		defer collector.Close()

		persister, err := metrics.NewStatePersister(collector, pipelineLogger)
		if err == nil {
			persister.Start()
			defer persister.Stop()
		}

		if runTUI || runAPIPort > 0 {
			logWriter := metrics.NewLogWriter(collector)
			var newLogger zerolog.Logger
			if runTUI {
				newLogger = zerolog.New(logWriter).With().Timestamp().Logger()
			} else {
				newLogger = zerolog.New(zerolog.MultiLevelWriter(logOutput, logWriter)).With().Timestamp().Logger()
			}
			pipelineLogger = newLogger.Level(logger.GetLevel())
		}

		engine, closer, err := buildEngine(ctx, &cfg, pipelineLogger)
		if err != nil {
			return err
		}
		defer closer()

		if runAPIPort > 0 {
			srv := statusserver.New(collector, &cfg, pipelineLogger)
			srv.StartBackground(ctx, runAPIPort)
		}

		pollCtx, cancelPoll := context.WithCancel(ctx)
		defer cancelPoll()
		go pollMetrics(pollCtx, engine, collector)

		if runTUI {
			errCh := make(chan error, 1)
			go func() {
				errCh <- engine.Run(ctx, cfg.Replication.Publication)
			}()
			return tui.Run(collector, errCh)
		}

		return engine.Run(ctx, cfg.Replication.Publication)
	},
}

func init() {
	runCmd.Flags().IntVar(&runAPIPort, "api-port", 0, "Enable HTTP status API on this port (0 = disabled)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show terminal dashboard while running")
	rootCmd.AddCommand(runCmd)
}
