package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcdc/internal/metrics"
	"github.com/jfoltran/pgcdc/internal/sentinel"
)

var switchoverTimeout time.Duration

var switchoverCmd = &cobra.Command{
	Use:   "switchover",
	Short: "Wait for a running pipeline to catch up to the source's current position",
	Long: `Switchover reads the source's current WAL write position and
polls the persisted state file (written by a running 'pgcdc run') until
its confirmed LSN reaches or passes that point, proving every change
committed before this command was invoked has been durably applied to
the sink. Intended to gate cutting application traffic over.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), switchoverTimeout)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("connect to source: %w", err)
		}
		defer pool.Close()

		var targetStr string
		if err := pool.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&targetStr); err != nil {
			return fmt.Errorf("query current WAL position: %w", err)
		}
		target, err := pglogrepl.ParseLSN(targetStr)
		if err != nil {
			return fmt.Errorf("parse WAL position: %w", err)
		}

		logger.Info().Stringer("target_lsn", target).Msg("waiting for pipeline to catch up")

		durableLSN := func() pglogrepl.LSN {
			snap, err := metrics.ReadStateFile()
			if err != nil {
				return 0
			}
			lsn, err := pglogrepl.ParseLSN(snap.ConfirmedLSN)
			if err != nil {
				return 0
			}
			return lsn
		}

		if err := sentinel.WaitForDurable(ctx, target, durableLSN, 500*time.Millisecond, switchoverTimeout); err != nil {
			return err
		}

		fmt.Printf("caught up to %s, safe to switch over\n", target)
		return nil
	},
}

func init() {
	switchoverCmd.Flags().DurationVar(&switchoverTimeout, "timeout", 30*time.Second, "Maximum time to wait for the pipeline to catch up")
	rootCmd.AddCommand(switchoverCmd)
}
