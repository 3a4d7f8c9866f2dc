package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/config"
	"github.com/jfoltran/pgcdc/internal/examplesink"
	"github.com/jfoltran/pgcdc/internal/metrics"
	"github.com/jfoltran/pgcdc/internal/pipeline"
	"github.com/jfoltran/pgcdc/internal/replication"
	"github.com/jfoltran/pgcdc/internal/sink"
	"github.com/jfoltran/pgcdc/internal/source"
	"github.com/jfoltran/pgcdc/internal/valuedecode"
)

// buildEngine opens the source's replication and catalog connections and
// the destination pool (the example sink), wiring them into a
// pipeline.Engine. The returned closer must be run once the engine's Run
// has returned.
func buildEngine(ctx context.Context, c *config.Config, log zerolog.Logger) (*pipeline.Engine, func(), error) {
	replConn, err := pgconn.Connect(ctx, c.Source.ReplicationDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connect to source (replication mode): %w", err)
	}

	pool, err := pgxpool.New(ctx, c.Source.DSN())
	if err != nil {
		replConn.Close(ctx)
		return nil, nil, fmt.Errorf("connect to source (catalog pool): %w", err)
	}

	protocol := replication.ProtocolV1
	if c.Replication.ProtocolV2 {
		protocol = replication.ProtocolV2
	}

	replClient := replication.NewClient(replConn, c.Replication.SlotName, c.Replication.Publication, protocol, log)
	src := source.New(replClient, pool, source.Config{
		SlotName:    c.Replication.SlotName,
		Publication: c.Replication.Publication,
		Protocol:    protocol,
		Workers:     c.Snapshot.Workers,
		Policy:      decodePolicy(c.Replication.UnknownTypes),
	}, log)

	destPool, err := pgxpool.New(ctx, c.Dest.DSN())
	if err != nil {
		pool.Close()
		replConn.Close(ctx)
		return nil, nil, fmt.Errorf("connect to dest: %w", err)
	}
	sk := examplesink.New(destPool, log)
	if err := sk.EnsureState(ctx); err != nil {
		destPool.Close()
		pool.Close()
		replConn.Close(ctx)
		return nil, nil, fmt.Errorf("ensure sink state table: %w", err)
	}

	engine := pipeline.New(src, sk, pipelineAction(c.Replication.Action), log)

	if c.Replication.OriginID != "" {
		if err := replClient.SetReplicationOrigin(ctx, c.Replication.OriginID); err != nil {
			log.Warn().Err(err).Msg("failed to set replication origin on source connection")
		}
	}

	closer := func() {
		src.Close(ctx)
		destPool.Close()
		pool.Close()
	}

	return engine, closer, nil
}

func pipelineAction(a config.PipelineAction) pipeline.Action {
	switch a {
	case config.PipelineBackfillOnly:
		return pipeline.ActionBackfillOnly
	case config.PipelineCdcOnly:
		return pipeline.ActionCdcOnly
	default:
		return pipeline.ActionBoth
	}
}

func decodePolicy(p config.UnknownTypesPolicy) valuedecode.UnknownTypePolicy {
	if p == config.UnknownTypesBytes {
		return valuedecode.UnknownTypeBytes
	}
	return valuedecode.UnknownTypeError
}

// pollMetrics feeds a metrics.Collector from an Engine's Status() at a
// steady interval until ctx is cancelled, giving --tui/--api-port a live
// view without the engine itself depending on the metrics package.
func pollMetrics(ctx context.Context, engine *pipeline.Engine, collector *metrics.Collector) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := engine.Status()
			collector.SetPhase(st.Phase.String())
			collector.RecordConfirmedLSN(st.DurableLSN)
			collector.RecordApplied(st.LastLSN, 0, 0)
		}
	}
}
