// Package snapshot performs the backfill COPY phase: reading published
// tables under a consistent snapshot and streaming decoded rows to a
// sink, in parallel across a bounded worker pool.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgcdc/internal/catalog"
	"github.com/jfoltran/pgcdc/internal/pgerrors"
	"github.com/jfoltran/pgcdc/internal/sink"
	"github.com/jfoltran/pgcdc/internal/valuedecode"
)

// TableInfo describes a published table eligible for backfill.
type TableInfo struct {
	Schema    string
	Name      string
	RowCount  int64
	SizeBytes int64
}

// QualifiedName returns schema.table, omitting a "public" schema.
func (t TableInfo) QualifiedName() string {
	if t.Schema == "" || t.Schema == "public" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// CopyResult holds the outcome of backfilling a single table.
type CopyResult struct {
	Table      TableInfo
	RowsCopied int64
	Err        error
}

// ProgressFunc reports backfill progress for a table. event is "start",
// "progress", or "done".
type ProgressFunc func(table TableInfo, event string, rowsCopied int64)

// Reader lists and streams published tables from a source pool into a
// sink under a single consistent snapshot.
type Reader struct {
	source   *pgxpool.Pool
	decoder  *valuedecode.Decoder
	logger   zerolog.Logger
	progress ProgressFunc
	workers  int
}

// NewReader creates a Reader with the given source pool, value decoder,
// and worker concurrency.
func NewReader(source *pgxpool.Pool, decoder *valuedecode.Decoder, workers int, logger zerolog.Logger) *Reader {
	if workers < 1 {
		workers = 1
	}
	return &Reader{
		source:  source,
		decoder: decoder,
		logger:  logger.With().Str("component", "snapshot").Logger(),
		workers: workers,
	}
}

// SetProgressFunc installs a callback invoked as rows are streamed.
func (r *Reader) SetProgressFunc(fn ProgressFunc) {
	r.progress = fn
}

// ListPublicationTables returns every table the given publication
// includes, ordered by on-disk size descending so the largest (slowest)
// tables start copying first.
func (r *Reader) ListPublicationTables(ctx context.Context, publication string) ([]TableInfo, error) {
	rows, err := r.source.Query(ctx, `
		SELECT p.schemaname, p.tablename,
			GREATEST(COALESCE(s.n_live_tup, 0), COALESCE(c.reltuples::bigint, 0)),
			COALESCE(pg_table_size(quote_ident(p.schemaname) || '.' || quote_ident(p.tablename)), 0)
		FROM pg_publication_tables p
		LEFT JOIN pg_stat_user_tables s ON s.schemaname = p.schemaname AND s.relname = p.tablename
		LEFT JOIN pg_class c ON c.relname = p.tablename
			AND c.relnamespace = (SELECT oid FROM pg_namespace WHERE nspname = p.schemaname)
		WHERE p.pubname = $1
		ORDER BY pg_table_size(quote_ident(p.schemaname) || '.' || quote_ident(p.tablename)) DESC`,
		publication)
	if err != nil {
		return nil, fmt.Errorf("list publication tables: %w", err)
	}
	defer rows.Close()

	var tables []TableInfo
	for rows.Next() {
		var t TableInfo
		if err := rows.Scan(&t.Schema, &t.Name, &t.RowCount, &t.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// LoadRelation resolves a table's current schema into a catalog.Relation,
// independent of whatever Relation messages the replication stream has
// or hasn't sent yet — backfill needs the column list before streaming
// starts.
func (r *Reader) LoadRelation(ctx context.Context, table TableInfo) (*catalog.Relation, error) {
	var oid uint32
	err := r.source.QueryRow(ctx, `SELECT $1::regclass::oid`, quoteQualifiedName(table.Schema, table.Name)).Scan(&oid)
	if err != nil {
		return nil, fmt.Errorf("resolve oid for %s: %w", table.QualifiedName(), err)
	}

	var replicaIdentity string
	if err := r.source.QueryRow(ctx, `SELECT relreplident FROM pg_class WHERE oid = $1`, oid).Scan(&replicaIdentity); err != nil {
		return nil, fmt.Errorf("resolve replica identity for %s: %w", table.QualifiedName(), err)
	}

	rows, err := r.source.Query(ctx, `
		SELECT a.attname, a.atttypid, a.atttypmod,
			COALESCE(i.indisprimary, false) AS is_key
		FROM pg_attribute a
		LEFT JOIN pg_index i ON i.indrelid = a.attrelid AND a.attnum = ANY(i.indkey) AND i.indisprimary
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, oid)
	if err != nil {
		return nil, fmt.Errorf("resolve columns for %s: %w", table.QualifiedName(), err)
	}
	defer rows.Close()

	var cols []catalog.Column
	for rows.Next() {
		var c catalog.Column
		if err := rows.Scan(&c.Name, &c.TypeOID, &c.TypeModifier, &c.ReplicaIdentity); err != nil {
			return nil, fmt.Errorf("scan column for %s: %w", table.QualifiedName(), err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &catalog.Relation{
		OID:             oid,
		Namespace:       table.Schema,
		Name:            table.Name,
		ReplicaIdentity: catalog.ReplicaIdentityKind(replicaIdentity[0]),
		Columns:         cols,
	}, nil
}

// CopyAll backfills every table in tables concurrently, under the given
// exported snapshot, writing through to sink. snapshotLSN is the
// replication slot's consistent-point LSN (from Client.CreateSlot) and
// is recorded verbatim as every table's backfill end LSN, since the
// export snapshot and the slot's consistent point are the same instant.
// It returns one CopyResult per table, in the order of tables, each
// carrying that table's error if its copy failed (a single table's
// failure does not cancel the others, since tables are otherwise
// independent).
func (r *Reader) CopyAll(ctx context.Context, tables []TableInfo, snapshotName string, snapshotLSN uint64, s sink.Sink) []CopyResult {
	results := make([]CopyResult, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, t := range tables {
		i, t := i, t
		g.Go(func() error {
			results[i] = r.copyTable(gctx, t, snapshotName, snapshotLSN, s)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

const progressReportInterval = 500 * time.Millisecond

func (r *Reader) copyTable(ctx context.Context, table TableInfo, snapshotName string, snapshotLSN uint64, s sink.Sink) CopyResult {
	log := r.logger.With().Str("table", table.QualifiedName()).Logger()
	log.Info().Msg("starting backfill")
	r.reportProgress(table, "start", 0)

	rel, err := r.LoadRelation(ctx, table)
	if err != nil {
		return CopyResult{Table: table, Err: err}
	}
	if err := s.WriteBackfillSchema(ctx, rel); err != nil {
		return CopyResult{Table: table, Err: &pgerrors.SinkError{Op: "write backfill schema", Err: err}}
	}

	conn, err := r.source.Acquire(ctx)
	if err != nil {
		return CopyResult{Table: table, Err: fmt.Errorf("acquire source conn: %w", err)}
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return CopyResult{Table: table, Err: fmt.Errorf("begin source tx: %w", err)}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if snapshotName != "" {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snapshotName)); err != nil {
			return CopyResult{Table: table, Err: fmt.Errorf("set snapshot: %w", err)}
		}
	}

	qn := quoteQualifiedName(table.Schema, table.Name)
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT * FROM %s", qn))
	if err != nil {
		return CopyResult{Table: table, Err: fmt.Errorf("select from %s: %w", qn, err)}
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	var count int64
	lastReport := time.Time{}

	for rows.Next() {
		raw := rows.RawValues()
		decoded := make([]valuedecode.Value, len(raw))
		for i, fd := range fieldDescs {
			var v valuedecode.Value
			var err error
			if fd.Format == pgtype.BinaryFormatCode {
				v, err = r.decoder.DecodeBinary(fd.Name, fd.DataTypeOID, raw[i])
			} else {
				v, err = r.decoder.DecodeText(fd.Name, fd.DataTypeOID, raw[i])
			}
			if err != nil {
				return CopyResult{Table: table, Err: err}
			}
			decoded[i] = v
		}
		if err := s.WriteBackfillRow(ctx, rel, decoded); err != nil {
			return CopyResult{Table: table, Err: &pgerrors.SinkError{Op: "write backfill row", Err: err}}
		}
		count++
		if r.progress != nil && time.Since(lastReport) >= progressReportInterval {
			r.reportProgress(table, "progress", count)
			lastReport = time.Now()
		}
	}
	if err := rows.Err(); err != nil {
		return CopyResult{Table: table, Err: fmt.Errorf("read from %s: %w", qn, err)}
	}

	if err := s.EndBackfill(ctx, rel, snapshotLSN); err != nil {
		return CopyResult{Table: table, Err: &pgerrors.SinkError{Op: "end backfill", Err: err}}
	}

	log.Info().Int64("rows", count).Msg("backfill complete")
	r.reportProgress(table, "done", count)
	return CopyResult{Table: table, RowsCopied: count}
}

func (r *Reader) reportProgress(table TableInfo, event string, rowsCopied int64) {
	if r.progress != nil {
		r.progress(table, event, rowsCopied)
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualifiedName(schema, table string) string {
	if schema == "" || schema == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}
