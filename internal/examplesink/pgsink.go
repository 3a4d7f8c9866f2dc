// Package examplesink is an illustrative sink.Sink implementation that
// replays decoded CDC and backfill events into a second PostgreSQL
// database. It exists to exercise the pipeline engine end to end in
// tests and as a template for real sinks; it is not the only sink this
// module supports.
package examplesink

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/catalog"
	"github.com/jfoltran/pgcdc/internal/sink"
	"github.com/jfoltran/pgcdc/internal/valuedecode"
)

const stateTable = `_pgcdc_state`

// Sink writes DML and backfill rows into a destination pool, tracking
// per-table backfill progress and the last committed LSN in a small
// bookkeeping table so a restart resumes correctly.
type Sink struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	mu sync.Mutex
	tx pgx.Tx
}

// New creates a Sink writing to pool. EnsureState must be called once
// before first use to create the bookkeeping table.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Sink {
	return &Sink{pool: pool, logger: logger.With().Str("component", "examplesink").Logger()}
}

// EnsureState creates the bookkeeping table if it doesn't already exist.
func (s *Sink) EnsureState(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			qualified_name text PRIMARY KEY,
			state smallint NOT NULL,
			copy_cursor text,
			last_commit_lsn bigint NOT NULL DEFAULT 0,
			last_durable_lsn bigint NOT NULL DEFAULT 0
		)`, stateTable))
	return err
}

// DeclareTransactional reports that CommitTxn persists the bookkeeping
// row atomically with the row data, so commit_lsn and durable_lsn are
// always equal and no dedup window is needed.
func (s *Sink) DeclareTransactional() bool { return true }

// GetResumptionState loads per-table backfill progress and the last
// durable commit LSN from the bookkeeping table.
func (s *Sink) GetResumptionState(ctx context.Context) (sink.ResumptionState, error) {
	state := sink.ResumptionState{
		PerTable:   make(map[string]sink.TableState),
		CopyCursor: make(map[string]string),
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT qualified_name, state, copy_cursor, last_commit_lsn, last_durable_lsn FROM %s`, stateTable))
	if err != nil {
		return state, fmt.Errorf("examplesink: load state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var st int16
		var cursor *string
		var commitLSN, durableLSN int64
		if err := rows.Scan(&name, &st, &cursor, &commitLSN, &durableLSN); err != nil {
			return state, fmt.Errorf("examplesink: scan state row: %w", err)
		}
		state.PerTable[name] = sink.TableState(st)
		if cursor != nil {
			state.CopyCursor[name] = *cursor
		}
		if uint64(commitLSN) > state.LastCommitLSN {
			state.LastCommitLSN = uint64(commitLSN)
		}
		if uint64(durableLSN) > state.LastDurableLSN {
			state.LastDurableLSN = uint64(durableLSN)
		}
	}
	state.IsTransactional = true
	return state, rows.Err()
}

func (s *Sink) BeginTxn(ctx context.Context, commitLSN uint64, xid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return fmt.Errorf("examplesink: BeginTxn called while a transaction is already open")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("examplesink: begin: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *Sink) WriteRow(ctx context.Context, rel *catalog.Relation, op sink.Op, oldCols, newCols []valuedecode.Value) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return fmt.Errorf("examplesink: WriteRow called outside a transaction")
	}

	switch op {
	case sink.OpInsert:
		return insertRow(ctx, tx, rel, newCols)
	case sink.OpUpdate:
		return updateRow(ctx, tx, rel, oldCols, newCols)
	case sink.OpDelete:
		return deleteRow(ctx, tx, rel, oldCols)
	default:
		return fmt.Errorf("examplesink: unknown op %v", op)
	}
}

func insertRow(ctx context.Context, tx pgx.Tx, rel *catalog.Relation, cols []valuedecode.Value) error {
	names := make([]string, len(rel.Columns))
	placeholders := make([]string, len(rel.Columns))
	vals := make([]any, len(rel.Columns))
	for i, c := range rel.Columns {
		names[i] = quoteIdent(c.Name)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		vals[i] = valueToGo(cols[i])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualifiedName(rel.Namespace, rel.Name), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	_, err := tx.Exec(ctx, query, vals...)
	return err
}

func updateRow(ctx context.Context, tx pgx.Tx, rel *catalog.Relation, oldCols, newCols []valuedecode.Value) error {
	setClauses := make([]string, len(rel.Columns))
	vals := make([]any, 0, len(rel.Columns)*2)
	for i, c := range rel.Columns {
		setClauses[i] = fmt.Sprintf("%s = $%d", quoteIdent(c.Name), i+1)
		vals = append(vals, valueToGo(newCols[i]))
	}

	keySource := oldCols
	if keySource == nil {
		keySource = newCols
	}
	whereClauses, whereVals := keyWhereClauses(rel, keySource, len(vals))
	vals = append(vals, whereVals...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		qualifiedName(rel.Namespace, rel.Name), strings.Join(setClauses, ", "), strings.Join(whereClauses, " AND "))
	_, err := tx.Exec(ctx, query, vals...)
	return err
}

func deleteRow(ctx context.Context, tx pgx.Tx, rel *catalog.Relation, oldCols []valuedecode.Value) error {
	whereClauses, whereVals := keyWhereClauses(rel, oldCols, 0)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", qualifiedName(rel.Namespace, rel.Name), strings.Join(whereClauses, " AND "))
	_, err := tx.Exec(ctx, query, whereVals...)
	return err
}

// keyWhereClauses builds a WHERE clause over the columns of source that
// carry a value. A before-image (oldCols) has one entry per column: the
// full row under REPLICA IDENTITY FULL, otherwise the key columns with
// every other column null. Null and unchanged-TOAST entries are skipped,
// so a key-only before-image matches on its key columns. When source is
// a new image (an Update without a before-image), every non-null column
// is matched.
func keyWhereClauses(rel *catalog.Relation, source []valuedecode.Value, offset int) (clauses []string, vals []any) {
	for i, c := range rel.Columns {
		if i >= len(source) {
			break
		}
		if source[i].IsNull() || source[i].Kind == valuedecode.KindUnchangedTOAST {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", quoteIdent(c.Name), offset+len(vals)+1))
		vals = append(vals, valueToGo(source[i]))
	}
	return
}

func (s *Sink) Truncate(ctx context.Context, rels []*catalog.Relation, cascade, restartIdentity bool) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return fmt.Errorf("examplesink: Truncate called outside a transaction")
	}

	names := make([]string, len(rels))
	for i, r := range rels {
		names[i] = qualifiedName(r.Namespace, r.Name)
	}
	stmt := "TRUNCATE TABLE " + strings.Join(names, ", ")
	if restartIdentity {
		stmt += " RESTART IDENTITY"
	}
	if cascade {
		stmt += " CASCADE"
	}
	_, err := tx.Exec(ctx, stmt)
	return err
}

func (s *Sink) CommitTxn(ctx context.Context, commitLSN uint64) (uint64, error) {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return 0, fmt.Errorf("examplesink: CommitTxn called outside a transaction")
	}

	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (qualified_name, state, last_commit_lsn, last_durable_lsn)
		VALUES ('__cdc__', 2, $1, $1)
		ON CONFLICT (qualified_name) DO UPDATE SET last_commit_lsn = $1, last_durable_lsn = $1`, stateTable), int64(commitLSN))
	if err != nil {
		_ = tx.Rollback(ctx)
		s.mu.Lock()
		s.tx = nil
		s.mu.Unlock()
		return 0, fmt.Errorf("examplesink: record commit lsn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.mu.Lock()
		s.tx = nil
		s.mu.Unlock()
		return 0, fmt.Errorf("examplesink: commit: %w", err)
	}
	s.mu.Lock()
	s.tx = nil
	s.mu.Unlock()
	return commitLSN, nil
}

func (s *Sink) AbortTxn(ctx context.Context) error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	if tx == nil {
		return nil
	}
	return tx.Rollback(ctx)
}

func (s *Sink) WriteBackfillSchema(ctx context.Context, rel *catalog.Relation) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (qualified_name, state)
		VALUES ($1, $2)
		ON CONFLICT (qualified_name) DO UPDATE SET state = $2`,
		stateTable), rel.QualifiedName(), int16(sink.TableCopying))
	return err
}

func (s *Sink) WriteBackfillRow(ctx context.Context, rel *catalog.Relation, row []valuedecode.Value) error {
	names := make([]string, len(rel.Columns))
	placeholders := make([]string, len(rel.Columns))
	vals := make([]any, len(rel.Columns))
	for i, c := range rel.Columns {
		names[i] = quoteIdent(c.Name)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		vals[i] = valueToGo(row[i])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualifiedName(rel.Namespace, rel.Name), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	_, err := s.pool.Exec(ctx, query, vals...)
	return err
}

func (s *Sink) EndBackfill(ctx context.Context, rel *catalog.Relation, snapshotLSN uint64) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (qualified_name, state, last_durable_lsn)
		VALUES ($1, $2, $3)
		ON CONFLICT (qualified_name) DO UPDATE SET state = $2, last_durable_lsn = GREATEST(%s.last_durable_lsn, $3)`,
		stateTable, stateTable), rel.QualifiedName(), int16(sink.TableCopied), int64(snapshotLSN))
	return err
}

func valueToGo(v valuedecode.Value) any {
	switch v.Kind {
	case valuedecode.KindNull, valuedecode.KindUnchangedTOAST:
		return nil
	case valuedecode.KindBool:
		return v.Bool
	case valuedecode.KindInt2, valuedecode.KindInt4, valuedecode.KindInt8:
		return v.Int
	case valuedecode.KindFloat4, valuedecode.KindFloat8:
		return v.Float
	case valuedecode.KindNumeric:
		return v.Numeric
	case valuedecode.KindText, valuedecode.KindJSON, valuedecode.KindJSONB:
		return v.Text
	case valuedecode.KindBytea, valuedecode.KindUnknownBytes:
		return v.Bytes
	case valuedecode.KindTimestamp, valuedecode.KindTimestamptz, valuedecode.KindDate:
		return v.Time
	case valuedecode.KindUUID:
		return v.UUID
	default:
		return v.Text
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func qualifiedName(namespace, table string) string {
	if namespace == "" || namespace == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(namespace) + "." + quoteIdent(table)
}
