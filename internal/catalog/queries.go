package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// UpsertRoot returns the root id for path, creating it if absent.
func (s *Store) UpsertRoot(path string) (int64, error) {
	var id int64
	if err := s.stmtUpsertRoot.QueryRow(path).Scan(&id); err != nil {
		return 0, fmt.Errorf("catalog: upsert root: %w", err)
	}
	return id, nil
}

// InsertFilesTx inserts/updates rows in one transaction, matching C1's
// "writes are wrapped in explicit transactions per batch" guarantee.
func (s *Store) InsertFilesTx(ctx context.Context, rows []FileRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt := tx.StmtContext(ctx, s.stmtInsertFile)
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.RootID, r.RelativePath, r.Collector, r.Exchange, r.Symbol, r.StartTs, r.Ext, nowMillis()); err != nil {
				return fmt.Errorf("insert file %s: %w", r.RelativePath, err)
			}
		}
		return nil
	})
}

// InsertEventsTx inserts the coalesced event rows for one file, in one
// transaction, with gap_fix_status seeded to the empty string (StatusNone)
// for gap rows and left NULL for parse-reject rows (which are never fixed).
func (s *Store) InsertEventsTx(ctx context.Context, rows []EventRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt := tx.StmtContext(ctx, s.stmtInsertEvent)
		for _, r := range rows {
			var status any
			if r.EventType == "gap" {
				status = string(StatusNone)
			}
			if _, err := stmt.ExecContext(ctx, r.RootID, r.RelativePath, r.Collector, r.Exchange, r.Symbol,
				r.EventType, r.StartLine, r.EndLine, r.GapMs, r.GapMiss, r.GapEndTs, status, nowMillis()); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
		return nil
	})
}

// GetRootPath returns the filesystem root registered under id.
func (s *Store) GetRootPath(id int64) (string, error) {
	var path string
	if err := s.db.QueryRow(`SELECT path FROM roots WHERE id=?`, id).Scan(&path); err != nil {
		return "", fmt.Errorf("catalog: root %d: %w", id, err)
	}
	return path, nil
}

// UpsertRegistry replaces (startTs, endTs) for the 4-tuple key.
func (s *Store) UpsertRegistry(ctx context.Context, r RegistryRow) error {
	now := nowMillis()
	_, err := s.stmtUpsertRegistry.ExecContext(ctx, r.Collector, r.Exchange, r.Symbol, r.Timeframe, r.StartTs, r.EndTs, now, now)
	if err != nil {
		return fmt.Errorf("catalog: upsert registry: %w", err)
	}
	return nil
}

// GetRegistry fetches one registry row.
func (s *Store) GetRegistry(ctx context.Context, collector, exchange, symbol, timeframe string) (RegistryRow, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT collector, exchange, symbol, timeframe, start_ts, end_ts
		 FROM registry WHERE collector=? AND exchange=? AND symbol=? AND timeframe=?`,
		collector, exchange, symbol, timeframe)

	var r RegistryRow
	if err := row.Scan(&r.Collector, &r.Exchange, &r.Symbol, &r.Timeframe, &r.StartTs, &r.EndTs); err != nil {
		if err == sql.ErrNoRows {
			return RegistryRow{}, false, nil
		}
		return RegistryRow{}, false, err
	}
	return r, true, nil
}

// ListRegistryForMarket lists every timeframe registered for a market,
// used by the patcher (C12) and resampler (C14) to enumerate candidates.
func (s *Store) ListRegistryForMarket(ctx context.Context, collector, exchange, symbol string) ([]RegistryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collector, exchange, symbol, timeframe, start_ts, end_ts
		 FROM registry WHERE collector=? AND exchange=? AND symbol=?`,
		collector, exchange, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegistryRow
	for rows.Next() {
		var r RegistryRow
		if err := rows.Scan(&r.Collector, &r.Exchange, &r.Symbol, &r.Timeframe, &r.StartTs, &r.EndTs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListFilesForMarket lists files for one market ordered by (start_ts,
// relative_path), per the processor's file enumeration rule.
func (s *Store) ListFilesForMarket(ctx context.Context, collector, exchange, symbol string) ([]FileRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT root_id, relative_path, collector, exchange, symbol, start_ts, ext
		 FROM files WHERE collector=? AND exchange=? AND symbol=?
		 ORDER BY start_ts, relative_path`,
		collector, exchange, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRow
	for rows.Next() {
		var r FileRow
		if err := rows.Scan(&r.RootID, &r.RelativePath, &r.Collector, &r.Exchange, &r.Symbol, &r.StartTs, &r.Ext); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FileExists reports whether (rootID, relativePath) is present in files, to
// satisfy the invariant that every event's file exists in files.
func (s *Store) FileExists(ctx context.Context, rootID int64, relativePath string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE root_id=? AND relative_path=?`, rootID, relativePath).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListGapEvents returns gap rows matching filter, ordered by
// (root_id, relative_path, start_line, id) so consecutive rows sharing a
// file form the orchestrator's per-group batches.
func (s *Store) ListGapEvents(ctx context.Context, f EventFilter) ([]EventRow, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, root_id, relative_path, collector, exchange, symbol, event_type,
		start_line, end_line, COALESCE(gap_ms,0), COALESCE(gap_miss,0), COALESCE(gap_end_ts,0),
		COALESCE(gap_fix_status,''), COALESCE(gap_fix_error,''), COALESCE(gap_fix_recovered,0)
		FROM events WHERE event_type='gap'`)
	var args []any

	if f.Collector != "" {
		q.WriteString(" AND collector=?")
		args = append(args, f.Collector)
	}
	if f.Exchange != "" {
		q.WriteString(" AND exchange=?")
		args = append(args, f.Exchange)
	}
	if f.Symbol != "" {
		q.WriteString(" AND symbol=?")
		args = append(args, f.Symbol)
	}
	if f.ID != 0 {
		q.WriteString(" AND id=?")
		args = append(args, f.ID)
	}
	if len(f.Statuses) > 0 {
		q.WriteString(" AND gap_fix_status IN (")
		for i, st := range f.Statuses {
			if i > 0 {
				q.WriteString(",")
			}
			q.WriteString("?")
			args = append(args, string(st))
		}
		q.WriteString(")")
	}
	q.WriteString(" ORDER BY root_id, relative_path, start_line, id")

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var status string
		if err := rows.Scan(&r.ID, &r.RootID, &r.RelativePath, &r.Collector, &r.Exchange, &r.Symbol,
			&r.EventType, &r.StartLine, &r.EndLine, &r.GapMs, &r.GapMiss, &r.GapEndTs,
			&status, &r.GapFixError, &r.GapFixRecovered); err != nil {
			return nil, err
		}
		r.GapFixStatus = GapFixStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateEventFixStatus updates one event row's gap-fix lifecycle fields.
func (s *Store) UpdateEventFixStatus(ctx context.Context, id int64, status GapFixStatus, errText string, recovered int64) error {
	if len(errText) > 300 {
		errText = errText[:300]
	}
	errText = strings.ReplaceAll(strings.ReplaceAll(errText, "\n", " "), "\r", " ")
	_, err := s.stmtUpdateEvent.ExecContext(ctx, string(status), errText, recovered, nowMillis(), id)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit tx: %w", err)
	}
	return nil
}
