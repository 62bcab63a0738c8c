package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vk/detgraph/internal/monitor"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id        TEXT PRIMARY KEY,
	seq       INTEGER NOT NULL,
	at_cycles INTEGER NOT NULL,
	time      TEXT NOT NULL,
	kind      TEXT NOT NULL,
	operator  INTEGER NOT NULL,
	server    TEXT NOT NULL,
	detail    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_kind ON audit_records(kind);
`

// SQLiteSink persists records in a SQLite database.
type SQLiteSink struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and ensures the
// schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return &SQLiteSink{db: db, path: path}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite:" + s.path }

func (s *SQLiteSink) Write(ctx context.Context, r monitor.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, seq, at_cycles, time, kind, operator, server, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, int64(r.Seq), int64(r.AtCycles), r.Time.UTC().Format(time.RFC3339Nano),
		string(r.Kind), r.Operator, r.Server, r.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record %d: %w", r.Seq, err)
	}
	return nil
}

// Query returns stored records of the given kind ("" for all), oldest
// first, up to limit (0 for no limit).
func (s *SQLiteSink) Query(ctx context.Context, kind monitor.Kind, limit int) ([]monitor.Record, error) {
	q := `SELECT id, seq, at_cycles, time, kind, operator, server, detail FROM audit_records`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY seq`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []monitor.Record
	for rows.Next() {
		var (
			r        monitor.Record
			seq, at  int64
			ts, kind string
		)
		if err := rows.Scan(&r.ID, &seq, &at, &ts, &kind, &r.Operator, &r.Server, &r.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		r.Seq, r.AtCycles, r.Kind = uint64(seq), uint64(at), monitor.Kind(kind)
		if r.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("bad timestamp on audit record %d: %w", r.Seq, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&n)
	return n, err
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
