package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect selects placeholder and DDL flavour for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends events to the backend_history table of a database/sql
// handle. The drivers are registered by the sqlite and postgres packages.
type SQLSink struct {
	DB      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps db and creates the schema if missing.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{DB: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backend_history(
			id ` + id + `,
			occurred_at ` + ts + ` NOT NULL,
			event TEXT NOT NULL,
			name TEXT NOT NULL,
			pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER NULL,
			error TEXT NULL,
			restart_id TEXT NULL,
			generation BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backend_history_name ON backend_history(name, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("history schema (%s): %w", s.dialect, err)
		}
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (s *SQLSink) bind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	rec := e.Record
	var exit any
	if rec.ExitCode != nil {
		exit = *rec.ExitCode
	}
	_, err := s.DB.ExecContext(ctx, s.bind(`
		INSERT INTO backend_history(occurred_at, event, name, pid, state, exit_code, error, restart_id, generation)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		e.OccurredAt.UTC(), string(e.Type), rec.Name, rec.PID, rec.State, exit,
		nullString(rec.Error), nullString(rec.RestartID), int64(rec.Generation)) // #nosec G115
	return err
}

func (s *SQLSink) Recent(ctx context.Context, name string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, s.bind(`
		SELECT occurred_at, event, name, pid, state, exit_code, error, restart_id, generation
		FROM backend_history WHERE name = ? ORDER BY occurred_at DESC, id DESC LIMIT ?;`), name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			at      time.Time
			typ     string
			exit    sql.NullInt64
			errText sql.NullString
			restart sql.NullString
			gen     int64
		)
		if err := rows.Scan(&at, &typ, &e.Record.Name, &e.Record.PID, &e.Record.State, &exit, &errText, &restart, &gen); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.OccurredAt = at.UTC()
		if exit.Valid {
			code := int(exit.Int64)
			e.Record.ExitCode = &code
		}
		e.Record.Error = errText.String
		e.Record.RestartID = restart.String
		e.Record.Generation = uint64(gen) // #nosec G115
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.DB.Close() }
