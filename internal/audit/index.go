package audit

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Index is a SQLite query index over a JSONL audit log. The JSONL file
// remains the source of truth; the index can be rebuilt from it at any time.
type Index struct {
	db   *sql.DB
	path string
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit index: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit index: open: %w", err)
	}
	idx := &Index{db: db, path: path}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) init() error {
	_, err := x.db.Exec(`
CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	session_id TEXT NOT NULL,
	turn INTEGER NOT NULL,
	type TEXT NOT NULL,
	command TEXT,
	risk TEXT,
	decision TEXT,
	method TEXT,
	reason TEXT,
	exit_code INTEGER,
	duration_ms INTEGER,
	raw TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_session ON entries(session_id);
CREATE INDEX IF NOT EXISTS entries_type ON entries(type);
CREATE TABLE IF NOT EXISTS ingest_state (
	source TEXT PRIMARY KEY,
	byte_offset INTEGER NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("audit index: create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (x *Index) Close() error { return x.db.Close() }

// Ingest reads entries appended to the JSONL log since the last ingest and
// returns how many were added.
func (x *Index) Ingest(ctx context.Context, logPath string) (int, error) {
	abs, err := filepath.Abs(logPath)
	if err != nil {
		return 0, err
	}

	var offset int64
	err = x.db.QueryRowContext(ctx, `SELECT byte_offset FROM ingest_state WHERE source = ?`, abs).Scan(&offset)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("audit index: read state: %w", err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return 0, fmt.Errorf("audit index: open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() < offset {
		// The log was truncated or replaced; start over.
		offset = 0
		if _, err := x.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
			return 0, err
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries
		(ts, session_id, turn, type, command, risk, decision, method, reason, exit_code, duration_ms, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	r := bufio.NewReader(f)
	added := 0
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// A partial trailing line is picked up next time.
			break
		}
		if err != nil {
			return 0, fmt.Errorf("audit index: read log: %w", err)
		}
		offset += int64(len(line))

		var e Entry
		if json.Unmarshal(line, &e) != nil {
			continue
		}
		command := e.Command
		if command == "" {
			command = strings.Join(e.Commands, "\n")
		}
		risk := e.Risk
		if risk == "" && len(e.Risks) > 0 {
			risk = strings.Join(e.Risks, ",")
		}
		var exit sql.NullInt64
		if e.ExitCode != nil {
			exit = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, e.Timestamp, e.SessionID, e.Turn, e.Type, command,
			risk, e.Decision, e.Method, e.Reason, exit, e.DurationMS, strings.TrimSpace(string(line))); err != nil {
			return 0, fmt.Errorf("audit index: insert: %w", err)
		}
		added++
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO ingest_state (source, byte_offset) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET byte_offset = excluded.byte_offset`, abs, offset); err != nil {
		return 0, fmt.Errorf("audit index: save state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// Query selects indexed entries. Empty fields match everything; risk
// matches entries whose risk list contains it.
type Query struct {
	SessionID string
	Type      string
	Risk      string
	Command   string // substring
	Limit     int
}

// Query returns matching entries, newest first.
func (x *Index) Query(ctx context.Context, q Query) ([]Entry, error) {
	var (
		b     strings.Builder
		args  []any
		where []string
	)
	b.WriteString("SELECT raw FROM entries")
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if q.Risk != "" {
		where = append(where, "(',' || risk || ',') LIKE ?")
		args = append(args, "%,"+q.Risk+",%")
	}
	if q.Command != "" {
		where = append(where, "command LIKE ?")
		args = append(args, "%"+q.Command+"%")
	}
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id DESC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := x.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("audit index: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionStat is a per-session rollup.
type SessionStat struct {
	SessionID string `json:"session_id"`
	Entries   int    `json:"entries"`
	Executed  int    `json:"executed"`
	Failed    int    `json:"failed"`
	Denied    int    `json:"denied"`
	First     string `json:"first"`
	Last      string `json:"last"`
}

// Sessions returns one rollup row per session, most recent first.
func (x *Index) Sessions(ctx context.Context, limit int) ([]SessionStat, error) {
	query := `SELECT session_id, COUNT(*),
		SUM(type = 'executed'), SUM(type IN ('failed', 'cancelled')), SUM(type IN ('denied', 'blocked')),
		MIN(ts), MAX(ts)
		FROM entries GROUP BY session_id ORDER BY MAX(ts) DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit index: sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionStat
	for rows.Next() {
		var s SessionStat
		if err := rows.Scan(&s.SessionID, &s.Entries, &s.Executed, &s.Failed, &s.Denied, &s.First, &s.Last); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
