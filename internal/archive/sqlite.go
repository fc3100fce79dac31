package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS research_sessions (
    id            TEXT PRIMARY KEY,
    task          TEXT NOT NULL,
    status        TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    finished_at   TEXT NOT NULL,
    confidence    REAL NOT NULL,
    finding_count INTEGER NOT NULL,
    payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_research_sessions_created ON research_sessions(created_at);`

// SQLiteArchive keeps sessions in a local database file.
type SQLiteArchive struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteArchive, error) {
	if path == "" {
		return nil, errors.New("sqlite archive path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; sqlite serialises anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteArchive{db: db, path: path, log: logger.Named("archive.sqlite")}, nil
}

// Path returns the database file path.
func (a *SQLiteArchive) Path() string { return a.path }

func (a *SQLiteArchive) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO research_sessions (id, task, status, created_at, finished_at, confidence, finding_count, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task = excluded.task,
			status = excluded.status,
			finished_at = excluded.finished_at,
			confidence = excluded.confidence,
			finding_count = excluded.finding_count,
			payload = excluded.payload`,
		rec.SessionID, rec.Task, string(rec.Status),
		formatTime(rec.CreatedAt), formatTime(rec.FinishedAt),
		rec.Result.Confidence, len(rec.Findings), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	a.log.Debug("Session archived.", zap.String("session_id", rec.SessionID))
	return nil
}

func (a *SQLiteArchive) Load(ctx context.Context, sessionID string) (Record, error) {
	var payload string
	err := a.db.QueryRowContext(ctx, `SELECT payload FROM research_sessions WHERE id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode session payload: %w", err)
	}
	return rec, nil
}

func (a *SQLiteArchive) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, task, status, created_at, finished_at, finding_count, confidence
		FROM research_sessions
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s                   Summary
			status, c, finished string
		)
		if err := rows.Scan(&s.SessionID, &s.Task, &status, &c, &finished, &s.Findings, &s.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		s.Status = statusOf(status)
		s.CreatedAt = parseTime(c)
		s.FinishedAt = parseTime(finished)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// Times are stored as fixed-width UTC text so they sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
