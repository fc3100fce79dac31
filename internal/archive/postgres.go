package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS research_sessions (
    id           TEXT PRIMARY KEY,
    task         TEXT NOT NULL,
    status       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ NOT NULL,
    confidence   DOUBLE PRECISION NOT NULL,
    finding_count INTEGER NOT NULL,
    payload      JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS research_findings (
    id          TEXT NOT NULL,
    session_id  TEXT NOT NULL REFERENCES research_sessions(id) ON DELETE CASCADE,
    goal_id     TEXT NOT NULL,
    fact        TEXT NOT NULL,
    source_url  TEXT NOT NULL,
    method      TEXT NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL,
    metadata    JSONB NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, id)
);`

const (
	sqlUpsertSession = `
        INSERT INTO research_sessions (id, task, status, created_at, finished_at, confidence, finding_count, payload)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            task = EXCLUDED.task,
            status = EXCLUDED.status,
            finished_at = EXCLUDED.finished_at,
            confidence = EXCLUDED.confidence,
            finding_count = EXCLUDED.finding_count,
            payload = EXCLUDED.payload;
    `
	sqlDeleteFindings = `DELETE FROM research_findings WHERE session_id = $1;`
	sqlLoadSession    = `SELECT payload FROM research_sessions WHERE id = $1;`
	sqlListSessions   = `
        SELECT id, task, status, created_at, finished_at, finding_count, confidence
        FROM research_sessions
        ORDER BY created_at DESC
        LIMIT $1;
    `
)

var findingColumns = []string{"id", "session_id", "goal_id", "fact", "source_url", "method", "confidence", "metadata", "observed_at"}

// PostgresArchive stores sessions as a jsonb payload plus a flat findings table.
type PostgresArchive struct {
	pool   DBPool
	log    *zap.Logger
	closer func()
}

// OpenPostgres connects to the DSN, verifies the connection and creates the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	a, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.closer = pool.Close
	if err := a.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// NewPostgres wraps an existing pool and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresArchive, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresArchive{
		pool: pool,
		log:  logger.Named("archive.postgres"),
	}, nil
}

// EnsureSchema creates the tables when they do not exist.
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}
	return nil
}

// Save upserts the session row and replaces its findings in one transaction.
func (a *PostgresArchive) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			a.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertSession,
		rec.SessionID, rec.Task, string(rec.Status),
		rec.CreatedAt.UTC(), rec.FinishedAt.UTC(),
		rec.Result.Confidence, len(rec.Findings), payload,
	); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteFindings, rec.SessionID); err != nil {
		return fmt.Errorf("failed to clear findings: %w", err)
	}
	if len(rec.Findings) > 0 {
		if err := a.copyFindings(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	a.log.Debug("Session archived.", zap.String("session_id", rec.SessionID), zap.Int("findings", len(rec.Findings)))
	return nil
}

func (a *PostgresArchive) copyFindings(ctx context.Context, tx pgx.Tx, rec Record) error {
	rows := make([][]any, len(rec.Findings))
	for i, f := range rec.Findings {
		metadata := []byte("{}")
		if len(f.Metadata) > 0 {
			b, err := json.Marshal(f.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata of finding %s: %w", f.ID, err)
			}
			metadata = b
		}
		rows[i] = []any{
			f.ID, rec.SessionID, f.GoalID, f.Fact, f.SourceURL,
			string(f.Method), f.Confidence, metadata, f.Timestamp.UTC(),
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"research_findings"}, findingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(rows), n)
	}
	return nil
}

// Load returns the stored record or ErrNotFound.
func (a *PostgresArchive) Load(ctx context.Context, sessionID string) (Record, error) {
	var payload []byte
	if err := a.pool.QueryRow(ctx, sqlLoadSession, sessionID).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to load session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode session payload: %w", err)
	}
	return rec, nil
}

// List returns session summaries, newest first.
func (a *PostgresArchive) List(ctx context.Context, limit int) ([]Summary, error) {
	// LIMIT NULL means no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := a.pool.Query(ctx, sqlListSessions, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s      Summary
			status string
			c, f   time.Time
		)
		if err := rows.Scan(&s.SessionID, &s.Task, &status, &c, &f, &s.Findings, &s.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		s.Status = statusOf(status)
		s.CreatedAt, s.FinishedAt = c.UTC(), f.UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Close releases the pool if the archive opened it.
func (a *PostgresArchive) Close() error {
	if a.closer != nil {
		a.closer()
	}
	return nil
}
