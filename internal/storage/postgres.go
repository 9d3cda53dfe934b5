// Package storage is the optional Postgres audit mirror: each session's
// terminal transition and each script-analysis finding is inserted for
// cross-session querying. The daemon runs fine without it.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogSession inserts a session audit record.
func (db *DB) LogSession(ctx context.Context, rec *SessionAudit) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO session_audit (id, session_id, state, profile, target,
			write_count, subprocess_count, socket_count, exit_code, findings,
			created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.SessionID, rec.State, rec.Profile, rec.Target,
		rec.WriteCount, rec.SubprocessCount, rec.SocketCount,
		rec.ExitCode, rec.Findings,
		rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session audit: %w", err)
	}
	return nil
}

// LogAnalysisFinding inserts one script-analysis finding.
func (db *DB) LogAnalysisFinding(ctx context.Context, rec *AnalysisRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO analysis_findings (id, session_id, pattern, severity, detail, line, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.SessionID, rec.Pattern, rec.Severity,
		truncateForDB(rec.Detail, 4096), rec.Line, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting analysis finding: %w", err)
	}
	return nil
}

// GetSessionAudit retrieves the audit record for one session id.
func (db *DB) GetSessionAudit(ctx context.Context, sessionID string) (*SessionAudit, error) {
	query := `
		SELECT id, session_id, state, profile, target,
			write_count, subprocess_count, socket_count, exit_code, findings,
			created_at, completed_at
		FROM session_audit WHERE session_id = $1
		ORDER BY created_at DESC LIMIT 1`

	var rec SessionAudit
	err := db.pool.QueryRow(ctx, query, sessionID).Scan(
		&rec.ID, &rec.SessionID, &rec.State, &rec.Profile, &rec.Target,
		&rec.WriteCount, &rec.SubprocessCount, &rec.SocketCount,
		&rec.ExitCode, &rec.Findings,
		&rec.CreatedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session audit %s: %w", sessionID, err)
	}
	return &rec, nil
}

// ListSessionAudits queries audit records with optional filters.
func (db *DB) ListSessionAudits(ctx context.Context, filter AuditFilter) ([]SessionAudit, error) {
	query := `
		SELECT id, session_id, state, profile, target,
			write_count, subprocess_count, socket_count, exit_code, findings,
			created_at, completed_at
		FROM session_audit
		WHERE ($1 = '' OR state = $1)
		  AND ($2 = '' OR profile = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.State, filter.Profile, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session audits: %w", err)
	}
	defer rows.Close()

	var results []SessionAudit
	for rows.Next() {
		var rec SessionAudit
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.State, &rec.Profile, &rec.Target,
			&rec.WriteCount, &rec.SubprocessCount, &rec.SocketCount,
			&rec.ExitCode, &rec.Findings,
			&rec.CreatedAt, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning session audit row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
