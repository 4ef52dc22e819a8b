package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/AntonSheinin/epg-service/internal/model"
	"github.com/AntonSheinin/epg-service/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
// The pool is pinned to a single connection: session pragmas and the bulk
// transaction are per-connection state and must not migrate between
// connections mid-cycle.
func NewSQLite(dsn string, log *slog.Logger) (*SQLite, error) {
	// _txlock=immediate makes the cycle's bulk transaction take its write
	// lock at BEGIN instead of on the first write.
	db, err := sql.Open("sqlite", dsn+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, log: log}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DeleteProgramsBefore removes all programs with start_time strictly before
// cutoff. A program starting exactly at cutoff is retained.
func (s *SQLite) DeleteProgramsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM programs WHERE start_time < ?`, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("delete old programs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// DeleteProgramsFrom removes all programs with start_time at or after
// cutoff. Used for the future trim so upstream corrections are re-ingested
// rather than stuck behind the uniqueness constraint.
func (s *SQLite) DeleteProgramsFrom(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM programs WHERE start_time >= ?`, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("delete future programs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ListChannels returns all channels ordered by display name.
func (s *SQLite) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT xmltv_id, display_name, icon_url, created_at
		 FROM channels ORDER BY display_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []model.Channel
	for rows.Next() {
		var ch model.Channel
		var createdAt string
		if err := rows.Scan(&ch.XMLTVID, &ch.DisplayName, &ch.IconURL, &createdAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ListPrograms returns programs with start_time in [from, to), ordered by
// start time. The range scan rides on idx_programs_channel_time.
func (s *SQLite) ListPrograms(ctx context.Context, from, to time.Time) ([]model.Program, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, start_time, stop_time, title, description, created_at
		 FROM programs WHERE start_time >= ? AND start_time < ?
		 ORDER BY start_time, channel_id`,
		formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query programs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var programs []model.Program
	for rows.Next() {
		var p model.Program
		var start, stop, createdAt string
		if err := rows.Scan(&p.ID, &p.ChannelID, &start, &stop, &p.Title, &p.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan program: %w", err)
		}
		p.StartTime, _ = time.Parse(timeLayout, start)
		p.StopTime, _ = time.Parse(timeLayout, stop)
		p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

// CountPrograms returns the total number of stored programs.
func (s *SQLite) CountPrograms(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM programs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count programs: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
