package offset

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLiteStore implements PointerStore with one row per (server, category)
type SQLiteStore struct {
	db *sql.DB
}

// formatTimestamp converts time.Time to a UTC ISO8601 string that parses back losslessly
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewSQLiteStore opens (and migrates) the pointer database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000; PRAGMA synchronous = FULL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("SQLite pointer store initialized")

	return &SQLiteStore{db: db}, nil
}

// Load retrieves the pointer for (serverID, category)
func (s *SQLiteStore) Load(ctx context.Context, serverID string, category domain.Category) (*domain.ReadPointer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_name, position, observed_file_size, last_updated
		FROM read_pointers
		WHERE server_id = ? AND category = ?
	`, serverID, string(category))

	p := domain.ReadPointer{ServerID: serverID, Category: category}
	var updated string
	err := row.Scan(&p.FileName, &p.Position, &p.ObservedFileSize, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pointer %s: %w", p.Key(), err)
	}

	p.LastUpdated, err = time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("invalid last_updated for pointer %s: %w", p.Key(), err)
	}
	return &p, nil
}

// Save upserts the pointer row
func (s *SQLiteStore) Save(ctx context.Context, p *domain.ReadPointer) error {
	if err := validate(p); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_pointers (server_id, category, file_name, position, observed_file_size, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id, category) DO UPDATE SET
			file_name = excluded.file_name,
			position = excluded.position,
			observed_file_size = excluded.observed_file_size,
			last_updated = excluded.last_updated
	`, p.ServerID, string(p.Category), p.FileName, p.Position, p.ObservedFileSize, formatTimestamp(p.LastUpdated))
	if err != nil {
		return fmt.Errorf("failed to save pointer %s: %w", p.Key(), err)
	}

	log.Debug().
		Str("server_id", p.ServerID).
		Str("category", string(p.Category)).
		Str("file", p.FileName).
		Int64("position", p.Position).
		Msg("Pointer updated")
	return nil
}

// Delete removes one pointer
func (s *SQLiteStore) Delete(ctx context.Context, serverID string, category domain.Category) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM read_pointers WHERE server_id = ? AND category = ?", serverID, string(category))
	if err != nil {
		return fmt.Errorf("failed to delete pointer: %w", err)
	}
	return nil
}

// DeleteServer removes every pointer of a server
func (s *SQLiteStore) DeleteServer(ctx context.Context, serverID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM read_pointers WHERE server_id = ?", serverID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pointers of server %s: %w", serverID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// List returns all pointers ordered by server and category
func (s *SQLiteStore) List(ctx context.Context) ([]domain.ReadPointer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, category, file_name, position, observed_file_size, last_updated
		FROM read_pointers
		ORDER BY server_id, category
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pointers: %w", err)
	}
	defer rows.Close()

	var result []domain.ReadPointer
	for rows.Next() {
		var (
			p        domain.ReadPointer
			category string
			updated  string
		)
		if err := rows.Scan(&p.ServerID, &category, &p.FileName, &p.Position, &p.ObservedFileSize, &updated); err != nil {
			return nil, fmt.Errorf("scanning pointer: %w", err)
		}
		p.Category = domain.Category(category)
		if p.LastUpdated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("invalid last_updated for pointer %s: %w", p.Key(), err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	log.Info().Msg("Closing SQLite pointer store")
	return s.db.Close()
}
