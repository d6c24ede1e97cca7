package writer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	lineTable     = "raw_lines"
	progressTable = "file_reading_progress"
)

// Schema creates the tables written by this package
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS %s.raw_lines (
		ingested_at DateTime64(3),
		server_id LowCardinality(String),
		category LowCardinality(String),
		source_file String,
		line_offset Int64,
		text String,
		record_hash FixedString(64)
	) ENGINE = MergeTree
	ORDER BY (server_id, category, ingested_at)`,
	`CREATE TABLE IF NOT EXISTS %s.file_reading_progress (
		timestamp DateTime64(3),
		run_id String,
		server_id LowCardinality(String),
		server_name String,
		category LowCardinality(String),
		file_name String,
		file_size_bytes Int64,
		offset_bytes Int64,
		bytes_read Int64,
		lines_read UInt64,
		rotated UInt8,
		duration_ms UInt64
	) ENGINE = ReplacingMergeTree(timestamp)
	ORDER BY (server_id, category, file_name)`,
}

// Execer runs DDL
type Execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// EnsureSchema creates the tables if they do not exist
func EnsureSchema(ctx context.Context, db Execer, database string) error {
	for _, ddl := range Schema {
		if err := db.Exec(ctx, fmt.Sprintf(ddl, database)); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// ClickHouseWriter archives raw lines of one category and mirrors tail
// progress. Lines are buffered until Flush or MaxSize.
type ClickHouseWriter struct {
	cfg      BatchConfig
	category domain.Category
	send     rowSender
	exists   hashChecker
	now      func() time.Time

	mu        sync.Mutex
	batch     []domain.Line
	lastFlush time.Time
}

// NewClickHouseWriter creates a writer for one category
func NewClickHouseWriter(conn clickhouse.Conn, category domain.Category, cfg BatchConfig) *ClickHouseWriter {
	if cfg.Database == "" {
		cfg.Database = "logs"
	}
	w := newWriter(category, cfg, nil, nil)
	w.send = func(ctx context.Context, table string, rows [][]any) error {
		return sendBatch(ctx, conn, cfg.Database, table, rows)
	}
	w.exists = func(ctx context.Context, table string, hashes []string) (map[string]bool, error) {
		return existingHashes(ctx, conn, cfg.Database, table, hashes)
	}
	return w
}

func newWriter(category domain.Category, cfg BatchConfig, send rowSender, exists hashChecker) *ClickHouseWriter {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	return &ClickHouseWriter{
		cfg:       cfg,
		category:  category,
		send:      send,
		exists:    exists,
		now:       time.Now,
		batch:     make([]domain.Line, 0, cfg.MaxSize),
		lastFlush: time.Now(),
	}
}

// Category implements dispatch.LineHandler
func (w *ClickHouseWriter) Category() domain.Category {
	return w.category
}

// Handle buffers a line and flushes when the batch is full
func (w *ClickHouseWriter) Handle(ctx context.Context, line domain.Line) error {
	w.mu.Lock()
	w.batch = append(w.batch, line)
	full := len(w.batch) >= w.cfg.MaxSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered lines
func (w *ClickHouseWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.batch) == 0 {
		w.mu.Unlock()
		return nil
	}
	snapshot := make([]domain.Line, len(w.batch))
	copy(snapshot, w.batch)
	w.batch = w.batch[:0]
	w.mu.Unlock()

	hashes := make([]string, len(snapshot))
	for i, line := range snapshot {
		hashes[i] = lineHash(line)
	}

	return w.flushSnapshot(ctx, snapshot, hashes)
}

func (w *ClickHouseWriter) flushSnapshot(ctx context.Context, snapshot []domain.Line, hashes []string) error {
	startTime := time.Now()

	var seen map[string]bool
	if w.cfg.EnableDeduplication && w.exists != nil {
		var err error
		seen, err = w.exists(ctx, lineTable, hashes)
		if err != nil {
			log.Warn().Err(err).Msg("Hash lookup failed, writing without deduplication")
			seen = nil
		}
	}

	ingestedAt := w.now().UTC()
	rows := make([][]any, 0, len(snapshot))
	for i, line := range snapshot {
		if seen[hashes[i]] {
			continue
		}
		rows = append(rows, []any{
			ingestedAt,
			line.ServerID,
			string(line.Category),
			line.SourceFile,
			line.Offset,
			line.Text,
			hashes[i],
		})
	}

	if len(rows) == 0 {
		log.Debug().Int("total", len(snapshot)).Msg("All lines were duplicates, skipping batch")
		return nil
	}

	if err := w.send(ctx, lineTable, rows); err != nil {
		log.Error().
			Err(err).
			Str("category", string(w.category)).
			Int("rows", len(rows)).
			Msg("Failed to send line batch to ClickHouse")
		return fmt.Errorf("failed to send batch (rows=%d): %w", len(rows), err)
	}

	w.mu.Lock()
	w.lastFlush = time.Now()
	w.mu.Unlock()

	logEntry := log.Debug().
		Str("category", string(w.category)).
		Int("total", len(snapshot)).
		Int("written", len(rows)).
		Dur("elapsed", time.Since(startTime))
	if w.cfg.EnableDeduplication {
		logEntry = logEntry.Int("duplicates", len(snapshot)-len(rows))
	}
	logEntry.Msg("Flushed line batch to ClickHouse")

	return nil
}

// WriteFileReadingProgress writes one progress row
func (w *ClickHouseWriter) WriteFileReadingProgress(ctx context.Context, p *domain.FileReadingProgress) error {
	rotated := uint8(0)
	if p.Rotated {
		rotated = 1
	}
	row := []any{
		p.Timestamp,
		p.RunID,
		p.ServerID,
		p.ServerName,
		p.Category,
		p.FileName,
		p.FileSizeBytes,
		p.OffsetBytes,
		p.BytesRead,
		p.LinesRead,
		rotated,
		p.DurationMs,
	}
	if err := w.send(ctx, progressTable, [][]any{row}); err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

// Close flushes pending lines
func (w *ClickHouseWriter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.Flush(ctx)
}

func sendBatch(ctx context.Context, conn clickhouse.Conn, database, table string, rows [][]any) error {
	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.%s", database, table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append to batch (row %d): %w", i, err)
		}
	}
	return batch.Send()
}

func existingHashes(ctx context.Context, conn clickhouse.Conn, database, table string, hashes []string) (map[string]bool, error) {
	// Hashes are hex-encoded, safe to inline
	quoted := make([]string, len(hashes))
	for i, h := range hashes {
		quoted[i] = "'" + h + "'"
	}
	query := fmt.Sprintf("SELECT record_hash FROM %s.%s WHERE record_hash IN (%s)", database, table, strings.Join(quoted, ","))

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to check hashes: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		found[h] = true
	}
	return found, rows.Err()
}
