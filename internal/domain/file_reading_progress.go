package domain

import "time"

// FileReadingProgress is a snapshot of a committed tail run, mirrored to
// ClickHouse for monitoring. It is informational only: the read pointer
// store stays the source of truth.
type FileReadingProgress struct {
	Timestamp     time.Time
	RunID         string
	ServerID      string
	ServerName    string
	Category      string
	FileName      string
	FileSizeBytes int64 // Remote size observed when the stream was opened
	OffsetBytes   int64 // Committed position
	BytesRead     int64
	LinesRead     uint64
	Rotated       bool
	DurationMs    uint64
}
