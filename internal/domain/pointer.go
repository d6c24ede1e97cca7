package domain

import "time"

// ReadPointer is the persisted resume state for one (server, category) pair.
// Position is a byte offset into FileName and never exceeds ObservedFileSize.
type ReadPointer struct {
	ServerID         string    `json:"server_id"`
	Category         Category  `json:"category"`
	FileName         string    `json:"file_name"`
	Position         int64     `json:"position"`
	ObservedFileSize int64     `json:"observed_file_size"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Key returns the identity key of the pointer
func (p *ReadPointer) Key() string {
	return PointerKey(p.ServerID, p.Category)
}

// PointerKey builds the composite (server, category) key
func PointerKey(serverID string, category Category) string {
	return serverID + ":" + string(category)
}

// CandidateFile is a remote log file that matched the category prefix for the
// current time window. It is derived per run and never persisted.
type CandidateFile struct {
	FileName          string
	EmbeddedTimestamp time.Time
}

// Line is one sanitized log line handed to downstream dispatch
type Line struct {
	ServerID   string
	Category   Category
	SourceFile string
	// Offset is where the line starts in SourceFile. For archives it is the
	// offset in the decompressed stream.
	Offset int64
	Text   string
}
