package tailer

import (
	"github.com/SteelMorgan/remote-log-ingest/internal/catalog"
	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
)

// startPoint is where a run begins: an index into the candidate list and
// whether it continues the pointer's file.
type startPoint struct {
	index   int
	resumed bool
}

// pickStart chooses the candidate to continue from.
//
//   - no pointer: the earliest candidate
//   - pointer file still listed: resume it
//   - pointer file gone: the earliest candidate newer than it; older
//     candidates were consumed before the pointer moved past them
//
// index is -1 when every candidate is older than the pointer's file.
func pickStart(p *domain.ReadPointer, candidates []domain.CandidateFile) startPoint {
	if len(candidates) == 0 {
		return startPoint{index: -1}
	}
	if p == nil || p.FileName == "" {
		return startPoint{index: 0}
	}

	for i, c := range candidates {
		if c.FileName == p.FileName {
			return startPoint{index: i, resumed: true}
		}
	}

	loc := candidates[0].EmbeddedTimestamp.Location()
	pointerTS, err := catalog.ExtractTimestamp(p.FileName, loc)
	if err != nil {
		return startPoint{index: 0}
	}
	for i, c := range candidates {
		if c.EmbeddedTimestamp.After(pointerTS) {
			return startPoint{index: i}
		}
	}
	return startPoint{index: -1}
}

// ResetReason explains why a resumed file restarts at position 0
type ResetReason string

const (
	NoReset   ResetReason = ""
	NewFile   ResetReason = "new_file"
	Truncated ResetReason = "truncated"
)

// DetectReset decides whether reading fileName must restart at 0 given its
// current remote size. A different file name means rotation; a size below
// the last observed size means the file was truncated or replaced.
func DetectReset(p *domain.ReadPointer, fileName string, currentSize int64) ResetReason {
	if p == nil || p.FileName != fileName {
		return NewFile
	}
	if currentSize < p.ObservedFileSize || currentSize < p.Position {
		return Truncated
	}
	return NoReset
}
