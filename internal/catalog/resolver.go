package catalog

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	dateStampLayout     = "20060102"
	fileTimestampLayout = "20060102150405"

	logExt     = ".log"
	archiveExt = ".log.gz"
)

// Lister lists the base names of a remote directory
type Lister interface {
	List(ctx context.Context, dir string) ([]string, error)
}

// DatePrefixes returns the name prefixes for yesterday, today and tomorrow
// relative to now. Tomorrow covers a remote clock that already rolled over
// midnight; yesterday covers one that has not yet.
func DatePrefixes(categoryPrefix string, now time.Time) []string {
	return []string{
		categoryPrefix + now.AddDate(0, 0, -1).Format(dateStampLayout),
		categoryPrefix + now.Format(dateStampLayout),
		categoryPrefix + now.AddDate(0, 0, 1).Format(dateStampLayout),
	}
}

// ExtractTimestamp parses the full timestamp embedded in a log file name.
//
// Format: {prefix}{yyyyMMdd}_{yyyyMMddHHmmss}.log (optionally .log.gz)
//
// Examples:
//   - "chat_20250601_20250601120000.log" → 2025-06-01 12:00:00
//   - "login_20250601_20250601235959.log.gz" → 2025-06-01 23:59:59
//
// The timestamp is interpreted in loc (the remote server's zone).
func ExtractTimestamp(fileName string, loc *time.Location) (time.Time, error) {
	base := path.Base(fileName)

	switch {
	case strings.HasSuffix(base, archiveExt):
		base = strings.TrimSuffix(base, archiveExt)
	case strings.HasSuffix(base, logExt):
		base = strings.TrimSuffix(base, logExt)
	default:
		return time.Time{}, fmt.Errorf("not a log file: %s", fileName)
	}

	idx := strings.LastIndex(base, "_")
	if idx < 0 || idx == len(base)-1 {
		return time.Time{}, fmt.Errorf("no timestamp token in filename: %s", fileName)
	}
	token := base[idx+1:]
	if len(token) != len(fileTimestampLayout) {
		return time.Time{}, fmt.Errorf("invalid timestamp length in filename: %s (expected %d digits, got %d)",
			fileName, len(fileTimestampLayout), len(token))
	}

	if loc == nil {
		loc = time.UTC
	}
	ts, err := time.ParseInLocation(fileTimestampLayout, token, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp in filename %s: %w", fileName, err)
	}
	return ts, nil
}

// IsArchive reports whether the candidate is a gzip-compressed log
func IsArchive(fileName string) bool {
	return strings.HasSuffix(fileName, archiveExt)
}

// Resolve lists rootFolder once and returns the files of one category that
// belong to the yesterday/today/tomorrow window, oldest first.
//
// No match is not an error: the result is simply empty. Listing errors are
// returned as-is; the caller retries on its next scheduled run.
func Resolve(ctx context.Context, lister Lister, rootFolder, categoryPrefix string, now time.Time) ([]domain.CandidateFile, error) {
	names, err := lister.List(ctx, rootFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", rootFolder, err)
	}

	prefixes := DatePrefixes(categoryPrefix, now)
	seen := make(map[string]struct{}, len(names))
	candidates := make([]domain.CandidateFile, 0)

	for _, name := range names {
		if !hasAnyPrefix(name, prefixes) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		ts, err := ExtractTimestamp(name, now.Location())
		if err != nil {
			log.Debug().
				Err(err).
				Str("file", name).
				Msg("Skipping file without a valid embedded timestamp")
			continue
		}

		candidates = append(candidates, domain.CandidateFile{
			FileName:          name,
			EmbeddedTimestamp: ts,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].EmbeddedTimestamp.Equal(candidates[j].EmbeddedTimestamp) {
			return candidates[i].FileName < candidates[j].FileName
		}
		return candidates[i].EmbeddedTimestamp.Before(candidates[j].EmbeddedTimestamp)
	})

	return candidates, nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
