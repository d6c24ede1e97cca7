package mutation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
)

var (
	// ErrLineNotFound is returned when a remove targets a line that is not in the file
	ErrLineNotFound = errors.New("line not found")
	// ErrKeyNotFound is returned when an update targets a key that is not in the file
	ErrKeyNotFound = errors.New("key not found")
)

// Apply edits content according to cmd and returns the new content.
// changed is false when the file already satisfies the command.
//
//   - append: adds Value as a new line unless an identical line exists
//   - remove: deletes every line equal to Value (after trimming spaces)
//   - update: replaces the line "Key=..." with "Key=Value"
//
// The file's dominant line ending is kept.
func Apply(content []byte, cmd *domain.MutationCommand) (out []byte, changed bool, err error) {
	eol := lineEnding(content)
	lines := splitLines(content)

	switch cmd.Operation {
	case domain.OpAppend:
		value := strings.TrimSpace(cmd.Value)
		if value == "" {
			return nil, false, fmt.Errorf("append: empty value")
		}
		for _, l := range lines {
			if strings.TrimSpace(l) == value {
				return content, false, nil
			}
		}
		lines = append(lines, value)

	case domain.OpRemove:
		// exact match on the line without its line ending
		value := cmd.Value
		if value == "" {
			return nil, false, fmt.Errorf("remove: empty value")
		}
		kept := lines[:0:0]
		for _, l := range lines {
			if l != value {
				kept = append(kept, l)
			}
		}
		if len(kept) == len(lines) {
			return nil, false, fmt.Errorf("remove %q: %w", value, ErrLineNotFound)
		}
		lines = kept

	case domain.OpUpdateByKey:
		key := strings.TrimSpace(cmd.Key)
		if key == "" {
			return nil, false, fmt.Errorf("update: empty key")
		}
		replacement := key + "=" + cmd.Value
		found := false
		for i, l := range lines {
			k, _, ok := strings.Cut(l, "=")
			if !ok || strings.TrimSpace(k) != key {
				continue
			}
			found = true
			if l != replacement {
				lines[i] = replacement
				changed = true
			}
		}
		if !found {
			return nil, false, fmt.Errorf("update %q: %w", key, ErrKeyNotFound)
		}
		if !changed {
			return content, false, nil
		}

	default:
		return nil, false, cmd.Operation.Validate()
	}

	return joinLines(lines, eol), true, nil
}

// lineEnding returns "\r\n" when most line breaks in content are CRLF
func lineEnding(content []byte) string {
	lf := bytes.Count(content, []byte("\n"))
	crlf := bytes.Count(content, []byte("\r\n"))
	if lf > 0 && crlf*2 > lf {
		return "\r\n"
	}
	return "\n"
}

func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	s := strings.ReplaceAll(string(content), "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

func joinLines(lines []string, eol string) []byte {
	if len(lines) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(lines, eol) + eol)
}
