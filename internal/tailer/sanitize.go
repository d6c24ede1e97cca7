package tailer

import (
	"bytes"
	"strings"
)

// SanitizeLine strips the line terminator and embedded NUL padding from a raw
// line and drops invalid UTF-8. It returns false for lines that are empty
// after sanitizing (whitespace or NULs only).
func SanitizeLine(raw []byte) (string, bool) {
	line := bytes.TrimRight(raw, "\r\n")
	if bytes.IndexByte(line, 0) >= 0 {
		line = bytes.ReplaceAll(line, []byte{0}, nil)
	}
	// The padding may sit between the text and the CR
	line = bytes.TrimRight(line, "\r")

	text := strings.ToValidUTF8(string(line), "")
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}
