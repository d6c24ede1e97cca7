package writer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
)

// lineHash identifies a line for deduplication by where it sits in its
// source file, so a redelivered line matches and a repeated text does not.
func lineHash(line domain.Line) string {
	h := sha256.New()

	fmt.Fprintf(h, "%s|", line.ServerID)
	fmt.Fprintf(h, "%s|", line.Category)
	fmt.Fprintf(h, "%s|", line.SourceFile)
	fmt.Fprintf(h, "%d|", line.Offset)
	fmt.Fprintf(h, "%s|", line.Text)

	return hex.EncodeToString(h.Sum(nil))
}
