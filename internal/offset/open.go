package offset

import (
	"fmt"
	"strings"
)

// Open opens the pointer store for the configured backend ("bolt" or "sqlite")
func Open(backend, dbPath string) (PointerStore, error) {
	switch strings.ToLower(backend) {
	case "", "bolt":
		return NewBoltDBStore(dbPath)
	case "sqlite":
		return NewSQLiteStore(dbPath)
	default:
		return nil, fmt.Errorf("unsupported pointer backend: %s", backend)
	}
}
