package domain

import (
	"fmt"
	"time"
)

// Operation is a line-level edit applied to a remote config/list file
type Operation string

const (
	OpAppend      Operation = "append"
	OpRemove      Operation = "remove"
	OpUpdateByKey Operation = "update"
)

// Validate checks that the operation is known
func (o Operation) Validate() error {
	switch o {
	case OpAppend, OpRemove, OpUpdateByKey:
		return nil
	default:
		return fmt.Errorf("unknown mutation operation: %q", string(o))
	}
}

// MutationCommand is a queued edit against a remote config/list file.
// TargetFile names a target from the server registry (e.g. "bans"), not a path.
type MutationCommand struct {
	ID         string
	ServerID   string
	TargetFile string
	Operation  Operation
	Key        string // used by OpUpdateByKey
	Value      string
	RetryCount int
	EnqueuedAt time.Time

	// FollowUp, if set, is emitted to the side-effect notifier after a
	// successful apply (e.g. ask the game server to reload its ban list).
	FollowUp string
}
