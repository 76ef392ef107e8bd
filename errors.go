package herd

import "errors"

// ErrInvalidScope indicates the named scope is not running on this node.
var ErrInvalidScope = errors.New("invalid scope")

// ErrNotAlive indicates a join for a member that is not alive at its
// owner node.
var ErrNotAlive = errors.New("member is not alive")

// ErrNotInGroup indicates a leave for a member with no entry in the
// group at its owner node.
var ErrNotInGroup = errors.New("member is not in group")

// ValidationError indicates an invalid input to a registry operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}
