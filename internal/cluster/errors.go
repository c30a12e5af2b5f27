package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("node not found")

	// ErrInvalidPayload is returned when a payload cannot be decoded or is
	// missing a required field.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidNodeID is returned for ids that cannot be embedded in a topic.
	ErrInvalidNodeID = errors.New("invalid node id")

	// ErrInvalidTopic is returned when a topic does not follow the naming convention.
	ErrInvalidTopic = errors.New("invalid topic")
)

// NotFoundError reports an operation on a node id that has never been observed.
type NotFoundError struct {
	NodeID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("node %q not found", e.NodeID)
}

// Is lets errors.Is(err, ErrNotFound) match any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
