package engine

import (
	"fmt"

	"questline/internal/domain"
)

// ForbiddenError means the actor may not request the action in the item's
// current state. Retrying will not help.
type ForbiddenError struct {
	Action Action
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s forbidden: %s", e.Action, e.Reason)
}

// ConflictError means the item's state changed since the caller observed it.
// Item is the authoritative state after the failed write.
type ConflictError struct {
	Action Action
	Reason string
	Item   domain.WorkItem
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: item %s is %s: %s", e.Action, e.Item.ID, e.Item.Status, e.Reason)
}

// ValidationError reports a malformed request.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
