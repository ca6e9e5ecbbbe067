package indexer

import (
	"errors"
	"fmt"
)

// ConflictError reports a reference chain whose ancestors already belong to
// different conversations. The first conversation found, scanning from the
// nearest ancestor outwards, is kept.
type ConflictError struct {
	MessageID string

	// Chosen is the conversation the message was attached to.
	Chosen string

	// Other is the diverging conversation of Reference.
	Other     string
	Reference string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"message %s: ancestor %s is in conversation %s, expected %s",
		e.MessageID, e.Reference, e.Other, e.Chosen,
	)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
