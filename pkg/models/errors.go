package models

import "errors"

// ErrInvalidDefinition marks configuration errors in a workflow definition.
// Definitions failing validation are rejected before any instance is created.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// IsInvalidDefinition checks if an error indicates a rejected definition.
func IsInvalidDefinition(err error) bool {
	return errors.Is(err, ErrInvalidDefinition)
}
