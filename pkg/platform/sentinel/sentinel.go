package sentinel

import "errors"

// Infrastructure facts returned (optionally wrapped) by stores and adapters.
// Services translate them into domain errors before they reach a handler.
//
//   - ErrNotFound: no loan or chat log under the key
//   - ErrConflict: create collided with an existing key
//   - ErrInvalidState: record is in the wrong status for the operation
//   - ErrUnavailable: backing system could not be reached
//   - ErrClosed: component is shutting down and refuses new work
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrClosed       = errors.New("closed")
)
