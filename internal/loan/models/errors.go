package models

import "errors"

// ErrInvalidTransition is returned when a status change is not an edge of the lifecycle graph.
var ErrInvalidTransition = errors.New("invalid status transition")
