package scale

import "errors"

var (
	// ErrPoolNotFound indicates a decision was requested for a resource
	// that is not a scaling-enabled worker pool.
	ErrPoolNotFound = errors.New("worker pool not found")

	// ErrAlreadyRegistered indicates a duplicate pool registration.
	ErrAlreadyRegistered = errors.New("worker pool already registered")
)
