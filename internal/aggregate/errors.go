package aggregate

import "errors"

var (
	// ErrStaleSample indicates a sample whose timestamp is not newer than
	// the newest sample already held for that resource. Stale samples are
	// rejected, never merged, so duplicate delivery cannot double-count.
	ErrStaleSample = errors.New("sample is stale")

	// ErrUnknownResource indicates an operation on a resource id that was
	// never registered.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrAlreadyRegistered indicates a duplicate resource registration.
	ErrAlreadyRegistered = errors.New("resource already registered")
)
