package types

import "errors"

// Error kinds shared across packages. Callers wrap them with context and
// the HTTP layer maps them to status codes with errors.Is.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotEntitled     = errors.New("pro subscription required")
	ErrValidation      = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
)
