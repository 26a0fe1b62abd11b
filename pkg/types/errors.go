package types

import "errors"

// Validation errors for inbound registration data. Their text is safe to
// show to clients.
var (
	ErrEmptyUserID   = errors.New("userId is required")
	ErrUserIDTooLong = errors.New("userId must be at most 256 characters")
	ErrInvalidRole   = errors.New("role must be 'user' or 'admin'")
)
