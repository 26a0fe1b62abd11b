package registry

import "errors"

var (
	ErrNotFound      = errors.New("no matching registry entry")
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrNilStore      = errors.New("shared registry requires a store")
)
