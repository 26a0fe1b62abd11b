package interfaces

import "errors"

// Common backend errors shared by store implementations.
var (
	ErrStoreClosed  = errors.New("store is closed")
	ErrStoreTimeout = errors.New("store operation timed out")
)
