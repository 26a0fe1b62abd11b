package interfaces

// Connection is the transport handle the core holds for a client.
// The core never inspects it beyond these methods.
type Connection interface {
	// ID returns an identifier that is unique for the lifetime of the process
	// and stable across the handle's lifetime.
	ID() string

	// Send writes one named message to the client. It must be safe for
	// concurrent use; implementations serialize writes internally.
	Send(event string, payload interface{}) error

	// IsAlive reports whether the underlying transport can still deliver.
	// Registry entries are only trusted after this check.
	IsAlive() bool

	// Close tears down the transport. Calling it more than once is allowed.
	Close() error
}
