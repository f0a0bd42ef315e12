package broker

import "errors"

var (
	// ErrConnectionNotFound reports a join/leave referencing a connection
	// that is already torn down. Callers should treat it as a race with
	// disconnect, not a failure.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrBrokerClosed reports an operation against a broker that has shut down.
	ErrBrokerClosed = errors.New("broker closed")
)
