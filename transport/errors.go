package transport

import "errors"

var (
	// ErrTimeout indicates no correlated response arrived within the
	// configured wait. The logical call is safe to retry in a fresh request.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrClosed indicates an operation was attempted on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected indicates no protocol server has been bound yet.
	ErrNotConnected = errors.New("transport not connected to a protocol server")
)
