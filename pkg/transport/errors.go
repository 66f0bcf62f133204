package transport

import "errors"

var (
	// ErrNotConnected is returned by Send when the connection is not in
	// the Connected state. The state is unchanged.
	ErrNotConnected = errors.New("transport: connection is not connected")

	// ErrConnectFailed is returned by Connect when the handshake exhausts
	// its retries or the connection dies before completing.
	ErrConnectFailed = errors.New("transport: connect failed")

	// ErrClosed is returned when sending through a closed listener or
	// client endpoint.
	ErrClosed = errors.New("transport: endpoint is closed")

	// ErrInvalidOption is returned when a send option cannot be used with
	// the requested call (control options are transport-internal).
	ErrInvalidOption = errors.New("transport: send option not usable here")
)

// Teardown reasons reported through the Disconnected callback.
const (
	reasonTimeout   = "timeout"
	reasonTransport = "transport error"
	reasonStopped   = "stopped"
	reasonRejected  = "connection rejected"
)
