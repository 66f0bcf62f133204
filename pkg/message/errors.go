package message

import "errors"

// Framing errors. These indicate caller bugs or malformed input and
// propagate to the caller; they never tear down a connection.
var (
	// ErrBufferOverflow means a write would exceed the writer's capacity.
	ErrBufferOverflow = errors.New("message: write exceeds buffer capacity")

	// ErrUnderflow means a read ran past the end of the buffer.
	ErrUnderflow = errors.New("message: read past end of buffer")

	// ErrUnbalanced means EndMessage or CancelMessage was called without
	// a matching StartMessage.
	ErrUnbalanced = errors.New("message: unbalanced message nesting")
)
