package enocean

import "errors"

// Domain errors for the gateway core.
var (
	// ErrTransport is returned when the serial port or socket fails to open,
	// read or write. The transport recovers from it by reconnecting.
	ErrTransport = errors.New("enocean: transport failure")

	// ErrParse is returned when bytes do not match any known frame format.
	ErrParse = errors.New("enocean: parse error")

	// ErrTimeout is returned when an exchange received no matching
	// response within its retry budget.
	ErrTimeout = errors.New("enocean: exchange timed out")

	// ErrProtocolViolation is returned when telegrams arrive in an order the
	// protocol does not allow, e.g. a release without a preceding press.
	ErrProtocolViolation = errors.New("enocean: protocol violation")

	// ErrLockFailure is returned when the bus lock handshake fails.
	ErrLockFailure = errors.New("enocean: bus lock failed")

	// ErrNotConnected is returned when an operation requires an open channel.
	ErrNotConnected = errors.New("enocean: not connected")

	// ErrClosed is returned by operations on a stopped gateway or transport.
	ErrClosed = errors.New("enocean: closed")

	// ErrSendQueueFull is returned when the outbound queue cannot accept
	// another telegram.
	ErrSendQueueFull = errors.New("enocean: send queue full")

	// ErrUnsupported is returned when a telegram or operation has no
	// representation on the configured gateway.
	ErrUnsupported = errors.New("enocean: unsupported")

	// ErrInvalidAddress is returned when an address string cannot be parsed.
	ErrInvalidAddress = errors.New("enocean: invalid address")

	// ErrUnknownProfile is returned for profile identifiers outside the
	// supported set.
	ErrUnknownProfile = errors.New("enocean: unknown profile")

	// ErrTeachIn is returned when a profile decoder receives a teach-in
	// telegram instead of a data telegram.
	ErrTeachIn = errors.New("enocean: teach-in telegram")
)
