// Package transport defines the boundary to the physical contactless
// channel. The protocol core is agnostic to whether a Transport is backed
// by a PC/SC reader, a native adapter or a simulated chip; it only ever
// performs blocking request/response exchanges through this interface.
package transport

import "errors"

// Transport errors. Callers may retry a timed-out exchange at their own
// discretion; the protocol core never retries internally.
var (
	// ErrTimeout indicates an exchange exceeded the configured deadline.
	ErrTimeout = errors.New("transport: exchange timed out")

	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport: closed")
)

// Transport exchanges one raw command APDU for one raw response APDU.
// Implementations block until the chip answers or a physical failure
// occurs. Exchanges are strictly sequential: the secure messaging
// sequence counter cannot tolerate concurrent commands on one session,
// so a Transport is owned by exactly one session at a time.
type Transport interface {
	// SendReceive transmits command bytes and returns the full response
	// including the status word.
	SendReceive(command []byte) ([]byte, error)
}

// Func adapts a function to the Transport interface. Used by tests to
// stand in a simulated chip.
type Func func(command []byte) ([]byte, error)

// SendReceive implements Transport.
func (f Func) SendReceive(command []byte) ([]byte, error) {
	return f(command)
}
