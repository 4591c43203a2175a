package transport

import (
	"sync"

	"github.com/pion/logging"
)

// Handler produces the chip's response to one raw command APDU.
type Handler func(command []byte) []byte

// Loopback is an in-memory Transport that feeds commands straight into a
// chip handler. It gives tests a deterministic, hardware-free channel,
// mirroring the virtual-pipe pattern used for network-free protocol tests.
type Loopback struct {
	handler Handler
	log     logging.LeveledLogger

	mu     sync.Mutex
	count  int
	closed bool
}

// NewLoopback creates a loopback transport around a chip handler.
func NewLoopback(handler Handler) *Loopback {
	return &Loopback{handler: handler}
}

// SetLoggerFactory enables exchange logging.
func (l *Loopback) SetLoggerFactory(f logging.LoggerFactory) {
	l.log = f.NewLogger("transport-loopback")
}

// SendReceive implements Transport.
func (l *Loopback) SendReceive(command []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	l.count++
	if l.log != nil {
		l.log.Tracef("-> %X", command)
	}
	resp := l.handler(command)
	if l.log != nil {
		l.log.Tracef("<- %X", resp)
	}
	return resp, nil
}

// Exchanges returns the number of completed exchanges.
func (l *Loopback) Exchanges() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close marks the transport closed; further exchanges fail with ErrClosed.
func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
