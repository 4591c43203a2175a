package transport

import (
	"time"

	"github.com/pion/transport/v3/deadline"
)

// WithTimeout wraps t so every exchange is bounded by d. A faulty or
// removed chip can stall a blocking reader call indefinitely; the wrapper
// returns ErrTimeout instead.
//
// The underlying call is not interrupted (most reader APIs cannot abort a
// transmit), but its eventual result is discarded and the transport must
// not be reused for the session: the chip-side protocol state is unknown
// after an abandoned exchange.
func WithTimeout(t Transport, d time.Duration) Transport {
	if d <= 0 {
		return t
	}
	return &timeoutTransport{inner: t, timeout: d}
}

type timeoutTransport struct {
	inner   Transport
	timeout time.Duration
}

type result struct {
	resp []byte
	err  error
}

// SendReceive implements Transport.
func (t *timeoutTransport) SendReceive(command []byte) ([]byte, error) {
	dl := deadline.New()
	dl.Set(time.Now().Add(t.timeout))
	defer dl.Set(time.Time{})

	ch := make(chan result, 1)
	go func() {
		resp, err := t.inner.SendReceive(command)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-dl.Done():
		return nil, ErrTimeout
	}
}
