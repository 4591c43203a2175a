package securemessaging

import (
	"errors"
	"fmt"

	"github.com/nfcdoc/emrtd/pkg/iso7816"
	"github.com/nfcdoc/emrtd/pkg/transport"
)

// ErrChannelBroken indicates the channel was poisoned by an earlier
// integrity failure or closed. No further exchanges are possible; the
// caller must re-establish a session.
var ErrChannelBroken = errors.New("securemessaging: channel no longer usable")

// Channel is an established secure messaging session: a codec, the live
// send sequence counter, and the underlying transport. It is the only
// stateful part of secure messaging; the codec itself is pure.
//
// A Channel is not safe for concurrent use. The counter orders the
// exchanges, so all traffic of a session must flow through one goroutine
// at a time.
type Channel struct {
	t      transport.Transport
	codec  *Codec
	keys   SessionKeys
	ssc    SSC
	broken error
}

// NewChannel wraps t with secure messaging under freshly established
// session keys. The channel takes ownership of the keys and zeroizes
// them on Close.
func NewChannel(t transport.Transport, keys SessionKeys, ssc SSC) (*Channel, error) {
	codec, err := NewCodec(keys)
	if err != nil {
		return nil, err
	}
	return &Channel{t: t, codec: codec, keys: keys, ssc: ssc}, nil
}

// Send protects cmd, performs the exchange and returns the verified
// plaintext response. An integrity failure poisons the channel: the
// counter state is ambiguous afterwards, so every later Send fails with
// ErrChannelBroken.
func (c *Channel) Send(cmd *iso7816.Command) (*iso7816.Response, error) {
	if c.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelBroken, c.broken)
	}

	raw, next, err := c.codec.Wrap(cmd, c.ssc)
	if err != nil {
		return nil, err
	}

	respRaw, err := c.t.SendReceive(raw)
	if err != nil {
		// The chip may or may not have advanced its counter.
		c.poison(err)
		return nil, err
	}

	resp, after, err := c.codec.Unwrap(respRaw, next)
	if err != nil {
		c.poison(err)
		return nil, err
	}
	c.ssc = after
	return resp, nil
}

func (c *Channel) poison(cause error) {
	c.broken = cause
	c.keys.Zeroize()
}

// Close zeroizes the session keys and marks the channel unusable. The
// underlying transport stays open.
func (c *Channel) Close() {
	if c.broken == nil {
		c.broken = ErrChannelBroken
		c.keys.Zeroize()
	}
}
