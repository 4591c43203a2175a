package securemessaging

import (
	"errors"
	"testing"

	"github.com/nfcdoc/emrtd/pkg/crypto"
	"github.com/nfcdoc/emrtd/pkg/iso7816"
	"github.com/nfcdoc/emrtd/pkg/transport"
)

// echoChip unwraps protected commands, echoes the command data back and
// re-protects the response, tracking its own counter like a real chip.
type echoChip struct {
	t     *testing.T
	codec *Codec
	ssc   SSC
}

func (c *echoChip) handle(raw []byte) ([]byte, error) {
	cmd, next, err := c.codec.UnwrapCommand(raw, c.ssc)
	if err != nil {
		c.t.Fatalf("chip unwrap: %v", err)
	}
	resp := &iso7816.Response{Data: cmd.Data, SW: iso7816.SWSuccess}
	out, after, err := c.codec.WrapResponse(resp, next)
	if err != nil {
		c.t.Fatalf("chip wrap: %v", err)
	}
	c.ssc = after
	return out, nil
}

func sessionKeys(t *testing.T) SessionKeys {
	t.Helper()
	enc, mac, err := crypto.DeriveSessionKeys(crypto.AES128, []byte("channel test secret"))
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	return SessionKeys{Suite: crypto.AES128, Enc: enc, MAC: mac}
}

func newChannelPair(t *testing.T) (*Channel, *echoChip) {
	t.Helper()
	keys := sessionKeys(t)
	chipCodec, err := NewCodec(keys)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	chip := &echoChip{t: t, codec: chipCodec, ssc: ZeroSSC(crypto.AES128)}

	ch, err := NewChannel(transport.Func(chip.handle), sessionKeys(t), ZeroSSC(crypto.AES128))
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	return ch, chip
}

func TestChannelExchanges(t *testing.T) {
	ch, chip := newChannelPair(t)

	for i := 0; i < 5; i++ {
		cmd := &iso7816.Command{
			CLA: 0x00, INS: iso7816.InsSelect, P1: 0x02, P2: 0x0C,
			Data: []byte{0x01, byte(i)}, Le: iso7816.NoLe,
		}
		resp, err := ch.Send(cmd)
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if resp.SW != iso7816.SWSuccess || len(resp.Data) != 2 || resp.Data[1] != byte(i) {
			t.Fatalf("Send %d: resp %X SW=%04X", i, resp.Data, resp.SW)
		}
	}

	// Both counters advanced in lockstep: two increments per exchange.
	if ch.ssc.Uint64() != 10 || chip.ssc.Uint64() != 10 {
		t.Errorf("counters terminal=%d chip=%d, want 10", ch.ssc.Uint64(), chip.ssc.Uint64())
	}
}

func TestChannelPoisonedByIntegrityFailure(t *testing.T) {
	ch, chip := newChannelPair(t)

	tamper := transport.Func(func(raw []byte) ([]byte, error) {
		resp, err := chip.handle(raw)
		if err != nil {
			return nil, err
		}
		resp[4] ^= 0x01
		return resp, nil
	})
	ch.t = tamper

	cmd := &iso7816.Command{CLA: 0x00, INS: iso7816.InsSelect, P1: 0x02, P2: 0x0C,
		Data: []byte{0x01, 0x1E}, Le: iso7816.NoLe}
	if _, err := ch.Send(cmd); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("got %v, want ErrIntegrity", err)
	}

	// The counter state is ambiguous now; the channel must refuse.
	if _, err := ch.Send(cmd); !errors.Is(err, ErrChannelBroken) {
		t.Errorf("got %v, want ErrChannelBroken", err)
	}
}

func TestChannelClose(t *testing.T) {
	ch, _ := newChannelPair(t)
	ch.Close()

	cmd := &iso7816.Command{CLA: 0x00, INS: iso7816.InsSelect, P1: 0x02, P2: 0x0C,
		Data: []byte{0x01, 0x1E}, Le: iso7816.NoLe}
	if _, err := ch.Send(cmd); !errors.Is(err, ErrChannelBroken) {
		t.Errorf("got %v, want ErrChannelBroken", err)
	}
	for _, b := range ch.keys.Enc {
		if b != 0 {
			t.Fatal("encryption key not zeroized")
		}
	}
}
