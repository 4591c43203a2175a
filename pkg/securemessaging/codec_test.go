package securemessaging

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/nfcdoc/emrtd/pkg/crypto"
	"github.com/nfcdoc/emrtd/pkg/iso7816"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func tdesCodec(t *testing.T, seed string) *Codec {
	t.Helper()
	enc, mac, err := crypto.DeriveSessionKeys(crypto.TDES, mustHex(t, seed))
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	c, err := NewCodec(SessionKeys{Suite: crypto.TDES, Enc: enc, MAC: mac})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func aesCodec(t *testing.T, suite crypto.Suite) *Codec {
	t.Helper()
	secret := bytes.Repeat([]byte{0x42}, 20)
	enc, mac, err := crypto.DeriveSessionKeys(suite, secret)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	c, err := NewCodec(SessionKeys{Suite: suite, Enc: enc, MAC: mac})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

// TestWrapICAOVector reproduces the protected SELECT EF.COM command from
// the worked example in ICAO Doc 9303-11 Appendix D.4.
func TestWrapICAOVector(t *testing.T) {
	codec := tdesCodec(t, "0036D272F5C350ACAC50C3F572D23600")

	ssc, err := NewSSC(crypto.TDES, mustHex(t, "887022120C06C226"))
	if err != nil {
		t.Fatalf("NewSSC: %v", err)
	}

	cmd := &iso7816.Command{CLA: 0x00, INS: iso7816.InsSelect, P1: 0x02, P2: 0x0C,
		Data: mustHex(t, "011E"), Le: iso7816.NoLe}

	protected, next, err := codec.Wrap(cmd, ssc)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	want := mustHex(t, "0CA4020C158709016375432908C044F68E08BF8B92D635FF24F800")
	if !bytes.Equal(protected, want) {
		t.Errorf("protected =\n%X, want\n%X", protected, want)
	}
	if next.Uint64() != 0x887022120C06C227 {
		t.Errorf("ssc = %016X, want 887022120C06C227", next.Uint64())
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	for _, suite := range []crypto.Suite{crypto.TDES, crypto.AES128, crypto.AES192, crypto.AES256} {
		t.Run(suite.String(), func(t *testing.T) {
			var codec *Codec
			if suite == crypto.TDES {
				codec = tdesCodec(t, "0036D272F5C350ACAC50C3F572D23600")
			} else {
				codec = aesCodec(t, suite)
			}

			terminalSSC := ZeroSSC(suite)
			chipSSC := ZeroSSC(suite)

			cmd := &iso7816.Command{CLA: 0x00, INS: iso7816.InsReadBinary, P1: 0x00, P2: 0x04, Le: 32}
			wantData := []byte("data group content here")

			protected, terminalSSC, err := codec.Wrap(cmd, terminalSSC)
			if err != nil {
				t.Fatalf("Wrap: %v", err)
			}

			// Chip side: verify, execute, answer.
			plainCmd, chipSSC, err := codec.UnwrapCommand(protected, chipSSC)
			if err != nil {
				t.Fatalf("UnwrapCommand: %v", err)
			}
			if plainCmd.INS != cmd.INS || plainCmd.Le != cmd.Le {
				t.Fatalf("chip saw %+v, want %+v", plainCmd, cmd)
			}
			rawResp, chipSSC, err := codec.WrapResponse(&iso7816.Response{Data: wantData, SW: iso7816.SWSuccess}, chipSSC)
			if err != nil {
				t.Fatalf("WrapResponse: %v", err)
			}

			resp, terminalSSC, err := codec.Unwrap(rawResp, terminalSSC)
			if err != nil {
				t.Fatalf("Unwrap: %v", err)
			}
			if resp.SW != iso7816.SWSuccess {
				t.Errorf("SW = %04X", resp.SW)
			}
			if !bytes.Equal(resp.Data, wantData) {
				t.Errorf("data = %q, want %q", resp.Data, wantData)
			}
			if terminalSSC.Uint64() != chipSSC.Uint64() {
				t.Errorf("counters diverged: %d vs %d", terminalSSC.Uint64(), chipSSC.Uint64())
			}
		})
	}
}

// TestSSCAdvancesByTwoPerExchange checks the anti-replay invariant: one
// increment per command and one per response, so N exchanges advance the
// counter by 2N.
func TestSSCAdvancesByTwoPerExchange(t *testing.T) {
	codec := aesCodec(t, crypto.AES128)
	terminalSSC := ZeroSSC(crypto.AES128)
	chipSSC := ZeroSSC(crypto.AES128)
	initial := terminalSSC.Uint64()

	const n = 5
	for i := 0; i < n; i++ {
		cmd := &iso7816.Command{CLA: 0x00, INS: iso7816.InsSelect, P1: 0x02, P2: 0x0C,
			Data: []byte{0x01, byte(i + 1)}, Le: iso7816.NoLe}

		protected, nextT, err := codec.Wrap(cmd, terminalSSC)
		if err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		terminalSSC = nextT

		if _, chipSSC, err = codec.UnwrapCommand(protected, chipSSC); err != nil {
			t.Fatalf("UnwrapCommand: %v", err)
		}
		raw, nextC, err := codec.WrapResponse(&iso7816.Response{SW: iso7816.SWSuccess}, chipSSC)
		if err != nil {
			t.Fatalf("WrapResponse: %v", err)
		}
		chipSSC = nextC

		if _, terminalSSC, err = codec.Unwrap(raw, terminalSSC); err != nil {
			t.Fatalf("Unwrap: %v", err)
		}
	}

	if got, want := terminalSSC.Uint64(), initial+2*n; got != want {
		t.Errorf("ssc = %d, want %d", got, want)
	}
}

// TestUnwrapRejectsTamper flips every byte of a protected response in
// turn; no corruption may yield plaintext.
func TestUnwrapRejectsTamper(t *testing.T) {
	codec := aesCodec(t, crypto.AES128)
	chipSSC := ZeroSSC(crypto.AES128)

	raw, _, err := codec.WrapResponse(&iso7816.Response{Data: []byte("sensitive"), SW: iso7816.SWSuccess}, chipSSC)
	if err != nil {
		t.Fatalf("WrapResponse: %v", err)
	}

	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01
		resp, _, err := codec.Unwrap(tampered, ZeroSSC(crypto.AES128))
		if err == nil {
			t.Fatalf("byte %d: tampered response accepted", i)
		}
		if resp != nil {
			t.Fatalf("byte %d: plaintext returned despite error", i)
		}
	}
}

// TestUnwrapMACFailureIsIntegrity checks the error class for a corrupted
// cryptogram: the MAC must fail before any decryption happens.
func TestUnwrapMACFailureIsIntegrity(t *testing.T) {
	codec := tdesCodec(t, "0036D272F5C350ACAC50C3F572D23600")
	ssc := ZeroSSC(crypto.TDES)

	raw, _, err := codec.WrapResponse(&iso7816.Response{Data: []byte("payload"), SW: iso7816.SWSuccess}, ssc)
	if err != nil {
		t.Fatalf("WrapResponse: %v", err)
	}

	// Corrupt one cryptogram byte: DO'87' value starts after tag+len+indicator.
	raw[3] ^= 0xFF
	if _, _, err := codec.Unwrap(raw, ZeroSSC(crypto.TDES)); !errors.Is(err, ErrIntegrity) {
		t.Errorf("got %v, want ErrIntegrity", err)
	}
}

// TestUnwrapRejectsReplay checks that a response protected under one
// counter value fails verification under any other.
func TestUnwrapRejectsReplay(t *testing.T) {
	codec := aesCodec(t, crypto.AES128)

	raw, _, err := codec.WrapResponse(&iso7816.Response{SW: iso7816.SWSuccess}, ZeroSSC(crypto.AES128))
	if err != nil {
		t.Fatalf("WrapResponse: %v", err)
	}

	// Terminal expecting a later counter value must reject the replay.
	later := ZeroSSC(crypto.AES128).Next().Next()
	if _, _, err := codec.Unwrap(raw, later); !errors.Is(err, ErrIntegrity) {
		t.Errorf("got %v, want ErrIntegrity", err)
	}
}

func TestUnwrapBareStatusWord(t *testing.T) {
	codec := aesCodec(t, crypto.AES128)
	var swErr *iso7816.StatusError
	_, _, err := codec.Unwrap([]byte{0x69, 0x82}, ZeroSSC(crypto.AES128))
	if !errors.As(err, &swErr) {
		t.Fatalf("got %v, want StatusError", err)
	}
	if swErr.SW != iso7816.SWSecurityNotSatisfied {
		t.Errorf("SW = %04X", swErr.SW)
	}
}

func TestUnwrapMissingStatusObject(t *testing.T) {
	codec := aesCodec(t, crypto.AES128)
	ssc := ZeroSSC(crypto.AES128)

	// Hand-build a response with only a MAC object.
	mac := bytes.Repeat([]byte{0xAA}, 8)
	raw := iso7816.AppendTLV(nil, 0x8E, mac)
	raw = append(raw, 0x90, 0x00)

	_, _, err := codec.Unwrap(raw, ssc)
	if !errors.Is(err, ErrMissingStatus) {
		t.Errorf("got %v, want ErrMissingStatus", err)
	}
}

func TestNewCodecValidatesKeys(t *testing.T) {
	_, err := NewCodec(SessionKeys{Suite: crypto.AES256, Enc: make([]byte, 16), MAC: make([]byte, 32)})
	if !errors.Is(err, ErrKeySize) {
		t.Errorf("got %v, want ErrKeySize", err)
	}
	_, err = NewCodec(SessionKeys{Suite: crypto.Suite(9), Enc: nil, MAC: nil})
	if !errors.Is(err, crypto.ErrUnknownSuite) {
		t.Errorf("got %v, want ErrUnknownSuite", err)
	}
}

func TestSSCNextCarries(t *testing.T) {
	ssc, err := NewSSC(crypto.TDES, mustHex(t, "00000000000000FF"))
	if err != nil {
		t.Fatalf("NewSSC: %v", err)
	}
	if got := ssc.Next().Uint64(); got != 0x100 {
		t.Errorf("Next = %X, want 100", got)
	}

	wrap, err := NewSSC(crypto.TDES, mustHex(t, "FFFFFFFFFFFFFFFF"))
	if err != nil {
		t.Fatalf("NewSSC: %v", err)
	}
	if got := wrap.Next().Uint64(); got != 0 {
		t.Errorf("Next = %X, want 0", got)
	}
}

func TestNewSSCWrongWidth(t *testing.T) {
	if _, err := NewSSC(crypto.AES128, make([]byte, 8)); !errors.Is(err, ErrInvalidSSC) {
		t.Errorf("got %v, want ErrInvalidSSC", err)
	}
}

func TestZeroizeClearsKeys(t *testing.T) {
	keys := SessionKeys{Suite: crypto.AES128, Enc: bytes.Repeat([]byte{1}, 16), MAC: bytes.Repeat([]byte{2}, 16)}
	keys.Zeroize()
	if !bytes.Equal(keys.Enc, make([]byte, 16)) || !bytes.Equal(keys.MAC, make([]byte, 16)) {
		t.Error("keys not cleared")
	}
}
