package bac

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/nfcdoc/emrtd/pkg/crypto"
	"github.com/nfcdoc/emrtd/pkg/iso7816"
	"github.com/nfcdoc/emrtd/pkg/mrz"
	"github.com/nfcdoc/emrtd/pkg/transport"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// TestDeriveAccessKeyICAOVector checks the published document key pair
// from ICAO Doc 9303-11 Appendix D.2.
func TestDeriveAccessKeyICAOVector(t *testing.T) {
	key, err := mrz.ParseWithCheckDigits("L898902C<", '3', "690806", '1', "940623", '6')
	if err != nil {
		t.Fatalf("mrz: %v", err)
	}
	access, err := DeriveAccessKey(key)
	if err != nil {
		t.Fatalf("DeriveAccessKey: %v", err)
	}
	if !bytes.Equal(access.Enc, mustHex(t, "AB94FDECF2674FDFB9B391F85D7F76F2")) {
		t.Errorf("Kenc = %X", access.Enc)
	}
	if !bytes.Equal(access.MAC, mustHex(t, "7962D9ECE03D1ACD4C76089DCE131543")) {
		t.Errorf("Kmac = %X", access.MAC)
	}

	// Deterministic: derive again, byte-identical.
	again, err := DeriveAccessKey(key)
	if err != nil {
		t.Fatalf("DeriveAccessKey: %v", err)
	}
	if !bytes.Equal(access.Enc, again.Enc) || !bytes.Equal(access.MAC, again.MAC) {
		t.Error("derivation not deterministic")
	}
}

// TestEstablishICAOWorkedExample replays the full mutual authentication
// from Doc 9303-11 Appendix D.3 with a fixed chip and a deterministic
// random source, and checks the derived session keys and initial counter.
func TestEstablishICAOWorkedExample(t *testing.T) {
	rndIC := mustHex(t, "4608F91988702212")
	eIFD := mustHex(t, "72C29C2371CC9BDB65B779B8E8D37B29ECC154AA56A8799FAE2F498F76ED92F2")
	mIFD := mustHex(t, "5F1448EEA8AD90A7")
	chipToken := mustHex(t, "46B9342A41396CD7386BF5803104D7CEDC122B9132139BAF2EEDC94EE178534F2F2D235D074D7449")

	chip := transport.Func(func(raw []byte) ([]byte, error) {
		cmd, err := iso7816.ParseCommand(raw)
		if err != nil {
			return []byte{0x6F, 0x00}, nil
		}
		switch cmd.INS {
		case iso7816.InsGetChallenge:
			return append(append([]byte(nil), rndIC...), 0x90, 0x00), nil
		case iso7816.InsExternalAuth:
			if !bytes.Equal(cmd.Data, append(append([]byte(nil), eIFD...), mIFD...)) {
				return []byte{0x69, 0x82}, nil
			}
			return append(append([]byte(nil), chipToken...), 0x90, 0x00), nil
		default:
			return []byte{0x6D, 0x00}, nil
		}
	})

	access := &AccessKey{
		Enc: mustHex(t, "AB94FDECF2674FDFB9B391F85D7F76F2"),
		MAC: mustHex(t, "7962D9ECE03D1ACD4C76089DCE131543"),
	}
	// RND.IFD then K.IFD, as Establish consumes them.
	rng := bytes.NewReader(mustHex(t, "781723860C06C2260B795240CB7049B01C19B33E32804F0B"))

	result, err := Establish(chip, access, Config{Rand: rng})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	if !bytes.Equal(result.Keys.Enc, mustHex(t, "979EC13B1CBFE9DCD01AB0FED307EAE5")) {
		t.Errorf("KSenc = %X", result.Keys.Enc)
	}
	if !bytes.Equal(result.Keys.MAC, mustHex(t, "F1CB1F1FB5ADF208806B89DC579DC1F8")) {
		t.Errorf("KSmac = %X", result.Keys.MAC)
	}
	if result.SSC.Uint64() != 0x887022120C06C226 {
		t.Errorf("ssc = %016X, want 887022120C06C226", result.SSC.Uint64())
	}
	if result.Keys.Suite != crypto.TDES {
		t.Errorf("suite = %v, want 3DES", result.Keys.Suite)
	}
}

// simChip is a protocol-faithful BAC chip: it validates the terminal's
// cryptogram the way a genuine chip does.
type simChip struct {
	t      *testing.T
	access *AccessKey
	rndIC  []byte
	kIC    []byte
}

func (c *simChip) handle(raw []byte) ([]byte, error) {
	cmd, err := iso7816.ParseCommand(raw)
	if err != nil {
		return []byte{0x6F, 0x00}, nil
	}
	switch cmd.INS {
	case iso7816.InsGetChallenge:
		return append(append([]byte(nil), c.rndIC...), 0x90, 0x00), nil
	case iso7816.InsExternalAuth:
		if len(cmd.Data) != tokenLen {
			return []byte{0x67, 0x00}, nil
		}
		eIFD, mIFD := cmd.Data[:cryptogramLen], cmd.Data[cryptogramLen:]
		want, err := crypto.RetailMAC(c.access.MAC, eIFD)
		if err != nil {
			c.t.Fatalf("chip MAC: %v", err)
		}
		if subtle.ConstantTimeCompare(want, mIFD) != 1 {
			return []byte{0x69, 0x82}, nil
		}
		s, err := crypto.TDES.Decrypt(c.access.Enc, make([]byte, 8), eIFD)
		if err != nil {
			return []byte{0x69, 0x82}, nil
		}
		if !bytes.Equal(s[8:16], c.rndIC) {
			return []byte{0x69, 0x82}, nil
		}
		rndIFD := s[:8]

		r := make([]byte, 0, cryptogramLen)
		r = append(r, c.rndIC...)
		r = append(r, rndIFD...)
		r = append(r, c.kIC...)
		eIC, err := crypto.TDES.Encrypt(c.access.Enc, make([]byte, 8), r)
		if err != nil {
			c.t.Fatalf("chip encrypt: %v", err)
		}
		mIC, err := crypto.RetailMAC(c.access.MAC, eIC)
		if err != nil {
			c.t.Fatalf("chip MAC: %v", err)
		}
		out := append(eIC, mIC...)
		return append(out, 0x90, 0x00), nil
	default:
		return []byte{0x6D, 0x00}, nil
	}
}

func newSimChip(t *testing.T) (*simChip, *AccessKey) {
	key, err := mrz.Parse("L898902C", "690806", "940623")
	if err != nil {
		t.Fatalf("mrz: %v", err)
	}
	access, err := DeriveAccessKey(key)
	if err != nil {
		t.Fatalf("DeriveAccessKey: %v", err)
	}
	return &simChip{
		t:      t,
		access: access,
		rndIC:  mustHex(t, "0102030405060708"),
		kIC:    mustHex(t, "00112233445566778899AABBCCDDEEFF"),
	}, access
}

func TestEstablishAgainstSimulatedChip(t *testing.T) {
	chip, access := newSimChip(t)

	result, err := Establish(transport.Func(chip.handle), access, Config{})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if len(result.Keys.Enc) != 16 || len(result.Keys.MAC) != 16 {
		t.Errorf("unexpected key sizes %d/%d", len(result.Keys.Enc), len(result.Keys.MAC))
	}
}

// TestChipRejectsCorruptedMutualAuth flips every bit of the mutual
// authentication payload in turn: the chip-side verification must reject
// each corruption.
func TestChipRejectsCorruptedMutualAuth(t *testing.T) {
	chip, access := newSimChip(t)

	// Build a valid EXTERNAL AUTHENTICATE payload by hand.
	rndIFD := mustHex(t, "A1A2A3A4A5A6A7A8")
	kIFD := mustHex(t, "101112131415161718191A1B1C1D1E1F")
	s := append(append(append([]byte(nil), rndIFD...), chip.rndIC...), kIFD...)
	eIFD, err := crypto.TDES.Encrypt(access.Enc, make([]byte, 8), s)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	mIFD, err := crypto.RetailMAC(access.MAC, eIFD)
	if err != nil {
		t.Fatalf("mac: %v", err)
	}
	payload := append(eIFD, mIFD...)

	send := func(p []byte) uint16 {
		cmd := iso7816.Command{CLA: 0x00, INS: iso7816.InsExternalAuth, Data: p, Le: tokenLen}
		raw, err := cmd.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		respRaw, err := chip.handle(raw)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		resp, err := iso7816.ParseResponse(respRaw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return resp.SW
	}

	if sw := send(payload); sw != iso7816.SWSuccess {
		t.Fatalf("valid payload rejected with SW=%04X", sw)
	}

	for byteIdx := 0; byteIdx < len(payload); byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), payload...)
			corrupted[byteIdx] ^= 1 << bit
			if sw := send(corrupted); sw == iso7816.SWSuccess {
				t.Fatalf("corruption at byte %d bit %d accepted", byteIdx, bit)
			}
		}
	}
}

// TestEstablishWrongKeyFails uses a mismatched access key: the chip
// answers 6982 and the terminal reports an authentication failure.
func TestEstablishWrongKeyFails(t *testing.T) {
	chip, _ := newSimChip(t)

	wrongMRZ, err := mrz.Parse("X123456789", "800101", "300101")
	if err != nil {
		t.Fatalf("mrz: %v", err)
	}
	wrongKey, err := DeriveAccessKey(wrongMRZ)
	if err != nil {
		t.Fatalf("DeriveAccessKey: %v", err)
	}

	_, err = Establish(transport.Func(chip.handle), wrongKey, Config{})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("got %v, want ErrAuthenticationFailed", err)
	}
}

// TestEstablishTamperedChipToken makes the chip answer with a corrupted
// token: terminal-side verification must fail.
func TestEstablishTamperedChipToken(t *testing.T) {
	chip, access := newSimChip(t)

	tamper := transport.Func(func(raw []byte) ([]byte, error) {
		resp, err := chip.handle(raw)
		if err != nil {
			return nil, err
		}
		if len(resp) == tokenLen+2 {
			resp[5] ^= 0x80
		}
		return resp, nil
	})

	_, err := Establish(tamper, access, Config{})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("got %v, want ErrAuthenticationFailed", err)
	}
}

func TestEstablishTransportError(t *testing.T) {
	fail := transport.Func(func([]byte) ([]byte, error) {
		return nil, transport.ErrTimeout
	})
	access := &AccessKey{Enc: make([]byte, 16), MAC: make([]byte, 16)}
	if _, err := Establish(fail, access, Config{}); !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}
