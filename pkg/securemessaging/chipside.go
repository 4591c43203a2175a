package securemessaging

import (
	"crypto/subtle"
	"fmt"

	"github.com/nfcdoc/emrtd/pkg/crypto"
	"github.com/nfcdoc/emrtd/pkg/iso7816"
)

// The chip-side half of the codec. A real terminal never calls these; they
// exist so a simulated chip can verify protected commands exactly the way
// a genuine chip does, which is what the tamper-detection tests rely on.

// UnwrapCommand verifies and decrypts a protected command APDU, returning
// the plaintext command. Fails with ErrIntegrity on MAC mismatch.
func (c *Codec) UnwrapCommand(raw []byte, ssc SSC) (*iso7816.Command, SSC, error) {
	suite := c.keys.Suite
	next := ssc.Next()

	cmd, err := iso7816.ParseCommand(raw)
	if err != nil {
		return nil, ssc, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cmd.CLA&iso7816.ClaSecureMessaging != iso7816.ClaSecureMessaging {
		return nil, ssc, fmt.Errorf("%w: secure messaging class bits not set", ErrMalformed)
	}

	var do87Value, do97Value, macValue []byte
	rest := cmd.Data
	for len(rest) > 0 {
		var tlv iso7816.TLV
		tlv, rest, err = iso7816.ParseTLV(rest)
		if err != nil {
			return nil, ssc, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch tlv.Tag {
		case tagCryptogram:
			do87Value = tlv.Value
		case tagLe:
			do97Value = tlv.Value
		case tagMAC:
			macValue = tlv.Value
		default:
			return nil, ssc, fmt.Errorf("%w: unexpected tag 0x%02X", ErrMalformed, tlv.Tag)
		}
	}
	if len(macValue) != suite.MACSize() {
		return nil, ssc, ErrIntegrity
	}

	header := []byte{cmd.CLA, cmd.INS, cmd.P1, cmd.P2}
	macInput := append([]byte(nil), next.Bytes()...)
	macInput = append(macInput, crypto.Pad(header, suite.BlockSize())...)
	if do87Value != nil {
		macInput = iso7816.AppendTLV(macInput, tagCryptogram, do87Value)
	}
	if do97Value != nil {
		macInput = iso7816.AppendTLV(macInput, tagLe, do97Value)
	}

	want, err := suite.MAC(c.keys.MAC, macInput)
	if err != nil {
		return nil, ssc, err
	}
	if subtle.ConstantTimeCompare(want, macValue) != 1 {
		return nil, ssc, ErrIntegrity
	}

	plain := &iso7816.Command{
		CLA: cmd.CLA &^ iso7816.ClaSecureMessaging,
		INS: cmd.INS,
		P1:  cmd.P1,
		P2:  cmd.P2,
		Le:  iso7816.NoLe,
	}
	if len(do97Value) == 1 {
		le := int(do97Value[0])
		if le == 0 {
			le = 256
		}
		plain.Le = le
	}
	if do87Value != nil {
		if len(do87Value) < 2 || do87Value[0] != paddingIndicator {
			return nil, ssc, fmt.Errorf("%w: bad padding indicator", ErrMalformed)
		}
		iv, err := c.commandIV(next)
		if err != nil {
			return nil, ssc, err
		}
		padded, err := suite.Decrypt(c.keys.Enc, iv, do87Value[1:])
		if err != nil {
			return nil, ssc, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		plain.Data, err = crypto.Unpad(padded)
		if err != nil {
			return nil, ssc, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return plain, next, nil
}

// WrapResponse builds a protected response APDU carrying data and the
// given status word.
func (c *Codec) WrapResponse(resp *iso7816.Response, ssc SSC) ([]byte, SSC, error) {
	suite := c.keys.Suite
	next := ssc.Next()

	var do87 []byte
	if len(resp.Data) > 0 {
		iv, err := c.commandIV(next)
		if err != nil {
			return nil, ssc, err
		}
		cryptogram, err := suite.Encrypt(c.keys.Enc, iv, crypto.Pad(resp.Data, suite.BlockSize()))
		if err != nil {
			return nil, ssc, err
		}
		value := make([]byte, 0, len(cryptogram)+1)
		value = append(value, paddingIndicator)
		value = append(value, cryptogram...)
		do87 = iso7816.AppendTLV(nil, tagCryptogram, value)
	}
	do99 := iso7816.AppendTLV(nil, tagStatus, []byte{byte(resp.SW >> 8), byte(resp.SW)})

	macInput := append([]byte(nil), next.Bytes()...)
	macInput = append(macInput, do87...)
	macInput = append(macInput, do99...)
	mac, err := suite.MAC(c.keys.MAC, macInput)
	if err != nil {
		return nil, ssc, err
	}

	out := make([]byte, 0, len(do87)+len(do99)+2+suite.MACSize()+4)
	out = append(out, do87...)
	out = append(out, do99...)
	out = iso7816.AppendTLV(out, tagMAC, mac)
	out = append(out, byte(iso7816.SWSuccess>>8), byte(iso7816.SWSuccess&0xFF))
	return out, next, nil
}
