// Package securemessaging implements the ISO 7816-4 / ICAO Doc 9303-11
// secure messaging layer: every command after session establishment is
// encrypted and authenticated under the session keys, chained through a
// strictly increasing send sequence counter.
//
// The codec is deliberately stateless beyond the (keys, SSC) values passed
// in and out, and performs no I/O; the transport collaborator owns the
// physical exchange.
package securemessaging

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/nfcdoc/emrtd/pkg/crypto"
	"github.com/nfcdoc/emrtd/pkg/iso7816"
)

// Secure messaging data object tags (Doc 9303-11 Section 9.8.4).
const (
	tagCryptogram = 0x87 // padding-indicator byte + encrypted data
	tagLe         = 0x97 // expected response length
	tagStatus     = 0x99 // protected status word
	tagMAC        = 0x8E // cryptographic checksum
)

// paddingIndicator prefixes every DO'87' cryptogram (ISO 7816 padding).
const paddingIndicator = 0x01

// Errors.
var (
	// ErrIntegrity indicates a MAC verification failure on a protected
	// response. The session MUST be discarded: the counter cannot be
	// resynchronized after a failed or ambiguous exchange.
	ErrIntegrity = errors.New("securemessaging: response MAC verification failed")

	// ErrMalformed indicates a protected response whose data objects could
	// not be parsed.
	ErrMalformed = errors.New("securemessaging: malformed protected response")

	// ErrMissingStatus indicates a protected response without the
	// mandatory DO'99' status object.
	ErrMissingStatus = errors.New("securemessaging: missing protected status word")

	// ErrKeySize indicates session keys of the wrong length for the suite.
	ErrKeySize = errors.New("securemessaging: invalid session key size")
)

// SessionKeys holds one session's symmetric key material. Keys are owned
// exclusively by one active session, regenerated on every establishment
// and never reused across sessions.
type SessionKeys struct {
	Suite crypto.Suite
	Enc   []byte // KSenc
	MAC   []byte // KSmac
}

// Zeroize clears the key material in place. Call when the session ends.
func (k *SessionKeys) Zeroize() {
	for i := range k.Enc {
		k.Enc[i] = 0
	}
	for i := range k.MAC {
		k.MAC[i] = 0
	}
}

// Codec wraps plaintext command APDUs into protected APDUs and unwraps
// protected responses. One codec serves one session.
type Codec struct {
	keys SessionKeys
}

// NewCodec validates the key material and returns a codec.
func NewCodec(keys SessionKeys) (*Codec, error) {
	if !keys.Suite.IsValid() {
		return nil, crypto.ErrUnknownSuite
	}
	if len(keys.Enc) != keys.Suite.KeySize() || len(keys.MAC) != keys.Suite.KeySize() {
		return nil, fmt.Errorf("%w: %s wants %d bytes", ErrKeySize, keys.Suite, keys.Suite.KeySize())
	}
	return &Codec{keys: keys}, nil
}

// Suite returns the codec's cipher suite.
func (c *Codec) Suite() crypto.Suite { return c.keys.Suite }

// Wrap converts a plaintext command into a protected command APDU.
// It increments the counter once for the command and returns the new
// value; the caller passes that value to the matching Unwrap.
//
// Layout per Doc 9303-11 Section 9.8: the class byte gains the secure
// messaging bits, command data moves into DO'87' (padded, encrypted, with
// a padding-indicator prefix), Le moves into DO'97', and DO'8E' carries a
// MAC over the padded concatenation of the new counter value, the masked
// header and the data objects.
func (c *Codec) Wrap(cmd *iso7816.Command, ssc SSC) ([]byte, SSC, error) {
	suite := c.keys.Suite
	next := ssc.Next()

	masked := []byte{cmd.CLA | iso7816.ClaSecureMessaging, cmd.INS, cmd.P1, cmd.P2}

	var do87, do97 []byte
	if len(cmd.Data) > 0 {
		iv, err := c.commandIV(next)
		if err != nil {
			return nil, ssc, err
		}
		cryptogram, err := suite.Encrypt(c.keys.Enc, iv, crypto.Pad(cmd.Data, suite.BlockSize()))
		if err != nil {
			return nil, ssc, err
		}
		value := make([]byte, 0, len(cryptogram)+1)
		value = append(value, paddingIndicator)
		value = append(value, cryptogram...)
		do87 = iso7816.AppendTLV(nil, tagCryptogram, value)
	}
	if cmd.Le != iso7816.NoLe {
		do97 = iso7816.AppendTLV(nil, tagLe, []byte{byte(cmd.Le % 256)})
	}

	macInput := make([]byte, 0, len(next.Bytes())+suite.BlockSize()+len(do87)+len(do97))
	macInput = append(macInput, next.Bytes()...)
	macInput = append(macInput, crypto.Pad(masked, suite.BlockSize())...)
	macInput = append(macInput, do87...)
	macInput = append(macInput, do97...)

	mac, err := suite.MAC(c.keys.MAC, macInput)
	if err != nil {
		return nil, ssc, err
	}
	do8E := iso7816.AppendTLV(nil, tagMAC, mac)

	body := make([]byte, 0, len(do87)+len(do97)+len(do8E))
	body = append(body, do87...)
	body = append(body, do97...)
	body = append(body, do8E...)

	protected := iso7816.Command{
		CLA:  masked[0],
		INS:  cmd.INS,
		P1:   cmd.P1,
		P2:   cmd.P2,
		Data: body,
		Le:   0, // encoded as 0x00: accept any response length
	}
	raw, err := protected.Encode()
	if err != nil {
		return nil, ssc, err
	}
	return raw, next, nil
}

// Unwrap verifies and decrypts a protected response APDU.
// It increments the counter once for the response. The MAC is verified
// in constant time before anything is decrypted; on failure it returns
// ErrIntegrity and no plaintext, and the session must be terminated.
func (c *Codec) Unwrap(raw []byte, ssc SSC) (*iso7816.Response, SSC, error) {
	suite := c.keys.Suite
	next := ssc.Next()

	resp, err := iso7816.ParseResponse(raw)
	if err != nil {
		return nil, ssc, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(resp.Data) == 0 {
		// A bare status word is not a secure messaging response; the chip
		// aborted before the SM layer. Surface the raw word.
		return nil, ssc, &iso7816.StatusError{SW: resp.SW}
	}
	if resp.SW != iso7816.SWSuccess {
		// Protected responses carry their real status in DO'99'; the
		// outer word is 0x9000 on every conforming chip.
		return nil, ssc, &iso7816.StatusError{SW: resp.SW}
	}

	var do87Value, do99Value, macValue []byte
	rest := resp.Data
	for len(rest) > 0 {
		var tlv iso7816.TLV
		tlv, rest, err = iso7816.ParseTLV(rest)
		if err != nil {
			return nil, ssc, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch tlv.Tag {
		case tagCryptogram:
			do87Value = tlv.Value
		case tagStatus:
			do99Value = tlv.Value
		case tagMAC:
			macValue = tlv.Value
		default:
			return nil, ssc, fmt.Errorf("%w: unexpected tag 0x%02X", ErrMalformed, tlv.Tag)
		}
	}
	if len(macValue) != suite.MACSize() {
		return nil, ssc, ErrIntegrity
	}
	if len(do99Value) != 2 {
		return nil, ssc, ErrMissingStatus
	}

	// MAC covers the counter and the DO'87'/DO'99' objects in order.
	macInput := next.Bytes()
	if do87Value != nil {
		macInput = iso7816.AppendTLV(macInput, tagCryptogram, do87Value)
	}
	macInput = iso7816.AppendTLV(macInput, tagStatus, do99Value)

	want, err := suite.MAC(c.keys.MAC, macInput)
	if err != nil {
		return nil, ssc, err
	}
	if subtle.ConstantTimeCompare(want, macValue) != 1 {
		return nil, ssc, ErrIntegrity
	}

	out := &iso7816.Response{SW: uint16(do99Value[0])<<8 | uint16(do99Value[1])}
	if do87Value != nil {
		if len(do87Value) < 2 || do87Value[0] != paddingIndicator {
			return nil, ssc, fmt.Errorf("%w: bad padding indicator", ErrMalformed)
		}
		iv, err := c.commandIV(next)
		if err != nil {
			return nil, ssc, err
		}
		plain, err := suite.Decrypt(c.keys.Enc, iv, do87Value[1:])
		if err != nil {
			return nil, ssc, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out.Data, err = crypto.Unpad(plain)
		if err != nil {
			return nil, ssc, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return out, next, nil
}

// commandIV derives the CBC IV for the given counter value: all zero for
// 3DES (legacy BAC rule), E(KSenc, SSC) for the AES suites
// (Doc 9303-11 Section 9.8.6.1 / 9.8.7.1).
func (c *Codec) commandIV(ssc SSC) ([]byte, error) {
	suite := c.keys.Suite
	if suite == crypto.TDES {
		return make([]byte, suite.BlockSize()), nil
	}
	return crypto.EncryptBlock(suite, c.keys.Enc, ssc.Bytes())
}
