// Package iso7816 implements the ISO/IEC 7816-4 command/response APDU
// encoding used to talk to the chip, including the status words and the
// BER-TLV data objects that secure messaging wraps commands in.
//
// All decoding treats its input as untrusted: lengths are bounds-checked
// and malformed structures return errors rather than panicking.
package iso7816

import (
	"errors"
	"fmt"
)

// APDU instruction bytes used by the chip access procedure
// (ISO 7816-4 Section 11, ICAO Doc 9303-10 Section 3.6).
const (
	InsSelect              = 0xA4
	InsReadBinary          = 0xB0
	InsGetChallenge        = 0x84
	InsExternalAuth        = 0x82
	InsGeneralAuthenticate = 0x86
	InsMSESetAT            = 0x22
)

// Class byte flags.
const (
	// ClaSecureMessaging marks a command as secure-messaging protected
	// with an authenticated header (CLA bits b4-b3 = 11).
	ClaSecureMessaging = 0x0C

	// ClaChaining marks all but the last command of a chain.
	ClaChaining = 0x10
)

// Decoding errors.
var (
	ErrTruncated     = errors.New("iso7816: truncated APDU")
	ErrInvalidLength = errors.New("iso7816: invalid length field")
)

// Command is a plaintext command APDU. Only short-form Lc/Le encoding is
// used; eMRTD chips are not required to support extended length for the
// protected commands this package issues.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	// Le is the expected response length; NoLe means absent, 0 means
	// "up to 256 bytes" (encoded as 0x00).
	Le int
}

// NoLe marks an absent Le field.
const NoLe = -1

// MaxShortLength is the maximum data length in short-form encoding.
const MaxShortLength = 255

// Encode serializes the command in short form.
func (c *Command) Encode() ([]byte, error) {
	if len(c.Data) > MaxShortLength {
		return nil, fmt.Errorf("%w: Lc %d exceeds short form", ErrInvalidLength, len(c.Data))
	}
	if c.Le > 256 {
		return nil, fmt.Errorf("%w: Le %d exceeds short form", ErrInvalidLength, c.Le)
	}

	out := []byte{c.CLA, c.INS, c.P1, c.P2}
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.Le != NoLe {
		out = append(out, byte(c.Le%256))
	}
	return out, nil
}

// Header returns the four-byte command header CLA INS P1 P2.
func (c *Command) Header() [4]byte {
	return [4]byte{c.CLA, c.INS, c.P1, c.P2}
}

// ParseCommand decodes a short-form command APDU. Used by simulated chips
// and by secure messaging unwrap on the chip side.
func ParseCommand(raw []byte) (*Command, error) {
	if len(raw) < 4 {
		return nil, ErrTruncated
	}
	cmd := &Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3], Le: NoLe}
	body := raw[4:]

	switch len(body) {
	case 0:
		return cmd, nil
	case 1:
		le := int(body[0])
		if le == 0 {
			le = 256
		}
		cmd.Le = le
		return cmd, nil
	}

	lc := int(body[0])
	if lc == 0 || len(body) < 1+lc {
		return nil, fmt.Errorf("%w: Lc=%d with %d body bytes", ErrInvalidLength, lc, len(body))
	}
	cmd.Data = append([]byte(nil), body[1:1+lc]...)
	rest := body[1+lc:]
	switch len(rest) {
	case 0:
	case 1:
		le := int(rest[0])
		if le == 0 {
			le = 256
		}
		cmd.Le = le
	default:
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidLength, len(rest))
	}
	return cmd, nil
}

// Response is a response APDU: optional data followed by the status word.
type Response struct {
	Data []byte
	SW   uint16
}

// ParseResponse splits a raw response into data and status word.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 2 {
		return nil, ErrTruncated
	}
	return &Response{
		Data: append([]byte(nil), raw[:len(raw)-2]...),
		SW:   uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1]),
	}, nil
}

// Encode serializes the response.
func (r *Response) Encode() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	out = append(out, byte(r.SW>>8), byte(r.SW))
	return out
}
