package iso7816

import (
	"errors"
	"fmt"
)

// TLV errors.
var (
	ErrTLVTruncated = errors.New("iso7816: truncated TLV")
	ErrTLVLength    = errors.New("iso7816: unsupported TLV length encoding")
)

// maxTLVLength caps accepted TLV value lengths. LDS files are at most a
// few tens of kilobytes; anything larger is a malformed or hostile length
// field, not data.
const maxTLVLength = 1 << 20

// TLV is a single BER-TLV data object. Tags up to two bytes are
// supported, which covers the LDS and secure messaging object space.
type TLV struct {
	Tag   uint16
	Value []byte
}

// AppendTLV appends a BER-TLV object to dst and returns the result.
func AppendTLV(dst []byte, tag uint16, value []byte) []byte {
	if tag > 0xFF {
		dst = append(dst, byte(tag>>8), byte(tag))
	} else {
		dst = append(dst, byte(tag))
	}
	n := len(value)
	switch {
	case n < 0x80:
		dst = append(dst, byte(n))
	case n <= 0xFF:
		dst = append(dst, 0x81, byte(n))
	default:
		dst = append(dst, 0x82, byte(n>>8), byte(n))
	}
	return append(dst, value...)
}

// ParseTLV reads one BER-TLV object from the front of data and returns it
// with the remaining bytes. The value is a sub-slice of data, not a copy.
func ParseTLV(data []byte) (TLV, []byte, error) {
	if len(data) == 0 {
		return TLV{}, nil, ErrTLVTruncated
	}

	tag := uint16(data[0])
	rest := data[1:]
	// Multi-byte tag: low five bits all set.
	if data[0]&0x1F == 0x1F {
		if len(rest) == 0 {
			return TLV{}, nil, ErrTLVTruncated
		}
		if rest[0]&0x80 != 0 {
			return TLV{}, nil, fmt.Errorf("%w: tag longer than two bytes", ErrTLVLength)
		}
		tag = tag<<8 | uint16(rest[0])
		rest = rest[1:]
	}

	length, rest, err := parseLength(rest)
	if err != nil {
		return TLV{}, nil, err
	}
	if length > len(rest) {
		return TLV{}, nil, fmt.Errorf("%w: value length %d with %d bytes left", ErrTLVTruncated, length, len(rest))
	}
	return TLV{Tag: tag, Value: rest[:length]}, rest[length:], nil
}

// parseLength reads a BER length field. Definite short and long forms up
// to three length bytes are accepted; indefinite lengths are rejected.
func parseLength(data []byte) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, ErrTLVTruncated
	}
	b := data[0]
	if b < 0x80 {
		return int(b), data[1:], nil
	}
	n := int(b & 0x7F)
	if n == 0 || n > 3 {
		return 0, nil, fmt.Errorf("%w: %d length bytes", ErrTLVLength, n)
	}
	if len(data) < 1+n {
		return 0, nil, ErrTLVTruncated
	}
	length := 0
	for _, lb := range data[1 : 1+n] {
		length = length<<8 | int(lb)
	}
	if length > maxTLVLength {
		return 0, nil, fmt.Errorf("%w: length %d exceeds limit", ErrTLVLength, length)
	}
	return length, data[1+n:], nil
}

// HeaderSize returns the total encoded size of a file whose first object
// has the given header bytes: tag length + length length + value length.
// Used to size READ BINARY loops from the first few bytes of a file.
func HeaderSize(prefix []byte) (total int, err error) {
	if len(prefix) == 0 {
		return 0, ErrTLVTruncated
	}
	hdr := 1
	if prefix[0]&0x1F == 0x1F {
		hdr = 2
	}
	if len(prefix) <= hdr {
		return 0, ErrTLVTruncated
	}
	length, rest, err := parseLength(prefix[hdr:])
	if err != nil {
		return 0, err
	}
	lenBytes := len(prefix) - hdr - len(rest)
	return hdr + lenBytes + length, nil
}
