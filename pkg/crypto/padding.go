package crypto

import "errors"

// ErrInvalidPadding indicates ISO 7816 padding could not be removed.
var ErrInvalidPadding = errors.New("crypto: invalid ISO 7816 padding")

// Pad appends ISO/IEC 7816-4 padding (a single 0x80 byte followed by
// zeros) up to the next multiple of blockSize. Always adds at least one
// byte. This equals ISO 9797-1 padding method 2.
func Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// Unpad removes ISO/IEC 7816-4 padding. Fails if no 0x80 marker is found
// or non-zero bytes follow it.
func Unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, ErrInvalidPadding
		}
	}
	return nil, ErrInvalidPadding
}
