package securemessaging

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nfcdoc/emrtd/pkg/crypto"
)

// ErrInvalidSSC indicates a counter seed of the wrong width for the suite.
var ErrInvalidSSC = errors.New("securemessaging: invalid send sequence counter size")

// SSC is the send sequence counter: a big-endian unsigned counter sized to
// the cipher block width (8 bytes for 3DES, 16 for AES). It increments by
// exactly one for every protected command and every protected response;
// the codec returns the successor value and never mutates the input, so a
// session can be invalidated simply by dropping the latest value.
type SSC struct {
	value []byte
}

// NewSSC builds a counter from a protocol-specific seed. BAC seeds it from
// the low halves of both challenge values (Doc 9303-11 Section 9.8.6.3);
// PACE starts at zero.
func NewSSC(suite crypto.Suite, seed []byte) (SSC, error) {
	if len(seed) != suite.BlockSize() {
		return SSC{}, fmt.Errorf("%w: want %d bytes for %s, got %d",
			ErrInvalidSSC, suite.BlockSize(), suite, len(seed))
	}
	return SSC{value: append([]byte(nil), seed...)}, nil
}

// ZeroSSC returns the all-zero counter PACE sessions start from.
func ZeroSSC(suite crypto.Suite) SSC {
	return SSC{value: make([]byte, suite.BlockSize())}
}

// Next returns the counter incremented by one. The receiver is unchanged.
func (s SSC) Next() SSC {
	next := append([]byte(nil), s.value...)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return SSC{value: next}
}

// Bytes returns the big-endian counter value. The returned slice is the
// counter's backing array; callers must not modify it.
func (s SSC) Bytes() []byte { return s.value }

// Uint64 returns the low 64 bits of the counter. Used in tests and logs.
func (s SSC) Uint64() uint64 {
	if len(s.value) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(s.value[len(s.value)-8:])
}
