// Package crypto implements the symmetric primitives of ICAO Doc 9303-11:
// the cipher suites used by secure messaging, the key derivation function,
// the retail MAC and AES-CMAC, and ISO 7816 padding.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	// ErrUnknownSuite indicates a cipher suite value outside the four
	// Doc 9303 defines.
	ErrUnknownSuite = errors.New("crypto: unknown cipher suite")

	// ErrInvalidKeySize indicates a key whose length does not match the
	// suite.
	ErrInvalidKeySize = errors.New("crypto: invalid key size")

	// ErrInvalidCiphertext indicates input that is not a whole number of
	// cipher blocks.
	ErrInvalidCiphertext = errors.New("crypto: input not block aligned")
)

// Suite selects the symmetric algorithms for secure messaging. Doc
// 9303-11 defines four: two-key 3DES (the only BAC suite) and AES with
// 128, 192 or 256 bit keys (PACE).
type Suite int

const (
	TDES Suite = iota
	AES128
	AES192
	AES256
)

func (s Suite) String() string {
	switch s {
	case TDES:
		return "3DES"
	case AES128:
		return "AES-128"
	case AES192:
		return "AES-192"
	case AES256:
		return "AES-256"
	default:
		return fmt.Sprintf("Suite(%d)", int(s))
	}
}

// IsValid reports whether s is one of the defined suites.
func (s Suite) IsValid() bool {
	return s >= TDES && s <= AES256
}

// KeySize returns the key length in bytes.
func (s Suite) KeySize() int {
	switch s {
	case TDES, AES128:
		return 16
	case AES192:
		return 24
	case AES256:
		return 32
	default:
		return 0
	}
}

// BlockSize returns the cipher block length in bytes.
func (s Suite) BlockSize() int {
	if s == TDES {
		return 8
	}
	return aes.BlockSize
}

// MACSize returns the truncated MAC length. Doc 9303-11 uses 8 bytes for
// every suite.
func (s Suite) MACSize() int { return 8 }

// Encrypt runs the suite's block cipher in CBC mode. The input must
// already be padded to the block size.
func (s Suite) Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	return s.cbc(key, iv, plaintext, true)
}

// Decrypt reverses Encrypt. Padding is not removed; see Unpad.
func (s Suite) Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	return s.cbc(key, iv, ciphertext, false)
}

func (s Suite) cbc(key, iv, data []byte, encrypt bool) ([]byte, error) {
	if !s.IsValid() {
		return nil, ErrUnknownSuite
	}
	if len(key) != s.KeySize() {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrInvalidKeySize, s, s.KeySize(), len(key))
	}

	if s == TDES {
		return tdesCBC(key, iv, data, encrypt)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: AES cipher: %w", err)
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, ErrInvalidCiphertext
	}
	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

// MAC authenticates data under the suite's MAC algorithm and returns the
// 8-byte tag. Data is padded internally with ISO 7816 padding: 3DES uses
// the ISO 9797-1 retail MAC (which pads the same way), AES uses CMAC over
// the padded input, truncated.
func (s Suite) MAC(key, data []byte) ([]byte, error) {
	if !s.IsValid() {
		return nil, ErrUnknownSuite
	}
	if len(key) != s.KeySize() {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrInvalidKeySize, s, s.KeySize(), len(key))
	}

	if s == TDES {
		return RetailMAC(key, data)
	}

	tag, err := CMAC(key, Pad(data, s.BlockSize()))
	if err != nil {
		return nil, err
	}
	return tag[:s.MACSize()], nil
}
