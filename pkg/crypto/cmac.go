package crypto

import (
	"crypto/aes"
	"fmt"

	"github.com/dchest/cmac"
)

// CMAC computes the full 16-byte AES-CMAC (NIST SP 800-38B) of data.
// Secure messaging truncates the result to 8 bytes; see Suite.MAC.
func CMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: AES cipher: %w", err)
	}
	h, err := cmac.New(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: CMAC: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// EncryptBlock encrypts a single block in ECB mode. Used to derive the
// AES secure messaging IV from the send sequence counter
// (Doc 9303-11 Section 9.8.6.2).
func EncryptBlock(suite Suite, key, block []byte) ([]byte, error) {
	if suite == TDES {
		return suite.Encrypt(key, make([]byte, 8), block)
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: AES cipher: %w", err)
	}
	if len(block) != c.BlockSize() {
		return nil, ErrInvalidCiphertext
	}
	out := make([]byte, c.BlockSize())
	c.Encrypt(out, block)
	return out, nil
}
