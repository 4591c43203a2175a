package crypto

import (
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// tdesCBC runs two-key 3DES in CBC mode. The 16-byte key is expanded to
// the K1-K2-K1 keying option before use.
func tdesCBC(key, iv, data []byte, encrypt bool) ([]byte, error) {
	if len(data)%des.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	block, err := des.NewTripleDESCipher(expandTDESKey(key))
	if err != nil {
		return nil, fmt.Errorf("crypto: 3DES cipher: %w", err)
	}

	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

// expandTDESKey turns a 16-byte two-key 3DES key into the 24-byte
// K1 || K2 || K1 form the standard library cipher expects.
func expandTDESKey(key []byte) []byte {
	expanded := make([]byte, 24)
	copy(expanded, key)
	copy(expanded[16:], key[:8])
	return expanded
}

// RetailMAC computes the ISO/IEC 9797-1 MAC algorithm 3 (retail MAC) with
// DES and padding method 2, as Doc 9303-11 Section 9.8.6.1 requires for
// 3DES secure messaging.
//
// The input is padded, CBC-MACed under K1 with single DES, and the final
// block is decrypted under K2 and re-encrypted under K1. The result is
// 8 bytes.
func RetailMAC(key, data []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("%w: retail MAC wants 16 bytes, got %d", ErrInvalidKeySize, len(key))
	}

	k1, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, fmt.Errorf("crypto: DES cipher K1: %w", err)
	}
	k2, err := des.NewCipher(key[8:16])
	if err != nil {
		return nil, fmt.Errorf("crypto: DES cipher K2: %w", err)
	}

	padded := Pad(data, des.BlockSize)

	mac := make([]byte, des.BlockSize)
	for i := 0; i < len(padded); i += des.BlockSize {
		for j := 0; j < des.BlockSize; j++ {
			mac[j] ^= padded[i+j]
		}
		k1.Encrypt(mac, mac)
	}

	k2.Decrypt(mac, mac)
	k1.Encrypt(mac, mac)
	return mac, nil
}
