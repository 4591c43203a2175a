package crypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Key derivation modes from ICAO Doc 9303-11 Section 9.7.1.
const (
	// KDFModeEnc derives an encryption key.
	KDFModeEnc uint32 = 1

	// KDFModeMAC derives a MAC key.
	KDFModeMAC uint32 = 2

	// KDFModePassword derives the PACE password key Kpi.
	KDFModePassword uint32 = 3
)

// DeriveKey derives a symmetric key of the suite's size from a shared
// secret and a purpose mode, per ICAO Doc 9303-11 Section 9.7.1:
//
//	KDF(K, c) = H(K || c32)
//
// where H is SHA-1 for 3DES and AES-128 keys and SHA-256 for AES-192 and
// AES-256 keys, truncated to the key size. 3DES keys additionally get DES
// parity bits set on every byte.
//
// The secret may be any length; the function is independent of which
// protocol (BAC challenge exchange or PACE key agreement) produced it.
func DeriveKey(suite Suite, secret []byte, mode uint32) ([]byte, error) {
	if !suite.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSuite, int(suite))
	}

	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], mode)

	var digest []byte
	switch suite {
	case TDES, AES128:
		h := sha1.New()
		h.Write(secret)
		h.Write(counter[:])
		digest = h.Sum(nil)
	case AES192, AES256:
		h := sha256.New()
		h.Write(secret)
		h.Write(counter[:])
		digest = h.Sum(nil)
	}

	key := digest[:suite.KeySize()]
	if suite == TDES {
		SetDESParity(key)
	}
	return key, nil
}

// DeriveSessionKeys derives the encryption and MAC session keys from a
// shared secret.
func DeriveSessionKeys(suite Suite, secret []byte) (encKey, macKey []byte, err error) {
	encKey, err = DeriveKey(suite, secret, KDFModeEnc)
	if err != nil {
		return nil, nil, err
	}
	macKey, err = DeriveKey(suite, secret, KDFModeMAC)
	if err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

// SetDESParity sets every byte of key to odd parity, as DES key schedules
// expect. Only the least significant bit of each byte changes.
func SetDESParity(key []byte) {
	for i, b := range key {
		b &= 0xFE
		// Parity of the upper seven bits.
		p := b ^ (b >> 4)
		p ^= p >> 2
		p ^= p >> 1
		key[i] = b | (^p & 1)
	}
}
