package crypto

import (
	"crypto"
	_ "crypto/sha1"   // registered for passive authentication digests
	_ "crypto/sha256" // SHA-224 and SHA-256
	_ "crypto/sha512" // SHA-384 and SHA-512
	"encoding/asn1"
	"errors"
	"fmt"
)

// ErrUnknownDigest indicates a digest algorithm OID outside the LDS set.
var ErrUnknownDigest = errors.New("crypto: unknown digest algorithm")

// Digest algorithm OIDs admitted for the Document Security Object
// (ICAO Doc 9303-10 Section 4.6.2 via the PKIX registry).
var (
	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// DigestByOID resolves a digest algorithm OID to a crypto.Hash.
// Unknown OIDs are an error, not a fallback: hashing retrieved data with
// the wrong algorithm must never masquerade as a mismatch.
func DigestByOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1, nil
	case oid.Equal(OIDSHA224):
		return crypto.SHA224, nil
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownDigest, oid)
	}
}
