package pace

import (
	"crypto/elliptic"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/nfcdoc/emrtd/pkg/crypto"
)

var (
	// ErrNoProtocol indicates EF.CardAccess advertised no usable PACE
	// protocol.
	ErrNoProtocol = errors.New("pace: no supported protocol advertised")

	// ErrUnsupportedProtocol indicates a PACE variant this package does
	// not implement (integrated mapping, chip authentication mapping).
	ErrUnsupportedProtocol = errors.New("pace: unsupported protocol")

	// ErrUnsupportedParams indicates a standardized domain parameter id
	// with no local definition.
	ErrUnsupportedParams = errors.New("pace: unsupported domain parameters")

	// ErrWeakSuite indicates the chip advertised only cipher suites below
	// the configured minimum.
	ErrWeakSuite = errors.New("pace: advertised suite below configured minimum")

	// ErrMalformed indicates EF.CardAccess or a chip response that does
	// not parse.
	ErrMalformed = errors.New("pace: malformed data")
)

// Password references for MSE:SET AT, Doc 9303-11 Section 4.4.4.1.
const (
	PasswordMRZ byte = 0x01
	PasswordCAN byte = 0x02
	PasswordPIN byte = 0x03
	PasswordPUK byte = 0x04
)

// oidPACE is the id-PACE arc, bsi-de protocols smartcard 2 2 4.
var oidPACE = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 4}

// Mapping identifies the PACE mapping function.
type Mapping int

const (
	// GenericMapping combines the nonce with an anonymous Diffie-Hellman
	// round.
	GenericMapping Mapping = iota + 1
	// IntegratedMapping hashes the nonce directly onto the group. Parsed
	// but not implemented; see Establish.
	IntegratedMapping
)

// KeyAgreement identifies the underlying group operation.
type KeyAgreement int

const (
	DH KeyAgreement = iota + 1
	ECDH
)

// Protocol is one decoded PACE protocol OID.
type Protocol struct {
	OID          asn1.ObjectIdentifier
	KeyAgreement KeyAgreement
	Mapping      Mapping
	Suite        crypto.Suite
}

func (p Protocol) String() string {
	ka := "DH"
	if p.KeyAgreement == ECDH {
		ka = "ECDH"
	}
	m := "GM"
	if p.Mapping == IntegratedMapping {
		m = "IM"
	}
	return fmt.Sprintf("PACE-%s-%s-%s", ka, m, p.Suite)
}

// parseProtocol decodes a PACE protocol OID. The two arcs after id-PACE
// select the mapping+group and the cipher suite.
func parseProtocol(oid asn1.ObjectIdentifier) (Protocol, bool) {
	if len(oid) != len(oidPACE)+2 || !oid[:len(oidPACE)].Equal(oidPACE) {
		return Protocol{}, false
	}
	p := Protocol{OID: oid}

	switch oid[len(oidPACE)] {
	case 1:
		p.KeyAgreement, p.Mapping = DH, GenericMapping
	case 2:
		p.KeyAgreement, p.Mapping = ECDH, GenericMapping
	case 3:
		p.KeyAgreement, p.Mapping = DH, IntegratedMapping
	case 4:
		p.KeyAgreement, p.Mapping = ECDH, IntegratedMapping
	default:
		return Protocol{}, false
	}

	switch oid[len(oidPACE)+1] {
	case 1:
		p.Suite = crypto.TDES
	case 2:
		p.Suite = crypto.AES128
	case 3:
		p.Suite = crypto.AES192
	case 4:
		p.Suite = crypto.AES256
	default:
		return Protocol{}, false
	}
	return p, true
}

// Info is one PACEInfo entry from EF.CardAccess.
type Info struct {
	Protocol Protocol

	// ParameterID selects standardized domain parameters
	// (Doc 9303-11 Section 9.5.1). Negative when absent.
	ParameterID int
}

// paceInfoASN mirrors the PACEInfo ASN.1 SEQUENCE.
type paceInfoASN struct {
	Protocol    asn1.ObjectIdentifier
	Version     int
	ParameterID int `asn1:"optional,default:-1"`
}

// ParseCardAccess decodes the SecurityInfos SET from EF.CardAccess and
// returns the PACEInfo entries. Entries for other protocols (chip
// authentication, terminal authentication) are skipped. Adversarial or
// truncated input yields ErrMalformed, never a panic.
func ParseCardAccess(data []byte) ([]Info, error) {
	var entries []asn1.RawValue
	rest, err := asn1.UnmarshalWithParams(data, &entries, "set")
	if err != nil {
		return nil, fmt.Errorf("%w: SecurityInfos: %v", ErrMalformed, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after SecurityInfos", ErrMalformed, len(rest))
	}

	var infos []Info
	for _, entry := range entries {
		var raw paceInfoASN
		raw.ParameterID = -1
		if _, err := asn1.Unmarshal(entry.FullBytes, &raw); err != nil {
			// Not every SecurityInfo is a PACEInfo; try the OID alone.
			var probe struct {
				Protocol asn1.ObjectIdentifier
				Rest     asn1.RawValue `asn1:"optional"`
			}
			if _, perr := asn1.Unmarshal(entry.FullBytes, &probe); perr != nil {
				return nil, fmt.Errorf("%w: SecurityInfo: %v", ErrMalformed, perr)
			}
			if _, ok := parseProtocol(probe.Protocol); ok {
				return nil, fmt.Errorf("%w: PACEInfo: %v", ErrMalformed, err)
			}
			continue
		}

		proto, ok := parseProtocol(raw.Protocol)
		if !ok {
			continue
		}
		if raw.Version != 2 {
			return nil, fmt.Errorf("%w: PACEInfo version %d", ErrMalformed, raw.Version)
		}
		infos = append(infos, Info{Protocol: proto, ParameterID: raw.ParameterID})
	}
	return infos, nil
}

// Select picks the strongest implementable protocol from infos, rejecting
// anything below minSuite. Preference order: stronger cipher first, then
// ECDH over DH. Integrated mapping entries are never selected.
func Select(infos []Info, minSuite crypto.Suite) (*Info, error) {
	var best *Info
	sawWeak := false
	for i := range infos {
		info := &infos[i]
		if info.Protocol.Mapping != GenericMapping {
			continue
		}
		if info.Protocol.Suite < minSuite {
			sawWeak = true
			continue
		}
		if best == nil ||
			info.Protocol.Suite > best.Protocol.Suite ||
			(info.Protocol.Suite == best.Protocol.Suite &&
				info.Protocol.KeyAgreement == ECDH && best.Protocol.KeyAgreement == DH) {
			best = info
		}
	}
	if best == nil {
		if sawWeak {
			return nil, ErrWeakSuite
		}
		return nil, ErrNoProtocol
	}
	return best, nil
}

// DomainParams holds the group for the key agreement: an elliptic curve
// for ECDH, or a prime-order subgroup of GF(p)* for DH.
type DomainParams struct {
	// Curve is set for ECDH.
	Curve elliptic.Curve

	// P, G and Q describe the DH group: modulus, generator, subgroup
	// order.
	P, G, Q *big.Int
}

// StandardizedParams resolves a standardized domain parameter id from
// Doc 9303-11 Section 9.5.1. Only the NIST prime curves are built in;
// Brainpool ids fail with ErrUnsupportedParams because the generic
// constant-time curve implementations here assume a = -3.
func StandardizedParams(id int) (*DomainParams, error) {
	switch id {
	case 10:
		return &DomainParams{Curve: elliptic.P224()}, nil
	case 12:
		return &DomainParams{Curve: elliptic.P256()}, nil
	case 15:
		return &DomainParams{Curve: elliptic.P384()}, nil
	case 18:
		return &DomainParams{Curve: elliptic.P521()}, nil
	default:
		return nil, fmt.Errorf("%w: id %d", ErrUnsupportedParams, id)
	}
}
