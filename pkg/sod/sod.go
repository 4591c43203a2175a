// Package sod parses and verifies the document security object EF.SOD,
// the root of trust for passive authentication (ICAO Doc 9303-10
// Section 4.6.2, Doc 9303-11 Section 5.1).
//
// EF.SOD is a CMS SignedData structure whose payload, the
// LDSSecurityObject, lists the expected hash of every data group the
// document carries. The document signer certificate is normally embedded.
package sod

import (
	stdcrypto "crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/nfcdoc/emrtd/pkg/crypto"
)

var (
	// ErrParse indicates EF.SOD contents that do not decode. Adversarial
	// length fields and truncations land here, never in a panic.
	ErrParse = errors.New("sod: malformed security object")

	// ErrUnsupported indicates an algorithm this package cannot verify.
	ErrUnsupported = errors.New("sod: unsupported algorithm")
)

// Content type OIDs.
var (
	oidSignedData        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidLDSSecurityObject = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 1}
	oidAttrContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidAttrMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
)

// SecurityObject is a parsed EF.SOD.
type SecurityObject struct {
	// Hash is the digest algorithm the data group hashes use.
	Hash stdcrypto.Hash

	// Certificates are the embedded signer certificates, usually just
	// the document signer.
	Certificates []*x509.Certificate

	// LDSVersion and UnicodeVersion are present in LDSSecurityObject V1.
	LDSVersion     string
	UnicodeVersion string

	expected map[int][]byte

	// Signature verification inputs.
	eContent     []byte
	signedAttrs  []byte // SET OF Attribute, as signed
	attrsPresent bool
	digestOID    asn1.ObjectIdentifier
	sigOID       asn1.ObjectIdentifier
	signature    []byte
}

// ExpectedHash returns the hash EF.SOD declares for data group dg.
func (so *SecurityObject) ExpectedHash(dg int) ([]byte, bool) {
	h, ok := so.expected[dg]
	return h, ok
}

// DataGroups lists the data group numbers EF.SOD covers.
func (so *SecurityObject) DataGroups() []int {
	out := make([]int, 0, len(so.expected))
	for dg := range so.expected {
		out = append(out, dg)
	}
	return out
}

// ASN.1 leaf structures, decoded with encoding/asn1 once cryptobyte has
// isolated them.
type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type dataGroupHash struct {
	Number int
	Hash   []byte
}

type ldsVersionInfo struct {
	LDSVersion     string `asn1:"printable"`
	UnicodeVersion string `asn1:"printable"`
}

type ldsSecurityObject struct {
	Version         int
	HashAlgorithm   algorithmIdentifier
	DataGroupHashes []dataGroupHash
	VersionInfo     ldsVersionInfo `asn1:"optional"`
}

type attributeASN struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// tag0 is the [0] constructed context tag wrapping SignedData,
// eContent and the signed attributes.
var tag0 = cbasn1.Tag(0).Constructed().ContextSpecific()

// tagApplication23 is the 0x77 wrapper EF.SOD carries around the
// ContentInfo.
var tagApplication23 = cbasn1.Tag(0x17 | 0x40).Constructed()

// Parse decodes EF.SOD contents. It accepts the raw elementary file
// (with the 0x77 wrapper) or a bare ContentInfo.
func Parse(data []byte) (*SecurityObject, error) {
	input := cryptobyte.String(data)

	if input.PeekASN1Tag(tagApplication23) {
		var inner cryptobyte.String
		if !input.ReadASN1(&inner, tagApplication23) || !input.Empty() {
			return nil, fmt.Errorf("%w: security object wrapper", ErrParse)
		}
		input = inner
	}

	var contentInfo cryptobyte.String
	if !input.ReadASN1(&contentInfo, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: ContentInfo", ErrParse)
	}
	var contentType asn1.ObjectIdentifier
	if !contentInfo.ReadASN1ObjectIdentifier(&contentType) {
		return nil, fmt.Errorf("%w: ContentInfo type", ErrParse)
	}
	if !contentType.Equal(oidSignedData) {
		return nil, fmt.Errorf("%w: content type %v is not SignedData", ErrParse, contentType)
	}
	var sdWrapper, signedData cryptobyte.String
	if !contentInfo.ReadASN1(&sdWrapper, tag0) ||
		!sdWrapper.ReadASN1(&signedData, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: SignedData", ErrParse)
	}

	var version int64
	if !signedData.ReadASN1Integer(&version) {
		return nil, fmt.Errorf("%w: SignedData version", ErrParse)
	}
	var digestAlgs cryptobyte.String
	if !signedData.ReadASN1(&digestAlgs, cbasn1.SET) {
		return nil, fmt.Errorf("%w: digestAlgorithms", ErrParse)
	}

	so := &SecurityObject{}
	if err := parseEncapContent(&signedData, so); err != nil {
		return nil, err
	}

	var certsRaw cryptobyte.String
	var hasCerts bool
	if !signedData.ReadOptionalASN1(&certsRaw, &hasCerts, tag0) {
		return nil, fmt.Errorf("%w: certificates", ErrParse)
	}
	if hasCerts {
		certs, err := x509.ParseCertificates(certsRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: certificates: %v", ErrParse, err)
		}
		so.Certificates = certs
	}
	if !signedData.SkipOptionalASN1(cbasn1.Tag(1).Constructed().ContextSpecific()) {
		return nil, fmt.Errorf("%w: crls", ErrParse)
	}

	if err := parseSignerInfo(&signedData, so); err != nil {
		return nil, err
	}

	if err := parseLDSSecurityObject(so); err != nil {
		return nil, err
	}
	return so, nil
}

func parseEncapContent(signedData *cryptobyte.String, so *SecurityObject) error {
	var eci cryptobyte.String
	if !signedData.ReadASN1(&eci, cbasn1.SEQUENCE) {
		return fmt.Errorf("%w: encapContentInfo", ErrParse)
	}
	var eType asn1.ObjectIdentifier
	if !eci.ReadASN1ObjectIdentifier(&eType) {
		return fmt.Errorf("%w: eContentType", ErrParse)
	}
	if !eType.Equal(oidLDSSecurityObject) {
		return fmt.Errorf("%w: eContentType %v is not an LDS security object", ErrParse, eType)
	}
	var eWrapper, eContent cryptobyte.String
	if !eci.ReadASN1(&eWrapper, tag0) ||
		!eWrapper.ReadASN1(&eContent, cbasn1.OCTET_STRING) {
		return fmt.Errorf("%w: eContent", ErrParse)
	}
	so.eContent = append([]byte(nil), eContent...)
	return nil
}

func parseSignerInfo(signedData *cryptobyte.String, so *SecurityObject) error {
	var signerInfos, si cryptobyte.String
	if !signedData.ReadASN1(&signerInfos, cbasn1.SET) ||
		!signerInfos.ReadASN1(&si, cbasn1.SEQUENCE) {
		return fmt.Errorf("%w: SignerInfo", ErrParse)
	}

	var siVersion int64
	if !si.ReadASN1Integer(&siVersion) {
		return fmt.Errorf("%w: SignerInfo version", ErrParse)
	}
	// The signer identifier: IssuerAndSerialNumber (v1) or [0]
	// SubjectKeyIdentifier (v3). Skipped; signer lookup tries every
	// embedded certificate.
	var sid cryptobyte.String
	var sidTag cbasn1.Tag
	if !si.ReadAnyASN1(&sid, &sidTag) {
		return fmt.Errorf("%w: SignerIdentifier", ErrParse)
	}

	var digAlg cryptobyte.String
	if !si.ReadASN1(&digAlg, cbasn1.SEQUENCE) ||
		!digAlg.ReadASN1ObjectIdentifier(&so.digestOID) {
		return fmt.Errorf("%w: SignerInfo digest algorithm", ErrParse)
	}

	var attrs cryptobyte.String
	if !si.ReadOptionalASN1(&attrs, &so.attrsPresent, tag0) {
		return fmt.Errorf("%w: signed attributes", ErrParse)
	}
	if so.attrsPresent {
		// The signature covers the attributes under their SET OF tag,
		// not the [0] IMPLICIT tag they travel with.
		b := cryptobyte.NewBuilder(nil)
		b.AddASN1(cbasn1.SET, func(c *cryptobyte.Builder) { c.AddBytes(attrs) })
		der, err := b.Bytes()
		if err != nil {
			return fmt.Errorf("%w: signed attributes: %v", ErrParse, err)
		}
		so.signedAttrs = der
	}

	var sigAlg cryptobyte.String
	if !si.ReadASN1(&sigAlg, cbasn1.SEQUENCE) ||
		!sigAlg.ReadASN1ObjectIdentifier(&so.sigOID) {
		return fmt.Errorf("%w: signature algorithm", ErrParse)
	}
	var sig cryptobyte.String
	if !si.ReadASN1(&sig, cbasn1.OCTET_STRING) {
		return fmt.Errorf("%w: signature", ErrParse)
	}
	so.signature = append([]byte(nil), sig...)
	return nil
}

func parseLDSSecurityObject(so *SecurityObject) error {
	var lds ldsSecurityObject
	if _, err := asn1.Unmarshal(so.eContent, &lds); err != nil {
		return fmt.Errorf("%w: LDSSecurityObject: %v", ErrParse, err)
	}

	hash, err := crypto.DigestByOID(lds.HashAlgorithm.Algorithm)
	if err != nil {
		return fmt.Errorf("%w: data group hash %v", ErrUnsupported, lds.HashAlgorithm.Algorithm)
	}
	so.Hash = hash
	so.LDSVersion = lds.VersionInfo.LDSVersion
	so.UnicodeVersion = lds.VersionInfo.UnicodeVersion

	so.expected = make(map[int][]byte, len(lds.DataGroupHashes))
	for _, dgh := range lds.DataGroupHashes {
		if dgh.Number < 1 || dgh.Number > 16 {
			return fmt.Errorf("%w: hash for data group %d", ErrParse, dgh.Number)
		}
		if _, dup := so.expected[dgh.Number]; dup {
			return fmt.Errorf("%w: duplicate hash for DG%d", ErrParse, dgh.Number)
		}
		if len(dgh.Hash) != hash.Size() {
			return fmt.Errorf("%w: DG%d hash of %d bytes, want %d", ErrParse, dgh.Number, len(dgh.Hash), hash.Size())
		}
		so.expected[dgh.Number] = dgh.Hash
	}
	if len(so.expected) == 0 {
		return fmt.Errorf("%w: no data group hashes", ErrParse)
	}
	return nil
}
