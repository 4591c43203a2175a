package sod

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/nfcdoc/emrtd/pkg/crypto"
)

// Verdict is the per-data-group outcome of passive authentication.
type Verdict int

const (
	// Match: the retrieved contents hash to the value EF.SOD declares.
	Match Verdict = iota
	// Mismatch: the hashes differ, or the group is not covered by
	// EF.SOD at all. The contents must not be trusted.
	Mismatch
	// Missing: EF.SOD declares a hash but the group was not supplied.
	Missing
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	case Missing:
		return "missing"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// SignatureStatus is the outcome of verifying the SignedData signature
// and its certificate chain.
type SignatureStatus int

const (
	// SignatureUnverified: the signature is cryptographically sound
	// under the embedded certificate, but no trust anchors were supplied
	// to chain it to a country signing authority.
	SignatureUnverified SignatureStatus = iota
	// SignatureVerified: sound and chained to a supplied trust anchor.
	SignatureVerified
	// SignatureFailed: verification failed. Nothing EF.SOD says can be
	// trusted.
	SignatureFailed
)

func (s SignatureStatus) String() string {
	switch s {
	case SignatureUnverified:
		return "unverified"
	case SignatureVerified:
		return "verified"
	case SignatureFailed:
		return "failed"
	default:
		return fmt.Sprintf("SignatureStatus(%d)", int(s))
	}
}

// Report is the full passive authentication outcome. Per-group verdicts
// are always produced, even when the signature fails: partial trust
// information is still useful to the caller, who decides what to act on.
type Report struct {
	Signature      SignatureStatus
	SignatureError error

	// DataGroups holds a verdict for every group EF.SOD covers plus
	// every group supplied by the caller.
	DataGroups map[int]Verdict
}

// Authentic reports whether every supplied data group matched and the
// signature chained to a trust anchor.
func (r *Report) Authentic() bool {
	if r.Signature != SignatureVerified {
		return false
	}
	for _, v := range r.DataGroups {
		if v != Match {
			return false
		}
	}
	return true
}

// VerifyOptions configures Verify.
type VerifyOptions struct {
	// Anchors are the CSCA trust anchors. Nil leaves a sound signature
	// at SignatureUnverified.
	Anchors *x509.CertPool

	// Time anchors certificate validity checks. Zero means now.
	Time time.Time
}

// Verify runs passive authentication: it recomputes the hash of every
// supplied data group against the values EF.SOD declares, and verifies
// the SignedData signature. Hash mismatches never abort the other
// groups.
func (so *SecurityObject) Verify(contents map[int][]byte, opts VerifyOptions) *Report {
	report := &Report{DataGroups: make(map[int]Verdict, len(so.expected))}

	for dg, want := range so.expected {
		data, ok := contents[dg]
		if !ok {
			report.DataGroups[dg] = Missing
			continue
		}
		h := so.Hash.New()
		h.Write(data)
		if bytes.Equal(h.Sum(nil), want) {
			report.DataGroups[dg] = Match
		} else {
			report.DataGroups[dg] = Mismatch
		}
	}
	// Supplied groups EF.SOD does not cover cannot be authenticated.
	for dg := range contents {
		if _, covered := so.expected[dg]; !covered {
			report.DataGroups[dg] = Mismatch
		}
	}

	report.Signature, report.SignatureError = so.verifySignature(opts)
	return report
}

func (so *SecurityObject) verifySignature(opts VerifyOptions) (SignatureStatus, error) {
	if len(so.Certificates) == 0 {
		return SignatureFailed, fmt.Errorf("%w: no embedded signer certificate", ErrParse)
	}

	signed := so.eContent
	if so.attrsPresent {
		if err := so.checkSignedAttributes(); err != nil {
			return SignatureFailed, err
		}
		signed = so.signedAttrs
	}

	alg, err := signatureAlgorithm(so.sigOID, so.digestOID)
	if err != nil {
		return SignatureFailed, err
	}

	var signer *x509.Certificate
	var lastErr error
	for _, cert := range so.Certificates {
		if err := cert.CheckSignature(alg, signed, so.signature); err == nil {
			signer = cert
			break
		} else {
			lastErr = err
		}
	}
	if signer == nil {
		return SignatureFailed, fmt.Errorf("sod: signature does not verify: %w", lastErr)
	}

	if opts.Anchors == nil {
		return SignatureUnverified, nil
	}
	intermediates := x509.NewCertPool()
	for _, cert := range so.Certificates {
		if cert != signer {
			intermediates.AddCert(cert)
		}
	}
	_, err = signer.Verify(x509.VerifyOptions{
		Roots:         opts.Anchors,
		Intermediates: intermediates,
		CurrentTime:   opts.Time,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return SignatureFailed, fmt.Errorf("sod: signer certificate not trusted: %w", err)
	}
	return SignatureVerified, nil
}

// checkSignedAttributes binds the signature to the payload: the
// messageDigest attribute must equal the digest of eContent, and the
// contentType attribute, when present, must name the LDS security
// object.
func (so *SecurityObject) checkSignedAttributes() error {
	digestHash, err := crypto.DigestByOID(so.digestOID)
	if err != nil {
		return fmt.Errorf("%w: signer digest %v", ErrUnsupported, so.digestOID)
	}

	var attrs []attributeASN
	if _, err := asn1.UnmarshalWithParams(so.signedAttrs, &attrs, "set"); err != nil {
		return fmt.Errorf("%w: signed attributes: %v", ErrParse, err)
	}

	var messageDigest []byte
	for _, attr := range attrs {
		switch {
		case attr.Type.Equal(oidAttrMessageDigest):
			if len(attr.Values) != 1 {
				return fmt.Errorf("%w: messageDigest attribute", ErrParse)
			}
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &messageDigest); err != nil {
				return fmt.Errorf("%w: messageDigest attribute: %v", ErrParse, err)
			}
		case attr.Type.Equal(oidAttrContentType):
			var ct asn1.ObjectIdentifier
			if len(attr.Values) != 1 {
				return fmt.Errorf("%w: contentType attribute", ErrParse)
			}
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &ct); err != nil {
				return fmt.Errorf("%w: contentType attribute: %v", ErrParse, err)
			}
			if !ct.Equal(oidLDSSecurityObject) {
				return fmt.Errorf("sod: signed contentType %v does not name the security object", ct)
			}
		}
	}
	if messageDigest == nil {
		return fmt.Errorf("%w: signed attributes without messageDigest", ErrParse)
	}

	h := digestHash.New()
	h.Write(so.eContent)
	if !bytes.Equal(h.Sum(nil), messageDigest) {
		return fmt.Errorf("sod: messageDigest does not match eContent")
	}
	return nil
}

// Signature algorithm OIDs.
var (
	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	oidSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	oidRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	oidECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// signatureAlgorithm resolves the SignerInfo algorithm pair to an x509
// signature algorithm. CMS allows naming just the key algorithm
// (rsaEncryption, RSASSA-PSS) with the digest carried separately.
func signatureAlgorithm(sigOID, digestOID asn1.ObjectIdentifier) (x509.SignatureAlgorithm, error) {
	switch {
	case sigOID.Equal(oidSHA1WithRSA):
		return x509.SHA1WithRSA, nil
	case sigOID.Equal(oidSHA256WithRSA):
		return x509.SHA256WithRSA, nil
	case sigOID.Equal(oidSHA384WithRSA):
		return x509.SHA384WithRSA, nil
	case sigOID.Equal(oidSHA512WithRSA):
		return x509.SHA512WithRSA, nil
	case sigOID.Equal(oidECDSAWithSHA1):
		return x509.ECDSAWithSHA1, nil
	case sigOID.Equal(oidECDSAWithSHA256):
		return x509.ECDSAWithSHA256, nil
	case sigOID.Equal(oidECDSAWithSHA384):
		return x509.ECDSAWithSHA384, nil
	case sigOID.Equal(oidECDSAWithSHA512):
		return x509.ECDSAWithSHA512, nil
	}

	rsa := sigOID.Equal(oidRSAEncryption)
	pss := sigOID.Equal(oidRSAPSS)
	if !rsa && !pss {
		return 0, fmt.Errorf("%w: signature %v", ErrUnsupported, sigOID)
	}
	switch {
	case digestOID.Equal(crypto.OIDSHA1) && rsa:
		return x509.SHA1WithRSA, nil
	case digestOID.Equal(crypto.OIDSHA256):
		if pss {
			return x509.SHA256WithRSAPSS, nil
		}
		return x509.SHA256WithRSA, nil
	case digestOID.Equal(crypto.OIDSHA384):
		if pss {
			return x509.SHA384WithRSAPSS, nil
		}
		return x509.SHA384WithRSA, nil
	case digestOID.Equal(crypto.OIDSHA512):
		if pss {
			return x509.SHA512WithRSAPSS, nil
		}
		return x509.SHA512WithRSA, nil
	default:
		return 0, fmt.Errorf("%w: digest %v with signature %v", ErrUnsupported, digestOID, sigOID)
	}
}
