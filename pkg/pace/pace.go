// Package pace establishes secure messaging sessions with the
// password-authenticated connection establishment protocol of
// ICAO Doc 9303-11 Section 4.4 (generic mapping variants).
package pace

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/pion/logging"

	"github.com/nfcdoc/emrtd/pkg/crypto"
	"github.com/nfcdoc/emrtd/pkg/iso7816"
	"github.com/nfcdoc/emrtd/pkg/securemessaging"
	"github.com/nfcdoc/emrtd/pkg/transport"
)

// ErrAuthenticationFailed indicates the mutual authentication tokens did
// not verify: wrong password, or a chip answering for different
// parameters than it advertised.
var ErrAuthenticationFailed = errors.New("pace: authentication failed")

// Dynamic authentication data object tags (Doc 9303-11 Section 4.4.4.2).
const (
	tagDynAuth          = 0x7C
	tagEncryptedNonce   = 0x80
	tagMappingData      = 0x81
	tagMappingResponse  = 0x82
	tagEphemeralKey     = 0x83
	tagEphemeralKeyIC   = 0x84
	tagAuthToken        = 0x85
	tagAuthTokenIC      = 0x86
	tagPublicKeyWrapper = 0x7F49
)

// Config carries the PACE credential and optional knobs.
type Config struct {
	// Password is the key material for the password key Kpi: the SHA-1
	// hash of the MRZ key material for PasswordMRZ (see mrz.Key's
	// PasswordHash), or the ASCII digits for PasswordCAN / PasswordPIN /
	// PasswordPUK.
	Password []byte

	// PasswordType is the password reference sent in MSE:SET AT.
	PasswordType byte

	// ResolveParams overrides standardized domain parameter resolution,
	// e.g. to supply an explicit DH group. Nil uses StandardizedParams.
	ResolveParams func(id int) (*DomainParams, error)

	// Rand is the randomness source for ephemeral keys. Nil means
	// crypto/rand.
	Rand io.Reader

	// LoggerFactory is the factory for creating loggers. Nil disables
	// logging.
	LoggerFactory logging.LoggerFactory
}

// Result is an established session: AES (or 3DES) session keys and the
// all-zero initial send sequence counter.
type Result struct {
	Keys securemessaging.SessionKeys
	SSC  securemessaging.SSC
}

// Establish runs PACE for the advertised protocol in info. The caller
// picks info from ParseCardAccess/Select. Only generic mapping is
// supported; integrated mapping entries fail with
// ErrUnsupportedProtocol.
func Establish(t transport.Transport, info *Info, config Config) (*Result, error) {
	if info.Protocol.Mapping != GenericMapping {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, info.Protocol)
	}
	if len(config.Password) == 0 {
		return nil, fmt.Errorf("%w: empty password", ErrAuthenticationFailed)
	}
	rng := config.Rand
	if rng == nil {
		rng = rand.Reader
	}
	log := logging.NewDefaultLoggerFactory().NewLogger("pace")
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("pace")
	}

	params, err := resolveParams(info, config)
	if err != nil {
		return nil, err
	}
	base, err := newAgreement(info.Protocol.KeyAgreement, params)
	if err != nil {
		return nil, err
	}

	suite := info.Protocol.Suite
	kpi, err := crypto.DeriveKey(suite, config.Password, crypto.KDFModePassword)
	if err != nil {
		return nil, err
	}
	defer zero(kpi)

	log.Debugf("establishing %s", info.Protocol)

	if err := mseSetAT(t, info, config.PasswordType); err != nil {
		return nil, err
	}

	// Step 1: encrypted nonce.
	z, err := generalAuthenticate(t, true, nil, tagEncryptedNonce)
	if err != nil {
		return nil, err
	}
	if len(z) == 0 || len(z)%suite.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: encrypted nonce of %d bytes", ErrMalformed, len(z))
	}
	nonceBytes, err := suite.Decrypt(kpi, make([]byte, suite.BlockSize()), z)
	if err != nil {
		return nil, err
	}
	nonce := new(big.Int).SetBytes(nonceBytes)
	zero(nonceBytes)
	defer nonce.SetInt64(0)

	// Step 2: mapping round.
	mapKey, err := base.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	defer mapKey.destroy()
	chipMapPub, err := generalAuthenticate(t,
		true, encodeDynAuth(tagMappingData, mapKey.public), tagMappingResponse)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(chipMapPub, mapKey.public) {
		return nil, fmt.Errorf("%w: chip echoed mapping key", ErrAuthenticationFailed)
	}
	mapped, err := base.Map(nonce, mapKey, chipMapPub)
	if err != nil {
		return nil, err
	}

	// Step 3: key agreement on the mapped parameters.
	ephKey, err := mapped.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	defer ephKey.destroy()
	chipEphPub, err := generalAuthenticate(t,
		true, encodeDynAuth(tagEphemeralKey, ephKey.public), tagEphemeralKeyIC)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(chipEphPub, ephKey.public) {
		return nil, fmt.Errorf("%w: chip echoed ephemeral key", ErrAuthenticationFailed)
	}
	secret, err := mapped.SharedSecret(ephKey, chipEphPub)
	if err != nil {
		return nil, err
	}
	defer zero(secret)

	encKey, macKey, err := crypto.DeriveSessionKeys(suite, secret)
	if err != nil {
		return nil, err
	}

	// Step 4: exchange and verify authentication tokens.
	tIFD, err := AuthToken(suite, macKey, info.Protocol.OID, mapped.PublicKeyTag(), chipEphPub)
	if err != nil {
		return nil, err
	}
	tIC, err := generalAuthenticate(t,
		false, encodeDynAuth(tagAuthToken, tIFD), tagAuthTokenIC)
	if err != nil {
		var swErr *iso7816.StatusError
		if errors.As(err, &swErr) {
			return nil, fmt.Errorf("%w: chip rejected token: %v", ErrAuthenticationFailed, err)
		}
		return nil, err
	}
	want, err := AuthToken(suite, macKey, info.Protocol.OID, mapped.PublicKeyTag(), ephKey.public)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(want, tIC) != 1 {
		zero(encKey)
		zero(macKey)
		return nil, fmt.Errorf("%w: chip token mismatch", ErrAuthenticationFailed)
	}

	log.Debugf("%s established", info.Protocol)
	return &Result{
		Keys: securemessaging.SessionKeys{Suite: suite, Enc: encKey, MAC: macKey},
		SSC:  securemessaging.ZeroSSC(suite),
	}, nil
}

func resolveParams(info *Info, config Config) (*DomainParams, error) {
	if info.ParameterID < 0 {
		return nil, fmt.Errorf("%w: explicit domain parameters not supported", ErrUnsupportedParams)
	}
	if config.ResolveParams != nil {
		return config.ResolveParams(info.ParameterID)
	}
	return StandardizedParams(info.ParameterID)
}

// AuthToken computes the PACE authentication token: the suite's MAC over
// a public key data object carrying the protocol OID and the peer's
// ephemeral public key. Exported for chip-side simulations.
func AuthToken(suite crypto.Suite, macKey []byte, oid asn1.ObjectIdentifier, pubTag uint16, pub []byte) ([]byte, error) {
	oidDER, err := asn1.Marshal(oid)
	if err != nil {
		return nil, err
	}
	inner := append([]byte(nil), oidDER...)
	inner = iso7816.AppendTLV(inner, pubTag, pub)
	input := iso7816.AppendTLV(nil, tagPublicKeyWrapper, inner)

	// The token MAC takes the object as-is: the retail MAC pads
	// internally, and CMAC needs no padding.
	if suite == crypto.TDES {
		return crypto.RetailMAC(macKey, input)
	}
	tag, err := crypto.CMAC(macKey, input)
	if err != nil {
		return nil, err
	}
	return tag[:suite.MACSize()], nil
}

// mseSetAT announces the chosen protocol, password and domain parameters.
func mseSetAT(t transport.Transport, info *Info, passwordType byte) error {
	oidDER, err := asn1.Marshal(info.Protocol.OID)
	if err != nil {
		return err
	}
	oidTLV, _, err := iso7816.ParseTLV(oidDER)
	if err != nil {
		return err
	}

	data := iso7816.AppendTLV(nil, 0x80, oidTLV.Value)
	data = iso7816.AppendTLV(data, 0x83, []byte{passwordType})
	if info.ParameterID >= 0 {
		data = iso7816.AppendTLV(data, 0x84, []byte{byte(info.ParameterID)})
	}

	cmd := iso7816.Command{
		CLA: 0x00, INS: iso7816.InsMSESetAT, P1: 0xC1, P2: 0xA4,
		Data: data, Le: iso7816.NoLe,
	}
	_, err = exchange(t, &cmd)
	return err
}

// generalAuthenticate sends one GENERAL AUTHENTICATE step wrapped in a
// dynamic authentication template and returns the value of wantTag from
// the response template. All steps but the last are command-chained.
func generalAuthenticate(t transport.Transport, chained bool, data []byte, wantTag uint16) ([]byte, error) {
	cla := byte(0x00)
	if chained {
		cla = iso7816.ClaChaining
	}
	cmd := iso7816.Command{
		CLA: cla, INS: iso7816.InsGeneralAuthenticate, P1: 0x00, P2: 0x00,
		Data: iso7816.AppendTLV(nil, tagDynAuth, data),
		Le:   0,
	}
	resp, err := exchange(t, &cmd)
	if err != nil {
		return nil, err
	}
	return parseDynAuth(resp.Data, wantTag)
}

// encodeDynAuth wraps a single data object for a dynamic authentication
// template body.
func encodeDynAuth(tag uint16, value []byte) []byte {
	return iso7816.AppendTLV(nil, tag, value)
}

// parseDynAuth extracts the value of tag from a 7C response template.
func parseDynAuth(data []byte, tag uint16) ([]byte, error) {
	outer, rest, err := iso7816.ParseTLV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: dynamic authentication data: %v", ErrMalformed, err)
	}
	if outer.Tag != tagDynAuth || len(rest) != 0 {
		return nil, fmt.Errorf("%w: unexpected template 0x%X", ErrMalformed, outer.Tag)
	}
	body := outer.Value
	for len(body) > 0 {
		var obj iso7816.TLV
		obj, body, err = iso7816.ParseTLV(body)
		if err != nil {
			return nil, fmt.Errorf("%w: dynamic authentication data: %v", ErrMalformed, err)
		}
		if obj.Tag == tag {
			return obj.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: missing data object 0x%X", ErrMalformed, tag)
}

func exchange(t transport.Transport, cmd *iso7816.Command) (*iso7816.Response, error) {
	raw, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	respRaw, err := t.SendReceive(raw)
	if err != nil {
		return nil, err
	}
	resp, err := iso7816.ParseResponse(respRaw)
	if err != nil {
		return nil, err
	}
	if !iso7816.IsSuccess(resp.SW) {
		return nil, &iso7816.StatusError{INS: cmd.INS, SW: resp.SW}
	}
	return resp, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
