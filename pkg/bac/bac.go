// Package bac implements Basic Access Control (ICAO Doc 9303-11
// Section 4.3): password-less session establishment where the shared
// secret is derived from the printed machine-readable zone.
//
// The exchange is a 3DES challenge/response: the chip supplies an 8-byte
// challenge, both sides contribute random key material under the
// MRZ-derived access key, and the surviving key seed is the XOR of the
// two contributions. A failed verification is fatal to the attempt;
// retrying with the same key risks the chip-side lockout counter.
package bac

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/pion/logging"

	"github.com/nfcdoc/emrtd/pkg/crypto"
	"github.com/nfcdoc/emrtd/pkg/iso7816"
	"github.com/nfcdoc/emrtd/pkg/mrz"
	"github.com/nfcdoc/emrtd/pkg/securemessaging"
	"github.com/nfcdoc/emrtd/pkg/transport"
)

// Exchange sizes from Doc 9303-11 Section 4.3.3.
const (
	challengeSize  = 8
	keyMaterialLen = 16
	cryptogramLen  = 32
	tokenLen       = cryptogramLen + 8 // cryptogram + retail MAC
)

// Errors.
var (
	// ErrAuthenticationFailed indicates the chip's authentication token
	// did not verify: wrong document data or a non-genuine chip. Fatal to
	// the session; never retried internally.
	ErrAuthenticationFailed = errors.New("bac: mutual authentication failed")

	// ErrBadChallenge indicates a challenge of unexpected length.
	ErrBadChallenge = errors.New("bac: unexpected challenge length")
)

// AccessKey is the document access key pair derived from the MRZ.
type AccessKey struct {
	Enc []byte // Kenc
	MAC []byte // Kmac
}

// DeriveAccessKey derives the BAC access key from validated MRZ key
// material. Deterministic: the same MRZ always yields the same keys.
// Check-digit validation happens when the mrz.Key is constructed, before
// any chip I/O.
func DeriveAccessKey(key *mrz.Key) (*AccessKey, error) {
	enc, mac, err := crypto.DeriveSessionKeys(crypto.TDES, key.Seed())
	if err != nil {
		return nil, err
	}
	return &AccessKey{Enc: enc, MAC: mac}, nil
}

// Config configures an establishment attempt.
type Config struct {
	// Rand is the randomness source for the terminal challenge and key
	// contribution. Defaults to crypto/rand; tests inject deterministic
	// sequences to reproduce reference vectors.
	Rand io.Reader

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Result is an established session: keys plus initial counter.
type Result struct {
	Keys securemessaging.SessionKeys
	SSC  securemessaging.SSC
}

// Establish runs the BAC handshake over t and derives the session keys
// and initial send sequence counter. On any verification failure the
// attempt is abandoned; an aborted establishment restarts from scratch
// with fresh random material.
func Establish(t transport.Transport, key *AccessKey, config Config) (*Result, error) {
	rng := config.Rand
	if rng == nil {
		rng = rand.Reader
	}
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("bac")
	}

	// GET CHALLENGE (Doc 9303-11 Section 4.3.4.1).
	rndIC, err := getChallenge(t)
	if err != nil {
		return nil, err
	}

	var rndIFD [challengeSize]byte
	var kIFD [keyMaterialLen]byte
	if _, err := io.ReadFull(rng, rndIFD[:]); err != nil {
		return nil, fmt.Errorf("bac: reading random: %w", err)
	}
	if _, err := io.ReadFull(rng, kIFD[:]); err != nil {
		return nil, fmt.Errorf("bac: reading random: %w", err)
	}

	// S = RND.IFD || RND.IC || K.IFD, encrypted under Kenc with zero IV
	// and authenticated with a retail MAC.
	s := make([]byte, 0, cryptogramLen)
	s = append(s, rndIFD[:]...)
	s = append(s, rndIC...)
	s = append(s, kIFD[:]...)

	eIFD, err := crypto.TDES.Encrypt(key.Enc, make([]byte, 8), s)
	if err != nil {
		return nil, err
	}
	mIFD, err := crypto.RetailMAC(key.MAC, eIFD)
	if err != nil {
		return nil, err
	}

	token, err := externalAuthenticate(t, append(eIFD, mIFD...))
	if err != nil {
		return nil, err
	}
	if len(token) != tokenLen {
		return nil, fmt.Errorf("%w: token length %d", ErrAuthenticationFailed, len(token))
	}

	// Verify the chip's MAC before touching the cryptogram.
	eIC, mIC := token[:cryptogramLen], token[cryptogramLen:]
	wantMAC, err := crypto.RetailMAC(key.MAC, eIC)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(wantMAC, mIC) != 1 {
		return nil, fmt.Errorf("%w: token MAC mismatch", ErrAuthenticationFailed)
	}

	r, err := crypto.TDES.Decrypt(key.Enc, make([]byte, 8), eIC)
	if err != nil {
		return nil, err
	}
	// R = RND.IC || RND.IFD || K.IC; both nonce echoes must match.
	if !bytes.Equal(r[:8], rndIC) || !bytes.Equal(r[8:16], rndIFD[:]) {
		return nil, fmt.Errorf("%w: challenge echo mismatch", ErrAuthenticationFailed)
	}
	kIC := r[16:cryptogramLen]

	seed := make([]byte, keyMaterialLen)
	for i := range seed {
		seed[i] = kIFD[i] ^ kIC[i]
	}
	enc, mac, err := crypto.DeriveSessionKeys(crypto.TDES, seed)
	if err != nil {
		return nil, err
	}

	// SSC seed: low halves of both challenges (Section 9.8.6.3).
	sscSeed := make([]byte, 0, 8)
	sscSeed = append(sscSeed, rndIC[4:]...)
	sscSeed = append(sscSeed, rndIFD[4:]...)
	ssc, err := securemessaging.NewSSC(crypto.TDES, sscSeed)
	if err != nil {
		return nil, err
	}

	if log != nil {
		log.Debugf("established 3DES session, ssc=%016X", ssc.Uint64())
	}
	return &Result{
		Keys: securemessaging.SessionKeys{Suite: crypto.TDES, Enc: enc, MAC: mac},
		SSC:  ssc,
	}, nil
}

func getChallenge(t transport.Transport) ([]byte, error) {
	cmd := iso7816.Command{CLA: 0x00, INS: iso7816.InsGetChallenge, Le: challengeSize}
	resp, err := exchange(t, &cmd)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != challengeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadChallenge, len(resp.Data))
	}
	return resp.Data, nil
}

func externalAuthenticate(t transport.Transport, data []byte) ([]byte, error) {
	cmd := iso7816.Command{CLA: 0x00, INS: iso7816.InsExternalAuth, Data: data, Le: tokenLen}
	resp, err := exchange(t, &cmd)
	if err != nil {
		var swErr *iso7816.StatusError
		// The chip rejecting the token means the access key is wrong or
		// further attempts are blocked: an authentication failure, not a
		// protocol error.
		if errors.As(err, &swErr) {
			switch swErr.SW {
			case iso7816.SWSecurityNotSatisfied, iso7816.SWAuthMethodBlocked, 0x6300:
				return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
			}
		}
		return nil, err
	}
	return resp.Data, nil
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
