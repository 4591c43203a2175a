package pace

import (
	"crypto/elliptic"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// ErrInvalidPoint indicates a peer public key that is not a valid group
// element.
var ErrInvalidPoint = errors.New("pace: invalid peer public key")

var one = big.NewInt(1)

// agreement runs one anonymous Diffie-Hellman round over the current
// domain parameters. The generic mapping produces a second agreement on
// nonce-derived parameters from a completed first round.
type agreement interface {
	// GenerateKey draws a fresh ephemeral key pair. The public half is
	// wire-encoded (uncompressed point for EC, unsigned big-endian
	// integer for DH).
	GenerateKey(rand io.Reader) (*ephemeralKey, error)

	// SharedSecret combines the local private key with the peer's
	// encoded public key and returns the shared secret octets
	// (x-coordinate for EC, y^x mod p for DH).
	SharedSecret(key *ephemeralKey, peer []byte) ([]byte, error)

	// Map folds the decrypted nonce and the mapping round into new
	// domain parameters and returns the agreement over them.
	Map(nonce *big.Int, key *ephemeralKey, peer []byte) (agreement, error)

	// PublicKeyTag is the context tag carrying the public key inside
	// the authentication token input: 0x84 for DH, 0x86 for EC.
	PublicKeyTag() uint16
}

type ephemeralKey struct {
	priv   *big.Int
	public []byte
}

// destroy clears the private scalar. Ephemeral keys are single-use.
func (k *ephemeralKey) destroy() {
	if k != nil && k.priv != nil {
		k.priv.SetInt64(0)
	}
}

func newAgreement(ka KeyAgreement, params *DomainParams) (agreement, error) {
	switch ka {
	case ECDH:
		if params.Curve == nil {
			return nil, fmt.Errorf("%w: ECDH without a curve", ErrUnsupportedParams)
		}
		cp := params.Curve.Params()
		return &ecAgreement{curve: params.Curve, gx: cp.Gx, gy: cp.Gy}, nil
	case DH:
		if params.P == nil || params.G == nil {
			return nil, fmt.Errorf("%w: DH without a group", ErrUnsupportedParams)
		}
		return &dhAgreement{p: params.P, g: params.G, q: params.Q}, nil
	default:
		return nil, ErrUnsupportedProtocol
	}
}

// randomScalar draws a uniform scalar in [1, max). Oversampling by 64
// bits keeps the modular bias negligible.
func randomScalar(rand io.Reader, max *big.Int) (*big.Int, error) {
	buf := make([]byte, (max.BitLen()+7)/8+8)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return nil, fmt.Errorf("pace: randomness: %w", err)
	}
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, new(big.Int).Sub(max, one))
	return k.Add(k, one), nil
}

// ecAgreement is ECDH with an explicit generator, so the mapped
// parameters reuse the curve with a new base point.
type ecAgreement struct {
	curve  elliptic.Curve
	gx, gy *big.Int
}

func (a *ecAgreement) byteLen() int {
	return (a.curve.Params().BitSize + 7) / 8
}

func (a *ecAgreement) encodePoint(x, y *big.Int) []byte {
	n := a.byteLen()
	out := make([]byte, 1+2*n)
	out[0] = 0x04
	x.FillBytes(out[1 : 1+n])
	y.FillBytes(out[1+n:])
	return out
}

func (a *ecAgreement) decodePoint(data []byte) (x, y *big.Int, err error) {
	n := a.byteLen()
	if len(data) != 1+2*n || data[0] != 0x04 {
		return nil, nil, fmt.Errorf("%w: point encoding", ErrInvalidPoint)
	}
	x = new(big.Int).SetBytes(data[1 : 1+n])
	y = new(big.Int).SetBytes(data[1+n:])
	if x.Sign() == 0 && y.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: point at infinity", ErrInvalidPoint)
	}
	if !a.curve.IsOnCurve(x, y) {
		return nil, nil, fmt.Errorf("%w: point not on curve", ErrInvalidPoint)
	}
	return x, y, nil
}

func (a *ecAgreement) GenerateKey(rand io.Reader) (*ephemeralKey, error) {
	d, err := randomScalar(rand, a.curve.Params().N)
	if err != nil {
		return nil, err
	}
	x, y := a.curve.ScalarMult(a.gx, a.gy, d.Bytes())
	return &ephemeralKey{priv: d, public: a.encodePoint(x, y)}, nil
}

func (a *ecAgreement) SharedSecret(key *ephemeralKey, peer []byte) ([]byte, error) {
	px, py, err := a.decodePoint(peer)
	if err != nil {
		return nil, err
	}
	sx, sy := a.curve.ScalarMult(px, py, key.priv.Bytes())
	if sx.Sign() == 0 && sy.Sign() == 0 {
		return nil, fmt.Errorf("%w: shared point at infinity", ErrInvalidPoint)
	}
	out := make([]byte, a.byteLen())
	sx.FillBytes(out)
	return out, nil
}

// Map computes G' = s*G + H, where H is the Diffie-Hellman point of the
// mapping round, and returns ECDH over the same curve based at G'.
func (a *ecAgreement) Map(nonce *big.Int, key *ephemeralKey, peer []byte) (agreement, error) {
	px, py, err := a.decodePoint(peer)
	if err != nil {
		return nil, err
	}
	hx, hy := a.curve.ScalarMult(px, py, key.priv.Bytes())
	if hx.Sign() == 0 && hy.Sign() == 0 {
		return nil, fmt.Errorf("%w: mapping point at infinity", ErrInvalidPoint)
	}

	s := new(big.Int).Mod(nonce, a.curve.Params().N)
	if s.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero nonce", ErrInvalidPoint)
	}
	sgx, sgy := a.curve.ScalarMult(a.gx, a.gy, s.Bytes())
	ngx, ngy := a.curve.Add(sgx, sgy, hx, hy)
	if ngx.Sign() == 0 && ngy.Sign() == 0 {
		return nil, fmt.Errorf("%w: mapped generator at infinity", ErrInvalidPoint)
	}
	return &ecAgreement{curve: a.curve, gx: ngx, gy: ngy}, nil
}

func (a *ecAgreement) PublicKeyTag() uint16 { return 0x86 }

// dhAgreement is classic Diffie-Hellman over a prime-order subgroup with
// an explicit generator.
type dhAgreement struct {
	p, g, q *big.Int
}

func (a *dhAgreement) byteLen() int {
	return (a.p.BitLen() + 7) / 8
}

func (a *dhAgreement) order() *big.Int {
	if a.q != nil {
		return a.q
	}
	// No subgroup order supplied: exponents up to p-1.
	return new(big.Int).Sub(a.p, one)
}

func (a *dhAgreement) encode(y *big.Int) []byte {
	out := make([]byte, a.byteLen())
	y.FillBytes(out)
	return out
}

func (a *dhAgreement) decode(data []byte) (*big.Int, error) {
	if len(data) == 0 || len(data) > a.byteLen() {
		return nil, fmt.Errorf("%w: element encoding", ErrInvalidPoint)
	}
	y := new(big.Int).SetBytes(data)
	// Reject the trivial subgroup and out-of-range elements.
	pm1 := new(big.Int).Sub(a.p, one)
	if y.Cmp(one) <= 0 || y.Cmp(pm1) >= 0 {
		return nil, fmt.Errorf("%w: element out of range", ErrInvalidPoint)
	}
	if a.q != nil {
		if new(big.Int).Exp(y, a.q, a.p).Cmp(one) != 0 {
			return nil, fmt.Errorf("%w: element outside subgroup", ErrInvalidPoint)
		}
	}
	return y, nil
}

func (a *dhAgreement) GenerateKey(rand io.Reader) (*ephemeralKey, error) {
	x, err := randomScalar(rand, a.order())
	if err != nil {
		return nil, err
	}
	y := new(big.Int).Exp(a.g, x, a.p)
	return &ephemeralKey{priv: x, public: a.encode(y)}, nil
}

func (a *dhAgreement) SharedSecret(key *ephemeralKey, peer []byte) ([]byte, error) {
	y, err := a.decode(peer)
	if err != nil {
		return nil, err
	}
	return a.encode(new(big.Int).Exp(y, key.priv, a.p)), nil
}

// Map computes g' = g^s * H mod p, where H is the shared element of the
// mapping round.
func (a *dhAgreement) Map(nonce *big.Int, key *ephemeralKey, peer []byte) (agreement, error) {
	y, err := a.decode(peer)
	if err != nil {
		return nil, err
	}
	h := new(big.Int).Exp(y, key.priv, a.p)

	s := new(big.Int).Mod(nonce, a.order())
	if s.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero nonce", ErrInvalidPoint)
	}
	ng := new(big.Int).Exp(a.g, s, a.p)
	ng.Mul(ng, h).Mod(ng, a.p)
	if ng.Cmp(one) <= 0 {
		return nil, fmt.Errorf("%w: degenerate mapped generator", ErrInvalidPoint)
	}
	return &dhAgreement{p: a.p, g: ng, q: a.q}, nil
}

func (a *dhAgreement) PublicKeyTag() uint16 { return 0x84 }
