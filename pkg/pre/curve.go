package pre

import (
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Scalar is a field element modulo the secp256k1 group order. It backs KFrag
// shares, Shamir polynomial coefficients, and Chaum-Pedersen proof responses.
type Scalar = secp256k1.ModNScalar

// Point is a secp256k1 group element in Jacobian form. Conversions to/from
// the 33-byte compressed encoding happen at the codec boundary only.
type Point = secp256k1.JacobianPoint

// randomScalar draws a uniformly random non-zero scalar.
func randomScalar() (*Scalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("pre: random scalar: %w", err)
		}
		var s Scalar
		overflow := s.SetBytes((*[32]byte)(&buf))
		if overflow == 0 && !s.IsZero() {
			return &s, nil
		}
	}
}

// scalarFromDigest reduces a 32-byte digest modulo the group order. Used to
// turn a keccak256 hash into a polynomial coefficient or challenge scalar.
func scalarFromDigest(digest [32]byte) *Scalar {
	var s Scalar
	s.SetBytes(&digest)
	return &s
}

// basePoint returns the curve generator G in Jacobian form.
func basePoint() *Point {
	var g Point
	secp256k1.ScalarBaseMultNonConst(new(Scalar).SetInt(1), &g)
	return &g
}

// scalarBaseMult computes k*G.
func scalarBaseMult(k *Scalar) *Point {
	var result Point
	secp256k1.ScalarBaseMultNonConst(k, &result)
	return &result
}

// scalarMult computes k*P for an arbitrary point P.
func scalarMult(k *Scalar, p *Point) *Point {
	q := *p
	q.ToAffine()
	var jac Point
	jac.X.Set(&q.X)
	jac.Y.Set(&q.Y)
	jac.Z.SetInt(1)

	var result Point
	secp256k1.ScalarMultNonConst(k, &jac, &result)
	return &result
}

// addPoints computes P+Q.
func addPoints(p, q *Point) *Point {
	a := *p
	b := *q
	a.ToAffine()
	b.ToAffine()
	var aj, bj Point
	aj.X.Set(&a.X)
	aj.Y.Set(&a.Y)
	aj.Z.SetInt(1)
	bj.X.Set(&b.X)
	bj.Y.Set(&b.Y)
	bj.Z.SetInt(1)

	var result Point
	secp256k1.AddNonConst(&aj, &bj, &result)
	return &result
}

// encodePoint returns the 33-byte compressed encoding of p, matching the
// PublicKey:[u8;33] field of the node-record wire format (spec §4.2/§6).
func encodePoint(p *Point) [33]byte {
	q := *p
	q.ToAffine()
	pub := secp256k1.NewPublicKey(&q.X, &q.Y)
	var out [33]byte
	copy(out[:], pub.SerializeCompressed())
	return out
}

// decodePoint parses a 33-byte compressed point.
func decodePoint(b []byte) (*Point, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("pre: decode point: %w", err)
	}
	var jac Point
	pub.AsJacobian(&jac)
	return &jac, nil
}

// encodeScalar returns the 32-byte big-endian encoding of s.
func encodeScalar(s *Scalar) [32]byte {
	return s.Bytes()
}

func decodeScalar(b []byte) (*Scalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("pre: scalar must be 32 bytes, got %d", len(b))
	}
	var s Scalar
	overflow := s.SetBytes((*[32]byte)(b))
	if overflow != 0 {
		return nil, fmt.Errorf("pre: scalar overflows group order")
	}
	return &s, nil
}

// negatePoint returns -P (same X, negated Y).
func negatePoint(p *Point) *Point {
	q := *p
	q.ToAffine()
	var neg Point
	neg.X.Set(&q.X)
	neg.Y.Set(&q.Y).Negate(1).Normalize()
	neg.Z.SetInt(1)
	return &neg
}

// negatePointAdd computes a - b.
func negatePointAdd(a, b *Point) *Point {
	return addPoints(a, negatePoint(b))
}

// fiatShamirChallenge derives the DLEQ proof challenge by hashing every
// public value the proof binds together, so the challenge cannot be chosen
// independently of the commitments (the Fiat-Shamir heuristic).
func fiatShamirChallenge(u, cfrag, tG, tE *Point, context []byte) *Scalar {
	h := keccak256(
		encodePoint(u)[:],
		encodePoint(cfrag)[:],
		encodePoint(tG)[:],
		encodePoint(tE)[:],
		context,
	)
	return scalarFromDigest(h)
}

func pointsEqual(p, q *Point) bool {
	a := *p
	b := *q
	a.ToAffine()
	b.ToAffine()
	return a.X.Equals(&b.X) && a.Y.Equals(&b.Y)
}
