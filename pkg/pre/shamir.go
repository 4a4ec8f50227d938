package pre

// polynomial is a Shamir secret-sharing polynomial over the secp256k1 scalar
// field. coeffs[0] is the secret; generate_kfrags (spec §4.1) splits the
// per-policy re-encryption key this way so that any m of n shares recombine
// it and any fewer reveal nothing.
type polynomial struct {
	coeffs []*Scalar
}

// newPolynomial builds a degree (m-1) polynomial with the given secret as the
// constant term and freshly-random higher coefficients.
func newPolynomial(secret *Scalar, m int) (*polynomial, error) {
	coeffs := make([]*Scalar, m)
	coeffs[0] = secret
	for i := 1; i < m; i++ {
		c, err := randomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	return &polynomial{coeffs: coeffs}, nil
}

// evaluate computes f(x) via Horner's method. x is a small share index
// (1..n); x=0 would leak the secret and is never used.
func (p *polynomial) evaluate(x uint16) *Scalar {
	var xs Scalar
	xs.SetInt(uint32(x))

	acc := new(Scalar).Set(p.coeffs[len(p.coeffs)-1])
	for i := len(p.coeffs) - 2; i >= 0; i-- {
		acc.Mul(&xs)
		acc.Add(p.coeffs[i])
	}
	return acc
}

// lagrangeCoefficient computes the Lagrange basis coefficient for share index
// x within the set of indices xs, evaluated at 0 — i.e. the weight that
// recombines f(0) from {f(x) : x in xs}.
func lagrangeCoefficient(x uint16, xs []uint16) *Scalar {
	num := new(Scalar).SetInt(1)
	den := new(Scalar).SetInt(1)

	var xScalar Scalar
	xScalar.SetInt(uint32(x))

	for _, xj := range xs {
		if xj == x {
			continue
		}
		var xjScalar Scalar
		xjScalar.SetInt(uint32(xj))

		// num *= (0 - xj) = -xj
		negXj := new(Scalar).Set(&xjScalar).Negate()
		num.Mul(negXj)

		// den *= (x - xj)
		diff := new(Scalar).Set(&xScalar)
		diff.Add(negXj)
		den.Mul(diff)
	}

	denInv := new(Scalar).InverseValNonConst(den)
	return num.Mul(denInv)
}

// combineShares recombines the secret f(0) from m or more (index, share)
// pairs via Lagrange interpolation at x=0. Exactly the arithmetic spec §8
// property 2 requires: any subset of size >= m succeeds.
func combineShares(shares map[uint16]*Scalar) *Scalar {
	indices := make([]uint16, 0, len(shares))
	for idx := range shares {
		indices = append(indices, idx)
	}

	acc := new(Scalar).SetInt(0)
	for _, idx := range indices {
		coeff := lagrangeCoefficient(idx, indices)
		term := new(Scalar).Set(shares[idx])
		term.Mul(coeff)
		acc.Add(term)
	}
	return acc
}

// combinePoints recombines a point (e.g. a set of attached CFrag points) via
// the same Lagrange weights, used by Decrypt to reconstruct rk*E without ever
// learning rk itself.
func combinePoints(points map[uint16]*Point) *Point {
	indices := make([]uint16, 0, len(points))
	for idx := range points {
		indices = append(indices, idx)
	}

	var acc *Point
	for _, idx := range indices {
		coeff := lagrangeCoefficient(idx, indices)
		term := scalarMult(coeff, points[idx])
		if acc == nil {
			acc = term
		} else {
			acc = addPoints(acc, term)
		}
	}
	return acc
}
