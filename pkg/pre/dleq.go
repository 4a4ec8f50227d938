package pre

// dleqProof is a non-interactive Chaum-Pedersen proof of discrete-log
// equality: it shows that the same scalar rk satisfies both U = rk*G and
// C' = rk*E, without revealing rk. Ursula computes this at Reencrypt time;
// Bob checks it in AttachCFrag. This is the correctness check spec §4.1
// calls out: "fails with IncorrectCFrag carrying evidence... when the
// correctness proof rejects."
type dleqProof struct {
	challenge *Scalar
	response  *Scalar
}

// proveDLEQ proves that cfragPoint = rk*capsuleE given commitment = rk*G,
// binding the proof to the policy/receiver/verifier context so a proof
// cannot be replayed across policies.
func proveDLEQ(rk *Scalar, capsuleE, commitment, cfragPoint *Point, context []byte) (*dleqProof, error) {
	t, err := randomScalar()
	if err != nil {
		return nil, err
	}
	tG := scalarBaseMult(t)
	tE := scalarMult(t, capsuleE)

	e := fiatShamirChallenge(commitment, cfragPoint, tG, tE, context)

	// z = t + e*rk
	z := new(Scalar).Set(e)
	z.Mul(rk)
	z.Add(t)

	return &dleqProof{challenge: e, response: z}, nil
}

// verifyDLEQ recomputes the prover's commitments from (challenge, response)
// and checks the Fiat-Shamir challenge matches, proving rk is consistent
// between U and C' without the verifier ever learning rk.
func verifyDLEQ(proof *dleqProof, capsuleE, commitment, cfragPoint *Point, context []byte) bool {
	if proof == nil || proof.challenge == nil || proof.response == nil {
		return false
	}

	// tG' = z*G - e*U
	zG := scalarBaseMult(proof.response)
	eU := scalarMult(proof.challenge, commitment)
	tGPrime := negatePointAdd(zG, eU)

	// tE' = z*E - e*C'
	zE := scalarMult(proof.response, capsuleE)
	eC := scalarMult(proof.challenge, cfragPoint)
	tEPrime := negatePointAdd(zE, eC)

	expected := fiatShamirChallenge(commitment, cfragPoint, tGPrime, tEPrime, context)
	return expected.Equals(proof.challenge)
}
