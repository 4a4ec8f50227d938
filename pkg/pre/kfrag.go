package pre

import "fmt"

// KFrag is one of the n shares of a policy's re-encryption key, produced by
// generate_kfrags (spec §4.1) and surrendered to a single proxy. Decrypt
// succeeds once any m distinct KFrags have been applied to a capsule via
// Reencrypt and attached via AttachCFrag.
type KFrag struct {
	ID uint16 // Shamir share index, 1..n

	rk *Scalar // the share itself; never serialized to proxies verbatim in cleartext over an unauthenticated channel, but owned exclusively by the proxy it was issued to

	// Commitment is U = rk*G, a public commitment to the share used by the
	// Chaum-Pedersen correctness proof.
	Commitment *Point

	// PolicyPK, ReceivingPK, VerifyingPK bind this share to the exact
	// policy it was issued for. AttachCFrag rejects any CFrag whose bound
	// keys disagree with the caller-supplied correctness keys — this is
	// what turns "a cfrag crafted from a different kfrag" (spec §8 E3)
	// into a detectable, provable failure instead of silent corruption.
	PolicyPK    *Point
	ReceivingPK *Point
	VerifyingPK *Point

	// Signature is the signer's (spec: "signer" param of generate_kfrags)
	// signature over the binding above, proving this KFrag was genuinely
	// issued by the delegator and not fabricated by a proxy.
	Signature []byte

	// Label is carried alongside the share so a later Reencrypt can stamp
	// it onto the resulting CFrag, letting AttachCFrag recompute the same
	// certificateDigest the signer originally signed.
	Label []byte
}

// certificateDigest is the exact byte sequence the issuing signer signs and
// every verifier re-derives, binding id, U, and the three correctness keys
// together so none of them can be swapped independently after issuance.
func certificateDigest(id uint16, commitment, policyPK, receivingPK, verifyingPK *Point, label []byte) [32]byte {
	idBytes := [2]byte{byte(id >> 8), byte(id)}
	u := encodePoint(commitment)
	p := encodePoint(policyPK)
	r := encodePoint(receivingPK)
	v := encodePoint(verifyingPK)
	return keccak256(idBytes[:], u[:], p[:], r[:], v[:], label)
}

// CFrag is the ciphertext-fragment a proxy produces by applying one KFrag to
// one Capsule (spec glossary: "m CFrags combine to decrypt").
type CFrag struct {
	KFragID uint16

	// Point is rk*E, the re-encrypted capsule contribution.
	Point *Point

	// Commitment, PolicyPK, ReceivingPK, VerifyingPK, Signature are copied
	// unchanged from the KFrag that produced this CFrag, so AttachCFrag can
	// re-verify the certificate without trusting the proxy.
	Commitment  *Point
	PolicyPK    *Point
	ReceivingPK *Point
	VerifyingPK *Point
	Signature   []byte

	// Proof is the Chaum-Pedersen DLEQ proof tying Point to Commitment under
	// the same rk, computed by the proxy at Reencrypt time.
	Proof *dleqProof

	// label is carried so the certificate digest can be recomputed;
	// EncodeCFrag writes it as the last wire field so the receiving side
	// can re-derive the signed digest.
	label []byte
}

func (k *KFrag) String() string {
	return fmt.Sprintf("KFrag{id=%d}", k.ID)
}
