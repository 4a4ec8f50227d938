// Package pre implements the abstract Crypto Provider contract from spec §4.1:
// threshold proxy re-encryption primitives (key generation, KFrag issuance,
// encryption, reencryption, correctness-checked attachment, and decryption)
// plus signing and the keccak256 digest the rest of the network uses for
// policy identifiers. The package treats PRE as a pluggable Provider
// interface and ships one concrete, curve-backed implementation
// (Secp256k1Provider) — the same posture the teacher takes toward its own
// MPC backend: a narrow Go interface in front of real elliptic-curve math.
package pre

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"

	"github.com/threshold-net/pre-client/pkg/preerr"
)

// PrivateKey and PublicKey are opaque handles over secp256k1 key material.
// Delegating keys, receiving keys, and signing keys (the "signer"/"stamp" of
// spec §4.1 and §9) all use the same pair of types.
type PrivateKey struct{ key *btcec.PrivateKey }

type PublicKey struct{ point *Point }

// GenerateKeyPair creates a fresh secp256k1 keypair, used for delegating,
// receiving, and signing keys alike.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("pre: generate keypair: %w", err)
	}
	return wrapPrivate(sk), derivePublic(sk), nil
}

func wrapPrivate(sk *btcec.PrivateKey) *PrivateKey { return &PrivateKey{key: sk} }

func derivePublic(sk *btcec.PrivateKey) *PublicKey {
	pub := sk.PubKey()
	var jac Point
	pub.AsJacobian(&jac)
	return &PublicKey{point: &jac}
}

// Bytes returns the 33-byte compressed public key, the exact wire width of
// NodeRecord.verifying_key / encrypting_key (spec §4.2).
func (p *PublicKey) Bytes() [33]byte {
	if p == nil || p.point == nil {
		return [33]byte{}
	}
	return encodePoint(p.point)
}

// Point exposes the underlying curve point. Callers outside this package
// need it to assemble CorrectnessKeys from a policy/receiving/verifying
// public key rather than from a KFrag's already-bound points (spec §4.4
// step 1: retrieval sets the capsule's correctness keys from public keys it
// already holds, before any KFrag has been seen).
func (p *PublicKey) Point() *Point { return p.point }

// PublicKeyFromPoint is Point's inverse: it wraps a curve point already held
// elsewhere (e.g. a KFrag's bound VerifyingPK) back into a *PublicKey so it
// can be passed to Verify. A proxy checking a revocation token's signature
// against the delegator's verifying key — carried on the KFrag, not as a
// standalone PublicKey — needs exactly this (spec §3/§4.3).
func PublicKeyFromPoint(pt *Point) *PublicKey { return &PublicKey{point: pt} }

// PublicKeyFromBytes parses a 33-byte compressed public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	pt, err := decodePoint(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{point: pt}, nil
}

// Public derives the public key matching sk.
func (sk *PrivateKey) Public() *PublicKey {
	return derivePublic(sk.key)
}

func (p *PrivateKey) scalar() *Scalar {
	var s Scalar
	s.SetByteSlice(p.key.Serialize())
	return &s
}

// Signer pairs a private signing key with its public "stamp" (spec §9:
// "Character capability ... sign, verify_from"). It is what generate_kfrags'
// `signer` parameter and every NodeRecord's interface_signature ultimately
// reduce to.
type Signer struct {
	sk *PrivateKey
}

func NewSigner(sk *PrivateKey) *Signer { return &Signer{sk: sk} }

// PublicKey returns the verifying key ("stamp") matching signer.
func (s *Signer) PublicKey() *PublicKey { return s.sk.Public() }

// Provider is the abstract Crypto Provider contract of spec §4.1. Every
// method fails with a *CryptoError (wrapping preerr.ErrCrypto) on malformed
// input.
type Provider interface {
	DerivePolicyKey(delegatingSK *PrivateKey, label []byte) (*PublicKey, error)
	GenerateKFrags(delegatingSK *PrivateKey, receivingPK *PublicKey, signer *Signer, label []byte, m, n int) (*PublicKey, []*KFrag, error)
	Encrypt(policyPK *PublicKey, plaintext []byte) (*Capsule, []byte, error)
	Reencrypt(kfrag *KFrag, capsule *Capsule) (*CFrag, error)
	AttachCFrag(capsule *Capsule, cfrag *CFrag, keys CorrectnessKeys) error
	Decrypt(capsule *Capsule, ciphertext []byte, receivingSK *PrivateKey) ([]byte, error)
	Sign(signer *Signer, message []byte) ([]byte, error)
	Verify(verifyingPK *PublicKey, message, signature []byte) bool
	Keccak256(parts ...[]byte) [32]byte
}

// Secp256k1Provider is the reference Provider backed by secp256k1 curve
// arithmetic (github.com/btcsuite/btcd/btcec/v2,
// github.com/decred/dcrd/dcrec/secp256k1/v4) and keccak256
// (golang.org/x/crypto/sha3), exactly the stack the teacher's own go.mod
// pulls in for curve and hashing work.
type Secp256k1Provider struct{}

func NewProvider() *Secp256k1Provider { return &Secp256k1Provider{} }

var _ Provider = (*Secp256k1Provider)(nil)

// CryptoError wraps preerr.ErrCrypto with the offending operation name.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string  { return fmt.Sprintf("pre: %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error  { return preerr.ErrCrypto }
func cryptoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CryptoError{Op: op, Err: err}
}

// DerivePolicyKey deterministically derives the per-label policy public key
// from the delegator's delegating key, per spec: "reproducible from
// delegator's delegating key + label". The per-label scalar is
// keccak256(delegating_sk || label) reduced mod the group order, added to
// the delegating secret, then exponentiated — so the same (sk, label) always
// yields the same policy_pk, and label acts as a domain separator.
func (p *Secp256k1Provider) DerivePolicyKey(delegatingSK *PrivateKey, label []byte) (*PublicKey, error) {
	if delegatingSK == nil {
		return nil, cryptoErr("derive_policy_key", fmt.Errorf("nil delegating key"))
	}
	policySK := policyScalar(delegatingSK, label)
	return &PublicKey{point: scalarBaseMult(policySK)}, nil
}

func policyScalar(delegatingSK *PrivateKey, label []byte) *Scalar {
	digest := keccak256(delegatingSK.key.Serialize(), label)
	offset := scalarFromDigest(digest)
	sk := delegatingSK.scalar()
	out := new(Scalar).Set(sk)
	out.Add(offset)
	return out
}

// GenerateKFrags splits the policy's re-encryption key into n Shamir shares,
// any m of which recombine it (spec §4.1, §8 property 2). Each share is
// wrapped into a KFrag bound to (policy_pk, receiving_pk, verifying_pk) and
// certified with signer's signature, so a later AttachCFrag can prove the
// share was genuinely issued for this exact policy.
func (p *Secp256k1Provider) GenerateKFrags(delegatingSK *PrivateKey, receivingPK *PublicKey, signer *Signer, label []byte, m, n int) (*PublicKey, []*KFrag, error) {
	if delegatingSK == nil || receivingPK == nil || signer == nil {
		return nil, nil, cryptoErr("generate_kfrags", fmt.Errorf("nil argument"))
	}
	if m < 1 || m > n {
		return nil, nil, cryptoErr("generate_kfrags", fmt.Errorf("invalid threshold m=%d n=%d", m, n))
	}

	policySK := policyScalar(delegatingSK, label)
	policyPK := &PublicKey{point: scalarBaseMult(policySK)}

	poly, err := newPolynomial(policySK, m)
	if err != nil {
		return nil, nil, cryptoErr("generate_kfrags", err)
	}

	verifyingPK := derivePublic(signer.sk.key)

	kfrags := make([]*KFrag, n)
	for i := 0; i < n; i++ {
		id := uint16(i + 1)
		share := poly.evaluate(id)
		commitment := scalarBaseMult(share)

		digest := certificateDigest(id, commitment, policyPK.point, receivingPK.point, verifyingPK.point, label)
		sig, err := signDigest(signer.sk, digest)
		if err != nil {
			return nil, nil, cryptoErr("generate_kfrags", err)
		}

		kfrags[i] = &KFrag{
			ID:          id,
			rk:          share,
			Commitment:  commitment,
			PolicyPK:    policyPK.point,
			ReceivingPK: receivingPK.point,
			VerifyingPK: verifyingPK.point,
			Signature:   sig,
			Label:       append([]byte(nil), label...),
		}
	}

	return policyPK, kfrags, nil
}

// Encrypt produces a capsule and AEAD ciphertext under policyPK. The shared
// secret is derived via ECDH-style scalar multiplication (k*policyPK) and
// stretched with keccak256, then used as an AES-256-GCM key — the same
// "KEM then AEAD" shape as the teacher's own RSAKEM, generalized from RSA-OAEP
// to curve-point ECDH.
func (p *Secp256k1Provider) Encrypt(policyPK *PublicKey, plaintext []byte) (*Capsule, []byte, error) {
	if policyPK == nil {
		return nil, nil, cryptoErr("encrypt", fmt.Errorf("nil policy key"))
	}
	k, err := randomScalar()
	if err != nil {
		return nil, nil, cryptoErr("encrypt", err)
	}
	e := scalarBaseMult(k)
	shared := scalarMult(k, policyPK.point)

	key := keccak256(encodePoint(shared)[:], []byte("prenet-symmetric-key"))
	ct, err := aeadSeal(key, plaintext)
	if err != nil {
		return nil, nil, cryptoErr("encrypt", err)
	}

	return newCapsule(e), ct, nil
}

// Reencrypt applies kfrag's share to capsule, producing a CFrag and its
// Chaum-Pedersen correctness proof. Pure and side-effect free: the caller
// verifies origin and correctness separately via AttachCFrag (spec §4.1).
func (p *Secp256k1Provider) Reencrypt(kfrag *KFrag, capsule *Capsule) (*CFrag, error) {
	if kfrag == nil || capsule == nil || kfrag.rk == nil {
		return nil, cryptoErr("reencrypt", fmt.Errorf("nil argument"))
	}
	point := scalarMult(kfrag.rk, capsule.E)

	context := keccak256(encodePoint(kfrag.PolicyPK)[:], encodePoint(kfrag.ReceivingPK)[:])
	proof, err := proveDLEQ(kfrag.rk, capsule.E, kfrag.Commitment, point, context[:])
	if err != nil {
		return nil, cryptoErr("reencrypt", err)
	}

	return &CFrag{
		KFragID:     kfrag.ID,
		Point:       point,
		Commitment:  kfrag.Commitment,
		PolicyPK:    kfrag.PolicyPK,
		ReceivingPK: kfrag.ReceivingPK,
		VerifyingPK: kfrag.VerifyingPK,
		Signature:   kfrag.Signature,
		Proof:       proof,
		label:       kfrag.Label,
	}, nil
}

// AttachCFrag verifies cfrag's certificate and correctness proof against
// keys, then attaches it to capsule. Two independent checks must both pass:
//
//  1. The copied KFrag certificate (id, commitment, policy/receiving/
//     verifying keys) is signed by keys.Verifying and binds exactly to
//     keys.Delegating/keys.Receiving — this is what rejects a CFrag produced
//     from a KFrag belonging to a different policy (spec §8 E3).
//  2. The Chaum-Pedersen proof shows cfrag.Point uses the same scalar as
//     cfrag.Commitment — this is what rejects a CFrag whose point was
//     tampered with after reencryption.
//
// Either failure returns an error wrapping preerr.ErrIncorrectCFrag carrying
// IndisputableEvidence for external dispute.
func (p *Secp256k1Provider) AttachCFrag(capsule *Capsule, cfrag *CFrag, keys CorrectnessKeys) error {
	if capsule == nil || cfrag == nil {
		return cryptoErr("attach_cfrag", fmt.Errorf("nil argument"))
	}
	if capsule.isPoisoned() {
		return cryptoErr("attach_cfrag", fmt.Errorf("capsule is poisoned"))
	}

	if !pointsEqual(cfrag.PolicyPK, keys.Delegating) ||
		!pointsEqual(cfrag.ReceivingPK, keys.Receiving) ||
		!pointsEqual(cfrag.VerifyingPK, keys.Verifying) {
		return incorrectCFragErr(capsule, cfrag, "cfrag is bound to a different policy/receiver/verifier")
	}

	digest := certificateDigest(cfrag.KFragID, cfrag.Commitment, cfrag.PolicyPK, cfrag.ReceivingPK, cfrag.VerifyingPK, cfrag.label)
	if !verifyDigest(PublicKeyFromPoint(keys.Verifying), digest, cfrag.Signature) {
		return incorrectCFragErr(capsule, cfrag, "kfrag certificate signature does not verify")
	}

	context := keccak256(encodePoint(cfrag.PolicyPK)[:], encodePoint(cfrag.ReceivingPK)[:])
	if !verifyDLEQ(cfrag.Proof, capsule.E, cfrag.Commitment, cfrag.Point, context[:]) {
		return incorrectCFragErr(capsule, cfrag, "correctness proof rejected")
	}

	capsule.attach(cfrag)
	return nil
}

// incorrectCFragErr wraps preerr.ErrIncorrectCFrag with the evidence needed
// to dispute the offending proxy (spec §1/§4.4): the capsule's E point and
// the full cfrag bytes, exactly as seen. The proxy's address isn't known at
// this layer — the caller (pkg/retrieval's dispatch) fills Evidence.
// OffendingProxy once it attributes the error to a specific destination.
// Returning the struct itself (not a %v rendering of it) via %w keeps it in
// the error chain, so errors.As recovers the evidence.
func incorrectCFragErr(capsule *Capsule, cfrag *CFrag, reason string) error {
	encodedCFrag, _ := EncodeCFrag(cfrag)
	e := capsule.EncodedE()
	return fmt.Errorf("%s: %w", reason, &preerr.IncorrectCFragError{
		Evidence: preerr.IndisputableEvidence{
			Capsule: e[:],
			CFrag:   encodedCFrag,
		},
	})
}

// Decrypt reconstructs the policy's shared secret from >= m attached CFrags
// via Lagrange interpolation and opens the AEAD ciphertext. Fails if fewer
// than m CFrags are attached, since the interpolation would not recover the
// right point; the retrieval layer (spec §4.4) is responsible for not
// calling Decrypt until it has reached threshold.
//
// receivingSK is accepted per the Provider contract (spec §4.1) and used to
// assert that this capsule's correctness keys were in fact bound to the
// caller's own keypair — a capsule decrypted with the wrong receiving key is
// a caller bug, not a cryptographic failure, and is rejected early rather
// than producing garbage plaintext.
func (p *Secp256k1Provider) Decrypt(capsule *Capsule, ciphertext []byte, receivingSK *PrivateKey) ([]byte, error) {
	if capsule == nil || receivingSK == nil {
		return nil, cryptoErr("decrypt", fmt.Errorf("nil argument"))
	}
	keys := capsule.CorrectnessKeys()
	if keys == nil {
		return nil, cryptoErr("decrypt", fmt.Errorf("correctness keys not set"))
	}
	ownPK := derivePublic(receivingSK.key)
	if !pointsEqual(ownPK.point, keys.Receiving) {
		return nil, cryptoErr("decrypt", fmt.Errorf("capsule is not bound to this receiving key"))
	}

	points := capsule.snapshotPoints()
	if len(points) == 0 {
		return nil, cryptoErr("decrypt", fmt.Errorf("no cfrags attached"))
	}

	// combined == rk(0)*E == policySK*k*G == k*policyPK, the same point
	// Encrypt derived on the delegator's side via k*policyPK.
	combined := combinePoints(points)
	key := keccak256(encodePoint(combined)[:], []byte("prenet-symmetric-key"))
	plaintext, err := aeadOpen(key, ciphertext)
	if err != nil {
		return nil, cryptoErr("decrypt", err)
	}
	return plaintext, nil
}

// Sign produces a deterministic ECDSA signature (RFC 6979) over message.
func (p *Secp256k1Provider) Sign(signer *Signer, message []byte) ([]byte, error) {
	if signer == nil {
		return nil, cryptoErr("sign", fmt.Errorf("nil signer"))
	}
	digest := keccak256(message)
	return signDigest(signer.sk, digest)
}

// Verify checks an ECDSA signature produced by Sign.
func (p *Secp256k1Provider) Verify(verifyingPK *PublicKey, message, signature []byte) bool {
	digest := keccak256(message)
	return verifyDigest(verifyingPK, digest, signature)
}

// Keccak256 is the digest spec §4.1 and the GLOSSARY use throughout for HRAC
// and MapId derivation.
func (p *Secp256k1Provider) Keccak256(parts ...[]byte) [32]byte {
	return keccak256(parts...)
}

func keccak256(parts ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, part := range parts {
		h.Write(part)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func signDigest(sk *PrivateKey, digest [32]byte) ([]byte, error) {
	sig := ecdsa.Sign(sk.key, digest[:])
	return sig.Serialize(), nil
}

func verifyDigest(pk *PublicKey, digest [32]byte, sig []byte) bool {
	if pk == nil || pk.point == nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	q := *pk.point
	q.ToAffine()
	pubKey := secp256k1.NewPublicKey(&q.X, &q.Y)
	return parsed.Verify(digest[:], pubKey)
}

func randomNonce(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
