package node

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

// StakingVerifier checks a record's identity_evidence against an on-chain
// staking registry. Federated deployments pass nil; staked deployments must
// supply one or every Verify call fails with ErrPowerUp (spec §9, Open
// Question: "staked mode with a nil StakingAgent").
type StakingVerifier interface {
	VerifyEvidence(operatorAddress [20]byte, evidence []byte) (staked bool, err error)
}

// MaxClockSkew bounds how far in the future a record's timestamp may be
// before Verify rejects it as suspicious.
const MaxClockSkew = 2 * time.Minute

// Verify checks a decoded Record end to end: the interface signature over
// rest_interface||timestamp, the TLS-certificate binding to
// canonical_address, and — when staking is unstubbed — the identity
// evidence. It returns the first failure; callers that need to salvage a
// nickname on failure should already have it from Decode.
func Verify(provider pre.Provider, r *Record, staking StakingVerifier, now time.Time) error {
	if r.Version > LearnerVersion {
		return fmt.Errorf("node: verify: %w", &preerr.FromTheFutureError{Version: r.Version, Nickname: r.Nickname()})
	}

	if t := time.Unix(int64(r.Timestamp), 0); t.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("node: verify: %w: timestamp %s is in the future", preerr.ErrSuspiciousActivity, t)
	}

	verifyingPK, err := pre.PublicKeyFromBytes(r.VerifyingKey[:])
	if err != nil {
		return fmt.Errorf("node: verify: %w: malformed verifying_key: %v", preerr.ErrInvalidNode, err)
	}
	payload := signingPayload(r.RestInterface, r.Timestamp)
	if !provider.Verify(verifyingPK, payload, r.InterfaceSig) {
		return fmt.Errorf("node: verify: %w: interface_signature does not verify", preerr.ErrInvalidNode)
	}

	if err := verifyCertificateBinding(r); err != nil {
		return fmt.Errorf("node: verify: %w: %v", preerr.ErrInvalidNode, err)
	}

	if !r.Federated() {
		if staking == nil {
			return fmt.Errorf("node: verify: %w: staked record but no StakingVerifier configured", preerr.ErrPowerUp)
		}
		ok, err := staking.VerifyEvidence(r.CanonicalAddress, r.IdentityEvidence)
		if err != nil {
			return fmt.Errorf("node: verify: %w: %v", preerr.ErrInvalidNode, err)
		}
		if !ok {
			return fmt.Errorf("node: verify: %w: identity_evidence rejected by staking registry", preerr.ErrInvalidNode)
		}
	}

	return nil
}

// verifyCertificateBinding checks that the record's TLS certificate's
// subject common name is the hex of the record's canonical_address field,
// tying the transport identity to the claimed one (spec §4.2: "the
// certificate's CN must equal the node's canonical address"). It does not
// re-derive that address from the record's keys.
func verifyCertificateBinding(r *Record) error {
	if len(r.Certificate) == 0 {
		return fmt.Errorf("empty certificate")
	}
	block, _ := pem.Decode(r.Certificate)
	if block == nil {
		return fmt.Errorf("certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("certificate does not parse: %w", err)
	}
	want := fmt.Sprintf("%x", r.CanonicalAddress[:])
	if cert.Subject.CommonName != want {
		return fmt.Errorf("certificate CN %q does not match canonical_address %q", cert.Subject.CommonName, want)
	}
	return nil
}

// CanonicalAddress derives the 20-byte canonical address used as a node's
// identifier: the trailing 20 bytes of keccak256(verifying_key ||
// encrypting_key), the same "hash the concatenated public keys" construction
// Ethereum-family identity schemes use and that the pack's eth2030 example
// leans on throughout.
func CanonicalAddress(provider pre.Provider, verifyingKey, encryptingKey [33]byte) [20]byte {
	digest := provider.Keccak256(verifyingKey[:], encryptingKey[:])
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}
