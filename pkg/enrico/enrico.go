// Package enrico implements the data-source encryptor character of spec §1:
// "a fourth principal (Enrico) is a data-source encryptor." Enrico never
// negotiates a policy or holds a KFrag; it only knows a policy's public key
// and produces signed MessageKits under it, the bundle a delegatee later
// feeds into retrieval (spec §3 "MessageKit", §4.4 "retrieve(message_kit,
// ...)").
package enrico

import (
	"fmt"

	"github.com/threshold-net/pre-client/pkg/pre"
)

// Enrico encrypts plaintext under a single policy's public key and signs
// the resulting ciphertext with its own stamp, so a delegatee can tell the
// message came from this source and not an impostor.
type Enrico struct {
	provider pre.Provider
	signer   *pre.Signer
	policyPK *pre.PublicKey
}

// New binds an Enrico to one policy. A single delegator label/policy
// typically has exactly one data source, per the source's own
// one-Enrico-per-policy convention; nothing here prevents reuse across
// policies by constructing a new Enrico for each policyPK.
func New(provider pre.Provider, signer *pre.Signer, policyPK *pre.PublicKey) *Enrico {
	return &Enrico{provider: provider, signer: signer, policyPK: policyPK}
}

// MessageKit bundles a capsule, its ciphertext, the sender's verifying key,
// and the policy public key it was encrypted under (spec §3). Signed by the
// sender over the ciphertext so any holder can check provenance without
// decrypting.
type MessageKit struct {
	Capsule    *pre.Capsule
	Ciphertext []byte
	SenderVK   *pre.PublicKey
	PolicyPK   *pre.PublicKey
	Signature  []byte
}

// EncryptMessage implements the data source's half of spec §4.4's data
// flow: "Enrico → (capsule, ciphertext) → Bob."
func (e *Enrico) EncryptMessage(plaintext []byte) (*MessageKit, error) {
	capsule, ciphertext, err := e.provider.Encrypt(e.policyPK, plaintext)
	if err != nil {
		return nil, fmt.Errorf("enrico: encrypt_message: %w", err)
	}
	sig, err := e.provider.Sign(e.signer, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("enrico: encrypt_message: %w", err)
	}
	return &MessageKit{
		Capsule:    capsule,
		Ciphertext: ciphertext,
		SenderVK:   e.signer.PublicKey(),
		PolicyPK:   e.policyPK,
		Signature:  sig,
	}, nil
}

// Verify checks the sender's signature over the ciphertext, the step
// retrieval performs before attempting to decrypt (spec §4.4 step 6:
// "Verify the Enrico signature on the message kit").
func (mk *MessageKit) Verify(provider pre.Provider) bool {
	return provider.Verify(mk.SenderVK, mk.Ciphertext, mk.Signature)
}
