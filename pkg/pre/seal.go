package pre

import "fmt"

// SealToRecipient is plain ECDH + AEAD asymmetric encryption, distinct from
// the threshold Encrypt/Decrypt pair above: it has exactly one recipient and
// involves no KFrags or CFrags. Spec §4.3 uses it to encrypt a TreasureMap
// "to the delegatee's encrypting_key" — a one-shot seal, not a policy.
func SealToRecipient(recipientPK *PublicKey, plaintext []byte) ([]byte, error) {
	if recipientPK == nil {
		return nil, cryptoErr("seal_to_recipient", fmt.Errorf("nil recipient key"))
	}
	k, err := randomScalar()
	if err != nil {
		return nil, cryptoErr("seal_to_recipient", err)
	}
	ephemeral := scalarBaseMult(k)
	shared := scalarMult(k, recipientPK.point)
	key := keccak256(encodePoint(shared)[:], []byte("prenet-seal-key"))

	sealed, err := aeadSeal(key, plaintext)
	if err != nil {
		return nil, cryptoErr("seal_to_recipient", err)
	}

	ephemeralBytes := encodePoint(ephemeral)
	out := make([]byte, 0, len(ephemeralBytes)+len(sealed))
	out = append(out, ephemeralBytes[:]...)
	out = append(out, sealed...)
	return out, nil
}

// OpenAsRecipient reverses SealToRecipient using the recipient's private key.
func OpenAsRecipient(recipientSK *PrivateKey, sealed []byte) ([]byte, error) {
	if recipientSK == nil {
		return nil, cryptoErr("open_as_recipient", fmt.Errorf("nil recipient key"))
	}
	if len(sealed) < 33 {
		return nil, cryptoErr("open_as_recipient", fmt.Errorf("sealed payload too short"))
	}
	ephemeral, err := decodePoint(sealed[:33])
	if err != nil {
		return nil, cryptoErr("open_as_recipient", err)
	}
	shared := scalarMult(recipientSK.scalar(), ephemeral)
	key := keccak256(encodePoint(shared)[:], []byte("prenet-seal-key"))

	plaintext, err := aeadOpen(key, sealed[33:])
	if err != nil {
		return nil, cryptoErr("open_as_recipient", err)
	}
	return plaintext, nil
}
