package pre

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// aeadSeal encrypts plaintext under a 32-byte key derived from the PRE
// shared point, prefixing the nonce to the ciphertext. AES-256-GCM is the
// standard-library AEAD; the teacher's own KEM wrappers (pkg/cbmpc/kem.go)
// likewise hand the shared secret to a conventional symmetric primitive
// rather than inventing one.
func aeadSeal(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("pre: aead seal: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pre: aead seal: %w", err)
	}
	nonce, err := randomNonce(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("pre: aead seal: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

func aeadOpen(key [32]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("pre: aead open: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pre: aead open: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("pre: aead open: ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("pre: aead open: %w", err)
	}
	return plaintext, nil
}
