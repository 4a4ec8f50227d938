package node_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threshold-net/pre-client/pkg/node"
	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

func mustECDSAKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// selfSignedCert builds a minimal self-signed certificate with the given CN,
// using the same keypair it certifies — enough to exercise CN-binding
// verification without a real CA.
func selfSignedCert(t *testing.T, cn string) []byte {
	t.Helper()
	sk, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_ = sk

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	// x509 certificate generation requires a crypto/ecdsa or rsa key, which
	// our btcec-backed PrivateKey does not expose; this reference
	// certificate is signed with a throwaway stdlib key purely to produce
	// well-formed DER for the CN-binding check under test.
	derKey := mustECDSAKey(t)
	der, err := x509.CreateCertificate(rand.Reader, template, template, derKey.Public(), derKey)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	provider := pre.NewProvider()
	sk, pk, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	encSK, encPK, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_ = encSK

	signer := pre.NewSigner(sk)
	rest := node.RestInterface{Host: "ursula.example.com", Port: 9151}
	ts := uint32(time.Now().Unix())

	sig, err := node.Sign(provider, signer, rest, ts)
	require.NoError(t, err)

	addr := node.CanonicalAddress(provider, pk.Bytes(), encPK.Bytes())
	cert := selfSignedCert(t, fmt.Sprintf("%x", addr[:]))

	r := &node.Record{
		Version:          node.CurrentVersion,
		CanonicalAddress: addr,
		Domains:          []string{"mainnet"},
		Timestamp:        ts,
		InterfaceSig:     sig,
		IdentityEvidence: []byte("NOT_SIGNED"),
		VerifyingKey:     pk.Bytes(),
		EncryptingKey:    encPK.Bytes(),
		Certificate:      cert,
		RestInterface:    rest,
	}

	wire, err := node.Encode(r)
	require.NoError(t, err)

	decoded, err := node.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, r.CanonicalAddress, decoded.CanonicalAddress)
	require.Equal(t, r.Domains, decoded.Domains)
	require.Equal(t, r.Timestamp, decoded.Timestamp)
	require.Equal(t, r.RestInterface, decoded.RestInterface)
	require.True(t, decoded.Federated())

	err = node.Verify(provider, decoded, nil, time.Now())
	require.NoError(t, err)
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	r := &node.Record{
		Version:          node.LearnerVersion + 1,
		CanonicalAddress: [20]byte{0xAB, 0xCD},
	}
	wire, err := node.Encode(r)
	require.NoError(t, err)

	decoded, err := node.Decode(wire)
	require.Error(t, err)
	require.ErrorAs(t, err, new(*preerr.FromTheFutureError))
	// even on failure, the address is salvaged for diagnostics
	require.Equal(t, r.CanonicalAddress, decoded.CanonicalAddress)
}

func TestVerifyRejectsTamperedInterfaceSignature(t *testing.T) {
	provider := pre.NewProvider()
	sk, pk, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_, encPK, err := pre.GenerateKeyPair()
	require.NoError(t, err)

	signer := pre.NewSigner(sk)
	rest := node.RestInterface{Host: "ursula.example.com", Port: 9151}
	ts := uint32(time.Now().Unix())
	sig, err := node.Sign(provider, signer, rest, ts)
	require.NoError(t, err)

	addr := node.CanonicalAddress(provider, pk.Bytes(), encPK.Bytes())
	cert := selfSignedCert(t, fmt.Sprintf("%x", addr[:]))

	r := &node.Record{
		Version:          node.CurrentVersion,
		CanonicalAddress: addr,
		Timestamp:        ts,
		InterfaceSig:     sig,
		IdentityEvidence: []byte("NOT_SIGNED"),
		VerifyingKey:     pk.Bytes(),
		EncryptingKey:    encPK.Bytes(),
		Certificate:      cert,
		RestInterface:    node.RestInterface{Host: "attacker.example.com", Port: 9151},
	}

	err = node.Verify(provider, r, nil, time.Now())
	require.ErrorIs(t, err, preerr.ErrInvalidNode)
}

func TestVerifyRequiresStakingVerifierForStakedRecord(t *testing.T) {
	provider := pre.NewProvider()
	sk, pk, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_, encPK, err := pre.GenerateKeyPair()
	require.NoError(t, err)

	signer := pre.NewSigner(sk)
	rest := node.RestInterface{Host: "ursula.example.com", Port: 9151}
	ts := uint32(time.Now().Unix())
	sig, err := node.Sign(provider, signer, rest, ts)
	require.NoError(t, err)

	addr := node.CanonicalAddress(provider, pk.Bytes(), encPK.Bytes())
	cert := selfSignedCert(t, fmt.Sprintf("%x", addr[:]))

	r := &node.Record{
		Version:          node.CurrentVersion,
		CanonicalAddress: addr,
		Timestamp:        ts,
		InterfaceSig:     sig,
		IdentityEvidence: []byte("some-staking-proof"),
		VerifyingKey:     pk.Bytes(),
		EncryptingKey:    encPK.Bytes(),
		Certificate:      cert,
		RestInterface:    rest,
	}

	err = node.Verify(provider, r, nil, time.Now())
	require.ErrorIs(t, err, preerr.ErrPowerUp)
}
