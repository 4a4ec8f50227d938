package retrieval_test

import (
	"context"
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

	"github.com/threshold-net/pre-client/pkg/enrico"
	"github.com/threshold-net/pre-client/pkg/logging"
	"github.com/threshold-net/pre-client/pkg/network"
	"github.com/threshold-net/pre-client/pkg/node"
	"github.com/threshold-net/pre-client/pkg/policy"
	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
	"github.com/threshold-net/pre-client/pkg/retrieval"
	"github.com/threshold-net/pre-client/pkg/ursula"
)

// These scenarios are spec §8's E1-E6, built on pkg/network's mocknet in
// place of a real mTLS server (SPEC_FULL.md §8).

func selfSignedCertForTest(t *testing.T, addr [20]byte) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: fmt.Sprintf("%x", addr[:])},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

type testFleet struct {
	provider pre.Provider
	net      *network.Net
	client   network.UrsulaClient
	known    *node.KnownNodes
	learner  network.Learner
	proxies  []*ursula.Proxy
}

func bootFleet(t *testing.T, n int) *testFleet {
	t.Helper()
	provider := pre.NewProvider()
	net := network.NewNet()
	known := node.NewKnownNodes()

	tf := &testFleet{
		provider: provider,
		net:      net,
		client:   network.NewClient(net),
		known:    known,
		learner:  network.NewMockLearner(net, provider),
	}
	for i := 0; i < n; i++ {
		signingSK, _, err := pre.GenerateKeyPair()
		require.NoError(t, err)
		encSK, _, err := pre.GenerateKeyPair()
		require.NoError(t, err)
		addr := node.CanonicalAddress(provider, signingSK.Public().Bytes(), encSK.Public().Bytes())
		cert := selfSignedCertForTest(t, addr)

		p, err := ursula.Boot(provider, logging.Noop{}, ursula.BootConfig{
			SigningSK:    signingSK,
			EncryptingSK: encSK,
			Domains:      []string{"mainnet"},
			RestHost:     "ursula.example.com",
			RestPort:     uint16(9000 + i),
			Certificate:  cert,
		})
		require.NoError(t, err)
		net.Register(p)
		tf.proxies = append(tf.proxies, p)

		rec, err := node.Decode(p.NodeRecordBytes())
		require.NoError(t, err)
		known.Remember(rec)
	}
	return tf
}

// grantResult bundles everything a successful create->arrange->enact pass
// produces, so each scenario can drive retrieval from it.
type grantResult struct {
	policy      *policy.Policy
	kit         *policy.RevocationKit
	delegatorVK *pre.PublicKey
}

func grantPolicy(t *testing.T, fleet *testFleet, m, n int, label []byte) (grantResult, *pre.PrivateKey, *pre.PrivateKey) {
	t.Helper()
	delegatingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	receivingSK, receivingPK, err := pre.GenerateKeyPair() // Bob's decrypting key AND stamp
	require.NoError(t, err)
	alicesSigningSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	alicesSigner := pre.NewSigner(alicesSigningSK)

	pol, err := policy.CreatePolicy(context.Background(), fleet.provider, fleet.known,
		delegatingSK, receivingPK, alicesSigner, label, m, n,
		policy.ModeFederated, policy.Options{}, nil, time.Second)
	require.NoError(t, err)

	require.NoError(t, pol.MakeArrangements(context.Background(), fleet.client))
	require.True(t, pol.Enactable())

	_, kit, _, err := pol.Enact(context.Background(), fleet.client)
	require.NoError(t, err)

	return grantResult{policy: pol, kit: kit, delegatorVK: alicesSigner.PublicKey()}, delegatingSK, receivingSK
}

func newBob(t *testing.T, fleet *testFleet, receivingSK *pre.PrivateKey) *retrieval.Bob {
	t.Helper()
	return retrieval.NewBob(retrieval.Config{
		Provider:     fleet.provider,
		Log:          logging.Noop{},
		Known:        fleet.known,
		Client:       fleet.client,
		Learner:      fleet.learner,
		DecryptingSK: receivingSK,
		Stamp:        pre.NewSigner(receivingSK),
	})
}

func TestE1FederatedHappyPath(t *testing.T) {
	fleet := bootFleet(t, 3)
	label := []byte("vitals-feed")
	grant, _, receivingSK := grantPolicy(t, fleet, 2, 3, label)

	enricoSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	source := enrico.New(fleet.provider, pre.NewSigner(enricoSK), grant.policy.PolicyPK)
	mk, err := source.EncryptMessage([]byte("hello"))
	require.NoError(t, err)

	bob := newBob(t, fleet, receivingSK)
	plaintext, err := bob.Retrieve(context.Background(), grant.delegatorVK, label, mk)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)
	require.Equal(t, retrieval.StateDone, bob.State())
}

func TestE2ToleratesOneOfflineProxy(t *testing.T) {
	fleet := bootFleet(t, 3)
	label := []byte("vitals-feed")
	grant, _, receivingSK := grantPolicy(t, fleet, 2, 3, label)

	enricoSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	source := enrico.New(fleet.provider, pre.NewSigner(enricoSK), grant.policy.PolicyPK)
	mk, err := source.EncryptMessage([]byte("hello"))
	require.NoError(t, err)

	// Take one accepted proxy offline mid-retrieval (spec E2).
	fleet.net.SetDown(fleet.proxies[0].Address(), true)

	bob := newBob(t, fleet, receivingSK)
	plaintext, err := bob.Retrieve(context.Background(), grant.delegatorVK, label, mk)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)
}

// misbehavingProxy wraps an honest Ursula but reencrypts with a KFrag from
// an unrelated policy, simulating a proxy that returns "a cfrag crafted
// from a different kfrag" (spec E3).
type misbehavingProxy struct {
	*ursula.Proxy
	provider     pre.Provider
	foreignKFrag *pre.KFrag
}

func (m *misbehavingProxy) Reencrypt(ctx context.Context, wo network.WorkOrder) ([][]byte, error) {
	out := make([][]byte, 0, len(wo.Capsules))
	for _, ref := range wo.Capsules {
		capsule, err := pre.CapsuleFromEncodedE(ref.EncodedE)
		if err != nil {
			return nil, err
		}
		cfrag, err := m.provider.Reencrypt(m.foreignKFrag, capsule)
		if err != nil {
			return nil, err
		}
		encoded, err := pre.EncodeCFrag(cfrag)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

func TestE3MisbehavingProxyIsCaught(t *testing.T) {
	fleet := bootFleet(t, 2)
	label := []byte("vitals-feed")
	m, n := 2, 2 // every destination's cfrag is mandatory: the bad one can't hide behind a spare.
	grant, _, receivingSK := grantPolicy(t, fleet, m, n, label)

	foreignDelegatingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_, foreignReceivingPK, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	foreignSigningSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_, foreignKFrags, err := fleet.provider.GenerateKFrags(foreignDelegatingSK, foreignReceivingPK, pre.NewSigner(foreignSigningSK), []byte("other-policy"), 1, 1)
	require.NoError(t, err)

	// Re-register the first proxy as misbehaving; it keeps the same
	// address, NodeRecord, and delivered KFrag, only Reencrypt lies.
	bad := &misbehavingProxy{Proxy: fleet.proxies[0], provider: fleet.provider, foreignKFrag: foreignKFrags[0]}
	fleet.net.Register(bad)

	enricoSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	source := enrico.New(fleet.provider, pre.NewSigner(enricoSK), grant.policy.PolicyPK)
	mk, err := source.EncryptMessage([]byte("hello"))
	require.NoError(t, err)

	bob := newBob(t, fleet, receivingSK)
	_, err = bob.Retrieve(context.Background(), grant.delegatorVK, label, mk)
	require.Error(t, err)
	require.ErrorIs(t, err, preerr.ErrIncorrectCFrag)
	require.Equal(t, retrieval.StateFailed, bob.State())
}

func TestE4RetrieveFailsAfterRevocation(t *testing.T) {
	fleet := bootFleet(t, 3)
	label := []byte("vitals-feed")
	m, n := 2, 3
	grant, _, receivingSK := grantPolicy(t, fleet, m, n, label)

	enricoSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	source := enrico.New(fleet.provider, pre.NewSigner(enricoSK), grant.policy.PolicyPK)

	bob := newBob(t, fleet, receivingSK)

	mk1, err := source.EncryptMessage([]byte("hello"))
	require.NoError(t, err)
	plaintext, err := bob.Retrieve(context.Background(), grant.delegatorVK, label, mk1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)

	failures, err := policy.Revoke(context.Background(), grant.kit, grant.policy.ArrangementIDs(), fleet.known, fleet.client, m, n, time.Second)
	require.NoError(t, err)
	// threshold = (n-m)+1 = 2: at least 2 of 3 proxies must have their
	// arrangement revoked, leaving at most 1 still willing to reencrypt —
	// below m=2.
	require.LessOrEqual(t, len(failures), n-((n-m)+1))

	mk2, err := source.EncryptMessage([]byte("hello again"))
	require.NoError(t, err)
	_, err = bob.Retrieve(context.Background(), grant.delegatorVK, label, mk2)
	require.Error(t, err)
	require.ErrorIs(t, err, preerr.ErrNotEnoughProxies)
}

func TestE5NotEnoughTeachersWithinDeadline(t *testing.T) {
	fleet := bootFleet(t, 3)

	delegatingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_, receivingPK, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signer := pre.NewSigner(signingSK)

	_, err = policy.CreatePolicy(context.Background(), fleet.provider, fleet.known,
		delegatingSK, receivingPK, signer, []byte("vitals-feed"), 2, 5,
		policy.ModeFederated, policy.Options{}, nil, 200*time.Millisecond)
	require.Error(t, err)
	require.ErrorIs(t, err, preerr.ErrNotEnoughTeachers)
}

func TestE6TreasureMapNotFound(t *testing.T) {
	fleet := bootFleet(t, 3)

	_, delegatorVK, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	receivingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)

	bob := newBob(t, fleet, receivingSK)

	done := make(chan struct{})
	var joinErr error
	go func() {
		_, joinErr = bob.JoinPolicy(context.Background(), delegatorVK, []byte("no-such-policy"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("join_policy blocked indefinitely looking for a map nobody serves")
	}
	require.Error(t, joinErr)
	require.ErrorIs(t, joinErr, preerr.ErrNowhereToBeFound)
}
