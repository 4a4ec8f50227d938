package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threshold-net/pre-client/pkg/logging"
	"github.com/threshold-net/pre-client/pkg/network"
	"github.com/threshold-net/pre-client/pkg/node"
	"github.com/threshold-net/pre-client/pkg/policy"
	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/ursula"
)

type testFleet struct {
	net     *network.Net
	client  network.UrsulaClient
	known   *node.KnownNodes
	proxies []*ursula.Proxy
}

func bootFleet(t *testing.T, n int) *testFleet {
	t.Helper()
	provider := pre.NewProvider()
	net := network.NewNet()
	known := node.NewKnownNodes()

	tf := &testFleet{net: net, client: network.NewClient(net), known: known}
	for i := 0; i < n; i++ {
		signingSK, _, err := pre.GenerateKeyPair()
		require.NoError(t, err)
		encSK, _, err := pre.GenerateKeyPair()
		require.NoError(t, err)
		addr := node.CanonicalAddress(provider, signingSK.Public().Bytes(), encSK.Public().Bytes())

		p, err := ursula.Boot(provider, logging.Noop{}, ursula.BootConfig{
			SigningSK:    signingSK,
			EncryptingSK: encSK,
			RestHost:     "ursula.example.com",
			RestPort:     uint16(9000 + i),
			Certificate:  []byte("unused-in-these-tests"),
		})
		require.NoError(t, err)
		net.Register(p)
		tf.proxies = append(tf.proxies, p)

		rec, err := node.Decode(p.NodeRecordBytes())
		require.NoError(t, err)
		require.Equal(t, addr, rec.CanonicalAddress)
		known.Remember(rec)
	}
	return tf
}

func TestHRACAndMapIDAreDeterministic(t *testing.T) {
	provider := pre.NewProvider()
	_, delegatorVK, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_, delegateeStamp, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	label := []byte("vitals-feed")

	h1 := policy.HRAC(provider, delegatorVK, delegateeStamp, label)
	h2 := policy.HRAC(provider, delegatorVK, delegateeStamp, label)
	require.Equal(t, h1, h2)

	m1 := policy.MapID(provider, delegatorVK, h1)
	m2 := policy.MapID(provider, delegatorVK, h2)
	require.Equal(t, m1, m2)
}

func TestCreatePolicyMakeArrangementsEnact(t *testing.T) {
	provider := pre.NewProvider()
	fleet := bootFleet(t, 3)

	delegatingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	receivingSK, receivingPK, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signer := pre.NewSigner(signingSK)

	pol, err := policy.CreatePolicy(context.Background(), provider, fleet.known,
		delegatingSK, receivingPK, signer, []byte("vitals-feed"), 2, 3,
		policy.ModeFederated, policy.Options{}, nil, time.Second)
	require.NoError(t, err)

	require.NoError(t, pol.MakeArrangements(context.Background(), fleet.client))
	require.True(t, pol.Enactable())

	tm, kit, sealed, err := pol.Enact(context.Background(), fleet.client)
	require.NoError(t, err)
	require.Equal(t, 2, tm.M)
	require.Equal(t, 3, tm.N)
	require.Len(t, tm.Destinations, 3)
	require.Len(t, kit.Tokens, 3)

	oriented, err := policy.Orient(provider, receivingSK, signer.PublicKey(), sealed)
	require.NoError(t, err)
	require.Equal(t, tm.M, oriented.M)
	require.ElementsMatch(t, tm.Destinations, oriented.Destinations)
}

func TestOrientRejectsWrongDelegatee(t *testing.T) {
	provider := pre.NewProvider()
	fleet := bootFleet(t, 2)

	delegatingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_, receivingPK, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signer := pre.NewSigner(signingSK)

	pol, err := policy.CreatePolicy(context.Background(), provider, fleet.known,
		delegatingSK, receivingPK, signer, []byte("label"), 2, 2,
		policy.ModeFederated, policy.Options{}, nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, pol.MakeArrangements(context.Background(), fleet.client))
	_, _, sealed, err := pol.Enact(context.Background(), fleet.client)
	require.NoError(t, err)

	wrongSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_, err = policy.Orient(provider, wrongSK, signer.PublicKey(), sealed)
	require.Error(t, err)
}

func TestRevokeMeetsThreshold(t *testing.T) {
	provider := pre.NewProvider()
	fleet := bootFleet(t, 3)

	delegatingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	_, receivingPK, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signer := pre.NewSigner(signingSK)

	m, n := 2, 3
	pol, err := policy.CreatePolicy(context.Background(), provider, fleet.known,
		delegatingSK, receivingPK, signer, []byte("label"), m, n,
		policy.ModeFederated, policy.Options{}, nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, pol.MakeArrangements(context.Background(), fleet.client))
	_, kit, _, err := pol.Enact(context.Background(), fleet.client)
	require.NoError(t, err)

	failures, err := policy.Revoke(context.Background(), kit, pol.ArrangementIDs(), fleet.known, fleet.client, m, n, time.Second)
	require.NoError(t, err)
	// threshold = (n-m)+1 = 2, all 3 proxies are known and reachable, so at
	// most n-threshold = 1 failure is tolerable; here none should fail.
	require.LessOrEqual(t, len(failures), n-((n-m)+1))
}
