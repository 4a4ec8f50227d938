package retrieval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/retrieval"
)

// TestGenerateWorkOrdersDeduplicatesPerProxyPerCapsule is spec §8 property 6
// and the fix for §9's acknowledged bug: calling generate_work_orders twice
// for the same (map, capsule) before any result is observed must not
// re-request a capsule a proxy was already asked for.
func TestGenerateWorkOrdersDeduplicatesPerProxyPerCapsule(t *testing.T) {
	fleet := bootFleet(t, 3)
	label := []byte("vitals-feed")
	grant, _, receivingSK := grantPolicy(t, fleet, 2, 3, label)

	bob := newBob(t, fleet, receivingSK)
	mapIDHex, err := bob.JoinPolicy(context.Background(), grant.delegatorVK, label)
	require.NoError(t, err)

	_, _, err = bob.FollowTreasureMap(context.Background(), mapIDHex, true, time.Second, 0)
	require.NoError(t, err)

	capsule, _, err := fleet.provider.Encrypt(grant.policy.PolicyPK, []byte("hi"))
	require.NoError(t, err)

	first, err := bob.GenerateWorkOrders(mapIDHex, []*pre.Capsule{capsule}, 0)
	require.NoError(t, err)
	require.Len(t, first, 3, "one plan per destination on the first pass")
	for _, plan := range first {
		require.Len(t, plan.Capsules, 1)
	}

	// Asking again before any result was observed must produce no further
	// work for the same (proxy, capsule) pairs.
	second, err := bob.GenerateWorkOrders(mapIDHex, []*pre.Capsule{capsule}, 0)
	require.NoError(t, err)
	require.Empty(t, second, "every (proxy, capsule) pair was already claimed")
}

func TestGenerateWorkOrdersStopsAtNumProxies(t *testing.T) {
	fleet := bootFleet(t, 3)
	label := []byte("vitals-feed")
	grant, _, receivingSK := grantPolicy(t, fleet, 2, 3, label)

	bob := newBob(t, fleet, receivingSK)
	mapIDHex, err := bob.JoinPolicy(context.Background(), grant.delegatorVK, label)
	require.NoError(t, err)
	_, _, err = bob.FollowTreasureMap(context.Background(), mapIDHex, true, time.Second, 0)
	require.NoError(t, err)

	capsule, _, err := fleet.provider.Encrypt(grant.policy.PolicyPK, []byte("hi"))
	require.NoError(t, err)

	plans, err := bob.GenerateWorkOrders(mapIDHex, []*pre.Capsule{capsule}, 1)
	require.NoError(t, err)
	require.Len(t, plans, 1)
}

func TestStateStringsAreDistinct(t *testing.T) {
	states := []retrieval.State{
		retrieval.StateIdle, retrieval.StateHaveCapsule, retrieval.StateNeedMap,
		retrieval.StateLearningPeers, retrieval.StateReadyToDispatch,
		retrieval.StateCollecting, retrieval.StateCombining, retrieval.StateDone,
		retrieval.StateFailed,
	}
	seen := make(map[string]bool)
	for _, s := range states {
		name := s.String()
		require.False(t, seen[name], "duplicate state name %q", name)
		seen[name] = true
	}
}

func TestFollowTreasureMapPartitionsKnownAndUnknown(t *testing.T) {
	fleet := bootFleet(t, 3)
	label := []byte("vitals-feed")
	grant, _, receivingSK := grantPolicy(t, fleet, 2, 3, label)

	bob := retrieval.NewBob(retrieval.Config{
		Provider:     fleet.provider,
		Known:        fleet.known,
		Client:       fleet.client,
		Learner:      nil, // no learning task configured
		DecryptingSK: receivingSK,
		Stamp:        pre.NewSigner(receivingSK),
	})

	mapIDHex, err := bob.JoinPolicy(context.Background(), grant.delegatorVK, label)
	require.NoError(t, err)

	known, unknown, err := bob.FollowTreasureMap(context.Background(), mapIDHex, false, time.Second, 0)
	require.NoError(t, err)
	require.Len(t, known, 3, "every destination is already in known_nodes from bootFleet")
	require.Empty(t, unknown)
}
