// Package retrieval implements the delegatee-side retrieval state machine
// of spec §4.4: from a capsule and a label, locate the treasure map, learn
// any proxies the map names that aren't already known, dispatch work
// orders, collect and validate cfrags, and decrypt once threshold is met.
package retrieval

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/threshold-net/pre-client/pkg/enrico"
	"github.com/threshold-net/pre-client/pkg/logging"
	"github.com/threshold-net/pre-client/pkg/network"
	"github.com/threshold-net/pre-client/pkg/node"
	"github.com/threshold-net/pre-client/pkg/policy"
	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

// State names the retrieval state machine's positions (spec §4.4): Idle ->
// HaveCapsule -> NeedMap -> LearningPeers -> ReadyToDispatch -> Collecting
// -> Combining -> Done | Failed.
type State int

const (
	StateIdle State = iota
	StateHaveCapsule
	StateNeedMap
	StateLearningPeers
	StateReadyToDispatch
	StateCollecting
	StateCombining
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveCapsule:
		return "have_capsule"
	case StateNeedMap:
		return "need_map"
	case StateLearningPeers:
		return "learning_peers"
	case StateReadyToDispatch:
		return "ready_to_dispatch"
	case StateCollecting:
		return "collecting"
	case StateCombining:
		return "combining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MapFailurePolicy resolves spec §9's open question: "Behavior when a proxy
// returns a syntactically valid but semantically wrong treasure map" — the
// source raises and leaves a TODO. SPEC_FULL.md makes this a configurable
// policy with Propagate as the default.
type MapFailurePolicy int

const (
	// Propagate surfaces the orientation failure to the caller (a parse
	// error or preerr.ErrInvalidSignature) without touching known_nodes.
	Propagate MapFailurePolicy = iota

	// DropAndBlacklist forgets the offending proxy from known_nodes and
	// tries the next one, so one bad actor doesn't abort the whole join.
	DropAndBlacklist
)

// Bob is the delegatee character driving retrieval: it owns the decrypting
// keypair and the stamp (signing identity) used on every work order, plus
// the locally cached treasure maps and per-(proxy,capsule) dispatch history
// (spec §5: "known_nodes ... and the treasure_maps mapping").
type Bob struct {
	provider pre.Provider
	log      logging.Logger

	known   *node.KnownNodes
	client  network.UrsulaClient
	learner network.Learner

	decryptingSK *pre.PrivateKey
	stamp        *pre.Signer

	mapPolicy MapFailurePolicy

	mu      sync.Mutex
	maps    map[string]*policy.TreasureMap // hex MapId -> oriented map
	history map[string]*dedup              // hex MapId -> per-proxy dispatch history
	state   State
}

// Config carries Bob's construction-time dependencies. Provider, Client,
// DecryptingSK and Stamp are mandatory; Log defaults to logging.Noop and
// Known to an empty KnownNodes; Learner may be nil (no background learning
// task — FollowTreasureMap then only observes known_nodes as it already
// stands).
type Config struct {
	Provider     pre.Provider
	Log          logging.Logger
	Known        *node.KnownNodes
	Client       network.UrsulaClient
	Learner      network.Learner
	DecryptingSK *pre.PrivateKey
	Stamp        *pre.Signer
	MapPolicy    MapFailurePolicy
}

// NewBob constructs a delegatee ready to join policies and retrieve.
func NewBob(cfg Config) *Bob {
	log := cfg.Log
	if log == nil {
		log = logging.Noop{}
	}
	known := cfg.Known
	if known == nil {
		known = node.NewKnownNodes()
	}
	return &Bob{
		provider:     cfg.Provider,
		log:          log,
		known:        known,
		client:       cfg.Client,
		learner:      cfg.Learner,
		decryptingSK: cfg.DecryptingSK,
		stamp:        cfg.Stamp,
		mapPolicy:    cfg.MapPolicy,
		maps:         make(map[string]*policy.TreasureMap),
		history:      make(map[string]*dedup),
	}
}

func (b *Bob) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// State reports the retrieval state machine's current position.
func (b *Bob) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// KnownNodes exposes Bob's shared view of the fleet, e.g. so a caller can
// seed it from seed nodes before JoinPolicy runs.
func (b *Bob) KnownNodes() *node.KnownNodes { return b.known }

func (b *Bob) mapFor(mapIDHex string) *policy.TreasureMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maps[mapIDHex]
}

func (b *Bob) historyFor(mapIDHex string) *dedup {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.history[mapIDHex]
	if !ok {
		h = newDedup()
		b.history[mapIDHex] = h
	}
	return h
}

// JoinPolicy implements spec §4.4's join_policy: derives (HRAC, MapId),
// requires at least one known proxy, then asks known proxies in random
// order for the sealed treasure map until one succeeds. A map that fails to
// decrypt/verify is handled per b.mapPolicy; a map a proxy simply doesn't
// have, or a proxy that can't be reached, is skipped. Exhausting every
// known proxy without success is NowhereToBeFound (spec E6).
func (b *Bob) JoinPolicy(ctx context.Context, delegatorVK *pre.PublicKey, label []byte) (string, error) {
	b.setState(StateNeedMap)

	delegateeStamp := b.stamp.PublicKey()
	hrac := policy.HRAC(b.provider, delegatorVK, delegateeStamp, label)
	mapIDBytes := policy.MapIDBytesFromHRAC(b.provider, delegatorVK, hrac)
	mapIDHex := hex.EncodeToString(mapIDBytes[:])

	if existing := b.mapFor(mapIDHex); existing != nil {
		return mapIDHex, nil
	}

	addrs := addressesOf(b.known.All())
	if len(addrs) == 0 {
		return "", fmt.Errorf("retrieval: join_policy: %w", preerr.ErrNotEnoughTeachers)
	}
	shuffleAddresses(addrs)

	for _, addr := range addrs {
		sealed, err := b.client.FetchTreasureMap(ctx, addr, mapIDBytes)
		if err != nil {
			b.log.Debug(ctx, "join_policy: proxy did not serve map, trying next", "proxy", fmt.Sprintf("%x", addr), "err", err)
			continue
		}

		tm, err := policy.Orient(b.provider, b.decryptingSK, delegatorVK, sealed)
		if err != nil {
			if b.mapPolicy == DropAndBlacklist {
				b.log.Warn(ctx, "join_policy: dropping proxy with bunk treasure map", "proxy", fmt.Sprintf("%x", addr), "err", err)
				b.known.Forget(addr)
				continue
			}
			return "", fmt.Errorf("retrieval: join_policy: %w", err)
		}

		b.mu.Lock()
		b.maps[mapIDHex] = tm
		b.mu.Unlock()
		return mapIDHex, nil
	}

	return "", fmt.Errorf("retrieval: join_policy: %w: map %s", preerr.ErrNowhereToBeFound, mapIDHex)
}

// FollowTreasureMap implements spec §4.4's follow_treasure_map: partitions
// a joined map's destinations into known/unknown, kicks off best-effort
// learning for the unknown ones, and optionally blocks until
// |unknown| <= allowMissing or timeout. On timeout it returns its best
// snapshot rather than an error (spec §5: "on timeout they return a
// sentinel ... rather than raising").
func (b *Bob) FollowTreasureMap(ctx context.Context, mapIDHex string, block bool, timeout time.Duration, allowMissing int) (known, unknown [][20]byte, err error) {
	tm := b.mapFor(mapIDHex)
	if tm == nil {
		return nil, nil, fmt.Errorf("retrieval: follow_treasure_map: %w: map %s not joined", preerr.ErrNowhereToBeFound, mapIDHex)
	}
	b.setState(StateLearningPeers)

	partition := func() (k, u [][20]byte) {
		for _, d := range tm.Destinations {
			if _, ok := b.known.Get(d.Address); ok {
				k = append(k, d.Address)
			} else {
				u = append(u, d.Address)
			}
		}
		return
	}

	known, unknown = partition()
	if len(unknown) == 0 || b.learner == nil {
		return known, unknown, nil
	}

	for _, addr := range known {
		if err := b.learner.LearnFrom(ctx, addr, b.known); err != nil {
			b.log.Debug(ctx, "follow_treasure_map: learning pass failed, continuing", "proxy", fmt.Sprintf("%x", addr), "err", err)
		}
	}
	known, unknown = partition()

	if !block || len(unknown) <= allowMissing {
		return known, unknown, nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for len(unknown) > allowMissing {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return known, unknown, ctx.Err()
		case <-ticker.C:
		}
		known, unknown = partition()
	}
	return known, unknown, nil
}

func addressesOf(records []*node.Record) [][20]byte {
	out := make([][20]byte, len(records))
	for i, r := range records {
		out[i] = r.CanonicalAddress
	}
	return out
}

// Retrieve implements spec §4.4's end-to-end retrieve operation. It joins
// the policy, follows the treasure map to threshold, dispatches work
// orders, attaches returned cfrags, and decrypts once >= m are attached.
func (b *Bob) Retrieve(ctx context.Context, delegatorVK *pre.PublicKey, label []byte, mk *enrico.MessageKit) ([]byte, error) {
	b.setState(StateHaveCapsule)
	if !mk.Verify(b.provider) {
		b.setState(StateFailed)
		return nil, fmt.Errorf("retrieval: retrieve: %w: enrico signature does not verify", preerr.ErrInvalidSignature)
	}

	capsule := mk.Capsule
	capsule.SetCorrectnessKeys(pre.CorrectnessKeys{
		Delegating: mk.PolicyPK.Point(),
		Receiving:  b.decryptingSK.Public().Point(),
		Verifying:  delegatorVK.Point(),
	})

	mapIDHex, err := b.JoinPolicy(ctx, delegatorVK, label)
	if err != nil {
		b.setState(StateFailed)
		return nil, err
	}

	if _, _, err := b.FollowTreasureMap(ctx, mapIDHex, true, followTimeout, 0); err != nil {
		b.setState(StateFailed)
		return nil, fmt.Errorf("retrieval: retrieve: %w", err)
	}

	tm := b.mapFor(mapIDHex)
	m := tm.M

	b.setState(StateCollecting)
	plans, err := b.GenerateWorkOrders(mapIDHex, []*pre.Capsule{capsule}, 0)
	if err != nil {
		b.setState(StateFailed)
		return nil, err
	}

	if err := b.dispatch(ctx, capsule, plans, m); err != nil {
		b.setState(StateFailed)
		return nil, fmt.Errorf("retrieval: retrieve: %w", err)
	}

	if capsule.AttachedCount() < m {
		capsule.Poison()
		b.setState(StateFailed)
		return nil, fmt.Errorf("retrieval: retrieve: %w: %d of %d attached", preerr.ErrNotEnoughProxies, capsule.AttachedCount(), m)
	}

	b.setState(StateCombining)
	plaintext, err := b.provider.Decrypt(capsule, mk.Ciphertext, b.decryptingSK)
	if err != nil {
		b.setState(StateFailed)
		return nil, fmt.Errorf("retrieval: retrieve: %w", err)
	}

	b.setState(StateDone)
	return plaintext, nil
}

// followTimeout bounds how long a single Retrieve call waits for unknown
// treasure-map destinations to resolve via learning before proceeding with
// whatever subset is known; spec §4.4 leaves the exact bound to the caller,
// this is the default Retrieve uses internally.
const followTimeout = 2 * time.Second
