package policy

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/threshold-net/pre-client/pkg/network"
	"github.com/threshold-net/pre-client/pkg/node"
	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

// Mode selects how a policy's proxy set is chosen (spec §4.3).
type Mode int

const (
	ModeFederated Mode = iota
	ModeStaked
)

// StakingSampler is the external on-chain sampler consumed only in staked
// mode (spec §4.3: "selection is delegated to an external sampler"). The
// core never implements one, matching the Non-goals around on-chain
// contracts.
type StakingSampler interface {
	SampleProxies(ctx context.Context, n int, handpicked [][20]byte) ([][20]byte, error)
}

// Options carries create_policy's optional parameters.
type Options struct {
	Expiration time.Time // mandatory in staked mode, must be zero in federated mode
	Value      uint64    // mandatory (nonzero) in staked mode
	Handpicked [][20]byte
}

// arrangementRecord is what the policy remembers once a proxy has accepted.
type arrangementRecord struct {
	arrangementID [32]byte
	kfrag         *pre.KFrag
}

// Policy is the delegator-side in-progress (or enacted) policy object (spec
// §3 "Arrangement", §4.3).
type Policy struct {
	provider pre.Provider

	delegatingSK *pre.PrivateKey
	receivingPK  *pre.PublicKey
	signer       *pre.Signer
	label        []byte
	m, n         int
	mode         Mode
	opts         Options

	PolicyPK *pre.PublicKey
	kfrags   []*pre.KFrag

	selected [][20]byte
	pending  map[[20]byte]*pre.KFrag // proxy -> kfrag awaiting an arrangement id, before acceptance

	accepted map[[20]byte]*arrangementRecord
	failed   [][20]byte
}

// CreatePolicy implements spec §4.3's create_policy. waitTimeout bounds how
// long federated mode waits for |known| >= n before raising
// NotEnoughTeachers (spec E5).
func CreatePolicy(
	ctx context.Context,
	provider pre.Provider,
	known *node.KnownNodes,
	delegatingSK *pre.PrivateKey,
	receivingPK *pre.PublicKey,
	signer *pre.Signer,
	label []byte,
	m, n int,
	mode Mode,
	opts Options,
	sampler StakingSampler,
	waitTimeout time.Duration,
) (*Policy, error) {
	if mode == ModeFederated {
		if !opts.Expiration.IsZero() || opts.Value != 0 {
			return nil, fmt.Errorf("policy: create_policy: %w: federated mode must not set expiration/value", preerr.ErrInvalidArguments)
		}
	} else {
		if opts.Expiration.IsZero() || opts.Value == 0 {
			return nil, fmt.Errorf("policy: create_policy: %w: staked mode requires expiration and value", preerr.ErrInvalidArguments)
		}
	}

	policyPK, kfrags, err := provider.GenerateKFrags(delegatingSK, receivingPK, signer, label, m, n)
	if err != nil {
		return nil, fmt.Errorf("policy: create_policy: %w", err)
	}

	var selected [][20]byte
	switch mode {
	case ModeFederated:
		selected, err = selectFederatedProxies(ctx, known, n, waitTimeout)
		if err != nil {
			return nil, err
		}
	case ModeStaked:
		if sampler == nil {
			return nil, fmt.Errorf("policy: create_policy: %w: staked mode requires a StakingSampler", preerr.ErrPowerUp)
		}
		selected, err = sampler.SampleProxies(ctx, n, opts.Handpicked)
		if err != nil {
			return nil, fmt.Errorf("policy: create_policy: %w", err)
		}
		if len(selected) != n {
			return nil, fmt.Errorf("policy: create_policy: %w: sampler returned %d proxies, want %d", preerr.ErrInvalidArguments, len(selected), n)
		}
		if !handpickedSubset(opts.Handpicked, selected) {
			return nil, fmt.Errorf("policy: create_policy: %w: sampler dropped a handpicked proxy", preerr.ErrInvalidArguments)
		}
	default:
		return nil, fmt.Errorf("policy: create_policy: %w: unknown mode", preerr.ErrInvalidArguments)
	}

	pending := make(map[[20]byte]*pre.KFrag, n)
	for i, addr := range selected {
		pending[addr] = kfrags[i]
	}

	return &Policy{
		provider:     provider,
		delegatingSK: delegatingSK,
		receivingPK:  receivingPK,
		signer:       signer,
		label:        label,
		m:            m,
		n:            n,
		mode:         mode,
		opts:         opts,
		PolicyPK:     policyPK,
		kfrags:       kfrags,
		selected:     selected,
		pending:      pending,
		accepted:     make(map[[20]byte]*arrangementRecord),
	}, nil
}

// selectFederatedProxies waits for |known| >= n (spec: "a precondition and
// must be waited on (with timeout)") then draws n addresses uniformly at
// random without replacement.
func selectFederatedProxies(ctx context.Context, known *node.KnownNodes, n int, timeout time.Duration) ([][20]byte, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if known.Len() >= n {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("policy: %w: only %d of %d proxies known after %s", preerr.ErrNotEnoughTeachers, known.Len(), n, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	all := known.All()
	addrs := make([][20]byte, len(all))
	for i, r := range all {
		addrs[i] = r.CanonicalAddress
	}
	shuffleAddresses(addrs)
	if len(addrs) < n {
		return nil, fmt.Errorf("policy: %w: only %d of %d proxies known", preerr.ErrNotEnoughTeachers, len(addrs), n)
	}
	return addrs[:n], nil
}

// shuffleAddresses is a Fisher-Yates shuffle seeded from crypto/rand, giving
// uniform-random proxy selection without a global RNG singleton (spec §9:
// "avoid process-wide singletons").
func shuffleAddresses(addrs [][20]byte) {
	for i := len(addrs) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
}

func randIntn(n int) int {
	if n <= 1 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int(v % uint64(n))
}

func handpickedSubset(handpicked, selected [][20]byte) bool {
	set := make(map[[20]byte]struct{}, len(selected))
	for _, a := range selected {
		set[a] = struct{}{}
	}
	for _, h := range handpicked {
		if _, ok := set[h]; !ok {
			return false
		}
	}
	return true
}

// MakeArrangements proposes an arrangement to every selected proxy and
// records which ones accept (spec §4.3).
func (p *Policy) MakeArrangements(ctx context.Context, client network.UrsulaClient) error {
	for _, addr := range p.selected {
		var id [32]byte
		if _, err := rand.Read(id[:]); err != nil {
			return fmt.Errorf("policy: make_arrangements: %w", err)
		}
		var expiration int64
		if !p.opts.Expiration.IsZero() {
			expiration = p.opts.Expiration.Unix()
		}
		arr := network.Arrangement{ID: id, Expiration: expiration, Value: p.opts.Value}

		accepted, err := client.ConsiderArrangement(ctx, addr, arr)
		if err != nil {
			p.failed = append(p.failed, addr)
			continue
		}
		if !accepted {
			p.failed = append(p.failed, addr)
			continue
		}
		p.accepted[addr] = &arrangementRecord{arrangementID: id, kfrag: p.pending[addr]}
	}
	return nil
}

// Enactable reports whether exactly n distinct proxies have accepted (spec
// §4.3: "A policy is enactable iff exactly n distinct proxies have
// accepted").
func (p *Policy) Enactable() bool {
	return len(p.accepted) == p.n
}

// FailedProxies returns the proxies that declined or could not be reached
// during MakeArrangements.
func (p *Policy) FailedProxies() [][20]byte {
	return append([][20]byte(nil), p.failed...)
}

func (p *Policy) Label() []byte                  { return p.label }
func (p *Policy) Threshold() (m, n int)          { return p.m, p.n }
func (p *Policy) DelegatingPK() *pre.PublicKey   { return p.delegatingSK.Public() }
func (p *Policy) DelegatorVK() *pre.PublicKey    { return p.signer.PublicKey() }
func (p *Policy) DelegateeStamp() *pre.PublicKey { return p.receivingPK }

// HRAC and MapIDBytes are the client-computable identifiers of spec §3:
// deterministic from (delegator_vk, delegatee_stamp, label) alone, so
// CreatePolicy's caller and JoinPolicy's caller always agree on them without
// exchanging anything. This policy's delegatee stamp is its receiving
// (encrypting) key — this codebase gives each character a single secp256k1
// keypair for both signing and encrypting, rather than splitting "stamp" and
// "receiving key" into independent identities (documented in DESIGN.md).
func (p *Policy) HRAC() [32]byte {
	return HRAC(p.provider, p.DelegatorVK(), p.DelegateeStamp(), p.label)
}

func (p *Policy) MapIDBytes() [32]byte {
	return MapIDBytesFromHRAC(p.provider, p.DelegatorVK(), p.HRAC())
}

// ArrangementIDs returns the accepted address -> arrangement_id mapping,
// used to drive Revoke.
func (p *Policy) ArrangementIDs() map[[20]byte][32]byte {
	out := make(map[[20]byte][32]byte, len(p.accepted))
	for addr, rec := range p.accepted {
		out[addr] = rec.arrangementID
	}
	return out
}
