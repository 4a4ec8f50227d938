// Package ursula implements the core-relevant slice of a proxy node (spec
// §4.5): boot-time self-signing of its NodeRecord, the KFrag store, the
// reencryption endpoint's logic, and the witnessed-work-order dispute log.
// Everything outside that slice — the HTTP server, TLS termination, gossip —
// is out of scope per spec §1.
package ursula

import (
	"context"
	"fmt"
	"time"

	"github.com/threshold-net/pre-client/pkg/logging"
	"github.com/threshold-net/pre-client/pkg/network"
	"github.com/threshold-net/pre-client/pkg/node"
	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

// ArrangementPolicy decides whether to accept a proposed arrangement. The
// default AcceptAll always accepts; tests and staked deployments can supply
// a stricter one (e.g. reject once over capacity).
type ArrangementPolicy func(arr network.Arrangement) bool

func AcceptAll(network.Arrangement) bool { return true }

// Proxy is a single Ursula: its identity keypair, its NodeRecord, and its
// local persisted state.
type Proxy struct {
	provider pre.Provider
	log      logging.Logger

	signingSK *pre.PrivateKey
	signer    *pre.Signer
	encSK     *pre.PrivateKey
	encPK     *pre.PublicKey

	addr [20]byte

	record *node.Record
	store  *store

	accept ArrangementPolicy
}

// BootConfig carries the inputs to Boot that an external key-store/cert
// loader would normally supply (spec §6: "Persisted state ... injected").
type BootConfig struct {
	SigningSK    *pre.PrivateKey
	EncryptingSK *pre.PrivateKey
	Domains      []string
	RestHost     string
	RestPort     uint16
	Certificate  []byte // PEM, CN must equal the derived canonical address
	Evidence     []byte // identity_evidence; nil/"NOT_SIGNED" for federated mode
	Accept       ArrangementPolicy
}

// Boot stands up a Proxy: derives its canonical address, signs its
// interface, and assembles a NodeRecord ready to be served from
// /public_information.
func Boot(provider pre.Provider, log logging.Logger, cfg BootConfig) (*Proxy, error) {
	if cfg.SigningSK == nil || cfg.EncryptingSK == nil {
		return nil, fmt.Errorf("ursula: boot: %w: signing and encrypting keys are required", preerr.ErrInvalidArguments)
	}
	signer := pre.NewSigner(cfg.SigningSK)
	signingPK := cfg.SigningSK.Public()
	encPK := cfg.EncryptingSK.Public()

	addr := node.CanonicalAddress(provider, signingPK.Bytes(), encPK.Bytes())

	evidence := cfg.Evidence
	if evidence == nil {
		evidence = []byte("NOT_SIGNED")
	}

	p := &Proxy{
		provider:  provider,
		log:       log,
		signingSK: cfg.SigningSK,
		signer:    signer,
		encSK:     cfg.EncryptingSK,
		encPK:     encPK,
		addr:      addr,
		store:     newStore(),
		accept:    cfg.Accept,
	}
	if p.accept == nil {
		p.accept = AcceptAll
	}

	rest := node.RestInterface{Host: cfg.RestHost, Port: cfg.RestPort}
	if err := p.signRecord(rest, cfg.Domains, cfg.Certificate, evidence, time.Now()); err != nil {
		return nil, fmt.Errorf("ursula: boot: %w", err)
	}
	return p, nil
}

func (p *Proxy) signRecord(rest node.RestInterface, domains []string, cert, evidence []byte, now time.Time) error {
	ts := uint32(now.Unix())
	sig, err := node.Sign(p.provider, p.signer, rest, ts)
	if err != nil {
		return err
	}
	signingPK := p.signingSK.Public()
	p.record = &node.Record{
		Version:          node.CurrentVersion,
		CanonicalAddress: p.addr,
		Domains:          domains,
		Timestamp:        ts,
		InterfaceSig:     sig,
		IdentityEvidence: evidence,
		VerifyingKey:     signingPK.Bytes(),
		EncryptingKey:    p.encPK.Bytes(),
		Certificate:      cert,
		RestInterface:    rest,
	}
	return nil
}

// Resubstantiate re-derives interface_signature after rest_interface
// changes — e.g. a reported external IP change — without rotating any key
// material. Supplemented from original_source's `_substantiate_stamp`-
// equivalent step (see SPEC_FULL.md §4.5); spec.md's Non-goals exclude
// gossip discovery but not a proxy's own identity bookkeeping.
func (p *Proxy) Resubstantiate(newRest node.RestInterface, now time.Time) error {
	return p.signRecord(newRest, p.record.Domains, p.record.Certificate, p.record.IdentityEvidence, now)
}

func (p *Proxy) Address() [20]byte { return p.addr }

func (p *Proxy) NodeRecordBytes() []byte {
	b, err := node.Encode(p.record)
	if err != nil {
		// record was constructed by signRecord and is always well-formed;
		// a failure here means a caller corrupted it directly.
		panic(fmt.Sprintf("ursula: own record no longer encodes: %v", err))
	}
	return b
}

func (p *Proxy) ConsiderArrangement(ctx context.Context, arr network.Arrangement) (bool, error) {
	if !p.accept(arr) {
		p.log.Debug(ctx, "declined arrangement", "arrangement_id", fmt.Sprintf("%x", arr.ID))
		return false, nil
	}
	p.store.accept(arr.ID, arr.Expiration, arr.Value)
	p.log.Debug(ctx, "accepted arrangement", "arrangement_id", fmt.Sprintf("%x", arr.ID))
	return true, nil
}

// DeliverKFrag accepts a KFrag for a previously accepted arrangement. The
// share is never handed back out verbatim; only Reencrypt consumes it.
func (p *Proxy) DeliverKFrag(ctx context.Context, arrangementID [32]byte, encryptedKFrag []byte) error {
	kf, err := pre.DecodeKFrag(encryptedKFrag)
	if err != nil {
		return fmt.Errorf("ursula: deliver_kfrag: %w", err)
	}
	if !p.store.deliverKFrag(arrangementID, kf) {
		return fmt.Errorf("ursula: deliver_kfrag: %w: no accepted arrangement %x", preerr.ErrInvalidArguments, arrangementID)
	}
	return nil
}

func (p *Proxy) StoreTreasureMap(ctx context.Context, mapID [32]byte, mapBytes []byte) error {
	p.store.storeMap(mapID, mapBytes)
	return nil
}

func (p *Proxy) TreasureMap(ctx context.Context, mapID [32]byte) ([]byte, bool) {
	return p.store.loadMap(mapID)
}

// Reencrypt looks up the KFrag bound to the work order's arrangement,
// applies it to every referenced capsule, and logs the order for dispute
// (spec §4.5). It never returns the KFrag itself.
func (p *Proxy) Reencrypt(ctx context.Context, wo network.WorkOrder) ([][]byte, error) {
	kf, ok := p.store.kfragFor(wo.ArrangementID)
	if !ok {
		return nil, fmt.Errorf("ursula: reencrypt: %w: arrangement %x", preerr.ErrNotFound, wo.ArrangementID)
	}

	p.store.witness(witnessedWorkOrder{
		ArrangementID: wo.ArrangementID,
		CapsuleCount:  len(wo.Capsules),
		RequesterKey:  append([]byte(nil), wo.Requester...),
	})

	out := make([][]byte, 0, len(wo.Capsules))
	for _, ref := range wo.Capsules {
		capsule, err := pre.CapsuleFromEncodedE(ref.EncodedE)
		if err != nil {
			return nil, fmt.Errorf("ursula: reencrypt: %w", err)
		}
		cfrag, err := p.provider.Reencrypt(kf, capsule)
		if err != nil {
			return nil, fmt.Errorf("ursula: reencrypt: %w", err)
		}
		encoded, err := pre.EncodeCFrag(cfrag)
		if err != nil {
			return nil, fmt.Errorf("ursula: reencrypt: %w", err)
		}
		out = append(out, encoded)
	}
	return out, nil
}

// RevokeArrangement verifies token before acting on it: the caller must
// prove it holds the delegator's signature over (this proxy's address,
// arrangementID), not just knowledge of the arrangement ID (spec §3: a
// revocation token is "proof it was signed by the delegator"). The
// verifying key comes off the KFrag already delivered for arrangementID, the
// same key AttachCFrag binds cfrags to on the delegatee side.
func (p *Proxy) RevokeArrangement(ctx context.Context, arrangementID [32]byte, token []byte) error {
	verifyingPK, ok := p.store.verifyingKeyFor(arrangementID)
	if !ok {
		return fmt.Errorf("ursula: revoke: %w: arrangement %x", preerr.ErrNotFound, arrangementID)
	}
	payload := revocationTokenPayload(p.addr, arrangementID)
	if !p.provider.Verify(pre.PublicKeyFromPoint(verifyingPK), payload, token) {
		return fmt.Errorf("ursula: revoke: %w: revocation token does not verify", preerr.ErrInvalidSignature)
	}
	if !p.store.revoke(arrangementID) {
		return fmt.Errorf("ursula: revoke: %w: arrangement %x", preerr.ErrNotFound, arrangementID)
	}
	return nil
}

// revocationTokenPayload mirrors pkg/policy's unexported construction of the
// same bytes (address || arrangement_id) on the verifying side, so a proxy
// can independently recompute exactly what the delegator signed.
func revocationTokenPayload(addr [20]byte, arrangementID [32]byte) []byte {
	out := make([]byte, 0, 20+32)
	out = append(out, addr[:]...)
	out = append(out, arrangementID[:]...)
	return out
}

// WitnessedWorkOrders exposes the dispute log for external inspection.
func (p *Proxy) WitnessedWorkOrders() []witnessedWorkOrder {
	return p.store.witnessedOrders()
}

