package node

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// FleetState is a rolling checksum over every known node's canonical
// address, recomputed by an explicit RecomputeFleetState call, used to
// detect divergence between a client's view and the network's. It is intentionally
// coarse: a cheap signal that a fuller Learner pass is worth running, not a
// proof of anything.
type FleetState struct {
	Checksum [32]byte
	Updated  time.Time
}

// KnownNodes is a client's local view of the network, keyed by canonical
// address (spec §4.2: "Learner ... maintains KnownNodes"). Safe for
// concurrent use; a single KnownNodes is shared across every retrieval a
// client runs.
type KnownNodes struct {
	mu      sync.RWMutex
	records map[[20]byte]*Record
	fleet   FleetState
}

func NewKnownNodes() *KnownNodes {
	return &KnownNodes{records: make(map[[20]byte]*Record)}
}

// Remember stores a verified record, overwriting any prior record for the
// same address only if the new one has a strictly newer timestamp — an
// attacker replaying a stale record cannot roll a client's view backward.
func (k *KnownNodes) Remember(r *Record) (stored bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	existing, ok := k.records[r.CanonicalAddress]
	if ok && existing.Timestamp >= r.Timestamp {
		return false
	}
	k.records[r.CanonicalAddress] = r
	return true
}

// Forget removes a node, used when a MapFailurePolicy of DropAndBlacklist
// (SPEC_FULL.md) decides a node should no longer be considered.
func (k *KnownNodes) Forget(addr [20]byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.records, addr)
}

func (k *KnownNodes) Get(addr [20]byte) (*Record, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	r, ok := k.records[addr]
	return r, ok
}

func (k *KnownNodes) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.records)
}

// All returns a snapshot slice of every currently known record.
func (k *KnownNodes) All() []*Record {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*Record, 0, len(k.records))
	for _, r := range k.records {
		out = append(out, r)
	}
	return out
}

// RecomputeFleetState folds every known record's canonical address into a
// single checksum by hashing the addresses in ascending byte order, so two
// clients with the same KnownNodes set converge on the same
// FleetState.Checksum.
func (k *KnownNodes) RecomputeFleetState(hash func(parts ...[]byte) [32]byte, now time.Time) FleetState {
	k.mu.Lock()
	defer k.mu.Unlock()
	parts := make([][]byte, 0, len(k.records))
	for addr := range k.records {
		a := addr
		parts = append(parts, a[:])
	}
	sort.Slice(parts, func(i, j int) bool { return bytes.Compare(parts[i], parts[j]) < 0 })
	digest := hash(parts...)
	k.fleet = FleetState{Checksum: digest, Updated: now}
	return k.fleet
}

func (k *KnownNodes) FleetState() FleetState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.fleet
}
