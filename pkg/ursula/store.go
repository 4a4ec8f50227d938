package ursula

import (
	"sync"

	"github.com/threshold-net/pre-client/pkg/pre"
)

// acceptedArrangement is what a proxy retains once it has agreed to serve a
// policy: the arrangement's terms plus, once delivered, the KFrag itself.
// Spec §4.5: "Persisted state: a key-value store of arrangement_id → KFrag."
type acceptedArrangement struct {
	expiration int64
	value      uint64
	kfrag      *pre.KFrag // nil until DeliverKFrag is called
	revoked    bool
}

// witnessedWorkOrder is one entry in the proxy's dispute log (spec §4.5:
// "a list of witnessed work orders (for dispute)").
type witnessedWorkOrder struct {
	ArrangementID [32]byte
	CapsuleCount  int
	RequesterKey  []byte
}

// store is the proxy's local persisted state: exclusive-owner writes,
// readers serialized per arrangement_id (spec §5).
type store struct {
	mu           sync.Mutex
	arrangements map[[32]byte]*acceptedArrangement
	maps         map[[32]byte][]byte
	witnessed    []witnessedWorkOrder
}

func newStore() *store {
	return &store{
		arrangements: make(map[[32]byte]*acceptedArrangement),
		maps:         make(map[[32]byte][]byte),
	}
}

func (s *store) accept(id [32]byte, expiration int64, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arrangements[id] = &acceptedArrangement{expiration: expiration, value: value}
}

func (s *store) deliverKFrag(id [32]byte, kf *pre.KFrag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr, ok := s.arrangements[id]
	if !ok || arr.revoked {
		return false
	}
	arr.kfrag = kf
	return true
}

func (s *store) kfragFor(id [32]byte) (*pre.KFrag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr, ok := s.arrangements[id]
	if !ok || arr.kfrag == nil || arr.revoked {
		return nil, false
	}
	return arr.kfrag, true
}

// verifyingKeyFor returns the delegator's verifying key bound to the KFrag
// held for id, so the caller can check a revocation token's signature
// against it before acting on the token.
func (s *store) verifyingKeyFor(id [32]byte) (*pre.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr, ok := s.arrangements[id]
	if !ok || arr.kfrag == nil {
		return nil, false
	}
	return arr.kfrag.VerifyingPK, true
}

func (s *store) revoke(id [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr, ok := s.arrangements[id]
	if !ok {
		return false
	}
	arr.revoked = true
	return true
}

func (s *store) storeMap(id [32]byte, bytes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[id] = bytes
}

func (s *store) loadMap(id [32]byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.maps[id]
	return b, ok
}

func (s *store) witness(w witnessedWorkOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.witnessed = append(s.witnessed, w)
}

func (s *store) witnessedOrders() []witnessedWorkOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]witnessedWorkOrder, len(s.witnessed))
	copy(out, s.witnessed)
	return out
}
