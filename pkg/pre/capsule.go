package pre

import "sync"

// CorrectnessKeys are the three public keys AttachCFrag checks every
// incoming CFrag against (spec §4.1: "delegating=policy_pk,
// receiving=own_decrypting_pk, verifying=delegator_verifying_key").
type CorrectnessKeys struct {
	Delegating *Point
	Receiving  *Point
	Verifying  *Point
}

// Capsule is the key-encapsulation half of a PRE ciphertext. It is immutable
// except for its attached-CFrag accumulator, which is exclusively owned by
// whichever delegatee is running a single retrieval (spec §5: "attach_cfrag
// calls are serialized on the capsule").
type Capsule struct {
	E *Point // ephemeral point k*G set at Encrypt time

	mu          sync.Mutex
	correctness *CorrectnessKeys
	attached    map[uint16]*CFrag
	poisoned    bool
}

func newCapsule(e *Point) *Capsule {
	return &Capsule{E: e, attached: make(map[uint16]*CFrag)}
}

// EncodedE returns the capsule's ephemeral point in compressed wire form —
// the only part of a capsule that crosses the network inside a WorkOrder
// (spec §6: capsules are identified by their encoded point, not serialized
// whole).
func (c *Capsule) EncodedE() [33]byte {
	return encodePoint(c.E)
}

// CapsuleFromEncodedE reconstructs the reencryption-relevant half of a
// capsule from its wire-encoded ephemeral point. A proxy never needs
// correctness keys or the AEAD ciphertext to perform Reencrypt, only E.
func CapsuleFromEncodedE(b []byte) (*Capsule, error) {
	pt, err := decodePoint(b)
	if err != nil {
		return nil, cryptoErr("capsule_from_encoded_e", err)
	}
	return newCapsule(pt), nil
}

// SetCorrectnessKeys records the keys every subsequent AttachCFrag call
// checks against. Retrieval calls this once, at the start of Retrieve
// (spec §4.4 step 1), before any work order is dispatched.
func (c *Capsule) SetCorrectnessKeys(keys CorrectnessKeys) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.correctness = &keys
}

// CorrectnessKeys returns the keys previously set, or nil if none are set
// yet.
func (c *Capsule) CorrectnessKeys() *CorrectnessKeys {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correctness
}

// AttachedCount reports how many distinct, verified CFrags are attached.
func (c *Capsule) AttachedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attached)
}

// Poison marks the capsule unusable. Spec §5: "a cancelled retrieval must not
// leave partially-attached cfrags on a shared capsule — callers must treat
// the capsule as poisoned." Retrieval calls this if it abandons a capsule
// mid-flight instead of completing Decrypt.
func (c *Capsule) Poison() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poisoned = true
}

func (c *Capsule) isPoisoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

// attach records a verified CFrag under its KFrag id. Idempotent: attaching
// the same KFrag id twice is a no-op, since a proxy is only ever asked once
// per (proxy, capsule) pair (spec §8 property 6).
func (c *Capsule) attach(cf *CFrag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached[cf.KFragID] = cf
}

func (c *Capsule) snapshotPoints() map[uint16]*Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint16]*Point, len(c.attached))
	for id, cf := range c.attached {
		out[id] = cf.Point
	}
	return out
}
