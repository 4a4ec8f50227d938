// Package policy implements the policy/treasure-map engine of spec §4.3:
// policy creation and KFrag distribution, arrangement negotiation,
// treasure-map construction and orientation, and revocation kits.
package policy

import (
	"encoding/hex"

	"github.com/threshold-net/pre-client/pkg/pre"
)

// HRAC is the hashed policy identifier: keccak256(delegator_vk ‖
// delegatee_stamp ‖ label), per the GLOSSARY. Pure function of its inputs —
// equal inputs always yield equal outputs (spec §8 property 3).
func HRAC(provider pre.Provider, delegatorVK, delegateeStamp *pre.PublicKey, label []byte) [32]byte {
	dvk := delegatorVK.Bytes()
	dst := delegateeStamp.Bytes()
	return provider.Keccak256(dvk[:], dst[:], label)
}

// MapIDBytesFromHRAC is the raw 32-byte digest MapID hex-encodes: the wire
// key a proxy stores/serves a treasure map under (spec §3 "MapId"), derived
// client-side from nothing but the delegator's verifying key and the HRAC —
// so a delegatee can ask for a map before ever having seen its contents.
func MapIDBytesFromHRAC(provider pre.Provider, delegatorVK *pre.PublicKey, hrac [32]byte) [32]byte {
	dvk := delegatorVK.Bytes()
	return provider.Keccak256(dvk[:], hrac[:])
}

// MapID is keccak256(delegator_vk ‖ HRAC), hex-encoded, per the GLOSSARY.
func MapID(provider pre.Provider, delegatorVK *pre.PublicKey, hrac [32]byte) string {
	digest := MapIDBytesFromHRAC(provider, delegatorVK, hrac)
	return hex.EncodeToString(digest[:])
}
