// Package node implements the self-describing, signed, versioned proxy
// identity record of spec §4.2 and its binary wire codec: the sole
// on-the-wire representation of an Ursula.
package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/threshold-net/pre-client/pkg/pre"
)

// CurrentVersion is the version this implementation writes. LearnerVersion
// is the highest version this implementation can decode; anything higher
// fails with FromTheFutureError (spec §4.2).
const (
	CurrentVersion = uint16(1)
	LearnerVersion = uint16(1)
)

// sentinelNotSigned is written in place of identity_evidence in federated
// mode, per spec §4.2's wire layout note.
var sentinelNotSigned = []byte("NOT_SIGNED")

// RestInterface is a proxy's externally reachable host/port.
type RestInterface struct {
	Host string
	Port uint16
}

func (r RestInterface) canonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(r.Host)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], r.Port)
	buf.Write(portBuf[:])
	return buf.Bytes()
}

// Record is a proxy's self-describing, signed identity, per the wire layout
// in spec §4.2.
type Record struct {
	Version          uint16
	CanonicalAddress [20]byte
	Domains          []string
	Timestamp        uint32 // seconds since epoch
	InterfaceSig     []byte
	IdentityEvidence []byte // sentinelNotSigned in federated mode
	VerifyingKey     [33]byte
	EncryptingKey    [33]byte
	Certificate      []byte // PEM
	RestInterface    RestInterface
}

// Federated reports whether this record carries no on-chain staking
// attestation.
func (r *Record) Federated() bool {
	return bytes.Equal(r.IdentityEvidence, sentinelNotSigned)
}

// Nickname is a short, human-readable identifier salvaged for diagnostics
// even when full decoding fails (spec §4.2: "salvage an address for
// diagnostics").
func (r *Record) Nickname() string {
	return fmt.Sprintf("%x", r.CanonicalAddress[:4])
}

// signingPayload is exactly `rest_interface || timestamp`, the bytes
// interface_signature verifies over (spec §4.2(b)).
func signingPayload(rest RestInterface, timestamp uint32) []byte {
	var buf bytes.Buffer
	buf.Write(rest.canonicalBytes())
	var tsBuf [4]byte
	binary.BigEndian.PutUint32(tsBuf[:], timestamp)
	buf.Write(tsBuf[:])
	return buf.Bytes()
}

// Sign computes interface_signature over rest||timestamp using signer, the
// step an Ursula performs at boot (spec §4.5).
func Sign(provider pre.Provider, signer *pre.Signer, rest RestInterface, timestamp uint32) ([]byte, error) {
	return provider.Sign(signer, signingPayload(rest, timestamp))
}

func nowSeconds() uint32 {
	return uint32(time.Now().Unix())
}
