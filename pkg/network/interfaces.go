// Package network defines the narrow external interfaces the core consumes
// for proxy RPC and peer discovery (spec §6: "the network transport
// middleware ... the core treats each as a narrow interface"), plus an
// in-memory transport (mocknet) good enough to drive every scenario in
// SPEC_FULL.md's testable-properties section without a real TLS stack.
package network

import (
	"context"

	"github.com/threshold-net/pre-client/pkg/node"
)

// Arrangement is the proxy-facing half of spec §4.3's arrangement: what a
// delegator proposes and a proxy accepts or declines.
type Arrangement struct {
	ID         [32]byte
	Expiration int64 // unix seconds; zero in federated mode
	Value      uint64
}

// WorkOrder is the signed request a delegatee sends a single proxy, carrying
// one or more capsules to re-encrypt under one arrangement (spec §3, §4.4).
type WorkOrder struct {
	ArrangementID [32]byte
	Capsules      []*CapsuleRef
	Requester     []byte // delegatee verifying key, compressed
	Signature     []byte
}

// CapsuleRef identifies a capsule by its encoded ephemeral point, the only
// identifier a wire work order needs — the capsule object itself never
// crosses the network.
type CapsuleRef struct {
	EncodedE []byte
}

// UrsulaClient is everything a delegator/delegatee needs to speak to a
// single proxy. Implementations translate each method to one REST call per
// spec §6's verb table.
type UrsulaClient interface {
	// PublicInformation fetches the proxy's NodeRecord bytes (GET
	// /public_information).
	PublicInformation(ctx context.Context, proxyAddr [20]byte) ([]byte, error)

	// ConsiderArrangement proposes an arrangement; accepted reports the
	// 200/403 outcome (POST /consider_arrangement).
	ConsiderArrangement(ctx context.Context, proxyAddr [20]byte, arr Arrangement) (accepted bool, err error)

	// DeliverKFrag pushes a KFrag, as encoded by pre.EncodeKFrag, for an
	// accepted arrangement (POST /kFrag/{arrangement_id}). The caller does
	// not encrypt these bytes; they carry the share in clear and rely on
	// the transport for confidentiality.
	DeliverKFrag(ctx context.Context, proxyAddr [20]byte, arrangementID [32]byte, encryptedKFrag []byte) error

	// PublishTreasureMap stores a map on a proxy (POST
	// /treasure_map/{map_id}).
	PublishTreasureMap(ctx context.Context, proxyAddr [20]byte, mapID [32]byte, mapBytes []byte) error

	// FetchTreasureMap retrieves a published map (GET
	// /treasure_map/{map_id}).
	FetchTreasureMap(ctx context.Context, proxyAddr [20]byte, mapID [32]byte) ([]byte, error)

	// Reencrypt submits a work order and returns the cfrags the proxy
	// computed, one per capsule (POST /reencrypt).
	Reencrypt(ctx context.Context, proxyAddr [20]byte, wo WorkOrder) ([][]byte, error)

	// RevokeArrangement asks a proxy to discard a KFrag (DELETE
	// /kFrag/{arrangement_id}).
	RevokeArrangement(ctx context.Context, proxyAddr [20]byte, arrangementID [32]byte, token []byte) error

	// Ping is the liveness/discovery probe (GET /ping).
	Ping(ctx context.Context, proxyAddr [20]byte) error
}

// Learner discovers and verifies peer NodeRecords, growing a shared
// KnownNodes set (spec §2: "node-learning/gossip layer," out of core scope
// but consumed through this interface).
type Learner interface {
	// LearnFrom asks a single known node for its view of the fleet and
	// verifies every record it returns before adding it to known.
	LearnFrom(ctx context.Context, proxyAddr [20]byte, known *node.KnownNodes) error
}
