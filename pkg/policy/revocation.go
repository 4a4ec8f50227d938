package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/threshold-net/pre-client/pkg/network"
	"github.com/threshold-net/pre-client/pkg/node"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

// RevocationKit is the signed-token-per-destination bundle of spec §3/§4.3:
// "one entry per map destination". Tokens are never encrypted — a proxy
// trivially accepting its own revocation needs no secrecy, only proof it
// was signed by the delegator.
type RevocationKit struct {
	Tokens map[[20]byte][]byte // address -> signed revocation token
}

func (p *Policy) buildRevocationKit() (*RevocationKit, error) {
	kit := &RevocationKit{Tokens: make(map[[20]byte][]byte, len(p.accepted))}
	for addr, rec := range p.accepted {
		token, err := p.provider.Sign(p.signer, revocationTokenPayload(addr, rec.arrangementID))
		if err != nil {
			return nil, err
		}
		kit.Tokens[addr] = token
	}
	return kit, nil
}

func revocationTokenPayload(addr [20]byte, arrangementID [32]byte) []byte {
	out := make([]byte, 0, 20+32)
	out = append(out, addr[:]...)
	out = append(out, arrangementID[:]...)
	return out
}

// RevocationFailure pairs an address with why revoking it failed.
type RevocationFailure = preerr.RevocationFailure

// Revoke implements spec §4.3's revoke(policy): it blocks until at least
// (n-m)+1 addressed proxies are known (tolerating n-threshold missing), then
// issues a revocation call to every known one, returning per-proxy failures
// for the rest (spec §8 property 5).
func Revoke(
	ctx context.Context,
	kit *RevocationKit,
	arrangements map[[20]byte][32]byte,
	known *node.KnownNodes,
	client network.UrsulaClient,
	m, n int,
	waitTimeout time.Duration,
) (map[[20]byte]RevocationFailure, error) {
	threshold := (n - m) + 1

	deadline := time.Now().Add(waitTimeout)
	for {
		if countKnownAddressed(known, kit) >= threshold {
			break
		}
		if time.Now().After(deadline) {
			break // proceed best-effort; caller inspects the returned failure map
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}

	failures := make(map[[20]byte]RevocationFailure)
	for addr, token := range kit.Tokens {
		if _, ok := known.Get(addr); !ok {
			failures[addr] = RevocationFailure{Kind: preerr.ErrNotFound, Err: fmt.Errorf("proxy %x not known", addr)}
			continue
		}
		arrangementID := arrangements[addr]
		if err := client.RevokeArrangement(ctx, addr, arrangementID, token); err != nil {
			failures[addr] = RevocationFailure{Kind: preerr.ErrUnexpectedResponse, Err: err}
		}
	}
	return failures, nil
}

func countKnownAddressed(known *node.KnownNodes, kit *RevocationKit) int {
	n := 0
	for addr := range kit.Tokens {
		if _, ok := known.Get(addr); ok {
			n++
		}
	}
	return n
}
