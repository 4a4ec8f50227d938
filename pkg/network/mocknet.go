package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/threshold-net/pre-client/pkg/node"
	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

// ProxyHandler is the proxy-side counterpart UrsulaClient dispatches to. A
// *ursula.Proxy implements this; mocknet never constructs one, only calls
// through the interface, mirroring the teacher's own pattern of routing
// typed RPCs through a narrow transport rather than raw bytes wherever the
// call boundary is already in-process (mocknet/mocknet.go moves []byte
// frames; this one-process simulation moves typed calls directly since both
// ends already share a Go process).
type ProxyHandler interface {
	Address() [20]byte
	NodeRecordBytes() []byte
	ConsiderArrangement(ctx context.Context, arr Arrangement) (bool, error)
	DeliverKFrag(ctx context.Context, arrangementID [32]byte, encryptedKFrag []byte) error
	StoreTreasureMap(ctx context.Context, mapID [32]byte, mapBytes []byte) error
	TreasureMap(ctx context.Context, mapID [32]byte) ([]byte, bool)
	Reencrypt(ctx context.Context, wo WorkOrder) ([][]byte, error)
	RevokeArrangement(ctx context.Context, arrangementID [32]byte, token []byte) error
}

// Net is an in-memory fleet of proxies, addressable by canonical address.
// It plays the role the teacher's pkg/cbmpc/mocknet.Net plays for 2P/MP
// transports: a test double standing in for the real wire.
type Net struct {
	mu      sync.RWMutex
	proxies map[[20]byte]ProxyHandler
	down    map[[20]byte]bool
}

func NewNet() *Net {
	return &Net{proxies: make(map[[20]byte]ProxyHandler), down: make(map[[20]byte]bool)}
}

// Register adds a proxy to the fleet.
func (n *Net) Register(h ProxyHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.proxies[h.Address()] = h
}

// SetDown simulates a proxy going offline (spec E2: "one proxy taken offline
// mid-retrieval") — every RPC against it fails with ErrNodeSeemsDown until
// reverted.
func (n *Net) SetDown(addr [20]byte, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

func (n *Net) lookup(addr [20]byte) (ProxyHandler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[addr] {
		return nil, fmt.Errorf("%w: %x", preerr.ErrNodeSeemsDown, addr)
	}
	h, ok := n.proxies[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %x", preerr.ErrNodeSeemsDown, addr)
	}
	return h, nil
}

// Addresses returns every registered proxy's address. Federated proxy
// selection in pkg/policy draws from KnownNodes, not from this list.
func (n *Net) Addresses() [][20]byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([][20]byte, 0, len(n.proxies))
	for addr := range n.proxies {
		out = append(out, addr)
	}
	return out
}

// Client is the UrsulaClient implementation backed by a Net.
type Client struct{ net *Net }

func NewClient(n *Net) *Client { return &Client{net: n} }

var _ UrsulaClient = (*Client)(nil)

func (c *Client) PublicInformation(ctx context.Context, proxyAddr [20]byte) ([]byte, error) {
	h, err := c.net.lookup(proxyAddr)
	if err != nil {
		return nil, err
	}
	return h.NodeRecordBytes(), nil
}

func (c *Client) ConsiderArrangement(ctx context.Context, proxyAddr [20]byte, arr Arrangement) (bool, error) {
	h, err := c.net.lookup(proxyAddr)
	if err != nil {
		return false, err
	}
	return h.ConsiderArrangement(ctx, arr)
}

func (c *Client) DeliverKFrag(ctx context.Context, proxyAddr [20]byte, arrangementID [32]byte, encryptedKFrag []byte) error {
	h, err := c.net.lookup(proxyAddr)
	if err != nil {
		return err
	}
	return h.DeliverKFrag(ctx, arrangementID, encryptedKFrag)
}

func (c *Client) PublishTreasureMap(ctx context.Context, proxyAddr [20]byte, mapID [32]byte, mapBytes []byte) error {
	h, err := c.net.lookup(proxyAddr)
	if err != nil {
		return err
	}
	return h.StoreTreasureMap(ctx, mapID, mapBytes)
}

func (c *Client) FetchTreasureMap(ctx context.Context, proxyAddr [20]byte, mapID [32]byte) ([]byte, error) {
	h, err := c.net.lookup(proxyAddr)
	if err != nil {
		return nil, err
	}
	b, ok := h.TreasureMap(ctx, mapID)
	if !ok {
		return nil, fmt.Errorf("%w: map %x not served by %x", preerr.ErrNotFound, mapID, proxyAddr)
	}
	return b, nil
}

func (c *Client) Reencrypt(ctx context.Context, proxyAddr [20]byte, wo WorkOrder) ([][]byte, error) {
	h, err := c.net.lookup(proxyAddr)
	if err != nil {
		return nil, err
	}
	return h.Reencrypt(ctx, wo)
}

func (c *Client) RevokeArrangement(ctx context.Context, proxyAddr [20]byte, arrangementID [32]byte, token []byte) error {
	h, err := c.net.lookup(proxyAddr)
	if err != nil {
		return err
	}
	return h.RevokeArrangement(ctx, arrangementID, token)
}

func (c *Client) Ping(ctx context.Context, proxyAddr [20]byte) error {
	_, err := c.net.lookup(proxyAddr)
	return err
}

// MockLearner is the in-memory Learner a test fleet hands to a retrieving
// character in place of a real gossip/node-discovery daemon (spec §2:
// "node-learning/gossip layer ... out of scope ... consumed through a
// narrow interface"). Asking it to learn from any live proxy hands back
// every registered proxy's verified record, the asked proxy's own
// included, modeling an idealized single-round gossip exchange.
type MockLearner struct {
	net      *Net
	provider pre.Provider
}

func NewMockLearner(n *Net, provider pre.Provider) *MockLearner {
	return &MockLearner{net: n, provider: provider}
}

var _ Learner = (*MockLearner)(nil)

func (l *MockLearner) LearnFrom(ctx context.Context, proxyAddr [20]byte, known *node.KnownNodes) error {
	if _, err := l.net.lookup(proxyAddr); err != nil {
		return err
	}

	l.net.mu.RLock()
	handlers := make([]ProxyHandler, 0, len(l.net.proxies))
	for _, h := range l.net.proxies {
		handlers = append(handlers, h)
	}
	l.net.mu.RUnlock()

	now := time.Now()
	for _, h := range handlers {
		rec, err := node.Decode(h.NodeRecordBytes())
		if err != nil {
			continue
		}
		if err := node.Verify(l.provider, rec, nil, now); err != nil {
			continue
		}
		known.Remember(rec)
	}
	return nil
}
