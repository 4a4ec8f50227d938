package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/threshold-net/pre-client/pkg/network"
	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

// dispatchConcurrency caps how many proxies a single Retrieve talks to at
// once (spec §5: "implementations may parallelize across proxies").
const dispatchConcurrency = 4

// dedup is the per-(proxy, capsule) request history spec §4.4 and §9
// require: "each (proxy, capsule) pair is requested at most once until the
// result is observed" — fixing the source's acknowledged bug of keeping
// only the last capsule per proxy.
type dedup struct {
	mu   sync.Mutex
	seen map[[20]byte]map[[33]byte]bool
}

func newDedup() *dedup {
	return &dedup{seen: make(map[[20]byte]map[[33]byte]bool)}
}

// claim marks (proxy, capsule) as requested and reports whether it was
// already claimed, so a caller iterating capsules for a proxy only keeps
// the ones genuinely unseen.
func (d *dedup) claim(proxy [20]byte, capsuleKey [33]byte) (alreadyClaimed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byCapsule, ok := d.seen[proxy]
	if !ok {
		byCapsule = make(map[[33]byte]bool)
		d.seen[proxy] = byCapsule
	}
	if byCapsule[capsuleKey] {
		return true
	}
	byCapsule[capsuleKey] = true
	return false
}

// WorkOrderPlan is one proxy's share of a GenerateWorkOrders call: the
// destination, its arrangement, and the capsules not yet requested from it.
type WorkOrderPlan struct {
	Proxy         [20]byte
	ArrangementID [32]byte
	Capsules      []*pre.Capsule
}

// GenerateWorkOrders implements spec §4.4's generate_work_orders: iterates
// the map's destinations in their stored (canonical, insertion) order,
// selects capsules not already assigned to that proxy, and stops once
// numProxies plans have been produced (0 means no limit).
func (b *Bob) GenerateWorkOrders(mapIDHex string, capsules []*pre.Capsule, numProxies int) ([]WorkOrderPlan, error) {
	tm := b.mapFor(mapIDHex)
	if tm == nil {
		return nil, fmt.Errorf("retrieval: generate_work_orders: %w: map %s not joined", preerr.ErrNowhereToBeFound, mapIDHex)
	}
	b.setState(StateReadyToDispatch)

	hist := b.historyFor(mapIDHex)

	var plans []WorkOrderPlan
	for _, d := range tm.Destinations {
		if numProxies > 0 && len(plans) >= numProxies {
			break
		}
		var pick []*pre.Capsule
		for _, c := range capsules {
			if !hist.claim(d.Address, c.EncodedE()) {
				pick = append(pick, c)
			}
		}
		if len(pick) == 0 {
			continue
		}
		plans = append(plans, WorkOrderPlan{Proxy: d.Address, ArrangementID: d.ArrangementID, Capsules: pick})
	}
	return plans, nil
}

func (b *Bob) buildWorkOrder(plan WorkOrderPlan) (network.WorkOrder, error) {
	refs := make([]*network.CapsuleRef, len(plan.Capsules))
	for i, c := range plan.Capsules {
		e := c.EncodedE()
		refs[i] = &network.CapsuleRef{EncodedE: append([]byte(nil), e[:]...)}
	}
	requester := b.stamp.PublicKey().Bytes()

	var buf bytes.Buffer
	buf.Write(plan.ArrangementID[:])
	for _, ref := range refs {
		buf.Write(ref.EncodedE)
	}
	buf.Write(requester[:])

	sig, err := b.provider.Sign(b.stamp, buf.Bytes())
	if err != nil {
		return network.WorkOrder{}, fmt.Errorf("retrieval: build_work_order: %w", err)
	}

	return network.WorkOrder{
		ArrangementID: plan.ArrangementID,
		Capsules:      refs,
		Requester:     requester[:],
		Signature:     sig,
	}, nil
}

// dispatch sends plans to their proxies concurrently (capped at
// dispatchConcurrency), attaching any returned cfrag and re-checking the
// "attached >= m" stop condition atomically after each attach (spec §5). A
// cfrag that fails its correctness check poisons the capsule and aborts the
// whole dispatch with an error wrapping preerr.ErrIncorrectCFrag (spec §4.4 step 4, the
// misbehavior capture point); transient transport errors just skip that
// proxy.
func (b *Bob) dispatch(ctx context.Context, capsule *pre.Capsule, plans []WorkOrderPlan, m int) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(dispatchConcurrency)

	for _, plan := range plans {
		plan := plan
		group.Go(func() error {
			if capsule.AttachedCount() >= m {
				return nil
			}
			select {
			case <-gctx.Done():
				return nil
			default:
			}

			wo, err := b.buildWorkOrder(plan)
			if err != nil {
				b.log.Warn(gctx, "dispatch: failed to build work order, skipping proxy", "proxy", fmt.Sprintf("%x", plan.Proxy), "err", err)
				return nil
			}

			raws, err := b.client.Reencrypt(gctx, plan.Proxy, wo)
			if err != nil {
				b.log.Debug(gctx, "dispatch: reencrypt failed, skipping proxy", "proxy", fmt.Sprintf("%x", plan.Proxy), "err", err)
				return nil
			}

			keys := capsule.CorrectnessKeys()
			for _, raw := range raws {
				if capsule.AttachedCount() >= m {
					break
				}
				cfrag, err := pre.DecodeCFrag(raw)
				if err != nil {
					b.log.Warn(gctx, "dispatch: malformed cfrag, skipping", "proxy", fmt.Sprintf("%x", plan.Proxy), "err", err)
					continue
				}
				if err := b.provider.AttachCFrag(capsule, cfrag, *keys); err != nil {
					if errors.Is(err, preerr.ErrIncorrectCFrag) {
						capsule.Poison()
						var evidence *preerr.IncorrectCFragError
						if errors.As(err, &evidence) {
							evidence.Evidence.OffendingProxy = fmt.Sprintf("%x", plan.Proxy)
						}
						return err
					}
					b.log.Warn(gctx, "dispatch: cfrag rejected, skipping", "proxy", fmt.Sprintf("%x", plan.Proxy), "err", err)
					continue
				}
			}
			return nil
		})
	}

	return group.Wait()
}
