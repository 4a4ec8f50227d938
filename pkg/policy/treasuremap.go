package policy

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/threshold-net/pre-client/pkg/network"
	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

// Destination is one entry in a TreasureMap: the proxy serving this policy
// and the arrangement + KFrag it holds (spec §3: "TreasureMap ... mapping
// {proxy_address → arrangement_id}").
type Destination struct {
	Address       [20]byte
	ArrangementID [32]byte
}

// TreasureMap is the signed, delegatee-encrypted manifest of spec §3/§4.3.
// M and N are carried so orientation can check `map.m` without recomputing
// it from the destination count.
type TreasureMap struct {
	M, N         int
	Destinations []Destination
	DelegatorVK  [33]byte
	Signature    []byte
}

// Enact builds the TreasureMap and RevocationKit, pushes KFrag shares to
// every accepted proxy, and publishes the map to them (spec §4.3 steps 1-4).
// Per-proxy push/publish failures are recorded in FailedProxies rather than
// aborting the whole enactment (spec: "any failure reverts that arrangement
// (best-effort, policy records unsuccessful proxies)").
func (p *Policy) Enact(ctx context.Context, client network.UrsulaClient) (*TreasureMap, *RevocationKit, []byte, error) {
	if !p.Enactable() {
		return nil, nil, nil, fmt.Errorf("policy: enact: %w: only %d of %d proxies accepted", preerr.ErrNotEnoughProxies, len(p.accepted), p.n)
	}

	destinations := make([]Destination, 0, len(p.accepted))
	for addr, rec := range p.accepted {
		destinations = append(destinations, Destination{Address: addr, ArrangementID: rec.arrangementID})
	}

	tm := &TreasureMap{M: p.m, N: p.n, Destinations: destinations, DelegatorVK: p.signer.PublicKey().Bytes()}
	payload := encodeTreasureMapPayload(tm)
	sig, err := p.provider.Sign(p.signer, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("policy: enact: %w", err)
	}
	tm.Signature = sig

	sealed, err := pre.SealToRecipient(p.receivingPK, append(payload, wrapSignature(sig)...))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("policy: enact: %w", err)
	}

	kit, err := p.buildRevocationKit()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("policy: enact: %w", err)
	}

	mapIDBytes := p.MapIDBytes()
	for addr, rec := range p.accepted {
		encodedKFrag, err := pre.EncodeKFrag(rec.kfrag)
		if err != nil {
			p.failed = append(p.failed, addr)
			continue
		}
		if err := client.DeliverKFrag(ctx, addr, rec.arrangementID, encodedKFrag); err != nil {
			p.failed = append(p.failed, addr)
			continue
		}
		if err := client.PublishTreasureMap(ctx, addr, mapIDBytes, sealed); err != nil {
			p.failed = append(p.failed, addr)
			continue
		}
	}

	return tm, kit, sealed, nil
}

// Orient implements spec §4.3's orient(map, compass): decrypts a sealed
// treasure map with the delegatee's decrypting key and checks the
// delegator's signature against the expected verifying key ("compass").
func Orient(provider pre.Provider, delegateeSK *pre.PrivateKey, delegatorVK *pre.PublicKey, sealed []byte) (*TreasureMap, error) {
	plaintext, err := pre.OpenAsRecipient(delegateeSK, sealed)
	if err != nil {
		return nil, fmt.Errorf("policy: orient: %w", err)
	}
	payload, sig, err := splitSignature(plaintext)
	if err != nil {
		return nil, fmt.Errorf("policy: orient: %w", err)
	}
	if !provider.Verify(delegatorVK, payload, sig) {
		return nil, fmt.Errorf("policy: orient: %w", preerr.ErrInvalidSignature)
	}
	tm, err := decodeTreasureMapPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("policy: orient: %w", err)
	}
	tm.Signature = sig
	return tm, nil
}

func encodeTreasureMapPayload(tm *TreasureMap) []byte {
	var buf bytes.Buffer
	buf.Write(tm.DelegatorVK[:])
	writeU16(&buf, uint16(tm.M))
	writeU16(&buf, uint16(tm.N))
	writeU16(&buf, uint16(len(tm.Destinations)))
	for _, d := range tm.Destinations {
		buf.Write(d.Address[:])
		buf.Write(d.ArrangementID[:])
	}
	return buf.Bytes()
}

func decodeTreasureMapPayload(payload []byte) (*TreasureMap, error) {
	br := bytes.NewReader(payload)
	tm := &TreasureMap{}
	if _, err := readFullInto(br, tm.DelegatorVK[:]); err != nil {
		return nil, err
	}
	m, err := readU16(br)
	if err != nil {
		return nil, err
	}
	n, err := readU16(br)
	if err != nil {
		return nil, err
	}
	tm.M, tm.N = int(m), int(n)

	count, err := readU16(br)
	if err != nil {
		return nil, err
	}
	tm.Destinations = make([]Destination, count)
	for i := range tm.Destinations {
		if _, err := readFullInto(br, tm.Destinations[i].Address[:]); err != nil {
			return nil, err
		}
		if _, err := readFullInto(br, tm.Destinations[i].ArrangementID[:]); err != nil {
			return nil, err
		}
	}
	return tm, nil
}

func wrapSignature(sig []byte) []byte {
	var buf bytes.Buffer
	writeU16(&buf, uint16(len(sig)))
	buf.Write(sig)
	return buf.Bytes()
}

func splitSignature(payloadAndSig []byte) (payload, sig []byte, err error) {
	// the signature frame is appended after the plain payload; since the
	// payload has a statically-derivable length from its own header, read
	// it first, then the trailing length-framed signature.
	br := bytes.NewReader(payloadAndSig)
	var vk [33]byte
	if _, err := readFullInto(br, vk[:]); err != nil {
		return nil, nil, err
	}
	m, err := readU16(br)
	if err != nil {
		return nil, nil, err
	}
	n, err := readU16(br)
	if err != nil {
		return nil, nil, err
	}
	_ = m
	_ = n
	count, err := readU16(br)
	if err != nil {
		return nil, nil, err
	}
	destBytes := int(count) * (20 + 32)
	payloadLen := 33 + 2 + 2 + 2 + destBytes
	if len(payloadAndSig) < payloadLen {
		return nil, nil, fmt.Errorf("policy: truncated treasure map payload")
	}
	payload = payloadAndSig[:payloadLen]
	rest := payloadAndSig[payloadLen:]
	sigLen, sigBody := binary.BigEndian.Uint16(rest[:2]), rest[2:]
	if len(sigBody) < int(sigLen) {
		return nil, nil, fmt.Errorf("policy: truncated treasure map signature")
	}
	return payload, sigBody[:sigLen], nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFullInto(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readFullInto(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("policy: short read: want %d got %d", len(b), n)
	}
	return n, nil
}
