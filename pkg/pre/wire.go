package pre

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// This file is the wire codec for KFrag/CFrag, the two PRE objects that
// cross the network (spec §6: "Binary encodings: all multi-field payloads
// use the framed concatenation rule"). Everything here is length-framed the
// same way pkg/node's codec is: u16 length prefixes for variable fields,
// fixed widths otherwise.

// EncodeKFrag serializes a KFrag for delivery to its proxy (spec §4.3 step
// 2: "Push KFrag shares to each proxy"). The share itself (rk) is included —
// this channel is assumed confidential and authenticated (mutual TLS),
// consistent with spec §4.1 treating KFrag transport as outside the crypto
// provider's own concerns.
func EncodeKFrag(k *KFrag) ([]byte, error) {
	var buf bytes.Buffer
	writeWireU16(&buf, k.ID)
	rkBytes := encodeScalar(k.rk)
	buf.Write(rkBytes[:])
	writeWirePoint(&buf, k.Commitment)
	writeWirePoint(&buf, k.PolicyPK)
	writeWirePoint(&buf, k.ReceivingPK)
	writeWirePoint(&buf, k.VerifyingPK)
	writeWireBytes(&buf, k.Signature)
	writeWireBytes(&buf, k.Label)
	return buf.Bytes(), nil
}

// DecodeKFrag parses the output of EncodeKFrag.
func DecodeKFrag(raw []byte) (*KFrag, error) {
	br := bytes.NewReader(raw)
	k := &KFrag{}

	id, err := readWireU16(br)
	if err != nil {
		return nil, cryptoErr("decode_kfrag", err)
	}
	k.ID = id

	var rkBytes [32]byte
	if _, err := readWireFull(br, rkBytes[:]); err != nil {
		return nil, cryptoErr("decode_kfrag", err)
	}
	rk, err := decodeScalar(rkBytes[:])
	if err != nil {
		return nil, cryptoErr("decode_kfrag", err)
	}
	k.rk = rk

	if k.Commitment, err = readWirePoint(br); err != nil {
		return nil, cryptoErr("decode_kfrag", err)
	}
	if k.PolicyPK, err = readWirePoint(br); err != nil {
		return nil, cryptoErr("decode_kfrag", err)
	}
	if k.ReceivingPK, err = readWirePoint(br); err != nil {
		return nil, cryptoErr("decode_kfrag", err)
	}
	if k.VerifyingPK, err = readWirePoint(br); err != nil {
		return nil, cryptoErr("decode_kfrag", err)
	}
	if k.Signature, err = readWireBytes(br); err != nil {
		return nil, cryptoErr("decode_kfrag", err)
	}
	if k.Label, err = readWireBytes(br); err != nil {
		return nil, cryptoErr("decode_kfrag", err)
	}
	return k, nil
}

// EncodeCFrag serializes a CFrag for the reencryption response (spec §6:
// POST /reencrypt -> 200 + [cfrag]).
func EncodeCFrag(c *CFrag) ([]byte, error) {
	var buf bytes.Buffer
	writeWireU16(&buf, c.KFragID)
	writeWirePoint(&buf, c.Point)
	writeWirePoint(&buf, c.Commitment)
	writeWirePoint(&buf, c.PolicyPK)
	writeWirePoint(&buf, c.ReceivingPK)
	writeWirePoint(&buf, c.VerifyingPK)
	writeWireBytes(&buf, c.Signature)
	writeWireBytes(&buf, encodeScalar(c.Proof.challenge)[:])
	writeWireBytes(&buf, encodeScalar(c.Proof.response)[:])
	writeWireBytes(&buf, c.label)
	return buf.Bytes(), nil
}

// DecodeCFrag parses the output of EncodeCFrag.
func DecodeCFrag(raw []byte) (*CFrag, error) {
	br := bytes.NewReader(raw)
	c := &CFrag{}
	var err error

	if c.KFragID, err = readWireU16(br); err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	if c.Point, err = readWirePoint(br); err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	if c.Commitment, err = readWirePoint(br); err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	if c.PolicyPK, err = readWirePoint(br); err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	if c.ReceivingPK, err = readWirePoint(br); err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	if c.VerifyingPK, err = readWirePoint(br); err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	if c.Signature, err = readWireBytes(br); err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	challengeBytes, err := readWireBytes(br)
	if err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	responseBytes, err := readWireBytes(br)
	if err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	challenge, err := decodeScalar(challengeBytes)
	if err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	response, err := decodeScalar(responseBytes)
	if err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	c.Proof = &dleqProof{challenge: challenge, response: response}
	if c.label, err = readWireBytes(br); err != nil {
		return nil, cryptoErr("decode_cfrag", err)
	}
	return c, nil
}

func writeWireU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeWireBytes(buf *bytes.Buffer, b []byte) {
	writeWireU16(buf, uint16(len(b)))
	buf.Write(b)
}

func writeWirePoint(buf *bytes.Buffer, p *Point) {
	enc := encodePoint(p)
	buf.Write(enc[:])
}

func readWireU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readWireFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readWireBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readWireU16(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := readWireFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readWirePoint(r *bytes.Reader) (*Point, error) {
	var b [33]byte
	if _, err := readWireFull(r, b[:]); err != nil {
		return nil, err
	}
	return decodePoint(b[:])
}

func readWireFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("short read: want %d got %d", len(b), n)
	}
	return n, nil
}
