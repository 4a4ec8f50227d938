package node

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/threshold-net/pre-client/pkg/preerr"
)

// Encode serializes r into the wire format of spec §4.2: a version-prefixed,
// length-framed record. Every variable-length field is written as a u16
// length followed by its bytes, so a future version can append fields a
// v1 decoder simply never reads.
func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer

	writeU16(&buf, r.Version)
	buf.Write(r.CanonicalAddress[:])

	writeU16(&buf, uint16(len(r.Domains)))
	for _, d := range r.Domains {
		writeBytes(&buf, []byte(d))
	}

	writeU32(&buf, r.Timestamp)
	writeBytes(&buf, r.InterfaceSig)
	writeBytes(&buf, r.IdentityEvidence)
	buf.Write(r.VerifyingKey[:])
	buf.Write(r.EncryptingKey[:])
	writeBytes(&buf, r.Certificate)
	writeBytes(&buf, []byte(r.RestInterface.Host))
	writeU16(&buf, r.RestInterface.Port)

	return buf.Bytes(), nil
}

// Decode parses the wire format produced by Encode. It always returns a
// non-nil *Record — even on error — with as much salvaged as possible
// (version and, once the address bytes are read, CanonicalAddress/Nickname),
// per spec §4.2: "a malformed record ... must still salvage an address for
// diagnostics" and "version too high ... a FromTheFutureError, not a parse
// failure."
func Decode(raw []byte) (*Record, error) {
	r := &Record{}
	br := bytes.NewReader(raw)

	version, err := readU16(br)
	if err != nil {
		return r, fmt.Errorf("node: decode: truncated version: %w", err)
	}
	r.Version = version

	if _, err := readFull(br, r.CanonicalAddress[:]); err != nil {
		return r, fmt.Errorf("node: decode: truncated canonical_address: %w", err)
	}

	if version > LearnerVersion {
		return r, fmt.Errorf("node: decode: %w", &preerr.FromTheFutureError{Version: version, Nickname: r.Nickname()})
	}

	domainCount, err := readU16(br)
	if err != nil {
		return r, fmt.Errorf("node: decode: truncated domain count: %w", err)
	}
	r.Domains = make([]string, domainCount)
	for i := range r.Domains {
		b, err := readBytes(br)
		if err != nil {
			return r, fmt.Errorf("node: decode: truncated domain %d: %w", i, err)
		}
		r.Domains[i] = string(b)
	}

	ts, err := readU32(br)
	if err != nil {
		return r, fmt.Errorf("node: decode: truncated timestamp: %w", err)
	}
	r.Timestamp = ts

	if r.InterfaceSig, err = readBytes(br); err != nil {
		return r, fmt.Errorf("node: decode: truncated interface_signature: %w", err)
	}
	if r.IdentityEvidence, err = readBytes(br); err != nil {
		return r, fmt.Errorf("node: decode: truncated identity_evidence: %w", err)
	}
	if _, err := readFull(br, r.VerifyingKey[:]); err != nil {
		return r, fmt.Errorf("node: decode: truncated verifying_key: %w", err)
	}
	if _, err := readFull(br, r.EncryptingKey[:]); err != nil {
		return r, fmt.Errorf("node: decode: truncated encrypting_key: %w", err)
	}
	if r.Certificate, err = readBytes(br); err != nil {
		return r, fmt.Errorf("node: decode: truncated certificate: %w", err)
	}
	hostBytes, err := readBytes(br)
	if err != nil {
		return r, fmt.Errorf("node: decode: truncated rest_interface host: %w", err)
	}
	r.RestInterface.Host = string(hostBytes)
	port, err := readU16(br)
	if err != nil {
		return r, fmt.Errorf("node: decode: truncated rest_interface port: %w", err)
	}
	r.RestInterface.Port = port

	return r, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU16(buf, uint16(len(b)))
	buf.Write(b)
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU16(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("short read: want %d got %d", len(b), n)
	}
	return n, nil
}
