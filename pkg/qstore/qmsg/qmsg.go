// Package qmsg defines the peer wire messages of spec.md §6 and their
// canonical encoding: request/response structs alongside their wire
// codec. Every type here round-trips through Encode/Decode using qbin,
// so a digest computed over an encoded value is reproducible across
// peers.
package qmsg

import (
	"encoding/hex"
	"fmt"

	"github.com/qstorelabs/quorumstore/pkg/qstore/qbin"
)

// PeerID identifies a validator. It mirrors the fixed-width author/
// signer fields of spec.md §3-6.
type PeerID [32]byte

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// IsZero reports whether p is the unset PeerID.
func (p PeerID) IsZero() bool { return p == PeerID{} }

// Digest identifies a batch's content and provenance (spec.md §3).
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is the unset Digest.
func (d Digest) IsZero() bool { return d == Digest{} }

// LogicalTime is the (epoch, round) pair used as a batch expiration
// timestamp, totally ordered lexicographically (spec.md §3).
type LogicalTime struct {
	Epoch uint64
	Round uint64
}

// Less reports whether t sorts strictly before other.
func (t LogicalTime) Less(other LogicalTime) bool {
	if t.Epoch != other.Epoch {
		return t.Epoch < other.Epoch
	}
	return t.Round < other.Round
}

func (t LogicalTime) encode(w *qbin.Writer) {
	w.Uint64(t.Epoch)
	w.Uint64(t.Round)
}

func decodeLogicalTime(r *qbin.Reader) LogicalTime {
	return LogicalTime{Epoch: r.Uint64(), Round: r.Uint64()}
}

// Message is satisfied by every wire type in this package; a
// NetworkSender transports values through this interface so it never
// needs to know about individual message shapes.
type Message interface {
	Encode() []byte
}

// Tag identifies a wire message's kind for demultiplexing (spec.md §6,
// §4.6).
type Tag uint8

const (
	TagFragment Tag = iota + 1
	TagSignedDigest
	TagProofOfStore
	TagBatchRequest
	TagBatchResponse
)

func (t Tag) String() string {
	switch t {
	case TagFragment:
		return "Fragment"
	case TagSignedDigest:
		return "SignedDigest"
	case TagProofOfStore:
		return "ProofOfStore"
	case TagBatchRequest:
		return "BatchRequest"
	case TagBatchResponse:
		return "BatchResponse"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Fragment is a chunk of a batch transported as one message (spec.md
// §3, §6). Exactly one fragment per batch — the terminator — carries
// a non-nil Expiration.
type Fragment struct {
	Epoch      uint64
	BatchID    uint64
	FragmentID uint32
	Payload    [][]byte
	Expiration *LogicalTime
	Author     PeerID
}

// IsTerminator reports whether f carries the batch's expiration.
func (f *Fragment) IsTerminator() bool { return f.Expiration != nil }

// NumBytes returns the total size of f's payload blobs.
func (f *Fragment) NumBytes() int {
	n := 0
	for _, p := range f.Payload {
		n += len(p)
	}
	return n
}

// Encode returns f's canonical encoding, tagged for demultiplexing.
func (f *Fragment) Encode() []byte {
	w := qbin.NewWriter(64 + f.NumBytes())
	w.Uint8(uint8(TagFragment))
	w.Uint64(f.Epoch)
	w.Uint64(f.BatchID)
	w.Uint32(f.FragmentID)
	w.BytesSlice(f.Payload)
	if f.Expiration != nil {
		w.Uint8(1)
		f.Expiration.encode(w)
	} else {
		w.Uint8(0)
	}
	w.RawBytes(f.Author[:])
	return w.Bytes()
}

// DecodeFragment decodes a Fragment previously produced by Encode.
// buf must not include the leading Tag byte.
func DecodeFragment(buf []byte) (*Fragment, error) {
	r := qbin.NewReader(buf)
	f := &Fragment{
		Epoch:      r.Uint64(),
		BatchID:    r.Uint64(),
		FragmentID: r.Uint32(),
		Payload:    r.BytesSlice(),
	}
	hasExp := r.Uint8()
	if hasExp == 1 {
		lt := decodeLogicalTime(r)
		f.Expiration = &lt
	}
	copy(f.Author[:], r.RawBytes())
	if r.Err() != nil {
		return nil, r.Err()
	}
	return f, nil
}

// SignedDigest attests that Signer holds a batch's body (spec.md §3).
type SignedDigest struct {
	Signer     PeerID
	Epoch      uint64
	Digest     Digest
	Expiration LogicalTime
	Signature  []byte
}

// SigningBody returns the canonical bytes SignedDigest.Signature signs
// over: (epoch, digest, expiration), per spec.md §3.
func (s *SignedDigest) SigningBody() []byte {
	w := qbin.NewWriter(48)
	w.Uint64(s.Epoch)
	w.RawBytes(s.Digest[:])
	s.Expiration.encode(w)
	return w.Bytes()
}

func (s *SignedDigest) Encode() []byte {
	w := qbin.NewWriter(64 + len(s.Signature))
	w.Uint8(uint8(TagSignedDigest))
	w.RawBytes(s.Signer[:])
	w.Uint64(s.Epoch)
	w.RawBytes(s.Digest[:])
	s.Expiration.encode(w)
	w.RawBytes(s.Signature)
	return w.Bytes()
}

func DecodeSignedDigest(buf []byte) (*SignedDigest, error) {
	r := qbin.NewReader(buf)
	s := &SignedDigest{}
	copy(s.Signer[:], r.RawBytes())
	s.Epoch = r.Uint64()
	copy(s.Digest[:], r.RawBytes())
	s.Expiration = decodeLogicalTime(r)
	s.Signature = append([]byte(nil), r.RawBytes()...)
	if r.Err() != nil {
		return nil, r.Err()
	}
	return s, nil
}

// ProofOfStore is a digest plus a quorum-signed attestation that a
// batch is durably held (spec.md §3). The aggregation scheme itself is
// treated as opaque (spec.md §9): Signers records who contributed and
// AggregatedSignature is whatever the verifier's Aggregate produced.
type ProofOfStore struct {
	Digest              Digest
	Expiration          LogicalTime
	Signers             []PeerID
	AggregatedSignature []byte
}

func (p *ProofOfStore) Encode() []byte {
	w := qbin.NewWriter(64 + len(p.AggregatedSignature) + 32*len(p.Signers))
	w.Uint8(uint8(TagProofOfStore))
	w.RawBytes(p.Digest[:])
	p.Expiration.encode(w)
	w.Uvarint(uint64(len(p.Signers)))
	for _, s := range p.Signers {
		w.RawBytes(s[:])
	}
	w.RawBytes(p.AggregatedSignature)
	return w.Bytes()
}

func DecodeProofOfStore(buf []byte) (*ProofOfStore, error) {
	r := qbin.NewReader(buf)
	p := &ProofOfStore{}
	copy(p.Digest[:], r.RawBytes())
	p.Expiration = decodeLogicalTime(r)
	n := r.Uvarint()
	p.Signers = make([]PeerID, 0, n)
	for i := uint64(0); i < n; i++ {
		var id PeerID
		copy(id[:], r.RawBytes())
		p.Signers = append(p.Signers, id)
	}
	p.AggregatedSignature = append([]byte(nil), r.RawBytes()...)
	if r.Err() != nil {
		return nil, r.Err()
	}
	return p, nil
}

// BatchRequest asks a peer for a batch body by digest (spec.md §6).
// RequestID is a per-attempt correlation ID that the serving peer
// echoes back in its BatchResponse; the requester does not check it.
type BatchRequest struct {
	Digest    Digest
	RequestID [16]byte
}

func (b *BatchRequest) Encode() []byte {
	w := qbin.NewWriter(48)
	w.Uint8(uint8(TagBatchRequest))
	w.RawBytes(b.Digest[:])
	w.RawBytes(b.RequestID[:])
	return w.Bytes()
}

func DecodeBatchRequest(buf []byte) (*BatchRequest, error) {
	r := qbin.NewReader(buf)
	b := &BatchRequest{}
	copy(b.Digest[:], r.RawBytes())
	copy(b.RequestID[:], r.RawBytes())
	if r.Err() != nil {
		return nil, r.Err()
	}
	return b, nil
}

// BatchResponse answers a BatchRequest with the batch body (spec.md
// §6). BatchID and Epoch ride along with the payload so the requester
// can re-derive the digest the same way the author originally did and
// reject a response that doesn't hash to what was asked for.
type BatchResponse struct {
	Digest    Digest
	Payload   [][]byte
	Author    PeerID
	BatchID   uint64
	Epoch     uint64
	RequestID [16]byte
}

func (b *BatchResponse) Encode() []byte {
	n := 0
	for _, p := range b.Payload {
		n += len(p)
	}
	w := qbin.NewWriter(80 + n)
	w.Uint8(uint8(TagBatchResponse))
	w.RawBytes(b.Digest[:])
	w.BytesSlice(b.Payload)
	w.RawBytes(b.Author[:])
	w.Uint64(b.BatchID)
	w.Uint64(b.Epoch)
	w.RawBytes(b.RequestID[:])
	return w.Bytes()
}

func DecodeBatchResponse(buf []byte) (*BatchResponse, error) {
	r := qbin.NewReader(buf)
	b := &BatchResponse{}
	copy(b.Digest[:], r.RawBytes())
	b.Payload = r.BytesSlice()
	copy(b.Author[:], r.RawBytes())
	b.BatchID = r.Uint64()
	b.Epoch = r.Uint64()
	copy(b.RequestID[:], r.RawBytes())
	if r.Err() != nil {
		return nil, r.Err()
	}
	return b, nil
}

// Decode inspects buf's leading Tag byte and decodes the matching
// message, returning it as one of the typed values above.
func Decode(buf []byte) (Tag, interface{}, error) {
	if len(buf) < 1 {
		return 0, nil, qbin.ErrTruncated
	}
	tag := Tag(buf[0])
	body := buf[1:]
	switch tag {
	case TagFragment:
		v, err := DecodeFragment(body)
		return tag, v, err
	case TagSignedDigest:
		v, err := DecodeSignedDigest(body)
		return tag, v, err
	case TagProofOfStore:
		v, err := DecodeProofOfStore(body)
		return tag, v, err
	case TagBatchRequest:
		v, err := DecodeBatchRequest(body)
		return tag, v, err
	case TagBatchResponse:
		v, err := DecodeBatchResponse(body)
		return tag, v, err
	default:
		return tag, nil, fmt.Errorf("qmsg: unknown tag %d", tag)
	}
}
