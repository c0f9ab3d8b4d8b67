package qmsg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFragmentRoundTrip(t *testing.T) {
	exp := LogicalTime{Epoch: 2, Round: 100}
	f := &Fragment{
		Epoch:      2,
		BatchID:    7,
		FragmentID: 1,
		Payload:    [][]byte{[]byte("tx_a"), []byte("tx_b")},
		Expiration: &exp,
		Author:     PeerID{1, 2, 3},
	}
	tag, v, err := Decode(f.Encode())
	require.NoError(t, err)
	require.Equal(t, TagFragment, tag)
	got := v.(*Fragment)
	require.True(t, got.IsTerminator())
	require.Equal(t, exp, *got.Expiration)
	require.Equal(t, f.Payload, got.Payload)
	require.Equal(t, f.Author, got.Author)
}

func TestFragmentWithoutExpirationRoundTrips(t *testing.T) {
	f := &Fragment{Epoch: 1, BatchID: 3, FragmentID: 0, Payload: [][]byte{[]byte("x")}}
	_, v, err := Decode(f.Encode())
	require.NoError(t, err)
	got := v.(*Fragment)
	require.False(t, got.IsTerminator())
}

func TestSignedDigestRoundTrip(t *testing.T) {
	s := &SignedDigest{
		Signer:     PeerID{9},
		Epoch:      4,
		Digest:     Digest{5, 6, 7},
		Expiration: LogicalTime{Epoch: 4, Round: 10},
		Signature:  []byte("sig-bytes"),
	}
	tag, v, err := Decode(s.Encode())
	require.NoError(t, err)
	require.Equal(t, TagSignedDigest, tag)
	got := v.(*SignedDigest)
	require.Equal(t, s.Signer, got.Signer)
	require.Equal(t, s.Digest, got.Digest)
	require.Equal(t, s.Signature, got.Signature)
}

func TestProofOfStoreRoundTrip(t *testing.T) {
	p := &ProofOfStore{
		Digest:              Digest{1},
		Expiration:          LogicalTime{Epoch: 1, Round: 2},
		Signers:             []PeerID{{1}, {2}, {3}},
		AggregatedSignature: []byte("agg"),
	}
	_, v, err := Decode(p.Encode())
	require.NoError(t, err)
	got := v.(*ProofOfStore)
	require.Equal(t, p.Signers, got.Signers)
	require.Equal(t, p.AggregatedSignature, got.AggregatedSignature)
}

func TestBatchRequestResponseRoundTrip(t *testing.T) {
	req := &BatchRequest{Digest: Digest{1, 2}, RequestID: [16]byte{1}}
	_, v, err := Decode(req.Encode())
	require.NoError(t, err)
	gotReq := v.(*BatchRequest)
	require.Equal(t, req.Digest, gotReq.Digest)

	resp := &BatchResponse{
		Digest:    Digest{1, 2},
		Payload:   [][]byte{[]byte("p1"), []byte("p2")},
		Author:    PeerID{3},
		BatchID:   42,
		Epoch:     7,
		RequestID: [16]byte{1},
	}
	_, v, err = Decode(resp.Encode())
	require.NoError(t, err)
	gotResp := v.(*BatchResponse)
	require.Equal(t, resp.Payload, gotResp.Payload)
	require.Equal(t, resp.BatchID, gotResp.BatchID)
	require.Equal(t, resp.Epoch, gotResp.Epoch)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, _, err := Decode([]byte{99})
	require.Error(t, err)
}
